package probe

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is matched by transport errors that report the connection
	// being refused or unreachable. That rejection is the signal the
	// technique measures, so it never fails an attempt.
	ErrRejected = errors.New("connection rejected")

	// ErrTimedOut is returned by Result.Delta for aborted attempts.
	ErrTimedOut = errors.New("request timed out")

	// ErrIncomplete is returned by Result.Delta when a bounding timestamp
	// was never recorded.
	ErrIncomplete = errors.New("missing lifecycle timestamp")

	// ErrUnexpectedSuccess is matched by *UnexpectedSuccessError.
	ErrUnexpectedSuccess = errors.New("unexpected success")

	ErrBusy   = errors.New("measurement session already running")
	ErrNoHost = errors.New("no host to probe")
)

// UnexpectedSuccessError reports that the probed port accepted and
// answered the request. The elapsed time would include response processing,
// so no latency is produced for the attempt.
type UnexpectedSuccessError struct {
	URL    string
	Status int
}

func (e *UnexpectedSuccessError) Error() string {
	return fmt.Sprintf("invalid ping result status %d from %s: port is not unbound", e.Status, e.URL)
}

func (e *UnexpectedSuccessError) Is(target error) bool {
	return target == ErrUnexpectedSuccess
}
