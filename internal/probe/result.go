package probe

import (
	"strconv"
	"time"
)

// Result is the outcome of one attempt.
type Result struct {
	Aborted bool
	Start   time.Time // stage 1
	End     time.Time // stage 2 if observed, else stage 4
	URL     string
}

// Delta returns the round trip in whole milliseconds.
//
// The result is floor(end ms) - floor(start ms), so sub-millisecond
// precision that some transports report never leaks into it. The difference
// is taken on the monotonic reading when both times carry one. Aborted
// results return ErrTimedOut.
func (r Result) Delta() (int64, error) {
	if r.Aborted {
		return 0, ErrTimedOut
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return 0, ErrIncomplete
	}
	// Truncate strips the monotonic reading, so only the start's
	// sub-millisecond remainder is taken from the wall clock.
	frac := r.Start.Sub(r.Start.Truncate(time.Millisecond))
	d := r.End.Sub(r.Start) + frac
	if d < 0 {
		d -= time.Millisecond - 1
	}
	return int64(d / time.Millisecond), nil
}

func (r Result) String() string {
	d, err := r.Delta()
	if err != nil {
		return err.Error()
	}
	return strconv.FormatInt(d, 10) + " ms"
}
