package transport

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/tkjaer/pong/internal/probe"
)

// rejections are the connect errors produced when the remote stack answers
// a SYN with a RST or an ICMP destination unreachable.
var rejections = []unix.Errno{
	unix.ECONNREFUSED, // TCP RST
	unix.EHOSTUNREACH, // ICMP host unreachable / administratively prohibited
	unix.ENETUNREACH,  // ICMP net unreachable
	unix.EHOSTDOWN,
}

// RejectedError reports that the connection was rejected before it was
// established. It matches probe.ErrRejected.
type RejectedError struct {
	Addr  string
	Errno unix.Errno
	Err   error
}

func (e *RejectedError) Error() string {
	return "connection to " + e.Addr + " rejected: " + e.Err.Error()
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

func (e *RejectedError) Is(target error) bool {
	return target == probe.ErrRejected
}

// classify returns a *RejectedError if err is one of the rejections,
// otherwise nil.
func classify(addr string, err error) *RejectedError {
	if err == nil {
		return nil
	}
	for _, errno := range rejections {
		if errors.Is(err, errno) {
			return &RejectedError{Addr: addr, Errno: errno, Err: err}
		}
	}
	return nil
}
