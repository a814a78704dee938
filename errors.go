package cyw43

import (
	"errors"
	"strconv"

	"github.com/soypat/cyw43/whd"
)

var (
	// ErrInit is matched by every error New returns.
	ErrInit = errors.New("cyw43: initialization failed")
	// ErrRunnerStopped is returned by control operations once Run has returned.
	ErrRunnerStopped      = errors.New("cyw43: runner stopped")
	ErrTooManySubscribers = errors.New("cyw43: too many event subscribers")
	ErrSubscriberClosed   = errors.New("cyw43: subscriber closed")

	errPollTimeout   = errors.New("poll timeout")
	errIoctlTooLarge = errors.New("ioctl payload too large")
)

// InitError reports the stage at which bring-up failed.
type InitError struct {
	Stage State
	Err   error
}

func (e *InitError) Error() string {
	return "cyw43: init failed in " + e.Stage.String() + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error { return e.Err }

func (e *InitError) Is(target error) bool { return target == ErrInit }

// TransportError wraps a failure of the Transport during a gSPI transaction.
type TransportError struct {
	Cmd uint32 // Command word of the failed transaction.
	Err error
}

func (e *TransportError) Error() string {
	c := whd.DecodeCmdWord(e.Cmd)
	op := "read"
	if c.Write {
		op = "write"
	}
	return "cyw43: transport " + op + " " + c.Fn.String() + "@0x" +
		strconv.FormatUint(uint64(c.Addr), 16) + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IoctlError is returned when the firmware completes an ioctl with a
// non-zero status.
type IoctlError struct {
	Cmd    whd.SDPCMCommand
	Status uint32
}

func (e *IoctlError) Error() string {
	return "cyw43: ioctl " + e.Cmd.String() + " failed with status " + strconv.Itoa(int(int32(e.Status)))
}

// JoinError is returned when association fails. AuthStatus holds the status
// of the last failed AUTH event seen during the join, if any.
type JoinError struct {
	Status     whd.EStatus
	AuthStatus whd.EStatus
}

func (e *JoinError) Error() string {
	return "cyw43: join failed: " + e.Status.String() + " (auth " + e.AuthStatus.String() + ")"
}

// LaggedError is returned once by Subscriber.Next when events were
// overwritten before the subscriber read them.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return "cyw43: subscriber lagged, " + strconv.FormatUint(e.Missed, 10) + " events missed"
}
