package cyw43

import (
	"context"
	"sync"

	"github.com/soypat/cyw43/whd"
)

// IoctlKind selects whether an ioctl reads or writes firmware state.
type IoctlKind uint8

const (
	IoctlGet IoctlKind = whd.SDPCM_GET
	IoctlSet IoctlKind = whd.SDPCM_SET
)

// Largest payload that fits in a single control frame.
const maxIoctlPayload = maxFrameSize - whd.SDPCM_HEADER_LEN - whd.CDC_HEADER_LEN

type ioctlResult struct {
	n   int
	err error
}

// ioctlCall is a request in flight. Fields other than cancelled are
// immutable once submitted.
type ioctlCall struct {
	kind  IoctlKind
	cmd   whd.SDPCMCommand
	iface whd.IoctlInterface
	buf   []byte // Request payload; receives the response unless cancelled.
	// result receives exactly one value.
	result    chan ioctlResult
	cancelled bool // Guarded by ioctlSlot.mu.
}

// ioctlSlot hands a single ioctl at a time from Control to the Runner.
type ioctlSlot struct {
	permit  chan struct{}
	wake    *Notifier
	mu      sync.Mutex
	pending *ioctlCall
	stopped bool
}

func (s *ioctlSlot) init() {
	s.permit = make(chan struct{}, 1)
	s.wake = NewNotifier()
}

// do submits an ioctl and waits for the Runner to complete it. On
// cancellation a request the Runner has not taken is withdrawn; a taken one
// is abandoned, the Runner stops waiting for it and a late response is
// discarded by its id.
func (s *ioctlSlot) do(ctx context.Context, kind IoctlKind, cmd whd.SDPCMCommand, iface whd.IoctlInterface, buf []byte) (int, error) {
	if len(buf) > maxIoctlPayload {
		return 0, errIoctlTooLarge
	}
	select {
	case s.permit <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-s.permit }()

	call := &ioctlCall{
		kind:   kind,
		cmd:    cmd,
		iface:  iface,
		buf:    buf,
		result: make(chan ioctlResult, 1),
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, ErrRunnerStopped
	}
	s.pending = call
	s.mu.Unlock()
	s.wake.Notify()

	select {
	case res := <-call.result:
		return res.n, res.err
	case <-ctx.Done():
	}
	s.mu.Lock()
	taken := s.pending != call
	if taken {
		call.cancelled = true
	} else {
		s.pending = nil
	}
	s.mu.Unlock()
	if taken {
		// The Runner drops the abandoned call on wake.
		s.wake.Notify()
	}
	// The Runner may have finished between ctx firing and taking the lock.
	select {
	case res := <-call.result:
		return res.n, res.err
	default:
	}
	return 0, ctx.Err()
}

// take removes the pending request and copies its payload into dst while
// the caller can not withdraw it. Called by the Runner.
func (s *ioctlSlot) take(dst []byte) (call *ioctlCall, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call = s.pending
	if call == nil {
		return nil, 0
	}
	s.pending = nil
	return call, copy(dst, call.buf)
}

// abandoned reports whether the caller of a taken call gave up on it.
func (s *ioctlSlot) abandoned(call *ioctlCall) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return call.cancelled
}

func (s *ioctlSlot) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// complete delivers a response to call. resp is copied into the caller's
// buffer unless the call was cancelled.
func (s *ioctlSlot) complete(call *ioctlCall, resp []byte, err error) {
	s.mu.Lock()
	n := 0
	if !call.cancelled && err == nil {
		n = copy(call.buf, resp)
	}
	s.mu.Unlock()
	call.result <- ioctlResult{n: n, err: err}
}

// stop fails the pending request and every later one with ErrRunnerStopped.
func (s *ioctlSlot) stop() {
	s.mu.Lock()
	s.stopped = true
	call := s.pending
	s.pending = nil
	s.mu.Unlock()
	if call != nil {
		call.result <- ioctlResult{err: ErrRunnerStopped}
	}
}

// putIovar writes "name\x00" followed by val into dst and returns the length.
func putIovar(dst []byte, name string, val []byte) (int, error) {
	n := len(name) + 1 + len(val)
	if n > len(dst) {
		return 0, errIoctlTooLarge
	}
	copy(dst, name)
	dst[len(name)] = 0
	copy(dst[len(name)+1:], val)
	return n, nil
}
