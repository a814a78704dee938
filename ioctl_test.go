package cyw43

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soypat/cyw43/whd"
)

func newTestSlot() *ioctlSlot {
	s := &ioctlSlot{}
	s.init()
	return s
}

// serveSlot answers every request by reversing its payload.
func serveSlot(s *ioctlSlot, stop <-chan struct{}) {
	var buf [64]byte
	for {
		select {
		case <-stop:
			return
		case <-s.wake.Wait():
		}
		call, n := s.take(buf[:])
		if call == nil {
			continue
		}
		resp := make([]byte, n)
		for i := range resp {
			resp[i] = buf[n-1-i]
		}
		s.complete(call, resp, nil)
	}
}

func TestIoctlSlotRoundTrip(t *testing.T) {
	s := newTestSlot()
	stop := make(chan struct{})
	defer close(stop)
	go serveSlot(s, stop)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := []byte{byte(i), 1, 2}
			n, err := s.do(context.Background(), IoctlGet, whd.WLC_GET_VAR, whd.IF_STA, buf)
			if err != nil || n != 3 || buf[0] != 2 || buf[2] != byte(i) {
				t.Errorf("call %d: %v %d %v", i, buf, n, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestIoctlSlotCancelPending(t *testing.T) {
	s := newTestSlot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := s.do(ctx, IoctlSet, whd.WLC_UP, whd.IF_STA, nil)
	if err != context.DeadlineExceeded {
		t.Fatalf("got %v", err)
	}
	if s.hasPending() {
		t.Fatal("cancelled request still pending")
	}
	// The slot is free again.
	stop := make(chan struct{})
	defer close(stop)
	go serveSlot(s, stop)
	if _, err = s.do(context.Background(), IoctlSet, whd.WLC_UP, whd.IF_STA, nil); err != nil {
		t.Fatal(err)
	}
}

func TestIoctlSlotCancelTaken(t *testing.T) {
	s := newTestSlot()
	buf := []byte{1, 2, 3, 4}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.do(ctx, IoctlGet, whd.WLC_GET_PM, whd.IF_STA, buf)
		done <- err
	}()
	<-s.wake.Wait()
	var tx [8]byte
	call, _ := s.take(tx[:])
	if call == nil {
		t.Fatal("nothing to take")
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("got %v", err)
	}
	if !s.abandoned(call) {
		t.Error("taken call not marked abandoned")
	}
	select {
	case <-s.wake.Wait():
	case <-time.After(time.Second):
		t.Error("runner not woken to drop the abandoned call")
	}
	// A late response must not touch the abandoned buffer.
	s.complete(call, []byte{9, 9, 9, 9}, nil)
	if buf[0] != 1 {
		t.Error("late response written to caller buffer")
	}
}

func TestIoctlSlotStop(t *testing.T) {
	s := newTestSlot()
	done := make(chan error, 1)
	go func() {
		_, err := s.do(context.Background(), IoctlSet, whd.WLC_UP, whd.IF_STA, nil)
		done <- err
	}()
	<-s.wake.Wait()
	s.stop()
	if err := <-done; err != ErrRunnerStopped {
		t.Fatalf("pending: %v", err)
	}
	if _, err := s.do(context.Background(), IoctlSet, whd.WLC_UP, whd.IF_STA, nil); err != ErrRunnerStopped {
		t.Fatalf("after stop: %v", err)
	}
	big := make([]byte, maxIoctlPayload+1)
	if _, err := s.do(context.Background(), IoctlSet, whd.WLC_SET_VAR, whd.IF_STA, big); err != errIoctlTooLarge {
		t.Fatalf("oversize: %v", err)
	}
}

func TestPutIovar(t *testing.T) {
	var buf [16]byte
	n, err := putIovar(buf[:], "apsta", []byte{1, 0, 0, 0})
	if err != nil || n != 10 || string(buf[:6]) != "apsta\x00" || buf[6] != 1 {
		t.Fatalf("%q %d %v", buf[:n], n, err)
	}
	if _, err = putIovar(buf[:], "a_very_long_name", nil); err != errIoctlTooLarge {
		t.Errorf("overflow: %v", err)
	}
}
