package cyw43

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soypat/cyw43/whd"
)

func TestPatchReader(t *testing.T) {
	p, err := newPatchReader(testBTPatch())
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		dst uint32
		rec []byte
	}{
		{0x2_1000, []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{0x2_2001, []byte{0xaa, 0xbb, 0xcc}},
	}
	for i, w := range want {
		dst, rec, err := p.next()
		if err != nil {
			t.Fatal(err)
		}
		if dst != w.dst || !bytes.Equal(rec, w.rec) {
			t.Errorf("record %d: %#x %x, want %#x %x", i, dst, rec, w.dst, w.rec)
		}
	}
	if _, rec, err := p.next(); rec != nil || err != nil {
		t.Errorf("end of patch: %x %v", rec, err)
	}
}

func TestPatchReaderAddressModes(t *testing.T) {
	var fw []byte
	fw = append(fw, 0, 0) // Empty version string.
	fw = append(fw, 2, 0, 0, whd.BTFW_HEX_LINE_TYPE_EXTENDED_SEGMENT_ADDRESS, 0x10, 0x00)
	fw = append(fw, 1, 0x00, 0x04, whd.BTFW_HEX_LINE_TYPE_DATA, 0xee)
	fw = append(fw, 4, 0, 0, whd.BTFW_HEX_LINE_TYPE_ABSOLUTE_32BIT_ADDRESS, 0x00, 0x20, 0x00, 0x00)
	fw = append(fw, 1, 0x00, 0x08, whd.BTFW_HEX_LINE_TYPE_DATA, 0xdd)
	fw = append(fw, 1, 0x00, 0x0c, whd.BTFW_HEX_LINE_TYPE_DATA, 0xcc)
	p, err := newPatchReader(fw)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []uint32{0x1_0004, 0x20_0008, 0x20_000c} {
		dst, _, err := p.next()
		if err != nil || dst != want {
			t.Errorf("dst %#x %v, want %#x", dst, err, want)
		}
	}
}

func TestPatchReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		fw   []byte
		want error
	}{
		{"empty", nil, errBTPatchHeader},
		{"short version", []byte{9, 'a'}, errBTPatchHeader},
		{"truncated record", []byte{0, 0, 8, 0, 0, whd.BTFW_HEX_LINE_TYPE_DATA, 1, 2}, errBTPatchTruncated},
		{"short header", []byte{0, 0, 8, 0}, errBTPatchTruncated},
		{"short address", []byte{0, 0, 1, 0, 0, whd.BTFW_HEX_LINE_TYPE_EXTENDED_ADDRESS, 1}, errBTPatchAddrRecord},
	}
	for _, tt := range tests {
		p, err := newPatchReader(tt.fw)
		if err == nil {
			_, _, err = p.next()
		}
		if err != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestHCIQueue(t *testing.T) {
	var q hciQueue
	q.init()
	for i := 0; i < hciQueueLen; i++ {
		if !q.push([]byte{byte(i), 0xff}) {
			t.Fatalf("push %d failed", i)
		}
	}
	if q.push([]byte{9}) {
		t.Fatal("push on full queue succeeded")
	}
	for i := 0; i < hciQueueLen; i++ {
		pkt, ok := q.peek()
		if !ok || len(pkt) != 2 || pkt[0] != byte(i) {
			t.Fatalf("peek %d: %x %v", i, pkt, ok)
		}
		q.pop()
	}
	if q.pending() {
		t.Error("queue not empty")
	}
	q.pop() // No-op when empty.
}

func TestBTDeviceSendBlocks(t *testing.T) {
	st := NewState()
	st.hci.enable()
	bt := st.Bluetooth()
	ctx := context.Background()
	for i := 0; i < hciQueueLen; i++ {
		if err := bt.Send(ctx, []byte{1, byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	short, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	if err := bt.Send(short, []byte{1, 0xff}); err != context.DeadlineExceeded {
		t.Fatalf("send on full queue: %v", err)
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		st.hci.tx.pop()
	}()
	if err := bt.Send(ctx, []byte{1, 0xfe}); err != nil {
		t.Fatal(err)
	}
	if err := bt.Send(ctx, nil); err != errHCIPacketSize {
		t.Errorf("empty packet: %v", err)
	}
	if err := bt.Send(ctx, make([]byte, HCIMTU+1)); err != errHCIPacketSize {
		t.Errorf("oversize packet: %v", err)
	}
}

func TestBTDeviceRecvConcurrent(t *testing.T) {
	st := NewState()
	st.hci.enable()
	bt := st.Bluetooth()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !st.hci.rx.push(make([]byte, 8)) {
		t.Fatal("push failed")
	}
	if _, err := bt.Recv(ctx, make([]byte, 4)); err != errHCIShortBuffer {
		t.Fatalf("short buffer: %v", err)
	}
	if !st.hci.rx.pending() {
		t.Fatal("packet dropped on short buffer")
	}
	st.hci.rx.pop()

	got := make(chan int, hciQueueLen)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, HCIMTU)
			for {
				n, err := bt.Recv(ctx, buf)
				if err != nil {
					return
				}
				got <- n
			}
		}()
	}
	for i := 0; i < hciQueueLen; i++ {
		st.hci.rx.push([]byte{4, byte(i), 0})
	}
	timeout := time.After(time.Second)
	for i := 0; i < hciQueueLen; i++ {
		select {
		case n := <-got:
			if n != 3 {
				t.Errorf("packet length %d", n)
			}
		case <-timeout:
			t.Fatalf("received %d of %d packets", i, hciQueueLen)
		}
	}
	cancel()
	wg.Wait()
}
