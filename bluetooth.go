package cyw43

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/cyw43/whd"
)

const (
	// HCIMTU is the largest HCI packet, type byte included.
	HCIMTU      = 1024
	hciQueueLen = 4
	btWaitTime  = 300 * time.Millisecond
)

var (
	errBTDisabled        = errors.New("cyw43: bluetooth not enabled")
	errHCIPacketSize     = errors.New("cyw43: hci packet empty or larger than MTU")
	errHCIShortBuffer    = errors.New("cyw43: buffer too short for hci packet")
	errNoBTFirmware      = errors.New("no bluetooth firmware")
	errBTReadyTimeout    = errors.New("bt firmware ready timeout")
	errBTWakeTimeout     = errors.New("bt wake timeout")
	errZeroBTAddr        = errors.New("bt ring base address is zero")
	errBTPatchHeader     = errors.New("bt patch version header truncated")
	errBTPatchTruncated  = errors.New("bt patch record truncated")
	errBTPatchAddrRecord = errors.New("bt patch address record too short")
)

type hciPacket struct {
	n   int
	buf [HCIMTU]byte
}

// hciQueue is a fixed ring of HCI packets with one producer and one consumer.
type hciQueue struct {
	mu    sync.Mutex
	pkts  [hciQueueLen]hciPacket
	head  int
	count int
	ready *Notifier // Signalled on push.
	space *Notifier // Signalled on pop.
}

func (q *hciQueue) init() {
	q.ready = NewNotifier()
	q.space = NewNotifier()
}

// push copies pkt to the tail of the queue. It reports false if the queue is full.
func (q *hciQueue) push(pkt []byte) bool {
	q.mu.Lock()
	if q.count == len(q.pkts) {
		q.mu.Unlock()
		return false
	}
	p := &q.pkts[(q.head+q.count)%len(q.pkts)]
	p.n = copy(p.buf[:], pkt)
	q.count++
	q.mu.Unlock()
	q.ready.Notify()
	return true
}

func (q *hciQueue) pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count > 0
}

// peek returns the packet at the head. It stays valid until pop since the
// producer only writes free slots.
func (q *hciQueue) peek() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	p := &q.pkts[q.head]
	return p.buf[:p.n], true
}

func (q *hciQueue) pop() {
	q.mu.Lock()
	if q.count == 0 {
		q.mu.Unlock()
		return
	}
	q.head = (q.head + 1) % len(q.pkts)
	q.count--
	q.mu.Unlock()
	q.space.Notify()
}

// take copies the head packet to dst and pops it. It reports false if the
// queue is empty. A packet that does not fit in dst stays queued.
func (q *hciQueue) take(dst []byte) (int, bool, error) {
	q.mu.Lock()
	if q.count == 0 {
		q.mu.Unlock()
		return 0, false, nil
	}
	p := &q.pkts[q.head]
	if p.n > len(dst) {
		q.mu.Unlock()
		return 0, true, errHCIShortBuffer
	}
	n := copy(dst, p.buf[:p.n])
	q.head = (q.head + 1) % len(q.pkts)
	q.count--
	more := q.count > 0
	q.mu.Unlock()
	q.space.Notify()
	if more {
		q.ready.Notify()
	}
	return n, true, nil
}

// hciState holds the HCI queues shared by BTDevice and the Runner.
type hciState struct {
	enabled atomic.Bool
	tx, rx  hciQueue
}

func (h *hciState) init() {
	h.tx.init()
	h.rx.init()
}

func (h *hciState) enable() { h.enabled.Store(true) }

// BTDevice exchanges HCI packets with the bluetooth controller. Packets
// start with the H4 packet type byte.
type BTDevice struct {
	h *hciState
}

// Bluetooth returns the HCI endpoint. Its methods fail unless the driver
// was created with EnableBluetooth.
func (s *DriverState) Bluetooth() *BTDevice { return &BTDevice{h: &s.hci} }

// Send queues pkt for the controller, blocking while the queue is full.
func (d *BTDevice) Send(ctx context.Context, pkt []byte) error {
	if !d.h.enabled.Load() {
		return errBTDisabled
	} else if len(pkt) == 0 || len(pkt) > HCIMTU {
		return errHCIPacketSize
	}
	for !d.h.tx.push(pkt) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.h.tx.space.Wait():
		}
	}
	return nil
}

// Recv blocks until a packet from the controller is available and copies
// it to dst. A packet that does not fit in dst is left queued.
func (d *BTDevice) Recv(ctx context.Context, dst []byte) (int, error) {
	if !d.h.enabled.Load() {
		return 0, errBTDisabled
	}
	q := &d.h.rx
	for {
		n, ok, err := q.take(dst)
		if ok {
			return n, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-q.ready.Wait():
		}
	}
}

// btRunner holds the Runner's view of the shared bus ring buffers.
type btRunner struct {
	addr     uint32 // Ring base in WLAN RAM.
	h2bWrite uint32
	b2hRead  uint32
	buf      [HCIMTU + 4]byte
}

// patchReader walks the records of a bluetooth firmware patch.
type patchReader struct {
	data   []byte
	mode   int
	hiAddr uint32
	base32 uint32
}

// newPatchReader skips the length prefixed version string and the byte
// following it.
func newPatchReader(fw []byte) (patchReader, error) {
	if len(fw) == 0 {
		return patchReader{}, errBTPatchHeader
	}
	skip := int(fw[0]) + 2
	if skip > len(fw) {
		return patchReader{}, errBTPatchHeader
	}
	return patchReader{data: fw[skip:], mode: whd.BTFW_ADDR_MODE_EXTENDED}, nil
}

// next returns the next data record. It returns a nil record at the end
// of the patch.
func (p *patchReader) next() (dst uint32, rec []byte, err error) {
	for len(p.data) > 0 {
		if len(p.data) < 4 {
			return 0, nil, errBTPatchTruncated
		}
		n := int(p.data[0])
		addr := uint32(binary.BigEndian.Uint16(p.data[1:3]))
		typ := p.data[3]
		if n == 0 {
			break
		} else if 4+n > len(p.data) {
			return 0, nil, errBTPatchTruncated
		}
		rec = p.data[4 : 4+n]
		p.data = p.data[4+n:]
		switch typ {
		case whd.BTFW_HEX_LINE_TYPE_EXTENDED_ADDRESS, whd.BTFW_HEX_LINE_TYPE_EXTENDED_SEGMENT_ADDRESS:
			if n < 2 {
				return 0, nil, errBTPatchAddrRecord
			}
			p.hiAddr = uint32(binary.BigEndian.Uint16(rec))
			p.mode = whd.BTFW_ADDR_MODE_EXTENDED
			if typ == whd.BTFW_HEX_LINE_TYPE_EXTENDED_SEGMENT_ADDRESS {
				p.mode = whd.BTFW_ADDR_MODE_SEGMENT
			}
		case whd.BTFW_HEX_LINE_TYPE_ABSOLUTE_32BIT_ADDRESS:
			if n < 4 {
				return 0, nil, errBTPatchAddrRecord
			}
			p.base32 = binary.BigEndian.Uint32(rec)
			p.mode = whd.BTFW_ADDR_MODE_LINEAR32
		case whd.BTFW_HEX_LINE_TYPE_DATA:
			dst = addr
			switch p.mode {
			case whd.BTFW_ADDR_MODE_EXTENDED:
				dst += p.hiAddr << 16
			case whd.BTFW_ADDR_MODE_SEGMENT:
				dst += p.hiAddr << 4
			case whd.BTFW_ADDR_MODE_LINEAR32:
				dst += p.base32
			}
			return dst, rec, nil
		}
	}
	p.data = nil
	return 0, nil, nil
}

// btInit powers up the bluetooth core, uploads its patch and sets up the
// shared bus rings.
func (r *Runner) btInit(fw []byte) error {
	r.trace("bt:init")
	if len(fw) == 0 {
		return errNoBTFirmware
	}
	b := &r.bus
	err := b.bpWrite32(whd.CYW43439.BluetoothBase+whd.BT2WLAN_PWRUP_ADDR, whd.BT2WLAN_PWRUP_WAKE)
	if err != nil {
		return err
	}
	time.Sleep(2 * time.Millisecond)
	if err = r.btUpload(fw); err != nil {
		return err
	}
	if err = r.btWait(whd.BTSDIO_REG_FW_RDY_BITMASK, errBTReadyTimeout); err != nil {
		return err
	}
	addr, err := b.bpRead32(whd.WLAN_RAM_BASE_REG_ADDR)
	if err != nil {
		return err
	} else if addr == 0 {
		return errZeroBTAddr
	}
	r.bt.addr = addr
	r.debug("bt:rings", slog.Uint64("addr", uint64(addr)))
	for _, off := range [...]uint32{
		whd.BTSDIO_OFFSET_HOST2BT_IN, whd.BTSDIO_OFFSET_HOST2BT_OUT,
		whd.BTSDIO_OFFSET_BT2HOST_IN, whd.BTSDIO_OFFSET_BT2HOST_OUT,
	} {
		if err = b.bpWrite32(addr+off, 0); err != nil {
			return err
		}
	}
	if err = r.btWait(whd.BTSDIO_REG_BT_AWAKE_BITMASK, errBTWakeTimeout); err != nil {
		return err
	}
	if err = r.btHostCtrl(whd.BTSDIO_REG_SW_RDY_BITMASK); err != nil {
		return err
	}
	return r.btToggleIntr()
}

// btUpload writes each patch record to bluetooth memory. Unaligned record
// edges are padded with the memory words already there.
func (r *Runner) btUpload(fw []byte) error {
	p, err := newPatchReader(fw)
	if err != nil {
		return err
	}
	b := &r.bus
	var aligned [256 + 8]byte
	var word [4]byte
	for {
		dst, rec, err := p.next()
		if err != nil {
			return err
		} else if rec == nil {
			return nil
		}
		start := dst + whd.CYW43439.BluetoothBase
		n := 0
		if !isaligned(start, 4) {
			head := int(start % 4)
			start = aligndown(start, 4)
			v, err := b.bpRead32(start)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(word[:], v)
			n = copy(aligned[:], word[:head])
		}
		n += copy(aligned[n:], rec)
		end := start + uint32(n)
		if !isaligned(end, 4) {
			v, err := b.bpRead32(aligndown(end, 4))
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(word[:], v)
			n += copy(aligned[n:], word[end%4:])
		}
		if err = b.bpWrite(start, aligned[:n]); err != nil {
			return err
		}
	}
}

func (r *Runner) btWait(mask uint32, timeoutErr error) error {
	err := pollUntil(btWaitTime, time.Millisecond, func() (bool, error) {
		v, err := r.bus.bpRead32(whd.BT_CTRL_REG_ADDR)
		return v&mask != 0, err
	})
	if err == errPollTimeout {
		return timeoutErr
	}
	return err
}

// btHostCtrl sets bits of the host control register.
func (r *Runner) btHostCtrl(set uint32) error {
	v, err := r.bus.bpRead32(whd.HOST_CTRL_REG_ADDR)
	if err != nil {
		return err
	}
	return r.bus.bpWrite32(whd.HOST_CTRL_REG_ADDR, v|set)
}

func (r *Runner) btToggleIntr() error {
	v, err := r.bus.bpRead32(whd.HOST_CTRL_REG_ADDR)
	if err != nil {
		return err
	}
	return r.bus.bpWrite32(whd.HOST_CTRL_REG_ADDR, v^whd.BTSDIO_REG_DATA_VALID_BITMASK)
}

// hciWrite moves the packet at the head of the tx queue into the host to
// controller ring. It reports false without error if the ring is full.
func (r *Runner) hciWrite() (bool, error) {
	pkt, ok := r.st.hci.tx.peek()
	if !ok {
		return false, nil
	}
	bt := r.bt
	b := &r.bus
	if err := r.btHostCtrl(whd.BTSDIO_REG_WAKE_BT_BITMASK); err != nil {
		return false, err
	}
	if err := r.btWait(whd.BTSDIO_REG_BT_AWAKE_BITMASK, errBTWakeTimeout); err != nil {
		return false, err
	}
	n := uint32(len(pkt) - 1) // Excludes the type byte.
	rounded := alignup(n, 4)
	readPtr, err := b.bpRead32(bt.addr + whd.BTSDIO_OFFSET_HOST2BT_OUT)
	if err != nil {
		return false, err
	}
	avail := (readPtr - (bt.h2bWrite + 4)) % whd.BTSDIO_FWBUF_SIZE
	if avail < 4+rounded {
		r.debug("hci:tx-full", slog.Uint64("len", uint64(4+rounded)), slog.Uint64("avail", uint64(avail)))
		return false, nil
	}
	buf := bt.buf[:4+rounded]
	buf[0] = byte(n)
	buf[1] = byte(n >> 8)
	buf[2] = byte(n >> 16)
	buf[3] = pkt[0]
	clear(buf[4+copy(buf[4:], pkt[1:]):])
	ring := bt.addr + whd.BTSDIO_OFFSET_HOST_WRITE_BUF
	if err = b.bpWrite(ring+bt.h2bWrite, buf[:4]); err != nil {
		return false, err
	}
	bt.h2bWrite = (bt.h2bWrite + 4) % whd.BTSDIO_FWBUF_SIZE
	payload := buf[4:]
	if bt.h2bWrite+rounded > whd.BTSDIO_FWBUF_SIZE {
		split := whd.BTSDIO_FWBUF_SIZE - bt.h2bWrite
		err = b.bpWrite(ring+bt.h2bWrite, payload[:split])
		if err == nil {
			err = b.bpWrite(ring, payload[split:])
		}
	} else if rounded > 0 {
		err = b.bpWrite(ring+bt.h2bWrite, payload)
	}
	if err != nil {
		return false, err
	}
	bt.h2bWrite = (bt.h2bWrite + rounded) % whd.BTSDIO_FWBUF_SIZE
	err = b.bpWrite32(bt.addr+whd.BTSDIO_OFFSET_HOST2BT_IN, bt.h2bWrite)
	if err == nil {
		err = r.btToggleIntr()
	}
	if err != nil {
		return false, err
	}
	r.trace("hci:tx", slog.Int("len", len(pkt)))
	r.st.hci.tx.pop()
	return true, nil
}

// btHandleIRQ drains the controller to host ring when the SDIO core
// flagged a flow control change.
func (r *Runner) btHandleIRQ() error {
	b := &r.bus
	bt := r.bt
	statusAddr := whd.CYW43439.SdiodBase + whd.SDIO_INT_STATUS
	st, err := b.bpRead32(statusAddr)
	if err != nil {
		return err
	} else if st&whd.I_HMB_FC_CHANGE == 0 {
		return nil
	}
	if err = b.bpWrite32(statusAddr, st&whd.I_HMB_FC_CHANGE); err != nil {
		return err
	}
	ring := bt.addr + whd.BTSDIO_OFFSET_HOST_READ_BUF
	var hdr [4]byte
	for {
		writePtr, err := b.bpRead32(bt.addr + whd.BTSDIO_OFFSET_BT2HOST_IN)
		if err != nil {
			return err
		}
		avail := (writePtr - bt.b2hRead) % whd.BTSDIO_FWBUF_SIZE
		if avail == 0 {
			return nil
		}
		if err = b.bpRead(ring+bt.b2hRead, hdr[:]); err != nil {
			return err
		}
		n := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16
		rounded := alignup(n, 4)
		if avail < 4+rounded {
			r.warn("hci:rx-partial", slog.Uint64("len", uint64(n)), slog.Uint64("avail", uint64(avail)))
			return nil
		}
		bt.b2hRead = (bt.b2hRead + 4) % whd.BTSDIO_FWBUF_SIZE
		oversize := n+1 > HCIMTU
		if !oversize {
			bt.buf[0] = hdr[3]
			payload := bt.buf[1 : 1+rounded]
			if bt.b2hRead+rounded > whd.BTSDIO_FWBUF_SIZE {
				split := whd.BTSDIO_FWBUF_SIZE - bt.b2hRead
				err = b.bpRead(ring+bt.b2hRead, payload[:split])
				if err == nil {
					err = b.bpRead(ring, payload[split:])
				}
			} else if rounded > 0 {
				err = b.bpRead(ring+bt.b2hRead, payload)
			}
			if err != nil {
				return err
			}
		}
		bt.b2hRead = (bt.b2hRead + rounded) % whd.BTSDIO_FWBUF_SIZE
		if err = b.bpWrite32(bt.addr+whd.BTSDIO_OFFSET_BT2HOST_OUT, bt.b2hRead); err != nil {
			return err
		}
		switch {
		case oversize:
			r.stats.hciDrops.Add(1)
			r.warn("hci:rx-oversize", slog.Uint64("len", uint64(n)))
		case !r.st.hci.rx.push(bt.buf[:1+n]):
			r.stats.hciDrops.Add(1)
			r.debug("hci:rx-drop", slog.Uint64("len", uint64(n)))
		default:
			r.trace("hci:rx", slog.Uint64("len", uint64(n+1)))
		}
		if err = r.btToggleIntr(); err != nil {
			return err
		}
	}
}
