// Package netchan implements the fixed-capacity network device channel that
// sits between the CYW43439 runner and a TCP/IP stack.
//
// A Channel holds RxSlots receive and TxSlots transmit frame buffers. The
// runner side delivers received frames and drains queued transmissions; the
// stack side uses the Device handle. Neither side ever allocates after
// construction.
package netchan

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/soypat/seqs/eth"
)

const (
	RxSlots = 4
	TxSlots = 4
	// MaxFrameSize is the largest Ethernet frame (no FCS) a slot holds.
	MaxFrameSize = 1514
	// Headroom is reserved ahead of every tx frame so the runner can
	// prepend bus headers without copying.
	Headroom      = 20
	minFrameSize  = eth.SizeEthernetHeader
	slotTotalSize = Headroom + MaxFrameSize
)

var (
	ErrFrameTooLarge  = errors.New("netchan: frame exceeds MTU")
	ErrFrameTooShort  = errors.New("netchan: frame shorter than ethernet header")
	ErrTxFull         = errors.New("netchan: tx queue full")
	ErrNoHardwareAddr = errors.New("netchan: hardware address not acquired")
)

// LinkState is the association state reported to the stack.
type LinkState uint8

const (
	LinkDown LinkState = iota
	LinkUp
)

func (ls LinkState) String() string {
	if ls == LinkUp {
		return "up"
	}
	return "down"
}

// Stats counts channel traffic. Values are cumulative.
type Stats struct {
	RxFrames    uint64
	RxDropped   uint64 // Receive queue full.
	RxMalformed uint64 // Shorter than an Ethernet header or larger than a slot.
	RxBroadcast uint64
	RxIPv4      uint64
	RxARP       uint64
	RxOther     uint64
	TxFrames    uint64
}

type slot struct {
	n   int
	buf [slotTotalSize]byte
}

type ring struct {
	slots []slot
	head  int // Next slot to read.
	count int
}

func (r *ring) full() bool  { return r.count == len(r.slots) }
func (r *ring) empty() bool { return r.count == 0 }

func (r *ring) tail() *slot {
	return &r.slots[(r.head+r.count)%len(r.slots)]
}

func (r *ring) push() { r.count++ }

func (r *ring) front() *slot { return &r.slots[r.head] }

func (r *ring) pop() {
	r.head = (r.head + 1) % len(r.slots)
	r.count--
}

// Channel is the shared state between the runner and the network stack.
// The zero value is not usable; use New.
type Channel struct {
	mu        sync.Mutex
	rx        ring
	tx        ring
	mac       [6]byte
	macSet    bool
	link      LinkState
	linkWait  chan struct{} // Closed and replaced on every link change.
	rxReady   chan struct{}
	txReady   chan struct{}
	txSpace   chan struct{}
	stats     Stats
	rxStorage [RxSlots]slot
	txStorage [TxSlots]slot
}

// New returns a Channel with its slots allocated.
func New() *Channel {
	c := &Channel{
		linkWait: make(chan struct{}),
		rxReady:  make(chan struct{}, 1),
		txReady:  make(chan struct{}, 1),
		txSpace:  make(chan struct{}, 1),
	}
	c.rx.slots = c.rxStorage[:]
	c.tx.slots = c.txStorage[:]
	return c
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// take pops the oldest received frame into dst in one lock hold.
func (c *Channel) take(dst []byte) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rx.empty() {
		return 0, false
	}
	s := c.rx.front()
	n := copy(dst, s.buf[:s.n])
	c.rx.pop()
	if !c.rx.empty() {
		// Pass the wake on to the next waiting consumer.
		notify(c.rxReady)
	}
	return n, true
}

// Device returns the stack facing handle of the channel.
func (c *Channel) Device() *Device { return &Device{c: c} }

// Deliver copies a received Ethernet frame into the receive queue. It never
// blocks: when the queue is full the frame is dropped, counted, and false is
// returned.
func (c *Channel) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(frame) < minFrameSize || len(frame) > MaxFrameSize {
		c.stats.RxMalformed++
		return false
	}
	if c.rx.full() {
		c.stats.RxDropped++
		return false
	}
	hdr := eth.DecodeEthernetHeader(frame)
	switch hdr.AssertType() {
	case eth.EtherTypeIPv4:
		c.stats.RxIPv4++
	case eth.EtherTypeARP:
		c.stats.RxARP++
	default:
		c.stats.RxOther++
	}
	if eth.IsBroadcastHW(hdr.Destination[:]) {
		c.stats.RxBroadcast++
	}
	s := c.rx.tail()
	s.n = copy(s.buf[:], frame)
	c.rx.push()
	c.stats.RxFrames++
	notify(c.rxReady)
	return true
}

// TxPending reports whether a frame is queued for transmission.
func (c *Channel) TxPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.tx.empty()
}

// TxPeek returns the oldest queued frame with Headroom writable bytes in
// front of it: frame[:Headroom] is scratch, frame[Headroom:] the Ethernet
// frame. The slice stays valid until TxDone.
func (c *Channel) TxPeek() (buf []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx.empty() {
		return nil, false
	}
	s := c.tx.front()
	return s.buf[:Headroom+s.n], true
}

// TxDone releases the frame returned by TxPeek.
func (c *Channel) TxDone() {
	c.mu.Lock()
	if !c.tx.empty() {
		c.tx.pop()
		c.stats.TxFrames++
	}
	c.mu.Unlock()
	notify(c.txSpace)
}

// TxReady is signalled when a frame is queued.
func (c *Channel) TxReady() <-chan struct{} { return c.txReady }

// SetHardwareAddr sets the MAC reported to the stack.
func (c *Channel) SetHardwareAddr(mac [6]byte) {
	c.mu.Lock()
	c.mac = mac
	c.macSet = true
	c.mu.Unlock()
}

// SetLinkState updates the link state and wakes WaitLinkState callers on change.
func (c *Channel) SetLinkState(ls LinkState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ls == c.link {
		return
	}
	c.link = ls
	close(c.linkWait)
	c.linkWait = make(chan struct{})
}

// Stats returns a snapshot of the counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Device is the stack's view of the channel.
type Device struct {
	c *Channel
}

// MTU returns the largest frame accepted by Send.
func (d *Device) MTU() int { return MaxFrameSize }

// HardwareAddr6 returns the device MAC address once the driver has read it.
func (d *Device) HardwareAddr6() ([6]byte, error) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if !d.c.macSet {
		return [6]byte{}, ErrNoHardwareAddr
	}
	return d.c.mac, nil
}

// HardwareAddr returns the MAC as a net.HardwareAddr.
func (d *Device) HardwareAddr() (net.HardwareAddr, error) {
	mac, err := d.HardwareAddr6()
	if err != nil {
		return nil, err
	}
	return net.HardwareAddr(mac[:]), nil
}

// LinkState returns the current link state.
func (d *Device) LinkState() LinkState {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	return d.c.link
}

// WaitLinkState blocks until the link reaches want or ctx is done.
func (d *Device) WaitLinkState(ctx context.Context, want LinkState) error {
	for {
		d.c.mu.Lock()
		ls, wait := d.c.link, d.c.linkWait
		d.c.mu.Unlock()
		if ls == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// TryRecv copies the oldest received frame into dst. It returns 0 and no
// error if the queue is empty. Frames longer than dst are truncated.
func (d *Device) TryRecv(dst []byte) (int, error) {
	n, _ := d.c.take(dst)
	return n, nil
}

// Recv blocks until a frame is received or ctx is done.
func (d *Device) Recv(ctx context.Context, dst []byte) (int, error) {
	for {
		if n, ok := d.c.take(dst); ok {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-d.c.rxReady:
		}
	}
}

// TrySend queues frame for transmission or returns ErrTxFull.
func (d *Device) TrySend(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	} else if len(frame) < minFrameSize {
		return ErrFrameTooShort
	}
	c := d.c
	c.mu.Lock()
	if c.tx.full() {
		c.mu.Unlock()
		return ErrTxFull
	}
	s := c.tx.tail()
	s.n = copy(s.buf[Headroom:], frame)
	c.tx.push()
	c.mu.Unlock()
	notify(c.txReady)
	return nil
}

// Send queues frame, blocking while the transmit queue is full.
func (d *Device) Send(ctx context.Context, frame []byte) error {
	for {
		err := d.TrySend(frame)
		if err != ErrTxFull {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.c.txSpace:
		}
	}
}

// Stats returns a snapshot of the channel counters.
func (d *Device) Stats() Stats { return d.c.Stats() }
