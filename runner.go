package cyw43

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/soypat/cyw43/whd"
)

// State is the Runner's lifecycle state.
type State uint32

const (
	StateUninitialized State = iota
	StateBringUp
	StateFirmwareLoaded
	StateNvramLoaded
	StateClmLoaded
	StateRunning
	StateFailed
)

func (s State) String() (str string) {
	switch s {
	case StateUninitialized:
		str = "uninitialized"
	case StateBringUp:
		str = "bring-up"
	case StateFirmwareLoaded:
		str = "firmware-loaded"
	case StateNvramLoaded:
		str = "nvram-loaded"
	case StateClmLoaded:
		str = "clm-loaded"
	case StateRunning:
		str = "running"
	case StateFailed:
		str = "failed"
	default:
		str = "unknown"
	}
	return str
}

// Stats are cumulative Runner counters.
type Stats struct {
	RxFrames        uint64 // Frames read off function 2.
	RxDrops         uint64 // Data frames dropped because the receive queue was full.
	UnknownFrames   uint64 // Frames on an unknown channel.
	MalformedFrames uint64 // Frames or events that failed to decode.
	TxPackets       uint64
	TxStalls        uint64 // Times the firmware ran out of credit.
	EventsPublished uint64
	HCIDrops        uint64
}

type runnerStats struct {
	rxFrames, rxDrops, unknown, malformed atomic.Uint64
	txPackets, txStalls, events, hciDrops atomic.Uint64
}

// Header bytes in front of an ioctl payload.
const ioctlHeaderLen = whd.SDPCM_HEADER_LEN + whd.CDC_HEADER_LEN

// Runner owns the bus after New returns and services it from Run.
type Runner struct {
	logger
	bus      bus
	st       *DriverState
	state    atomic.Uint32
	irq      *Notifier
	pollTime time.Duration
	stopped  bool

	ioctlID     uint16
	sdpcmSeq    uint8
	sdpcmSeqMax uint8
	active      *ioctlCall
	stalled     bool

	// Link tracking.
	joinOK, authOK, keyOK bool

	fwlogOn bool
	fwlog   fwlog
	bt      *btRunner
	stats   runnerStats

	rxbuf [maxFrameSize]byte
	txbuf [maxFrameSize]byte
}

func newRunner(st *DriverState, pwr OutputPin, t Transport, cfg *Config) *Runner {
	r := &Runner{
		logger:      logger{log: cfg.Logger},
		st:          st,
		irq:         cfg.IRQ,
		pollTime:    cfg.PollInterval,
		sdpcmSeqMax: 1,
	}
	r.bus = bus{
		logger:     r.logger,
		t:          t,
		pwr:        pwr,
		resetDelay: cfg.ResetDelay,
		window:     windowUnknown,
	}
	return r
}

// State returns the lifecycle state. Safe for concurrent use.
func (r *Runner) State() State { return State(r.state.Load()) }

// Stats returns a snapshot of the Runner counters. Safe for concurrent use.
func (r *Runner) Stats() Stats {
	s := &r.stats
	return Stats{
		RxFrames:        s.rxFrames.Load(),
		RxDrops:         s.rxDrops.Load(),
		UnknownFrames:   s.unknown.Load(),
		MalformedFrames: s.malformed.Load(),
		TxPackets:       s.txPackets.Load(),
		TxStalls:        s.txStalls.Load(),
		EventsPublished: s.events.Load(),
		HCIDrops:        s.hciDrops.Load(),
	}
}

// Run services the chip until ctx is done or the transport fails, in which
// case a *TransportError is returned. Run may only be called once; control
// operations fail with ErrRunnerStopped after it returns.
func (r *Runner) Run(ctx context.Context) error {
	if r.stopped || r.State() != StateRunning {
		return ErrRunnerStopped
	}
	defer r.stop()
	var irq <-chan struct{}
	var tick <-chan time.Time
	if r.irq != nil {
		irq = r.irq.Wait()
	}
	if r.irq == nil || r.bt != nil {
		// Bluetooth ring updates are not signalled on the data-ready line.
		t := time.NewTicker(r.pollTime)
		defer t.Stop()
		tick = t.C
	}
	ioctlWake := r.st.ioctl.wake.Wait()
	txWake := r.st.ch.TxReady()
	var btWake <-chan struct{}
	if r.bt != nil {
		btWake = r.st.hci.tx.ready.Wait()
	}

	for {
		if r.fwlogOn {
			if err := r.fwlog.read(&r.bus); err != nil {
				return r.fail(err)
			}
		}
		if !r.hasCredit() {
			if !r.stalled {
				r.stalled = true
				r.stats.txStalls.Add(1)
				r.warn("tx stalled", slog.Int("seq", int(r.sdpcmSeq)), slog.Int("max", int(r.sdpcmSeqMax)))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-irq:
			case <-tick:
			}
			if err := r.handleIRQ(); err != nil {
				return r.fail(err)
			}
			continue
		}
		r.stalled = false
		worked, err := r.serveOne()
		if err != nil {
			return r.fail(err)
		} else if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ioctlWake:
		case <-txWake:
		case <-btWake:
		case <-irq:
			err = r.handleIRQ()
		case <-tick:
			err = r.handleIRQ()
		}
		if err != nil {
			return r.fail(err)
		}
	}
}

// serveOne sends at most one outgoing item: a pending ioctl, then a queued
// data frame, then an HCI packet.
func (r *Runner) serveOne() (worked bool, err error) {
	if r.active != nil && r.st.ioctl.abandoned(r.active) {
		r.debug("ioctl:abandoned", slog.String("cmd", r.active.cmd.String()), slog.Int("id", int(r.ioctlID)))
		r.active = nil
	}
	if r.active == nil {
		call, n := r.st.ioctl.take(r.txbuf[ioctlHeaderLen:])
		if call != nil {
			r.active = call
			err = r.sendIoctl(call, n)
			if err == nil {
				err = r.checkStatus()
			}
			return true, err
		}
	}
	if buf, ok := r.st.ch.TxPeek(); ok {
		err = r.sendData(buf)
		r.st.ch.TxDone()
		if err == nil {
			err = r.checkStatus()
		}
		return true, err
	}
	if r.bt != nil && r.st.hci.tx.pending() {
		return r.hciWrite()
	}
	return false, nil
}

func (r *Runner) fail(err error) error {
	r.state.Store(uint32(StateFailed))
	r.logerr("runner:fail", slog.String("err", err.Error()))
	return err
}

func (r *Runner) stop() {
	r.stopped = true
	r.st.ioctl.stop()
	if r.active != nil {
		r.st.ioctl.complete(r.active, nil, ErrRunnerStopped)
		r.active = nil
	}
}
