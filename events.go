package cyw43

import (
	"context"
	"slices"
	"sync"

	"github.com/soypat/cyw43/whd"
)

const (
	eventQueueLen  = 8
	maxSubscribers = 4
)

// PayloadKind identifies the payload carried by an Event.
type PayloadKind uint8

const (
	PayloadNone PayloadKind = iota
	PayloadBssInfo
)

// Event is an asynchronous firmware event.
type Event struct {
	Type      whd.AsyncEventType
	Status    whd.EStatus
	Reason    uint32
	Flags     uint16
	AuthType  uint32
	Interface uint8
	Addr      [6]byte
	Payload   PayloadKind
	Bss       whd.BssInfo // Valid when Payload is PayloadBssInfo.
}

type subState struct {
	used  bool
	next  uint64
	types []whd.AsyncEventType
}

// eventHub is a lossy broadcast ring. Publishing never blocks; a subscriber
// that falls more than eventQueueLen events behind loses the oldest ones.
type eventHub struct {
	mu   sync.Mutex
	ring [eventQueueLen]Event
	seq  uint64 // Sequence number of the next published event.
	subs [maxSubscribers]subState
	wake chan struct{} // Closed and replaced on every publish.
	// Reference counts of event types that should be published.
	mask [whd.EvLAST]uint16
	all  uint16 // Subscribers to every event type.
}

func (h *eventHub) init() {
	h.wake = make(chan struct{})
}

// enable adds a reference to each type of the publication mask.
func (h *eventHub) enable(types ...whd.AsyncEventType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range types {
		if t.IsValid() {
			h.mask[t]++
		}
	}
}

// disable releases references taken by enable.
func (h *eventHub) disable(types ...whd.AsyncEventType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range types {
		if t.IsValid() && h.mask[t] > 0 {
			h.mask[t]--
		}
	}
}

func (h *eventHub) enabled(t whd.AsyncEventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return t.IsValid() && (h.all > 0 || h.mask[t] > 0)
}

// publish appends ev to the ring, overwriting the oldest event when full.
func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	h.ring[h.seq%eventQueueLen] = ev
	h.seq++
	close(h.wake)
	h.wake = make(chan struct{})
	h.mu.Unlock()
}

// subscribe registers a subscriber that sees events published from now on
// whose type is in types, or every event if types is empty. The types are
// enabled in the mask until the subscriber is closed.
func (h *eventHub) subscribe(types ...whd.AsyncEventType) (*Subscriber, error) {
	h.mu.Lock()
	idx := -1
	for i := range h.subs {
		if !h.subs[i].used {
			idx = i
			break
		}
	}
	if idx < 0 {
		h.mu.Unlock()
		return nil, ErrTooManySubscribers
	}
	types = slices.Clone(types)
	h.subs[idx] = subState{used: true, next: h.seq, types: types}
	if len(types) == 0 {
		h.all++
	}
	h.mu.Unlock()
	h.enable(types...)
	return &Subscriber{h: h, idx: idx}, nil
}

// Subscriber reads events from the hub. Not safe for concurrent use.
type Subscriber struct {
	h      *eventHub
	idx    int
	closed bool
}

// Next blocks until an event arrives or ctx is done. If events were lost
// since the last call it returns a *LaggedError once and resumes at the
// oldest event still held.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	if s.closed {
		return Event{}, ErrSubscriberClosed
	}
	h := s.h
	for {
		h.mu.Lock()
		st := &h.subs[s.idx]
		var oldest uint64
		if h.seq > eventQueueLen {
			oldest = h.seq - eventQueueLen
		}
		if st.next < oldest {
			missed := oldest - st.next
			st.next = oldest
			h.mu.Unlock()
			return Event{}, &LaggedError{Missed: missed}
		}
		for st.next < h.seq {
			ev := h.ring[st.next%eventQueueLen]
			st.next++
			if st.wants(ev.Type) {
				h.mu.Unlock()
				return ev, nil
			}
		}
		wait := h.wake
		h.mu.Unlock()
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-wait:
		}
	}
}

func (st *subState) wants(t whd.AsyncEventType) bool {
	if len(st.types) == 0 {
		return true
	}
	for _, want := range st.types {
		if want == t {
			return true
		}
	}
	return false
}

// Close frees the subscriber slot and releases its event types.
func (s *Subscriber) Close() {
	if s.closed {
		return
	}
	s.closed = true
	h := s.h
	h.mu.Lock()
	types := h.subs[s.idx].types
	h.subs[s.idx] = subState{}
	if len(types) == 0 {
		h.all--
	}
	h.mu.Unlock()
	h.disable(types...)
}

func eventFromPacket(ev *whd.EventPacket) Event {
	m := &ev.Message
	return Event{
		Type:      m.EventType,
		Status:    m.Status,
		Reason:    m.Reason,
		Flags:     m.Flags,
		AuthType:  m.AuthType,
		Interface: m.IfIdx,
		Addr:      m.Addr,
	}
}
