package cyw43

// Transport performs gSPI transactions. A transaction is a 32 bit command
// word followed by len(buf) data words, written from buf or read into it.
// Implementations return the status word the chip clocks out after the
// data when status reporting is enabled, or zero.
//
// Words are little endian on the wire: byte i of a transfer is byte i%4
// of buf[i/4].
type Transport interface {
	CmdRead(cmd uint32, buf []uint32) (status uint32, err error)
	CmdWrite(cmd uint32, buf []uint32) (status uint32, err error)
}

// OutputPin drives a digital output, used for the WL_REG_ON power line.
type OutputPin func(level bool)

// Notifier is a latched wake signal. Notify never blocks and coalesces
// repeated calls until the waiter observes them. A transport calls Notify
// from its data-ready interrupt so the Runner stops polling.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier returns a ready to use Notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify latches the signal.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait returns a channel that receives once per latched signal.
func (n *Notifier) Wait() <-chan struct{} { return n.ch }
