package cyw43

import (
	"sync/atomic"

	"github.com/soypat/cyw43/netchan"
)

// noCopy flags accidental copies of DriverState to go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// DriverState is the storage shared by the Runner, Control and the network
// device. Create it with NewState and keep it alive as long as the driver.
type DriverState struct {
	_      noCopy
	ioctl  ioctlSlot
	events eventHub
	ch     *netchan.Channel
	hci    hciState
	// secure is set by Control before joining a network that needs a key exchange.
	secure atomic.Bool
}

// NewState allocates driver storage.
func NewState() *DriverState {
	s := &DriverState{ch: netchan.New()}
	s.ioctl.init()
	s.events.init()
	s.hci.init()
	return s
}
