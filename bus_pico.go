//go:build pico && !cy43nopio

package cyw43

import (
	"machine"

	pio "github.com/tinygo-org/pio/rp2-pio"
	"github.com/tinygo-org/pio/rp2-pio/piolib"
)

// picoTransport runs the 3-wire gSPI bus on a PIO state machine.
type picoTransport struct {
	cs  machine.Pin
	spi *piolib.SPI3w
}

var _ Transport = (*picoTransport)(nil)

// NewPicoWTransport claims a PIO0 state machine and returns the Pico W
// bus transport and its WL_REG_ON pin. The data line doubles as the
// interrupt line, so the driver should be configured to poll.
func NewPicoWTransport() (Transport, OutputPin, error) {
	picoWRegOn.Configure(machine.PinConfig{Mode: machine.PinOutput})
	picoWCS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	picoWCS.High()
	sm, err := pio.PIO0.ClaimStateMachine()
	if err != nil {
		return nil, nil, err
	}
	spi, err := piolib.NewSPI3w(sm, picoWData, picoWClk, picoWBaud)
	if err != nil {
		return nil, nil, err
	}
	spi.EnableStatus(true)
	if err = spi.EnableDMA(true); err != nil {
		return nil, nil, err
	}
	return &picoTransport{cs: picoWCS, spi: spi}, picoWRegOn.Set, nil
}

func (t *picoTransport) CmdRead(cmd uint32, buf []uint32) (status uint32, err error) {
	t.cs.Low()
	err = t.spi.CmdRead(cmd, buf)
	t.cs.High()
	return t.spi.LastStatus(), err
}

func (t *picoTransport) CmdWrite(cmd uint32, buf []uint32) (status uint32, err error) {
	t.cs.Low()
	err = t.spi.CmdWrite(cmd, buf)
	t.cs.High()
	return t.spi.LastStatus(), err
}
