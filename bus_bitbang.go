//go:build pico && cy43nopio

package cyw43

import (
	"device"
	"machine"
)

// bitbangTransport clocks the 3-wire gSPI bus from software in mode 0.
// Data is shifted most significant bit first, one 32 bit word at a time.
// The chip clocks out a status word after every transaction once status
// reporting is enabled; it is always read.
type bitbangTransport struct {
	cs    machine.Pin
	clk   machine.Pin
	data  machine.Pin
	delay uint32 // Quarter clock period, in nop iterations.
}

var _ Transport = (*bitbangTransport)(nil)

// NewPicoWTransport returns a bit-banged Pico W bus transport and its
// WL_REG_ON pin. It leaves the PIO blocks free at a large cost in
// throughput.
func NewPicoWTransport() (Transport, OutputPin, error) {
	picoWRegOn.Configure(machine.PinConfig{Mode: machine.PinOutput})
	picoWCS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	picoWClk.Configure(machine.PinConfig{Mode: machine.PinOutput})
	picoWCS.High()
	picoWClk.Low()
	t := &bitbangTransport{cs: picoWCS, clk: picoWClk, data: picoWData, delay: 1}
	t.output()
	return t, picoWRegOn.Set, nil
}

func (t *bitbangTransport) CmdRead(cmd uint32, buf []uint32) (status uint32, err error) {
	t.cs.Low()
	t.output()
	t.writeWord(cmd, true)
	t.input()
	for i := range buf {
		buf[i] = t.readWord()
	}
	status = t.readWord()
	t.cs.High()
	return status, nil
}

func (t *bitbangTransport) CmdWrite(cmd uint32, buf []uint32) (status uint32, err error) {
	t.cs.Low()
	t.output()
	t.writeWord(cmd, true)
	for _, w := range buf {
		t.writeWord(w, false)
	}
	t.input()
	status = t.readWord()
	t.cs.High()
	return status, nil
}

func (t *bitbangTransport) output() {
	t.data.Configure(machine.PinConfig{Mode: machine.PinOutput})
	t.data.Low()
}

func (t *bitbangTransport) input() {
	t.data.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
}

// writeWord shifts w out. The first bit after chip select must be on the
// line half a clock before the first rising edge.
func (t *bitbangTransport) writeWord(w uint32, first bool) {
	for bit := 31; bit >= 0; bit-- {
		t.data.Set(w&(1<<bit) != 0)
		t.wait()
		if first && bit == 31 {
			t.wait()
		}
		t.clk.High()
		t.wait()
		t.wait()
		t.clk.Low()
		t.wait()
	}
}

func (t *bitbangTransport) readWord() (w uint32) {
	for bit := 31; bit >= 0; bit-- {
		t.wait()
		t.clk.High()
		t.wait()
		if t.data.Get() {
			w |= 1 << bit
		}
		t.wait()
		t.clk.Low()
		t.wait()
	}
	return w
}

//go:inline
func (t *bitbangTransport) wait() {
	for i := uint32(0); i < t.delay; i++ {
		device.Asm("nop")
	}
}
