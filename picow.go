//go:build pico

package cyw43

import "machine"

// Raspberry Pi Pico W wiring of the CYW43439.
const (
	picoWRegOn = machine.GPIO23
	picoWData  = machine.GPIO24 // Shared with the host wake interrupt.
	picoWClk   = machine.GPIO29
	picoWCS    = machine.GPIO25
	picoWBaud  = 25_000_000 - 1
)
