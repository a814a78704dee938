// Package cyw43 is a driver for the Infineon CYW43439 WiFi and Bluetooth
// chip found on the Raspberry Pi Pico W, spoken to over its gSPI bus.
//
// New brings the chip up and returns three handles sharing a DriverState:
// the Runner, which must be run on its own goroutine and is the only user
// of the bus afterwards; the Control, which configures the firmware; and a
// netchan.Device carrying Ethernet frames to and from a network stack.
package cyw43

import (
	"log/slog"
	"time"

	"github.com/soypat/cyw43/netchan"
)

const (
	defaultPollInterval = 2 * time.Millisecond
	defaultResetDelay   = 250 * time.Millisecond
)

// Config configures New.
type Config struct {
	// Firmware is the WLAN firmware image. Required.
	Firmware []byte
	// NVRAM is the board configuration. Defaults to DefaultNVRAM.
	NVRAM []byte
	// CLM is the country locale matrix. If empty the download is skipped
	// and the firmware's built-in regulatory data is used.
	CLM []byte
	// BluetoothFirmware is the controller patch, required with EnableBluetooth.
	BluetoothFirmware []byte
	EnableBluetooth   bool
	// IRQ is notified by the transport when the chip raises its interrupt
	// line. If nil the Runner polls every PollInterval.
	IRQ          *Notifier
	PollInterval time.Duration
	// ResetDelay is the wait after powering the chip on. Defaults to 250ms.
	ResetDelay time.Duration
	// SettleDelay is the wait between Control requests the firmware needs
	// time to apply. Defaults to 100ms; negative disables it.
	SettleDelay time.Duration
	// EnableFirmwareLog forwards the firmware console to Logger.
	EnableFirmwareLog bool
	Logger            *slog.Logger
}

// New brings the chip up and loads its firmware. Errors match ErrInit and
// are of type *InitError.
func New(state *DriverState, pwr OutputPin, t Transport, cfg Config) (*netchan.Device, *Control, *Runner, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = defaultResetDelay
	}
	r := newRunner(state, pwr, t, &cfg)
	start := time.Now()
	err := r.init(&cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	r.info("cyw43:ready", slog.Duration("elapsed", time.Since(start)))
	return state.ch.Device(), newControl(state, &cfg), r, nil
}
