package cyw43

import (
	"context"
	"errors"

	"github.com/soypat/cyw43/whd"
)

// ErrScanDone is returned by Scanner.Next once the firmware ends the scan.
var ErrScanDone = errors.New("cyw43: scan done")

// ScanOptions configures Control.Scan.
type ScanOptions struct {
	// SSID restricts the scan to one network. Empty scans for all.
	SSID string
	// Active sends probe requests instead of listening for beacons.
	Active bool
}

// Scanner yields the networks found by a scan.
type Scanner struct {
	sub  *Subscriber
	done bool
}

// Scan starts an escan on all channels.
func (c *Control) Scan(ctx context.Context, opts ScanOptions) (*Scanner, error) {
	params := whd.DefaultScanParams()
	if opts.SSID != "" {
		si, err := whd.NewSsidInfo(opts.SSID)
		if err != nil {
			return nil, err
		}
		params.SSIDLen = si.Len
		params.SSID = si.SSID
	}
	if opts.Active {
		params.ScanType = whd.ScanTypeActive
	}
	var buf [whd.SCAN_PARAMS_LEN]byte
	params.Put(buf[:])
	sub, err := c.Subscribe(whd.EvESCAN_RESULT)
	if err != nil {
		return nil, err
	}
	if err = c.SetIovar(ctx, "escan", buf[:]); err != nil {
		sub.Close()
		return nil, err
	}
	return &Scanner{sub: sub}, nil
}

// Next blocks until the next network is found. It returns ErrScanDone
// after the last one and a *LaggedError if results were lost, after which
// it may be called again.
func (s *Scanner) Next(ctx context.Context) (whd.BssInfo, error) {
	for !s.done {
		ev, err := s.sub.Next(ctx)
		if err != nil {
			return whd.BssInfo{}, err
		}
		if ev.Status != whd.EStatusPartial {
			s.Close()
			break
		}
		if ev.Payload == PayloadBssInfo {
			return ev.Bss, nil
		}
	}
	return whd.BssInfo{}, ErrScanDone
}

// Close releases the scan's event subscription.
func (s *Scanner) Close() {
	s.done = true
	s.sub.Close()
}
