package cyw43

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/soypat/cyw43/netchan"
	"github.com/soypat/cyw43/whd"
)

const defaultSettleDelay = 100 * time.Millisecond

var (
	errCountryCode = errors.New("cyw43: country code must be two letters")
	errGPIO        = errors.New("cyw43: gpio number must be 0, 1 or 2")
	errAPSecurity  = errors.New("cyw43: unsupported access point security")
	errShortIovar  = errors.New("cyw43: short iovar response")
)

// Control issues configuration requests to the firmware through the Runner.
// Methods are safe for concurrent use; requests are served one at a time.
type Control struct {
	logger
	st     *DriverState
	settle time.Duration
}

func newControl(st *DriverState, cfg *Config) *Control {
	c := &Control{logger: logger{log: cfg.Logger}, st: st, settle: cfg.SettleDelay}
	if c.settle == 0 {
		c.settle = defaultSettleDelay
	}
	return c
}

// InitOptions configures Control.Init.
type InitOptions struct {
	// Country is the two letter regulatory country code. Defaults to "XX",
	// worldwide.
	Country string
	// Rev is the country revision. Zero selects the firmware default.
	Rev             int32
	PowerManagement PowerManagementMode
}

// Init configures the firmware for station operation, reads the MAC
// address and brings the interface up.
func (c *Control) Init(ctx context.Context, opts InitOptions) error {
	country := opts.Country
	if country == "" {
		country = "XX"
	} else if len(country) != 2 {
		return errCountryCode
	}
	// Disable tx glomming, which packs multiple packets in one bus transfer.
	err := c.SetIovarU32(ctx, "bus:txglom", 0)
	if err == nil {
		err = c.SetIovarU32(ctx, "apsta", 1)
	}
	if err != nil {
		return err
	}
	var mac [6]byte
	n, err := c.GetIovar(ctx, "cur_etheraddr", mac[:])
	if err != nil {
		return err
	} else if n != len(mac) {
		return errShortIovar
	}
	c.info("ctl:mac", slog.String("mac", net.HardwareAddr(mac[:]).String()))

	ci := whd.NewCountryInfo(country, opts.Rev)
	var cbuf [whd.COUNTRY_INFO_LEN]byte
	ci.Put(cbuf[:])
	if err = c.SetIovar(ctx, "country", cbuf[:]); err != nil {
		return err
	}
	// Requests fail for a while after setting the country.
	if err = c.pause(ctx); err != nil {
		return err
	}
	// Chip antenna.
	if err = c.SetIoctlU32(ctx, whd.WLC_SET_ANTDIV, whd.IF_STA, 0); err != nil {
		return err
	}
	for _, iv := range [...]struct {
		name string
		val  uint32
	}{
		{"bus:txglom", 0},
		{"ampdu_ba_wsize", 8},
		{"ampdu_mpdu", 4},
	} {
		if err = c.SetIovarU32(ctx, iv.name, iv.val); err != nil {
			return err
		}
		if err = c.pause(ctx); err != nil {
			return err
		}
	}

	var mask whd.EventMask
	mask.EnableAll()
	for _, ev := range [...]whd.AsyncEventType{
		whd.EvRADIO, whd.EvIF, whd.EvPROBREQ_MSG, whd.EvPROBREQ_MSG_RX, whd.EvPROBRESP_MSG, whd.EvROAM,
	} {
		mask.Disable(ev)
	}
	var mbuf [whd.EVENT_MASK_LEN]byte
	mask.Put(mbuf[:])
	if err = c.SetIovar(ctx, "bsscfg:event_msgs", mbuf[:]); err != nil {
		return err
	}
	if err = c.pause(ctx); err != nil {
		return err
	}
	if err = c.up(ctx); err != nil {
		return err
	}
	if err = c.pause(ctx); err != nil {
		return err
	}
	err = c.SetIoctlU32(ctx, whd.WLC_SET_GMODE, whd.IF_STA, 1) // Auto.
	if err == nil {
		err = c.SetIoctlU32(ctx, whd.WLC_SET_BAND, whd.IF_STA, 0) // Any.
	}
	if err == nil {
		err = c.pause(ctx)
	}
	if err != nil {
		return err
	}
	c.st.ch.SetHardwareAddr(mac)
	if err = c.SetPowerManagement(ctx, opts.PowerManagement); err != nil {
		return err
	}
	c.debug("ctl:init done")
	return nil
}

// pause waits for the settle delay so the firmware accepts the next request.
func (c *Control) pause(ctx context.Context) error {
	if c.settle <= 0 {
		return nil
	}
	t := time.NewTimer(c.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Control) up(ctx context.Context) error {
	_, err := c.Ioctl(ctx, IoctlSet, whd.WLC_UP, whd.IF_STA, nil)
	return err
}

func (c *Control) down(ctx context.Context) error {
	_, err := c.Ioctl(ctx, IoctlSet, whd.WLC_DOWN, whd.IF_STA, nil)
	return err
}

// SetPowerManagement applies mode's parameters.
func (c *Control) SetPowerManagement(ctx context.Context, mode PowerManagementMode) error {
	pm := mode.Tunables()
	c.debug("ctl:pm", slog.String("mode", mode.String()))
	if pm.Mode == 2 {
		for _, iv := range [...]struct {
			name string
			val  uint32
		}{
			{"pm2_sleep_ret", pm.SleepRetMs},
			{"bcn_li_bcn", pm.BeaconPeriod},
			{"bcn_li_dtim", pm.DTIMPeriod},
			{"assoc_listen", pm.AssocListen},
		} {
			if err := c.SetIovarU32(ctx, iv.name, iv.val); err != nil {
				return err
			}
		}
	}
	return c.SetIoctlU32(ctx, whd.WLC_SET_PM, whd.IF_STA, pm.Mode)
}

// JoinOpen associates with an open network. It returns once the firmware
// reports the outcome; ctx bounds the wait.
func (c *Control) JoinOpen(ctx context.Context, ssid string) error {
	si, err := whd.NewSsidInfo(ssid)
	if err != nil {
		return err
	}
	err = c.SetIovarU32(ctx, "ampdu_ba_wsize", 8)
	if err == nil {
		err = c.SetIoctlU32(ctx, whd.WLC_SET_WSEC, whd.IF_STA, whd.WSEC_NONE)
	}
	if err == nil {
		err = c.setIovarU32x2(ctx, "bsscfg:sup_wpa", 0, 0)
	}
	if err == nil {
		err = c.SetIoctlU32(ctx, whd.WLC_SET_INFRA, whd.IF_STA, 1)
	}
	if err == nil {
		err = c.SetIoctlU32(ctx, whd.WLC_SET_AUTH, whd.IF_STA, 0) // Open.
	}
	if err != nil {
		return err
	}
	c.st.secure.Store(false)
	return c.waitForJoin(ctx, &si)
}

// JoinWPA2 associates with a WPA2-PSK network. The link is reported up
// once the key exchange completes.
func (c *Control) JoinWPA2(ctx context.Context, ssid, passphrase string) error {
	si, err := whd.NewSsidInfo(ssid)
	if err != nil {
		return err
	}
	pi, err := whd.NewPassphraseInfo(passphrase)
	if err != nil {
		return err
	}
	err = c.SetIovarU32(ctx, "ampdu_ba_wsize", 8)
	if err == nil {
		err = c.SetIoctlU32(ctx, whd.WLC_SET_WSEC, whd.IF_STA, whd.WSEC_AES)
	}
	if err == nil {
		err = c.setIovarU32x2(ctx, "bsscfg:sup_wpa", 0, 1)
	}
	if err == nil {
		err = c.setIovarU32x2(ctx, "bsscfg:sup_wpa2_eapver", 0, 0xffff_ffff)
	}
	if err == nil {
		err = c.setIovarU32x2(ctx, "bsscfg:sup_wpa_tmo", 0, 2500)
	}
	if err == nil {
		err = c.pause(ctx)
	}
	if err != nil {
		return err
	}
	var pbuf [whd.PASSPHRASE_INFO_LEN]byte
	pi.Put(pbuf[:])
	_, err = c.Ioctl(ctx, IoctlSet, whd.WLC_SET_WSEC_PMK, whd.IF_STA, pbuf[:])
	if err == nil {
		err = c.SetIoctlU32(ctx, whd.WLC_SET_INFRA, whd.IF_STA, 1)
	}
	if err == nil {
		err = c.SetIoctlU32(ctx, whd.WLC_SET_AUTH, whd.IF_STA, 0)
	}
	if err == nil {
		err = c.SetIoctlU32(ctx, whd.WLC_SET_WPA_AUTH, whd.IF_STA, whd.WPA2_AUTH_PSK)
	}
	if err != nil {
		return err
	}
	c.st.secure.Store(true)
	return c.waitForJoin(ctx, &si)
}

// waitForJoin issues SET_SSID and waits for the SET_SSID event that ends
// the join. AUTH failures seen meanwhile are reported in the JoinError.
func (c *Control) waitForJoin(ctx context.Context, si *whd.SsidInfo) error {
	// Subscribe before the request so no event is missed.
	sub, err := c.Subscribe(whd.EvSET_SSID, whd.EvAUTH)
	if err != nil {
		return err
	}
	defer sub.Close()
	var buf [whd.SSID_INFO_LEN]byte
	si.Put(buf[:])
	_, err = c.Ioctl(ctx, IoctlSet, whd.WLC_SET_SSID, whd.IF_STA, buf[:])
	if err != nil {
		return err
	}
	authStatus := whd.EStatusSuccess
	for {
		ev, err := sub.Next(ctx)
		var lagged *LaggedError
		if errors.As(err, &lagged) {
			c.warn("ctl:join lagged", slog.Uint64("missed", lagged.Missed))
			continue
		} else if err != nil {
			return err
		}
		switch {
		case ev.Type == whd.EvAUTH && ev.Status != whd.EStatusSuccess:
			authStatus = ev.Status
		case ev.Type == whd.EvSET_SSID:
			if ev.Status != whd.EStatusSuccess {
				c.warn("ctl:join failed", slog.String("status", ev.Status.String()), slog.String("auth", authStatus.String()))
				return &JoinError{Status: ev.Status, AuthStatus: authStatus}
			}
			c.info("ctl:joined", slog.String("ssid", si.String()))
			return nil
		}
	}
}

// Leave disassociates from the current network.
func (c *Control) Leave(ctx context.Context) error {
	_, err := c.Ioctl(ctx, IoctlSet, whd.WLC_DISASSOC, whd.IF_STA, nil)
	if err == nil {
		c.info("ctl:disassociated")
	}
	return err
}

// GPIOSet drives one of the chip's three GPIOs. GPIO 0 is the Pico W LED.
func (c *Control) GPIOSet(ctx context.Context, n uint8, on bool) error {
	if n > 2 {
		return errGPIO
	}
	var val uint32
	if on {
		val = 1 << n
	}
	return c.setIovarU32x2(ctx, "gpioout", 1<<n, val)
}

// APConfig configures an access point.
type APConfig struct {
	SSID       string
	Passphrase string // Ignored for open networks.
	Channel    uint8
	Security   whd.Security // SecurityOpen, SecurityWPA or SecurityWPA2.
}

// StartAP switches the chip to access point mode.
func (c *Control) StartAP(ctx context.Context, cfg APConfig) error {
	var pi whd.PassphraseInfo
	var err error
	switch cfg.Security {
	case whd.SecurityOpen:
	case whd.SecurityWPA, whd.SecurityWPA2:
		pi, err = whd.NewPassphraseInfo(cfg.Passphrase)
	default:
		err = errAPSecurity
	}
	if err != nil {
		return err
	}
	si, err := whd.NewSsidInfo(cfg.SSID)
	if err != nil {
		return err
	}
	err = c.down(ctx)
	if err == nil {
		err = c.SetIovarU32(ctx, "apsta", 0)
	}
	if err == nil {
		err = c.up(ctx)
	}
	if err == nil {
		err = c.SetIoctlU32(ctx, whd.WLC_SET_AP, whd.IF_STA, 1)
	}
	if err != nil {
		return err
	}
	ssi := whd.SsidInfoWithIndex{Info: si}
	var sbuf [whd.SSID_INFO_INDEX_LEN]byte
	ssi.Put(sbuf[:])
	err = c.SetIovar(ctx, "bsscfg:ssid", sbuf[:])
	if err == nil {
		err = c.SetIoctlU32(ctx, whd.WLC_SET_CHANNEL, whd.IF_STA, uint32(cfg.Channel))
	}
	if err == nil {
		err = c.setIovarU32x2(ctx, "bsscfg:wsec", 0, cfg.Security.Wsec())
	}
	if err != nil {
		return err
	}
	if cfg.Security != whd.SecurityOpen {
		err = c.setIovarU32x2(ctx, "bsscfg:wpa_auth", 0, whd.WPA2_AUTH_PSK_AP)
		if err == nil {
			err = c.pause(ctx)
		}
		if err != nil {
			return err
		}
		var pbuf [whd.PASSPHRASE_INFO_LEN]byte
		pi.Put(pbuf[:])
		if _, err = c.Ioctl(ctx, IoctlSet, whd.WLC_SET_WSEC_PMK, whd.IF_STA, pbuf[:]); err != nil {
			return err
		}
	}
	// Multicast rate of 11 Mbps in 500 kbps units.
	if err = c.SetIovarU32(ctx, "2g_mrate", 11_000_000/500_000); err != nil {
		return err
	}
	err = c.setIovarU32x2(ctx, "bss", 0, 1) // BSS up.
	if err == nil {
		c.info("ctl:ap started", slog.String("ssid", cfg.SSID), slog.String("security", cfg.Security.String()))
	}
	return err
}

// Ioctl sends a raw ioctl. For IoctlGet the response is written to buf and
// its length returned.
func (c *Control) Ioctl(ctx context.Context, kind IoctlKind, cmd whd.SDPCMCommand, iface whd.IoctlInterface, buf []byte) (int, error) {
	n, err := c.st.ioctl.do(ctx, kind, cmd, iface, buf)
	if err != nil {
		c.debug("ctl:ioctl", slog.String("cmd", cmd.String()), slog.String("err", err.Error()))
	}
	return n, err
}

// SetIovar sets the firmware variable name to val.
func (c *Control) SetIovar(ctx context.Context, name string, val []byte) error {
	var stack [128]byte
	buf := stack[:]
	if need := len(name) + 1 + len(val); need > len(buf) {
		buf = make([]byte, need)
	}
	n, err := putIovar(buf, name, val)
	if err != nil {
		return err
	}
	c.trace("ctl:set", slog.String("iovar", name), slog.Int("len", len(val)))
	_, err = c.Ioctl(ctx, IoctlSet, whd.WLC_SET_VAR, whd.IF_STA, buf[:n])
	return err
}

// GetIovar reads the firmware variable name into res and returns the
// number of bytes written.
func (c *Control) GetIovar(ctx context.Context, name string, res []byte) (int, error) {
	var stack [128]byte
	buf := stack[:]
	need := max(len(name)+1, len(res))
	if need > len(buf) {
		buf = make([]byte, need)
	}
	buf = buf[:need]
	copy(buf, name)
	c.trace("ctl:get", slog.String("iovar", name))
	n, err := c.Ioctl(ctx, IoctlGet, whd.WLC_GET_VAR, whd.IF_STA, buf)
	if err != nil {
		return 0, err
	}
	return copy(res, buf[:min(n, len(res))]), nil
}

func (c *Control) SetIovarU32(ctx context.Context, name string, val uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	return c.SetIovar(ctx, name, b[:])
}

func (c *Control) GetIovarU32(ctx context.Context, name string) (uint32, error) {
	var b [4]byte
	n, err := c.GetIovar(ctx, name, b[:])
	if err != nil {
		return 0, err
	} else if n < 4 {
		return 0, errShortIovar
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *Control) setIovarU32x2(ctx context.Context, name string, v1, v2 uint32) error {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:], v1)
	binary.LittleEndian.PutUint32(b[4:], v2)
	return c.SetIovar(ctx, name, b[:])
}

func (c *Control) SetIoctlU32(ctx context.Context, cmd whd.SDPCMCommand, iface whd.IoctlInterface, val uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	_, err := c.Ioctl(ctx, IoctlSet, cmd, iface, b[:])
	return err
}

func (c *Control) GetIoctlU32(ctx context.Context, cmd whd.SDPCMCommand, iface whd.IoctlInterface) (uint32, error) {
	var b [4]byte
	n, err := c.Ioctl(ctx, IoctlGet, cmd, iface, b[:])
	if err != nil {
		return 0, err
	} else if n < 4 {
		return 0, errShortIovar
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Subscribe returns a subscriber to the given event types, or to every
// published event if none are given. The types stay enabled until the
// subscriber is closed.
func (c *Control) Subscribe(types ...whd.AsyncEventType) (*Subscriber, error) {
	return c.st.events.subscribe(types...)
}

// LinkState returns the current link state.
func (c *Control) LinkState() netchan.LinkState { return c.st.ch.Device().LinkState() }

// HardwareAddr returns the MAC address read during Init.
func (c *Control) HardwareAddr() (net.HardwareAddr, error) { return c.st.ch.Device().HardwareAddr() }
