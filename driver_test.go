package cyw43

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/soypat/cyw43/internal/chipsim"
	"github.com/soypat/cyw43/netchan"
	"github.com/soypat/cyw43/whd"
)

var testMAC = [6]byte{0x28, 0xcd, 0xc1, 0x0a, 0x0b, 0x0c}

// testFirmware returns an image whose first word is non-zero so the
// simulated core starts when released from reset.
func testFirmware() []byte {
	fw := make([]byte, 2048+17)
	for i := range fw {
		fw[i] = byte(i) | 1
	}
	return fw
}

func testConfig() Config {
	return Config{
		Firmware:     testFirmware(),
		CLM:          bytes.Repeat([]byte{0xc1, 0xa0, 0x07}, whd.CLM_CHUNK_SIZE/2),
		ResetDelay:   time.Millisecond,
		PollInterval: time.Millisecond,
		SettleDelay:  -1,
	}
}

type rig struct {
	chip   *chipsim.Chip
	state  *DriverState
	dev    *netchan.Device
	ctl    *Control
	run    *Runner
	runErr error
	done   chan struct{}
}

// newRig brings up a driver on a simulated chip and runs its Runner until
// the test ends.
func newRig(t *testing.T, chip *chipsim.Chip, cfg Config) *rig {
	t.Helper()
	st := NewState()
	dev, ctl, run, err := New(st, chip.Power, chip, cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rg := &rig{chip: chip, state: st, dev: dev, ctl: ctl, run: run, done: make(chan struct{})}
	go func() {
		rg.runErr = run.Run(ctx)
		close(rg.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-rg.done
	})
	return rg
}

func newInitRig(t *testing.T) *rig {
	t.Helper()
	rg := newRig(t, chipsim.New(testMAC), testConfig())
	if err := rg.ctl.Init(testCtx(t), InitOptions{}); err != nil {
		t.Fatal(err)
	}
	return rg
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func ethFrame(dst, src [6]byte, payload string) []byte {
	b := make([]byte, 14+len(payload))
	copy(b, dst[:])
	copy(b[6:], src[:])
	binary.BigEndian.PutUint16(b[12:], 0x0800)
	copy(b[14:], payload)
	return b
}

func TestNewBringUp(t *testing.T) {
	chip := chipsim.New(testMAC)
	cfg := testConfig()
	rg := newRig(t, chip, cfg)
	if got := rg.run.State(); got != StateRunning {
		t.Fatalf("state %s, want running", got)
	}
	if !chip.Running() {
		t.Fatal("WLAN core not released")
	}
	if !bytes.Equal(chip.ReadMem(0, len(cfg.Firmware)), cfg.Firmware) {
		t.Error("firmware image mismatch in chip RAM")
	}
	m := &whd.CYW43439
	nv := []byte(DefaultNVRAM)
	n := alignup(uint32(len(nv)), 4)
	if !bytes.Equal(chip.ReadMem(m.NVRAMAddr(n), len(nv)), nv) {
		t.Error("nvram mismatch in chip RAM")
	}
	trailer := binary.LittleEndian.Uint32(chip.ReadMem(m.RAMBase+m.RAMSize-4, 4))
	if trailer != whd.NVRAMTrailer(n) {
		t.Errorf("nvram trailer %#x, want %#x", trailer, whd.NVRAMTrailer(n))
	}
	if !bytes.Equal(chip.CLM(), cfg.CLM) {
		t.Errorf("clm: got %d bytes, want %d", len(chip.CLM()), len(cfg.CLM))
	}
	if wm := chip.F1Reg(whd.SDIO_FUNCTION2_WATERMARK); wm != whd.SPI_F2_WATERMARK {
		t.Errorf("f2 watermark %#x", wm)
	}
	if _, err := rg.dev.HardwareAddr(); err == nil {
		t.Error("hardware address available before Control.Init")
	}
}

func TestNewWithoutCLM(t *testing.T) {
	chip := chipsim.New(testMAC)
	cfg := testConfig()
	cfg.CLM = nil
	rg := newRig(t, chip, cfg)
	if rg.run.State() != StateRunning {
		t.Fatal("not running")
	}
	for _, rec := range chip.Ioctls() {
		if rec.Var == "clmload" {
			t.Fatal("clm downloaded although none was given")
		}
	}
}

func TestNewInitError(t *testing.T) {
	errBoom := errors.New("boom")
	tests := []struct {
		name      string
		setup     func(*chipsim.Chip, *Config)
		wantStage State
		check     func(t *testing.T, err error)
	}{
		{
			name:      "no firmware",
			setup:     func(_ *chipsim.Chip, cfg *Config) { cfg.Firmware = nil },
			wantStage: StateUninitialized,
		},
		{
			name:      "bad nvram",
			setup:     func(_ *chipsim.Chip, cfg *Config) { cfg.NVRAM = []byte("boardtype=0x0887") },
			wantStage: StateUninitialized,
		},
		{
			name:      "transport",
			setup:     func(c *chipsim.Chip, _ *Config) { c.FailNext(errBoom) },
			wantStage: StateBringUp,
			check: func(t *testing.T, err error) {
				var te *TransportError
				if !errors.As(err, &te) || !errors.Is(err, errBoom) {
					t.Errorf("want TransportError wrapping cause, got %v", err)
				}
			},
		},
		{
			name:      "clm rejected",
			setup:     func(c *chipsim.Chip, _ *Config) { c.FailIoctl(whd.WLC_SET_VAR, 0xffff_fffe) },
			wantStage: StateNvramLoaded,
			check: func(t *testing.T, err error) {
				var ie *IoctlError
				if !errors.As(err, &ie) || ie.Cmd != whd.WLC_SET_VAR {
					t.Errorf("want IoctlError for SET_VAR, got %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chip := chipsim.New(testMAC)
			cfg := testConfig()
			tt.setup(chip, &cfg)
			_, _, _, err := New(NewState(), chip.Power, chip, cfg)
			if !errors.Is(err, ErrInit) {
				t.Fatalf("want ErrInit, got %v", err)
			}
			var ie *InitError
			if !errors.As(err, &ie) {
				t.Fatalf("want *InitError, got %T", err)
			}
			if ie.Stage != tt.wantStage {
				t.Errorf("stage %s, want %s", ie.Stage, tt.wantStage)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestNVRAMTrailerReadback(t *testing.T) {
	chip := chipsim.New(testMAC)
	m := &whd.CYW43439
	chip.CorruptWrites(m.RAMBase+m.RAMSize-4, 1<<16)
	_, _, _, err := New(NewState(), chip.Power, chip, testConfig())
	var ie *InitError
	if !errors.As(err, &ie) {
		t.Fatalf("want *InitError, got %v", err)
	}
	if ie.Stage != StateFirmwareLoaded || !errors.Is(err, errNVRAMReadback) {
		t.Errorf("stage %s err %v, want firmware loaded and trailer mismatch", ie.Stage, ie.Err)
	}
	if chip.Running() {
		t.Error("WLAN core released after failed NVRAM download")
	}
}

func TestControlInit(t *testing.T) {
	chip := chipsim.New(testMAC)
	rg := newRig(t, chip, testConfig())
	err := rg.ctl.Init(testCtx(t), InitOptions{Country: "US", PowerManagement: Performance})
	if err != nil {
		t.Fatal(err)
	}
	mac, err := rg.dev.HardwareAddr6()
	if err != nil || mac != testMAC {
		t.Errorf("mac %x (%v), want %x", mac, err, testMAC)
	}
	if cc, _ := chip.Iovar("country"); !bytes.HasPrefix(cc, []byte("US")) {
		t.Errorf("country iovar %q", cc)
	}
	if !chip.EventEnabled(whd.EvPSK_SUP) || !chip.EventEnabled(whd.EvESCAN_RESULT) {
		t.Error("join and scan events not enabled")
	}
	if chip.EventEnabled(whd.EvPROBREQ_MSG) || chip.EventEnabled(whd.EvROAM) {
		t.Error("noisy events enabled")
	}
	if v := chip.IoctlValue(whd.WLC_SET_PM); v != 2 {
		t.Errorf("PM mode %d, want 2", v)
	}
	if v, _ := chip.Iovar("pm2_sleep_ret"); binary.LittleEndian.Uint32(v) != 20 {
		t.Errorf("pm2_sleep_ret %v", v)
	}
	if v := chip.IoctlValue(whd.WLC_SET_GMODE); v != 1 {
		t.Errorf("gmode %d", v)
	}
	if err = rg.ctl.Init(testCtx(t), InitOptions{Country: "USA"}); err != errCountryCode {
		t.Errorf("three letter country: got %v", err)
	}
}

func TestSetPowerManagementSequence(t *testing.T) {
	rg := newInitRig(t)
	before := len(rg.chip.Ioctls())
	if err := rg.ctl.SetPowerManagement(testCtx(t), PowerSave); err != nil {
		t.Fatal(err)
	}
	recs := rg.chip.Ioctls()[before:]
	want := []struct {
		name string
		val  uint32
	}{
		{"pm2_sleep_ret", 200},
		{"bcn_li_bcn", 1},
		{"bcn_li_dtim", 1},
		{"assoc_listen", 10},
	}
	if len(recs) != len(want)+1 {
		t.Fatalf("got %d ioctls, want %d", len(recs), len(want)+1)
	}
	for i, w := range want {
		rec := recs[i]
		if rec.Kind != whd.SDPCM_SET || rec.Cmd != whd.WLC_SET_VAR || rec.Var != w.name {
			t.Errorf("ioctl %d: %+v, want SET_VAR %s", i, rec, w.name)
			continue
		}
		val := rec.Payload[len(rec.Var)+1:]
		if len(val) < 4 || binary.LittleEndian.Uint32(val) != w.val {
			t.Errorf("%s value %v, want %d", w.name, val, w.val)
		}
	}
	last := recs[len(want)]
	if last.Cmd != whd.WLC_SET_PM || len(last.Payload) < 4 || binary.LittleEndian.Uint32(last.Payload) != 2 {
		t.Errorf("last ioctl %+v, want WLC_SET_PM 2", last)
	}

	before = len(rg.chip.Ioctls())
	if err := rg.ctl.SetPowerManagement(testCtx(t), PowerNone); err != nil {
		t.Fatal(err)
	}
	recs = rg.chip.Ioctls()[before:]
	if len(recs) != 1 || recs[0].Cmd != whd.WLC_SET_PM || binary.LittleEndian.Uint32(recs[0].Payload) != 0 {
		t.Errorf("PowerNone ioctls %+v", recs)
	}
}

func TestJoinOpen(t *testing.T) {
	rg := newInitRig(t)
	rg.chip.AddNetwork(chipsim.Network{SSID: "cafe", BSSID: [6]byte{2, 0, 0, 0, 0, 1}, Channel: 6})
	ctx := testCtx(t)
	if err := rg.ctl.JoinOpen(ctx, "cafe"); err != nil {
		t.Fatal(err)
	}
	if err := rg.dev.WaitLinkState(ctx, netchan.LinkUp); err != nil {
		t.Fatal(err)
	}
	if err := rg.ctl.Leave(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rg.dev.WaitLinkState(ctx, netchan.LinkDown); err != nil {
		t.Fatal(err)
	}
}

func TestJoinNoNetwork(t *testing.T) {
	rg := newInitRig(t)
	err := rg.ctl.JoinOpen(testCtx(t), "nowhere")
	var je *JoinError
	if !errors.As(err, &je) || je.Status != whd.EStatusNoNetworks {
		t.Fatalf("want JoinError no networks, got %v", err)
	}
	if rg.ctl.LinkState() != netchan.LinkDown {
		t.Error("link up after failed join")
	}
}

func TestJoinWPA2(t *testing.T) {
	rg := newInitRig(t)
	rg.chip.AddNetwork(chipsim.Network{SSID: "home", BSSID: [6]byte{2, 0, 0, 0, 0, 2}, Passphrase: "correct horse", Channel: 1})
	ctx := testCtx(t)
	if err := rg.ctl.JoinWPA2(ctx, "home", "correct horse"); err != nil {
		t.Fatal(err)
	}
	if err := rg.dev.WaitLinkState(ctx, netchan.LinkUp); err != nil {
		t.Fatal(err)
	}
	if rg.chip.IoctlValue(whd.WLC_SET_WPA_AUTH) != whd.WPA2_AUTH_PSK {
		t.Error("wpa auth not set to WPA2 PSK")
	}

	rg.chip.DropLink()
	if err := rg.dev.WaitLinkState(ctx, netchan.LinkDown); err != nil {
		t.Fatal(err)
	}
}

func TestJoinWPA2WrongKey(t *testing.T) {
	rg := newInitRig(t)
	rg.chip.AddNetwork(chipsim.Network{SSID: "home", Passphrase: "correct horse", Channel: 1})
	ctx := testCtx(t)
	// Association succeeds; only the key exchange fails.
	if err := rg.ctl.JoinWPA2(ctx, "home", "battery staple"); err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := rg.dev.WaitLinkState(waitCtx, netchan.LinkUp); err == nil {
		t.Fatal("link came up with the wrong passphrase")
	}
}

func TestScan(t *testing.T) {
	rg := newInitRig(t)
	nets := []chipsim.Network{
		{SSID: "alpha", BSSID: [6]byte{2, 0, 0, 0, 0, 0xa}, Channel: 1, RSSI: -40},
		{SSID: "beta", BSSID: [6]byte{2, 0, 0, 0, 0, 0xb}, Channel: 6, RSSI: -60, Passphrase: "12345678"},
		{SSID: "gamma", BSSID: [6]byte{2, 0, 0, 0, 0, 0xc}, Channel: 11, RSSI: -80},
	}
	for _, nw := range nets {
		rg.chip.AddNetwork(nw)
	}
	ctx := testCtx(t)
	sc, err := rg.ctl.Scan(ctx, ScanOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var got []whd.BssInfo
	for {
		bss, err := sc.Next(ctx)
		if err == ErrScanDone {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		got = append(got, bss)
	}
	if len(got) != len(nets) {
		t.Fatalf("found %d networks, want %d", len(got), len(nets))
	}
	for i, bss := range got {
		nw := nets[i]
		if bss.SSID() != nw.SSID || bss.BSSID != nw.BSSID || bss.RSSI != nw.RSSI || bss.Chanspec.Channel() != nw.Channel {
			t.Errorf("result %d: %+v, want %+v", i, bss, nw)
		}
		wantSec := whd.SecurityOpen
		if nw.Passphrase != "" {
			wantSec = whd.SecurityWPA2
		}
		if bss.Security != wantSec {
			t.Errorf("%s security %s, want %s", nw.SSID, bss.Security, wantSec)
		}
	}

	// Directed scan.
	sc, err = rg.ctl.Scan(ctx, ScanOptions{SSID: "gamma", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	bss, err := sc.Next(ctx)
	if err != nil || bss.SSID() != "gamma" {
		t.Fatalf("directed scan: %q %v", bss.SSID(), err)
	}
	if _, err = sc.Next(ctx); err != ErrScanDone {
		t.Fatalf("directed scan end: %v", err)
	}
}

func TestDataPath(t *testing.T) {
	rg := newInitRig(t)
	ctx := testCtx(t)
	peer := [6]byte{2, 0, 0, 0, 0, 9}

	in := ethFrame(testMAC, peer, "ping")
	rg.chip.InjectData(in)
	var buf [netchan.MaxFrameSize]byte
	n, err := rg.dev.Recv(ctx, buf[:])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], in) {
		t.Errorf("rx frame %x, want %x", buf[:n], in)
	}

	out := ethFrame(peer, testMAC, "pong")
	if err = rg.dev.Send(ctx, out); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tx frame", func() bool { return len(rg.chip.SentFrames()) == 1 })
	if got := rg.chip.SentFrames()[0]; !bytes.Equal(got, out) {
		t.Errorf("tx frame %x, want %x", got, out)
	}
	if s := rg.run.Stats(); s.TxPackets != 1 || s.RxFrames == 0 {
		t.Errorf("stats %+v", s)
	}
}

func TestCreditStall(t *testing.T) {
	rg := newInitRig(t)
	ctx := testCtx(t)
	rg.chip.SetCreditWindow(0)
	rg.chip.SendCreditUpdate()
	waitFor(t, "tx stall", func() bool { return rg.run.Stats().TxStalls > 0 })

	out := ethFrame([6]byte{2, 0, 0, 0, 0, 9}, testMAC, "held")
	if err := rg.dev.Send(ctx, out); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(rg.chip.SentFrames()); n != 0 {
		t.Fatalf("%d frames sent without credit", n)
	}

	rg.chip.SetCreditWindow(8)
	rg.chip.SendCreditUpdate()
	waitFor(t, "tx after credit", func() bool { return len(rg.chip.SentFrames()) == 1 })
}

func TestMalformedFrames(t *testing.T) {
	rg := newInitRig(t)
	before := rg.run.Stats()
	// Size and its complement disagree.
	rg.chip.InjectFrame([]byte{16, 0, 0, 0, 0, whd.DATA_HEADER, 0, 12, 0, 0, 0, 0, 1, 2, 3, 4})
	// Unknown channel.
	rg.chip.InjectFrame([]byte{16, 0, 0xef, 0xff, 0, 7, 0, 12, 0, 0, 0, 0, 1, 2, 3, 4})
	waitFor(t, "frames counted", func() bool {
		s := rg.run.Stats()
		return s.MalformedFrames > before.MalformedFrames && s.UnknownFrames > before.UnknownFrames
	})
	// The driver keeps working.
	if _, err := rg.ctl.GetIoctlU32(testCtx(t), whd.WLC_GET_PM, whd.IF_STA); err != nil {
		t.Fatal(err)
	}
}

func TestIoctlAbandonedResponseLost(t *testing.T) {
	rg := newInitRig(t)
	rg.chip.MuteIoctl(whd.WLC_GET_PM, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := rg.ctl.GetIoctlU32(ctx, whd.WLC_GET_PM, whd.IF_STA)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unanswered ioctl: %v", err)
	}
	// The runner must not keep waiting on the unanswered request.
	mode, err := rg.ctl.GetIoctlU32(testCtx(t), whd.WLC_GET_PM, whd.IF_STA)
	if err != nil {
		t.Fatal(err)
	}
	if mode != 2 {
		t.Errorf("PM mode %d, want 2", mode)
	}
}

func TestSubscribeAllEvents(t *testing.T) {
	rg := newInitRig(t)
	sub, err := rg.ctl.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	rg.chip.InjectEvent(whd.EventMessage{EventType: whd.EvLINK, Status: whd.EStatusSuccess}, nil)
	ev, err := sub.Next(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != whd.EvLINK {
		t.Errorf("got %v, want LINK", ev.Type)
	}
}

func TestIoctlStatusError(t *testing.T) {
	rg := newInitRig(t)
	rg.chip.FailIoctl(whd.WLC_SET_ANTDIV, 0xffff_ffe9)
	err := rg.ctl.SetIoctlU32(testCtx(t), whd.WLC_SET_ANTDIV, whd.IF_STA, 3)
	var ie *IoctlError
	if !errors.As(err, &ie) || ie.Status != 0xffff_ffe9 || ie.Cmd != whd.WLC_SET_ANTDIV {
		t.Fatalf("want IoctlError, got %v", err)
	}
	if _, err = rg.ctl.GetIovarU32(testCtx(t), "no_such_var"); err == nil {
		t.Fatal("unknown iovar read succeeded")
	}
	// Success after a failure.
	if err = rg.ctl.SetIovarU32(testCtx(t), "ampdu_mpdu", 4); err != nil {
		t.Fatal(err)
	}
}

func TestGPIOSet(t *testing.T) {
	rg := newInitRig(t)
	ctx := testCtx(t)
	if err := rg.ctl.GPIOSet(ctx, 0, true); err != nil {
		t.Fatal(err)
	}
	v, ok := rg.chip.Iovar("gpioout")
	if !ok || len(v) != 8 || binary.LittleEndian.Uint32(v) != 1 || binary.LittleEndian.Uint32(v[4:]) != 1 {
		t.Errorf("gpioout %x", v)
	}
	if err := rg.ctl.GPIOSet(ctx, 3, true); err != errGPIO {
		t.Errorf("gpio 3: got %v", err)
	}
}

func TestStartAP(t *testing.T) {
	rg := newInitRig(t)
	err := rg.ctl.StartAP(testCtx(t), APConfig{SSID: "picow", Passphrase: "password", Channel: 6, Security: whd.SecurityWPA2})
	if err != nil {
		t.Fatal(err)
	}
	if rg.chip.IoctlValue(whd.WLC_SET_CHANNEL) != 6 {
		t.Error("channel not set")
	}
	if v, _ := rg.chip.Iovar("bss"); len(v) != 8 || binary.LittleEndian.Uint32(v[4:]) != 1 {
		t.Errorf("bss up %x", v)
	}
	err = rg.ctl.StartAP(testCtx(t), APConfig{SSID: "picow", Security: whd.SecurityWEP})
	if err != errAPSecurity {
		t.Errorf("WEP: got %v", err)
	}
}

func TestTransportFailureStopsRunner(t *testing.T) {
	rg := newInitRig(t)
	errBoom := errors.New("spi fault")
	rg.chip.FailNext(errBoom)
	select {
	case <-rg.done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	var te *TransportError
	if !errors.As(rg.runErr, &te) || !errors.Is(rg.runErr, errBoom) {
		t.Fatalf("want TransportError, got %v", rg.runErr)
	}
	if rg.run.State() != StateFailed {
		t.Errorf("state %s", rg.run.State())
	}
	if _, err := rg.ctl.GetIoctlU32(testCtx(t), whd.WLC_GET_PM, whd.IF_STA); err != ErrRunnerStopped {
		t.Errorf("ioctl after stop: %v", err)
	}
}

func TestRunnerIRQ(t *testing.T) {
	chip := chipsim.New(testMAC)
	cfg := testConfig()
	cfg.IRQ = NewNotifier()
	// Long enough that the test would time out relying on polling.
	cfg.PollInterval = time.Hour
	chip.OnIRQ = cfg.IRQ.Notify
	rg := newRig(t, chip, cfg)
	if err := rg.ctl.Init(testCtx(t), InitOptions{}); err != nil {
		t.Fatal(err)
	}
	in := ethFrame(testMAC, [6]byte{2, 0, 0, 0, 0, 1}, "irq")
	chip.InjectData(in)
	var buf [netchan.MaxFrameSize]byte
	n, err := rg.dev.Recv(testCtx(t), buf[:])
	if err != nil || !bytes.Equal(buf[:n], in) {
		t.Fatalf("rx %x %v", buf[:n], err)
	}
}

// testBTPatch returns a patch with an extended address record followed by
// two data records, one unaligned.
func testBTPatch() []byte {
	version := "BCM4343A2 test"
	p := []byte{byte(len(version))}
	p = append(p, version...)
	p = append(p, 0)
	p = append(p, 2, 0, 0, whd.BTFW_HEX_LINE_TYPE_EXTENDED_ADDRESS, 0x00, 0x02)
	p = append(p, 8, 0x10, 0x00, whd.BTFW_HEX_LINE_TYPE_DATA, 1, 2, 3, 4, 5, 6, 7, 8)
	p = append(p, 3, 0x20, 0x01, whd.BTFW_HEX_LINE_TYPE_DATA, 0xaa, 0xbb, 0xcc)
	p = append(p, 0, 0, 0, whd.BTFW_HEX_LINE_TYPE_END_OF_DATA)
	return p
}

func TestBluetoothHCI(t *testing.T) {
	chip := chipsim.New(testMAC)
	cfg := testConfig()
	cfg.EnableBluetooth = true
	cfg.BluetoothFirmware = testBTPatch()
	rg := newRig(t, chip, cfg)
	if !chip.BluetoothUp() {
		t.Fatal("bluetooth core not powered")
	}
	base := whd.CYW43439.BluetoothBase
	if got := chip.ReadMem(base+0x2_1000, 8); !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("patch record 1: %x", got)
	}
	if got := chip.ReadMem(base+0x2_2001, 3); !bytes.Equal(got, []byte{0xaa, 0xbb, 0xcc}) {
		t.Errorf("patch record 2: %x", got)
	}

	ctx := testCtx(t)
	bt := rg.state.Bluetooth()
	reset := []byte{0x01, 0x03, 0x0c, 0x00} // HCI_Reset.
	if err := bt.Send(ctx, reset); err != nil {
		t.Fatal(err)
	}
	var buf [HCIMTU]byte
	n, err := bt.Recv(ctx, buf[:])
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x04, 0x0e, 4, 1, 0x03, 0x0c, 0}
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("command complete %x, want %x", buf[:n], want)
	}
	if got := chip.HCIReceived(); len(got) != 1 || !bytes.Equal(got[0], reset) {
		t.Errorf("controller received %x", got)
	}

	// Controller initiated event, delivered to a short buffer first.
	ev := []byte{0x04, 0x3e, 3, 1, 2, 3}
	chip.InjectHCI(ev)
	waitFor(t, "hci event", func() bool { return rg.state.hci.rx.pending() })
	if _, err = bt.Recv(ctx, buf[:2]); err != errHCIShortBuffer {
		t.Fatalf("short buffer: %v", err)
	}
	n, err = bt.Recv(ctx, buf[:])
	if err != nil || !bytes.Equal(buf[:n], ev) {
		t.Fatalf("event %x %v", buf[:n], err)
	}
}

func TestBluetoothDisabled(t *testing.T) {
	rg := newRig(t, chipsim.New(testMAC), testConfig())
	bt := rg.state.Bluetooth()
	if err := bt.Send(testCtx(t), []byte{1, 3, 0xc, 0}); err != errBTDisabled {
		t.Errorf("send: %v", err)
	}
	if _, err := bt.Recv(testCtx(t), make([]byte, 8)); err != errBTDisabled {
		t.Errorf("recv: %v", err)
	}
}

func TestBluetoothMissingFirmware(t *testing.T) {
	cfg := testConfig()
	cfg.EnableBluetooth = true
	chip := chipsim.New(testMAC)
	_, _, _, err := New(NewState(), chip.Power, chip, cfg)
	if !errors.Is(err, errNoBTFirmware) {
		t.Fatalf("got %v", err)
	}
}
