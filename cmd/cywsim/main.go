// Command cywsim runs the cyw43 driver against a simulated chip. Networks,
// the join target and traffic injection come from a YAML file. Driver
// events, link changes and counters are logged and, when a broker is
// configured, republished over MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/soypat/cyw43"
	"github.com/soypat/cyw43/internal/chipsim"
	"github.com/soypat/cyw43/netchan"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	peerMAC = [6]byte{0x02, 0x00, 0x5e, 0x00, 0x00, 0x10}
	peerIP  = [4]byte{192, 168, 4, 10}
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "cywsim - run the CYW43439 driver against a simulated chip.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	configPath := flag.String("config", "", "YAML configuration file. Defaults to $"+envConfig+".")
	flag.Parse()
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cywsim:", err)
		os.Exit(1)
	}
	log, closeLog := newLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	if cfg.RunFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunFor)
		defer cancel()
	}
	err = run(ctx, cfg, log)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("cywsim:failed", slog.String("err", err.Error()))
		closeLog()
		os.Exit(1)
	}
	log.Info("cywsim:done")
	closeLog()
}

// newLogger returns a text logger writing to a size rotated file, or to
// stderr when no file is configured.
func newLogger(cfg LogConfig) (*slog.Logger, func()) {
	lvl, _ := cfg.level()
	var w io.Writer = os.Stderr
	closer := func() {}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		closer = func() { lj.Close() }
		w = lj
		if cfg.Stderr {
			w = io.MultiWriter(lj, os.Stderr)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), closer
}

func run(ctx context.Context, cfg *Config, log *slog.Logger) error {
	mac, _ := cfg.HardwareAddr()
	chip := chipsim.New(mac)
	for _, nw := range cfg.Networks {
		simnw := chipsim.Network{SSID: nw.SSID, Passphrase: nw.Passphrase, Channel: nw.Channel, RSSI: nw.RSSI}
		if nw.BSSID != "" {
			simnw.BSSID, _ = parseMAC(nw.BSSID)
		}
		chip.AddNetwork(simnw)
	}
	dcfg, err := driverConfig(cfg, log)
	if err != nil {
		return err
	}
	dcfg.IRQ = cyw43.NewNotifier()
	chip.OnIRQ = dcfg.IRQ.Notify

	st := cyw43.NewState()
	dev, ctl, runner, err := cyw43.New(st, chip.Power, chip, dcfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx) }()

	var pub *publisher
	if cfg.MQTT.Broker != "" {
		pub, err = dialPublisher(ctx, cfg.MQTT, log)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer pub.Close()
	}

	mode, _ := cfg.PowerMode()
	if err = ctl.Init(ctx, cyw43.InitOptions{Country: cfg.Country, PowerManagement: mode}); err != nil {
		return err
	}
	sub, err := ctl.Subscribe()
	if err != nil {
		return err
	}
	events := make(chan cyw43.Event)
	go forwardEvents(ctx, sub, events, log)
	go logFrames(ctx, dev, log)

	if cfg.Firmware.Bluetooth != "" {
		go hciReset(ctx, st.Bluetooth(), log)
	}
	if cfg.Scan {
		if err = scan(ctx, ctl, pub, log); err != nil {
			return err
		}
	}
	if cfg.Join.SSID != "" {
		join(ctx, ctl, cfg.Join, log)
	}

	var injectC, statsC <-chan time.Time
	if cfg.InjectInterval > 0 {
		t := time.NewTicker(cfg.InjectInterval)
		defer t.Stop()
		injectC = t.C
	}
	if cfg.StatsInterval > 0 {
		t := time.NewTicker(cfg.StatsInterval)
		defer t.Stop()
		statsC = t.C
	}
	link := ctl.LinkState()
	pub.Publish("link", []byte(link.String()))
	for {
		select {
		case <-ctx.Done():
			publishStats(runner, dev, pub, log)
			return <-runErr
		case err = <-runErr:
			return err
		case ev := <-events:
			log.Info("event", eventAttrs(ev)...)
			pub.Publish("event/"+ev.Type.String(), []byte(formatEvent(ev)))
			if ls := ctl.LinkState(); ls != link {
				link = ls
				log.Info("link", slog.String("state", link.String()))
				pub.Publish("link", []byte(link.String()))
			}
		case <-injectC:
			chip.InjectData(arpAnnouncement(peerMAC, peerIP))
		case <-statsC:
			publishStats(runner, dev, pub, log)
		}
	}
}

func driverConfig(cfg *Config, log *slog.Logger) (dcfg cyw43.Config, err error) {
	dcfg = cyw43.Config{Logger: log}
	fw := &cfg.Firmware
	if fw.WLAN != "" {
		dcfg.Firmware, err = os.ReadFile(fw.WLAN)
	} else {
		dcfg.Firmware = generatedFirmware()
	}
	if err == nil && fw.NVRAM != "" {
		dcfg.NVRAM, err = os.ReadFile(fw.NVRAM)
	}
	if err == nil && fw.CLM != "" {
		dcfg.CLM, err = os.ReadFile(fw.CLM)
	}
	if err == nil && fw.Bluetooth != "" {
		dcfg.BluetoothFirmware, err = os.ReadFile(fw.Bluetooth)
		dcfg.EnableBluetooth = true
	}
	return dcfg, err
}

// generatedFirmware is a placeholder image. The simulated core only needs
// a non-zero reset vector.
func generatedFirmware() []byte {
	fw := make([]byte, 4096)
	for i := range fw {
		fw[i] = byte(i) | 1
	}
	return fw
}

// forwardEvents owns sub and closes it on return.
func forwardEvents(ctx context.Context, sub *cyw43.Subscriber, dst chan<- cyw43.Event, log *slog.Logger) {
	defer sub.Close()
	for {
		ev, err := sub.Next(ctx)
		var lag *cyw43.LaggedError
		if errors.As(err, &lag) {
			log.Warn("events lagged", slog.Uint64("missed", lag.Missed))
			continue
		} else if err != nil {
			return
		}
		select {
		case dst <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func logFrames(ctx context.Context, dev *netchan.Device, log *slog.Logger) {
	buf := make([]byte, dev.MTU())
	for {
		n, err := dev.Recv(ctx, buf)
		if err != nil {
			return
		}
		attrs, err := frameAttrs(buf[:n])
		if err != nil {
			log.Warn("rx", slog.String("err", err.Error()))
			continue
		}
		log.LogAttrs(ctx, slog.LevelInfo, "rx", attrs...)
	}
}

func scan(ctx context.Context, ctl *cyw43.Control, pub *publisher, log *slog.Logger) error {
	sc, err := ctl.Scan(ctx, cyw43.ScanOptions{})
	if err != nil {
		return err
	}
	defer sc.Close()
	for {
		bss, err := sc.Next(ctx)
		if errors.Is(err, cyw43.ErrScanDone) {
			return nil
		} else if err != nil {
			return err
		}
		line := fmt.Sprintf("ssid=%q bssid=%s channel=%d rssi=%d security=%s",
			bss.SSID(), bss.HardwareAddr(), bss.Chanspec.Channel(), bss.RSSI, bss.Security)
		log.Info("scan", slog.String("bss", line))
		pub.Publish("scan", []byte(line))
	}
}

func join(ctx context.Context, ctl *cyw43.Control, cfg JoinConfig, log *slog.Logger) {
	var err error
	if cfg.Passphrase == "" {
		err = ctl.JoinOpen(ctx, cfg.SSID)
	} else {
		err = ctl.JoinWPA2(ctx, cfg.SSID, cfg.Passphrase)
	}
	if err != nil {
		log.Error("join failed", slog.String("ssid", cfg.SSID), slog.String("err", err.Error()))
		return
	}
	log.Info("joined", slog.String("ssid", cfg.SSID))
}

// hciReset sends HCI_Reset and logs the controller's answer.
func hciReset(ctx context.Context, bt *cyw43.BTDevice, log *slog.Logger) {
	if err := bt.Send(ctx, []byte{0x01, 0x03, 0x0c, 0x00}); err != nil {
		log.Error("hci send", slog.String("err", err.Error()))
		return
	}
	var buf [cyw43.HCIMTU]byte
	n, err := bt.Recv(ctx, buf[:])
	if err != nil {
		return
	}
	log.Info("hci", slog.String("rx", fmt.Sprintf("%x", buf[:n])))
}

func eventAttrs(ev cyw43.Event) []any {
	return []any{
		slog.String("type", ev.Type.String()),
		slog.String("status", ev.Status.String()),
		slog.Uint64("reason", uint64(ev.Reason)),
		slog.Int("flags", int(ev.Flags)),
	}
}

func formatEvent(ev cyw43.Event) string {
	return fmt.Sprintf("status=%s reason=%d flags=%#x addr=%x", ev.Status, ev.Reason, ev.Flags, ev.Addr)
}

func publishStats(runner *cyw43.Runner, dev *netchan.Device, pub *publisher, log *slog.Logger) {
	rs := runner.Stats()
	ns := dev.Stats()
	log.Info("stats",
		slog.Uint64("rx_frames", rs.RxFrames),
		slog.Uint64("tx_packets", rs.TxPackets),
		slog.Uint64("tx_stalls", rs.TxStalls),
		slog.Uint64("malformed", rs.MalformedFrames),
		slog.Uint64("events", rs.EventsPublished),
		slog.Uint64("eth_rx", ns.RxFrames),
		slog.Uint64("eth_arp", ns.RxARP),
		slog.Uint64("eth_dropped", ns.RxDropped),
	)
	pub.Publish("stats", []byte(fmt.Sprintf("%+v %+v", rs, ns)))
}
