package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soypat/cyw43"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cywsim.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := LoadConfig("cywsim.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Networks) != 2 || cfg.Join.SSID != "home" || !cfg.Scan {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.InjectInterval != 2*time.Second || cfg.RunFor != 30*time.Second {
		t.Errorf("durations inject=%s runFor=%s", cfg.InjectInterval, cfg.RunFor)
	}
	if mode, _ := cfg.PowerMode(); mode != cyw43.Performance {
		t.Errorf("power mode %s", mode)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(envConfig, "")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Country != "XX" || cfg.MQTT.Broker != "" || cfg.StatsInterval != 10*time.Second {
		t.Errorf("defaults %+v", cfg)
	}
	mac, _ := cfg.HardwareAddr()
	if mac != [6]byte{0x28, 0xcd, 0xc1, 0, 0, 1} {
		t.Errorf("mac %x", mac)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\n")
	t.Setenv(envBroker, "localhost:1883")
	t.Setenv(envLogLevel, "debug")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MQTT.Broker != "localhost:1883" {
		t.Errorf("broker %q", cfg.MQTT.Broker)
	}
	if lvl, _ := cfg.Log.level(); lvl != slog.LevelDebug {
		t.Errorf("level %s", lvl)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"country", "country: USA\n", errCountry},
		{"channel", "networks:\n  - ssid: a\n    channel: 15\n", errChannel},
		{"no ssid", "networks:\n  - channel: 1\n", errNoSSID},
		{"topic", "mqtt:\n  broker: localhost:1883\n  topic: \"\"\n", errMQTTTopic},
	}
	for _, tt := range tests {
		_, err := LoadConfig(writeConfig(t, tt.yaml))
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
	for _, bad := range []string{
		"mac: 01:02\n",
		"powerManagement: turbo\n",
		"log:\n  level: loud\n",
		"unknownField: 1\n",
		"networks:\n  - ssid: a\n    bssid: nope\n",
	} {
		if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
