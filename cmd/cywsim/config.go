package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/soypat/cyw43"
	"github.com/soypat/cyw43/whd"
	"gopkg.in/yaml.v2"
)

// Config is the cywsim run description.
type Config struct {
	MAC             string          `yaml:"mac"`
	Country         string          `yaml:"country"`
	PowerManagement string          `yaml:"powerManagement"`
	Firmware        FirmwareConfig  `yaml:"firmware"`
	Networks        []NetworkConfig `yaml:"networks"`
	Scan            bool            `yaml:"scan"`
	Join            JoinConfig      `yaml:"join"`
	// InjectInterval is the period at which the simulated chip delivers
	// an ARP announcement from a peer. Zero disables injection.
	InjectInterval time.Duration `yaml:"injectInterval"`
	StatsInterval  time.Duration `yaml:"statsInterval"`
	// RunFor stops the simulation after the given time. Zero runs until
	// interrupted.
	RunFor time.Duration `yaml:"runFor"`
	Log    LogConfig     `yaml:"log"`
	MQTT   MQTTConfig    `yaml:"mqtt"`
}

// FirmwareConfig names the blobs handed to the driver. An empty WLAN path
// selects a generated image, which is all the simulator needs.
type FirmwareConfig struct {
	WLAN      string `yaml:"wlan"`
	NVRAM     string `yaml:"nvram"`
	CLM       string `yaml:"clm"`
	Bluetooth string `yaml:"bluetooth"`
}

// NetworkConfig is an access point visible to the simulated radio.
type NetworkConfig struct {
	SSID       string `yaml:"ssid"`
	BSSID      string `yaml:"bssid"`
	Passphrase string `yaml:"passphrase"`
	Channel    uint8  `yaml:"channel"`
	RSSI       int16  `yaml:"rssi"`
}

type JoinConfig struct {
	SSID       string `yaml:"ssid"`
	Passphrase string `yaml:"passphrase"` // Empty joins an open network.
}

type LogConfig struct {
	Level string `yaml:"level"`
	// File enables a size rotated log file. Empty logs to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
	// Stderr duplicates file output to stderr.
	Stderr bool `yaml:"stderr"`
}

// MQTTConfig enables republishing driver events. Empty Broker disables it.
type MQTTConfig struct {
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"clientID"`
	Topic    string        `yaml:"topic"`
	Timeout  time.Duration `yaml:"timeout"`
}

const (
	envConfig   = "CYWSIM_CONFIG"
	envBroker   = "CYWSIM_MQTT_BROKER"
	envLogLevel = "CYWSIM_LOG_LEVEL"
)

func defaultConfig() *Config {
	return &Config{
		MAC:             "28:cd:c1:00:00:01",
		Country:         "XX",
		PowerManagement: cyw43.Performance.String(),
		StatsInterval:   10 * time.Second,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		MQTT: MQTTConfig{
			ClientID: "cywsim",
			Topic:    "cywsim",
			Timeout:  5 * time.Second,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, applies
// environment overrides and validates the result. An empty path reads
// $CYWSIM_CONFIG if set and otherwise keeps the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = os.Getenv(envConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err = yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if broker := os.Getenv(envBroker); broker != "" {
		cfg.MQTT.Broker = broker
	}
	if lvl := os.Getenv(envLogLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
}

var (
	errCountry   = errors.New("country must be a two letter code")
	errChannel   = errors.New("network channel must be within 1..14")
	errNoSSID    = errors.New("network without ssid")
	errMQTTTopic = errors.New("mqtt topic required with a broker")
)

// Validate checks field syntax and ranges.
func (cfg *Config) Validate() error {
	if _, err := cfg.HardwareAddr(); err != nil {
		return err
	}
	if len(cfg.Country) != 2 {
		return errCountry
	}
	if _, err := cfg.PowerMode(); err != nil {
		return err
	}
	if _, err := cfg.Log.level(); err != nil {
		return err
	}
	for i, nw := range cfg.Networks {
		if nw.SSID == "" {
			return fmt.Errorf("network %d: %w", i, errNoSSID)
		}
		if len(nw.SSID) > whd.MaxSSIDLen {
			return fmt.Errorf("network %q: ssid too long", nw.SSID)
		}
		if nw.Channel != 0 && (nw.Channel < 1 || nw.Channel > 14) {
			return fmt.Errorf("network %q: %w", nw.SSID, errChannel)
		}
		if nw.BSSID != "" {
			if _, err := parseMAC(nw.BSSID); err != nil {
				return fmt.Errorf("network %q: %w", nw.SSID, err)
			}
		}
	}
	if len(cfg.Join.SSID) > whd.MaxSSIDLen {
		return fmt.Errorf("join ssid %q too long", cfg.Join.SSID)
	}
	if cfg.MQTT.Broker != "" && cfg.MQTT.Topic == "" {
		return errMQTTTopic
	}
	return nil
}

// HardwareAddr returns the configured MAC address.
func (cfg *Config) HardwareAddr() ([6]byte, error) {
	return parseMAC(cfg.MAC)
}

func parseMAC(s string) (mac [6]byte, err error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, err
	}
	if len(hw) != 6 {
		return mac, fmt.Errorf("mac %q is not 6 bytes", s)
	}
	copy(mac[:], hw)
	return mac, nil
}

// PowerMode maps the configured name to a power management mode.
func (cfg *Config) PowerMode() (cyw43.PowerManagementMode, error) {
	for m := cyw43.PowerManagementMode(0); m.String() != "unknown"; m++ {
		if m.String() == cfg.PowerManagement {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown power management mode %q", cfg.PowerManagement)
}

func (lc *LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(lc.Level))
	return lvl, err
}
