package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that reads "100ms"-style strings from JSON.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// bare numbers are milliseconds
		var ms int64
		if err2 := json.Unmarshal(b, &ms); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

type Speed struct {
	X float32 `json:"speed_x"`
	Y float32 `json:"speed_y"`
	Z float32 `json:"speed_z"`
}

type ClientConfig struct {
	// Addr is the base's control service, host:port.
	Addr            string   `json:"addr"`
	Timeout         Duration `json:"timeout"`
	ReportFrequency string   `json:"report_frequency"`
	Cadence         Duration `json:"cadence"`
	Settle          Duration `json:"settle"`
	ShutdownBudget  Duration `json:"shutdown_budget"`
	DialTimeout     Duration `json:"dial_timeout"`
	Speed           Speed    `json:"speed"`
	VelocityFile    string   `json:"velocity_file"`
	DNSServers      []string `json:"dns_servers"`
	PTPDevice       string   `json:"ptp_device"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:            "",
		ReportFrequency: "50",
		Cadence:         Duration{20 * time.Millisecond},
		Settle:          Duration{100 * time.Millisecond},
		ShutdownBudget:  Duration{time.Second},
		DialTimeout:     Duration{5 * time.Second},
		Speed:           Speed{Z: 0.1},
		DNSServers:      nil,
	}
}

// LoadClientConfig reads JSON from path (default config/client.json) and applies env overrides
func LoadClientConfig(path string) (ClientConfig, error) {
	explicit := path != ""
	if path == "" {
		path = filepath.Join("config", "client.json")
	}
	cfg := DefaultClientConfig()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit:
		return cfg, err
	}
	if v := os.Getenv("BASECTL_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("BASECTL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("BASECTL_TIMEOUT: %w", err)
		}
		cfg.Timeout = Duration{d}
	}
	if v := os.Getenv("BASECTL_REPORT_FREQUENCY"); v != "" {
		cfg.ReportFrequency = v
	}
	if v := os.Getenv("BASECTL_SPEED_Z"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return cfg, fmt.Errorf("BASECTL_SPEED_Z: %w", err)
		}
		cfg.Speed.Z = float32(f)
	}
	if v := os.Getenv("BASECTL_VELOCITY_FILE"); v != "" {
		cfg.VelocityFile = v
	}
	if v := os.Getenv("BASECTL_DNS_SERVERS"); v != "" {
		if out := splitCSV(v); len(out) > 0 {
			cfg.DNSServers = out
		}
	}
	if v := os.Getenv("BASECTL_PTP_DEVICE"); v != "" {
		cfg.PTPDevice = v
	}
	// normalize
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.VelocityFile = strings.TrimSpace(cfg.VelocityFile)
	cfg.PTPDevice = strings.TrimSpace(cfg.PTPDevice)
	if len(cfg.DNSServers) > 0 {
		cleaned := make([]string, 0, len(cfg.DNSServers))
		for _, s := range cfg.DNSServers {
			if t := strings.TrimSpace(s); t != "" {
				cleaned = append(cleaned, t)
			}
		}
		cfg.DNSServers = cleaned
	}
	return cfg, nil
}

// Validate checks the fields a session cannot run without.
func (c ClientConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: missing base address")
	}
	if c.Cadence.Duration <= 0 {
		return fmt.Errorf("config: cadence must be positive")
	}
	if c.Timeout.Duration < 0 {
		return fmt.Errorf("config: timeout must not be negative")
	}
	if c.DialTimeout.Duration <= 0 {
		return fmt.Errorf("config: dial timeout must be positive")
	}
	return nil
}
