package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SimConfig configures the simulated base served by basesim.
type SimConfig struct {
	Addr                 string `json:"addr"`
	ProtocolMajorVersion uint32 `json:"protocol_major_version"`
	ProtocolMinorVersion uint32 `json:"protocol_minor_version"`
	RobotType            string `json:"robot_type"`
	// Log, when set, is attached to every status message.
	Log string `json:"log"`
}

func defaultSimConfig() SimConfig {
	return SimConfig{
		Addr:                 "127.0.0.1:8439",
		ProtocolMajorVersion: 1,
		ProtocolMinorVersion: 0,
		RobotType:            "base",
	}
}

func LoadSimConfig(path string) (SimConfig, error) {
	cfg := defaultSimConfig()
	// file optional
	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			ext := strings.ToLower(filepath.Ext(path))
			switch ext {
			case ".json":
				if err := json.Unmarshal(b, &cfg); err != nil {
					return cfg, fmt.Errorf("parse json: %w", err)
				}
			default:
				return cfg, fmt.Errorf("unsupported config extension: %s", ext)
			}
		}
	}

	// env overrides
	if v := os.Getenv("BASESIM_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("BASESIM_PROTOCOL_MAJOR"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return cfg, fmt.Errorf("BASESIM_PROTOCOL_MAJOR: %w", err)
		}
		cfg.ProtocolMajorVersion = uint32(n)
	}
	if v := os.Getenv("BASESIM_LOG"); v != "" {
		cfg.Log = v
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
