package config

import (
	"fmt"
	"strings"
)

// Config holds all application configuration for the MAVLink network core.
type Config struct {
	Networks []NetworkConfig `yaml:"networks"`
	Sidekick SidekickConfig  `yaml:"sidekick"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// NetworkConfig is the on-disk form of a MAVLinkNetworkSpecification (spec.md §6).
type NetworkConfig struct {
	ID          string   `yaml:"id"`
	SystemID    int      `yaml:"system_id"`
	IDFormat    string   `yaml:"id_format"`
	PacketLoss  float64  `yaml:"packet_loss"`
	Connections []string `yaml:"connections"`
}

// SidekickConfig configures the RTK fan-out TCP service.
type SidekickConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	SSDP bool   `yaml:"ssdp"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config with sensible defaults: a single network
// listening on the conventional MAVLink UDP port, and the sidekick RTK
// fan-out service on 5740.
func Default() *Config {
	return &Config{
		Networks: []NetworkConfig{
			{
				ID:          "",
				SystemID:    255,
				IDFormat:    "{0}",
				PacketLoss:  0,
				Connections: []string{"udp-server:0.0.0.0:14550"},
			},
		},
		Sidekick: SidekickConfig{
			Host: "",
			Port: 5740,
			SSDP: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9091",
		},
	}
}

// Validate checks whether the configuration can be used to start the core.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if len(c.Networks) == 0 {
		return fmt.Errorf("no networks configured")
	}

	seen := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if seen[n.ID] {
			return fmt.Errorf("duplicate network id: %q", n.ID)
		}
		seen[n.ID] = true

		if n.SystemID < 1 || n.SystemID > 255 {
			return fmt.Errorf("network %q: invalid system_id: %d", n.ID, n.SystemID)
		}
		if n.PacketLoss < 0 {
			return fmt.Errorf("network %q: negative packet_loss: %f", n.ID, n.PacketLoss)
		}
		if len(n.Connections) == 0 {
			return fmt.Errorf("network %q: no connections configured", n.ID)
		}
	}

	if c.Sidekick.Port < 0 || c.Sidekick.Port > 65535 {
		return fmt.Errorf("invalid sidekick port: %d", c.Sidekick.Port)
	}

	return nil
}

// IDFormatter returns the pure (system_id, network_id) -> drone_id function
// described in spec.md §3, derived from this network's id_format string.
// Format verbs: "{0}" is the system ID, "{1}" is the network ID, matching
// the original Python str.format convention translated to fmt.Sprintf order.
func (n *NetworkConfig) IDFormatter() func(systemID uint8, networkID string) string {
	format := n.IDFormat
	if format == "" {
		format = "{0}"
	}
	return func(systemID uint8, networkID string) string {
		out := strings.ReplaceAll(format, "{0}", fmt.Sprintf("%d", systemID))
		out = strings.ReplaceAll(out, "{1}", networkID)
		return out
	}
}
