package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LoadFile loads configuration from a YAML file and layers environment
// variable overrides on top, mirroring the teacher's file-then-env
// loading convention.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		// Start from an empty Config so the file fully replaces the
		// defaults instead of merging field-by-field.
		fileCfg := &Config{}
		if err := yaml.Unmarshal(data, fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		cfg = fileCfg
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides overlays MAVLINK_CORE_* environment variables onto cfg.
func applyEnvOverrides(cfg *Config) {
	if level := os.Getenv("MAVLINK_CORE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if host := os.Getenv("MAVLINK_CORE_SIDEKICK_HOST"); host != "" {
		cfg.Sidekick.Host = host
	}

	if port := os.Getenv("MAVLINK_CORE_SIDEKICK_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Sidekick.Port = p
		}
	}

	if addr := os.Getenv("MAVLINK_CORE_METRICS_ADDR"); addr != "" {
		cfg.Metrics.Addr = addr
	}
}
