package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Engine.MaxAttempts == 0 {
		cfg.Engine.MaxAttempts = 3
	}
	if cfg.Engine.BaseDelay == 0 {
		cfg.Engine.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Engine.Grace == 0 {
		cfg.Engine.Grace = 5 * time.Second
	}
	if cfg.Engine.BulkConcurrency == 0 {
		cfg.Engine.BulkConcurrency = 1
	}
	if cfg.Engine.CacheEntries == 0 {
		cfg.Engine.CacheEntries = 1024
	}
	if cfg.Engine.DeltaBuffer == 0 {
		cfg.Engine.DeltaBuffer = 256
	}
	if cfg.Engine.MigrationsDir == "" {
		cfg.Engine.MigrationsDir = "migrations"
	}
	if cfg.Database.PollInterval == 0 {
		cfg.Database.PollInterval = 2 * time.Second
	}
}
