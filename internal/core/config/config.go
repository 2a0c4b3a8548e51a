package config

import (
	"time"

	redisclient "github.com/vietddude/shopsync/internal/infra/redis"
	"github.com/vietddude/shopsync/internal/infra/store/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Engine   EngineConfig       `yaml:"engine"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// EngineConfig holds reconciliation engine settings shared by all
// collections.
type EngineConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`     // retry bound per operation
	BaseDelay       time.Duration `yaml:"base_delay"`       // linear backoff unit
	Grace           time.Duration `yaml:"grace"`            // echo-suppression window
	BulkConcurrency int           `yaml:"bulk_concurrency"` // 1 = sequential
	CacheEntries    int           `yaml:"cache_entries"`    // memory cache bound
	DeltaBuffer     int           `yaml:"delta_buffer"`     // per-subscriber channel capacity
	MigrationsDir   string        `yaml:"migrations_dir"`
}
