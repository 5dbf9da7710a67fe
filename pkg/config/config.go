// Package config loads engine configuration from an optional YAML/JSON file
// and the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/trellisengine/trellis/pkg/logger"
)

// ServerConfig controls the operational HTTP listener (metrics, health).
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// EngineConfig controls the scheduler core.
type EngineConfig struct {
	// MaxConcurrentComputations caps claimed computations per replica.
	// Zero means unbounded.
	MaxConcurrentComputations int `json:"max_concurrent_computations" yaml:"max_concurrent_computations" env:"ENGINE_MAX_CONCURRENT_COMPUTATIONS"`
	// GetPollIntervalMS is the polling cadence of blocking gets.
	GetPollIntervalMS int `json:"get_poll_interval_ms" yaml:"get_poll_interval_ms" env:"ENGINE_GET_POLL_INTERVAL_MS"`
}

// SweepConfig tunes one background sweep.
type SweepConfig struct {
	Enabled            bool `json:"enabled" yaml:"enabled"`
	PeriodSeconds      int  `json:"period_seconds" yaml:"period_seconds"`
	MinIntervalSeconds int  `json:"min_interval_seconds" yaml:"min_interval_seconds"`
}

// SweepsConfig tunes the background sweep subsystem.
type SweepsConfig struct {
	Abandoned            SweepConfig `json:"abandoned" yaml:"abandoned"`
	ScheduleNodes        SweepConfig `json:"schedule_nodes" yaml:"schedule_nodes"`
	UnblockedBySchedule  SweepConfig `json:"unblocked_by_schedule" yaml:"unblocked_by_schedule"`
	RegenerateRecurring  SweepConfig `json:"regenerate_recurring" yaml:"regenerate_recurring"`
	MissedCatchall       SweepConfig `json:"missed_catchall" yaml:"missed_catchall"`
	StalledExecutions    SweepConfig `json:"stalled_executions" yaml:"stalled_executions"`
	CatchallLookbackDays int         `json:"catchall_lookback_days" yaml:"catchall_lookback_days" env:"SWEEP_CATCHALL_LOOKBACK_DAYS"`
	CatchallUTCHour      int         `json:"catchall_utc_hour" yaml:"catchall_utc_hour" env:"SWEEP_CATCHALL_UTC_HOUR"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig         `json:"server"`
	Database DatabaseConfig       `json:"database"`
	Logging  logger.LoggingConfig `json:"logging"`
	Engine   EngineConfig         `json:"engine"`
	Sweeps   SweepsConfig         `json:"sweeps"`
}

func defaultSweep() SweepConfig {
	return SweepConfig{Enabled: true, PeriodSeconds: 60, MinIntervalSeconds: 59}
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
		Database: DatabaseConfig{
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: logger.LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "trellis",
		},
		Engine: EngineConfig{
			MaxConcurrentComputations: 0,
			GetPollIntervalMS:         100,
		},
		Sweeps: SweepsConfig{
			Abandoned:            defaultSweep(),
			ScheduleNodes:        defaultSweep(),
			UnblockedBySchedule:  defaultSweep(),
			RegenerateRecurring:  defaultSweep(),
			MissedCatchall:       SweepConfig{Enabled: true, PeriodSeconds: 86400, MinIntervalSeconds: 3600},
			StalledExecutions:    SweepConfig{Enabled: true, PeriodSeconds: 120, MinIntervalSeconds: 119},
			CatchallLookbackDays: 7,
			CatchallUTCHour:      7,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string from the host
// parameters. The DSN field, when set, wins over the host parameters.
func (c DatabaseConfig) ConnectionString() string {
	if strings.TrimSpace(c.DSN) != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetPollInterval returns the blocking-get poll cadence as a duration.
func (c EngineConfig) GetPollInterval() time.Duration {
	if c.GetPollIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.GetPollIntervalMS) * time.Millisecond
}

// Period and MinInterval expose sweep timings as durations.
func (c SweepConfig) Period() time.Duration {
	return time.Duration(c.PeriodSeconds) * time.Second
}

func (c SweepConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields appear in the environment;
		// treat that as "no overrides" so local runs work without exports.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadFile reads configuration from a YAML or JSON file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride lets a conventional DATABASE_URL override any
// file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
