package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/chadmayfield/noaad/internal/stats"
)

// Config is the top-level configuration for noaad.
type Config struct {
	ListenAddr string        `mapstructure:"listen_addr" validate:"required"`
	LogFormat  string        `mapstructure:"log_format" validate:"oneof=json text"`
	LogLevel   string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Location   string        `mapstructure:"location" validate:"required"`
	Storage    StorageConfig `mapstructure:"storage"`
	Sync       SyncConfig    `mapstructure:"sync"`
	Wind       WindConfig    `mapstructure:"wind"`

	loc *time.Location
}

// StorageConfig defines the database backend.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SyncConfig controls the summary catch-up runs.
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval" validate:"gt=0s"`
	Workers        int           `mapstructure:"workers" validate:"min=1,max=64"`
	LockTTL        time.Duration `mapstructure:"lock_ttl" validate:"gt=0s"`
	BackfillOnInit bool          `mapstructure:"backfill_on_init"`
}

// WindConfig controls the wind direction histogram.
type WindConfig struct {
	BucketWidth float64 `mapstructure:"bucket_width" validate:"gt=0,lte=360"`
}

var validate = validator.New()

// Load reads configuration from flag path, env vars, then default file paths.
// Precedence: flag → $NOAAD_CONFIG env → ~/.config/noaad/config.yaml → /etc/noaad/config.yaml
// A .env file in the working directory is loaded into the environment first.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_level", "info")
	v.SetDefault("location", "Local")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "noaad.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.workers", 1)
	v.SetDefault("sync.lock_ttl", 10*time.Minute)
	v.SetDefault("sync.backfill_on_init", true)
	v.SetDefault("wind.bucket_width", stats.DefaultBucketWidth)

	// NOAAD_STORAGE_POSTGRES_DSN maps to storage.postgres.dsn.
	v.SetEnvPrefix("NOAAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("NOAAD_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "noaad"))
		}
		v.AddConfigPath("/etc/noaad")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
		// The DSN may carry a password.
		if info, err := os.Stat(cfgPath); err == nil {
			perm := info.Mode().Perm()
			if perm&0004 != 0 {
				slog.Warn("config file is world-readable", "path", cfgPath, "permissions", fmt.Sprintf("%04o", perm))
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is complete and correct.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for sqlite driver")
		}
		dir := filepath.Dir(c.Storage.SQLite.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("creating storage directory %q: %w", dir, err)
			}
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres driver")
		}
	}

	// The lock is not refreshed between passes, so it must outlive the gap.
	if c.Sync.LockTTL <= c.Sync.Interval {
		return fmt.Errorf("sync.lock_ttl (%s) must be longer than sync.interval (%s)", c.Sync.LockTTL, c.Sync.Interval)
	}

	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return fmt.Errorf("location %q: %w", c.Location, err)
	}
	c.loc = loc

	if err := stats.ValidateBucketWidth(c.Wind.BucketWidth); err != nil {
		return fmt.Errorf("wind.bucket_width: %w", err)
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q is not a valid address: %w", c.ListenAddr, err)
	}

	return nil
}

// Loc returns the station time zone. Validate must have succeeded.
func (c *Config) Loc() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// DSN returns the appropriate DSN for the configured storage driver.
func (c *Config) DSN() string {
	switch c.Storage.Driver {
	case "sqlite":
		return c.Storage.SQLite.Path
	case "postgres":
		return c.Storage.Postgres.DSN
	default:
		return ""
	}
}
