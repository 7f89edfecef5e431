// Package config loads spotd's YAML configuration and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvbu1984/spotd/internal/lifecycle"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Config is the root configuration structure.
type Config struct {
	Listen         string          `yaml:"listen"`
	IdentityHeader string          `yaml:"identity_header"`
	Storage        StorageConfig   `yaml:"storage"`
	Expiry         ExpiryConfig    `yaml:"expiry"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Notify         NotifyConfig    `yaml:"notify"`
	Log            LogConfig       `yaml:"log"`
	Metrics        MetricsConfig   `yaml:"metrics"`
	Resources      []ResourceSpec  `yaml:"resources"`
}

type StorageConfig struct {
	Driver        string        `yaml:"driver"`       // "memory", "sqlite", "mongo"
	Path          string        `yaml:"path"`         // sqlite file
	BusyTimeout   time.Duration `yaml:"busy_timeout"` // e.g., "5s"
	MongoURI      string        `yaml:"mongo_uri"`
	MongoDatabase string        `yaml:"mongo_database"`
}

// ExpiryConfig controls the optional sweep that publishes expirations.
// Zero disables it; expiry is still enforced on every read.
type ExpiryConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

type NotifyConfig struct {
	Redis RedisConfig `yaml:"redis"`
	NATS  NATSConfig  `yaml:"nats"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type NATSConfig struct {
	URL           string `yaml:"url"` // empty disables
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// ResourceSpec declares one spot.
type ResourceSpec struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	MaxDuration time.Duration `yaml:"max_duration"` // e.g., "4h"
}

const (
	DefaultListen         = ":8080"
	DefaultIdentityHeader = "X-Client-Id"
	DefaultSQLitePath     = "data/spotd.db"
	DefaultBusyTimeout    = 5 * time.Second
	DefaultMongoDatabase  = "spotd"
	DefaultMaxDuration    = 4 * time.Hour
)

// Default returns a configuration that runs an in-memory store with no
// external sinks.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.IdentityHeader == "" {
		c.IdentityHeader = DefaultIdentityHeader
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultSQLitePath
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = DefaultBusyTimeout
	}
	if c.Storage.MongoDatabase == "" {
		c.Storage.MongoDatabase = DefaultMongoDatabase
	}

	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.IdleTTL == 0 {
		c.RateLimit.IdleTTL = 15 * time.Minute
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "spotd"
	}

	for i := range c.Resources {
		r := &c.Resources[i]
		if r.Name == "" {
			r.Name = r.ID
		}
		if r.MaxDuration == 0 {
			r.MaxDuration = DefaultMaxDuration
		}
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite driver"))
		}
	case DriverMongo:
		if strings.TrimSpace(c.Storage.MongoURI) == "" {
			errs = append(errs, errors.New("storage.mongo_uri is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if strings.TrimSpace(c.IdentityHeader) == "" {
		errs = append(errs, errors.New("identity_header must not be empty"))
	}
	if c.Expiry.SweepInterval < 0 {
		errs = append(errs, errors.New("expiry.sweep_interval must be >= 0"))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			errs = append(errs, errors.New("rate_limit.rps must be > 0"))
		}
		if c.RateLimit.Burst <= 0 {
			errs = append(errs, errors.New("rate_limit.burst must be > 0"))
		}
	}

	seen := make(map[string]bool, len(c.Resources))
	for i, r := range c.Resources {
		if strings.TrimSpace(r.ID) == "" {
			errs = append(errs, fmt.Errorf("resources[%d]: id is required", i))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("resources[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
		if r.MaxDuration <= 0 {
			errs = append(errs, fmt.Errorf("resources[%d]: max_duration must be > 0", i))
		}
	}

	return errors.Join(errs...)
}

// Load reads path, applies environment overrides and defaults, and validates.
//
// Parameters:
//   - path: YAML file; empty means defaults plus environment only
//
// Returns:
//   - *Config: loaded configuration
//   - error: when the file cannot be read, parsed or validated
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from SPOTD_* variables. Unset or unparsable
// variables leave the field alone.
func (c *Config) ApplyEnv() {
	c.Listen = getenvDefault("SPOTD_LISTEN", c.Listen)
	c.IdentityHeader = getenvDefault("SPOTD_IDENTITY_HEADER", c.IdentityHeader)

	c.Storage.Driver = getenvDefault("SPOTD_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.Path = getenvDefault("SPOTD_STORAGE_PATH", c.Storage.Path)
	c.Storage.BusyTimeout = getenvDurationDefault("SPOTD_STORAGE_BUSY_TIMEOUT", c.Storage.BusyTimeout)
	c.Storage.MongoURI = getenvDefault("SPOTD_MONGO_URI", c.Storage.MongoURI)
	c.Storage.MongoDatabase = getenvDefault("SPOTD_MONGO_DATABASE", c.Storage.MongoDatabase)

	c.Expiry.SweepInterval = getenvDurationDefault("SPOTD_SWEEP_INTERVAL", c.Expiry.SweepInterval)

	c.RateLimit.Enabled = getenvBoolDefault("SPOTD_RATE_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.RPS = getenvFloatDefault("SPOTD_RATE_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = getenvIntDefault("SPOTD_RATE_BURST", c.RateLimit.Burst)

	c.Notify.Redis.Addr = getenvDefault("SPOTD_REDIS_ADDR", c.Notify.Redis.Addr)
	c.Notify.Redis.Password = getenvDefault("SPOTD_REDIS_PASSWORD", c.Notify.Redis.Password)
	c.Notify.Redis.DB = getenvIntDefault("SPOTD_REDIS_DB", c.Notify.Redis.DB)
	c.Notify.Redis.Channel = getenvDefault("SPOTD_REDIS_CHANNEL", c.Notify.Redis.Channel)
	c.Notify.NATS.URL = getenvDefault("SPOTD_NATS_URL", c.Notify.NATS.URL)
	c.Notify.NATS.SubjectPrefix = getenvDefault("SPOTD_NATS_SUBJECT_PREFIX", c.Notify.NATS.SubjectPrefix)

	c.Log.Level = getenvDefault("SPOTD_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenvDefault("SPOTD_LOG_FORMAT", c.Log.Format)
	c.Metrics.Enabled = getenvBoolDefault("SPOTD_METRICS_ENABLED", c.Metrics.Enabled)
}

// ToResources converts the declared spots for Store.SeedResources.
func (c *Config) ToResources(now time.Time) []lifecycle.Resource {
	out := make([]lifecycle.Resource, 0, len(c.Resources))
	for _, r := range c.Resources {
		out = append(out, lifecycle.Resource{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			MaxDuration: r.MaxDuration,
			CreatedAt:   now,
		})
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
