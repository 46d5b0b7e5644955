// Package config loads operator configuration for the tenancy engine
// from a TOML file: engine-level settings plus one block per tenant
// (id, store driver, DSN, users). Values like ${PG_PASSWORD} are
// expanded from the environment before parsing.
//
// Example:
//
//	[engine]
//	async_executor_enabled = true
//	acquire_interval = "10s"
//	lock_duration = "5m"
//	pool_shape = "shared"
//	pool_size = 10
//
//	[[tenant]]
//	id = "alfresco"
//	driver = "postgres"
//	dsn = "postgres://tenancy:${PG_PASSWORD}@db/alfresco"
//	users = ["joram", "tijs"]
//
//	[[tenant]]
//	id = "acme"
//	driver = "memory"
//	users = ["raphael"]
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/xraph/tenancy"
)

// Duration wraps time.Duration so TOML values can be written as "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the root of the operator configuration file.
type Config struct {
	Engine  EngineConfig   `toml:"engine"`
	Tenants []TenantConfig `toml:"tenant"`
}

// EngineConfig mirrors tenancy.Config with file-friendly types. Unset
// values fall back to the engine defaults, so an omitted
// async_executor_enabled keeps the executor on.
type EngineConfig struct {
	AsyncExecutorEnabled *bool    `toml:"async_executor_enabled"`
	AcquireInterval      Duration `toml:"acquire_interval"`
	LockDuration         Duration `toml:"lock_duration"`
	AcquireBatch         int      `toml:"acquire_batch"`
	SweepConcurrency     int      `toml:"sweep_concurrency"`
	MaxSweepFailures     int      `toml:"max_sweep_failures"`
	MaxRetries           int      `toml:"max_retries"`
	PoolShape            string   `toml:"pool_shape"`
	PoolSize             int      `toml:"pool_size"`
	QueueCapacity        int      `toml:"queue_capacity"`
	ShutdownTimeout      Duration `toml:"shutdown_timeout"`
}

// TenantConfig describes one tenant to onboard at startup.
type TenantConfig struct {
	ID     string   `toml:"id"`
	Driver string   `toml:"driver"`
	DSN    string   `toml:"dsn"`
	Users  []string `toml:"users"`

	// MaxConcurrency and RateLimit feed the per-tenant throttle; zero
	// means unlimited.
	MaxConcurrency int     `toml:"max_concurrency"`
	RateLimit      float64 `toml:"rate_limit"`
	RateBurst      int     `toml:"rate_burst"`
}

// Load reads configuration from the given path, expanding environment
// variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(expandEnvVars(string(data)))
}

// Parse decodes and validates configuration from TOML text.
func Parse(text string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(text, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required fields are present and consistent.
func (c *Config) Validate() error {
	switch c.Engine.PoolShape {
	case "", string(tenancy.PoolShared), string(tenancy.PoolPerTenant):
	default:
		return fmt.Errorf("engine.pool_shape must be %q or %q", tenancy.PoolShared, tenancy.PoolPerTenant)
	}

	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant[%d].id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenant %q listed twice", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// EngineSettings converts the file representation to a tenancy.Config,
// filling unset fields from DefaultConfig.
func (c *Config) EngineSettings() tenancy.Config {
	cfg := tenancy.DefaultConfig()

	if c.Engine.AsyncExecutorEnabled != nil {
		cfg.AsyncExecutorEnabled = *c.Engine.AsyncExecutorEnabled
	}
	if c.Engine.AcquireInterval.Duration > 0 {
		cfg.AcquireInterval = c.Engine.AcquireInterval.Duration
	}
	if c.Engine.LockDuration.Duration > 0 {
		cfg.LockDuration = c.Engine.LockDuration.Duration
	}
	if c.Engine.AcquireBatch > 0 {
		cfg.AcquireBatch = c.Engine.AcquireBatch
	}
	if c.Engine.SweepConcurrency > 0 {
		cfg.SweepConcurrency = c.Engine.SweepConcurrency
	}
	if c.Engine.MaxSweepFailures > 0 {
		cfg.MaxSweepFailures = c.Engine.MaxSweepFailures
	}
	if c.Engine.MaxRetries > 0 {
		cfg.MaxRetries = c.Engine.MaxRetries
	}
	if c.Engine.PoolShape != "" {
		cfg.PoolShape = tenancy.PoolShape(c.Engine.PoolShape)
	}
	if c.Engine.PoolSize > 0 {
		cfg.PoolSize = c.Engine.PoolSize
	}
	if c.Engine.QueueCapacity > 0 {
		cfg.QueueCapacity = c.Engine.QueueCapacity
	}
	if c.Engine.ShutdownTimeout.Duration > 0 {
		cfg.ShutdownTimeout = c.Engine.ShutdownTimeout.Duration
	}
	return cfg
}
