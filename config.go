package ratelimiter

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full limiter configuration. Durations are written as Go
// duration strings ("250ms", "1m").
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Breaker BreakerConfig `yaml:"breaker"`
	Janitor JanitorConfig `yaml:"janitor"`
	Tiers   []TierPolicy  `yaml:"tiers"`
	Logging LogConfig     `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the demo HTTP server.
type ServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	TenantHeader      string        `yaml:"tenant_header"`
	TierHeader        string        `yaml:"tier_header"`
	DefaultTier       string        `yaml:"default_tier"`
}

// StoreConfig configures the shared store. An empty Address runs every tier
// against the local store only.
type StoreConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Timeout   time.Duration `yaml:"timeout"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int64         `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// JanitorConfig configures local counter eviction.
type JanitorConfig struct {
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with every default applied and the
// stock tiers.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a YAML file at path, applies defaults
// and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads path (or the defaults when path is empty)
// and applies RATELIMIT_* environment overrides before validating.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = DefaultConfig()
	} else {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val, ok := os.LookupEnv("RATELIMIT_REDIS_ADDR"); ok {
		cfg.Store.Address = val
	}
	if val := os.Getenv("RATELIMIT_REDIS_PASSWORD"); val != "" {
		cfg.Store.Password = val
	}
	if val := os.Getenv("RATELIMIT_REDIS_DB"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Store.DB = i
		}
	}
	if val := os.Getenv("RATELIMIT_STORE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Store.Timeout = d
		}
	}
	if val := os.Getenv("RATELIMIT_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddress = val
	}
	if val := os.Getenv("RATELIMIT_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("RATELIMIT_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = ":8080"
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.TenantHeader == "" {
		cfg.Server.TenantHeader = "X-Tenant-ID"
	}
	if cfg.Server.TierHeader == "" {
		cfg.Server.TierHeader = "X-Tier"
	}
	if cfg.Server.DefaultTier == "" {
		cfg.Server.DefaultTier = "free"
	}

	if cfg.Store.Timeout == 0 {
		cfg.Store.Timeout = 50 * time.Millisecond
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "ratelimit:"
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.FailureWindow == 0 {
		cfg.Breaker.FailureWindow = 10 * time.Second
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 5 * time.Second
	}

	if cfg.Janitor.Interval == 0 {
		cfg.Janitor.Interval = 30 * time.Second
	}
	if cfg.Janitor.GracePeriod == 0 {
		cfg.Janitor.GracePeriod = 30 * time.Second
	}

	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for errors.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Store.Timeout < 0 {
		errs = append(errs, errors.New("store.timeout must be >= 0"))
	}
	if cfg.Store.DB < 0 {
		errs = append(errs, errors.New("store.db must be >= 0"))
	}
	if cfg.Breaker.FailureThreshold < 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be >= 0"))
	}
	if cfg.Breaker.Cooldown < 0 {
		errs = append(errs, errors.New("breaker.cooldown must be >= 0"))
	}
	if cfg.Janitor.Interval < time.Second {
		errs = append(errs, errors.New("janitor.interval must be at least 1s"))
	}
	if cfg.Janitor.GracePeriod < 0 {
		errs = append(errs, errors.New("janitor.grace_period must be >= 0"))
	}

	table, err := NewPolicyTable(cfg.Tiers...)
	if err != nil {
		errs = append(errs, err)
	} else if _, err := table.PolicyFor(cfg.Server.DefaultTier); err != nil {
		errs = append(errs, fmt.Errorf("server.default_tier: %w", err))
	}

	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	return errors.Join(errs...)
}

// PolicyTable builds the tier policy table from the configuration.
func (c *Config) PolicyTable() (*PolicyTable, error) {
	return NewPolicyTable(c.Tiers...)
}

// BreakerOptions converts the breaker section into BreakerOptions.
func (c *Config) BreakerOptions() BreakerOptions {
	return BreakerOptions{
		FailureThreshold: c.Breaker.FailureThreshold,
		FailureWindow:    c.Breaker.FailureWindow,
		Cooldown:         c.Breaker.Cooldown,
	}
}
