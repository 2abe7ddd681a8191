// ABOUTME: Configuration loading and parsing for switchboard processes
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Bus drivers accepted in bus.driver
const (
	BusDriverRedis  = "redis"
	BusDriverAMQP   = "amqp"
	BusDriverMemory = "memory"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Bus       BusConfig       `yaml:"bus" toml:"bus"`
	Bridge    BridgeConfig    `yaml:"bridge" toml:"bridge"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Jobs      JobsConfig      `yaml:"jobs" toml:"jobs"`
	Reconcile ReconcileConfig `yaml:"reconcile" toml:"reconcile"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses. GRPCAddr is optional and only
// serves the standard health service.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// DatabaseConfig holds the control-plane database path and the directory
// holding one isolated database per tenant.
type DatabaseConfig struct {
	ControlPath string `yaml:"control_path" toml:"control_path"`
	TenantsDir  string `yaml:"tenants_dir" toml:"tenants_dir"`
}

// BusConfig selects and configures the event bus transport
type BusConfig struct {
	Driver   string `yaml:"driver" toml:"driver"`
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
	AMQPURL  string `yaml:"amqp_url" toml:"amqp_url"`
	Exchange string `yaml:"exchange" toml:"exchange"`

	ReconnectDelay    time.Duration `yaml:"-" toml:"-"`
	ReconnectDelayRaw string        `yaml:"reconnect_delay" toml:"reconnect_delay"`
}

// BridgeConfig holds the upstream messaging bridge REST settings
type BridgeConfig struct {
	BaseURL        string `yaml:"base_url" toml:"base_url"`
	APIKey         string `yaml:"api_key" toml:"api_key"`
	InstancePrefix string `yaml:"instance_prefix" toml:"instance_prefix"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// JobsConfig holds job worker settings
type JobsConfig struct {
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`

	PollInterval time.Duration `yaml:"-" toml:"-"`
	Backoff      time.Duration `yaml:"-" toml:"-"`
	Lease        time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	BackoffRaw      string `yaml:"backoff" toml:"backoff"`
	LeaseRaw        string `yaml:"lease" toml:"lease"`
}

// ReconcileConfig holds the periodic channel reconciliation settings
type ReconcileConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`

	Interval    time.Duration `yaml:"-" toml:"-"`
	IntervalRaw string        `yaml:"interval" toml:"interval"`
}

// PresenceConfig holds the presence suppression window
type PresenceConfig struct {
	Window    time.Duration `yaml:"-" toml:"-"`
	WindowRaw string        `yaml:"window" toml:"window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values that most deployments never change
func applyDefaults(cfg *Config) {
	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = BusDriverMemory
	}
	if cfg.Bus.Exchange == "" {
		cfg.Bus.Exchange = "switchboard.events"
	}
	if cfg.Bus.ReconnectDelayRaw == "" {
		cfg.Bus.ReconnectDelayRaw = "1s"
	}
	if cfg.Bridge.InstancePrefix == "" {
		cfg.Bridge.InstancePrefix = "mnl"
	}
	if cfg.Bridge.TimeoutRaw == "" {
		cfg.Bridge.TimeoutRaw = "10s"
	}
	if cfg.Jobs.MaxAttempts == 0 {
		cfg.Jobs.MaxAttempts = 5
	}
	if cfg.Jobs.PollIntervalRaw == "" {
		cfg.Jobs.PollIntervalRaw = "1s"
	}
	if cfg.Jobs.BackoffRaw == "" {
		cfg.Jobs.BackoffRaw = "5s"
	}
	if cfg.Jobs.LeaseRaw == "" {
		cfg.Jobs.LeaseRaw = "10m"
	}
	if cfg.Reconcile.IntervalRaw == "" {
		cfg.Reconcile.IntervalRaw = "5m"
	}
	if cfg.Reconcile.RatePerSecond == 0 {
		cfg.Reconcile.RatePerSecond = 5
	}
	if cfg.Presence.WindowRaw == "" {
		cfg.Presence.WindowRaw = "60s"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.ControlPath == "" {
		return fmt.Errorf("database.control_path is required")
	}
	if c.Database.TenantsDir == "" {
		return fmt.Errorf("database.tenants_dir is required")
	}

	switch c.Bus.Driver {
	case BusDriverRedis:
		if c.Bus.RedisURL == "" {
			return fmt.Errorf("bus.redis_url is required when bus.driver is redis")
		}
	case BusDriverAMQP:
		if c.Bus.AMQPURL == "" {
			return fmt.Errorf("bus.amqp_url is required when bus.driver is amqp")
		}
	case BusDriverMemory:
	default:
		return fmt.Errorf("bus.driver %q is not one of redis, amqp, memory", c.Bus.Driver)
	}

	if c.Bridge.BaseURL == "" {
		return fmt.Errorf("bridge.base_url is required")
	}
	if strings.Contains(c.Bridge.InstancePrefix, "_") {
		return fmt.Errorf("bridge.instance_prefix must not contain '_'")
	}

	if c.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("jobs.max_attempts must be at least 1")
	}
	if c.Reconcile.RatePerSecond < 0 {
		return fmt.Errorf("reconcile.rate_per_second must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"bus.reconnect_delay", cfg.Bus.ReconnectDelayRaw, &cfg.Bus.ReconnectDelay},
		{"bridge.timeout", cfg.Bridge.TimeoutRaw, &cfg.Bridge.Timeout},
		{"jobs.poll_interval", cfg.Jobs.PollIntervalRaw, &cfg.Jobs.PollInterval},
		{"jobs.backoff", cfg.Jobs.BackoffRaw, &cfg.Jobs.Backoff},
		{"jobs.lease", cfg.Jobs.LeaseRaw, &cfg.Jobs.Lease},
		{"reconcile.interval", cfg.Reconcile.IntervalRaw, &cfg.Reconcile.Interval},
		{"presence.window", cfg.Presence.WindowRaw, &cfg.Presence.Window},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
