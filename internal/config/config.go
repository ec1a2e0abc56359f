package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	FileName    = "swb.yaml"
	DefaultAddr = "127.0.0.1:7411"
)

// Config models swb.yaml.
type Config struct {
	DataDir        string          `yaml:"data_dir" envconfig:"DATA_DIR"`
	DefaultProject string          `yaml:"default_project" envconfig:"DEFAULT_PROJECT"`
	Server         ServerConfig    `yaml:"server"`
	Storage        StorageConfig   `yaml:"storage"`
	Breaker        BreakerConfig   `yaml:"breaker"`
	Retry          RetryConfig     `yaml:"retry"`
	Proxy          ProxyConfig     `yaml:"proxy"`
	Logging        LoggingConfig   `yaml:"logging"`
	Auth           AuthConfig      `yaml:"auth"`
	Webhooks       []WebhookConfig `yaml:"webhooks" ignored:"true"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`

	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	ShutdownTimeout    time.Duration `yaml:"-" ignored:"true"`
}

type StorageConfig struct {
	// Path defaults to <data_dir>/switchboard.db.
	Path         string `yaml:"path" envconfig:"PATH"`
	MaxOpenConns int    `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`

	BusyTimeoutRaw string        `yaml:"busy_timeout" envconfig:"BUSY_TIMEOUT"`
	BusyTimeout    time.Duration `yaml:"-" ignored:"true"`
}

type BreakerConfig struct {
	Threshold int `yaml:"threshold" envconfig:"THRESHOLD"`

	RecoveryWindowRaw string        `yaml:"recovery_window" envconfig:"RECOVERY_WINDOW"`
	RecoveryWindow    time.Duration `yaml:"-" ignored:"true"`
}

type RetryConfig struct {
	Attempts int `yaml:"attempts" envconfig:"ATTEMPTS"`

	BaseDelayRaw string        `yaml:"base_delay" envconfig:"BASE_DELAY"`
	BaseDelay    time.Duration `yaml:"-" ignored:"true"`
	MaxDelayRaw  string        `yaml:"max_delay" envconfig:"MAX_DELAY"`
	MaxDelay     time.Duration `yaml:"-" ignored:"true"`
}

type ProxyConfig struct {
	// URL of the primary instance; defaults to http://<server.addr>.
	URL string `yaml:"url" envconfig:"URL"`

	ProbeTimeoutRaw string        `yaml:"probe_timeout" envconfig:"PROBE_TIMEOUT"`
	ProbeTimeout    time.Duration `yaml:"-" ignored:"true"`
	CallTimeoutRaw  string        `yaml:"call_timeout" envconfig:"CALL_TIMEOUT"`
	CallTimeout     time.Duration `yaml:"-" ignored:"true"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer auth on the tool endpoints when set.
	JWTSecret string `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Enabled *bool    `yaml:"enabled"`
}

// Default returns a config with every field populated.
func Default() *Config {
	dataDir := ".switchboard"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".switchboard")
	}
	cfg := &Config{
		DataDir:        dataDir,
		DefaultProject: "default",
		Server:         ServerConfig{Addr: DefaultAddr, ShutdownTimeoutRaw: "5s"},
		Storage:        StorageConfig{MaxOpenConns: 8, BusyTimeoutRaw: "5s"},
		Breaker:        BreakerConfig{Threshold: 5, RecoveryWindowRaw: "30s"},
		Retry:          RetryConfig{Attempts: 3, BaseDelayRaw: "1s", MaxDelayRaw: "30s"},
		Proxy:          ProxyConfig{ProbeTimeoutRaw: "3s", CallTimeoutRaw: "30s"},
		Logging:        LoggingConfig{Level: "info", Format: "text"},
	}
	if err := cfg.parseDurations(); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads path over the defaults, applies SWB_* environment overrides and validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses config bytes over the defaults without consulting the environment.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv overlays SWB_* variables, e.g. SWB_SERVER_ADDR or SWB_BREAKER_THRESHOLD.
func (c *Config) applyEnv() error {
	if err := envconfig.Process("SWB", c); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeoutRaw, &c.Server.ShutdownTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeoutRaw, &c.Storage.BusyTimeout},
		{"breaker.recovery_window", c.Breaker.RecoveryWindowRaw, &c.Breaker.RecoveryWindow},
		{"retry.base_delay", c.Retry.BaseDelayRaw, &c.Retry.BaseDelay},
		{"retry.max_delay", c.Retry.MaxDelayRaw, &c.Retry.MaxDelay},
		{"proxy.probe_timeout", c.Proxy.ProbeTimeoutRaw, &c.Proxy.ProbeTimeout},
		{"proxy.call_timeout", c.Proxy.CallTimeoutRaw, &c.Proxy.CallTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config.data_dir is required")
	}
	if strings.TrimSpace(c.DefaultProject) == "" {
		return errors.New("config.default_project is required")
	}
	if c.Server.Addr == "" {
		return errors.New("config.server.addr is required")
	}
	if c.Storage.MaxOpenConns < 1 {
		return errors.New("config.storage.max_open_conns must be at least 1")
	}
	if c.Breaker.Threshold < 1 {
		return errors.New("config.breaker.threshold must be at least 1")
	}
	if c.Breaker.RecoveryWindow <= 0 {
		return errors.New("config.breaker.recovery_window must be positive")
	}
	if c.Retry.Attempts < 1 {
		return errors.New("config.retry.attempts must be at least 1")
	}
	if c.Proxy.ProbeTimeout <= 0 {
		return errors.New("config.proxy.probe_timeout must be positive")
	}
	if c.Proxy.URL != "" {
		if _, err := url.ParseRequestURI(c.Proxy.URL); err != nil {
			return fmt.Errorf("config.proxy.url: %w", err)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.logging.format %q must be text or json", c.Logging.Format)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// StoragePath returns the sqlite file location.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "switchboard.db")
}

// LockPath returns the singleton marker location.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "swb.lock")
}

// PeerURL returns the base URL of the primary instance.
func (c *Config) PeerURL() string {
	if c.Proxy.URL != "" {
		return strings.TrimRight(c.Proxy.URL, "/")
	}
	return "http://" + c.Server.Addr
}

// Path returns the default config file path for a data directory.
func Path(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, FileName)
}
