// ABOUTME: Configuration loading and parsing for helix-gateway clients
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultGatewayURL is the local gateway's default listen address.
const DefaultGatewayURL = "ws://127.0.0.1:18789"

// Config represents the complete helix-gateway client configuration
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" toml:"heartbeat"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Client    ClientConfig    `yaml:"client" toml:"client"`
	Offline   OfflineConfig   `yaml:"offline" toml:"offline"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// GatewayConfig holds the gateway address, credentials and handshake settings
type GatewayConfig struct {
	URL         string   `yaml:"url" toml:"url"`
	Token       string   `yaml:"token" toml:"token"`
	TokenFile   string   `yaml:"token_file" toml:"token_file"`
	Codec       string   `yaml:"codec" toml:"codec"` // "json" or "msgpack"
	Role        string   `yaml:"role" toml:"role"`
	Scopes      []string `yaml:"scopes" toml:"scopes"`
	MinProtocol int      `yaml:"min_protocol" toml:"min_protocol"`
	MaxProtocol int      `yaml:"max_protocol" toml:"max_protocol"`

	RequestTimeout   time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RequestTimeoutRaw   string `yaml:"request_timeout" toml:"request_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// HeartbeatConfig holds ping timing. An interval of "0s" disables the heartbeat.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"-" toml:"-"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
}

// ReconnectConfig holds the reconnect backoff policy
type ReconnectConfig struct {
	Enabled     bool `yaml:"enabled" toml:"enabled"`
	MaxAttempts int  `yaml:"max_attempts" toml:"max_attempts"`
	Jitter      bool `yaml:"jitter" toml:"jitter"`

	BaseDelay time.Duration `yaml:"-" toml:"-"`
	MaxDelay  time.Duration `yaml:"-" toml:"-"`

	BaseDelayRaw string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay" toml:"max_delay"`
}

// ClientConfig identifies this client to the gateway
type ClientConfig struct {
	ID       string `yaml:"id" toml:"id"`
	Mode     string `yaml:"mode" toml:"mode"`
	Version  string `yaml:"version" toml:"version"`
	Platform string `yaml:"platform" toml:"platform"`
}

// OfflineConfig holds offline queue settings
type OfflineConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	Persist      bool   `yaml:"persist" toml:"persist"`
	Store        string `yaml:"store" toml:"store"` // "sqlite", "file" or "memory"
	Path         string `yaml:"path" toml:"path"`
	MaxRetries   int    `yaml:"max_retries" toml:"max_retries"`
	DeliveredMax int    `yaml:"delivered_max" toml:"delivered_max"`

	SyncInterval time.Duration `yaml:"-" toml:"-"`
	DeliveredTTL time.Duration `yaml:"-" toml:"-"`

	SyncIntervalRaw string `yaml:"sync_interval" toml:"sync_interval"`
	DeliveredTTLRaw string `yaml:"delivered_ttl" toml:"delivered_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration for a gateway on the local machine.
func Default() *Config {
	cfg := &Config{
		Gateway: GatewayConfig{
			URL:                 DefaultGatewayURL,
			Codec:               "json",
			Role:                "operator",
			MinProtocol:         3,
			MaxProtocol:         3,
			RequestTimeoutRaw:   "30s",
			HandshakeTimeoutRaw: "10s",
		},
		Heartbeat: HeartbeatConfig{
			IntervalRaw: "30s",
			TimeoutRaw:  "90s",
		},
		Reconnect: ReconnectConfig{
			Enabled:      true,
			MaxAttempts:  10,
			BaseDelayRaw: "1s",
			MaxDelayRaw:  "30s",
		},
		Client: ClientConfig{
			ID:       "helix-gateway-cli",
			Mode:     "cli",
			Version:  "dev",
			Platform: runtime.GOOS,
		},
		Offline: OfflineConfig{
			Enabled:         true,
			Persist:         true,
			Store:           "sqlite",
			Path:            DefaultOfflinePath("sqlite"),
			MaxRetries:      3,
			DeliveredMax:    10000,
			SyncIntervalRaw: "30s",
			DeliveredTTLRaw: "10m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
	// Defaults always parse.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Unset fields keep their Default values.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes data in the given format ("yaml" or "toml") over the defaults.
func Parse(data []byte, format string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	// Left empty so an unset path can follow the chosen store.
	cfg.Offline.Path = ""
	switch format {
	case "yaml", "yml", "":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if cfg.Offline.Path == "" {
		cfg.Offline.Path = DefaultOfflinePath(cfg.Offline.Store)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url must use ws or wss scheme")
	}

	if c.Gateway.Codec != "json" && c.Gateway.Codec != "msgpack" {
		return fmt.Errorf("gateway.codec must be json or msgpack, got %q", c.Gateway.Codec)
	}
	if c.Gateway.MinProtocol <= 0 || c.Gateway.MaxProtocol <= 0 {
		return fmt.Errorf("gateway.min_protocol and gateway.max_protocol must be positive")
	}
	if c.Gateway.MinProtocol > c.Gateway.MaxProtocol {
		return fmt.Errorf("gateway.min_protocol (%d) exceeds gateway.max_protocol (%d)",
			c.Gateway.MinProtocol, c.Gateway.MaxProtocol)
	}

	if c.Heartbeat.Interval > 0 && c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout must be longer than heartbeat.interval")
	}

	if c.Reconnect.Enabled {
		if c.Reconnect.BaseDelay <= 0 {
			return fmt.Errorf("reconnect.base_delay must be positive")
		}
		if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
			return fmt.Errorf("reconnect.max_delay must not be shorter than reconnect.base_delay")
		}
		if c.Reconnect.MaxAttempts < 0 {
			return fmt.Errorf("reconnect.max_attempts must not be negative")
		}
	}

	if c.Client.ID == "" {
		return fmt.Errorf("client.id is required")
	}

	if c.Offline.Enabled {
		switch c.Offline.Store {
		case "sqlite", "file":
			if c.Offline.Persist && c.Offline.Path == "" {
				return fmt.Errorf("offline.path is required for the %s store", c.Offline.Store)
			}
		case "memory":
		default:
			return fmt.Errorf("offline.store must be sqlite, file or memory, got %q", c.Offline.Store)
		}
		if c.Offline.MaxRetries < 0 {
			return fmt.Errorf("offline.max_retries must not be negative")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// durationField pairs a raw config string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"gateway.request_timeout", cfg.Gateway.RequestTimeoutRaw, &cfg.Gateway.RequestTimeout},
		{"gateway.handshake_timeout", cfg.Gateway.HandshakeTimeoutRaw, &cfg.Gateway.HandshakeTimeout},
		{"heartbeat.interval", cfg.Heartbeat.IntervalRaw, &cfg.Heartbeat.Interval},
		{"heartbeat.timeout", cfg.Heartbeat.TimeoutRaw, &cfg.Heartbeat.Timeout},
		{"reconnect.base_delay", cfg.Reconnect.BaseDelayRaw, &cfg.Reconnect.BaseDelay},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelayRaw, &cfg.Reconnect.MaxDelay},
		{"offline.sync_interval", cfg.Offline.SyncIntervalRaw, &cfg.Offline.SyncInterval},
		{"offline.delivered_ttl", cfg.Offline.DeliveredTTLRaw, &cfg.Offline.DeliveredTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
