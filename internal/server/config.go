// Package server provides configuration helpers that define runtime defaults,
// validation, and loading from YAML files and the environment for the relay.
package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/chatrelay/internal/hub"
)

// ErrInvalidConfig is wrapped by every error returned from Config.Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// RateLimitConfig defines the parameters for per-connection message rate limiting.
// A Burst of zero disables rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// BridgeConfig selects the broker used to share the room between relay instances.
type BridgeConfig struct {
	Kind  string `yaml:"kind"`
	URL   string `yaml:"url"`
	Topic string `yaml:"topic"`
}

// Enabled reports whether a bridge should be started.
func (b BridgeConfig) Enabled() bool {
	return b.Kind != "" && b.Kind != BridgeNone
}

// MCPConfig toggles the MCP tool endpoint.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NgrokConfig controls the optional public tunnel.
type NgrokConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"authtoken"`
	Domain    string `yaml:"domain"`
}

// Config holds the relay configuration settings including security controls.
type Config struct {
	Port           string          `yaml:"addr"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	HubCapacity    int             `yaml:"hub_capacity"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	PingInterval   time.Duration   `yaml:"ping_interval"`
	LogLevel       string          `yaml:"log_level"`
	LogFormat      string          `yaml:"log_format"`
	Bridge         BridgeConfig    `yaml:"bridge"`
	MCP            MCPConfig       `yaml:"mcp"`
	Ngrok          NgrokConfig     `yaml:"ngrok"`
}

// Bridge kinds accepted in BridgeConfig.Kind.
const (
	BridgeNone  = "none"
	BridgeAMQP  = "amqp"
	BridgeRedis = "redis"
)

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 4096
	defaultRefillInterval = time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultBridgeTopic    = "gochat.room"
)

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		HubCapacity:    hub.DefaultCapacity,
		RateLimit: RateLimitConfig{
			RefillInterval: defaultRefillInterval,
		},
		WriteTimeout: defaultWriteTimeout,
		LogLevel:     defaultLogLevel,
		LogFormat:    defaultLogFormat,
		Bridge: BridgeConfig{
			Kind:  BridgeNone,
			Topic: defaultBridgeTopic,
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := NewConfig()
	cfg.ApplyEnv()
	return cfg
}

// LoadConfigFile reads a YAML config file on top of the defaults. ${VAR}
// references in the file are expanded from the environment first.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := NewConfig()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings with any environment variables that are set.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseMaxMessageSize(maxSize, c.MaxMessageSize)
	}

	if capacity := os.Getenv("HUB_CAPACITY"); capacity != "" {
		c.HubCapacity = parseIntValue(capacity, c.HubCapacity)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseRefillInterval(interval, c.RateLimit.RefillInterval)
	}

	if timeout := os.Getenv("WRITE_TIMEOUT"); timeout != "" {
		c.WriteTimeout = parseDuration(timeout, c.WriteTimeout)
	}

	if interval := os.Getenv("PING_INTERVAL"); interval != "" {
		c.PingInterval = parseDuration(interval, c.PingInterval)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.LogFormat = format
	}

	if kind := os.Getenv("BRIDGE_KIND"); kind != "" {
		c.Bridge.Kind = kind
	}

	if url := os.Getenv("BRIDGE_URL"); url != "" {
		c.Bridge.URL = url
	}

	if topic := os.Getenv("BRIDGE_TOPIC"); topic != "" {
		c.Bridge.Topic = topic
	}

	if enabled := os.Getenv("MCP_ENABLED"); enabled != "" {
		c.MCP.Enabled = parseBool(enabled, c.MCP.Enabled)
	}

	if enabled := os.Getenv("NGROK_ENABLED"); enabled != "" {
		c.Ngrok.Enabled = parseBool(enabled, c.Ngrok.Enabled)
	}

	// Both spellings are in circulation.
	if token := os.Getenv("NGROK_AUTHTOKEN"); token != "" {
		c.Ngrok.AuthToken = token
	} else if token := os.Getenv("NGROK_AUTH_TOKEN"); token != "" {
		c.Ngrok.AuthToken = token
	}

	if domain := os.Getenv("NGROK_DOMAIN"); domain != "" {
		c.Ngrok.Domain = domain
	}
}

// Sanitize replaces out-of-range values with their defaults.
func (c *Config) Sanitize() {
	if c.Port == "" {
		c.Port = defaultPort
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}

	if c.HubCapacity <= 0 {
		c.HubCapacity = hub.DefaultCapacity
	}

	if c.RateLimit.Burst < 0 {
		c.RateLimit.Burst = 0
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaultRefillInterval
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}

	if c.PingInterval < 0 {
		c.PingInterval = 0
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}

	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = defaultLogFormat
	}

	c.Bridge.Kind = strings.ToLower(strings.TrimSpace(c.Bridge.Kind))
	if c.Bridge.Kind == "" {
		c.Bridge.Kind = BridgeNone
	}
	if c.Bridge.Topic == "" {
		c.Bridge.Topic = defaultBridgeTopic
	}
}

// Validate reports settings that cannot be repaired by Sanitize.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: log format %q (want text or json)", ErrInvalidConfig, c.LogFormat)
	}

	switch c.Bridge.Kind {
	case BridgeNone:
	case BridgeAMQP, BridgeRedis:
		if c.Bridge.URL == "" {
			return fmt.Errorf("%w: bridge %q needs a url", ErrInvalidConfig, c.Bridge.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown bridge kind %q", ErrInvalidConfig, c.Bridge.Kind)
	}

	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// parseDuration accepts Go duration strings ("15s") or whole seconds ("15").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return defaultValue
}
