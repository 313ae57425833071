package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Bot       BotConfig       `yaml:"bot"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Storage   StorageConfig   `yaml:"storage"`
	History   HistoryConfig   `yaml:"history"`
	Media     MediaConfig     `yaml:"media"`
	RateLimit RateLimitConfig `yaml:"rate_limit"` // Send quotas
	Metrics   MetricsConfig   `yaml:"metrics"`    // Prometheus metrics configuration
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`          // Optional; empty disables key checks
	AdminPin       string        `yaml:"admin_pin"`        // Shared secret required to start a run
	MaxUploadBytes int64         `yaml:"max_upload_bytes"` // Max contacts/templates upload size (default: 10MB)
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 0, a wave can take minutes)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
}

// BotConfig points at the delivery bot
type BotConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`             // 0 = no timeout
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unpaced
}

// DeliveryConfig selects real or captured delivery
type DeliveryConfig struct {
	Mode             string  `yaml:"mode"`              // production, sandbox
	ErrorProbability float64 `yaml:"error_probability"` // Sandbox failure simulation, 0 disables
}

// BroadcastConfig contains wave pacing settings
type BroadcastConfig struct {
	WaveLimit int           `yaml:"wave_limit"`
	MinDelay  time.Duration `yaml:"min_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// HistoryConfig contains send history settings
type HistoryConfig struct {
	Path          string `yaml:"path"`
	SentCachePath string `yaml:"sent_cache_path"`
	Format        string `yaml:"format"` // quoted, legacy
}

// MediaConfig contains media configuration file settings
type MediaConfig struct {
	ConfigPath string `yaml:"config_path"`
	Watch      bool   `yaml:"watch"`
}

// RateLimitConfig contains send quota settings
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Global limits (for all sends)
	Global *LimitValues `yaml:"global,omitempty"`

	// Per phone prefix limits, e.g. "+7"
	Prefixes map[string]*LimitValues `yaml:"prefixes,omitempty"`

	// Limits for any single recipient
	Recipient *LimitValues `yaml:"recipient,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{Media: MediaConfig{Watch: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":3001"
	}
	if c.API.MaxUploadBytes == 0 {
		c.API.MaxUploadBytes = 10 << 20 // 10 MB
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Bot.BaseURL == "" {
		c.Bot.BaseURL = "http://localhost:3002"
	}
	c.Bot.BaseURL = strings.TrimRight(c.Bot.BaseURL, "/")

	if c.Delivery.Mode == "" {
		c.Delivery.Mode = "production"
	}

	if c.Broadcast.WaveLimit == 0 {
		c.Broadcast.WaveLimit = 200
	}
	if c.Broadcast.MinDelay == 0 && c.Broadcast.MaxDelay == 0 {
		c.Broadcast.MinDelay = 4 * time.Second
		c.Broadcast.MaxDelay = 7 * time.Second
	}
	if c.Broadcast.Cooldown == 0 {
		c.Broadcast.Cooldown = 90 * time.Minute
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/pushline/pushline.db"
	}

	if c.History.Path == "" {
		c.History.Path = "/var/lib/pushline/results.csv"
	}
	if c.History.SentCachePath == "" {
		c.History.SentCachePath = "/var/lib/pushline/sent_cache.json"
	}
	if c.History.Format == "" {
		c.History.Format = "quoted"
	}

	if c.Media.ConfigPath == "" {
		c.Media.ConfigPath = "/var/lib/pushline/media_config.json"
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.API.AdminPin == "" {
		return fmt.Errorf("api.admin_pin is required")
	}

	if c.Broadcast.WaveLimit <= 0 {
		return fmt.Errorf("broadcast.wave_limit must be positive")
	}
	if c.Broadcast.MinDelay < 0 || c.Broadcast.Cooldown < 0 {
		return fmt.Errorf("broadcast delays must not be negative")
	}
	if c.Broadcast.MinDelay > c.Broadcast.MaxDelay {
		return fmt.Errorf("broadcast.min_delay (%s) must not exceed broadcast.max_delay (%s)",
			c.Broadcast.MinDelay, c.Broadcast.MaxDelay)
	}

	if c.Bot.Timeout < 0 {
		return fmt.Errorf("bot.timeout must not be negative")
	}
	if c.Bot.RequestsPerSecond < 0 {
		return fmt.Errorf("bot.requests_per_second must not be negative")
	}

	validModes := map[string]bool{"production": true, "sandbox": true}
	if !validModes[c.Delivery.Mode] {
		return fmt.Errorf("invalid delivery.mode: %s (must be production or sandbox)", c.Delivery.Mode)
	}
	if c.Delivery.ErrorProbability < 0 || c.Delivery.ErrorProbability > 1 {
		return fmt.Errorf("delivery.error_probability must be between 0 and 1")
	}

	validFormats := map[string]bool{"quoted": true, "legacy": true}
	if !validFormats[c.History.Format] {
		return fmt.Errorf("invalid history.format: %s (must be quoted or legacy)", c.History.Format)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return c.validateRateLimit()
}

// validateRateLimit validates send quota configuration
func (c *Config) validateRateLimit() error {
	if !c.RateLimit.Enabled {
		return nil
	}

	check := func(name string, v *LimitValues) error {
		if v != nil && (v.MessagesPerHour < 0 || v.MessagesPerDay < 0) {
			return fmt.Errorf("rate_limit.%s limits must not be negative", name)
		}
		return nil
	}

	if err := check("global", c.RateLimit.Global); err != nil {
		return err
	}
	if err := check("recipient", c.RateLimit.Recipient); err != nil {
		return err
	}
	for prefix, v := range c.RateLimit.Prefixes {
		if !strings.HasPrefix(prefix, "+") {
			return fmt.Errorf("rate_limit.prefixes.%s must start with +", prefix)
		}
		if err := check("prefixes."+prefix, v); err != nil {
			return err
		}
	}

	return nil
}
