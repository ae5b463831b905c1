// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire gateway configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Pool     PoolConfig     `mapstructure:"pool" yaml:"pool"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
}

// ServerConfig tunes the websocket dispatch server.
type ServerConfig struct {
	Host   string `mapstructure:"host" yaml:"host"`
	Port   int    `mapstructure:"port" yaml:"port"`
	APIKey string `mapstructure:"api_key" yaml:"-"`

	// Per-client sliding window: at most RateLimitPerMinute commands in
	// any trailing 60s. Clients racking up RateLimitRejectThreshold
	// rejections inside RateLimitRejectWindow are blocked for
	// RateLimitBlock.
	RateLimitPerMinute       int           `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RateLimitRejectThreshold int           `mapstructure:"rate_limit_reject_threshold" yaml:"rate_limit_reject_threshold"`
	RateLimitRejectWindow    time.Duration `mapstructure:"rate_limit_reject_window" yaml:"rate_limit_reject_window"`
	RateLimitBlock           time.Duration `mapstructure:"rate_limit_block" yaml:"rate_limit_block"`

	// GlobalRatePerSecond caps total command admission across all clients.
	GlobalRatePerSecond float64 `mapstructure:"global_rate_per_second" yaml:"global_rate_per_second"`
	GlobalRateBurst     int     `mapstructure:"global_rate_burst" yaml:"global_rate_burst"`

	MaxMessageBytes     int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	MalformedFrameLimit int           `mapstructure:"malformed_frame_limit" yaml:"malformed_frame_limit"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SessionConfig tunes session lifecycle and command deadlines.
type SessionConfig struct {
	IdleTimeout             time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	HardCeiling             int           `mapstructure:"hard_ceiling" yaml:"hard_ceiling"`
	ReapInterval            time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	QueueDepth              int           `mapstructure:"queue_depth" yaml:"queue_depth"`
	DefaultCommandTimeoutMs int           `mapstructure:"default_command_timeout_ms" yaml:"default_command_timeout_ms"`
	MaxCommandTimeoutMs     int           `mapstructure:"max_command_timeout_ms" yaml:"max_command_timeout_ms"`
}

// PoolConfig tunes the warm browser-context pool.
type PoolConfig struct {
	WarmTarget       int           `mapstructure:"warm_target" yaml:"warm_target"`
	HardCeiling      int           `mapstructure:"hard_ceiling" yaml:"hard_ceiling"`
	AcquireTimeout   time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	MaxAge           time.Duration `mapstructure:"max_age" yaml:"max_age"`
	MaintainInterval time.Duration `mapstructure:"maintain_interval" yaml:"maintain_interval"`
}

// BrowserConfig holds settings for the headless browser process.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ViewportWidth   int      `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int      `mapstructure:"viewport_height" yaml:"viewport_height"`
	UserAgent       string   `mapstructure:"user_agent" yaml:"user_agent"`
	Args            []string `mapstructure:"args" yaml:"args"`
}

// SecurityConfig tunes input vetting.
type SecurityConfig struct {
	AllowNonHTTPURLs  bool `mapstructure:"allow_non_http_urls" yaml:"allow_non_http_urls"`
	AllowCustomJS     bool `mapstructure:"allow_custom_js" yaml:"allow_custom_js"`
	MaxSelectorLength int  `mapstructure:"max_selector_length" yaml:"max_selector_length"`
	MaxTextLength     int  `mapstructure:"max_text_length" yaml:"max_text_length"`
	MaxURLLength      int  `mapstructure:"max_url_length" yaml:"max_url_length"`
}

// CacheConfig tunes the read-through result cache.
type CacheConfig struct {
	Capacity int           `mapstructure:"capacity" yaml:"capacity"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Server --
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.rate_limit_per_minute", 60)
	v.SetDefault("server.rate_limit_reject_threshold", 10)
	v.SetDefault("server.rate_limit_reject_window", "10s")
	v.SetDefault("server.rate_limit_block", "60s")
	v.SetDefault("server.global_rate_per_second", 200.0)
	v.SetDefault("server.global_rate_burst", 400)
	v.SetDefault("server.max_message_bytes", 1024*1024)
	v.SetDefault("server.malformed_frame_limit", 5)
	v.SetDefault("server.shutdown_grace", "15s")

	// -- Session --
	v.SetDefault("session.idle_timeout", "5m")
	v.SetDefault("session.hard_ceiling", 32)
	v.SetDefault("session.reap_interval", "60s")
	v.SetDefault("session.queue_depth", 16)
	v.SetDefault("session.default_command_timeout_ms", 30000)
	v.SetDefault("session.max_command_timeout_ms", 300000)

	// -- Pool --
	v.SetDefault("pool.warm_target", 2)
	v.SetDefault("pool.hard_ceiling", 8)
	v.SetDefault("pool.acquire_timeout", "30s")
	v.SetDefault("pool.max_age", "30m")
	v.SetDefault("pool.maintain_interval", "30s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)

	// -- Security --
	v.SetDefault("security.allow_non_http_urls", false)
	v.SetDefault("security.allow_custom_js", true)
	v.SetDefault("security.max_selector_length", 1000)
	v.SetDefault("security.max_text_length", 10000)
	v.SetDefault("security.max_url_length", 2048)

	// -- Cache --
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.ttl", "300s")

	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "browsermux")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("server.api_key", "BROWSERMUX_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	if c.Server.RateLimitPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit_per_minute must be a positive integer")
	}
	if c.Session.HardCeiling <= 0 {
		return fmt.Errorf("session.hard_ceiling must be a positive integer")
	}
	if c.Session.DefaultCommandTimeoutMs <= 0 || c.Session.MaxCommandTimeoutMs < c.Session.DefaultCommandTimeoutMs {
		return fmt.Errorf("session command timeouts must be positive and max >= default")
	}
	if c.Pool.HardCeiling < c.Pool.WarmTarget {
		return fmt.Errorf("pool.hard_ceiling must be >= pool.warm_target")
	}
	if c.Pool.WarmTarget < 0 {
		return fmt.Errorf("pool.warm_target must not be negative")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport dimensions must be positive")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be a positive integer")
	}
	return nil
}
