package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "127.0.0.1:8765", cfg.Server.Addr())
	assert.Equal(t, 60, cfg.Server.RateLimitPerMinute)
	assert.Equal(t, 32, cfg.Session.HardCeiling)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 2, cfg.Pool.WarmTarget)
	assert.Equal(t, 1000, cfg.Cache.Capacity)
	assert.Equal(t, 300*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "browsermux", cfg.Logger.ServiceName)

	require.NoError(t, cfg.Validate())
}

func TestNewConfigFromViper(t *testing.T) {
	t.Run("overrides apply", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("server.port", 9000)
		v.Set("session.idle_timeout", "90s")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, 90*time.Second, cfg.Session.IdleTimeout)
	})

	t.Run("api key from environment", func(t *testing.T) {
		t.Setenv("BROWSERMUX_API_KEY", "sekrit")
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "sekrit", cfg.Server.APIKey)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero rate limit", func(c *Config) { c.Server.RateLimitPerMinute = 0 }},
		{"zero session ceiling", func(c *Config) { c.Session.HardCeiling = 0 }},
		{"max timeout below default", func(c *Config) { c.Session.MaxCommandTimeoutMs = 1 }},
		{"pool ceiling below warm target", func(c *Config) { c.Pool.HardCeiling = 1; c.Pool.WarmTarget = 4 }},
		{"zero viewport", func(c *Config) { c.Browser.ViewportWidth = 0 }},
		{"zero cache capacity", func(c *Config) { c.Cache.Capacity = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
