package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsermux/browsermux/internal/config"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestInitializeConfig_FileAndDefaults(t *testing.T) {
	resetViper(t)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  port: 9100\n"), 0o644))
	cfgFile = cfgPath
	t.Cleanup(func() { cfgFile = "" })

	require.NoError(t, initializeConfig())
	cfg, err := config.NewConfigFromViper(viper.GetViper())
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "file value overrides the default")
	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "untouched keys keep defaults")
}

func TestInitializeConfig_MissingFileUsesDefaults(t *testing.T) {
	resetViper(t)
	cfgFile = ""

	require.NoError(t, initializeConfig())
	cfg, err := config.NewConfigFromViper(viper.GetViper())
	require.NoError(t, err)
	assert.Equal(t, 8765, cfg.Server.Port)
}

func TestInitializeConfig_EnvOverride(t *testing.T) {
	resetViper(t)
	cfgFile = ""
	t.Setenv("BROWSERMUX_SERVER_PORT", "9200")
	t.Setenv("BROWSERMUX_API_KEY", "env-secret")

	require.NoError(t, initializeConfig())
	cfg, err := config.NewConfigFromViper(viper.GetViper())
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Server.APIKey)
}

func TestServeCommandRegistered(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.Equal(t, "serve", cmd.Name())

	for _, flag := range []string{"host", "port", "headless"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "serve must expose the %s flag", flag)
	}
}
