package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigUsesDefaultsWithoutFileOrEnv(t *testing.T) {
	flags := rootCmd.Flags()
	cfg, err := loadConfig(flags, "")
	require.NoError(t, err)

	def := defaultConfig()
	assert.Equal(t, def.SchemaDir, cfg.SchemaDir)
	assert.Equal(t, def.ListenAddress, cfg.ListenAddress)
	assert.Equal(t, def.MaxSessions, cfg.MaxSessions)
	assert.Equal(t, def.ReceiveTimeout, cfg.ReceiveTimeout)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := "listen-address: \"127.0.0.1:8300\"\nmax-sessions: 3\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	flags := rootCmd.Flags()
	cfg, err := loadConfig(flags, configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8300", cfg.ListenAddress)
	assert.Equal(t, 3, cfg.MaxSessions)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("max-sessions: 3\n"), 0o600))

	t.Setenv("NETCONFD_MAX_SESSIONS", "9")

	flags := rootCmd.Flags()
	cfg, err := loadConfig(flags, configPath)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.MaxSessions)
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	flags := rootCmd.Flags()
	_, err := loadConfig(flags, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigReceiveTimeoutFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("receive-timeout: 30s\n"), 0o600))

	flags := rootCmd.Flags()
	cfg, err := loadConfig(flags, configPath)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.ReceiveTimeout)
}
