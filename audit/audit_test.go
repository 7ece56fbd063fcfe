package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMissingConfigEnablesNothing(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "logging.conf"), filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	defer l.Close()

	assert.False(t, l.Enabled(KindGet))
	assert.False(t, l.Enabled(KindEditConfig))
}

func TestAuditWritesEnabledEventsOnly(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "logging.conf")
	outputPath := filepath.Join(dir, "audit.log")
	require.NoError(t, os.WriteFile(configPath, []byte("get lock\n"), 0o600))

	l, err := Open(configPath, outputPath)
	require.NoError(t, err)
	defer l.Close()

	assert.True(t, l.Enabled(KindGet))
	assert.True(t, l.Enabled(KindLock))
	assert.False(t, l.Enabled(KindEditConfig))

	l.Audit("get", "/interfaces")
	l.Audit("edit-config", "create /foo")

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "get /interfaces")
	assert.NotContains(t, string(data), "edit-config")
}

func TestReloadPicksUpConfigFileChange(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "logging.conf")
	outputPath := filepath.Join(dir, "audit.log")
	require.NoError(t, os.WriteFile(configPath, []byte("get\n"), 0o600))

	l, err := Open(configPath, outputPath)
	require.NoError(t, err)
	defer l.Close()
	require.True(t, l.Enabled(KindGet))

	require.NoError(t, os.WriteFile(configPath, []byte("edit-config\n"), 0o600))

	require.Eventually(t, func() bool {
		return l.Enabled(KindEditConfig) && !l.Enabled(KindGet)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUnknownTokensAreIgnored(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "logging.conf")
	require.NoError(t, os.WriteFile(configPath, []byte("get bogus-token lock\n"), 0o600))

	l, err := Open(configPath, filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	defer l.Close()

	assert.True(t, l.Enabled(KindGet))
	assert.True(t, l.Enabled(KindLock))
}
