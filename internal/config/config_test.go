package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeYAML(t, `
repository:
  host: fw.example.org
publicKeyPath: /etc/ota-updater/pubkey.der
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.MetricsAddress)
	assert.Equal(t, "fw.example.org", cfg.Repository.Host)
	assert.Equal(t, 443, cfg.Repository.Port)
	assert.True(t, cfg.Repository.TLS)
	assert.Equal(t, int64(1<<20-16), cfg.Slot.MaxFileSize)
	assert.Equal(t, 0, cfg.Retry.MaxContentRangeRetries)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeYAML(t, `
metricsAddress: ":9999"
repository:
  host: cdn.example.org
  path: v2/app
  port: 8443
  tls: false
publicKeyPath: /etc/ota-updater/pubkey.der
slot:
  maxFileSize: 500000
retry:
  maxDownloadTries: 3
  maxContentRangeRetries: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.MetricsAddress)
	assert.Equal(t, "cdn.example.org", cfg.Repository.Host)
	assert.Equal(t, "v2/app", cfg.Repository.Path)
	assert.Equal(t, 8443, cfg.Repository.Port)
	assert.False(t, cfg.Repository.TLS)
	assert.Equal(t, int64(500000), cfg.Slot.MaxFileSize)
	assert.Equal(t, 3, cfg.Retry.MaxDownloadTries)
	assert.Equal(t, 5, cfg.Retry.MaxContentRangeRetries)
}

func TestLoadMissingHostFails(t *testing.T) {
	path := writeYAML(t, `publicKeyPath: /etc/ota-updater/pubkey.der`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingPublicKeyFails(t *testing.T) {
	path := writeYAML(t, `repository:
  host: fw.example.org
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, `
repository:
  host: fw.example.org
publicKeyPath: /etc/ota-updater/pubkey.der
`)

	t.Setenv(envRepoHost, "override.example.org")
	t.Setenv(envRepoPort, "8080")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "override.example.org", cfg.Repository.Host)
	assert.Equal(t, 8080, cfg.Repository.Port)
}

func TestLoadRejectsHostWithSlash(t *testing.T) {
	path := writeYAML(t, `
repository:
  host: fw.example.org/path
publicKeyPath: /etc/ota-updater/pubkey.der
`)

	_, err := Load(path)
	require.Error(t, err)
}
