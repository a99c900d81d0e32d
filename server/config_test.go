package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sluice.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":8080"
throttle:
  limit: 100
  burst: 10
callback:
  url: "http://callbacks.local/hook"
  secret: "hunter2"
  algorithm: "sha1"
providers:
  filesystem:
    settings:
      folder: /srv/data
  s3:
    credentials:
      access_key: AKID
      secret_key: shhh
    settings:
      bucket: files
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, float64(100), cfg.Throttle.Limit)
	assert.Equal(t, 10, cfg.Throttle.Burst)
	assert.Equal(t, "sha1", cfg.Callback.Algorithm)
	assert.Equal(t, "http://callbacks.local/hook", cfg.Callback.URL)

	// defaults fill in what the file omits
	assert.Equal(t, 60, cfg.Callback.TTL)
	assert.Equal(t, 10, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 5, cfg.Operations.Concurrency)

	require.Contains(t, cfg.Providers, "s3")
	assert.Equal(t, "files", cfg.Providers["s3"].Settings["bucket"])
	assert.Equal(t, "AKID", cfg.Providers["s3"].Credentials["access_key"])
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "sever:\n  address: oops\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":7777", cfg.Server.Address)
	assert.Equal(t, "sha256", cfg.Callback.Algorithm)
	assert.NotNil(t, cfg.Providers)
}
