package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.StoreID = "store-1"
	return cfg
}

func TestDefaultIsValidWithStoreID(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing store id", func(c *Config) { c.StoreID = "" }},
		{"missing base url", func(c *Config) { c.API.BaseURL = "" }},
		{"zero timeout", func(c *Config) { c.API.Timeout = 0 }},
		{"missing db file", func(c *Config) { c.Storage.DBFile = "" }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"zero pull limit", func(c *Config) { c.Sync.PullLimit = 0 }},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"inverted backoff", func(c *Config) { c.Sync.BackoffMax = c.Sync.BackoffMin / 2 }},
		{"unknown strategy", func(c *Config) { c.Sync.Strategy = "coin_flip" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "salonsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_id: store-42
api:
  base_url: https://sync.example.test
sync:
  interval: 10s
  strategy: latest_wins
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "store-42", cfg.StoreID)
	assert.Equal(t, "https://sync.example.test", cfg.API.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval)
	assert.Equal(t, "latest_wins", cfg.Sync.Strategy)

	// Values the file omits keep their defaults.
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, "manual", Default().Sync.Strategy)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SALONSYNC_STORE_ID", "store-env")
	t.Setenv("SALONSYNC_SYNC_BATCH_SIZE", "25")

	dir := t.TempDir()
	path := filepath.Join(dir, "salonsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_id: store-file\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "store-env", cfg.StoreID, "environment beats the file")
	assert.Equal(t, 25, cfg.Sync.BatchSize)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseInterval(t *testing.T) {
	d, err := ParseInterval("45s")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	_, err = ParseInterval("-1s")
	assert.Error(t, err)
	_, err = ParseInterval("soon")
	assert.Error(t, err)
}
