package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/salonkit/salonsync/internal/events"
)

// Config holds all engine configuration.
type Config struct {
	// Store and device identity sent with every sync request.
	StoreID  string `json:"store_id" mapstructure:"store_id"`
	DeviceID string `json:"device_id" mapstructure:"device_id"`

	API     APIConfig     `json:"api" mapstructure:"api"`
	Storage StorageConfig `json:"storage" mapstructure:"storage"`
	Sync    SyncConfig    `json:"sync" mapstructure:"sync"`
	Log     events.Config `json:"log" mapstructure:"log"`
}

// APIConfig for backend communication.
type APIConfig struct {
	BaseURL    string        `json:"base_url" mapstructure:"base_url"`
	Token      string        `json:"token" mapstructure:"token"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	UserAgent  string        `json:"user_agent" mapstructure:"user_agent"`

	// NotifyURL is the WebSocket endpoint for server change
	// announcements. Empty disables the notifier.
	NotifyURL string `json:"notify_url" mapstructure:"notify_url"`
}

// StorageConfig for the embedded local store.
type StorageConfig struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	DBFile  string `json:"db_file" mapstructure:"db_file"`
}

// SyncConfig for cycle behavior.
type SyncConfig struct {
	Interval   time.Duration `json:"interval" mapstructure:"interval"`       // automatic cycle period
	BatchSize  int           `json:"batch_size" mapstructure:"batch_size"`   // push batch cap
	PullLimit  int           `json:"pull_limit" mapstructure:"pull_limit"`   // pull page size
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"` // per-operation retry budget
	BackoffMin time.Duration `json:"backoff_min" mapstructure:"backoff_min"` // reconnect backoff floor
	BackoffMax time.Duration `json:"backoff_max" mapstructure:"backoff_max"` // reconnect backoff ceiling
	Strategy   string        `json:"strategy" mapstructure:"strategy"`       // default conflict strategy
}

// Default returns config with sensible defaults.
func Default() *Config {
	dataDir := ".salonsync"

	return &Config{
		API: APIConfig{
			BaseURL:    "https://api.salonkit.io",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
			UserAgent:  "salonsync/1.0",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			DBFile:  filepath.Join(dataDir, "salonsync.db"),
		},
		Sync: SyncConfig{
			Interval:   30 * time.Second,
			BatchSize:  50,
			PullLimit:  200,
			MaxRetries: 5,
			BackoffMin: time.Second,
			BackoffMax: time.Minute,
			Strategy:   "manual",
		},
		Log: events.Config{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.StoreID == "" {
		return errors.New("store_id is required")
	}
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}
	if c.Storage.DBFile == "" {
		return errors.New("storage.db_file is required")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}
	if c.Sync.PullLimit <= 0 {
		return errors.New("sync.pull_limit must be positive")
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if c.Sync.BackoffMin <= 0 || c.Sync.BackoffMax < c.Sync.BackoffMin {
		return errors.New("sync backoff bounds are invalid")
	}

	switch c.Sync.Strategy {
	case "client_wins", "server_wins", "latest_wins", "manual":
	default:
		return fmt.Errorf("invalid sync.strategy: %s", c.Sync.Strategy)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.DBFile),
	}
	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
