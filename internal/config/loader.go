package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional file plus SALONSYNC_
// environment overrides (nested keys use underscores, e.g.
// SALONSYNC_API_BASE_URL). An empty path falls back to the default
// search locations.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("SALONSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("salonsync")
		v.SetConfigType("yaml")
		for _, dir := range defaultSearchPaths() {
			v.AddConfigPath(dir)
		}
		// Missing file is fine; defaults plus env carry the config.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Validation happens at client construction, after flag overrides
	// have been applied on top of the loaded values.
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	// Top-level keys need explicit defaults or AutomaticEnv cannot
	// bind their SALONSYNC_ variables during Unmarshal.
	v.SetDefault("store_id", "")
	v.SetDefault("device_id", "")

	v.SetDefault("api.base_url", def.API.BaseURL)
	v.SetDefault("api.token", "")
	v.SetDefault("api.notify_url", "")
	v.SetDefault("api.timeout", def.API.Timeout)
	v.SetDefault("api.max_retries", def.API.MaxRetries)
	v.SetDefault("api.retry_delay", def.API.RetryDelay)
	v.SetDefault("api.user_agent", def.API.UserAgent)
	v.SetDefault("storage.data_dir", def.Storage.DataDir)
	v.SetDefault("storage.db_file", def.Storage.DBFile)
	v.SetDefault("sync.interval", def.Sync.Interval)
	v.SetDefault("sync.batch_size", def.Sync.BatchSize)
	v.SetDefault("sync.pull_limit", def.Sync.PullLimit)
	v.SetDefault("sync.max_retries", def.Sync.MaxRetries)
	v.SetDefault("sync.backoff_min", def.Sync.BackoffMin)
	v.SetDefault("sync.backoff_max", def.Sync.BackoffMax)
	v.SetDefault("sync.strategy", def.Sync.Strategy)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.max_size", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age", def.Log.MaxAgeDays)
}

func defaultSearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".salonsync"))
	}
	return paths
}

// ParseInterval converts a flag value like "30s" into a duration,
// rejecting non-positive results.
func ParseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive: %s", s)
	}
	return d, nil
}
