// Package config loads ttsgate settings from an optional YAML file
// with environment variable overrides, and can watch the file for
// live updates to quota limits.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"
	"github.com/speakselect/ttsgate/internal/quota"
)

// CacheConfig tunes the response cache.
type CacheConfig struct {
	Dir              string `yaml:"dir" mapstructure:"dir" env:"TTSGATE_CACHE_DIR"`
	MaxEntries       int    `yaml:"max_entries" mapstructure:"max_entries" env:"TTSGATE_CACHE_MAX_ENTRIES"`
	MaxMB            int    `yaml:"max_mb" mapstructure:"max_mb" env:"TTSGATE_CACHE_MAX_MB"`
	TTLHours         int    `yaml:"ttl_hours" mapstructure:"ttl_hours" env:"TTSGATE_CACHE_TTL_HOURS"`
	EvictMinutes     int    `yaml:"evict_minutes" mapstructure:"evict_minutes" env:"TTSGATE_CACHE_EVICT_MINUTES"`
	CompressionLevel int    `yaml:"compression_level" mapstructure:"compression_level" env:"TTSGATE_CACHE_COMPRESSION"`
}

// QuotaConfig tunes the daily limiter and its backing store.
type QuotaConfig struct {
	Limits quota.Limits            `yaml:"limits" mapstructure:"limits"`
	Tiers  map[string]quota.Limits `yaml:"tiers" mapstructure:"tiers"`

	// StorePath persists counters to a JSON snapshot when set.
	StorePath string `yaml:"store_path" mapstructure:"store_path" env:"TTSGATE_QUOTA_STORE"`

	// RedisAddr switches counters to Redis when set; wins over
	// StorePath.
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr" env:"TTSGATE_QUOTA_REDIS"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days" env:"TTSGATE_QUOTA_RETENTION_DAYS"`
}

// ProviderConfig configures the upstream TTS vendor.
type ProviderConfig struct {
	APIKey         string  `yaml:"api_key" mapstructure:"api_key" env:"TTSGATE_PROVIDER_API_KEY"`
	Endpoint       string  `yaml:"endpoint" mapstructure:"endpoint" env:"TTSGATE_PROVIDER_ENDPOINT"`
	AudioEncoding  string  `yaml:"audio_encoding" mapstructure:"audio_encoding" env:"TTSGATE_PROVIDER_ENCODING"`
	TimeoutSeconds int     `yaml:"timeout_seconds" mapstructure:"timeout_seconds" env:"TTSGATE_PROVIDER_TIMEOUT"`
	RPS            float64 `yaml:"rps" mapstructure:"rps" env:"TTSGATE_PROVIDER_RPS"`
	Burst          int     `yaml:"burst" mapstructure:"burst" env:"TTSGATE_PROVIDER_BURST"`
}

// GatewayConfig tunes request handling.
type GatewayConfig struct {
	MaxTextLength      int  `yaml:"max_text_length" mapstructure:"max_text_length" env:"TTSGATE_MAX_TEXT_LENGTH"`
	CollapseConcurrent bool `yaml:"collapse_concurrent" mapstructure:"collapse_concurrent" env:"TTSGATE_COLLAPSE_CONCURRENT"`
}

// AnalyticsConfig tunes event reporting.
type AnalyticsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" env:"TTSGATE_ANALYTICS"`
	Buffer  int  `yaml:"buffer" mapstructure:"buffer" env:"TTSGATE_ANALYTICS_BUFFER"`
}

// Config is the full ttsgate configuration.
type Config struct {
	Listen   string `yaml:"listen" mapstructure:"listen" env:"TTSGATE_LISTEN"`
	LogLevel string `yaml:"log_level" mapstructure:"log_level" env:"TTSGATE_LOG_LEVEL"`

	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Quota     QuotaConfig     `yaml:"quota" mapstructure:"quota"`
	Provider  ProviderConfig  `yaml:"provider" mapstructure:"provider"`
	Gateway   GatewayConfig   `yaml:"gateway" mapstructure:"gateway"`
	Analytics AnalyticsConfig `yaml:"analytics" mapstructure:"analytics"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Listen:   ":8585",
		LogLevel: "info",
		Cache: CacheConfig{
			Dir:              defaultCacheDir(),
			MaxMB:            512,
			TTLHours:         7 * 24,
			EvictMinutes:     60,
			CompressionLevel: 3,
		},
		Quota: QuotaConfig{
			Limits: quota.DefaultLimits(),
		},
		Provider: ProviderConfig{
			AudioEncoding:  "MP3",
			TimeoutSeconds: 10,
		},
		Gateway: GatewayConfig{
			MaxTextLength: 5000,
		},
		Analytics: AnalyticsConfig{
			Enabled: true,
			Buffer:  256,
		},
	}
}

// CacheTTL converts the configured hours to a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// EvictInterval converts the configured minutes to a duration.
func (c *Config) EvictInterval() time.Duration {
	return time.Duration(c.Cache.EvictMinutes) * time.Minute
}

// ProviderTimeout converts the configured seconds to a duration.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// Load reads configuration: defaults, then the YAML file at path (or
// the standard locations when path is empty; a missing file is fine),
// then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ttsgate")
		v.AddConfigPath(".")
		if dirs, err := gap.NewScope(gap.User, "ttsgate").ConfigDirs(); err == nil {
			for _, dir := range dirs {
				v.AddConfigPath(dir)
			}
		}
	}

	switch err := v.ReadInConfig(); {
	case err == nil:
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		log.Debug("loaded config file", "path", v.ConfigFileUsed())
	case path != "":
		// An explicitly named file must exist and parse.
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		// No config file in the default locations; defaults apply.
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

// Watch re-reads the config file whenever it changes and invokes
// onChange with the fresh configuration. Returns a stop function.
// Only quota limits are expected to change at runtime; callers decide
// what to apply.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warn("ignoring config reload", "error", err)
					continue
				}
				log.Info("config reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// defaultCacheDir resolves the per-user cache location, falling back
// to a relative directory when the platform paths are unavailable.
func defaultCacheDir() string {
	scope := gap.NewScope(gap.User, "ttsgate")
	if dir, err := scope.CacheDir(); err == nil {
		return filepath.Join(dir, "audio")
	}
	return filepath.Join(".ttsgate", "audio")
}
