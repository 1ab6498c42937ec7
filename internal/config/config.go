// Package config loads agent configuration from file, environment, and
// defaults.
//
// Lookup order: explicit flags override environment variables (DOCSYNC_*),
// which override the config file (docsync.yaml), which overrides defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all agent settings.
type Config struct {
	// UpstreamURL is the base URL of the document API
	UpstreamURL string `mapstructure:"upstream_url" yaml:"upstream_url"`

	// DataDir holds the offline database and cache namespaces
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// ListenAddr is where the caching proxy serves the UI
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// NotifyAddr is where the WebSocket event server listens
	NotifyAddr string `mapstructure:"notify_addr" yaml:"notify_addr"`

	// CacheVersion is the cache schema version; bumping it purges every
	// older namespace on the next activation
	CacheVersion int `mapstructure:"cache_version" yaml:"cache_version"`

	// APIPrefix marks requests that get network-first treatment
	APIPrefix string `mapstructure:"api_prefix" yaml:"api_prefix"`

	// CacheableRoutes is the allow-list of API routes to cache
	CacheableRoutes []string `mapstructure:"cacheable_routes" yaml:"cacheable_routes"`

	// StaticDir holds the SPA shell assets to precache (empty disables)
	StaticDir string `mapstructure:"static_dir" yaml:"static_dir"`

	// ShellAssets is the fixed precache manifest, relative to StaticDir
	ShellAssets []string `mapstructure:"shell_assets" yaml:"shell_assets"`

	// RetryCeiling is the maximum sync attempts per change
	RetryCeiling int `mapstructure:"retry_ceiling" yaml:"retry_ceiling"`

	// BackoffBase is the wait after a change's first failure; it doubles
	// per failure up to BackoffMax
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"-"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"-"`

	// SyncInterval is the recurring sync trigger period
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"-"`

	// ProbeInterval is how often connectivity is checked
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"-"`

	// RequestTimeout bounds every upstream request
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"-"`

	// LogFile receives agent logs with rotation (empty = stderr only)
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		UpstreamURL: "http://localhost:5000",
		DataDir:     ".docsync",
		ListenAddr:  ":8780",
		NotifyAddr:  ":8787",

		CacheVersion: 1,
		APIPrefix:    "/api/",
		CacheableRoutes: []string{
			"/api/documents",
			"/api/folders",
			"/api/tags",
		},
		ShellAssets: []string{"index.html"},

		RetryCeiling:   5,
		BackoffBase:    time.Second,
		BackoffMax:     5 * time.Minute,
		SyncInterval:   time.Minute,
		ProbeInterval:  10 * time.Second,
		RequestTimeout: 15 * time.Second,
	}
}

// Load reads configuration from the given file (or the working directory's
// docsync.yaml when path is empty), applying DOCSYNC_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("upstream_url", defaults.UpstreamURL)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("notify_addr", defaults.NotifyAddr)
	v.SetDefault("cache_version", defaults.CacheVersion)
	v.SetDefault("api_prefix", defaults.APIPrefix)
	v.SetDefault("cacheable_routes", defaults.CacheableRoutes)
	v.SetDefault("static_dir", defaults.StaticDir)
	v.SetDefault("shell_assets", defaults.ShellAssets)
	v.SetDefault("retry_ceiling", defaults.RetryCeiling)
	v.SetDefault("backoff_base", defaults.BackoffBase)
	v.SetDefault("backoff_max", defaults.BackoffMax)
	v.SetDefault("sync_interval", defaults.SyncInterval)
	v.SetDefault("probe_interval", defaults.ProbeInterval)
	v.SetDefault("request_timeout", defaults.RequestTimeout)
	v.SetDefault("log_file", defaults.LogFile)

	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("docsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// A missing default config file is fine; defaults apply
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.CacheVersion <= 0 {
		return fmt.Errorf("cache_version must be positive")
	}
	if c.RetryCeiling <= 0 {
		return fmt.Errorf("retry_ceiling must be positive")
	}
	if !strings.HasSuffix(c.APIPrefix, "/") {
		return fmt.Errorf("api_prefix must end with a slash")
	}
	return nil
}

// StorePath returns the offline database path under DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "offline.db")
}

// CacheRoot returns the cache-namespace root under DataDir.
func (c *Config) CacheRoot() string {
	return filepath.Join(c.DataDir, "cache")
}

// MarshalYAML renders durations as strings ("30s", "5m") so the file
// written by "docsync init" is readable and editable.
func (c *Config) MarshalYAML() (interface{}, error) {
	type alias Config
	return struct {
		*alias         `yaml:",inline"`
		BackoffBase    string `yaml:"backoff_base"`
		BackoffMax     string `yaml:"backoff_max"`
		SyncInterval   string `yaml:"sync_interval"`
		ProbeInterval  string `yaml:"probe_interval"`
		RequestTimeout string `yaml:"request_timeout"`
	}{
		alias:          (*alias)(c),
		BackoffBase:    c.BackoffBase.String(),
		BackoffMax:     c.BackoffMax.String(),
		SyncInterval:   c.SyncInterval.String(),
		ProbeInterval:  c.ProbeInterval.String(),
		RequestTimeout: c.RequestTimeout.String(),
	}, nil
}

// Save writes the configuration as YAML to the given path.
// Used by "docsync init" to produce a starter config.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
