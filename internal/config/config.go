// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Config is the top-level Warden configuration.
type Config struct {
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	UI        UIConfig        `mapstructure:"ui"`
}

// PluginsConfig controls plugin package discovery and validation.
type PluginsConfig struct {
	Dir               string   `mapstructure:"dir"`
	MaxPackageBytes   int64    `mapstructure:"max_package_bytes"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

// SandboxConfig controls the sandbox executor process and IPC timeouts.
type SandboxConfig struct {
	BinaryPath     string        `mapstructure:"binary_path"`
	LoadTimeout    time.Duration `mapstructure:"load_timeout"`
	EnableTimeout  time.Duration `mapstructure:"enable_timeout"`
	DisableTimeout time.Duration `mapstructure:"disable_timeout"`
	UnloadTimeout  time.Duration `mapstructure:"unload_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PingTimeout    time.Duration `mapstructure:"ping_timeout"`
	MaxSymbols     int           `mapstructure:"max_symbols"`
}

// BrokerConfig controls inter-plugin messaging.
type BrokerConfig struct {
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	QueueDepth      int           `mapstructure:"queue_depth"`
}

// RateLimitConfig carries the per-method token bucket table plus bucket
// eviction policy. Method names not present in Methods fall back to Default.
type RateLimitConfig struct {
	IdleEviction time.Duration           `mapstructure:"idle_eviction"`
	Default      BucketConfig            `mapstructure:"default"`
	Methods      map[string]BucketConfig `mapstructure:"methods"`
}

// BucketConfig is one token bucket shape: sustained rate and burst ceiling.
type BucketConfig struct {
	TokensPerSecond float64 `mapstructure:"tokens_per_second"`
	Burst           int     `mapstructure:"burst"`
}

// StorageConfig selects the grant/audit store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// ServerConfig controls the local control API.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// UIConfig controls the UI mediation process.
type UIConfig struct {
	BinaryPath  string        `mapstructure:"binary_path"`
	PushTimeout time.Duration `mapstructure:"push_timeout"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix WARDEN_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("plugins.dir", "plugins")
	v.SetDefault("plugins.max_package_bytes", int64(100*1024*1024))
	v.SetDefault("plugins.allowed_extensions", []string{".zip", ".wpkg"})
	v.SetDefault("sandbox.binary_path", "warden-sandbox")
	v.SetDefault("sandbox.load_timeout", "10s")
	v.SetDefault("sandbox.enable_timeout", "5s")
	v.SetDefault("sandbox.disable_timeout", "5s")
	v.SetDefault("sandbox.unload_timeout", "5s")
	v.SetDefault("sandbox.ping_interval", "10s")
	v.SetDefault("sandbox.ping_timeout", "2s")
	v.SetDefault("sandbox.max_symbols", 10000)
	v.SetDefault("broker.max_payload_bytes", 1024*1024)
	v.SetDefault("broker.handler_timeout", "5s")
	v.SetDefault("broker.queue_depth", 64)
	v.SetDefault("rate_limit.idle_eviction", "5m")
	v.SetDefault("rate_limit.default.tokens_per_second", 10.0)
	v.SetDefault("rate_limit.default.burst", 20)
	// Lifecycle operations are rare and expensive; pings are cheap and frequent.
	v.SetDefault("rate_limit.methods", map[string]map[string]any{
		"LoadPlugin":    {"tokens_per_second": 0.5, "burst": 2},
		"EnablePlugin":  {"tokens_per_second": 1.0, "burst": 3},
		"DisablePlugin": {"tokens_per_second": 1.0, "burst": 3},
		"UnloadPlugin":  {"tokens_per_second": 0.5, "burst": 2},
		"Ping":          {"tokens_per_second": 100.0, "burst": 200},
		"SendMessage":   {"tokens_per_second": 20.0, "burst": 40},
		"PushUIState":   {"tokens_per_second": 30.0, "burst": 60},
		"FileOp":        {"tokens_per_second": 50.0, "burst": 100},
		"HTTPGet":       {"tokens_per_second": 5.0, "burst": 10},
	})
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "warden.db")
	v.SetDefault("server.listen", "127.0.0.1:18920")
	v.SetDefault("ui.binary_path", "warden-ui")
	v.SetDefault("ui.push_timeout", "2s")

	// Environment
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, wardenerr.Errorf(wardenerr.CodeConfigReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns a slice
// of all validation errors found rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validatePlugins()...)
	errs = append(errs, c.validateSandbox()...)
	errs = append(errs, c.validateBroker()...)
	errs = append(errs, c.validateRateLimit()...)
	errs = append(errs, c.validateStorage()...)

	return errs
}

func (c *Config) validatePlugins() []error {
	var errs []error

	if strings.TrimSpace(c.Plugins.Dir) == "" {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
			"config: plugins.dir must not be empty"))
	}
	if c.Plugins.MaxPackageBytes <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
			"config: plugins.max_package_bytes must be positive, got %d", c.Plugins.MaxPackageBytes))
	}
	for _, ext := range c.Plugins.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
				"config: plugins.allowed_extensions entries must start with a dot, got %q", ext))
		}
	}

	return errs
}

func (c *Config) validateSandbox() []error {
	var errs []error

	for name, d := range map[string]time.Duration{
		"sandbox.load_timeout":    c.Sandbox.LoadTimeout,
		"sandbox.enable_timeout":  c.Sandbox.EnableTimeout,
		"sandbox.disable_timeout": c.Sandbox.DisableTimeout,
		"sandbox.unload_timeout":  c.Sandbox.UnloadTimeout,
		"sandbox.ping_timeout":    c.Sandbox.PingTimeout,
	} {
		if d <= 0 {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
				"config: %s must be positive, got %s", name, d))
		}
	}
	if c.Sandbox.MaxSymbols <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
			"config: sandbox.max_symbols must be positive, got %d", c.Sandbox.MaxSymbols))
	}

	return errs
}

func (c *Config) validateBroker() []error {
	var errs []error

	if c.Broker.MaxPayloadBytes <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
			"config: broker.max_payload_bytes must be positive, got %d", c.Broker.MaxPayloadBytes))
	}
	if c.Broker.HandlerTimeout <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
			"config: broker.handler_timeout must be positive, got %s", c.Broker.HandlerTimeout))
	}
	if c.Broker.QueueDepth <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
			"config: broker.queue_depth must be positive, got %d", c.Broker.QueueDepth))
	}

	return errs
}

func (c *Config) validateRateLimit() []error {
	var errs []error

	if c.RateLimit.IdleEviction <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
			"config: rate_limit.idle_eviction must be positive, got %s", c.RateLimit.IdleEviction))
	}
	errs = append(errs, validateBucket("rate_limit.default", c.RateLimit.Default)...)
	for method, bucket := range c.RateLimit.Methods {
		errs = append(errs, validateBucket("rate_limit.methods."+method, bucket)...)
	}

	return errs
}

func validateBucket(name string, b BucketConfig) []error {
	var errs []error

	if b.TokensPerSecond <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
			"config: %s.tokens_per_second must be positive, got %g", name, b.TokensPerSecond))
	}
	if b.Burst <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
			"config: %s.burst must be positive, got %d", name, b.Burst))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	validBackends := map[string]bool{"sqlite": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
			"config: storage.backend must be one of [sqlite, memory], got %q", c.Storage.Backend))
	}
	if c.Storage.Backend == "sqlite" && strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigInvalidValue,
			"config: storage.path must not be empty for sqlite backend"))
	}

	return errs
}

// Bucket returns the bucket shape configured for method, falling back to the
// default shape when no explicit entry exists.
func (c *RateLimitConfig) Bucket(method string) BucketConfig {
	if b, ok := c.Methods[method]; ok {
		return b
	}
	return c.Default
}
