// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warden-dev/warden/internal/config"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "plugins", cfg.Plugins.Dir)
	assert.Equal(t, int64(100*1024*1024), cfg.Plugins.MaxPackageBytes)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.LoadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.EnableTimeout)
	assert.Equal(t, 10000, cfg.Sandbox.MaxSymbols)
	assert.Equal(t, 1024*1024, cfg.Broker.MaxPayloadBytes)
	assert.Equal(t, 5*time.Second, cfg.Broker.HandlerTimeout)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.IdleEviction)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
}

func TestLoad_FileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	data := `
plugins:
  dir: /opt/warden/plugins
sandbox:
  load_timeout: 30s
storage:
  backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/warden/plugins", cfg.Plugins.Dir)
	assert.Equal(t, 30*time.Second, cfg.Sandbox.LoadTimeout)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	// Defaults still apply for unset keys.
	assert.Equal(t, 5*time.Second, cfg.Sandbox.EnableTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeConfigReadFailure, wardenerr.CodeOf(err))
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *config.Config {
		cfg, err := config.Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty plugins dir", func(c *config.Config) { c.Plugins.Dir = "" }},
		{"zero package cap", func(c *config.Config) { c.Plugins.MaxPackageBytes = 0 }},
		{"extension without dot", func(c *config.Config) { c.Plugins.AllowedExtensions = []string{"zip"} }},
		{"zero load timeout", func(c *config.Config) { c.Sandbox.LoadTimeout = 0 }},
		{"zero symbol cap", func(c *config.Config) { c.Sandbox.MaxSymbols = 0 }},
		{"zero payload cap", func(c *config.Config) { c.Broker.MaxPayloadBytes = 0 }},
		{"zero handler timeout", func(c *config.Config) { c.Broker.HandlerTimeout = 0 }},
		{"zero idle eviction", func(c *config.Config) { c.RateLimit.IdleEviction = 0 }},
		{"negative default rate", func(c *config.Config) { c.RateLimit.Default.TokensPerSecond = -1 }},
		{"zero method burst", func(c *config.Config) {
			c.RateLimit.Methods = map[string]config.BucketConfig{"Ping": {TokensPerSecond: 1, Burst: 0}}
		}},
		{"unknown backend", func(c *config.Config) { c.Storage.Backend = "postgres" }},
		{"sqlite without path", func(c *config.Config) { c.Storage.Path = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			assert.NotEmpty(t, cfg.Validate())
		})
	}
}

func TestRateLimitBucketFallback(t *testing.T) {
	rl := config.RateLimitConfig{
		Default: config.BucketConfig{TokensPerSecond: 10, Burst: 20},
		Methods: map[string]config.BucketConfig{
			"Ping": {TokensPerSecond: 100, Burst: 200},
		},
	}

	assert.Equal(t, 100.0, rl.Bucket("Ping").TokensPerSecond)
	assert.Equal(t, 20, rl.Bucket("SomethingElse").Burst)
}
