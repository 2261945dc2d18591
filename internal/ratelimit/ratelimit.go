// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package ratelimit bounds the call frequency of any single (plugin, method)
// pair with per-key token buckets. Bucket state is guarded per bucket, never
// by a global lock across plugins, so independent callers do not contend.
package ratelimit

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/warden-dev/warden/internal/config"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// now allows tests to control time.
type clock func() time.Time

// Limiter tracks token buckets keyed by (plugin, method). Buckets are created
// lazily on first use and evicted after the configured idle window.
type Limiter struct {
	cfg  config.RateLimitConfig
	now  clock
	mu   sync.Mutex // guards the bucket map only, not bucket state
	keys map[bucketKey]*bucket
	done chan struct{}
	once sync.Once
}

type bucketKey struct {
	plugin string
	method string
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64
	lastRefill time.Time
	lastUsed   time.Time
}

// New creates a Limiter and starts the idle-eviction janitor.
func New(cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{
		cfg:  cfg,
		now:  time.Now,
		keys: make(map[bucketKey]*bucket),
		done: make(chan struct{}),
	}

	go l.evictLoop()

	return l
}

// newWithClock is the test constructor: no janitor, deterministic time.
func newWithClock(cfg config.RateLimitConfig, now clock) *Limiter {
	return &Limiter{
		cfg:  cfg,
		now:  now,
		keys: make(map[bucketKey]*bucket),
		done: make(chan struct{}),
	}
}

// Allow consumes one token from the (plugin, method) bucket. On an empty
// bucket it returns CodeRateLimitExceeded carrying a retry_after_ms field
// with the time until at least one token is available.
func (l *Limiter) Allow(plugin, method string) error {
	b := l.bucketFor(plugin, method)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastRefill = now
	}
	b.lastUsed = now

	if b.tokens < 1 {
		retryAfter := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		return wardenerr.New(wardenerr.CodeRateLimitExceeded, "rate limit exceeded",
			wardenerr.FieldPlugin(plugin),
			wardenerr.FieldMethod(method),
			wardenerr.Field("retry_after_ms", retryAfter.Milliseconds()),
		)
	}

	b.tokens--
	return nil
}

// RetryAfter extracts the retry_after_ms hint from a rate limit error.
// Returns zero when err is not a rate limit rejection.
func RetryAfter(err error) time.Duration {
	if !wardenerr.HasCode(err, wardenerr.CodeRateLimitExceeded) {
		return 0
	}
	fields := wardenerr.FieldsOf(err)
	ms, ok := fields["retry_after_ms"].(int64)
	if !ok {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Forget drops all buckets belonging to plugin, releasing their memory
// immediately instead of waiting for idle eviction. Called on unload.
func (l *Limiter) Forget(plugin string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.keys {
		if key.plugin == plugin {
			delete(l.keys, key)
		}
	}
}

// Close stops the eviction janitor.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) bucketFor(plugin, method string) *bucket {
	key := bucketKey{plugin: plugin, method: method}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.keys[key]
	if !ok {
		shape := l.cfg.Bucket(method)
		now := l.now()
		b = &bucket{
			tokens:     float64(shape.Burst),
			capacity:   float64(shape.Burst),
			rate:       shape.TokensPerSecond,
			lastRefill: now,
			lastUsed:   now,
		}
		l.keys[key] = b
	}

	return b
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cfg.IdleEviction)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-l.cfg.IdleEviction)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.keys {
		b.mu.Lock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.keys, key)
			evicted++
		}
	}

	if evicted > 0 {
		slog.Debug("rate limiter evicted idle buckets", "count", evicted, "remaining", len(l.keys))
	}
}

// bucketCount reports the number of live buckets. Test hook.
func (l *Limiter) bucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
