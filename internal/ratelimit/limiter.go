// Package ratelimit provides sliding-window rate limiting for inbound
// requests, with a shared backend for cross-instance limits and a local
// in-process fallback.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// MaxRequests is the number of requests allowed inside the window.
	MaxRequests int `yaml:"max_requests"`
	// Window is the trailing interval requests are counted over.
	Window time.Duration `yaml:"window"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 100,
		Window:      time.Hour,
		Enabled:     true,
	}
}

// Backend stores request timestamps per client key. The contract mirrors a
// sorted-set style store: prune old entries, count the rest, append, expire.
type Backend interface {
	// Prune removes entries recorded before cutoff.
	Prune(ctx context.Context, key string, cutoff time.Time) error
	// Count returns the number of entries currently recorded for key.
	Count(ctx context.Context, key string) (int, error)
	// Add records a request timestamp for key.
	Add(ctx context.Context, key string, ts time.Time) error
	// Expire bounds the lifetime of the key's entries as a whole.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Limiter admits or rejects requests per client identity using a sliding
// window over a shared backend, falling back to a local in-process backend
// when the shared one errors.
//
// The check-then-write sequence is not atomic across concurrent callers on
// the same key, so limited overshoot proportional to concurrency is possible
// on both backends. Likewise the local fallback is scoped to the instance
// that hit the failure, so global limits can be exceeded under partial
// backend outage. Both are accepted failure modes, not corrected here.
type Limiter struct {
	config     Config
	shared     Backend // nil when no shared backend is configured
	local      *MemoryBackend
	onFallback func(key string, err error)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithSharedBackend sets the preferred cross-instance backend.
func WithSharedBackend(b Backend) Option {
	return func(l *Limiter) { l.shared = b }
}

// WithFallbackHook installs a callback invoked whenever the shared backend
// errors and the local fallback is used instead.
func WithFallbackHook(fn func(key string, err error)) Option {
	return func(l *Limiter) { l.onFallback = fn }
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config, opts ...Option) *Limiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultConfig().MaxRequests
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	l := &Limiter{
		config: config,
		local:  NewMemoryBackend(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether a request for clientID is admitted, recording the
// request timestamp when it is.
func (l *Limiter) Allow(ctx context.Context, clientID string) bool {
	if !l.config.Enabled {
		return true
	}

	now := time.Now()
	if l.shared != nil {
		allowed, err := l.allowOn(ctx, l.shared, clientID, now)
		if err == nil {
			return allowed
		}
		if l.onFallback != nil {
			l.onFallback(clientID, err)
		}
	}

	allowed, err := l.allowOn(ctx, l.local, clientID, now)
	if err != nil {
		// The memory backend never errors; admit rather than hard-fail.
		return true
	}
	return allowed
}

func (l *Limiter) allowOn(ctx context.Context, b Backend, key string, now time.Time) (bool, error) {
	cutoff := now.Add(-l.config.Window)
	if err := b.Prune(ctx, key, cutoff); err != nil {
		return false, err
	}
	count, err := b.Count(ctx, key)
	if err != nil {
		return false, err
	}
	if count >= l.config.MaxRequests {
		return false, nil
	}
	if err := b.Add(ctx, key, now); err != nil {
		return false, err
	}
	if err := b.Expire(ctx, key, l.config.Window+time.Minute); err != nil {
		return false, err
	}
	return true, nil
}

// StorageMode reports which backend class is preferred, for health output.
func (l *Limiter) StorageMode() string {
	if l.shared != nil {
		return "shared"
	}
	return "memory"
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// MemoryBackend is an in-process Backend used for tests, single-instance
// deployments, and as the automatic fallback for a failing shared backend.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewMemoryBackend creates an in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string][]time.Time)}
}

func (m *MemoryBackend) Prune(ctx context.Context, key string, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[key][:0]
	for _, ts := range m.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(m.entries, key)
	} else {
		m.entries[key] = kept
	}
	return nil
}

func (m *MemoryBackend) Count(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[key]), nil
}

func (m *MemoryBackend) Add(ctx context.Context, key string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append(m.entries[key], ts)
	return nil
}

// Expire is a no-op for the memory backend; Prune already bounds growth.
func (m *MemoryBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}
