package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/medellinbot/orchestrator/internal/observability"
)

// responseCache is a thread-safe TTL cache keyed by content hash.
type responseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	text      string
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &responseCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

func (c *responseCache) get(key string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.text, true
}

func (c *responseCache) set(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic cleanup keeps the map bounded without a background task.
	now := time.Now()
	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{text: text, expiresAt: now.Add(c.ttl)}
}

// CachingGenerator wraps a Generator with a short-TTL response cache keyed
// by content hash of prompt and system prompt.
type CachingGenerator struct {
	inner   Generator
	cache   *responseCache
	metrics *observability.Metrics
}

// NewCachingGenerator wraps gen with a response cache.
func NewCachingGenerator(gen Generator, ttl time.Duration, metrics *observability.Metrics) *CachingGenerator {
	return &CachingGenerator{
		inner:   gen,
		cache:   newResponseCache(ttl),
		metrics: metrics,
	}
}

func (g *CachingGenerator) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	key := cacheKey(prompt, systemPrompt)
	if text, ok := g.cache.get(key); ok {
		if g.metrics != nil {
			g.metrics.LLMCacheCounter.WithLabelValues("hit").Inc()
		}
		return text, nil
	}
	if g.metrics != nil {
		g.metrics.LLMCacheCounter.WithLabelValues("miss").Inc()
	}

	text, err := g.inner.Generate(ctx, prompt, systemPrompt)
	if err != nil {
		return "", err
	}
	if text != "" {
		g.cache.set(key, text)
	}
	return text, nil
}

func cacheKey(prompt, systemPrompt string) string {
	sum := sha256.Sum256([]byte(prompt + "\x00" + systemPrompt))
	return hex.EncodeToString(sum[:])
}
