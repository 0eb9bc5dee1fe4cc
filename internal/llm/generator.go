// Package llm wraps external text-generation services behind a narrow
// interface, with response caching and latency metrics.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/medellinbot/orchestrator/internal/observability"
)

// Generator is the text-generation collaborator contract. Implementations
// must honor ctx cancellation; callers bound each call with a timeout.
type Generator interface {
	// Generate produces text for the prompt. systemPrompt may be empty.
	Generate(ctx context.Context, prompt, systemPrompt string) (string, error)
}

// Config configures a provider-backed generator.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	CacheTTL    time.Duration
}

// NewGenerator constructs the provider named in config, wrapped with the
// response cache.
func NewGenerator(config Config, metrics *observability.Metrics) (Generator, error) {
	var (
		gen Generator
		err error
	)
	switch config.Provider {
	case "openai":
		gen, err = NewOpenAIGenerator(config, metrics)
	case "anthropic":
		gen, err = NewAnthropicGenerator(config, metrics)
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", config.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewCachingGenerator(gen, config.CacheTTL, metrics), nil
}

// GenerateFunc adapts a function to the Generator interface, mainly for tests.
type GenerateFunc func(ctx context.Context, prompt, systemPrompt string) (string, error)

func (f GenerateFunc) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	return f(ctx, prompt, systemPrompt)
}
