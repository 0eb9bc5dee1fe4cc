package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/medellinbot/orchestrator/internal/observability"
)

// AnthropicGenerator implements Generator on the Anthropic Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int
	timeout   time.Duration
	metrics   *observability.Metrics
}

// NewAnthropicGenerator creates an Anthropic-backed generator.
func NewAnthropicGenerator(config Config, metrics *observability.Metrics) (*AnthropicGenerator, error) {
	if config.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicGenerator{
		client:    anthropic.NewClient(option.WithAPIKey(config.APIKey)),
		model:     config.Model,
		maxTokens: maxTokens,
		timeout:   config.Timeout,
		metrics:   metrics,
	}, nil
}

func (g *AnthropicGenerator) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(g.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	start := time.Now()
	msg, err := g.client.Messages.New(ctx, params)
	if g.metrics != nil {
		g.metrics.LLMRequestDuration.WithLabelValues("anthropic", g.model).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("anthropic completion: empty response")
	}
	return sb.String(), nil
}
