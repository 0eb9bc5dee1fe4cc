package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/medellinbot/orchestrator/internal/observability"
)

// ErrNoAPIKey indicates the provider was constructed without credentials.
var ErrNoAPIKey = errors.New("llm: api key not configured")

// OpenAIGenerator implements Generator on the OpenAI chat completion API.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	metrics     *observability.Metrics
}

// NewOpenAIGenerator creates an OpenAI-backed generator.
func NewOpenAIGenerator(config Config, metrics *observability.Metrics) (*OpenAIGenerator, error) {
	if config.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &OpenAIGenerator{
		client:      openai.NewClient(config.APIKey),
		model:       config.Model,
		temperature: config.Temperature,
		maxTokens:   config.MaxTokens,
		timeout:     config.Timeout,
		metrics:     metrics,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if g.metrics != nil {
		g.metrics.LLMRequestDuration.WithLabelValues("openai", g.model).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
