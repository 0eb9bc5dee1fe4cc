// Package intent classifies inbound messages into a closed intent
// vocabulary using an external text-generation service, applying a
// confidence gate with a deterministic clarification fallback.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/medellinbot/orchestrator/internal/llm"
	"github.com/medellinbot/orchestrator/internal/observability"
	"github.com/medellinbot/orchestrator/internal/sessions"
)

// IntentClarification is the fallback intent used when classification is
// uncertain or the classifier itself fails.
const IntentClarification = "clarificacion"

// IntentHumanEscalation routes to the human hand-off sub-flow.
const IntentHumanEscalation = "human_escalation"

// General interaction intents answered with canned templates.
const (
	IntentGreeting = "saludo"
	IntentFarewell = "despedida"
	IntentThanks   = "agradecimiento"
)

// Classification is the structured result of classifying one message. It is
// produced fresh per request and never persisted as its own entity.
type Classification struct {
	Intent           string   `json:"intent"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
	DetectedKeywords []string `json:"detected_keywords"`
}

// Escalation is the result of the human-escalation sub-classifier.
type Escalation struct {
	Escalate   bool     `json:"escalate"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	Urgency    string   `json:"urgency"`
}

// Clarification holds generated clarifying questions for an ambiguous turn.
type Clarification struct {
	Questions        []string `json:"questions"`
	SuggestedIntents []string `json:"suggested_intents"`
	Reasoning        string   `json:"reasoning"`
}

// Classifier wraps the text-generation collaborator with output validation
// and confidence gating.
type Classifier struct {
	generator llm.Generator
	threshold float64
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewClassifier creates a classifier with the given confidence threshold.
func NewClassifier(generator llm.Generator, threshold float64, logger *observability.Logger, metrics *observability.Metrics) *Classifier {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.70
	}
	return &Classifier{
		generator: generator,
		threshold: threshold,
		logger:    logger,
		metrics:   metrics,
	}
}

// Classify determines the intent of a message given its trailing
// conversation window. It never returns an error: any upstream failure
// yields the deterministic clarification fallback.
//
// The gate uses strict less-than: a confidence exactly equal to the
// threshold is accepted without override.
func (c *Classifier) Classify(ctx context.Context, message string, trailing []sessions.Message) *Classification {
	prompt := fmt.Sprintf(classifierPrompt, renderTurns(trailing, 5), message)

	raw, err := c.generator.Generate(ctx, prompt, "")
	if err != nil {
		c.logger.Error(ctx, "intent classification failed", "error", err)
		return c.fallback(fmt.Sprintf("Error en clasificación: %v", err))
	}

	result, err := parseClassification(raw)
	if err != nil {
		c.logger.Error(ctx, "intent response rejected", "error", err)
		return c.fallback(fmt.Sprintf("Error en clasificación: %v", err))
	}

	gated := false
	if result.Confidence < c.threshold {
		gated = true
		result.Intent = IntentClarification
		result.Reasoning = fmt.Sprintf("Confianza baja (%.2f < %.2f)", result.Confidence, c.threshold)
	}
	if c.metrics != nil {
		c.metrics.ClassificationCounter.WithLabelValues(result.Intent, boolLabel(gated)).Inc()
	}
	c.logger.Info(ctx, "intent classified",
		"intent", result.Intent, "confidence", result.Confidence, "gated", gated)
	return result
}

// DetectEscalation runs the human-escalation sub-classifier. Failures fall
// back to escalating with medium urgency rather than stranding the user.
func (c *Classifier) DetectEscalation(ctx context.Context, message string, trailing []sessions.Message) *Escalation {
	prompt := fmt.Sprintf(escalationPrompt, message, renderTurns(trailing, 3))

	raw, err := c.generator.Generate(ctx, prompt, "")
	if err != nil {
		c.logger.Error(ctx, "escalation detection failed", "error", err)
		return &Escalation{
			Escalate: true,
			Reasons:  []string{"Error en detección de escalación"},
			Urgency:  "media",
		}
	}

	var out Escalation
	if err := json.Unmarshal([]byte(extractJSON(raw)), &out); err != nil {
		c.logger.Error(ctx, "escalation response rejected", "error", err)
		return &Escalation{
			Escalate: true,
			Reasons:  []string{"Error en detección de escalación"},
			Urgency:  "media",
		}
	}
	return &out
}

// GenerateClarification asks the generation service for clarifying
// questions. The fallback is a single generic question.
func (c *Classifier) GenerateClarification(ctx context.Context, message string, trailing []sessions.Message, confidence float64) *Clarification {
	prompt := fmt.Sprintf(clarificationPrompt, message, renderTurns(trailing, 5), confidence)

	raw, err := c.generator.Generate(ctx, prompt, "")
	if err == nil {
		var out Clarification
		if jsonErr := json.Unmarshal([]byte(extractJSON(raw)), &out); jsonErr == nil && len(out.Questions) > 0 {
			return &out
		}
		err = fmt.Errorf("unusable clarification payload")
	}
	c.logger.Warn(ctx, "clarification generation failed", "error", err)
	return &Clarification{
		Questions:        []string{"¿Podría explicar con más detalle lo que necesita?"},
		SuggestedIntents: []string{"ayuda"},
		Reasoning:        "Error generando preguntas de clarificación",
	}
}

// Threshold returns the configured confidence threshold.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

func (c *Classifier) fallback(reason string) *Classification {
	if c.metrics != nil {
		c.metrics.ClassificationCounter.WithLabelValues(IntentClarification, "true").Inc()
	}
	return &Classification{
		Intent:           IntentClarification,
		Confidence:       0.0,
		Reasoning:        reason,
		DetectedKeywords: []string{},
	}
}

// parseClassification validates the raw model output: it must be a JSON
// object with all four fields present and confidence within [0,1].
func parseClassification(raw string) (*Classification, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(extractJSON(raw)), &fields); err != nil {
		return nil, fmt.Errorf("invalid classifier response: %w", err)
	}
	for _, required := range []string{"intent", "confidence", "reasoning", "detected_keywords"} {
		if _, ok := fields[required]; !ok {
			return nil, fmt.Errorf("classifier response missing field %q", required)
		}
	}

	var out Classification
	if err := json.Unmarshal([]byte(extractJSON(raw)), &out); err != nil {
		return nil, fmt.Errorf("invalid classifier response: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("confidence %.3f out of [0,1]", out.Confidence)
	}
	if out.DetectedKeywords == nil {
		out.DetectedKeywords = []string{}
	}
	return &out, nil
}

// extractJSON trims everything outside the outermost braces. Models often
// wrap JSON in code fences or prose.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}

// renderTurns formats the last n conversation turns for prompt inclusion.
func renderTurns(turns []sessions.Message, n int) string {
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	if len(turns) == 0 {
		return "(sin historial)"
	}
	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString(string(turn.Role))
		sb.WriteString(": ")
		sb.WriteString(turn.Text)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
