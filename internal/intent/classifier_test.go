package intent

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/medellinbot/orchestrator/internal/llm"
	"github.com/medellinbot/orchestrator/internal/observability"
	"github.com/medellinbot/orchestrator/internal/sessions"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func fixedResponse(raw string) llm.Generator {
	return llm.GenerateFunc(func(ctx context.Context, prompt, systemPrompt string) (string, error) {
		return raw, nil
	})
}

func failingGenerator() llm.Generator {
	return llm.GenerateFunc(func(ctx context.Context, prompt, systemPrompt string) (string, error) {
		return "", errors.New("service unavailable")
	})
}

func TestClassifyAcceptsConfidentResult(t *testing.T) {
	raw := `{"intent":"tramite_buscar","confidence":0.92,"reasoning":"Consulta de trámite","detected_keywords":["trámite","licencia"]}`
	c := NewClassifier(fixedResponse(raw), 0.70, testLogger(), nil)

	got := c.Classify(context.Background(), "¿Cómo saco la licencia?", nil)
	if got.Intent != "tramite_buscar" {
		t.Errorf("Intent = %q, want tramite_buscar", got.Intent)
	}
	if got.Confidence != 0.92 {
		t.Errorf("Confidence = %v, want 0.92", got.Confidence)
	}
	if len(got.DetectedKeywords) != 2 {
		t.Errorf("DetectedKeywords = %v", got.DetectedKeywords)
	}
}

func TestClassifyGatesLowConfidence(t *testing.T) {
	raw := `{"intent":"tramite_buscar","confidence":0.45,"reasoning":"dudoso","detected_keywords":[]}`
	c := NewClassifier(fixedResponse(raw), 0.70, testLogger(), nil)

	got := c.Classify(context.Background(), "eso", nil)
	if got.Intent != IntentClarification {
		t.Errorf("Intent = %q, want %q", got.Intent, IntentClarification)
	}
	if got.Confidence != 0.45 {
		t.Errorf("Confidence = %v, want original 0.45", got.Confidence)
	}
	if got.Reasoning != "Confianza baja (0.45 < 0.70)" {
		t.Errorf("Reasoning = %q", got.Reasoning)
	}
}

func TestClassifyAcceptsExactlyAtThreshold(t *testing.T) {
	// The gate is strict less-than: 0.70 meets a 0.70 threshold.
	raw := `{"intent":"pqrsd_crear","confidence":0.70,"reasoning":"queja","detected_keywords":["queja"]}`
	c := NewClassifier(fixedResponse(raw), 0.70, testLogger(), nil)

	got := c.Classify(context.Background(), "quiero poner una queja", nil)
	if got.Intent != "pqrsd_crear" {
		t.Errorf("Intent = %q, want pqrsd_crear (threshold is exclusive)", got.Intent)
	}
}

func TestClassifyFallsBackOnGeneratorError(t *testing.T) {
	c := NewClassifier(failingGenerator(), 0.70, testLogger(), nil)

	got := c.Classify(context.Background(), "hola", nil)
	if got.Intent != IntentClarification {
		t.Errorf("Intent = %q, want %q", got.Intent, IntentClarification)
	}
	if got.Confidence != 0.0 {
		t.Errorf("Confidence = %v, want 0.0", got.Confidence)
	}
	if got.DetectedKeywords == nil || len(got.DetectedKeywords) != 0 {
		t.Errorf("DetectedKeywords = %v, want empty non-nil", got.DetectedKeywords)
	}
}

func TestClassifyFallsBackOnBadPayload(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "lo siento, no entiendo"},
		{"missing field", `{"intent":"saludo","confidence":0.9,"reasoning":"ok"}`},
		{"confidence out of range", `{"intent":"saludo","confidence":1.4,"reasoning":"ok","detected_keywords":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewClassifier(fixedResponse(tc.raw), 0.70, testLogger(), nil)
			got := c.Classify(context.Background(), "hola", nil)
			if got.Intent != IntentClarification || got.Confidence != 0.0 {
				t.Errorf("got %+v, want clarification fallback", got)
			}
		})
	}
}

func TestClassifyUnwrapsFencedJSON(t *testing.T) {
	raw := "```json\n{\"intent\":\"saludo\",\"confidence\":0.99,\"reasoning\":\"saludo\",\"detected_keywords\":[\"hola\"]}\n```"
	c := NewClassifier(fixedResponse(raw), 0.70, testLogger(), nil)

	got := c.Classify(context.Background(), "hola", nil)
	if got.Intent != IntentGreeting {
		t.Errorf("Intent = %q, want %q", got.Intent, IntentGreeting)
	}
}

func TestClassifyIncludesTrailingWindow(t *testing.T) {
	var seen string
	gen := llm.GenerateFunc(func(ctx context.Context, prompt, systemPrompt string) (string, error) {
		seen = prompt
		return `{"intent":"saludo","confidence":0.9,"reasoning":"ok","detected_keywords":[]}`, nil
	})
	c := NewClassifier(gen, 0.70, testLogger(), nil)

	trailing := []sessions.Message{
		{Role: sessions.RoleUser, Text: "primer turno"},
		{Role: sessions.RoleAgent, Text: "respuesta"},
	}
	c.Classify(context.Background(), "hola", trailing)

	if !strings.Contains(seen, "primer turno") || !strings.Contains(seen, "respuesta") {
		t.Errorf("prompt missing trailing window: %q", seen)
	}
}

func TestDetectEscalationFallback(t *testing.T) {
	c := NewClassifier(failingGenerator(), 0.70, testLogger(), nil)

	got := c.DetectEscalation(context.Background(), "necesito hablar con alguien", nil)
	if !got.Escalate {
		t.Error("fallback must escalate")
	}
	if got.Urgency != "media" {
		t.Errorf("Urgency = %q, want media", got.Urgency)
	}
	if len(got.Reasons) != 1 || got.Reasons[0] != "Error en detección de escalación" {
		t.Errorf("Reasons = %v", got.Reasons)
	}
}

func TestDetectEscalationParsesResult(t *testing.T) {
	raw := `{"escalate":false,"confidence":0.8,"reasons":["consulta simple"],"urgency":"baja"}`
	c := NewClassifier(fixedResponse(raw), 0.70, testLogger(), nil)

	got := c.DetectEscalation(context.Background(), "una pregunta", nil)
	if got.Escalate {
		t.Error("Escalate = true, want false")
	}
	if got.Urgency != "baja" {
		t.Errorf("Urgency = %q, want baja", got.Urgency)
	}
}

func TestGenerateClarificationFallback(t *testing.T) {
	c := NewClassifier(fixedResponse("no puedo"), 0.70, testLogger(), nil)

	got := c.GenerateClarification(context.Background(), "eso", nil, 0.3)
	if len(got.Questions) != 1 || got.Questions[0] != "¿Podría explicar con más detalle lo que necesita?" {
		t.Errorf("Questions = %v", got.Questions)
	}
	if len(got.SuggestedIntents) != 1 || got.SuggestedIntents[0] != "ayuda" {
		t.Errorf("SuggestedIntents = %v", got.SuggestedIntents)
	}
}

func TestGenerateClarificationParsesResult(t *testing.T) {
	raw := `{"questions":["¿Busca información de un trámite?"],"suggested_intents":["tramite_buscar"],"reasoning":"ambiguo"}`
	c := NewClassifier(fixedResponse(raw), 0.70, testLogger(), nil)

	got := c.GenerateClarification(context.Background(), "necesito algo", nil, 0.5)
	if len(got.Questions) != 1 || got.Questions[0] != "¿Busca información de un trámite?" {
		t.Errorf("Questions = %v", got.Questions)
	}
}
