// Package orchestrator sequences validation, context load, classification,
// branch handling, and context persistence for each inbound message.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/medellinbot/orchestrator/internal/agents"
	"github.com/medellinbot/orchestrator/internal/intent"
	"github.com/medellinbot/orchestrator/internal/monitoring"
	"github.com/medellinbot/orchestrator/internal/observability"
	"github.com/medellinbot/orchestrator/internal/security"
	"github.com/medellinbot/orchestrator/internal/sessions"
)

// Stage labels the pipeline position for logging and failure reports.
type Stage string

const (
	StageValidating       Stage = "VALIDATING"
	StageContextLoaded    Stage = "CONTEXT_LOADED"
	StageClassified       Stage = "CLASSIFIED"
	StageClarifying       Stage = "CLARIFYING"
	StageEscalating       Stage = "ESCALATING"
	StageGeneralReply     Stage = "GENERAL_REPLY"
	StageRouted           Stage = "ROUTED"
	StageContextPersisted Stage = "CONTEXT_PERSISTED"
	StageDone             Stage = "DONE"
	StageFailed           Stage = "FAILED"
)

// Canned replies for conversational intents that never reach an agent.
var generalReplies = map[string]string{
	intent.IntentGreeting: "¡Hola! Bienvenido a MedellínBot, su asistente ciudadano. ¿En qué puedo ayudarle hoy?",
	intent.IntentFarewell: "¡Hasta luego! Gracias por usar MedellínBot. Si necesita algo más, no dude en contactarnos.",
	intent.IntentThanks:   "¡De nada! Estoy para servirle. ¿En qué más puedo ayudarle?",
}

var generalSuggestedActions = []string{"tramites", "pqrsd", "programas_sociales", "notificaciones"}

// Orchestrator coordinates the per-message pipeline. All collaborators are
// injected; it owns no storage of its own.
type Orchestrator struct {
	validator  *security.Validator
	contexts   *sessions.ContextManager
	classifier *intent.Classifier
	router     *agents.Router
	monitor    *monitoring.Manager
	logger     *observability.Logger
	metrics    *observability.Metrics
	nowFunc    func() time.Time
}

// New creates an orchestrator over the injected collaborators.
func New(
	validator *security.Validator,
	contexts *sessions.ContextManager,
	classifier *intent.Classifier,
	router *agents.Router,
	monitor *monitoring.Manager,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	return &Orchestrator{
		validator:  validator,
		contexts:   contexts,
		classifier: classifier,
		router:     router,
		monitor:    monitor,
		logger:     logger,
		metrics:    metrics,
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (o *Orchestrator) SetNowFunc(fn func() time.Time) {
	o.nowFunc = fn
}

// Result carries the response body and whether the pipeline rejected the
// input outright (security violation) versus completing normally. Downstream
// agent failures are embedded in Body and count as completed.
type Result struct {
	Body              map[string]any
	SecurityViolation bool
	Failed            bool
}

// Process runs one message through the pipeline. It never returns an error
// to the caller; failures produce a sanitized generic error body.
func (o *Orchestrator) Process(ctx context.Context, sessionID, userID, text string) *Result {
	start := o.nowFunc()
	stage := StageValidating

	if !o.validator.ValidateInput(text) {
		o.logger.Warn(ctx, "security violation rejected", "session_id", sessionID, "stage", string(stage))
		if o.metrics != nil {
			o.metrics.SecurityViolations.Inc()
		}
		o.monitor.Record("security_violation", 1.0, nil)
		return &Result{
			SecurityViolation: true,
			Body: map[string]any{
				"error":    "Invalid input detected - potential security threat",
				"metadata": o.metadata(start, "", 0, sessionID),
			},
		}
	}

	stage = StageContextLoaded
	convCtx, err := o.contexts.Load(ctx, sessionID, text)
	if err != nil {
		return o.fail(ctx, stage, sessionID, start, err)
	}

	stage = StageClassified
	trailing := convCtx.RecentMessages
	if n := len(trailing); n > 0 {
		trailing = trailing[:n-1] // incoming turn is passed separately
	}
	classification := o.classifier.Classify(ctx, text, trailing)
	o.logger.Info(ctx, "intent classified",
		"session_id", sessionID,
		"intent", classification.Intent,
		"confidence", fmt.Sprintf("%.2f", classification.Confidence))

	var body map[string]any
	switch {
	case classification.Intent == intent.IntentClarification:
		stage = StageClarifying
		body = o.handleClarification(ctx, text, trailing, classification.Confidence)
	case classification.Intent == intent.IntentHumanEscalation:
		stage = StageEscalating
		body = o.handleEscalation(ctx, text, trailing)
	case isGeneralIntent(classification.Intent):
		stage = StageGeneralReply
		body = o.handleGeneral(classification.Intent)
	default:
		stage = StageRouted
		body = o.router.Dispatch(ctx, classification.Intent, text, convCtx).Body()
	}

	stage = StageContextPersisted
	if err := o.persistTurn(ctx, sessionID, convCtx, body); err != nil {
		// Persistence failure is logged but does not void the response.
		o.logger.Error(ctx, "context persist failed",
			"session_id", sessionID, "stage", string(stage), "error", err)
		o.monitor.Record("session_update_error", 1.0, nil)
	}

	elapsed := o.nowFunc().Sub(start)
	_, failed := body["error"]
	o.monitor.RecordRequest(elapsed, failed)
	o.monitor.Record("request_processing_time", elapsed.Seconds(), map[string]string{
		"intent":     classification.Intent,
		"confidence": fmt.Sprintf("%.2f", classification.Confidence),
	})
	if o.metrics != nil {
		outcome := "success"
		if failed {
			outcome = "error"
		}
		o.metrics.RequestCounter.WithLabelValues(classification.Intent, outcome).Inc()
		o.metrics.RequestDuration.WithLabelValues(classification.Intent).Observe(elapsed.Seconds())
	}
	o.monitor.CheckAlerts()

	body["metadata"] = o.metadata(start, classification.Intent, classification.Confidence, sessionID)
	return &Result{Body: security.Sanitize(body)}
}

func (o *Orchestrator) handleClarification(ctx context.Context, text string, trailing []sessions.Message, confidence float64) map[string]any {
	clarification := o.classifier.GenerateClarification(ctx, text, trailing, confidence)
	return map[string]any{
		"questions":         clarification.Questions,
		"suggested_intents": clarification.SuggestedIntents,
		"reasoning":         clarification.Reasoning,
	}
}

func (o *Orchestrator) handleEscalation(ctx context.Context, text string, trailing []sessions.Message) map[string]any {
	escalation := o.classifier.DetectEscalation(ctx, text, trailing)
	if !escalation.Escalate {
		return map[string]any{
			"escalate_to_human": false,
			"message":           "Entiendo su situación. Puedo ayudarle con eso. ¿Qué necesita exactamente?",
		}
	}
	return map[string]any{
		"escalate_to_human": true,
		"reason":            escalation.Reasons,
		"urgency":           escalation.Urgency,
		"human_agent_info": map[string]any{
			"name":                "Agente Humano",
			"department":          "Atención al Ciudadano",
			"estimated_wait_time": "5 minutos",
			"contact_method":      "chat",
		},
		"message": "Voy a transferirlo con un agente humano para que lo atienda personalmente. Por favor espere unos momentos.",
	}
}

func (o *Orchestrator) handleGeneral(intentCode string) map[string]any {
	reply, ok := generalReplies[intentCode]
	if !ok {
		reply = "¡Hola! ¿En qué puedo ayudarle?"
	}
	return map[string]any{
		"response":          reply,
		"suggested_actions": generalSuggestedActions,
	}
}

// persistTurn commits the window from Load (which already carries the user
// turn) plus the agent's textual reply when one exists.
func (o *Orchestrator) persistTurn(ctx context.Context, sessionID string, convCtx *sessions.Context, body map[string]any) error {
	messages := convCtx.RecentMessages
	if reply, ok := body["response"].(string); ok && reply != "" {
		messages = append(messages, sessions.Message{
			Role:      sessions.RoleAgent,
			Text:      reply,
			Timestamp: o.nowFunc(),
		})
	}
	return o.contexts.Commit(ctx, sessionID, messages, "")
}

func (o *Orchestrator) fail(ctx context.Context, stage Stage, sessionID string, start time.Time, err error) *Result {
	o.logger.Error(ctx, "pipeline failed",
		"session_id", sessionID, "stage", string(stage), "error", err)
	o.monitor.Record("processing_error", 1.0, map[string]string{"stage": string(stage)})
	if o.metrics != nil {
		o.metrics.RequestCounter.WithLabelValues("unknown", "error").Inc()
	}
	return &Result{
		Failed: true,
		Body: security.Sanitize(map[string]any{
			"error":    "Internal processing error",
			"metadata": o.metadata(start, "", 0, sessionID),
		}),
	}
}

func (o *Orchestrator) metadata(start time.Time, intentCode string, confidence float64, sessionID string) map[string]any {
	meta := map[string]any{
		"processing_time": round3(o.nowFunc().Sub(start).Seconds()),
		"timestamp":       o.nowFunc().UTC().Format(time.RFC3339),
		"session_id":      sessionID,
	}
	if intentCode != "" {
		meta["intent"] = intentCode
		meta["confidence"] = confidence
	}
	return meta
}

func isGeneralIntent(code string) bool {
	switch code {
	case intent.IntentGreeting, intent.IntentFarewell, intent.IntentThanks:
		return true
	}
	return false
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
