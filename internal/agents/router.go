// Package agents routes classified intents to the specialized downstream
// agent services over HTTP, translating failures into a structured error
// taxonomy instead of propagating transport errors.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/medellinbot/orchestrator/internal/observability"
	"github.com/medellinbot/orchestrator/internal/sessions"
)

// Kind identifies one of the fixed downstream agents. The set is closed:
// adding an agent means adding a constant here and an endpoint in Config.
type Kind int

const (
	KindTramites Kind = iota
	KindPQRSD
	KindProgramas
	KindNotificaciones
)

func (k Kind) String() string {
	switch k {
	case KindTramites:
		return "tramites"
	case KindPQRSD:
		return "pqrsd"
	case KindProgramas:
		return "programas"
	case KindNotificaciones:
		return "notificaciones"
	default:
		return "unknown"
	}
}

// intentKinds is the fixed intent→agent table. Several intents share one
// agent; intents absent here are not routable.
var intentKinds = map[string]Kind{
	"tramite_buscar":          KindTramites,
	"tramite_requisitos":      KindTramites,
	"tramite_costo":           KindTramites,
	"tramite_plazo":           KindTramites,
	"tramite_oficina":         KindTramites,
	"tramite_estado":          KindTramites,
	"pqrsd_crear":             KindPQRSD,
	"pqrsd_estado":            KindPQRSD,
	"pqrsd_tipos":             KindPQRSD,
	"programa_buscar":         KindProgramas,
	"programa_elegibilidad":   KindProgramas,
	"programa_inscripcion":    KindProgramas,
	"programa_beneficios":     KindProgramas,
	"notificacion_pico_placa": KindNotificaciones,
	"notificacion_cierre_vial": KindNotificaciones,
	"notificacion_evento":     KindNotificaciones,
	"notificacion_alerta":     KindNotificaciones,
}

// Failure kinds in RouteResult.ErrorKind and dispatch metrics.
const (
	FailNoAgent     = "no_agent"
	FailTimeout     = "timeout"
	FailUnavailable = "unavailable"
	FailRouting     = "routing"
)

// Caller-facing error strings, preserved verbatim from the service contract.
const (
	errNoAgent     = "No agent available for intent"
	errTimeout     = "Agent timeout"
	errUnavailable = "Agent unavailable"
	errRouting     = "Routing error"
)

// RouteResult is either the verbatim JSON payload from the agent or a
// structured {error, intent} failure.
type RouteResult struct {
	// Payload is the agent's response body, untouched; nil on failure.
	Payload json.RawMessage
	// Err is the caller-facing error string; empty on success.
	Err string
	// ErrorKind tags the failure mode for metrics and tests.
	ErrorKind string
	// Intent echoes the dispatched intent.
	Intent string
}

// OK reports whether the dispatch succeeded.
func (r *RouteResult) OK() bool {
	return r.Err == ""
}

// Body returns the result as a response payload map: the agent's JSON on
// success, {error, intent} on failure.
func (r *RouteResult) Body() map[string]any {
	if r.OK() {
		var out map[string]any
		if err := json.Unmarshal(r.Payload, &out); err == nil {
			return out
		}
		// Non-object agent payloads are passed through under a single key.
		return map[string]any{"response": string(r.Payload)}
	}
	return map[string]any{"error": r.Err, "intent": r.Intent}
}

// Config configures the router endpoints and dispatch timeout.
type Config struct {
	Endpoints map[Kind]string
	Timeout   time.Duration
}

// Router dispatches messages to downstream agents with a bounded timeout.
type Router struct {
	endpoints map[Kind]string
	client    *http.Client
	timeout   time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewRouter creates an agent router.
func NewRouter(config Config, logger *observability.Logger, metrics *observability.Metrics) *Router {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Router{
		endpoints: config.Endpoints,
		client:    &http.Client{Timeout: timeout},
		timeout:   timeout,
		logger:    logger,
		metrics:   metrics,
	}
}

// agentRequest is the wire body POSTed to {endpoint}/process.
type agentRequest struct {
	UserMessage         string            `json:"user_message"`
	ConversationContext *sessions.Context `json:"conversation_context"`
	Intent              string            `json:"intent"`
	Timestamp           string            `json:"timestamp"`
	SessionID           string            `json:"session_id"`
}

// Dispatch routes the message to the agent responsible for the intent. All
// failure modes produce a structured result; Dispatch never returns an
// error. An intent outside the mapping makes no network call.
func (r *Router) Dispatch(ctx context.Context, intent, message string, convCtx *sessions.Context) *RouteResult {
	kind, ok := intentKinds[intent]
	if !ok {
		r.logger.Warn(ctx, "no agent for intent", "intent", intent)
		return r.failure(intent, FailNoAgent, errNoAgent)
	}
	endpoint, ok := r.endpoints[kind]
	if !ok || endpoint == "" {
		r.logger.Warn(ctx, "agent endpoint not configured", "agent", kind.String())
		return r.failure(intent, FailNoAgent, errNoAgent)
	}

	body, err := json.Marshal(agentRequest{
		UserMessage:         message,
		ConversationContext: convCtx,
		Intent:              intent,
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
		SessionID:           convCtx.SessionID,
	})
	if err != nil {
		return r.failure(intent, FailRouting, errRouting)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/process", bytes.NewReader(body))
	if err != nil {
		return r.failure(intent, FailRouting, errRouting)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Source", "orchestrator")
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := r.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			r.logger.Error(ctx, "agent dispatch timed out", "intent", intent, "endpoint", endpoint)
			return r.failure(intent, FailTimeout, errTimeout)
		}
		r.logger.Error(ctx, "agent dispatch transport failure", "intent", intent, "endpoint", endpoint, "error", err)
		return r.failure(intent, FailUnavailable, errUnavailable)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return r.failure(intent, FailUnavailable, errUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Error(ctx, "agent returned non-2xx", "intent", intent, "status", resp.StatusCode)
		return r.failure(intent, FailUnavailable, errUnavailable)
	}
	if !json.Valid(payload) {
		return r.failure(intent, FailRouting, errRouting)
	}

	if r.metrics != nil {
		r.metrics.AgentDispatchDuration.WithLabelValues(intent, endpoint).Observe(elapsed.Seconds())
	}
	r.logger.Info(ctx, "agent dispatch succeeded",
		"intent", intent, "agent", kind.String(), "elapsed", elapsed.String())
	return &RouteResult{Payload: payload, Intent: intent}
}

func (r *Router) failure(intent, kind, msg string) *RouteResult {
	if r.metrics != nil {
		r.metrics.AgentDispatchErrors.WithLabelValues(intent, kind).Inc()
	}
	return &RouteResult{Err: msg, ErrorKind: kind, Intent: intent}
}

// Routable reports whether the intent maps to a downstream agent.
func Routable(intent string) bool {
	_, ok := intentKinds[intent]
	return ok
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}

// EndpointsFromURLs builds the endpoint table from per-agent URLs.
func EndpointsFromURLs(tramites, pqrsd, programas, notificaciones string) map[Kind]string {
	return map[Kind]string{
		KindTramites:       tramites,
		KindPQRSD:          pqrsd,
		KindProgramas:      programas,
		KindNotificaciones: notificaciones,
	}
}
