package orchestrator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medellinbot/orchestrator/internal/agents"
	"github.com/medellinbot/orchestrator/internal/intent"
	"github.com/medellinbot/orchestrator/internal/llm"
	"github.com/medellinbot/orchestrator/internal/monitoring"
	"github.com/medellinbot/orchestrator/internal/observability"
	"github.com/medellinbot/orchestrator/internal/security"
	"github.com/medellinbot/orchestrator/internal/sessions"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

type fixture struct {
	orch       *Orchestrator
	store      *sessions.MemoryStore
	agentCalls *atomic.Int64
	agentSrv   *httptest.Server
}

// newFixture builds an orchestrator whose classifier replies with the given
// generator outputs in order, and whose agents all point at one counting
// test server.
func newFixture(t *testing.T, replies []string, agentResponse string) *fixture {
	t.Helper()

	store := sessions.NewMemoryStore()
	seed := &sessions.Session{
		ID:          "session_test",
		UserID:      "user-1",
		CreatedAt:   time.Now(),
		LastActive:  time.Now(),
		Messages:    []sessions.Message{},
		Preferences: map[string]any{},
	}
	if err := store.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	var call atomic.Int64
	gen := llm.GenerateFunc(func(ctx context.Context, prompt, systemPrompt string) (string, error) {
		i := int(call.Add(1)) - 1
		if i >= len(replies) {
			i = len(replies) - 1
		}
		return replies[i], nil
	})

	var agentCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentCalls.Add(1)
		w.Write([]byte(agentResponse))
	}))
	t.Cleanup(srv.Close)

	logger := testLogger()
	router := agents.NewRouter(agents.Config{
		Endpoints: agents.EndpointsFromURLs(srv.URL, srv.URL, srv.URL, srv.URL),
		Timeout:   time.Second,
	}, logger, nil)
	classifier := intent.NewClassifier(gen, 0.70, logger, nil)
	contexts := sessions.NewContextManager(store, 50, logger)
	monitor := monitoring.NewManager(monitoring.DefaultThresholds(), logger)

	orch := New(security.NewValidator(), contexts, classifier, router, monitor, logger, nil)
	return &fixture{orch: orch, store: store, agentCalls: &agentCalls, agentSrv: srv}
}

func TestGreetingSkipsDispatch(t *testing.T) {
	f := newFixture(t, []string{
		`{"intent":"saludo","confidence":0.99,"reasoning":"saludo","detected_keywords":["hola"]}`,
	}, `{}`)

	result := f.orch.Process(context.Background(), "session_test", "user-1", "hola")
	if result.Failed || result.SecurityViolation {
		t.Fatalf("result = %+v", result)
	}
	if result.Body["response"] != "¡Hola! Bienvenido a MedellínBot, su asistente ciudadano. ¿En qué puedo ayudarle hoy?" {
		t.Errorf("response = %v", result.Body["response"])
	}
	if f.agentCalls.Load() != 0 {
		t.Errorf("agent called %d times for a greeting", f.agentCalls.Load())
	}

	actions, ok := result.Body["suggested_actions"].([]string)
	if !ok || len(actions) != 4 {
		t.Errorf("suggested_actions = %v", result.Body["suggested_actions"])
	}
}

func TestLowConfidenceYieldsClarification(t *testing.T) {
	f := newFixture(t, []string{
		`{"intent":"tramite_buscar","confidence":0.40,"reasoning":"dudoso","detected_keywords":[]}`,
		`{"questions":["¿Qué trámite le interesa?"],"suggested_intents":["tramite_buscar"],"reasoning":"ambiguo"}`,
	}, `{}`)

	result := f.orch.Process(context.Background(), "session_test", "user-1", "eso del papel")
	if result.Failed {
		t.Fatalf("result = %+v", result)
	}
	questions, ok := result.Body["questions"].([]string)
	if !ok || len(questions) != 1 || questions[0] != "¿Qué trámite le interesa?" {
		t.Errorf("questions = %v", result.Body["questions"])
	}
	if f.agentCalls.Load() != 0 {
		t.Errorf("agent called %d times for a gated intent", f.agentCalls.Load())
	}

	meta, ok := result.Body["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("metadata = %v", result.Body["metadata"])
	}
	if meta["intent"] != intent.IntentClarification {
		t.Errorf("metadata intent = %v", meta["intent"])
	}
	if meta["confidence"] != 0.40 {
		t.Errorf("metadata confidence = %v", meta["confidence"])
	}
}

func TestRoutableIntentDispatches(t *testing.T) {
	f := newFixture(t, []string{
		`{"intent":"tramite_buscar","confidence":0.95,"reasoning":"trámite","detected_keywords":["trámite"]}`,
	}, `{"response":"Encontré el trámite de licencia"}`)

	result := f.orch.Process(context.Background(), "session_test", "user-1", "necesito la licencia")
	if result.Failed {
		t.Fatalf("result = %+v", result)
	}
	if f.agentCalls.Load() != 1 {
		t.Fatalf("agent called %d times, want 1", f.agentCalls.Load())
	}
	if result.Body["response"] != "Encontré el trámite de licencia" {
		t.Errorf("response = %v", result.Body["response"])
	}

	// Both turns were persisted: the user message and the agent reply.
	session, err := f.store.Get(context.Background(), "session_test")
	if err != nil {
		t.Fatal(err)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("persisted messages = %d, want 2", len(session.Messages))
	}
	if session.Messages[0].Role != sessions.RoleUser || session.Messages[0].Text != "necesito la licencia" {
		t.Errorf("user turn = %+v", session.Messages[0])
	}
	if session.Messages[1].Role != sessions.RoleAgent || session.Messages[1].Text != "Encontré el trámite de licencia" {
		t.Errorf("agent turn = %+v", session.Messages[1])
	}
}

func TestAgentFailureRidesInBand(t *testing.T) {
	f := newFixture(t, []string{
		`{"intent":"tramite_buscar","confidence":0.95,"reasoning":"trámite","detected_keywords":[]}`,
	}, `{}`)
	f.agentSrv.Close() // downstream unavailable

	result := f.orch.Process(context.Background(), "session_test", "user-1", "necesito la licencia")
	if result.Failed {
		t.Fatal("downstream failure must not mark the pipeline failed")
	}
	if result.Body["error"] != "Agent unavailable" {
		t.Errorf("error = %v", result.Body["error"])
	}
	if result.Body["intent"] != "tramite_buscar" {
		t.Errorf("intent = %v", result.Body["intent"])
	}
	if _, ok := result.Body["metadata"]; !ok {
		t.Error("metadata missing from in-band failure")
	}
}

func TestEscalationIncludesAgentInfo(t *testing.T) {
	f := newFixture(t, []string{
		`{"intent":"human_escalation","confidence":0.93,"reasoning":"pide humano","detected_keywords":["humano"]}`,
		`{"escalate":true,"confidence":0.9,"reasons":["usuario frustrado"],"urgency":"alta"}`,
	}, `{}`)

	result := f.orch.Process(context.Background(), "session_test", "user-1", "quiero hablar con una persona")
	if result.Body["escalate_to_human"] != true {
		t.Fatalf("escalate_to_human = %v", result.Body["escalate_to_human"])
	}
	info, ok := result.Body["human_agent_info"].(map[string]any)
	if !ok {
		t.Fatalf("human_agent_info = %v", result.Body["human_agent_info"])
	}
	if info["department"] != "Atención al Ciudadano" {
		t.Errorf("department = %v", info["department"])
	}
	if result.Body["urgency"] != "alta" {
		t.Errorf("urgency = %v", result.Body["urgency"])
	}
}

func TestSecurityViolationRejectsBeforeClassification(t *testing.T) {
	f := newFixture(t, []string{`{"intent":"saludo","confidence":0.99,"reasoning":"x","detected_keywords":[]}`}, `{}`)

	result := f.orch.Process(context.Background(), "session_test", "user-1", `<script>alert(1)</script>`)
	if !result.SecurityViolation {
		t.Fatal("injection input not flagged")
	}
	if result.Body["error"] != "Invalid input detected - potential security threat" {
		t.Errorf("error = %v", result.Body["error"])
	}
	if f.agentCalls.Load() != 0 {
		t.Error("agent reached despite rejection")
	}

	// No turn may be persisted for a rejected message.
	session, err := f.store.Get(context.Background(), "session_test")
	if err != nil {
		t.Fatal(err)
	}
	if len(session.Messages) != 0 {
		t.Errorf("persisted messages = %d, want 0", len(session.Messages))
	}
}

func TestResponseIsSanitized(t *testing.T) {
	f := newFixture(t, []string{
		`{"intent":"tramite_buscar","confidence":0.95,"reasoning":"trámite","detected_keywords":[]}`,
	}, `{"response":"listo","token":"abc123","detalle":{"password":"x","ok":true}}`)

	result := f.orch.Process(context.Background(), "session_test", "user-1", "necesito la licencia")
	if _, ok := result.Body["token"]; ok {
		t.Error("token leaked through sanitization")
	}
	detalle, ok := result.Body["detalle"].(map[string]any)
	if !ok {
		t.Fatalf("detalle = %v", result.Body["detalle"])
	}
	if _, ok := detalle["password"]; ok {
		t.Error("nested password leaked through sanitization")
	}
	if detalle["ok"] != true {
		t.Error("benign nested field dropped")
	}
}
