package agents

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medellinbot/orchestrator/internal/observability"
	"github.com/medellinbot/orchestrator/internal/sessions"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func testContext() *sessions.Context {
	return &sessions.Context{
		SessionID: "session_abc",
		RecentMessages: []sessions.Message{
			{Role: sessions.RoleUser, Text: "hola"},
		},
		Preferences: map[string]any{},
	}
}

func routerFor(endpoint string, timeout time.Duration) *Router {
	endpoints := map[Kind]string{
		KindTramites:       endpoint,
		KindPQRSD:          endpoint,
		KindProgramas:      endpoint,
		KindNotificaciones: endpoint,
	}
	return NewRouter(Config{Endpoints: endpoints, Timeout: timeout}, testLogger(), nil)
}

func TestDispatchPassesPayloadThrough(t *testing.T) {
	var gotBody agentRequest
	var gotSource, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSource = r.Header.Get("X-Service-Source")
		gotRequestID = r.Header.Get("X-Request-ID")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode agent request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response":"Encontré 3 trámites","results":[1,2,3]}`))
	}))
	defer srv.Close()

	r := routerFor(srv.URL, time.Second)
	result := r.Dispatch(context.Background(), "tramite_buscar", "busco un trámite", testContext())

	if !result.OK() {
		t.Fatalf("dispatch failed: %s", result.Err)
	}
	body := result.Body()
	if body["response"] != "Encontré 3 trámites" {
		t.Errorf("response = %v", body["response"])
	}

	if gotSource != "orchestrator" {
		t.Errorf("X-Service-Source = %q", gotSource)
	}
	if gotRequestID == "" {
		t.Error("X-Request-ID not set")
	}
	if gotBody.UserMessage != "busco un trámite" {
		t.Errorf("user_message = %q", gotBody.UserMessage)
	}
	if gotBody.Intent != "tramite_buscar" {
		t.Errorf("intent = %q", gotBody.Intent)
	}
	if gotBody.SessionID != "session_abc" {
		t.Errorf("session_id = %q", gotBody.SessionID)
	}
	if gotBody.ConversationContext == nil || gotBody.ConversationContext.SessionID != "session_abc" {
		t.Errorf("conversation_context = %+v", gotBody.ConversationContext)
	}
}

func TestDispatchUnknownIntentMakesNoCall(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r := routerFor(srv.URL, time.Second)
	result := r.Dispatch(context.Background(), "intent_desconocido", "hola", testContext())

	if result.OK() {
		t.Fatal("dispatch succeeded for unknown intent")
	}
	if result.Err != "No agent available for intent" {
		t.Errorf("Err = %q", result.Err)
	}
	if calls.Load() != 0 {
		t.Errorf("agent called %d times, want 0", calls.Load())
	}
	body := result.Body()
	if body["error"] != "No agent available for intent" || body["intent"] != "intent_desconocido" {
		t.Errorf("body = %v", body)
	}
}

func TestDispatchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r := routerFor(srv.URL, 50*time.Millisecond)
	result := r.Dispatch(context.Background(), "tramite_buscar", "hola", testContext())

	if result.OK() {
		t.Fatal("dispatch succeeded past the timeout")
	}
	if result.Err != "Agent timeout" {
		t.Errorf("Err = %q, want Agent timeout", result.Err)
	}
	if result.Intent != "tramite_buscar" {
		t.Errorf("Intent = %q", result.Intent)
	}
}

func TestDispatchUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	r := routerFor(srv.URL, time.Second)
	result := r.Dispatch(context.Background(), "pqrsd_crear", "una queja", testContext())

	if result.Err != "Agent unavailable" {
		t.Errorf("Err = %q, want Agent unavailable", result.Err)
	}
}

func TestDispatchNon2xxIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := routerFor(srv.URL, time.Second)
	result := r.Dispatch(context.Background(), "programa_buscar", "programas", testContext())

	if result.Err != "Agent unavailable" {
		t.Errorf("Err = %q, want Agent unavailable", result.Err)
	}
}

func TestDispatchInvalidJSONIsRoutingError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	r := routerFor(srv.URL, time.Second)
	result := r.Dispatch(context.Background(), "notificacion_alerta", "alertas", testContext())

	if result.Err != "Routing error" {
		t.Errorf("Err = %q, want Routing error", result.Err)
	}
}

func TestRoutingTableCoversAllAgents(t *testing.T) {
	wantKinds := map[string]Kind{
		"tramite_estado":          KindTramites,
		"pqrsd_tipos":             KindPQRSD,
		"programa_elegibilidad":   KindProgramas,
		"notificacion_pico_placa": KindNotificaciones,
	}
	for intent, want := range wantKinds {
		if got, ok := intentKinds[intent]; !ok || got != want {
			t.Errorf("intentKinds[%q] = %v ok=%v, want %v", intent, got, ok, want)
		}
	}
	if Routable("saludo") {
		t.Error("saludo must not be routable")
	}
	if len(intentKinds) != 17 {
		t.Errorf("routing table has %d intents, want 17", len(intentKinds))
	}
}
