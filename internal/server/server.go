// Package server exposes the orchestrator over HTTP: the message processing
// endpoint plus health, session introspection, metrics, and alert reads.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medellinbot/orchestrator/internal/config"
	"github.com/medellinbot/orchestrator/internal/monitoring"
	"github.com/medellinbot/orchestrator/internal/observability"
	"github.com/medellinbot/orchestrator/internal/orchestrator"
	"github.com/medellinbot/orchestrator/internal/ratelimit"
	"github.com/medellinbot/orchestrator/internal/security"
	"github.com/medellinbot/orchestrator/internal/sessions"
)

// StatusSessionExpired is the nonstandard expiry code kept for client
// compatibility.
const StatusSessionExpired = 440

// ComponentPinger reports reachability of one backing component.
type ComponentPinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP surface over the orchestrator and its collaborators.
type Server struct {
	config       *config.Config
	orchestrator *orchestrator.Orchestrator
	sessions     *sessions.Manager
	limiter      *ratelimit.Limiter
	validator    *security.Validator
	monitor      *monitoring.Manager
	logger       *observability.Logger
	metrics      *observability.Metrics
	registry     *prometheus.Registry
	components   map[string]ComponentPinger
	startTime    time.Time

	httpServer *http.Server
	listener   net.Listener
}

// Options carries the collaborators the server serves.
type Options struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Sessions     *sessions.Manager
	Limiter      *ratelimit.Limiter
	Validator    *security.Validator
	Monitor      *monitoring.Manager
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	Registry     *prometheus.Registry
	// Components are pinged by the health endpoint, keyed by display name.
	Components map[string]ComponentPinger
}

// New creates the HTTP server. It does not listen until Start.
func New(opts Options) *Server {
	return &Server{
		config:       opts.Config,
		orchestrator: opts.Orchestrator,
		sessions:     opts.Sessions,
		limiter:      opts.Limiter,
		validator:    opts.Validator,
		monitor:      opts.Monitor,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		registry:     opts.Registry,
		components:   opts.Components,
		startTime:    time.Now(),
	}
}

// Handler builds the route table. Exposed for httptest use.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("GET /session/{id}", s.handleGetSession)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("GET /metrics/snapshot", s.handleMetricsSnapshot)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return securityHeaders(mux)
}

// Start begins serving in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error(context.Background(), "http server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info(ctx, "starting http server", "addr", addr)
	}
	return nil
}

// Stop shuts the server down, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := s.httpServer.Shutdown(shutdownCtx)
	s.httpServer = nil
	s.listener = nil
	return err
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
