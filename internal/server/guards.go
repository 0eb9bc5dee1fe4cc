package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/medellinbot/orchestrator/internal/sessions"
)

// processRequest is the decoded body of the processing endpoints.
type processRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	ChatID    string `json:"chat_id"`
}

// guardResult is the outcome of one guard stage. A nil result means the
// stage passed; otherwise Status and Message describe the rejection.
type guardResult struct {
	Status  int
	Message string
}

func reject(status int, msg string) *guardResult {
	return &guardResult{Status: status, Message: msg}
}

// guard is one stage of the request admission chain. Stages run in order
// and the first non-nil result short-circuits the request.
type guard func(ctx context.Context, r *http.Request, req *processRequest) *guardResult

// runGuards applies the chain, writing the rejection when a stage fails.
// Returns false when the request was rejected.
func (s *Server) runGuards(w http.ResponseWriter, r *http.Request, req *processRequest, chain []guard) bool {
	for _, g := range chain {
		if res := g(r.Context(), r, req); res != nil {
			writeError(w, res.Status, res.Message)
			return false
		}
	}
	return true
}

// guardRateLimit rejects clients over the sliding-window budget. The client
// key is the forwarded address when present, the peer address otherwise.
func (s *Server) guardRateLimit(ctx context.Context, r *http.Request, _ *processRequest) *guardResult {
	if s.limiter == nil {
		return nil
	}
	if s.limiter.Allow(ctx, clientIP(r)) {
		if s.metrics != nil {
			s.metrics.RateLimitCounter.WithLabelValues("allowed").Inc()
		}
		return nil
	}
	if s.metrics != nil {
		s.metrics.RateLimitCounter.WithLabelValues("rejected").Inc()
	}
	s.logger.Warn(ctx, "rate limit exceeded", "client", clientIP(r))
	return reject(http.StatusTooManyRequests, "Rate limit exceeded")
}

// guardPayload decodes the body and validates the identifying fields.
func (s *Server) guardPayload(_ context.Context, r *http.Request, req *processRequest) *guardResult {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return reject(http.StatusBadRequest, "Invalid JSON payload")
	}
	if req.SessionID != "" && !s.validator.ValidateInput(req.SessionID) {
		return reject(http.StatusBadRequest, "Invalid session ID format")
	}
	if req.UserID != "" && !s.validator.ValidateInput(req.UserID) {
		return reject(http.StatusBadRequest, "Invalid user ID format")
	}
	if req.SessionID == "" || req.UserID == "" {
		return reject(http.StatusBadRequest, "Missing session_id or user_id")
	}
	return nil
}

// guardSession checks ownership and expiry, refreshing last_active on
// success.
func (s *Server) guardSession(ctx context.Context, _ *http.Request, req *processRequest) *guardResult {
	_, err := s.sessions.Validate(ctx, req.SessionID, req.UserID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sessions.ErrNotFound):
		return reject(http.StatusNotFound, "Session not found")
	case errors.Is(err, sessions.ErrUnauthorized):
		return reject(http.StatusForbidden, "Unauthorized session access")
	case errors.Is(err, sessions.ErrExpired):
		return reject(StatusSessionExpired, "Session expired")
	default:
		s.logger.Error(ctx, "session validation failed", "session_id", req.SessionID, "error", err)
		return reject(http.StatusInternalServerError, "Session validation failed")
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
