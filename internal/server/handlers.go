package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/medellinbot/orchestrator/internal/security"
	"github.com/medellinbot/orchestrator/internal/sessions"
)

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	chain := []guard{s.guardRateLimit, s.guardPayload, s.guardSession}
	if !s.runGuards(w, r, &req, chain) {
		return
	}

	result := s.orchestrator.Process(r.Context(), req.SessionID, req.UserID, req.Text)
	switch {
	case result.SecurityViolation:
		writeJSON(w, http.StatusBadRequest, result.Body)
	case result.Failed:
		writeJSON(w, http.StatusInternalServerError, result.Body)
	default:
		// Downstream agent failures ride in-band with a 200.
		writeJSON(w, http.StatusOK, result.Body)
	}
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if res := s.guardRateLimit(r.Context(), r, nil); res != nil {
		writeError(w, res.Status, res.Message)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.UserID == "" || !s.validator.ValidateInput(req.UserID) {
		writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return
	}

	meta := sessions.Metadata{
		IPAddress:   clientIP(r),
		UserAgent:   r.UserAgent(),
		Environment: s.config.Environment,
	}
	sessionID, err := s.sessions.Create(r.Context(), req.UserID, req.ChatID, meta)
	if err != nil {
		s.logger.Error(r.Context(), "session create failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sessionID,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if res := s.guardRateLimit(r.Context(), r, nil); res != nil {
		writeError(w, res.Status, res.Message)
		return
	}

	sessionID := r.PathValue("id")
	userID := r.URL.Query().Get("user_id")
	if sessionID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "Missing session_id or user_id")
		return
	}

	session, err := s.sessions.Validate(r.Context(), sessionID, userID)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrNotFound):
			writeError(w, http.StatusNotFound, "Session not found")
		case errors.Is(err, sessions.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "Unauthorized session access")
		case errors.Is(err, sessions.ErrExpired):
			writeError(w, StatusSessionExpired, "Session expired")
		default:
			s.logger.Error(r.Context(), "session read failed", "session_id", sessionID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to retrieve session")
		}
		return
	}

	body := map[string]any{
		"session_id":               session.ID,
		"user_id":                  session.UserID,
		"chat_id":                  session.ChatID,
		"created_at":               session.CreatedAt.UTC().Format(time.RFC3339),
		"last_active":              session.LastActive.UTC().Format(time.RFC3339),
		"session_duration_seconds": session.LastActive.Sub(session.CreatedAt).Seconds(),
		"message_count":            len(session.Messages),
		"memory_summary":           session.MemorySummary,
		"context_relevance_score":  session.RelevanceScore,
		"user_preferences":         session.Preferences,
		"session_metadata": map[string]any{
			"ip_address":  session.Metadata.IPAddress,
			"user_agent":  session.Metadata.UserAgent,
			"environment": session.Metadata.Environment,
		},
		"estimated_session_value": sessionValue(len(session.Messages)),
	}
	writeJSON(w, http.StatusOK, security.Sanitize(body))
}

// sessionValue scores engagement: a tenth of a point per message, capped.
func sessionValue(messageCount int) float64 {
	v := float64(messageCount) * 0.1
	if v > 10.0 {
		return 10.0
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]string{}
	degraded := false
	for name, pinger := range s.components {
		if pinger == nil {
			components[name] = "disconnected"
			degraded = true
			continue
		}
		if err := pinger.Ping(ctx); err != nil {
			components[name] = "disconnected: " + err.Error()
			degraded = true
			continue
		}
		components[name] = "connected"
	}

	status := "healthy"
	code := http.StatusOK
	if degraded {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":         status,
		"service":        "medellinbot-orchestrator",
		"environment":    s.config.Environment,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"components":     components,
	}
	if s.limiter != nil {
		cfg := s.limiter.Config()
		body["rate_limiting"] = map[string]any{
			"enabled":        cfg.Enabled,
			"storage":        s.limiter.StorageMode(),
			"window_seconds": cfg.Window.Seconds(),
			"max_requests":   cfg.MaxRequests,
		}
	}
	writeJSON(w, code, body)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	alerts := s.monitor.Alerts(since)
	if len(alerts) > 50 {
		alerts = alerts[len(alerts)-50:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":      alerts,
		"total_count": len(alerts),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Snapshot()
	snap["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if count, err := s.sessions.Store().Count(r.Context()); err == nil {
		snap["active_sessions"] = count
	}
	writeJSON(w, http.StatusOK, snap)
}
