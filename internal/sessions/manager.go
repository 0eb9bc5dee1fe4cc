package sessions

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/medellinbot/orchestrator/internal/observability"
)

// Manager errors surfaced to callers.
var (
	ErrUnauthorized = errors.New("unauthorized session access")
	ErrExpired      = errors.New("session expired")
)

// ManagerConfig configures session lifecycle behavior.
type ManagerConfig struct {
	// Timeout is the idle interval after which a session expires.
	Timeout time.Duration
	// MaxHistory bounds the stored message sequence per session.
	MaxHistory int
	// MaxSessionsPerUser caps concurrent sessions per owner; the oldest is
	// evicted when the cap is reached.
	MaxSessionsPerUser int
	// RecordTTL is the logical TTL stamped on new session records.
	RecordTTL time.Duration
}

// DefaultManagerConfig returns the default lifecycle configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Timeout:            24 * time.Hour,
		MaxHistory:         50,
		MaxSessionsPerUser: 5,
		RecordTTL:          30 * 24 * time.Hour,
	}
}

// Manager creates, validates, caps, and expires sessions on top of a Store.
type Manager struct {
	store   Store
	config  ManagerConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	nowFunc func() time.Time // for testing
}

// NewManager creates a session manager.
func NewManager(store Store, config ManagerConfig, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if config.Timeout <= 0 {
		config.Timeout = DefaultManagerConfig().Timeout
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = DefaultManagerConfig().MaxHistory
	}
	if config.MaxSessionsPerUser <= 0 {
		config.MaxSessionsPerUser = DefaultManagerConfig().MaxSessionsPerUser
	}
	if config.RecordTTL <= 0 {
		config.RecordTTL = DefaultManagerConfig().RecordTTL
	}
	return &Manager{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: metrics,
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom time source for testing.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

// Store exposes the underlying store for collaborators that share it.
func (m *Manager) Store() Store {
	return m.store
}

// MaxHistory returns the configured history bound.
func (m *Manager) MaxHistory() int {
	return m.config.MaxHistory
}

// Create generates a new session for the user. When the user already owns
// MaxSessionsPerUser sessions the single oldest (by CreatedAt) is deleted
// first.
func (m *Manager) Create(ctx context.Context, userID, chatID string, meta Metadata) (string, error) {
	existing, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list user sessions: %w", err)
	}
	if len(existing) >= m.config.MaxSessionsPerUser {
		if err := m.evictOldest(ctx, existing); err != nil {
			m.logger.Warn(ctx, "session eviction failed", "user_id", userID, "error", err)
		}
	}

	now := m.nowFunc()
	session := &Session{
		ID:          newSessionID(),
		UserID:      userID,
		ChatID:      chatID,
		CreatedAt:   now,
		LastActive:  now,
		Messages:    []Message{},
		Preferences: map[string]any{},
		Metadata:    meta,
		TTL:         now.Add(m.config.RecordTTL),
	}
	if err := m.store.Create(ctx, session); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	if m.metrics != nil {
		m.metrics.SessionCounter.WithLabelValues("created").Inc()
		m.metrics.ActiveSessions.Inc()
	}
	m.logger.Info(ctx, "session created", "session_id", session.ID, "user_id", userID, "chat_id", chatID)
	return session.ID, nil
}

// Validate fetches the session and checks ownership and freshness. On
// success it refreshes LastActive as a side effect. An expired session is
// deleted before ErrExpired is returned, so a subsequent call observes
// ErrNotFound.
func (m *Manager) Validate(ctx context.Context, sessionID, userID string) (*Session, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		m.logger.Warn(ctx, "unauthorized session access attempt", "session_id", sessionID)
		return nil, ErrUnauthorized
	}

	now := m.nowFunc()
	if now.Sub(session.LastActive) > m.config.Timeout {
		if err := m.store.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn(ctx, "expired session delete failed", "session_id", sessionID, "error", err)
		}
		if m.metrics != nil {
			m.metrics.SessionCounter.WithLabelValues("expired").Inc()
			m.metrics.ActiveSessions.Dec()
		}
		m.logger.Info(ctx, "session expired", "session_id", sessionID)
		return nil, ErrExpired
	}

	session.LastActive = now
	patch := Patch{LastActive: &now}
	if err := m.store.ApplyPatch(ctx, sessionID, patch); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	return session, nil
}

// Sweep deletes sessions idle past the timeout, returning how many were
// removed. Deletion is at-least-once: a sweep may race a concurrent request
// refreshing the same session, and either outcome (deleted or refreshed) is
// a valid terminal state.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.nowFunc().Add(-m.config.Timeout)
	idle, err := m.store.ListIdleSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	swept := 0
	for _, session := range idle {
		if err := m.store.Delete(ctx, session.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			m.logger.Warn(ctx, "sweep delete failed", "session_id", session.ID, "error", err)
			continue
		}
		swept++
		if m.metrics != nil {
			m.metrics.SessionCounter.WithLabelValues("swept").Inc()
			m.metrics.ActiveSessions.Dec()
		}
	}
	if swept > 0 {
		m.logger.Info(ctx, "session sweep completed", "swept", swept)
	}
	return swept, nil
}

// evictOldest deletes the single oldest session by CreatedAt.
func (m *Manager) evictOldest(ctx context.Context, owned []*Session) error {
	if len(owned) == 0 {
		return nil
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].CreatedAt.Before(owned[j].CreatedAt)
	})
	oldest := owned[0]
	if err := m.store.Delete(ctx, oldest.ID); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.SessionCounter.WithLabelValues("evicted").Inc()
		m.metrics.ActiveSessions.Dec()
	}
	m.logger.Info(ctx, "evicted oldest session", "session_id", oldest.ID)
	return nil
}

// newSessionID returns an unguessable opaque id.
func newSessionID() string {
	u := uuid.New()
	return "session_" + hex.EncodeToString(u[:])
}
