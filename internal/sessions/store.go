// Package sessions manages conversation sessions: persistence, lifecycle,
// and the bounded conversation context used for classification.
package sessions

import (
	"context"
	"errors"
	"time"
)

// Store errors. Managers translate these into caller-facing failures.
var (
	ErrNotFound = errors.New("session not found")
)

// Role indicates the message author type.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is a single conversation turn stored on a session.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata captures request-scoped details recorded at session creation.
type Metadata struct {
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Session is the server-side record of one ongoing conversation. A session
// is owned by exactly one user for its lifetime.
type Session struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	ChatID         string         `json:"chat_id"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActive     time.Time      `json:"last_active"`
	Messages       []Message      `json:"messages"`
	MemorySummary  string         `json:"memory_summary"`
	Preferences    map[string]any `json:"user_preferences"`
	RelevanceScore float64        `json:"context_relevance_score"`
	Metadata       Metadata       `json:"session_metadata"`
	TTL            time.Time      `json:"ttl"`
}

// Patch describes a field-level partial update. Nil fields are untouched.
type Patch struct {
	LastActive    *time.Time
	Messages      *[]Message
	MemorySummary *string
	Preferences   *map[string]any
}

// Store is the interface for session persistence.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id string) error

	// ListByUser returns all sessions owned by a user.
	ListByUser(ctx context.Context, userID string) ([]*Session, error)

	// ListIdleSince returns sessions whose LastActive is before the cutoff.
	ListIdleSince(ctx context.Context, cutoff time.Time) ([]*Session, error)

	// ApplyPatch performs a field-level partial update.
	ApplyPatch(ctx context.Context, id string, patch Patch) error

	// Count returns the total number of stored sessions.
	Count(ctx context.Context) (int, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
