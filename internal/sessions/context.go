package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/medellinbot/orchestrator/internal/observability"
)

// Context is the bounded conversation window handed to classification and
// dispatch. RecentMessages includes the incoming message appended in memory;
// it is not persisted until Commit.
type Context struct {
	SessionID      string         `json:"session_id"`
	RecentMessages []Message      `json:"recent_messages"`
	MemorySummary  string         `json:"memory_summary"`
	Preferences    map[string]any `json:"user_preferences"`
	RelevanceScore float64        `json:"context_relevance_score"`
}

// ContextManager builds conversation windows and persists the authoritative
// history after a turn completes.
//
// Load-then-Commit is a read-modify-write with no cross-request lock: two
// concurrent turns on one session can each read the same base window, and
// the second Commit overwrites the first's append (last-writer-wins). Left
// as-is deliberately; see DESIGN.md.
type ContextManager struct {
	store      Store
	maxHistory int
	logger     *observability.Logger
	nowFunc    func() time.Time
}

// NewContextManager creates a context manager over the shared session store.
func NewContextManager(store Store, maxHistory int, logger *observability.Logger) *ContextManager {
	if maxHistory <= 0 {
		maxHistory = DefaultManagerConfig().MaxHistory
	}
	return &ContextManager{
		store:      store,
		maxHistory: maxHistory,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// SetNowFunc sets a custom time source for testing.
func (c *ContextManager) SetNowFunc(fn func() time.Time) {
	c.nowFunc = fn
}

// Load returns the conversation window for a session with the incoming
// message appended (un-persisted). A missing session yields an empty
// context rather than an error, matching the tolerant read path.
func (c *ContextManager) Load(ctx context.Context, sessionID, incoming string) (*Context, error) {
	out := &Context{
		SessionID:      sessionID,
		RecentMessages: []Message{},
		Preferences:    map[string]any{},
	}

	session, err := c.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			out.RecentMessages = append(out.RecentMessages, c.incomingMessage(incoming))
			return out, nil
		}
		return nil, err
	}

	messages := session.Messages
	if len(messages) > c.maxHistory {
		messages = messages[len(messages)-c.maxHistory:]
	}
	out.RecentMessages = append(out.RecentMessages, messages...)
	out.RecentMessages = append(out.RecentMessages, c.incomingMessage(incoming))
	out.MemorySummary = session.MemorySummary
	if session.Preferences != nil {
		out.Preferences = session.Preferences
	}
	out.RelevanceScore = session.RelevanceScore
	return out, nil
}

// Commit persists the updated message history and, when non-empty, a new
// memory summary. This is the only mutation path for message history.
func (c *ContextManager) Commit(ctx context.Context, sessionID string, messages []Message, summary string) error {
	if len(messages) > c.maxHistory {
		messages = messages[len(messages)-c.maxHistory:]
	}
	now := c.nowFunc()
	patch := Patch{
		LastActive: &now,
		Messages:   &messages,
	}
	if summary != "" {
		patch.MemorySummary = &summary
	}
	if err := c.store.ApplyPatch(ctx, sessionID, patch); err != nil {
		return err
	}
	return nil
}

func (c *ContextManager) incomingMessage(text string) Message {
	return Message{
		Role:      RoleUser,
		Text:      text,
		Timestamp: c.nowFunc(),
	}
}
