package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLStore implements Store on database/sql. It backs both the SQLite and
// Postgres drivers; the only dialect difference is placeholder style.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

func newSQLStore(db *sql.DB, postgres bool) (*SQLStore, error) {
	s := &SQLStore{db: db, postgres: postgres}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			chat_id         TEXT NOT NULL,
			created_at      TIMESTAMP NOT NULL,
			last_active     TIMESTAMP NOT NULL,
			messages        TEXT NOT NULL DEFAULT '[]',
			memory_summary  TEXT NOT NULL DEFAULT '',
			preferences     TEXT NOT NULL DEFAULT '{}',
			relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata        TEXT NOT NULL DEFAULT '{}',
			ttl             TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id)`)
	if err != nil {
		return fmt.Errorf("migrate sessions index: %w", err)
	}
	return nil
}

// q rewrites ? placeholders to $N for Postgres.
func (s *SQLStore) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Create(ctx context.Context, session *Session) error {
	messages, preferences, metadata, err := marshalSessionFields(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (id, user_id, chat_id, created_at, last_active,
			messages, memory_summary, preferences, relevance_score, metadata, ttl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		session.ID, session.UserID, session.ChatID,
		session.CreatedAt.UTC(), session.LastActive.UTC(),
		messages, session.MemorySummary, preferences,
		session.RelevanceScore, metadata, session.TTL.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, user_id, chat_id, created_at, last_active,
			messages, memory_summary, preferences, relevance_score, metadata, ttl
		FROM sessions WHERE id = ?`), id)
	return scanSession(row)
}

func (s *SQLStore) Update(ctx context.Context, session *Session) error {
	messages, preferences, metadata, err := marshalSessionFields(session)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE sessions SET last_active = ?, messages = ?, memory_summary = ?,
			preferences = ?, relevance_score = ?, metadata = ?
		WHERE id = ?`),
		session.LastActive.UTC(), messages, session.MemorySummary,
		preferences, session.RelevanceScore, metadata, session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, user_id, chat_id, created_at, last_active,
			messages, memory_summary, preferences, relevance_score, metadata, ttl
		FROM sessions WHERE user_id = ?`), userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by user: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLStore) ListIdleSince(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, user_id, chat_id, created_at, last_active,
			messages, memory_summary, preferences, relevance_score, metadata, ttl
		FROM sessions WHERE last_active < ?`), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLStore) ApplyPatch(ctx context.Context, id string, patch Patch) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if patch.LastActive != nil {
		sets = append(sets, "last_active = ?")
		args = append(args, patch.LastActive.UTC())
	}
	if patch.Messages != nil {
		data, err := json.Marshal(*patch.Messages)
		if err != nil {
			return fmt.Errorf("marshal messages: %w", err)
		}
		sets = append(sets, "messages = ?")
		args = append(args, string(data))
	}
	if patch.MemorySummary != nil {
		sets = append(sets, "memory_summary = ?")
		args = append(args, *patch.MemorySummary)
	}
	if patch.Preferences != nil {
		data, err := json.Marshal(*patch.Preferences)
		if err != nil {
			return fmt.Errorf("marshal preferences: %w", err)
		}
		sets = append(sets, "preferences = ?")
		args = append(args, string(data))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("patch session: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// Ping verifies database connectivity, for health checks.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func marshalSessionFields(session *Session) (messages, preferences, metadata string, err error) {
	msgs := session.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal messages: %w", err)
	}
	messages = string(data)

	prefs := session.Preferences
	if prefs == nil {
		prefs = map[string]any{}
	}
	data, err = json.Marshal(prefs)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal preferences: %w", err)
	}
	preferences = string(data)

	data, err = json.Marshal(session.Metadata)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal metadata: %w", err)
	}
	metadata = string(data)
	return messages, preferences, metadata, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session                         Session
		messages, preferences, metadata string
	)
	err := row.Scan(&session.ID, &session.UserID, &session.ChatID,
		&session.CreatedAt, &session.LastActive,
		&messages, &session.MemorySummary, &preferences,
		&session.RelevanceScore, &metadata, &session.TTL)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(messages), &session.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	if err := json.Unmarshal([]byte(preferences), &session.Preferences); err != nil {
		return nil, fmt.Errorf("unmarshal preferences: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &session, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
