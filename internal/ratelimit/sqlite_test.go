package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "ratelimit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteBackendContract(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 4; i++ {
		if err := b.Add(ctx, "client-a", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Add(ctx, "client-b", base); err != nil {
		t.Fatal(err)
	}

	count, err := b.Count(ctx, "client-a")
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}

	// Prune is per-key: client-b keeps its entry.
	if err := b.Prune(ctx, "client-a", base.Add(90*time.Second)); err != nil {
		t.Fatal(err)
	}
	count, _ = b.Count(ctx, "client-a")
	if count != 2 {
		t.Errorf("count after prune = %d, want 2", count)
	}
	count, _ = b.Count(ctx, "client-b")
	if count != 1 {
		t.Errorf("other key count = %d, want 1", count)
	}
}

func TestSQLiteBackendExpire(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	if err := b.Add(ctx, "client-a", old); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(ctx, "client-a", time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := b.Expire(ctx, "client-a", time.Hour); err != nil {
		t.Fatal(err)
	}
	count, err := b.Count(ctx, "client-a")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count after expire = %d, want 1", count)
	}
}

func TestLimiterOverSQLiteBackend(t *testing.T) {
	b := newTestBackend(t)
	l := NewLimiter(
		Config{MaxRequests: 3, Window: time.Hour, Enabled: true},
		WithSharedBackend(b),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "client-a") {
			t.Fatalf("request %d rejected under budget", i+1)
		}
	}
	if l.Allow(ctx, "client-a") {
		t.Fatal("request over budget admitted")
	}
}
