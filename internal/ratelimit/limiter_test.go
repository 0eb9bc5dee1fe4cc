package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAllowWithinBudget(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 3, Window: time.Hour, Enabled: true})
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

func TestClientsIsolated(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 1, Window: time.Hour, Enabled: true})
	ctx := context.Background()

	if !l.Allow(ctx, "client-a") {
		t.Fatal("first client rejected")
	}
	if !l.Allow(ctx, "client-b") {
		t.Fatal("second client rejected by first client's budget")
	}
}

func TestDisabledAdmitsEverything(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 1, Window: time.Hour, Enabled: false})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if !l.Allow(ctx, "client-a") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestWindowSlides(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 2, Window: time.Hour, Enabled: true})
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 2; i++ {
		allowed, err := l.allowOn(ctx, l.local, "client-a", base)
		if err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	if allowed, _ := l.allowOn(ctx, l.local, "client-a", base.Add(time.Minute)); allowed {
		t.Fatal("admitted inside a full window")
	}

	// Past the window the earlier entries are pruned.
	later := base.Add(l.config.Window + time.Minute)
	allowed, err := l.allowOn(ctx, l.local, "client-a", later)
	if err != nil || !allowed {
		t.Fatalf("after window: allowed=%v err=%v", allowed, err)
	}
}

// failingBackend errors on every call.
type failingBackend struct{}

var errBackendDown = errors.New("backend down")

func (failingBackend) Prune(context.Context, string, time.Time) error { return errBackendDown }
func (failingBackend) Count(context.Context, string) (int, error)     { return 0, errBackendDown }
func (failingBackend) Add(context.Context, string, time.Time) error   { return errBackendDown }
func (failingBackend) Expire(context.Context, string, time.Duration) error {
	return errBackendDown
}

func TestSharedBackendFallback(t *testing.T) {
	var fallbackKey string
	var fallbackErr error
	l := NewLimiter(
		Config{MaxRequests: 2, Window: time.Hour, Enabled: true},
		WithSharedBackend(failingBackend{}),
		WithFallbackHook(func(key string, err error) {
			fallbackKey = key
			fallbackErr = err
		}),
	)
	ctx := context.Background()

	// The shared backend fails, so admission runs on the local window.
	for i := 0; i < 2; i++ {
		if !l.Allow(ctx, "client-a") {
			t.Fatalf("request %d rejected during fallback", i+1)
		}
	}
	if l.Allow(ctx, "client-a") {
		t.Fatal("local fallback did not enforce the budget")
	}

	if fallbackKey != "client-a" {
		t.Errorf("fallback hook key = %q, want client-a", fallbackKey)
	}
	if !errors.Is(fallbackErr, errBackendDown) {
		t.Errorf("fallback hook error = %v, want errBackendDown", fallbackErr)
	}
	if got := l.StorageMode(); got != "shared" {
		t.Errorf("StorageMode() = %q, want shared", got)
	}
}

func TestMemoryBackendPrune(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		if err := b.Add(ctx, "k", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Prune(ctx, "k", base.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	count, err := b.Count(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("count after prune = %d, want 2", count)
	}
}
