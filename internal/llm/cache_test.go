package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func countingGenerator(calls *atomic.Int64, text string) Generator {
	return GenerateFunc(func(ctx context.Context, prompt, systemPrompt string) (string, error) {
		calls.Add(1)
		return text, nil
	})
}

func TestCachingGeneratorServesRepeats(t *testing.T) {
	var calls atomic.Int64
	g := NewCachingGenerator(countingGenerator(&calls, "respuesta"), time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		text, err := g.Generate(ctx, "prompt", "system")
		if err != nil {
			t.Fatal(err)
		}
		if text != "respuesta" {
			t.Fatalf("text = %q", text)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("inner generator called %d times, want 1", calls.Load())
	}
}

func TestCachingGeneratorKeysOnBothPrompts(t *testing.T) {
	var calls atomic.Int64
	g := NewCachingGenerator(countingGenerator(&calls, "respuesta"), time.Minute, nil)
	ctx := context.Background()

	g.Generate(ctx, "prompt", "system a")
	g.Generate(ctx, "prompt", "system b")
	g.Generate(ctx, "otro prompt", "system a")

	if calls.Load() != 3 {
		t.Errorf("inner generator called %d times, want 3", calls.Load())
	}
}

func TestCachingGeneratorExpires(t *testing.T) {
	var calls atomic.Int64
	g := NewCachingGenerator(countingGenerator(&calls, "respuesta"), 10*time.Millisecond, nil)
	ctx := context.Background()

	g.Generate(ctx, "prompt", "")
	time.Sleep(20 * time.Millisecond)
	g.Generate(ctx, "prompt", "")

	if calls.Load() != 2 {
		t.Errorf("inner generator called %d times, want 2 after TTL", calls.Load())
	}
}

func TestCachingGeneratorDoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int64
	failing := GenerateFunc(func(ctx context.Context, prompt, systemPrompt string) (string, error) {
		calls.Add(1)
		return "", errors.New("boom")
	})
	g := NewCachingGenerator(failing, time.Minute, nil)
	ctx := context.Background()

	g.Generate(ctx, "prompt", "")
	g.Generate(ctx, "prompt", "")
	if calls.Load() != 2 {
		t.Errorf("inner generator called %d times, want 2 (errors must not cache)", calls.Load())
	}
}
