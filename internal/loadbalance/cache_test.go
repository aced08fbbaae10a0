package loadbalance

import (
	"testing"
	"time"
)

func TestCacheGetMissThenPutHit(t *testing.T) {
	c := NewSelectionCache(time.Minute, 0)

	if _, ok := c.Get("gpt", nil); ok {
		t.Fatalf("expected miss on empty cache")
	}

	c.Put("gpt", nil, "openai:gpt-4")
	key, ok := c.Get("gpt", nil)
	if !ok || key != "openai:gpt-4" {
		t.Fatalf("expected hit with openai:gpt-4, got %q ok=%v", key, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", stats)
	}
}

func TestCacheKeyIncludesSortedTags(t *testing.T) {
	c := NewSelectionCache(time.Minute, 0)
	c.Put("gpt", []string{"b", "a"}, "openai:gpt-4")

	key, ok := c.Get("gpt", []string{"a", "b"})
	if !ok || key != "openai:gpt-4" {
		t.Fatalf("expected tag order to be normalized, got %q ok=%v", key, ok)
	}

	if _, ok := c.Get("gpt", []string{"a"}); ok {
		t.Fatalf("expected a different tag set to miss")
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	c := NewSelectionCache(10*time.Millisecond, 0)
	c.Put("gpt", nil, "openai:gpt-4")

	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("gpt", nil); ok {
		t.Fatalf("expected entry to have expired")
	}
}

func TestInvalidateRemovesAllEntriesForModel(t *testing.T) {
	c := NewSelectionCache(time.Minute, 0)
	c.Put("gpt", nil, "openai:gpt-4")
	c.Put("gpt", []string{"gold"}, "openai:gpt-4-pro")
	c.Put("claude", nil, "anthropic:claude-3")

	c.Invalidate("gpt")

	if _, ok := c.Get("gpt", nil); ok {
		t.Fatalf("expected gpt entry to be invalidated")
	}
	if _, ok := c.Get("gpt", []string{"gold"}); ok {
		t.Fatalf("expected tagged gpt entry to be invalidated")
	}
	if _, ok := c.Get("claude", nil); !ok {
		t.Fatalf("expected claude entry to survive")
	}
}

func TestInvalidateBackendRemovesMatchingEntriesOnly(t *testing.T) {
	c := NewSelectionCache(time.Minute, 0)
	c.Put("gpt", nil, "openai:gpt-4")
	c.Put("claude", nil, "anthropic:claude-3")

	c.InvalidateBackend("openai:gpt-4")

	if _, ok := c.Get("gpt", nil); ok {
		t.Fatalf("expected entry pointing at invalidated backend to be removed")
	}
	if _, ok := c.Get("claude", nil); !ok {
		t.Fatalf("expected unrelated entry to survive")
	}
}
