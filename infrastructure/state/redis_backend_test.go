package state

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestRedisBackend exercises RedisBackend against a live Redis instance.
// It is skipped unless LIVECALC_TEST_REDIS_ADDR is set, since the module's
// test suite otherwise runs without any external services.
func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("LIVECALC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIVECALC_TEST_REDIS_ADDR not set, skipping live redis test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	backend, err := NewRedisBackend(ctx, RedisBackendConfig{Addr: addr})
	if err != nil {
		t.Fatalf("NewRedisBackend failed: %v", err)
	}
	defer backend.Close(ctx)

	key := "breakpoint:test-node"
	if err := backend.Save(ctx, key, []byte("pause")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := backend.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(data) != "pause" {
		t.Fatalf("expected 'pause', got %q", string(data))
	}

	keys, err := backend.List(ctx, "breakpoint:")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	found := false
	for _, k := range keys {
		if k == key {
			found = true
		}
	}
	if !found {
		t.Fatal("expected key to be present in List result")
	}

	if err := backend.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := backend.Load(ctx, key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestBreakpointConfig(t *testing.T) {
	backend := NewMemoryBackend(0)
	cfg := BreakpointConfig(backend)

	if cfg.KeyPrefix != "breakpoint:" {
		t.Errorf("KeyPrefix = %q, want breakpoint:", cfg.KeyPrefix)
	}
	if cfg.MaxSize != 4096 {
		t.Errorf("MaxSize = %d, want 4096", cfg.MaxSize)
	}

	ps, err := NewPersistentState(cfg)
	if err != nil {
		t.Fatalf("NewPersistentState failed: %v", err)
	}

	ctx := context.Background()
	if err := ps.Save(ctx, "node-a", []byte("pause")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := ps.Load(ctx, "node-a")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(data) != "pause" {
		t.Fatalf("expected 'pause', got %q", string(data))
	}
}
