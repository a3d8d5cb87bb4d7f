package session

import (
	"context"
	"testing"
)

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	store, err := NewStore(ctx, Config{Store: "file", BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if _, ok := store.(*FileBackend); !ok {
		t.Errorf("got %T, want *FileBackend", store)
	}
	_ = store.Close()

	if _, err := NewStore(ctx, Config{Store: "postgres"}); err == nil {
		t.Error("expected error for unknown store")
	}
	if _, err := NewStore(ctx, Config{Store: "redis", Redis: RedisSettings{Addr: "localhost:1", Retention: "soon"}}); err == nil {
		t.Error("expected error for bad retention")
	}
}

func TestDefaultConfig(t *testing.T) {
	if DefaultConfig().Store != "file" {
		t.Errorf("default store = %q", DefaultConfig().Store)
	}
}
