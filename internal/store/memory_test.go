package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	var kv KV = NewMemoryStore()

	if _, err := kv.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	buf := []byte("one")
	kv.Set(ctx, "x:a", buf)
	buf[0] = 'X'
	kv.Set(ctx, "x:b", []byte("two"))
	kv.Set(ctx, "y:c", []byte("three"))

	got, _ := kv.Get(ctx, "x:a")
	if string(got) != "one" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}

	keys, _ := kv.Keys(ctx, "x:")
	if len(keys) != 2 || keys[0] != "x:a" {
		t.Errorf("unexpected keys %v", keys)
	}

	kv.Delete(ctx, "x:a")
	if _, err := kv.Get(ctx, "x:a"); !errors.Is(err, ErrNotFound) {
		t.Error("expected key deleted")
	}
	if err := kv.Delete(ctx, "missing"); err != nil {
		t.Errorf("deleting a missing key: %v", err)
	}
}
