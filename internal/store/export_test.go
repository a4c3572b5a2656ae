package store

import (
	"context"
	"testing"
)

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)

	src.Set(ctx, "context:chat:1", []byte("a1"))
	src.Set(ctx, "context:chat:1", []byte("a2"))
	src.Set(ctx, "working-memory:chat:1", []byte("w"))
	src.Set(ctx, "memory:notes", []byte("n"))

	entries, err := src.ExportAll(ctx, "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected latest of 3 keys, got %d", len(entries))
	}
	if entries[0].Key != "context:chat:1" || entries[0].Value != "a2" {
		t.Errorf("unexpected first entry %+v", entries[0])
	}

	only, _ := src.ExportAll(ctx, "memory:")
	if len(only) != 1 {
		t.Errorf("expected 1 entry under prefix, got %d", len(only))
	}

	dst := newTestStore(t)
	n, err := dst.Import(ctx, entries)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 imported, got %d", n)
	}
	got, _ := dst.Get(ctx, "working-memory:chat:1")
	if string(got) != "w" {
		t.Errorf("expected 'w', got %q", got)
	}

	st, _ := dst.Stats(ctx, "")
	if len(st.Kinds) != 3 {
		t.Errorf("expected 3 kinds, got %+v", st.Kinds)
	}
}
