package artifacts

import (
	"context"
	"errors"
	"testing"
)

func TestFSStoreRoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Read(ctx, "specify", "item-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := store.Exists(ctx, "specify", "item-1")
	if err != nil || ok {
		t.Fatalf("Exists before write = %v, %v", ok, err)
	}

	payload := []byte(`{"sections":["intro"]}`)
	if err := store.Write(ctx, "specify", "item-1", payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := store.Read(ctx, "specify", "item-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Read = %q, want %q", got, payload)
	}
	ok, err = store.Exists(ctx, "specify", "item-1")
	if err != nil || !ok {
		t.Fatalf("Exists after write = %v, %v", ok, err)
	}

	// Overwrite is last-write-wins.
	if err := store.Write(ctx, "specify", "item-1", []byte("v2")); err != nil {
		t.Fatalf("Write overwrite: %v", err)
	}
	got, err = store.Read(ctx, "specify", "item-1")
	if err != nil || string(got) != "v2" {
		t.Fatalf("Read after overwrite = %q, %v", got, err)
	}
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Write(ctx, "..", "../../etc/passwd", []byte("nope")); err == nil {
		t.Fatal("expected error for escaping key")
	}
	if err := store.Write(ctx, "", "key", nil); err == nil {
		t.Fatal("expected error for empty namespace")
	}
	if err := store.Write(ctx, "ns", "", nil); err == nil {
		t.Fatal("expected error for empty key")
	}
}
