package testsupport

import (
	"context"
	"testing"

	"loom/internal/artifacts"
	"loom/internal/config"
	"loom/internal/queue"
	"loom/internal/review"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenReviewStore opens a review session store for tests and registers
// cleanup.
func MustOpenReviewStore(t testing.TB, cfg *config.Config) *review.SQLiteStore {
	t.Helper()

	store, err := review.OpenStore(cfg)
	if err != nil {
		t.Fatalf("review.OpenStore: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenArtifacts opens the filesystem artifact store for tests.
func MustOpenArtifacts(t testing.TB, cfg *config.Config) *artifacts.FSStore {
	t.Helper()

	store, err := artifacts.NewFSStore(cfg.Paths.ArtifactsDir)
	if err != nil {
		t.Fatalf("artifacts.NewFSStore: %v", err)
	}
	return store
}

// Submit enqueues a work item for tests using the provided store.
func Submit(t testing.TB, store *queue.Store, sourceKey string) *queue.Item {
	t.Helper()

	item, _, err := store.Submit(context.Background(), "uploads", sourceKey, "")
	if err != nil {
		t.Fatalf("store.Submit: %v", err)
	}
	return item
}
