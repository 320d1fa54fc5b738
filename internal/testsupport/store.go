package testsupport

import (
	"context"
	"testing"

	"lectern/internal/config"
	"lectern/internal/results"
)

// MustOpenStore opens the configured output store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) results.Store {
	t.Helper()

	store, err := results.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("results.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
