package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rekal-dev/rekal/internal/embedding"
)

// testSpace returns a fixed embedding-space identity for tests
func testSpace() embedding.Identity {
	return embedding.Identity{Dim: 2, Provider: "test", Model: "m"}
}

// setupTestStore creates a temporary plaintext catalog for testing
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	var dbPath = filepath.Join(t.TempDir(), "test.db")
	var store, err = Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Failed to create test catalog: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// mustInsert inserts a record and fails the test on error
func mustInsert(t *testing.T, s *Store, rec InsertRecord) int64 {
	t.Helper()
	id, err := s.Insert(context.Background(), rec)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return id
}
