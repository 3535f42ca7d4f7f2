package store

import (
	"os"
	"path/filepath"
	"testing"
)

// setupTestStore creates a temporary database for testing
func setupTestStore(t *testing.T) (*Store, string, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "genbroker-store-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "genbroker.db")
	store, err := NewStore(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("NewStore failed: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return store, dbPath, cleanup
}

func TestNewStore(t *testing.T) {
	store, dbPath, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("database file was not created at %s", dbPath)
	}

	for _, table := range []string{"credentials", "leases"} {
		var name string
		err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("failed to query sqlite_master for %s table: %v", table, err)
		}
	}

	var idx string
	err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_credentials_secret'").Scan(&idx)
	if err != nil {
		t.Errorf("idx_credentials_secret not found: %v", err)
	}
}

func TestNewStoreReopen(t *testing.T) {
	store, dbPath, cleanup := setupTestStore(t)
	defer cleanup()
	store.Close()

	// Migrations are idempotent.
	again, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	again.Close()
}
