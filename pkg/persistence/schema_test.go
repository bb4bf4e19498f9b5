package persistence

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestReopenedDatabaseKeepsPragmas(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}

	// A reopen skips createSchema, so the settings must come from the DSN.
	db, err = InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("Failed to query foreign_keys pragma: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("Expected foreign_keys=1 on reopened database, got %d", foreignKeys)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode pragma: %v", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		t.Errorf("Expected journal_mode=wal on reopened database, got %q", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout pragma: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000 on reopened database, got %d", busyTimeout)
	}
}
