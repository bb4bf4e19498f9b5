// Package persistence provides SQLite-based storage for projects,
// features, and sessions. The feature store is the sole source of truth
// for backlog state.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"autobuild/pkg/proto"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// InitializeDatabase creates and initializes the SQLite database with the
// required schema. This function is idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	// Open database connection with WAL mode and busy timeout. The
	// _pragma form is the one the modernc driver applies per connection,
	// so reopened databases get the same settings as fresh ones.
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection with a simple ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema with migrations
	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// If database is empty (version 0), create fresh schema
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}

		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return migrateToVersion1(db)
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion1 is a placeholder; version 1 databases are created
// fresh by createSchema.
func migrateToVersion1(_ *sql.DB) error { return nil }

// migrateToVersion2 adds the process handle to sessions so orphaned agent
// processes can be reaped after a restart.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE sessions ADD COLUMN pid INTEGER NOT NULL DEFAULT 0",
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}

	return nil
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Projects table
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			root_path TEXT NOT NULL DEFAULT '',
			spec_fingerprint TEXT NOT NULL DEFAULT '',
			concurrency INTEGER NOT NULL DEFAULT 1,
			testing_ratio REAL NOT NULL DEFAULT 0.0,
			mode TEXT NOT NULL DEFAULT 'standard' CHECK (mode IN ('standard', 'fast')),
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Features table. assigned_session_id is non-null iff status is
		// claimed or in_progress.
		`CREATE TABLE IF NOT EXISTS features (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('` +
			string(proto.StatusPending) + `','` + string(proto.StatusClaimed) + `','` +
			string(proto.StatusInProgress) + `','` + string(proto.StatusPassing) + `','` +
			string(proto.StatusFailed) + `','` + string(proto.StatusSkipped) + `')),
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			assigned_session_id TEXT,
			seq INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			UNIQUE (project_id, name),
			CHECK ((assigned_session_id IS NOT NULL) = (status IN ('claimed','in_progress')))
		)`,

		// Feature dependencies junction table. depends_on deliberately has
		// no foreign key: a dependency may reference an unseeded feature,
		// which makes the dependent feature perpetually blocked.
		`CREATE TABLE IF NOT EXISTS feature_dependencies (
			feature_id TEXT NOT NULL REFERENCES features(id) ON DELETE CASCADE,
			depends_on TEXT NOT NULL,
			PRIMARY KEY (feature_id, depends_on),
			CHECK (feature_id <> depends_on)
		)`,

		// Sessions table: bounded history of agent invocations
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			feature_id TEXT NOT NULL REFERENCES features(id),
			role TEXT NOT NULL CHECK (role IN ('coding','testing')),
			started_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			ended_at DATETIME,
			outcome TEXT CHECK (outcome IN ('success','failure','crashed')),
			pid INTEGER NOT NULL DEFAULT 0
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_features_project ON features(project_id)",
		"CREATE INDEX IF NOT EXISTS idx_features_status ON features(status)",
		"CREATE INDEX IF NOT EXISTS idx_features_session ON features(assigned_session_id)",
		"CREATE INDEX IF NOT EXISTS idx_depends_on ON feature_dependencies(depends_on)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_feature ON sessions(feature_id)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO schema_version (version) VALUES (?)
	`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	// First ensure the schema_version table exists
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // No version set yet
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
