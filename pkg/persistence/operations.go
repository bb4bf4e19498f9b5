package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	"autobuild/pkg/logx"
	"autobuild/pkg/proto"
)

// ErrProjectNotFound is returned when a requested project does not exist.
var ErrProjectNotFound = errors.New("project not found")

// ErrFeatureNotFound is returned when a requested feature does not exist.
var ErrFeatureNotFound = errors.New("feature not found")

// claimRetries bounds how often ClaimNext re-selects after losing a
// conditional update race to another claimer.
const claimRetries = 3

// Store provides feature-store operations backed by SQLite. All mutations
// go through conditional updates so that no two callers can both observe
// a feature as pending and both transition it.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewStore creates a Store on an initialized database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: logx.NewLogger("store"),
	}
}

// DB exposes the underlying connection for read-only diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertProject inserts or updates a project record.
func (s *Store) UpsertProject(project *Project) error {
	query := `
		INSERT INTO projects (id, root_path, spec_fingerprint, concurrency, testing_ratio, mode)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			root_path = excluded.root_path,
			spec_fingerprint = excluded.spec_fingerprint,
			concurrency = excluded.concurrency,
			testing_ratio = excluded.testing_ratio,
			mode = excluded.mode
	`

	_, err := s.db.Exec(query, project.ID, project.RootPath, project.SpecFingerprint,
		project.Concurrency, project.TestingRatio, project.Mode)
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", project.ID, err)
	}
	return nil
}

// GetProject returns a project by its ID.
func (s *Store) GetProject(projectID string) (*Project, error) {
	query := `SELECT id, root_path, spec_fingerprint, concurrency, testing_ratio, mode, created_at
		FROM projects WHERE id = ?`

	project := &Project{}
	err := s.db.QueryRow(query, projectID).Scan(
		&project.ID, &project.RootPath, &project.SpecFingerprint,
		&project.Concurrency, &project.TestingRatio, &project.Mode, &project.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", projectID, err)
	}
	return project, nil
}

// UpdateProjectSettings adjusts the tunable project settings. The caller
// (scheduler) is responsible for only doing this between pauses.
func (s *Store) UpdateProjectSettings(projectID string, concurrency int, testingRatio float64, mode string) error {
	result, err := s.db.Exec(`
		UPDATE projects SET concurrency = ?, testing_ratio = ?, mode = ? WHERE id = ?
	`, concurrency, testingRatio, mode, projectID)
	if err != nil {
		return fmt.Errorf("failed to update project settings for %s: %w", projectID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// SeedFeatures atomically replaces the project's backlog with the given
// spec input. Features already passing are preserved untouched, making
// re-seeds idempotent; non-terminal features absent from the new input
// are removed. Features are never deleted during a run; the caller
// refuses seeding while the run state is running.
//
//nolint:gocyclo,cyclop // Seeding intentionally handles every reseed case in one transaction.
func (s *Store) SeedFeatures(project *Project, input *proto.SpecInput, maxAttempts int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback() // Ignore rollback errors
		}
	}()

	// Upsert the project inside the same transaction.
	_, err = tx.Exec(`
		INSERT INTO projects (id, root_path, spec_fingerprint, concurrency, testing_ratio, mode)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			root_path = excluded.root_path,
			spec_fingerprint = excluded.spec_fingerprint,
			concurrency = excluded.concurrency,
			testing_ratio = excluded.testing_ratio,
			mode = excluded.mode
	`, project.ID, project.RootPath, project.SpecFingerprint,
		project.Concurrency, project.TestingRatio, project.Mode)
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", project.ID, err)
	}

	// Load the existing backlog keyed by name.
	type existing struct {
		id     string
		status proto.FeatureStatus
	}
	existingByName := make(map[string]existing)

	rows, err := tx.Query(`SELECT id, name, status FROM features WHERE project_id = ?`, project.ID)
	if err != nil {
		return fmt.Errorf("failed to query existing features: %w", err)
	}
	for rows.Next() {
		var id, name string
		var status proto.FeatureStatus
		if err = rows.Scan(&id, &name, &status); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan existing feature: %w", err)
		}
		existingByName[name] = existing{id: id, status: status}
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("row iteration error: %w", err)
	}
	_ = rows.Close()

	// Upsert every entry, preserving passing features across re-seeds.
	idByName := make(map[string]string, len(input.Entries))
	seeded := make(map[string]bool, len(input.Entries))

	for i := range input.Entries {
		entry := &input.Entries[i]
		seeded[entry.Name] = true
		seq := int64(i + 1)

		prev, exists := existingByName[entry.Name]
		switch {
		case exists && prev.status == proto.StatusPassing:
			// Idempotent re-seed: passing features stay untouched.
			idByName[entry.Name] = prev.id
			continue
		case exists:
			idByName[entry.Name] = prev.id
			_, err = tx.Exec(`
				UPDATE features SET
					category = ?,
					status = 'pending',
					attempts = 0,
					max_attempts = ?,
					assigned_session_id = NULL,
					seq = ?,
					updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
				WHERE id = ?
			`, entry.Category, maxAttempts, seq, prev.id)
			if err != nil {
				return fmt.Errorf("failed to reset feature %s: %w", entry.Name, err)
			}
			// Dependencies are re-declared below.
			_, err = tx.Exec(`DELETE FROM feature_dependencies WHERE feature_id = ?`, prev.id)
			if err != nil {
				return fmt.Errorf("failed to clear dependencies for %s: %w", entry.Name, err)
			}
		default:
			var featureID string
			featureID, err = GenerateFeatureID()
			if err != nil {
				return fmt.Errorf("failed to generate feature ID: %w", err)
			}
			idByName[entry.Name] = featureID
			_, err = tx.Exec(`
				INSERT INTO features (id, project_id, name, category, status, attempts, max_attempts, seq)
				VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
			`, featureID, project.ID, entry.Name, entry.Category, maxAttempts, seq)
			if err != nil {
				return fmt.Errorf("failed to insert feature %s: %w", entry.Name, err)
			}
		}
	}

	// Remove non-terminal features dropped from the new input. Passing
	// features survive even when the input no longer lists them.
	for name, prev := range existingByName {
		if seeded[name] || prev.status == proto.StatusPassing {
			continue
		}
		if _, err = tx.Exec(`DELETE FROM features WHERE id = ?`, prev.id); err != nil {
			return fmt.Errorf("failed to remove dropped feature %s: %w", name, err)
		}
	}

	// Declare dependencies. A dependency naming a feature in this input
	// resolves to its ID; anything else is stored verbatim and leaves the
	// dependent feature perpetually blocked.
	depQuery := `INSERT OR IGNORE INTO feature_dependencies (feature_id, depends_on) VALUES (?, ?)`
	for i := range input.Entries {
		entry := &input.Entries[i]
		featureID := idByName[entry.Name]
		for _, dep := range entry.DependsOn {
			target := dep
			if resolved, ok := idByName[dep]; ok {
				target = resolved
			}
			if target == featureID {
				continue // Self-dependency would violate the table CHECK
			}
			if _, err = tx.Exec(depQuery, featureID, target); err != nil {
				return fmt.Errorf("failed to add dependency %s -> %s: %w", entry.Name, dep, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed transaction: %w", err)
	}

	s.logger.Info("📦 Seeded %d features for project %s", len(input.Entries), project.ID)
	return nil
}

// claimableQuery selects the highest-priority claimable feature: pending,
// all dependencies passing, fewest prior attempts first, then seed order.
// The LEFT JOIN keeps features with unseeded dependencies out of the
// result (dep.id IS NULL means the dependency does not exist).
const claimableQuery = `
	SELECT f.id FROM features f
	WHERE f.project_id = ? AND f.status = 'pending'
	  AND NOT EXISTS (
	    SELECT 1 FROM feature_dependencies d
	    LEFT JOIN features dep ON dep.id = d.depends_on
	    WHERE d.feature_id = f.id
	      AND (dep.id IS NULL OR dep.status <> 'passing')
	  )
	ORDER BY f.attempts ASC, f.seq ASC
	LIMIT 1`

// ClaimNext atomically claims the highest-priority pending feature whose
// dependencies are all passing, stamping the session ID. Returns
// proto.ErrNoWorkAvailable when nothing is claimable. The claim-and-mark
// step is a single conditional UPDATE guarded by the expected prior
// status, so two concurrent claimers never obtain the same feature.
func (s *Store) ClaimNext(projectID, sessionID string) (*Feature, error) {
	for attempt := 0; attempt < claimRetries; attempt++ {
		var featureID string
		err := s.db.QueryRow(claimableQuery, projectID).Scan(&featureID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, proto.ErrNoWorkAvailable
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select claimable feature: %w", err)
		}

		result, err := s.db.Exec(`
			UPDATE features SET
				status = 'claimed',
				assigned_session_id = ?,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ? AND status = 'pending'
		`, sessionID, featureID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim feature %s: %w", featureID, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			// Another claimer won the race; re-select.
			s.logger.Debug("Claim race on feature %s, retrying", featureID)
			continue
		}

		return s.GetFeatureByID(featureID)
	}

	return nil, proto.ErrNoWorkAvailable
}

// HasClaimableWork reports whether some feature could be claimed right
// now, without claiming it. Used for completion detection.
func (s *Store) HasClaimableWork(projectID string) (bool, error) {
	var featureID string
	err := s.db.QueryRow(claimableQuery, projectID).Scan(&featureID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe claimable work: %w", err)
	}
	return true, nil
}

// MarkInProgress transitions a claimed feature to in_progress once its
// session actually starts. The session guard keeps a stale supervisor
// from touching a re-claimed feature.
func (s *Store) MarkInProgress(featureID, sessionID string) error {
	result, err := s.db.Exec(`
		UPDATE features SET
			status = 'in_progress',
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ? AND assigned_session_id = ? AND status = 'claimed'
	`, featureID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark feature %s in progress: %w", featureID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return proto.ErrClaimConflict
	}
	return nil
}

// RecordOutcome records a session's terminal result for its claimed
// feature. Success sets passing; failure and crash increment the attempt
// count and return the feature to pending until attempts reach the limit,
// after which it is terminally failed. The session guard makes recording
// exactly-once: a second recording (or one from a session that lost its
// claim) affects zero rows and surfaces proto.ErrClaimConflict.
func (s *Store) RecordOutcome(featureID, sessionID string, outcome proto.Outcome) (*Feature, error) {
	var query string
	switch outcome {
	case proto.OutcomeSuccess:
		query = `
			UPDATE features SET
				status = 'passing',
				assigned_session_id = NULL,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ? AND assigned_session_id = ? AND status IN ('claimed','in_progress')
		`
	case proto.OutcomeFailure, proto.OutcomeCrashed:
		query = `
			UPDATE features SET
				attempts = attempts + 1,
				status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
				assigned_session_id = NULL,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ? AND assigned_session_id = ? AND status IN ('claimed','in_progress')
		`
	default:
		return nil, fmt.Errorf("unknown outcome %q for feature %s", outcome, featureID)
	}

	result, err := s.db.Exec(query, featureID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to record outcome for feature %s: %w", featureID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, proto.ErrClaimConflict
	}

	if outcome == proto.OutcomeCrashed {
		s.logger.Warn("Session %s crashed while working feature %s", sessionID, featureID)
	}

	return s.GetFeatureByID(featureID)
}

// Counts returns the project's backlog aggregated by status, plus the
// derived blocked count. sum(by_status) always equals total.
func (s *Store) Counts(projectID string) (*StatusCounts, error) {
	counts := &StatusCounts{ByStatus: make(map[proto.FeatureStatus]int)}

	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM features WHERE project_id = ? GROUP BY status
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	defer func() {
		_ = rows.Close() // Ignore error - operation should not fail due to close error
	}()

	for rows.Next() {
		var status proto.FeatureStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts.ByStatus[status] = count
		counts.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	// Blocked: pending features with at least one dependency that can
	// never become passing (unseeded, failed, or skipped).
	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM features f
		WHERE f.project_id = ? AND f.status = 'pending'
		  AND EXISTS (
		    SELECT 1 FROM feature_dependencies d
		    LEFT JOIN features dep ON dep.id = d.depends_on
		    WHERE d.feature_id = f.id
		      AND (dep.id IS NULL OR dep.status IN ('failed','skipped'))
		  )
	`, projectID).Scan(&counts.Blocked)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocked count: %w", err)
	}

	return counts, nil
}

// GetFeatureByID returns a feature with its dependency set.
func (s *Store) GetFeatureByID(featureID string) (*Feature, error) {
	query := `
		SELECT id, project_id, name, category, status, attempts, max_attempts,
		       assigned_session_id, seq, created_at, updated_at
		FROM features WHERE id = ?
	`

	feature := &Feature{}
	err := s.db.QueryRow(query, featureID).Scan(
		&feature.ID, &feature.ProjectID, &feature.Name, &feature.Category,
		&feature.Status, &feature.Attempts, &feature.MaxAttempts,
		&feature.AssignedSessionID, &feature.Seq, &feature.CreatedAt, &feature.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeatureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature %s: %w", featureID, err)
	}

	deps, err := s.GetFeatureDependencies(featureID)
	if err != nil {
		return nil, err
	}
	feature.DependsOn = deps

	return feature, nil
}

// GetFeatureDependencies returns all dependency targets for a feature.
func (s *Store) GetFeatureDependencies(featureID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT depends_on FROM feature_dependencies WHERE feature_id = ?`, featureID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for feature %s: %w", featureID, err)
	}
	defer func() {
		_ = rows.Close() // Ignore error - operation should not fail due to close error
	}()

	var dependencies []string
	for rows.Next() {
		var dependsOn string
		if err := rows.Scan(&dependsOn); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		dependencies = append(dependencies, dependsOn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return dependencies, nil
}

// ListFeatures returns the project's features in seed order.
func (s *Store) ListFeatures(projectID string) ([]*Feature, error) {
	query := `
		SELECT id, project_id, name, category, status, attempts, max_attempts,
		       assigned_session_id, seq, created_at, updated_at
		FROM features WHERE project_id = ? ORDER BY seq ASC
	`

	rows, err := s.db.Query(query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query features: %w", err)
	}
	defer func() {
		_ = rows.Close() // Ignore error - operation should not fail due to close error
	}()

	var features []*Feature
	for rows.Next() {
		feature := &Feature{}
		err := rows.Scan(
			&feature.ID, &feature.ProjectID, &feature.Name, &feature.Category,
			&feature.Status, &feature.Attempts, &feature.MaxAttempts,
			&feature.AssignedSessionID, &feature.Seq, &feature.CreatedAt, &feature.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		features = append(features, feature)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return features, nil
}

// ResetStaleClaims returns claimed/in_progress features to pending. Used
// on startup recovery: any claim surviving a process restart belongs to a
// session that no longer exists.
func (s *Store) ResetStaleClaims(projectID string) (int, error) {
	result, err := s.db.Exec(`
		UPDATE features SET
			status = 'pending',
			assigned_session_id = NULL,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE project_id = ? AND status IN ('claimed','in_progress')
	`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale claims: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Warn("Reset %d stale claims for project %s", rowsAffected, projectID)
	}
	return int(rowsAffected), nil
}
