package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	"autobuild/pkg/proto"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// CreateSession records the start of an agent invocation.
func (s *Store) CreateSession(session *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, project_id, feature_id, role, pid)
		VALUES (?, ?, ?, ?, ?)
	`, session.ID, session.ProjectID, session.FeatureID, session.Role, session.PID)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

// FinishSession stamps a session's terminal outcome and end time. A
// session is finished at most once; a second call affects zero rows and
// returns ErrSessionNotFound.
func (s *Store) FinishSession(sessionID string, outcome proto.Outcome) error {
	result, err := s.db.Exec(`
		UPDATE sessions SET
			outcome = ?,
			ended_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ? AND ended_at IS NULL
	`, outcome, sessionID)
	if err != nil {
		return fmt.Errorf("failed to finish session %s: %w", sessionID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession returns a session by ID.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	session := &Session{}
	err := s.db.QueryRow(`
		SELECT id, project_id, feature_id, role, started_at, ended_at, outcome, pid
		FROM sessions WHERE id = ?
	`, sessionID).Scan(
		&session.ID, &session.ProjectID, &session.FeatureID, &session.Role,
		&session.StartedAt, &session.EndedAt, &session.Outcome, &session.PID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return session, nil
}

// ActiveSessionCount returns the number of unfinished sessions for a
// project.
func (s *Store) ActiveSessionCount(projectID string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM sessions WHERE project_id = ? AND ended_at IS NULL
	`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// ListActiveSessions returns unfinished sessions for a project, oldest
// first. Used for crash detection and startup reaping.
func (s *Store) ListActiveSessions(projectID string) ([]*Session, error) {
	return s.querySessions(`
		SELECT id, project_id, feature_id, role, started_at, ended_at, outcome, pid
		FROM sessions WHERE project_id = ? AND ended_at IS NULL
		ORDER BY started_at ASC
	`, projectID)
}

// ListSessions returns a project's sessions, newest first, up to limit.
func (s *Store) ListSessions(projectID string, limit int) ([]*Session, error) {
	return s.querySessions(`
		SELECT id, project_id, feature_id, role, started_at, ended_at, outcome, pid
		FROM sessions WHERE project_id = ?
		ORDER BY started_at DESC LIMIT ?
	`, projectID, limit)
}

func (s *Store) querySessions(query string, args ...any) ([]*Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() {
		_ = rows.Close() // Ignore error - operation should not fail due to close error
	}()

	var sessions []*Session
	for rows.Next() {
		session := &Session{}
		err := rows.Scan(
			&session.ID, &session.ProjectID, &session.FeatureID, &session.Role,
			&session.StartedAt, &session.EndedAt, &session.Outcome, &session.PID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return sessions, nil
}

// EvictSessionHistory deletes finished sessions beyond the newest keep
// entries. Active sessions are never evicted. Returns the number removed.
func (s *Store) EvictSessionHistory(projectID string, keep int) (int, error) {
	result, err := s.db.Exec(`
		DELETE FROM sessions
		WHERE project_id = ? AND ended_at IS NOT NULL
		  AND id NOT IN (
		    SELECT id FROM sessions
		    WHERE project_id = ? AND ended_at IS NOT NULL
		    ORDER BY ended_at DESC LIMIT ?
		  )
	`, projectID, projectID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to evict session history: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Debug("Evicted %d finished sessions for project %s", rowsAffected, projectID)
	}
	return int(rowsAffected), nil
}
