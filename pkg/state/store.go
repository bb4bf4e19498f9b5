// Package state persists run-state checkpoints as JSON files so a
// restarted orchestrator knows whether a project was mid-run.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autobuild/pkg/proto"
)

// Checkpoint is one persisted run-state record.
type Checkpoint struct {
	SavedAt   time.Time      `json:"saved_at"`
	ProjectID string         `json:"project_id"`
	RunState  proto.RunState `json:"run_state"`
}

// Store manages run-state checkpoint files under a base directory.
type Store struct {
	baseDir string
}

// NewStore creates a checkpoint store, creating baseDir if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Save writes the project's run state. The write goes through a temp
// file and rename so a crash never leaves a torn checkpoint.
func (s *Store) Save(projectID string, runState proto.RunState) error {
	if projectID == "" {
		return fmt.Errorf("projectID cannot be empty")
	}

	checkpoint := Checkpoint{
		SavedAt:   time.Now().UTC(),
		ProjectID: projectID,
		RunState:  runState,
	}

	jsonData, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint for %s: %w", projectID, err)
	}

	filename := s.filename(projectID)
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, jsonData, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint for %s: %w", projectID, err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to commit checkpoint for %s: %w", projectID, err)
	}
	return nil
}

// Load returns the project's persisted run state. The second return
// value is false when no checkpoint exists.
func (s *Store) Load(projectID string) (*Checkpoint, bool, error) {
	if projectID == "" {
		return nil, false, fmt.Errorf("projectID cannot be empty")
	}

	fileData, err := os.ReadFile(s.filename(projectID))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read checkpoint for %s: %w", projectID, err)
	}

	checkpoint := &Checkpoint{}
	if err := json.Unmarshal(fileData, checkpoint); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal checkpoint for %s: %w", projectID, err)
	}
	return checkpoint, true, nil
}

// Delete removes the project's checkpoint. Deleting a missing checkpoint
// is not an error.
func (s *Store) Delete(projectID string) error {
	if projectID == "" {
		return fmt.Errorf("projectID cannot be empty")
	}

	err := os.Remove(s.filename(projectID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint for %s: %w", projectID, err)
	}
	return nil
}

// ListProjects returns the IDs of projects with a checkpoint on disk.
func (s *Store) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var projectIDs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "RUN_") && strings.HasSuffix(name, ".json") {
			projectIDs = append(projectIDs, strings.TrimSuffix(strings.TrimPrefix(name, "RUN_"), ".json"))
		}
	}
	return projectIDs, nil
}

func (s *Store) filename(projectID string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("RUN_%s.json", projectID))
}
