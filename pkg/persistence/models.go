package persistence

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autobuild/pkg/proto"
)

// Project represents one build target. Created when a build is
// initialized; immutable thereafter except concurrency and mode, which
// may be adjusted between pauses.
type Project struct {
	CreatedAt       time.Time `json:"created_at"`
	ID              string    `json:"id"`
	RootPath        string    `json:"root_path"`
	SpecFingerprint string    `json:"spec_fingerprint"`
	Mode            string    `json:"mode"`
	Concurrency     int       `json:"concurrency"`
	TestingRatio    float64   `json:"testing_ratio"`
}

// Feature represents one unit of work in a project's backlog.
//
//nolint:govet // struct alignment optimization not critical for this type
type Feature struct {
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	ID                string              `json:"id"`
	ProjectID         string              `json:"project_id"`
	Name              string              `json:"name"`
	Category          string              `json:"category"`
	Status            proto.FeatureStatus `json:"status"`
	AssignedSessionID *string             `json:"assigned_session_id,omitempty"`
	DependsOn         []string            `json:"depends_on,omitempty"`
	Attempts          int                 `json:"attempts"`
	MaxAttempts       int                 `json:"max_attempts"`
	Seq               int64               `json:"seq"` // Seed order, used for FIFO tie-breaking
}

// Session represents one running or finished agent invocation.
//
//nolint:govet // struct alignment optimization not critical for this type
type Session struct {
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	FeatureID string         `json:"feature_id"`
	Role      proto.Role     `json:"role"`
	Outcome   *proto.Outcome `json:"outcome,omitempty"`
	PID       int            `json:"pid,omitempty"` // Process handle, 0 when not process-backed
}

// StatusCounts aggregates a project's backlog by status. The invariant
// sum(counts) == total features seeded holds at all times.
type StatusCounts struct {
	ByStatus map[proto.FeatureStatus]int `json:"by_status"`
	Total    int                         `json:"total"`
	Blocked  int                         `json:"blocked"` // Pending features with unsatisfiable dependencies
}

// GenerateProjectID generates a new UUID for a project.
func GenerateProjectID() string {
	return uuid.New().String()
}

// GenerateSessionID generates a new UUID for a session.
func GenerateSessionID() string {
	return uuid.New().String()
}

// GenerateFeatureID generates an 8-character hex ID for a feature (like
// git short hashes).
func GenerateFeatureID() (string, error) {
	bytes := make([]byte, 4) // 4 bytes = 8 hex characters
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%x", bytes), nil
}

// SpecFingerprint hashes the feature-defining spec input so re-seeds with
// a different spec are detectable.
func SpecFingerprint(input *proto.SpecInput) string {
	h := sha256.New()
	for i := range input.Entries {
		entry := &input.Entries[i]
		fmt.Fprintf(h, "%s\x00%s\x00", entry.Name, entry.Category)
		for _, dep := range entry.DependsOn {
			fmt.Fprintf(h, "%s\x01", dep)
		}
	}
	for _, kw := range input.DomainKeywords {
		fmt.Fprintf(h, "%s\x02", kw)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
