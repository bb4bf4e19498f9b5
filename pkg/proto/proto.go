// Package proto defines the shared vocabulary of the build orchestrator:
// feature statuses, session roles and outcomes, run states, progress
// snapshots, and the error taxonomy used across components.
package proto

import (
	"errors"
	"time"
)

// FeatureStatus represents the lifecycle state of a feature.
type FeatureStatus string

const (
	StatusPending    FeatureStatus = "pending"
	StatusClaimed    FeatureStatus = "claimed"
	StatusInProgress FeatureStatus = "in_progress"
	StatusPassing    FeatureStatus = "passing"
	StatusFailed     FeatureStatus = "failed"
	StatusSkipped    FeatureStatus = "skipped"
)

// ValidStatuses returns all valid feature statuses.
func ValidStatuses() []FeatureStatus {
	return []FeatureStatus{
		StatusPending,
		StatusClaimed,
		StatusInProgress,
		StatusPassing,
		StatusFailed,
		StatusSkipped,
	}
}

// IsValidStatus checks if a status string is valid.
func IsValidStatus(status FeatureStatus) bool {
	for _, validStatus := range ValidStatuses() {
		if status == validStatus {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a feature in this status can never be
// claimed again.
func IsTerminalStatus(status FeatureStatus) bool {
	return status == StatusPassing || status == StatusFailed || status == StatusSkipped
}

// Role identifies what kind of agent session works a feature.
type Role string

const (
	RoleCoding  Role = "coding"
	RoleTesting Role = "testing"
)

// Outcome is the terminal result of a session.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeCrashed Outcome = "crashed"
)

// RunState represents the scheduler's lifecycle for one project.
type RunState string

const (
	RunStateIdle     RunState = "idle"
	RunStateRunning  RunState = "running"
	RunStatePaused   RunState = "paused"
	RunStateStopping RunState = "stopping"
	RunStateStopped  RunState = "stopped"
)

// Mode selects the scheduling profile for a run.
type Mode string

const (
	// ModeStandard dispatches coding sessions plus testing sessions per
	// the configured testing ratio.
	ModeStandard Mode = "standard"
	// ModeFast skips testing sessions entirely.
	ModeFast Mode = "fast"
)

// Error taxonomy. Feature-level failures are recovered locally and never
// surface through these; only control-command misuse and seed-time or
// invariant breaches do.
var (
	// ErrSpecMismatch is returned when seeding is refused because the
	// candidate feature set doesn't match the project's declared domain.
	ErrSpecMismatch = errors.New("spec mismatch")
	// ErrNoWorkAvailable signals a normal transient scheduling state, not
	// a failure.
	ErrNoWorkAvailable = errors.New("no work available")
	// ErrClaimConflict indicates the exclusive-claim invariant was
	// violated. Internal only; treated as a fatal invariant breach.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrAlreadyRunning is returned by start() when a run is active.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNotRunning is returned by pause/resume/stop without an active run.
	ErrNotRunning = errors.New("not running")
)

// Snapshot is an aggregate view of a project's backlog and sessions.
// It is a pure value; producing one has no side effects.
type Snapshot struct {
	ProjectID       string             `json:"project_id"`
	RunState        RunState           `json:"run_state"`
	Total           int                `json:"total"`
	Pending         int                `json:"pending"`
	Claimed         int                `json:"claimed"`
	InProgress      int                `json:"in_progress"`
	Passing         int                `json:"passing"`
	Failed          int                `json:"failed"`
	Skipped         int                `json:"skipped"`
	Blocked         int                `json:"blocked"`
	ActiveSessions  int                `json:"active_sessions"`
	PercentComplete float64            `json:"percent_complete"`

	// Counts is the raw by-status map, kept for in-process sinks; the
	// flattened fields above are the wire representation.
	Counts map[FeatureStatus]int `json:"-"`
}

// EventType classifies progress events delivered to sinks.
type EventType string

const (
	// EventProgress is emitted on state change and on the liveness timer.
	EventProgress EventType = "progress"
	// EventTerminal is emitted exactly once when a run completes or stops.
	EventTerminal EventType = "terminal"
)

// Event is the payload delivered to progress sinks and the event log.
type Event struct {
	ProjectID string    `json:"projectId"`
	Type      EventType `json:"event"`
	Snapshot  Snapshot  `json:"snapshot"`
	Timestamp time.Time `json:"timestamp"`
}

// SpecEntry is one feature definition consumed at seed time, produced by
// an external generation step.
type SpecEntry struct {
	Name      string   `json:"name"`
	Category  string   `json:"category"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// SpecInput is the full seed-time input: an ordered feature list plus the
// declared domain keywords the spec guard checks against.
type SpecInput struct {
	Entries        []SpecEntry `json:"entries"`
	DomainKeywords []string    `json:"domainKeywords"`
}
