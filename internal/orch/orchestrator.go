// Package orch wires the orchestrator together: storage, spec guard,
// scheduler, progress sinks, and the control operations exposed to the
// HTTP API and CLI.
package orch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"autobuild/pkg/config"
	"autobuild/pkg/dispatch"
	"autobuild/pkg/eventlog"
	"autobuild/pkg/logx"
	"autobuild/pkg/metrics"
	"autobuild/pkg/persistence"
	"autobuild/pkg/progress"
	"autobuild/pkg/proto"
	"autobuild/pkg/session"
	"autobuild/pkg/specguard"
	"autobuild/pkg/state"
)

// Orchestrator is the control plane for one project's build run.
type Orchestrator struct {
	logger      *logx.Logger
	cfg         config.Config
	db          *sql.DB
	store       *persistence.Store
	stateStore  *state.Store
	guard       *specguard.Guard
	scheduler   *dispatch.Scheduler
	eventWriter *eventlog.Writer
	registry    *prometheus.Registry
	queries     *metrics.QueryService
}

// New creates an orchestrator using the exec-backed agent runner from
// the configured agent command.
func New(cfg config.Config) (*Orchestrator, error) {
	runner, err := session.NewExecRunner(cfg.AgentCommand, cfg.StopGracePeriod)
	if err != nil {
		return nil, fmt.Errorf("invalid agent command: %w", err)
	}
	return NewWithRunner(cfg, runner)
}

// NewWithRunner creates an orchestrator with an injected runner. Used by
// tests and embedders.
func NewWithRunner(cfg config.Config, runner session.AgentRunner) (*Orchestrator, error) {
	db, err := persistence.InitializeDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	stateStore, err := state.NewStore(cfg.StateDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	eventWriter, err := eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	registry := prometheus.NewRegistry()
	promMetrics := progress.NewMetrics(registry)

	sinks := []progress.Sink{progress.NewEventLogSink(eventWriter)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, progress.NewWebhookSink(cfg.WebhookURL, cfg.WebhookRetries, cfg.WebhookBackoff))
	}

	store := persistence.NewStore(db)
	scheduler := dispatch.NewScheduler(store, stateStore, runner, promMetrics, dispatch.Config{
		TestingRatio:     cfg.TestingRatio,
		Mode:             proto.Mode(cfg.Mode),
		StopGracePeriod:  cfg.StopGracePeriod,
		ProgressInterval: cfg.ProgressInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SessionHistory:   cfg.SessionHistory,
		Concurrency:      cfg.Concurrency,
		StrictInvariants: cfg.StrictInvariants,
	}, sinks...)

	o := &Orchestrator{
		logger:      logx.NewLogger("orch"),
		cfg:         cfg,
		db:          db,
		store:       store,
		stateStore:  stateStore,
		guard:       specguard.New(cfg.GuardThreshold),
		scheduler:   scheduler,
		eventWriter: eventWriter,
		registry:    registry,
	}

	if cfg.PrometheusURL != "" {
		queries, err := metrics.NewQueryService(cfg.PrometheusURL)
		if err != nil {
			o.logger.Warn("Prometheus query service unavailable: %v", err)
		} else {
			o.queries = queries
		}
	}
	return o, nil
}

// RunMetrics aggregates historical session telemetry from Prometheus.
// Requires prometheus_url to be configured.
func (o *Orchestrator) RunMetrics(ctx context.Context) (*metrics.RunMetrics, error) {
	if o.queries == nil {
		return nil, fmt.Errorf("prometheus_url is not configured")
	}
	return o.queries.GetRunMetrics(ctx)
}

// Registry exposes the Prometheus registry for the metrics endpoint.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}

// Seed validates the spec input and populates the project's backlog.
// Refused while a run is active, and refused with ErrSpecMismatch when
// the guard's warning threshold is exceeded.
func (o *Orchestrator) Seed(projectID, rootPath string, input *proto.SpecInput) (*specguard.Result, error) {
	switch o.scheduler.RunState() {
	case proto.RunStateRunning, proto.RunStateStopping:
		// Both sentinels match: the backlog can't change under an active
		// run, and to seed-time callers that is a spec mismatch.
		return nil, fmt.Errorf("cannot seed during an active run: %w",
			errors.Join(proto.ErrSpecMismatch, proto.ErrAlreadyRunning))
	default:
	}

	result, err := o.guard.Check(input)
	if err != nil {
		return result, err
	}

	project := &persistence.Project{
		ID:              projectID,
		RootPath:        rootPath,
		SpecFingerprint: persistence.SpecFingerprint(input),
		Mode:            o.cfg.Mode,
		Concurrency:     o.cfg.Concurrency,
		TestingRatio:    o.cfg.TestingRatio,
	}
	// A re-seed keeps the project's tuned settings.
	if existing, err := o.store.GetProject(projectID); err == nil {
		project.Mode = existing.Mode
		project.Concurrency = existing.Concurrency
		project.TestingRatio = existing.TestingRatio
		if rootPath == "" {
			project.RootPath = existing.RootPath
		}
	}

	if err := o.store.SeedFeatures(project, input, o.cfg.MaxAttempts); err != nil {
		return result, fmt.Errorf("failed to seed features: %w", err)
	}
	return result, nil
}

// StartOptions carries optional setting overrides applied as a run
// begins. Nil fields keep the project's stored settings.
type StartOptions struct {
	Concurrency  *int
	TestingRatio *float64
	Mode         *proto.Mode
}

// Start begins a run for the project, applying any setting overrides
// first.
func (o *Orchestrator) Start(ctx context.Context, projectID string, opts *StartOptions) error {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}

	if opts != nil && (opts.Concurrency != nil || opts.TestingRatio != nil || opts.Mode != nil) {
		if opts.Concurrency != nil {
			if *opts.Concurrency < 1 {
				return fmt.Errorf("concurrency must be >= 1, got %d", *opts.Concurrency)
			}
			project.Concurrency = *opts.Concurrency
		}
		if opts.TestingRatio != nil {
			if *opts.TestingRatio < 0 {
				return fmt.Errorf("testing_ratio must be >= 0, got %g", *opts.TestingRatio)
			}
			project.TestingRatio = *opts.TestingRatio
		}
		if opts.Mode != nil {
			if *opts.Mode != proto.ModeStandard && *opts.Mode != proto.ModeFast {
				return fmt.Errorf("mode must be %q or %q, got %q", proto.ModeStandard, proto.ModeFast, *opts.Mode)
			}
			project.Mode = string(*opts.Mode)
		}
		if err := o.store.UpdateProjectSettings(project.ID, project.Concurrency, project.TestingRatio, project.Mode); err != nil {
			return fmt.Errorf("failed to persist settings: %w", err)
		}
	}

	return o.scheduler.Start(ctx, project, project.RootPath)
}

// Pause suspends claiming; active sessions drain.
func (o *Orchestrator) Pause() error { return o.scheduler.Pause() }

// Resume continues a paused run.
func (o *Orchestrator) Resume() error { return o.scheduler.Resume() }

// Stop gracefully ends the run.
func (o *Orchestrator) Stop() error { return o.scheduler.Stop() }

// UpdateSettings adjusts scheduling settings between pauses.
func (o *Orchestrator) UpdateSettings(concurrency int, testingRatio float64, mode proto.Mode) error {
	return o.scheduler.UpdateSettings(concurrency, testingRatio, mode)
}

// Status returns the project's aggregate snapshot. Works whether or not
// a run is active: without one, the run state comes from the last
// checkpoint.
func (o *Orchestrator) Status(projectID string) (*proto.Snapshot, error) {
	if snapshot, err := o.scheduler.Snapshot(); err == nil && snapshot.ProjectID == projectID {
		return snapshot, nil
	}

	counts, err := o.store.Counts(projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to count features: %w", err)
	}

	runState := proto.RunStateIdle
	if checkpoint, found, err := o.stateStore.Load(projectID); err == nil && found {
		runState = checkpoint.RunState
	}
	return progress.BuildSnapshot(projectID, runState, counts.ByStatus,
		counts.Total, counts.Blocked, 0), nil
}

// Features lists the project's backlog in seed order.
func (o *Orchestrator) Features(projectID string) ([]*persistence.Feature, error) {
	return o.store.ListFeatures(projectID)
}

// Sessions lists recent sessions, newest first.
func (o *Orchestrator) Sessions(projectID string) ([]*persistence.Session, error) {
	return o.store.ListSessions(projectID, o.cfg.SessionHistory)
}

// Close shuts the orchestrator down: stops any active run, waits for it
// to drain, and releases storage.
func (o *Orchestrator) Close() error {
	switch o.scheduler.RunState() {
	case proto.RunStateRunning, proto.RunStatePaused:
		if err := o.scheduler.Stop(); err != nil {
			o.logger.Warn("Stop during shutdown failed: %v", err)
		}
		if !o.scheduler.WaitStopped(o.cfg.StopGracePeriod + 5*time.Second) {
			o.logger.Warn("Dispatch loop did not drain before shutdown")
		}
	default:
	}

	if err := o.eventWriter.Close(); err != nil {
		o.logger.Warn("Event log close failed: %v", err)
	}
	if err := o.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
