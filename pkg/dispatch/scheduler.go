// Package dispatch owns scheduling: the run-state machine, the dispatch
// loop that claims features and hands them to agent sessions, and
// completion detection. The loop is the single owner of claim decisions;
// sessions report back asynchronously through the supervisor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autobuild/pkg/limiter"
	"autobuild/pkg/logx"
	"autobuild/pkg/persistence"
	"autobuild/pkg/progress"
	"autobuild/pkg/proto"
	"autobuild/pkg/session"
	"autobuild/pkg/state"
)

// Config holds scheduler tunables.
//
//nolint:govet // struct alignment optimization not critical for this type
type Config struct {
	TestingRatio     float64
	Mode             proto.Mode
	StopGracePeriod  time.Duration
	ProgressInterval time.Duration
	HeartbeatTimeout time.Duration
	SessionHistory   int
	Concurrency      int
	StrictInvariants bool
}

// Scheduler drives one project's run. All state transitions go through
// its mutex; the dispatch loop and session callbacks communicate through
// the wake channel.
type Scheduler struct {
	logger     *logx.Logger
	store      *persistence.Store
	stateStore *state.Store
	supervisor *session.Supervisor
	limiter    *limiter.Limiter
	reporter   *progress.Reporter
	metrics    *progress.Metrics

	project  *persistence.Project
	rootPath string

	cfg Config

	mu           sync.Mutex
	runState     proto.RunState
	wakeCh       chan struct{}
	shutdownCh   chan struct{}
	loopWG       sync.WaitGroup
	terminalOnce *sync.Once
	testingDebt  float64
}

// NewScheduler wires a scheduler with its supervisor and reporter. sinks
// receive progress events in addition to the metrics collector.
func NewScheduler(store *persistence.Store, stateStore *state.Store, runner session.AgentRunner, metrics *progress.Metrics, cfg Config, sinks ...progress.Sink) *Scheduler {
	s := &Scheduler{
		logger:     logx.NewLogger("scheduler"),
		store:      store,
		stateStore: stateStore,
		metrics:    metrics,
		limiter:    limiter.New(cfg.Concurrency, cfg.TestingRatio),
		cfg:        cfg,
		runState:   proto.RunStateIdle,
		wakeCh:     make(chan struct{}, 1),
	}
	s.supervisor = session.NewSupervisor(store, runner, cfg.HeartbeatTimeout, s.onSessionTerminal)

	allSinks := append([]progress.Sink{metrics}, sinks...)
	s.reporter = progress.NewReporter(s.Snapshot, cfg.ProgressInterval, allSinks...)
	return s
}

// RunState returns the current run state.
func (s *Scheduler) RunState() proto.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runState
}

// Start begins a run for the project. Fails with ErrAlreadyRunning
// unless the run state is idle or stopped.
func (s *Scheduler) Start(ctx context.Context, project *persistence.Project, rootPath string) error {
	s.mu.Lock()
	if s.runState != proto.RunStateIdle && s.runState != proto.RunStateStopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: run state is %s", proto.ErrAlreadyRunning, s.runState)
	}

	s.project = project
	s.rootPath = rootPath
	s.limiter.Resize(project.Concurrency, project.TestingRatio)
	s.cfg.Mode = proto.Mode(project.Mode)
	s.cfg.TestingRatio = project.TestingRatio
	s.testingDebt = 0
	s.runState = proto.RunStateRunning
	s.shutdownCh = make(chan struct{})
	s.terminalOnce = &sync.Once{}
	s.mu.Unlock()

	// Claims surviving a previous process belong to dead sessions.
	if _, err := s.store.ResetStaleClaims(project.ID); err != nil {
		s.logger.Warn("Stale claim reset failed: %v", err)
	}

	s.checkpoint(proto.RunStateRunning)
	s.reporter.Start()

	s.loopWG.Add(1)
	go s.dispatchLoop(ctx)

	s.logger.Info("▶️  Run started: project=%s concurrency=%d ratio=%g mode=%s",
		project.ID, project.Concurrency, project.TestingRatio, project.Mode)
	s.reporter.Emit(proto.EventProgress)
	s.wake()
	return nil
}

// Pause stops new claims; running sessions drain naturally.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	if s.runState != proto.RunStateRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: run state is %s", proto.ErrNotRunning, s.runState)
	}
	s.runState = proto.RunStatePaused
	s.mu.Unlock()

	s.checkpoint(proto.RunStatePaused)
	s.logger.Info("⏸️  Run paused")
	s.reporter.Emit(proto.EventProgress)
	return nil
}

// Resume continues a paused run.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	if s.runState != proto.RunStatePaused {
		s.mu.Unlock()
		return fmt.Errorf("%w: run state is %s", proto.ErrNotRunning, s.runState)
	}
	s.runState = proto.RunStateRunning
	s.mu.Unlock()

	s.checkpoint(proto.RunStateRunning)
	s.logger.Info("▶️  Run resumed")
	s.reporter.Emit(proto.EventProgress)
	s.wake()
	return nil
}

// Stop requests a graceful stop: no new claims, every active session is
// asked to terminate immediately, and stragglers are force-killed once
// the grace period elapses. The run reaches stopped asynchronously when
// sessions drain.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.runState != proto.RunStateRunning && s.runState != proto.RunStatePaused {
		s.mu.Unlock()
		return fmt.Errorf("%w: run state is %s", proto.ErrNotRunning, s.runState)
	}
	s.runState = proto.RunStateStopping
	s.mu.Unlock()

	s.checkpoint(proto.RunStateStopping)
	s.logger.Info("⏹️  Stop requested, terminating %d sessions", s.supervisor.ActiveCount())

	// Cancellation delivers SIGTERM right away; the runner escalates to
	// SIGKILL on its own after the grace period.
	s.supervisor.StopAll()
	go func() {
		if !s.supervisor.Wait(s.cfg.StopGracePeriod) {
			s.logger.Warn("Sessions still active after grace period")
		}
	}()

	s.wake()
	return nil
}

// UpdateSettings adjusts concurrency, testing ratio, and mode. Only
// allowed while not actively claiming (idle, paused, stopped).
func (s *Scheduler) UpdateSettings(concurrency int, testingRatio float64, mode proto.Mode) error {
	s.mu.Lock()
	if s.runState == proto.RunStateRunning || s.runState == proto.RunStateStopping {
		s.mu.Unlock()
		return fmt.Errorf("%w: settings can only change between pauses", proto.ErrAlreadyRunning)
	}
	project := s.project
	s.cfg.TestingRatio = testingRatio
	s.cfg.Mode = mode
	s.cfg.Concurrency = concurrency
	s.mu.Unlock()

	s.limiter.Resize(concurrency, testingRatio)
	if project != nil {
		project.Concurrency = concurrency
		project.TestingRatio = testingRatio
		project.Mode = string(mode)
		if err := s.store.UpdateProjectSettings(project.ID, concurrency, testingRatio, string(mode)); err != nil {
			return fmt.Errorf("failed to persist settings: %w", err)
		}
	}
	return nil
}

// Snapshot produces the current aggregate view. Read-only.
func (s *Scheduler) Snapshot() (*proto.Snapshot, error) {
	s.mu.Lock()
	project := s.project
	runState := s.runState
	s.mu.Unlock()

	if project == nil {
		return nil, fmt.Errorf("no project loaded")
	}

	counts, err := s.store.Counts(project.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count features: %w", err)
	}
	return progress.BuildSnapshot(project.ID, runState, counts.ByStatus,
		counts.Total, counts.Blocked, s.supervisor.ActiveCount()), nil
}

// wake nudges the dispatch loop. Non-blocking; a pending wake coalesces.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// dispatchLoop blocks on the wake channel and dispatches work while
// slots and claimable features exist. It never busy-polls.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.loopWG.Done()

	s.mu.Lock()
	shutdownCh := s.shutdownCh
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdownCh:
			return
		case <-s.wakeCh:
		}

		if s.RunState() == proto.RunStateRunning {
			s.dispatchAvailable(ctx)
		}
		s.checkCompletion()
	}
}

// dispatchAvailable claims and dispatches until slots or work run out.
// Each coding claim accrues testing debt; whole units of debt are paid
// with opportunistic testing claims, skipped entirely in fast mode.
func (s *Scheduler) dispatchAvailable(ctx context.Context) {
	for {
		// Mode and ratio may change between pauses; snapshot them with the
		// run state so a settings update can't interleave mid-iteration.
		s.mu.Lock()
		running := s.runState == proto.RunStateRunning
		mode := s.cfg.Mode
		ratio := s.cfg.TestingRatio
		s.mu.Unlock()
		if !running {
			return
		}

		if err := s.limiter.Reserve(proto.RoleCoding); err != nil {
			return
		}
		if !s.dispatchOne(ctx, proto.RoleCoding) {
			s.limiter.Release(proto.RoleCoding)
			return
		}

		if mode == proto.ModeFast {
			continue
		}
		s.mu.Lock()
		s.testingDebt += ratio
		s.mu.Unlock()
		s.payTestingDebt(ctx)
	}
}

func (s *Scheduler) payTestingDebt(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.testingDebt < 1 {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.limiter.Reserve(proto.RoleTesting); err != nil {
			return
		}
		if !s.dispatchOne(ctx, proto.RoleTesting) {
			s.limiter.Release(proto.RoleTesting)
			return
		}
		s.mu.Lock()
		s.testingDebt--
		s.mu.Unlock()
	}
}

// dispatchOne claims one feature and starts a session for it. Returns
// false when no work is claimable; the caller releases the slot.
func (s *Scheduler) dispatchOne(ctx context.Context, role proto.Role) bool {
	sessionID := persistence.GenerateSessionID()
	feature, err := s.store.ClaimNext(s.project.ID, sessionID)
	if errors.Is(err, proto.ErrNoWorkAvailable) {
		return false
	}
	if err != nil {
		s.logger.Error("Claim failed: %v", err)
		return false
	}

	s.metrics.RecordClaim()
	s.logger.Info("Claimed feature %s (%s) for %s session %s",
		feature.Name, feature.ID, role, sessionID)

	if err := s.supervisor.Start(ctx, sessionID, feature, role, s.rootPath); err != nil {
		s.logger.Error("Failed to start session %s: %v", sessionID, err)
		// Un-claim so another session can pick the feature up.
		if _, recErr := s.store.RecordOutcome(feature.ID, sessionID, proto.OutcomeCrashed); recErr != nil {
			s.logger.Error("Failed to release claim for %s: %v", feature.ID, recErr)
		}
		return false
	}

	s.reporter.Emit(proto.EventProgress)
	return true
}

// onSessionTerminal is the supervisor's exactly-once callback. It records
// the outcome, frees the slot, trims session history, and wakes the loop.
func (s *Scheduler) onSessionTerminal(sessionID, featureID string, role proto.Role, outcome proto.Outcome) {
	s.limiter.Release(role)
	s.metrics.RecordSession(role, outcome)

	if _, err := s.store.RecordOutcome(featureID, sessionID, outcome); err != nil {
		if errors.Is(err, proto.ErrClaimConflict) {
			if s.cfg.StrictInvariants {
				panic(fmt.Sprintf("claim invariant violated: feature=%s session=%s", featureID, sessionID))
			}
			s.logger.Error("Claim invariant violated for feature %s session %s, outcome %s dropped",
				featureID, sessionID, outcome)
		} else {
			s.logger.Error("Failed to record outcome for feature %s: %v", featureID, err)
		}
	}

	if _, err := s.store.EvictSessionHistory(s.project.ID, s.cfg.SessionHistory); err != nil {
		s.logger.Warn("Session history eviction failed: %v", err)
	}

	s.reporter.Emit(proto.EventProgress)
	s.wake()
}

// checkCompletion finalizes the run when nothing can ever progress: no
// active sessions and no claimable work (all passing, terminally failed,
// or blocked), or a stop has drained.
func (s *Scheduler) checkCompletion() {
	s.mu.Lock()
	runState := s.runState
	s.mu.Unlock()

	switch runState {
	case proto.RunStateRunning:
		if s.supervisor.ActiveCount() > 0 {
			return
		}
		claimable, err := s.store.HasClaimableWork(s.project.ID)
		if err != nil {
			s.logger.Error("Completion probe failed: %v", err)
			return
		}
		if !claimable {
			s.finalize()
		}
	case proto.RunStateStopping:
		if s.supervisor.ActiveCount() == 0 {
			s.finalize()
		}
	default:
	}
}

// finalize transitions to stopped and emits the terminal event exactly
// once for this run.
func (s *Scheduler) finalize() {
	s.mu.Lock()
	if s.runState == proto.RunStateStopped {
		s.mu.Unlock()
		return
	}
	s.runState = proto.RunStateStopped
	terminalOnce := s.terminalOnce
	shutdownCh := s.shutdownCh
	s.mu.Unlock()

	s.checkpoint(proto.RunStateStopped)
	s.logger.Info("🏁 Run finished")

	terminalOnce.Do(func() {
		s.reporter.Emit(proto.EventTerminal)
	})
	s.reporter.Stop()
	close(shutdownCh)
}

// WaitStopped blocks until the dispatch loop exits or the timeout
// elapses. Used by callers that need a synchronous shutdown.
func (s *Scheduler) WaitStopped(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Scheduler) checkpoint(runState proto.RunState) {
	if s.stateStore == nil || s.project == nil {
		return
	}
	if err := s.stateStore.Save(s.project.ID, runState); err != nil {
		s.logger.Warn("Failed to checkpoint run state: %v", err)
	}
}

// ActiveSessions returns the live session count.
func (s *Scheduler) ActiveSessions() int {
	return s.supervisor.ActiveCount()
}
