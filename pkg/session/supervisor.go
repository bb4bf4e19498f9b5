package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autobuild/pkg/logx"
	"autobuild/pkg/persistence"
	"autobuild/pkg/proto"
)

// TerminalFunc is invoked exactly once per session with its terminal
// outcome. The scheduler uses it to record the outcome against the
// feature and free the session's slot.
type TerminalFunc func(sessionID, featureID string, role proto.Role, outcome proto.Outcome)

// handle tracks one live session.
type handle struct {
	sessionID     string
	featureID     string
	role          proto.Role
	cancel        context.CancelFunc
	done          chan struct{}
	lastBeat      atomic.Int64
	watchdogFired atomic.Bool
	finishOnce    sync.Once
}

func (h *handle) beat() {
	h.lastBeat.Store(time.Now().UnixNano())
}

// Supervisor spawns agent sessions and owns their lifecycle: heartbeat
// watchdog, stop requests, and the exactly-once terminal report.
type Supervisor struct {
	logger           *logx.Logger
	store            *persistence.Store
	runner           AgentRunner
	onTerminal       TerminalFunc
	handles          map[string]*handle
	heartbeatTimeout time.Duration
	mu               sync.Mutex
	wg               sync.WaitGroup
}

// NewSupervisor creates a Supervisor. onTerminal is called from the
// session's own goroutine after the session row is finished.
func NewSupervisor(store *persistence.Store, runner AgentRunner, heartbeatTimeout time.Duration, onTerminal TerminalFunc) *Supervisor {
	return &Supervisor{
		logger:           logx.NewLogger("supervisor"),
		store:            store,
		runner:           runner,
		onTerminal:       onTerminal,
		handles:          make(map[string]*handle),
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Start records a session for the already-claimed feature and launches
// its agent. The sessionID must be the one stamped on the claim.
func (s *Supervisor) Start(ctx context.Context, sessionID string, feature *persistence.Feature, role proto.Role, rootPath string) error {
	if err := s.store.CreateSession(&persistence.Session{
		ID:        sessionID,
		ProjectID: feature.ProjectID,
		FeatureID: feature.ID,
		Role:      role,
	}); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		sessionID: sessionID,
		featureID: feature.ID,
		role:      role,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	h.beat()

	s.mu.Lock()
	s.handles[sessionID] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watchdog(h)
	go s.run(sessCtx, h, feature, rootPath)

	return nil
}

// run executes the session and reports its terminal outcome.
func (s *Supervisor) run(ctx context.Context, h *handle, feature *persistence.Feature, rootPath string) {
	defer s.wg.Done()

	outcome := proto.OutcomeCrashed
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session %s panicked: %v", h.sessionID, r)
		}
		s.finish(h, outcome)
	}()

	if err := s.store.MarkInProgress(feature.ID, h.sessionID); err != nil {
		s.logger.Error("Session %s lost its claim before starting: %v", h.sessionID, err)
		return
	}

	result, err := s.runner.Run(ctx, Request{
		SessionID:   h.sessionID,
		ProjectID:   feature.ProjectID,
		FeatureID:   feature.ID,
		FeatureName: feature.Name,
		RootPath:    rootPath,
		Role:        h.role,
		Beat:        h.beat,
	})
	if err != nil {
		s.logger.Warn("Session %s ended with error: %v", h.sessionID, err)
	}

	outcome = result
	if h.watchdogFired.Load() {
		outcome = proto.OutcomeCrashed
	}
}

// finish closes out a session exactly once: stops the watchdog, finishes
// the session row, removes the handle, and reports the outcome.
func (s *Supervisor) finish(h *handle, outcome proto.Outcome) {
	h.finishOnce.Do(func() {
		close(h.done)
		h.cancel()

		s.mu.Lock()
		delete(s.handles, h.sessionID)
		s.mu.Unlock()

		if err := s.store.FinishSession(h.sessionID, outcome); err != nil {
			s.logger.Error("Failed to finish session %s: %v", h.sessionID, err)
		}

		s.logger.Info("Session %s finished: feature=%s role=%s outcome=%s",
			h.sessionID, h.featureID, h.role, outcome)

		if s.onTerminal != nil {
			s.onTerminal(h.sessionID, h.featureID, h.role, outcome)
		}
	})
}

// watchdog cancels the session when heartbeats stop for longer than the
// configured timeout. The runner observes the cancellation and returns;
// the crashed outcome is forced in run.
func (s *Supervisor) watchdog(h *handle) {
	interval := s.heartbeatTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			last := time.Unix(0, h.lastBeat.Load())
			if time.Since(last) > s.heartbeatTimeout {
				s.logger.Warn("Session %s heartbeat stale for %v, declaring crash",
					h.sessionID, time.Since(last).Round(time.Second))
				h.watchdogFired.Store(true)
				h.cancel()
				return
			}
		}
	}
}

// RequestStop asks one session to stop. Returns false when the session
// is not active.
func (s *Supervisor) RequestStop(sessionID string) bool {
	s.mu.Lock()
	h, ok := s.handles[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.logger.Info("Stop requested for session %s", sessionID)
	h.cancel()
	return true
}

// StopAll cancels every active session.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
}

// Wait blocks until all sessions finish or the timeout elapses. Returns
// true when everything drained in time.
func (s *Supervisor) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ActiveCount returns the number of live sessions.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// ActiveSessions returns the IDs of live sessions.
func (s *Supervisor) ActiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return ids
}
