// Package progress produces aggregate snapshots of a run and delivers
// them to sinks: the event log, an optional webhook, and Prometheus
// gauges. Snapshot production is read-only; a slow or failing sink never
// affects scheduling.
package progress

import (
	"sync"
	"time"

	"autobuild/pkg/logx"
	"autobuild/pkg/proto"
)

// Sink receives progress events. Deliver must not block the reporter;
// sinks with slow transports do their own buffering or spawn goroutines.
type Sink interface {
	Deliver(event *proto.Event)
}

// SnapshotFunc produces the current snapshot. Supplied by the scheduler.
type SnapshotFunc func() (*proto.Snapshot, error)

// Reporter fans snapshots out to sinks, on demand after state changes and
// periodically as a liveness signal.
type Reporter struct {
	logger   *logx.Logger
	snapshot SnapshotFunc
	stopCh   chan struct{}
	sinks    []Sink
	interval time.Duration
	mu       sync.Mutex
	wg       sync.WaitGroup
	running  bool
}

// NewReporter creates a Reporter. interval is the liveness emission
// period while a run is active.
func NewReporter(snapshot SnapshotFunc, interval time.Duration, sinks ...Sink) *Reporter {
	return &Reporter{
		logger:   logx.NewLogger("progress"),
		snapshot: snapshot,
		sinks:    sinks,
		interval: interval,
	}
}

// Start begins periodic liveness emission. Safe to call once per run.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.tickLoop(r.stopCh)
}

// Stop halts periodic emission. Emit remains usable after Stop.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Reporter) tickLoop(stopCh chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.Emit(proto.EventProgress)
		}
	}
}

// Emit produces a snapshot and delivers it to every sink. Errors from
// snapshot production are logged and swallowed; progress reporting never
// disturbs the run.
func (r *Reporter) Emit(eventType proto.EventType) {
	snapshot, err := r.snapshot()
	if err != nil {
		r.logger.Warn("Failed to produce snapshot: %v", err)
		return
	}

	event := &proto.Event{
		ProjectID: snapshot.ProjectID,
		Type:      eventType,
		Snapshot:  *snapshot,
		Timestamp: time.Now().UTC(),
	}

	for _, sink := range r.sinks {
		sink.Deliver(event)
	}
}

// BuildSnapshot assembles a snapshot from store counts and live session
// data. percent complete counts only passing features.
func BuildSnapshot(projectID string, runState proto.RunState, counts map[proto.FeatureStatus]int, total, blocked, activeSessions int) *proto.Snapshot {
	snapshot := &proto.Snapshot{
		ProjectID:      projectID,
		RunState:       runState,
		Total:          total,
		Pending:        counts[proto.StatusPending],
		Claimed:        counts[proto.StatusClaimed],
		InProgress:     counts[proto.StatusInProgress],
		Passing:        counts[proto.StatusPassing],
		Failed:         counts[proto.StatusFailed],
		Skipped:        counts[proto.StatusSkipped],
		Blocked:        blocked,
		ActiveSessions: activeSessions,
		Counts:         counts,
	}
	if total > 0 {
		snapshot.PercentComplete = 100 * float64(snapshot.Passing) / float64(total)
	}
	return snapshot
}
