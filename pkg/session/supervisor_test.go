package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobuild/pkg/persistence"
	"autobuild/pkg/proto"
)

// mockRunner is a controllable AgentRunner for supervisor tests.
type mockRunner struct {
	outcome proto.Outcome
	block   bool // wait for cancellation instead of returning
	beats   int  // heartbeats to emit before returning or blocking
}

func (m *mockRunner) Run(ctx context.Context, req Request) (proto.Outcome, error) {
	for i := 0; i < m.beats; i++ {
		req.Beat()
	}
	if m.block {
		<-ctx.Done()
		return proto.OutcomeCrashed, ctx.Err()
	}
	return m.outcome, nil
}

type terminalRecorder struct {
	mu    sync.Mutex
	calls []proto.Outcome
	done  chan struct{}
}

func newTerminalRecorder() *terminalRecorder {
	return &terminalRecorder{done: make(chan struct{}, 16)}
}

func (r *terminalRecorder) record(_, _ string, _ proto.Role, outcome proto.Outcome) {
	r.mu.Lock()
	r.calls = append(r.calls, outcome)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *terminalRecorder) outcomes() []proto.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proto.Outcome(nil), r.calls...)
}

func setupSupervisorTest(t *testing.T, runner AgentRunner, heartbeatTimeout time.Duration) (*Supervisor, *persistence.Store, *persistence.Feature, string, *terminalRecorder) {
	t.Helper()

	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := persistence.NewStore(db)
	input := &proto.SpecInput{Entries: []proto.SpecEntry{{Name: "login", Category: "core"}}}
	project := &persistence.Project{
		ID:              persistence.GenerateProjectID(),
		SpecFingerprint: persistence.SpecFingerprint(input),
		Mode:            "standard",
		Concurrency:     1,
	}
	require.NoError(t, store.SeedFeatures(project, input, 3))

	sessionID := persistence.GenerateSessionID()
	feature, err := store.ClaimNext(project.ID, sessionID)
	require.NoError(t, err)

	recorder := newTerminalRecorder()
	sup := NewSupervisor(store, runner, heartbeatTimeout, recorder.record)
	return sup, store, feature, sessionID, recorder
}

func TestSupervisorSuccess(t *testing.T) {
	runner := &mockRunner{outcome: proto.OutcomeSuccess, beats: 2}
	sup, store, feature, sessionID, recorder := setupSupervisorTest(t, runner, time.Minute)

	require.NoError(t, sup.Start(context.Background(), sessionID, feature, proto.RoleCoding, ""))

	select {
	case <-recorder.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for terminal callback")
	}

	assert.Equal(t, []proto.Outcome{proto.OutcomeSuccess}, recorder.outcomes())
	assert.Equal(t, 0, sup.ActiveCount())

	// The session row is finished with the same outcome.
	session, err := store.GetSession(sessionID)
	require.NoError(t, err)
	require.NotNil(t, session.Outcome)
	assert.Equal(t, proto.OutcomeSuccess, *session.Outcome)
	assert.NotNil(t, session.EndedAt)

	// The feature was moved to in_progress before the run.
	got, err := store.GetFeatureByID(feature.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusInProgress, got.Status)
}

func TestSupervisorWatchdogDeclaresCrash(t *testing.T) {
	// Runner never beats and blocks until cancelled; the watchdog must
	// fire and force a crashed outcome.
	runner := &mockRunner{block: true}
	sup, _, feature, sessionID, recorder := setupSupervisorTest(t, runner, 100*time.Millisecond)

	require.NoError(t, sup.Start(context.Background(), sessionID, feature, proto.RoleCoding, ""))

	select {
	case <-recorder.done:
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for watchdog")
	}

	assert.Equal(t, []proto.Outcome{proto.OutcomeCrashed}, recorder.outcomes())
	assert.Equal(t, 0, sup.ActiveCount())
}

func TestSupervisorRequestStop(t *testing.T) {
	runner := &mockRunner{block: true, beats: 1}
	sup, _, feature, sessionID, recorder := setupSupervisorTest(t, runner, time.Minute)

	require.NoError(t, sup.Start(context.Background(), sessionID, feature, proto.RoleCoding, ""))
	require.Eventually(t, func() bool { return sup.ActiveCount() == 1 }, time.Second, 10*time.Millisecond)

	assert.True(t, sup.RequestStop(sessionID))

	select {
	case <-recorder.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for stop")
	}

	assert.Equal(t, []proto.Outcome{proto.OutcomeCrashed}, recorder.outcomes())
	assert.False(t, sup.RequestStop(sessionID), "stop on finished session should report not-found")
}

func TestSupervisorStopAllAndWait(t *testing.T) {
	runner := &mockRunner{block: true}
	sup, store, feature, sessionID, _ := setupSupervisorTest(t, runner, time.Minute)

	require.NoError(t, sup.Start(context.Background(), sessionID, feature, proto.RoleCoding, ""))
	require.Eventually(t, func() bool { return sup.ActiveCount() == 1 }, time.Second, 10*time.Millisecond)

	sup.StopAll()
	assert.True(t, sup.Wait(5*time.Second), "sessions should drain after StopAll")
	assert.Equal(t, 0, sup.ActiveCount())

	count, err := store.ActiveSessionCount(feature.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestExecRunnerPlaceholderExpansion(t *testing.T) {
	runner, err := NewExecRunner([]string{"agent", "--feature={feature}", "--role={role}"}, time.Second)
	require.NoError(t, err)

	argv := runner.expand(Request{
		FeatureName: "login",
		Role:        proto.RoleTesting,
	})
	assert.Equal(t, []string{"agent", "--feature=login", "--role=testing"}, argv)
}

func TestNewExecRunnerRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecRunner(nil, time.Second)
	require.Error(t, err)
}
