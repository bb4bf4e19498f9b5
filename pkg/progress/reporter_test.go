package progress

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobuild/pkg/proto"
)

type captureSink struct {
	mu     sync.Mutex
	events []*proto.Event
}

func (s *captureSink) Deliver(event *proto.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *captureSink) last() *proto.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

func staticSnapshot(snapshot *proto.Snapshot) SnapshotFunc {
	return func() (*proto.Snapshot, error) { return snapshot, nil }
}

func TestEmitFansOutToAllSinks(t *testing.T) {
	sink1 := &captureSink{}
	sink2 := &captureSink{}
	snapshot := BuildSnapshot("proj-1", proto.RunStateRunning,
		map[proto.FeatureStatus]int{proto.StatusPassing: 2, proto.StatusPending: 2}, 4, 0, 1)

	reporter := NewReporter(staticSnapshot(snapshot), time.Hour, sink1, sink2)
	reporter.Emit(proto.EventProgress)
	reporter.Emit(proto.EventTerminal)

	require.Equal(t, 2, sink1.count())
	require.Equal(t, 2, sink2.count())
	assert.Equal(t, proto.EventTerminal, sink1.last().Type)
	assert.Equal(t, "proj-1", sink1.last().ProjectID)
}

func TestPeriodicEmission(t *testing.T) {
	sink := &captureSink{}
	snapshot := BuildSnapshot("proj-1", proto.RunStateRunning, map[proto.FeatureStatus]int{}, 0, 0, 0)

	reporter := NewReporter(staticSnapshot(snapshot), 20*time.Millisecond, sink)
	reporter.Start()
	defer reporter.Stop()

	require.Eventually(t, func() bool { return sink.count() >= 2 },
		2*time.Second, 10*time.Millisecond, "expected liveness emissions")

	reporter.Stop()
	settled := sink.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, sink.count(), "no emissions after Stop")
}

func TestBuildSnapshotPercent(t *testing.T) {
	counts := map[proto.FeatureStatus]int{
		proto.StatusPassing: 3,
		proto.StatusPending: 1,
	}
	snapshot := BuildSnapshot("p", proto.RunStateRunning, counts, 4, 0, 2)
	assert.InDelta(t, 75.0, snapshot.PercentComplete, 0.001)
	assert.Equal(t, 3, snapshot.Passing)
	assert.Equal(t, 2, snapshot.ActiveSessions)

	empty := BuildSnapshot("p", proto.RunStateIdle, map[proto.FeatureStatus]int{}, 0, 0, 0)
	assert.Zero(t, empty.PercentComplete, "empty backlog must not divide by zero")
}

func TestWebhookRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, 3, 5*time.Millisecond)
	sink.Deliver(&proto.Event{ProjectID: "p", Type: proto.EventProgress})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, 2*time.Second, 10*time.Millisecond, "expected two failures then success")
}

func TestWebhookGivesUpAfterRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, 2, time.Millisecond)
	sink.Deliver(&proto.Event{ProjectID: "p", Type: proto.EventTerminal})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, 2*time.Second, 10*time.Millisecond)

	// No further attempts after giving up.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestMetricsSinkMirrorsSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	counts := map[proto.FeatureStatus]int{
		proto.StatusPassing: 5,
		proto.StatusPending: 3,
		proto.StatusFailed:  1,
	}
	snapshot := BuildSnapshot("p", proto.RunStateRunning, counts, 9, 1, 2)
	metrics.Deliver(&proto.Event{ProjectID: "p", Type: proto.EventProgress, Snapshot: *snapshot})

	assert.InDelta(t, 5.0, testutil.ToFloat64(metrics.featuresByStatus.WithLabelValues("passing")), 0.001)
	assert.InDelta(t, 2.0, testutil.ToFloat64(metrics.activeSessions), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.blockedFeatures), 0.001)

	metrics.RecordClaim()
	metrics.RecordSession(proto.RoleCoding, proto.OutcomeSuccess)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.claimsTotal), 0.001)
}
