package progress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"autobuild/pkg/proto"
)

// Metrics exposes run telemetry to Prometheus. Gauges mirror the latest
// snapshot; counters are bumped directly by the scheduler and supervisor.
type Metrics struct {
	featuresByStatus *prometheus.GaugeVec
	activeSessions   prometheus.Gauge
	percentComplete  prometheus.Gauge
	blockedFeatures  prometheus.Gauge

	claimsTotal   prometheus.Counter
	sessionsTotal *prometheus.CounterVec
	eventsTotal   *prometheus.CounterVec
}

// NewMetrics registers the metric set with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		featuresByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autobuild_features",
			Help: "Features in the backlog by status.",
		}, []string{"status"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "autobuild_active_sessions",
			Help: "Currently running agent sessions.",
		}),
		percentComplete: factory.NewGauge(prometheus.GaugeOpts{
			Name: "autobuild_percent_complete",
			Help: "Share of features passing, 0-100.",
		}),
		blockedFeatures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "autobuild_blocked_features",
			Help: "Pending features with unsatisfiable dependencies.",
		}),
		claimsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "autobuild_claims_total",
			Help: "Total successful feature claims.",
		}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autobuild_sessions_total",
			Help: "Finished agent sessions by role and outcome.",
		}, []string{"role", "outcome"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autobuild_progress_events_total",
			Help: "Progress events emitted by type.",
		}, []string{"type"}),
	}
}

// Deliver implements Sink, mirroring each snapshot into the gauges.
func (m *Metrics) Deliver(event *proto.Event) {
	snapshot := &event.Snapshot
	for _, status := range proto.ValidStatuses() {
		m.featuresByStatus.WithLabelValues(string(status)).Set(float64(snapshot.Counts[status]))
	}
	m.activeSessions.Set(float64(snapshot.ActiveSessions))
	m.percentComplete.Set(snapshot.PercentComplete)
	m.blockedFeatures.Set(float64(snapshot.Blocked))
	m.eventsTotal.WithLabelValues(string(event.Type)).Inc()
}

// RecordClaim counts one successful claim.
func (m *Metrics) RecordClaim() {
	m.claimsTotal.Inc()
}

// RecordSession counts one finished session.
func (m *Metrics) RecordSession(role proto.Role, outcome proto.Outcome) {
	m.sessionsTotal.WithLabelValues(string(role), string(outcome)).Inc()
}
