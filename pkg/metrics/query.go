// Package metrics queries historical run telemetry back out of
// Prometheus. Used by the status surface to enrich live snapshots with
// session totals and throughput over a run's lifetime.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunMetrics aggregates session telemetry for one orchestrator instance.
type RunMetrics struct {
	SessionsSucceeded int64   `json:"sessions_succeeded"`
	SessionsFailed    int64   `json:"sessions_failed"`
	SessionsCrashed   int64   `json:"sessions_crashed"`
	ClaimsTotal       int64   `json:"claims_total"`
	PassingPerHour    float64 `json:"passing_per_hour"`
}

// QueryService queries run metrics from a Prometheus server scraping
// this orchestrator.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetRunMetrics aggregates session outcomes and claim counts.
func (q *QueryService) GetRunMetrics(ctx context.Context) (*RunMetrics, error) {
	metrics := &RunMetrics{}

	var err error
	if metrics.SessionsSucceeded, err = q.sumQuery(ctx, `sum(autobuild_sessions_total{outcome="success"})`); err != nil {
		return nil, fmt.Errorf("failed to query succeeded sessions: %w", err)
	}
	if metrics.SessionsFailed, err = q.sumQuery(ctx, `sum(autobuild_sessions_total{outcome="failure"})`); err != nil {
		return nil, fmt.Errorf("failed to query failed sessions: %w", err)
	}
	if metrics.SessionsCrashed, err = q.sumQuery(ctx, `sum(autobuild_sessions_total{outcome="crashed"})`); err != nil {
		return nil, fmt.Errorf("failed to query crashed sessions: %w", err)
	}
	if metrics.ClaimsTotal, err = q.sumQuery(ctx, `sum(autobuild_claims_total)`); err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}

	// Throughput: passing features gained per hour over the last hour.
	rateResult, _, err := q.queryAPI.Query(ctx,
		`increase(autobuild_features{status="passing"}[1h])`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query throughput: %w", err)
	}
	if vector, ok := rateResult.(model.Vector); ok && len(vector) > 0 {
		metrics.PassingPerHour = float64(vector[0].Value)
	}

	return metrics, nil
}

// sumQuery runs an instant query expected to yield a single sample.
func (q *QueryService) sumQuery(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}
