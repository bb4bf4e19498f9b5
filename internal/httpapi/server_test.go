package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobuild/internal/orch"
	"autobuild/pkg/config"
	"autobuild/pkg/proto"
	"autobuild/pkg/session"
)

type okRunner struct{}

func (okRunner) Run(_ context.Context, _ session.Request) (proto.Outcome, error) {
	return proto.OutcomeSuccess, nil
}

func setupAPI(t *testing.T) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(dir, "test.db")
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.EventLogDir = filepath.Join(dir, "events")
	cfg.Concurrency = 2
	cfg.TestingRatio = 0
	cfg.Mode = "fast"
	cfg.ProgressInterval = time.Hour
	cfg.StopGracePeriod = 200 * time.Millisecond

	orchestrator, err := orch.NewWithRunner(cfg, okRunner{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orchestrator.Close() })

	apiServer := NewServer(orchestrator, ":0")
	server := httptest.NewServer(apiServer.Handler())
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestSeedStartAndRunToCompletion(t *testing.T) {
	server := setupAPI(t)

	seedBody := map[string]any{
		"projectId": "proj-1",
		"rootPath":  t.TempDir(),
		"input": proto.SpecInput{
			Entries: []proto.SpecEntry{
				{Name: "login", Category: "core"},
				{Name: "signup", Category: "core"},
				{Name: "billing", Category: "core", DependsOn: []string{"login"}},
			},
		},
	}
	resp := postJSON(t, server.URL+"/api/seed", seedBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, server.URL+"/api/start", map[string]string{"projectId": "proj-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Poll status until the run completes.
	require.Eventually(t, func() bool {
		statusResp, err := http.Get(server.URL + "/api/status?project=proj-1")
		require.NoError(t, err)
		var snapshot proto.Snapshot
		decodeBody(t, statusResp, &snapshot)
		return snapshot.RunState == proto.RunStateStopped && snapshot.Passing == 3
	}, 10*time.Second, 50*time.Millisecond)

	// Sessions endpoint shows the finished sessions.
	sessionsResp, err := http.Get(server.URL + "/api/sessions?project=proj-1")
	require.NoError(t, err)
	var sessions []map[string]any
	decodeBody(t, sessionsResp, &sessions)
	assert.Len(t, sessions, 3)

	// Metrics endpoint serves the Prometheus registry.
	metricsResp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = metricsResp.Body.Close() }()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestStartAcceptsInlineSettings(t *testing.T) {
	server := setupAPI(t)

	seedBody := map[string]any{
		"projectId": "proj-1",
		"rootPath":  t.TempDir(),
		"input": proto.SpecInput{
			Entries: []proto.SpecEntry{
				{Name: "login", Category: "core"},
				{Name: "signup", Category: "core"},
			},
		},
	}
	resp := postJSON(t, server.URL+"/api/seed", seedBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// The project seeded with fast mode; the start body switches it to
	// standard with a testing session per coding session.
	startBody := map[string]any{
		"projectId":    "proj-1",
		"concurrency":  1,
		"testingRatio": 1.0,
		"mode":         "standard",
	}
	resp = postJSON(t, server.URL+"/api/start", startBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	require.Eventually(t, func() bool {
		statusResp, err := http.Get(server.URL + "/api/status?project=proj-1")
		require.NoError(t, err)
		var snapshot proto.Snapshot
		decodeBody(t, statusResp, &snapshot)
		return snapshot.RunState == proto.RunStateStopped
	}, 10*time.Second, 50*time.Millisecond)

	sessionsResp, err := http.Get(server.URL + "/api/sessions?project=proj-1")
	require.NoError(t, err)
	var sessions []map[string]any
	decodeBody(t, sessionsResp, &sessions)

	roles := make(map[string]int)
	for _, row := range sessions {
		roles[row["role"].(string)]++
	}
	assert.Positive(t, roles["testing"], "inline settings should enable testing sessions")
	assert.Positive(t, roles["coding"])
}

func TestSeedMismatchRejected(t *testing.T) {
	server := setupAPI(t)

	seedBody := map[string]any{
		"projectId": "proj-1",
		"input": proto.SpecInput{
			Entries: []proto.SpecEntry{
				{Name: "dragon quest", Category: "game"},
				{Name: "boss battle", Category: "game"},
				{Name: "loot tables", Category: "game"},
				{Name: "mana system", Category: "game"},
			},
			DomainKeywords: []string{"invoice", "payment"},
		},
	}
	resp := postJSON(t, server.URL+"/api/seed", seedBody)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestControlErrors(t *testing.T) {
	server := setupAPI(t)

	// Pause with no active run.
	resp := postJSON(t, server.URL+"/api/pause", map[string]string{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// Start for an unknown project.
	resp = postJSON(t, server.URL+"/api/start", map[string]string{"projectId": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	// Status requires a project parameter.
	statusResp, err := http.Get(server.URL + "/api/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, statusResp.StatusCode)
	_ = statusResp.Body.Close()

	// Control endpoints are POST-only.
	getResp, err := http.Get(server.URL + "/api/stop")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
	_ = getResp.Body.Close()
}
