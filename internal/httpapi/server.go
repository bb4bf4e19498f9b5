// Package httpapi exposes the orchestrator's control surface over HTTP:
// seed, run control, status, and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autobuild/internal/orch"
	"autobuild/pkg/logx"
	"autobuild/pkg/persistence"
	"autobuild/pkg/proto"
)

// Server serves the control API for one orchestrator.
type Server struct {
	logger *logx.Logger
	orch   *orch.Orchestrator
	server *http.Server
}

// NewServer creates the API server listening on addr.
func NewServer(orchestrator *orch.Orchestrator, addr string) *Server {
	s := &Server{
		logger: logx.NewLogger("httpapi"),
		orch:   orchestrator,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/seed", s.handleSeed)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/pause", s.handlePause)
	mux.HandleFunc("/api/resume", s.handleResume)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/features", s.handleFeatures)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/runmetrics", s.handleRunMetrics)
	mux.Handle("/metrics", promhttp.HandlerFor(orchestrator.Registry(), promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the underlying handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	s.logger.Info("🌐 Control API listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	if err := s.server.Close(); err != nil {
		return fmt.Errorf("failed to close api server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type seedRequest struct {
	ProjectID string          `json:"projectId"`
	RootPath  string          `json:"rootPath"`
	Input     proto.SpecInput `json:"input"`
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("projectId is required"))
		return
	}

	result, err := s.orch.Seed(req.ProjectID, req.RootPath, &req.Input)
	if err != nil {
		status := statusForError(err)
		writeJSON(w, status, map[string]any{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "result": result})
}

type startRequest struct {
	ProjectID    string      `json:"projectId"`
	Concurrency  *int        `json:"concurrency,omitempty"`
	TestingRatio *float64    `json:"testingRatio,omitempty"`
	Mode         *proto.Mode `json:"mode,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	opts := &orch.StartOptions{
		Concurrency:  req.Concurrency,
		TestingRatio: req.TestingRatio,
		Mode:         req.Mode,
	}
	s.control(w, func() error { return s.orch.Start(r.Context(), req.ProjectID, opts) })
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.control(w, s.orch.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.control(w, s.orch.Resume)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.control(w, s.orch.Stop)
}

type settingsRequest struct {
	Concurrency  int        `json:"concurrency"`
	TestingRatio float64    `json:"testingRatio"`
	Mode         proto.Mode `json:"mode"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	s.control(w, func() error {
		return s.orch.UpdateSettings(req.Concurrency, req.TestingRatio, req.Mode)
	})
}

func (s *Server) control(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("project query parameter is required"))
		return
	}
	snapshot, err := s.orch.Status(projectID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("project query parameter is required"))
		return
	}
	features, err := s.orch.Features(projectID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, features)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("project query parameter is required"))
		return
	}
	sessions, err := s.orch.Sessions(projectID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	runMetrics, err := s.orch.RunMetrics(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, runMetrics)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return false
	}
	return true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, proto.ErrAlreadyRunning), errors.Is(err, proto.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, proto.ErrSpecMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, persistence.ErrProjectNotFound), errors.Is(err, persistence.ErrFeatureNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
