// Package server exposes the control API: task run submission and
// lifecycle operations, the job queue endpoints, the built-in proxy
// capability routes, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Alabobai/Alabobai-unified-sub008/jobqueue"
	"github.com/Alabobai/Alabobai-unified-sub008/proxy"
	"github.com/Alabobai/Alabobai-unified-sub008/runner"
)

// maxRequestBodySize limits request bodies to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// Server wires the runtime components behind one HTTP mux.
type Server struct {
	runner    *runner.Service
	queue     *jobqueue.Queue
	proxy     *proxy.Client
	extractor *proxy.Extractor
	logger    *slog.Logger
	startedAt time.Time
}

// New creates the control API server.
func New(run *runner.Service, queue *jobqueue.Queue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner:    run,
		queue:     queue,
		proxy:     proxy.NewClient(),
		extractor: proxy.NewExtractor(),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Register installs every route on mux and mirrors the proxy handlers
// into the runner's local dispatch table so broken-origin runs can fall
// back in-process.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/pause", s.handlePauseTask)
	mux.HandleFunc("POST /api/tasks/{id}/resume", s.handleResumeTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.handleRetryTask)
	mux.HandleFunc("GET /api/tasks/{id}/wait", s.handleWaitTask)

	mux.HandleFunc("POST /api/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/kick", s.handleKickJobs)

	mux.HandleFunc("POST /api/proxy/fetch", s.handleProxyFetch)
	mux.HandleFunc("POST /api/proxy/extract", s.handleProxyExtract)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	dispatcher := s.runner.Dispatcher()
	dispatcher.RegisterLocal("/api/proxy/fetch", s.localFetch)
	dispatcher.RegisterLocal("/api/proxy/extract", s.localExtract)
}

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	Task    string         `json:"task"`
	Context map[string]any `json:"context,omitempty"`
	DryRun  bool           `json:"dryRun,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.runner.Submit(runner.SubmitRequest{
		Task:    req.Task,
		Context: req.Context,
		DryRun:  req.DryRun,
		Origin:  callerOrigin(r),
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	runs := s.runner.List(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": len(runs)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runner.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Pause(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Resume(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Retry(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleWaitTask(w http.ResponseWriter, r *http.Request) {
	timeout := queryDuration(r, "timeoutMs", 25*time.Second)
	poll := queryDuration(r, "pollMs", 250*time.Millisecond)

	run, err := s.runner.WaitForRun(r.Context(), r.PathValue("id"), timeout, poll)
	if err != nil && run == nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// SubmitJobRequest is the body of POST /api/jobs.
type SubmitJobRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.queue.Submit(jobqueue.Type(req.Type), req.Payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleKickJobs(w http.ResponseWriter, r *http.Request) {
	s.queue.Kick()
	s.writeJSON(w, http.StatusAccepted, map[string]any{"kicked": true})
}

// proxyRequest is the body of the proxy capability routes.
type proxyRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleProxyFetch(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.proxy.Fetch(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProxyExtract(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.extractor.Extract(r.Context(), s.proxy, req.URL)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// localFetch adapts the proxy.fetch handler to the runner's local
// dispatch table.
func (s *Server) localFetch(ctx context.Context, payload map[string]any) (map[string]any, error) {
	url, _ := payload["url"].(string)
	return s.proxy.Fetch(ctx, url)
}

func (s *Server) localExtract(ctx context.Context, payload map[string]any) (map[string]any, error) {
	url, _ := payload["url"].(string)
	return s.extractor.Extract(ctx, s.proxy, url)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"runs":          s.runner.StateCounts(),
	})
}

// queryDuration parses a millisecond query parameter, falling back to a
// default on absence or garbage.
func queryDuration(r *http.Request, key string, fallback time.Duration) time.Duration {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

// callerOrigin reconstructs the base URL the caller reached us on, which
// becomes the dispatch origin for the created run's plan steps.
func callerOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if r.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBodySize))
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
