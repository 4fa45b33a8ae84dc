// Package server is the HTTP and SSE shell over the orchestration core. It
// owns request decoding, the error-kind to status-code mapping, and the SSE
// framing of log streams; all domain decisions live below it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apkforge/apkforge/internal/gitsafe"
	"github.com/apkforge/apkforge/internal/logbus"
	"github.com/apkforge/apkforge/internal/metrics"
	"github.com/apkforge/apkforge/internal/store"
	"github.com/apkforge/apkforge/internal/taskrun"
)

// Options tunes the HTTP shell.
type Options struct {
	Listen     string
	UploadsDir string
	// ReplayLines is how much ring history an SSE client receives on attach.
	ReplayLines int
	// DropThreshold is the subscriber drop count that triggers a
	// limit_reached event. Zero means the first drop triggers it.
	DropThreshold uint64
	// StreamTimeout bounds one SSE connection; zero means unbounded.
	StreamTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Listen == "" {
		o.Listen = ":8080"
	}
	if o.ReplayLines <= 0 {
		o.ReplayLines = 200
	}
	return o
}

// Server wires the HTTP surface to the core components.
type Server struct {
	httpServer *http.Server
	store      store.Store
	runtime    *taskrun.Runtime
	git        *gitsafe.Service
	bus        *logbus.Bus
	recorder   *metrics.Recorder
	adapter    *HTTPErrorAdapter
	opts       Options
	startTime  time.Time
}

// New assembles the server. recorder may be nil when metrics are disabled.
func New(st store.Store, rt *taskrun.Runtime, git *gitsafe.Service, bus *logbus.Bus, recorder *metrics.Recorder, opts Options) *Server {
	return &Server{
		store:     st,
		runtime:   rt,
		git:       git,
		bus:       bus,
		recorder:  recorder,
		adapter:   NewHTTPErrorAdapter(slog.Default()),
		opts:      opts.withDefaults(),
		startTime: time.Now(),
	}
}

// Handler builds the full route table. Exposed separately so tests can drive
// the server through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.recorder != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.recorder.Registry(), promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.HandleFunc("PUT /api/projects/{id}", s.handleUpdateProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)
	mux.HandleFunc("GET /api/projects/{id}/tasks", s.handleListProjectTasks)

	mux.HandleFunc("POST /api/uploads", s.handleUpload)

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/start", s.handleStartTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /api/tasks/{id}/logs/stream", s.handleLogStream)

	mux.HandleFunc("GET /api/projects/{id}/git/status", s.handleGitStatus)
	mux.HandleFunc("GET /api/projects/{id}/git/branches", s.handleGitBranches)
	mux.HandleFunc("POST /api/projects/{id}/git/branches", s.handleGitCreateBranch)
	mux.HandleFunc("POST /api/projects/{id}/git/checkout", s.handleGitCheckout)
	mux.HandleFunc("GET /api/projects/{id}/git/history", s.handleGitHistory)
	mux.HandleFunc("GET /api/projects/{id}/git/operations", s.handleGitOperations)
	mux.HandleFunc("POST /api/projects/{id}/git/commit", s.handleGitCommit)
	mux.HandleFunc("POST /api/projects/{id}/git/rollback", s.handleGitRollback)
	mux.HandleFunc("POST /api/projects/{id}/git/reset", s.handleGitReset)
	mux.HandleFunc("GET /api/projects/{id}/git/snapshots", s.handleListSnapshots)
	mux.HandleFunc("POST /api/projects/{id}/git/snapshots", s.handleCreateSnapshot)
	mux.HandleFunc("POST /api/projects/{id}/git/snapshots/{sid}/restore", s.handleRestoreSnapshot)
	mux.HandleFunc("DELETE /api/projects/{id}/git/snapshots/{sid}", s.handleDeleteSnapshot)

	return chain(slog.Default(), s.adapter)(mux)
}

// Start binds the listener and serves in the background. Binding failures are
// returned synchronously so startup fails fast.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.opts.Listen, err)
	}

	// No WriteTimeout: SSE streams stay open past any fixed deadline.
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "listen", s.opts.Listen)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("HTTP server stopped")
	return nil
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	RunningTasks  int     `json:"running_tasks"`
	QueuedTasks   int     `json:"queued_tasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running, queued := s.runtime.Stats()
	_ = writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		RunningTasks:  running,
		QueuedTasks:   queued,
	})
}
