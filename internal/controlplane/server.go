// Package controlplane serves the orchestrator's HTTP API: submit runs,
// inspect them, and check health.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/daemon"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/store"
)

// Version is reported by /health.
var Version = "dev"

const defaultListLimit = 50

// Pinger reports whether the run store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides the HTTP API.
type Server struct {
	engine *engine.Engine
	db     Pinger
	daemon *daemon.Daemon
	addr   string
	logger *slog.Logger
	server *http.Server
	clock  engine.Clock
}

// Option configures a Server.
type Option func(*Server)

// WithDaemon exposes trigger counters on /daemon/stats.
func WithDaemon(d *daemon.Daemon) Option {
	return func(s *Server) { s.daemon = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server listening on addr once started.
func NewServer(eng *engine.Engine, db Pinger, addr string, opts ...Option) *Server {
	s := &Server{
		engine: eng,
		db:     db,
		addr:   addr,
		logger: slog.Default(),
		clock:  engine.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunByID)
	mux.HandleFunc("/daemon/stats", s.handleDaemonStats)
	return mux
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("control plane listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := HealthResponse{OK: true, DB: "ok", Version: Version, Time: s.clock.Now().Format(time.RFC3339)}
	status := http.StatusOK
	if err := s.db.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type jobResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Assets      []string `json:"assets"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defs := s.engine.Definitions()
	out := []jobResponse{}
	for _, job := range defs.Jobs() {
		plan, err := defs.Plan(job.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jr := jobResponse{Name: job.Name, Description: job.Description, Assets: make([]string, 0, len(plan))}
		for _, k := range plan {
			jr.Assets = append(jr.Assets, k.String())
		}
		out = append(out, jr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitRun(w, r)
	case http.MethodGet:
		s.listRuns(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// SubmitRequest is the body of POST /runs.
type SubmitRequest struct {
	Job    string            `json:"job"`
	RunKey string            `json:"run_key,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// SubmitResponse is returned by POST /runs.
type SubmitResponse struct {
	RunID        string `json:"run_id"`
	Deduplicated bool   `json:"deduplicated"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Job == "" {
		http.Error(w, "job is required", http.StatusBadRequest)
		return
	}

	tags := map[string]string{models.TagSource: "api"}
	for k, v := range req.Tags {
		tags[k] = v
	}
	id, deduped, err := s.engine.Submit(r.Context(), req.Job, models.RunRequest{RunKey: req.RunKey, Tags: tags})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case engine.IsUnknownJobError(err):
			status = http.StatusNotFound
		case engine.IsStoppedError(err):
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, SubmitResponse{RunID: id, Deduplicated: deduped})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RunFilter{
		JobName: q.Get("job"),
		Status:  models.RunStatus(strings.ToUpper(q.Get("status"))),
		RunKey:  q.Get("run_key"),
		Limit:   defaultListLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	runs, err := s.engine.ListRuns(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	run, err := s.engine.GetRun(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDaemonStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.daemon == nil {
		http.Error(w, "daemon not running", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
