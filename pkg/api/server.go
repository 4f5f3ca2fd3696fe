// Package api implements the Control Surface (C11): an HTTP+JSON API
// fronting the Cluster Controller, following the reference control
// plane's validate-then-domain-call-then-respond handler style but
// rebuilt on gorilla/mux instead of gRPC.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/jobfabric/pkg/cluster"
	"github.com/cuemby/jobfabric/pkg/log"
	"github.com/cuemby/jobfabric/pkg/metrics"
	"github.com/cuemby/jobfabric/pkg/quota"
	"github.com/cuemby/jobfabric/pkg/types"
	"github.com/gorilla/mux"
)

// Controller is the subset of cluster.Controller the Control Surface
// depends on.
type Controller interface {
	Submit(tenantID, fileRef string, fileSizeBytes int64, plan types.TenantPlan) (*types.Job, error)
	Status(jobID string) (*types.Job, error)
	Scale(ctx context.Context, target int) error
	UpdateConfig(cfg cluster.Config) error
	Shutdown(deadline time.Duration) int
	View() (cluster.ClusterView, error)
}

// EventSource lets the Control Surface upgrade GET /events to a
// websocket stream without importing the streaming package's transport
// concerns into the domain layer.
type EventSource interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Server is the HTTP Control Surface.
type Server struct {
	ctrl   Controller
	events EventSource
	router *mux.Router
	srv    *http.Server
}

// NewServer builds the router and binds every handler named in the
// control surface's HTTP bindings. events may be nil, in which case
// GET /events responds 501.
func NewServer(ctrl Controller, events EventSource) *Server {
	s := &Server{ctrl: ctrl, events: events}

	r := mux.NewRouter()
	r.Use(s.instrument)
	r.HandleFunc("/jobs", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/cluster", s.handleCluster).Methods(http.MethodGet)
	r.HandleFunc("/scale", s.handleScale).Methods(http.MethodPost)
	r.HandleFunc("/config", s.handleUpdateConfig).Methods(http.MethodPatch)
	r.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.Handle("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	r.Handle("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	s.router = r
	return s
}

// Start serves the Control Surface on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("control surface listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// instrument records request counts and latency per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.URL.Path
		if rt := mux.CurrentRoute(r); rt != nil {
			if tmpl, err := rt.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rw.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// submitRequest is the POST /jobs request body.
type submitRequest struct {
	TenantID      string           `json:"tenant_id"`
	FileRef       string           `json:"file_ref"`
	FileSizeBytes int64            `json:"file_size_bytes"`
	Plan          types.TenantPlan `json:"plan"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TenantID == "" || req.FileRef == "" {
		writeError(w, http.StatusUnprocessableEntity, errors.New("tenant_id and file_ref are required"))
		return
	}

	job, err := s.ctrl.Submit(req.TenantID, req.FileRef, req.FileSizeBytes, req.Plan)
	if err != nil {
		writeError(w, statusForSubmitError(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, submitResponse{JobID: job.JobID})
}

func statusForSubmitError(err error) int {
	switch {
	case errors.Is(err, quota.ErrInsufficientPages):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// jobView is the JSON projection of a types.Job returned by GET /jobs/{id}.
type jobView struct {
	JobID       string         `json:"job_id"`
	TenantID    string         `json:"tenant_id"`
	Lane        types.Lane     `json:"lane"`
	State       types.JobState `json:"state"`
	Attempts    int            `json:"attempts"`
	WorkerID    string         `json:"worker_id,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	ResultRef   string         `json:"result_ref,omitempty"`
}

func jobToView(j *types.Job) jobView {
	return jobView{
		JobID:       j.JobID,
		TenantID:    j.TenantID,
		Lane:        j.Lane,
		State:       j.State,
		Attempts:    j.Attempts,
		WorkerID:    j.WorkerID,
		SubmittedAt: j.SubmittedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		LastError:   j.LastError,
		ResultRef:   j.ResultRef,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.ctrl.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToView(job))
}

// clusterResponse is the JSON projection of cluster.ClusterView.
type clusterResponse struct {
	WorkersPerLane map[types.Lane]int `json:"workers_per_lane"`
	WaitingPerLane map[types.Lane]int `json:"waiting_per_lane"`
	Paused         bool               `json:"paused"`
	MemPct         float64            `json:"mem_pct"`
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	view, err := s.ctrl.View()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, clusterResponse{
		WorkersPerLane: view.WorkersPerLane,
		WaitingPerLane: view.WaitingPerLane,
		Paused:         view.Paused,
		MemPct:         view.MemPct,
	})
}

type scaleRequest struct {
	Target int `json:"target"`
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.Scale(r.Context(), req.Target); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg cluster.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.UpdateConfig(cfg); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type shutdownRequest struct {
	DeadlineMs int64 `json:"deadline_ms"`
}

type shutdownResponse struct {
	ResidualInFlight int `json:"residual_in_flight"`
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req shutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deadline := time.Duration(req.DeadlineMs) * time.Millisecond
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	residual := s.ctrl.Shutdown(deadline)
	writeJSON(w, http.StatusOK, shutdownResponse{ResidualInFlight: residual})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, errors.New("api: event streaming not configured"))
		return
	}
	s.events.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
