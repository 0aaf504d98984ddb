// Package api is the HTTP boundary: job submission, status polling, log
// fetch/streaming, and the thin collaborator pass-throughs (scaffold,
// deploy, cache warming).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/model"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/store"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/toolchain"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/warm"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/workspace"
)

// Dispatcher schedules and cancels compile jobs.
type Dispatcher interface {
	Dispatch(id string) error
	Cancel(id string) error
}

// Server wires the HTTP surface onto the core components.
type Server struct {
	store *store.Store
	orch  Dispatcher
	tc    *toolchain.Toolchain
	ws    *workspace.Manager
}

func NewServer(st *store.Store, orch Dispatcher, tc *toolchain.Toolchain, ws *workspace.Manager) *Server {
	return &Server{store: st, orch: orch, tc: tc, ws: ws}
}

// Router builds the chi router for the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/contracts/compile", s.handleCompile)
		r.Post("/contracts/scaffold", s.handleScaffold)
		r.Post("/contracts/deploy", s.handleDeploy)
		r.Post("/cache/warm", s.handleWarm)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/jobs/{id}/logs", s.handleJobLogs)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

type compileRequest struct {
	SubjectName string `json:"subjectName"`
	Payload     string `json:"payload"`
}

type compileResponse struct {
	JobID     string       `json:"jobId"`
	Status    model.Status `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

func (req compileRequest) validate() error {
	if req.Payload == "" {
		return fmt.Errorf("payload is required: %w", model.ErrValidation)
	}
	return nil
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	job := s.store.Create(req.SubjectName, req.Payload)
	if err := s.orch.Dispatch(job.ID); err != nil {
		slog.ErrorContext(r.Context(), "dispatching job", "job_id", job.ID, "error", err)
		// the record must not linger queued forever
		now := time.Now()
		if serr := s.store.SetRunning(job.ID, now); serr == nil {
			_ = s.store.Fail(job.ID, model.FailureSetup, "job could not be scheduled: "+err.Error(), nil, nil, now)
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "job could not be scheduled")
		return
	}

	writeJSON(w, http.StatusAccepted, compileResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.store.List()})
}

type successResult struct {
	Message string `json:"message"`
	Stdout  string `json:"stdout"`
}

type failureResult struct {
	Message string             `json:"message"`
	Stderr  string             `json:"stderr"`
	Errors  []model.Diagnostic `json:"errors,omitempty"`
}

type jobResponse struct {
	model.Summary
	FailureKind   model.FailureKind `json:"failureKind,omitempty"`
	TerminalError string            `json:"terminalError,omitempty"`
	Result        *successResult    `json:"result,omitempty"`
	Failure       *failureResult    `json:"failure,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown job id")
		return
	}

	resp := jobResponse{
		Summary:       job.Summary(),
		FailureKind:   job.FailureKind,
		TerminalError: job.TerminalError,
	}
	switch job.Status {
	case model.StatusCompleted:
		resp.Result = &successResult{
			Message: "compilation succeeded",
			Stdout:  job.Stdout,
		}
	case model.StatusFailed:
		resp.Failure = &failureResult{
			Message: job.TerminalError,
			Stderr:  job.Stderr,
			Errors:  job.Diagnostics,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.orch.Cancel(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown job id")
	case errors.Is(err, model.ErrTerminal):
		writeError(w, http.StatusConflict, "already_terminal", "job already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
	}
}

type logsResponse struct {
	JobID   string           `json:"jobId"`
	Status  model.Status     `json:"status"`
	Entries []model.LogEntry `json:"entries"`
	Stdout  string           `json:"stdout"`
	Stderr  string           `json:"stderr"`
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("follow") == "true" {
		s.streamLogs(w, r, id)
		return
	}

	job, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown job id")
		return
	}
	entries := job.Entries
	if entries == nil {
		entries = []model.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logsResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Entries: entries,
		Stdout:  job.Stdout,
		Stderr:  job.Stderr,
	})
}

type scaffoldRequest struct {
	Name     string `json:"name"`
	Template string `json:"template,omitempty"`
}

func (s *Server) handleScaffold(w http.ResponseWriter, r *http.Request) {
	var req scaffoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "name is required")
		return
	}

	dir, err := s.ws.CreateBare()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	res, err := s.tc.Scaffold(r.Context(), dir, workspace.CrateName(req.Name), req.Template)
	if err != nil {
		s.ws.Remove(dir)
		writeError(w, http.StatusBadGateway, "toolchain_error", err.Error())
		return
	}
	if res.ExitCode != 0 {
		s.ws.Remove(dir)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  map[string]string{"code": "toolchain_error", "message": "scaffolding failed"},
			"output": res.Combined(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"dir":    dir,
		"output": res.Combined(),
	})
}

type deployRequest struct {
	Workdir string   `json:"workdir"`
	Args    []string `json:"args,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Workdir == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "workdir is required")
		return
	}

	res, err := s.tc.Deploy(r.Context(), req.Workdir, req.Args)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  map[string]string{"code": "toolchain_error", "message": err.Error()},
			"output": res.Output,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": res.Address,
		"output":  res.Output,
	})
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	if err := warm.Once(r.Context(), s.tc, s.ws); err != nil {
		writeError(w, http.StatusBadGateway, "toolchain_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
