// Package api exposes the scheduler's HTTP surface: task result lookup,
// queue listing, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cuemby/crucible/pkg/config"
	"github.com/cuemby/crucible/pkg/log"
	"github.com/cuemby/crucible/pkg/metrics"
	"github.com/cuemby/crucible/pkg/scheduler"
	"github.com/cuemby/crucible/pkg/storage"
	"github.com/cuemby/crucible/pkg/types"
)

// APIVersion is reported in every result response.
const APIVersion = "1.0"

// resultLookupTimeout bounds the result-store read behind one request.
const resultLookupTimeout = 2 * time.Second

// Server is the scheduler's HTTP endpoint.
type Server struct {
	cfg     *config.Config
	store   storage.Store
	results scheduler.ResultFetcher
	router  chi.Router
	http    *http.Server
}

// taskResultResponse is the body of GET /tasks/{task_id}/result.
type taskResultResponse struct {
	State      types.TaskStatus              `json:"state"`
	Result     map[string]types.StageSummary `json:"result,omitempty"`
	Logs       map[string]string             `json:"uploaded_logs,omitempty"`
	APIVersion string                        `json:"api_version"`
}

// NewServer assembles the router. All task routes sit behind bearer-token
// authentication; health and metrics are open.
func NewServer(cfg *config.Config, store storage.Store, results scheduler.ResultFetcher) *Server {
	s := &Server{cfg: cfg, store: store, results: results}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		// The canonical paths are unversioned; /v1 aliases them so
		// clients can pin the current contract.
		for _, prefix := range []string{"", "/v1"} {
			r.Get(prefix+"/tasks/{task_id}/result", s.handleTaskResult)
			r.Get(prefix+"/tasks", s.handleListTasks)
			r.Get(prefix+"/queues", s.handleListQueues)
		}
	})

	s.router = r
	s.http = &http.Server{
		Addr:         cfg.Scheduler.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.http.Addr).Msg("http server started")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// authenticate verifies the bearer token against the configured secret and
// signing algorithm. Anything short of a valid token is a 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		alg := s.cfg.Scheduler.HashingAlgorithm
		_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != alg {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return []byte(s.cfg.Scheduler.JWTSecret), nil
		}, jwt.WithValidMethods([]string{alg}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTaskResult reports the task's current state. The persisted record
// is authoritative for existence; the result store supplies the summary
// once the worker has reported. A result-store miss inside the deadline
// just means the task is still running.
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	record, err := s.store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	resp := taskResultResponse{State: record.Status, APIVersion: APIVersion}
	if reported, ok, err := s.results.Get(r.Context(), taskID, resultLookupTimeout); err != nil {
		logger := log.WithTaskID(taskID)
		logger.Warn().Err(err).Msg("result lookup failed")
	} else if ok {
		resp.State = reported.State
		resp.Result = reported.Summary
		resp.Logs = reported.Logs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleListQueues(w http.ResponseWriter, _ *http.Request) {
	queues, err := s.store.ListQueues()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list queues")
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
