// Package api exposes the HTTP surface of the job platform.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"conveyor/internal/config"
	"conveyor/internal/lifecycle"
	"conveyor/internal/ratelimit"
	"conveyor/internal/store"
	"conveyor/internal/telemetry"
)

// Server wires HTTP handlers for the job platform API.
type Server struct {
	cfg       config.Config
	store     store.Store
	lifecycle *lifecycle.Manager
	limiter   *ratelimit.TokenBucket
	log       *logrus.Logger
}

// New constructs the API server. limiter may be nil; job creation then runs
// unthrottled.
func New(cfg config.Config, st store.Store, lm *lifecycle.Manager, limiter *ratelimit.TokenBucket, log *logrus.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		lifecycle: lm,
		limiter:   limiter,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Patch("/jobs/{id}", s.handlePatchJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)

		r.Post("/queues", s.handleCreateQueue)
		r.Get("/queues", s.handleListQueues)
		r.Get("/queues/{id}", s.handleGetQueue)
		r.Patch("/queues/{id}", s.handleUpdateQueue)
		r.Delete("/queues/{id}", s.handleDeleteQueue)

		r.Post("/webhooks", s.handleCreateWebhook)
		r.Get("/webhooks", s.handleListWebhooks)
		r.Delete("/webhooks/{id}", s.handleDeleteWebhook)

		r.Post("/alerts", s.handleCreateAlert)
		r.Get("/alerts", s.handleListAlerts)
		r.Delete("/alerts/{id}", s.handleDeleteAlert)

		r.Post("/keys", s.handleCreateKey)
		r.Get("/keys", s.handleListKeys)
		r.Delete("/keys/{id}", s.handleDeleteKey)

		r.Get("/stats", s.handleStats)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeStoreError maps engine error kinds onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
