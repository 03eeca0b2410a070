package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"conveyor/internal/lifecycle"
	"conveyor/internal/models"
	"conveyor/internal/store"
	"conveyor/internal/telemetry"
)

type createJobRequest struct {
	Name        string          `json:"name"`
	QueueID     string          `json:"queue_id"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	MaxRetries  *int            `json:"max_retries"`
	WebhookURL  *string         `json:"webhook_url"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	if s.limiter != nil {
		allowed, err := s.limiter.AllowUser(r.Context(), user.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if !user.IsPro() {
		if req.Priority > 0 {
			writeError(w, http.StatusForbidden, "priority jobs require a pro plan")
			return
		}
		count, err := s.store.CountJobsCreatedSince(r.Context(), user.ID, startOfMonth(time.Now()))
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if count >= s.cfg.FreeJobsPerMonth {
			writeError(w, http.StatusForbidden,
				fmt.Sprintf("free plan is limited to %d jobs per month", s.cfg.FreeJobsPerMonth))
			return
		}
	}

	job, err := s.lifecycle.Create(r.Context(), lifecycle.CreateParams{
		Name:        req.Name,
		QueueID:     req.QueueID,
		UserID:      user.ID,
		Payload:     req.Payload,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		MaxRetries:  req.MaxRetries,
		WebhookURL:  req.WebhookURL,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	q := r.URL.Query()

	if status := q.Get("status"); status != "" && !models.ValidStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown status: "+status)
		return
	}

	limit := queryInt(q.Get("limit"), 50)
	if limit > 200 {
		limit = 200
	}
	jobs, total, err := s.store.ListJobs(r.Context(), store.JobFilter{
		UserID:  user.ID,
		QueueID: q.Get("queue_id"),
		Status:  q.Get("status"),
		Limit:   limit,
		Offset:  queryInt(q.Get("offset"), 0),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	job, err := s.store.GetJobForUser(r.Context(), urlParam(r, "id"), user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	logs, err := s.store.ListJobLogs(r.Context(), job.ID, 50)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "logs": logs})
}

type patchJobRequest struct {
	Action   string          `json:"action"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
	Progress *int            `json:"progress"`
}

func (s *Server) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	id := urlParam(r, "id")

	// Ownership check up front so foreign jobs read as absent.
	if _, err := s.store.GetJobForUser(r.Context(), id, user.ID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	var req patchJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var (
		job models.Job
		err error
	)
	switch req.Action {
	case "start":
		job, err = s.lifecycle.Start(r.Context(), id)
	case "complete":
		job, err = s.lifecycle.Complete(r.Context(), id, req.Result)
	case "fail":
		msg := req.Error
		if msg == "" {
			msg = "Job failed"
		}
		job, err = s.lifecycle.Fail(r.Context(), id, msg)
	case "cancel":
		job, err = s.lifecycle.Cancel(r.Context(), id)
	case "progress":
		if req.Progress == nil {
			writeError(w, http.StatusBadRequest, "progress is required")
			return
		}
		if err = s.lifecycle.UpdateProgress(r.Context(), id, *req.Progress); err == nil {
			job, err = s.store.GetJob(r.Context(), id)
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if err := s.store.DeleteJob(r.Context(), urlParam(r, "id"), user.ID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func startOfMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
