package api

import (
	"net/http"
	"time"

	"conveyor/internal/models"
	"conveyor/internal/store"
)

type statsResponse struct {
	StatusCounts   map[string]int64 `json:"status_counts"`
	JobsToday      int64            `json:"jobs_today"`
	CompletedToday int64            `json:"completed_today"`
	FailedToday    int64            `json:"failed_today"`
	Queues         int64            `json:"queues"`
	SuccessRate    float64          `json:"success_rate"`
	JobsByDay      []store.DayCount `json:"jobs_by_day"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	ctx := r.Context()

	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	counts, err := s.store.JobStatusCounts(ctx, user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	jobsToday, err := s.store.CountJobsCreatedSince(ctx, user.ID, startOfDay)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	completedToday, err := s.store.CountCompletedSince(ctx, user.ID, startOfDay)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	failedToday, err := s.store.CountFailedSince(ctx, user.ID, "", startOfDay)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	queues, err := s.store.CountQueues(ctx, user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	byDay, err := s.store.JobsPerDay(ctx, user.ID, startOfDay.AddDate(0, 0, -6))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Success rate over all terminal jobs on record.
	completed := counts[models.StatusCompleted]
	failed := counts[models.StatusFailed]
	rate := 0.0
	if completed+failed > 0 {
		rate = float64(completed) / float64(completed+failed)
	}

	writeJSON(w, http.StatusOK, statsResponse{
		StatusCounts:   counts,
		JobsToday:      jobsToday,
		CompletedToday: completedToday,
		FailedToday:    failedToday,
		Queues:         queues,
		SuccessRate:    rate,
		JobsByDay:      byDay,
	})
}
