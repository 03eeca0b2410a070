package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"conveyor/internal/store"
)

type createQueueRequest struct {
	Name         string  `json:"name"`
	Description  *string `json:"description"`
	MaxRetries   *int    `json:"max_retries"`
	RetryDelayMS *int64  `json:"retry_delay_ms"`
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	var req createQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if !user.IsPro() {
		count, err := s.store.CountQueues(r.Context(), user.ID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if count >= s.cfg.FreeQueueLimit {
			writeError(w, http.StatusForbidden,
				fmt.Sprintf("free plan is limited to %d queue(s)", s.cfg.FreeQueueLimit))
			return
		}
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	retryDelay := s.cfg.DefaultRetryDelay
	if req.RetryDelayMS != nil {
		retryDelay = time.Duration(*req.RetryDelayMS) * time.Millisecond
	}

	queue, err := s.store.CreateQueue(r.Context(), store.CreateQueueParams{
		UserID:      user.ID,
		Name:        req.Name,
		Description: req.Description,
		MaxRetries:  maxRetries,
		RetryDelay:  retryDelay,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, queue)
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	queues, err := s.store.ListQueues(r.Context(), user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	queue, err := s.store.GetQueue(r.Context(), urlParam(r, "id"), user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

type updateQueueRequest struct {
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	IsPaused     *bool   `json:"is_paused"`
	MaxRetries   *int    `json:"max_retries"`
	RetryDelayMS *int64  `json:"retry_delay_ms"`
}

func (s *Server) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	id := urlParam(r, "id")

	var req updateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	patch := store.QueuePatch{
		Name:        req.Name,
		Description: req.Description,
		IsPaused:    req.IsPaused,
		MaxRetries:  req.MaxRetries,
	}
	if req.RetryDelayMS != nil {
		d := time.Duration(*req.RetryDelayMS) * time.Millisecond
		patch.RetryDelay = &d
	}
	if err := s.store.UpdateQueue(r.Context(), id, user.ID, patch); err != nil {
		s.writeStoreError(w, err)
		return
	}
	queue, err := s.store.GetQueue(r.Context(), id, user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if err := s.store.DeleteQueue(r.Context(), urlParam(r, "id"), user.ID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
