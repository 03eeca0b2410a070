package api

import (
	"encoding/json"
	"net/http"

	"conveyor/internal/models"
	"conveyor/internal/store"
)

type createAlertRequest struct {
	Type          string `json:"type"`
	Channel       string `json:"channel"`
	Destination   string `json:"destination"`
	Threshold     int    `json:"threshold"`
	WindowMinutes int    `json:"window_minutes"`
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if !user.IsPro() {
		writeError(w, http.StatusForbidden, "alerts require a pro plan")
		return
	}

	var req createAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Destination == "" {
		writeError(w, http.StatusBadRequest, "destination is required")
		return
	}
	if req.Type == "" {
		req.Type = models.AlertTypeJobFailed
	}
	if req.Channel == "" {
		req.Channel = models.AlertChannelWebhook
	}
	if req.Threshold <= 0 {
		req.Threshold = 1
	}
	if req.WindowMinutes <= 0 {
		req.WindowMinutes = 60
	}

	alert, err := s.store.CreateAlert(r.Context(), store.CreateAlertParams{
		UserID:        user.ID,
		Type:          req.Type,
		Channel:       req.Channel,
		Destination:   req.Destination,
		Threshold:     req.Threshold,
		WindowMinutes: req.WindowMinutes,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	alerts, err := s.store.ListAlerts(r.Context(), user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if err := s.store.DeleteAlert(r.Context(), urlParam(r, "id"), user.ID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
