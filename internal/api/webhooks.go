package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"conveyor/internal/store"
)

type createWebhookRequest struct {
	Name       string  `json:"name"`
	URL        string  `json:"url"`
	QueueID    *string `json:"queue_id"`
	OnComplete *bool   `json:"on_complete"`
	OnFail     *bool   `json:"on_fail"`
	OnRetry    *bool   `json:"on_retry"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if !user.IsPro() {
		writeError(w, http.StatusForbidden, "webhooks require a pro plan")
		return
	}

	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}

	secret, err := randomToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Events default to on unless the caller opts out.
	hook, err := s.store.CreateWebhook(r.Context(), store.CreateWebhookParams{
		UserID:     user.ID,
		QueueID:    req.QueueID,
		Name:       req.Name,
		URL:        req.URL,
		Secret:     &secret,
		OnComplete: boolOr(req.OnComplete, true),
		OnFail:     boolOr(req.OnFail, true),
		OnRetry:    boolOr(req.OnRetry, false),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	hooks, err := s.store.ListWebhooks(r.Context(), user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if err := s.store.DeleteWebhook(r.Context(), urlParam(r, "id"), user.ID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func randomToken(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
