package api

import (
	"encoding/json"
	"net/http"
)

type createKeyRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Name == "" {
		req.Name = "default"
	}

	token, err := randomToken(24)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	key, err := s.store.CreateAPIKey(r.Context(), user.ID, req.Name, "cq_"+token)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	// The full key is only surfaced on creation.
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	keys, err := s.store.ListAPIKeys(r.Context(), user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	for i := range keys {
		keys[i].Key = maskKey(keys[i].Key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if err := s.store.DeleteAPIKey(r.Context(), urlParam(r, "id"), user.ID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
