package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"conveyor/internal/models"
	"conveyor/internal/store"
)

type contextKey string

const userKey contextKey = "user"

// authenticate resolves the API key from Authorization: Bearer or X-API-Key
// and stashes the owning user on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFromRequest(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		user, err := s.store.GetUserByAPIKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			s.writeStoreError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func apiKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func userFrom(r *http.Request) models.User {
	user, _ := r.Context().Value(userKey).(models.User)
	return user
}
