// Package auth guards the HTTP API with a static bearer key. Every request
// under /api must carry "Authorization: Bearer <key>"; the health endpoint
// is mounted outside the guarded subtree.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Manager validates request credentials against the configured API key.
type Manager struct {
	key string
}

// NewManager builds a Manager for the given key. An empty key rejects every
// request; the server refuses to boot without one.
func NewManager(key string) *Manager {
	return &Manager{key: key}
}

// Authorized reports whether the request carries the configured bearer key.
func (m *Manager) Authorized(r *http.Request) bool {
	if m.key == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.key)) == 1
}

// RequireAuth is middleware that rejects unauthenticated requests with a 401.
func (m *Manager) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Authorized(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
