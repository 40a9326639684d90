// Package http holds the REST handlers mounted on the gateway router:
// OpenAI-compatible chat completions, run records and artifact files.
package http

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

// Request headers understood by the REST surface.
const (
	HeaderUserID  = "X-Cloudserve-User-Id"
	HeaderAgentID = "X-Cloudserve-Agent-Id"
)

// extractBearerToken extracts a bearer token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// tokenMatch performs a constant-time comparison of a provided token against the expected token.
// Returns true if expected is empty (no auth configured) or if tokens match.
func tokenMatch(provided, expected string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// requireToken wraps next with bearer auth and user ID propagation.
// allowQuery also accepts ?token= for clients that cannot set headers (img tags).
func requireToken(token string, allowQuery bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provided := extractBearerToken(r)
		if provided == "" && allowQuery {
			provided = r.URL.Query().Get("token")
		}
		if !tokenMatch(provided, token) {
			writeError(w, http.StatusUnauthorized, "invalid_request_error", "Invalid authentication")
			return
		}
		if userID := extractUserID(r); userID != "" {
			r = r.WithContext(store.WithUserID(r.Context(), userID))
		}
		next(w, r)
	}
}

// extractUserID extracts the external user ID from the request header.
// Returns "" if none is provided or it exceeds store.MaxUserIDLength.
func extractUserID(r *http.Request) string {
	id := r.Header.Get(HeaderUserID)
	if id == "" {
		return ""
	}
	if err := store.ValidateUserID(id); err != nil {
		slog.Warn("security.user_id_too_long", "length", len(id), "max", store.MaxUserIDLength)
		return ""
	}
	return id
}

// extractAgentID determines the target agent from the model field
// ("cloudserve:<id>" or "agent:<id>") or the agent header, falling back to the default agent.
func extractAgentID(r *http.Request, model string) string {
	for _, prefix := range []string{"cloudserve:", "agent:"} {
		if strings.HasPrefix(model, prefix) {
			return strings.TrimPrefix(model, prefix)
		}
	}
	if id := r.Header.Get(HeaderAgentID); id != "" {
		return id
	}
	return config.DefaultAgentID
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an OpenAI-style error body.
func writeError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"type":    typ,
			"message": message,
		},
	})
}
