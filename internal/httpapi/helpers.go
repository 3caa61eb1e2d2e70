// Package httpapi exposes the bearer-protected REST surface of the core
// service: session lifecycle, turn submission, rules management, and
// health probes.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/codial/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps a domain error to its wire envelope and HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, traceID string, err error) {
	env := apperr.ToEnvelope(err, traceID)
	status := apperr.HTTPStatus(env.ErrorCode)
	slog.Warn("httpapi.request_failed",
		"method", r.Method, "path", r.URL.Path,
		"status", status, "error_code", env.ErrorCode, "trace_id", traceID)
	writeJSON(w, status, env)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// requireBearer wraps a handler with bearer auth. An empty expected token
// disables the check (dev mode).
func requireBearer(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			got := extractBearerToken(r)
			traceID := uuid.NewString()
			if got == "" {
				writeError(w, r, traceID, apperr.New(apperr.CodeAuthRequired, "missing bearer token"))
				return
			}
			if got != token {
				writeError(w, r, traceID, apperr.New(apperr.CodeAuthInvalid, "invalid bearer token"))
				return
			}
		}
		next(w, r)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.CodeInvalidRequest, "invalid JSON body", err)
	}
	return nil
}
