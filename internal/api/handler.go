// Package api provides HTTP handlers for the proctoring API.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/shsh-proctor/internal/audit"
	"github.com/ashureev/shsh-proctor/internal/config"
	"github.com/ashureev/shsh-proctor/internal/store"
)

// LiveSessions ends the live proctoring connection of an attempt.
type LiveSessions interface {
	CloseAttempt(attemptID, reason string) bool
}

// Handler provides common handler utilities.
type Handler struct {
	repo   store.Repository
	live   LiveSessions
	policy *config.Policy
	audit  audit.Logger
	now    func() time.Time
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, live LiveSessions, policy *config.Policy, auditLog audit.Logger) *Handler {
	if policy == nil {
		policy = config.DefaultPolicy(0)
	}
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Handler{
		repo:   repo,
		live:   live,
		policy: policy,
		audit:  auditLog,
		now:    time.Now,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
