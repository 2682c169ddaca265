package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/ashureev/shsh-proctor/internal/audit"
	"github.com/ashureev/shsh-proctor/internal/domain"
	"github.com/ashureev/shsh-proctor/internal/identity"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	maxRequestBodySize = 1 << 16
	maxAttemptDuration = 24 * time.Hour
)

var assessmentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// AttemptHandler handles assessment attempt endpoints.
type AttemptHandler struct {
	*Handler
	defaultDuration time.Duration
}

// NewAttemptHandler creates a new attempt handler. Attempts started without
// an explicit duration run for defaultDuration.
func NewAttemptHandler(base *Handler, defaultDuration time.Duration) *AttemptHandler {
	if defaultDuration <= 0 {
		defaultDuration = 60 * time.Minute
	}
	return &AttemptHandler{Handler: base, defaultDuration: defaultDuration}
}

// RegisterRoutes registers attempt and policy routes.
func (h *AttemptHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/proctor/policy", h.GetPolicy)
		r.Route("/attempts", func(r chi.Router) {
			r.Post("/", h.Start)
			r.Get("/", h.List)
			r.Get("/{attemptID}", h.Get)
			r.Post("/{attemptID}/submit", h.Submit)
			r.Get("/{attemptID}/violations", h.Violations)
		})
	})
}

type startAttemptRequest struct {
	AssessmentID    string `json:"assessment_id"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

type attemptResponse struct {
	*domain.Attempt
	OverThreshold    bool  `json:"over_threshold"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

func (h *AttemptHandler) present(a *domain.Attempt) attemptResponse {
	return attemptResponse{
		Attempt:          a,
		OverThreshold:    a.IsOverThreshold(),
		RemainingSeconds: int64(a.Remaining(h.now()).Seconds()),
	}
}

// GetMe returns the current user's information.
func (h *AttemptHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  user.UserID,
		"username": user.Username,
	})
}

// GetPolicy returns what the browser shim needs to suppress shortcuts
// locally and render the tolerance before the socket is open. An optional
// assessment_id query parameter selects that assessment's tolerance.
func (h *AttemptHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	maxViolations := h.policy.MaxViolations
	if assessmentID := r.URL.Query().Get("assessment_id"); assessmentID != "" {
		if !assessmentIDPattern.MatchString(assessmentID) {
			Error(w, http.StatusBadRequest, "invalid assessment_id")
			return
		}
		maxViolations = h.policy.MaxViolationsFor(assessmentID)
	}

	shortcuts := []string{}
	for _, c := range h.policy.Shortcuts().Combos() {
		shortcuts = append(shortcuts, c.String())
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"max_violations":    maxViolations,
		"blocked_shortcuts": shortcuts,
		"block_contextmenu": true,
	})
}

// Start creates an active attempt for the current user.
func (h *AttemptHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req startAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !assessmentIDPattern.MatchString(req.AssessmentID) {
		Error(w, http.StatusBadRequest, "assessment_id is required")
		return
	}

	duration := h.defaultDuration
	if req.DurationSeconds < 0 {
		Error(w, http.StatusBadRequest, "duration_seconds must be positive")
		return
	}
	if req.DurationSeconds > 0 {
		duration = time.Duration(req.DurationSeconds) * time.Second
	}
	if duration > maxAttemptDuration {
		duration = maxAttemptDuration
	}

	now := h.now()
	attempt := &domain.Attempt{
		ID:                   uuid.NewString(),
		UserID:               userID,
		AssessmentID:         req.AssessmentID,
		Status:               domain.AttemptActive,
		MaxAllowedViolations: h.policy.MaxViolationsFor(req.AssessmentID),
		StartedAt:            now,
		Deadline:             now.Add(duration),
	}
	if err := h.repo.CreateAttempt(r.Context(), attempt); err != nil {
		slog.Error("Failed to create attempt", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to create attempt")
		return
	}

	slog.Info("Attempt started",
		"user_id", userID,
		"attempt_id", attempt.ID,
		"assessment_id", attempt.AssessmentID,
		"max_allowed_violations", attempt.MaxAllowedViolations,
	)
	JSON(w, http.StatusCreated, h.present(attempt))
}

// List returns the current user's attempts.
func (h *AttemptHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	attempts, err := h.repo.ListAttempts(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list attempts", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}

	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, h.present(a))
	}
	JSON(w, http.StatusOK, out)
}

// ownedAttempt loads the {attemptID} attempt and checks it belongs to the
// caller. It writes the error response itself and returns nil on failure.
func (h *AttemptHandler) ownedAttempt(w http.ResponseWriter, r *http.Request) *domain.Attempt {
	userID := identity.UserIDFromContext(r.Context())
	attemptID := chi.URLParam(r, "attemptID")

	attempt, err := h.repo.GetAttempt(r.Context(), attemptID)
	if err != nil {
		slog.Error("Failed to load attempt", "error", err, "attempt_id", attemptID)
		Error(w, http.StatusInternalServerError, "failed to load attempt")
		return nil
	}
	if attempt == nil || attempt.UserID != userID {
		Error(w, http.StatusNotFound, "attempt not found")
		return nil
	}
	return attempt
}

// Get returns one attempt.
func (h *AttemptHandler) Get(w http.ResponseWriter, r *http.Request) {
	attempt := h.ownedAttempt(w, r)
	if attempt == nil {
		return
	}
	JSON(w, http.StatusOK, h.present(attempt))
}

// Submit ends an active attempt as submitted and closes its monitor.
func (h *AttemptHandler) Submit(w http.ResponseWriter, r *http.Request) {
	attempt := h.ownedAttempt(w, r)
	if attempt == nil {
		return
	}

	status := domain.AttemptSubmitted
	reason := "submitted"
	if attempt.Expired(h.now()) {
		status = domain.AttemptTimedOut
		reason = "deadline passed before submission"
	}

	changed, err := h.repo.EndAttempt(r.Context(), attempt.ID, status, reason, h.now())
	if err != nil {
		slog.Error("Failed to end attempt", "error", err, "attempt_id", attempt.ID)
		Error(w, http.StatusInternalServerError, "failed to submit attempt")
		return
	}
	if !changed {
		Error(w, http.StatusConflict, "attempt already ended")
		return
	}

	if h.live != nil {
		h.live.CloseAttempt(attempt.ID, reason)
	}
	h.audit.Log(audit.Event{
		UserID:    attempt.UserID,
		AttemptID: attempt.ID,
		TabID:     identity.TabIDFromContext(r.Context()),
		EventType: audit.EventAttemptEnded,
		Count:     attempt.ViolationCount,
		Meta:      map[string]any{"status": string(status), "reason": reason},
	})

	updated, err := h.repo.GetAttempt(r.Context(), attempt.ID)
	if err != nil || updated == nil {
		slog.Warn("Failed to reload submitted attempt", "error", err, "attempt_id", attempt.ID)
		updated = attempt
		updated.Status = status
	}
	slog.Info("Attempt ended", "attempt_id", attempt.ID, "status", status)
	JSON(w, http.StatusOK, h.present(updated))
}

// Violations returns the attempt's recorded violations.
func (h *AttemptHandler) Violations(w http.ResponseWriter, r *http.Request) {
	attempt := h.ownedAttempt(w, r)
	if attempt == nil {
		return
	}

	violations, err := h.repo.ListViolations(r.Context(), attempt.ID)
	if err != nil {
		slog.Error("Failed to list violations", "error", err, "attempt_id", attempt.ID)
		Error(w, http.StatusInternalServerError, "failed to list violations")
		return
	}
	if violations == nil {
		violations = []*domain.Violation{}
	}
	JSON(w, http.StatusOK, violations)
}
