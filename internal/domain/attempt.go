package domain

import (
	"time"
)

// AttemptStatus is the lifecycle status of an assessment attempt.
type AttemptStatus string

const (
	// AttemptActive is an attempt in progress.
	AttemptActive AttemptStatus = "active"
	// AttemptSubmitted was handed in by the learner.
	AttemptSubmitted AttemptStatus = "submitted"
	// AttemptTimedOut ran past its deadline.
	AttemptTimedOut AttemptStatus = "timed_out"
	// AttemptTerminated was ended for exceeding the violation threshold.
	AttemptTerminated AttemptStatus = "terminated"
)

// Valid reports whether s is a known status.
func (s AttemptStatus) Valid() bool {
	switch s {
	case AttemptActive, AttemptSubmitted, AttemptTimedOut, AttemptTerminated:
		return true
	}
	return false
}

// Attempt is one timed, proctored sitting of an assessment.
type Attempt struct {
	ID                   string        `json:"id"`
	UserID               string        `json:"user_id"`
	AssessmentID         string        `json:"assessment_id"`
	Status               AttemptStatus `json:"status"`
	MaxAllowedViolations int           `json:"max_allowed_violations"`
	ViolationCount       int           `json:"violation_count"`
	StartedAt            time.Time     `json:"started_at"`
	Deadline             time.Time     `json:"deadline"`
	EndedAt              *time.Time    `json:"ended_at,omitempty"`
	EndReason            string        `json:"end_reason,omitempty"`
}

// IsActive returns true while the attempt accepts answers and is proctored.
func (a *Attempt) IsActive() bool {
	return a.Status == AttemptActive
}

// IsOverThreshold returns true once the violation count exceeds the tolerance.
func (a *Attempt) IsOverThreshold() bool {
	return a.ViolationCount > a.MaxAllowedViolations
}

// Expired returns true if an active attempt is past its deadline.
func (a *Attempt) Expired(now time.Time) bool {
	return a.IsActive() && !a.Deadline.IsZero() && !now.Before(a.Deadline)
}

// Remaining returns the time left before the deadline.
// Returns 0 if the attempt has ended or expired.
func (a *Attempt) Remaining(now time.Time) time.Duration {
	if !a.IsActive() {
		return 0
	}
	left := a.Deadline.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Violation is a persisted proctoring violation.
type Violation struct {
	ID         int64     `json:"id"`
	AttemptID  string    `json:"attempt_id"`
	Kind       string    `json:"kind"`
	Count      int       `json:"count"`
	OccurredAt time.Time `json:"occurred_at"`
}
