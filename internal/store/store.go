// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shsh-proctor/internal/domain"
)

// Repository defines the interface for persisting learners, attempts and
// proctoring violations.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// CreateAttempt inserts a new attempt.
	CreateAttempt(ctx context.Context, attempt *domain.Attempt) error

	// GetAttempt retrieves an attempt by ID. Returns nil, nil when absent.
	GetAttempt(ctx context.Context, attemptID string) (*domain.Attempt, error)

	// ListAttempts returns a user's attempts, newest first.
	ListAttempts(ctx context.Context, userID string) ([]*domain.Attempt, error)

	// ListAllAttempts returns up to limit attempts across all users, newest first.
	ListAllAttempts(ctx context.Context, limit int) ([]*domain.Attempt, error)

	// RecordViolation stores a violation and bumps the attempt's count. Ended
	// attempts are rejected with ErrAttemptNotActive.
	RecordViolation(ctx context.Context, attemptID, kind string, at time.Time) (*domain.Violation, error)

	// ListViolations returns an attempt's violations in occurrence order.
	ListViolations(ctx context.Context, attemptID string) ([]*domain.Violation, error)

	// EndAttempt moves an active attempt to status. It reports false when the
	// attempt was not active, leaving it untouched.
	EndAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, reason string, at time.Time) (bool, error)

	// GetExpiredAttempts returns active attempts whose deadline has passed.
	GetExpiredAttempts(ctx context.Context, now time.Time) ([]*domain.Attempt, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
