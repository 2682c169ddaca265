// Package sweeper ends attempts that ran past their deadline.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-proctor/internal/audit"
	"github.com/ashureev/shsh-proctor/internal/domain"
	"github.com/ashureev/shsh-proctor/internal/shared"
)

const (
	defaultInterval = time.Minute
	endRetries      = 3
	endRetryDelay   = 50 * time.Millisecond
	timeoutReason   = "deadline passed"
)

// Store is the subset of the repository the sweeper needs.
type Store interface {
	GetExpiredAttempts(ctx context.Context, now time.Time) ([]*domain.Attempt, error)
	EndAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, reason string, at time.Time) (bool, error)
}

// LiveSessions closes the proctoring connection of an attempt.
type LiveSessions interface {
	CloseAttempt(attemptID, reason string) bool
}

// Sweeper periodically times out expired attempts.
type Sweeper struct {
	repo     Store
	live     LiveSessions
	audit    audit.Logger
	interval time.Duration
	now      func() time.Time
}

// New creates a sweeper. live and auditLog may be nil.
func New(repo Store, live LiveSessions, auditLog audit.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Sweeper{
		repo:     repo,
		live:     live,
		audit:    auditLog,
		interval: interval,
		now:      time.Now,
	}
}

// Start runs the sweeper in a background goroutine until ctx is done. The
// returned channel is closed once the goroutine has exited.
func (s *Sweeper) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Attempt sweeper started", "interval", s.interval)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				slog.Info("Attempt sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// Sweep ends every expired attempt once and returns how many it ended.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.now()
	expired, err := s.repo.GetExpiredAttempts(ctx, now)
	if err != nil {
		slog.Error("Sweeper failed to get expired attempts", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	slog.Info("Sweeper found expired attempts", "count", len(expired))

	ended := 0
	for _, a := range expired {
		var changed bool
		err := shared.RetryOnConflict(ctx, endRetries, endRetryDelay, func() error {
			var endErr error
			changed, endErr = s.repo.EndAttempt(ctx, a.ID, domain.AttemptTimedOut, timeoutReason, now)
			return endErr
		})
		if err != nil {
			if ctx.Err() != nil {
				slog.Debug("Sweeper canceled mid-sweep", "attempt_id", a.ID, "error", err)
				return ended
			}
			slog.Warn("Sweeper failed to end attempt after retries",
				"error", err,
				"attempt_id", a.ID,
				"user_id", a.UserID)
			continue
		}
		if !changed {
			// Submitted or terminated between the query and the update.
			continue
		}
		ended++

		if s.live != nil {
			s.live.CloseAttempt(a.ID, timeoutReason)
		}
		s.audit.Log(audit.Event{
			UserID:    a.UserID,
			AttemptID: a.ID,
			EventType: audit.EventAttemptEnded,
			Count:     a.ViolationCount,
			Meta:      map[string]any{"status": string(domain.AttemptTimedOut), "reason": timeoutReason},
		})
		slog.Info("Attempt timed out", "attempt_id", a.ID, "user_id", a.UserID)
	}
	return ended
}
