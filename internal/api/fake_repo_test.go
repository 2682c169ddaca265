package api

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/shsh-proctor/internal/domain"
)

type fakeRepo struct {
	mu         sync.Mutex
	users      map[string]*domain.User
	attempts   map[string]*domain.Attempt
	violations map[string][]*domain.Violation
	pingErr    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:      make(map[string]*domain.User),
		attempts:   make(map[string]*domain.Attempt),
		violations: make(map[string][]*domain.Violation),
	}
}

func (f *fakeRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	if user == nil {
		return nil, nil
	}
	copy := *user
	return &copy, nil
}

func (f *fakeRepo) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *user
	f.users[user.UserID] = &copy
	return nil
}

func (f *fakeRepo) CreateAttempt(_ context.Context, a *domain.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attempts[a.ID]; ok {
		return errors.New("duplicate attempt")
	}
	copy := *a
	f.attempts[a.ID] = &copy
	return nil
}

func (f *fakeRepo) GetAttempt(_ context.Context, attemptID string) (*domain.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.attempts[attemptID]
	if a == nil {
		return nil, nil
	}
	copy := *a
	return &copy, nil
}

func (f *fakeRepo) ListAttempts(_ context.Context, userID string) ([]*domain.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Attempt
	for _, a := range f.attempts {
		if a.UserID == userID {
			copy := *a
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (f *fakeRepo) ListAllAttempts(ctx context.Context, _ int) ([]*domain.Attempt, error) {
	return nil, nil
}

func (f *fakeRepo) RecordViolation(_ context.Context, attemptID, kind string, at time.Time) (*domain.Violation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.attempts[attemptID]
	if a == nil {
		return nil, errors.New("attempt not found")
	}
	a.ViolationCount++
	v := &domain.Violation{
		ID:         int64(len(f.violations[attemptID]) + 1),
		AttemptID:  attemptID,
		Kind:       kind,
		Count:      a.ViolationCount,
		OccurredAt: at,
	}
	f.violations[attemptID] = append(f.violations[attemptID], v)
	return v, nil
}

func (f *fakeRepo) ListViolations(_ context.Context, attemptID string) ([]*domain.Violation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Violation(nil), f.violations[attemptID]...), nil
}

func (f *fakeRepo) EndAttempt(_ context.Context, attemptID string, status domain.AttemptStatus, reason string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.attempts[attemptID]
	if a == nil || !a.IsActive() {
		return false, nil
	}
	a.Status = status
	a.EndReason = reason
	a.EndedAt = &at
	return true, nil
}

func (f *fakeRepo) GetExpiredAttempts(_ context.Context, now time.Time) ([]*domain.Attempt, error) {
	return nil, nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return f.pingErr }
func (f *fakeRepo) Close() error                 { return nil }

type fakeLive struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeLive) CloseAttempt(attemptID, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, attemptID)
	return true
}

func (f *fakeLive) closedAttempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}
