package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/shsh-proctor/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrAttemptNotActive is returned when a violation targets an attempt that is
// unknown or already ended.
var ErrAttemptNotActive = errors.New("attempt not found or not active")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes multi-statement writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// modernc applies _pragma parameters on every new pool connection.
	// busy_timeout comes first so the journal_mode switch can wait on a lock.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		assessment_id TEXT NOT NULL,
		status TEXT NOT NULL,
		max_allowed_violations INTEGER NOT NULL DEFAULT 0,
		violation_count INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		deadline INTEGER NOT NULL,
		ended_at INTEGER,
		end_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_user ON attempts(user_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_attempts_deadline ON attempts(deadline) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS violations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL REFERENCES attempts(id),
		kind TEXT NOT NULL,
		count INTEGER NOT NULL,
		occurred_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_violations_attempt ON violations(attempt_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateAttempt inserts a new attempt.
func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *domain.Attempt) error {
	query := `
	INSERT INTO attempts (id, user_id, assessment_id, status, max_allowed_violations,
		violation_count, started_at, deadline)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.UserID, a.AssessmentID, string(a.Status), a.MaxAllowedViolations,
		a.ViolationCount, a.StartedAt.Unix(), a.Deadline.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

const attemptColumns = `id, user_id, assessment_id, status, max_allowed_violations,
	violation_count, started_at, deadline, ended_at, end_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*domain.Attempt, error) {
	var a domain.Attempt
	var status string
	var startedAt, deadline int64
	var endedAt sql.NullInt64
	var endReason sql.NullString

	if err := row.Scan(
		&a.ID, &a.UserID, &a.AssessmentID, &status, &a.MaxAllowedViolations,
		&a.ViolationCount, &startedAt, &deadline, &endedAt, &endReason,
	); err != nil {
		return nil, err
	}

	a.Status = domain.AttemptStatus(status)
	a.StartedAt = time.Unix(startedAt, 0)
	a.Deadline = time.Unix(deadline, 0)
	if endedAt.Valid {
		ts := time.Unix(endedAt.Int64, 0)
		a.EndedAt = &ts
	}
	a.EndReason = endReason.String
	return &a, nil
}

// GetAttempt retrieves an attempt by ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, attemptID string) (*domain.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, attemptID)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan attempt row: %w", err)
	}
	return a, nil
}

// ListAttempts returns a user's attempts, newest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, userID string) ([]*domain.Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE user_id = ? ORDER BY started_at DESC, id`,
		userID)
}

// ListAllAttempts returns up to limit attempts across all users.
func (s *SQLiteStore) ListAllAttempts(ctx context.Context, limit int) ([]*domain.Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM attempts ORDER BY started_at DESC, id LIMIT ?`,
		limit)
}

// GetExpiredAttempts returns active attempts whose deadline has passed.
func (s *SQLiteStore) GetExpiredAttempts(ctx context.Context, now time.Time) ([]*domain.Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE status = 'active' AND deadline <= ?`,
		now.Unix())
}

func (s *SQLiteStore) queryAttempts(ctx context.Context, query string, args ...any) ([]*domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close attempt rows", "error", closeErr)
		}
	}()

	var attempts []*domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

// RecordViolation stores a violation and bumps an active attempt's count in
// one transaction. The returned violation carries the attempt's new count.
func (s *SQLiteStore) RecordViolation(ctx context.Context, attemptID, kind string, at time.Time) (*domain.Violation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin violation tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to rollback violation tx", "error", rbErr)
		}
	}()

	var count int
	err = tx.QueryRowContext(ctx,
		`UPDATE attempts SET violation_count = violation_count + 1 WHERE id = ? AND status = 'active' RETURNING violation_count`,
		attemptID).Scan(&count)
	if err == sql.ErrNoRows {
		return nil, ErrAttemptNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("bump violation count: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO violations (attempt_id, kind, count, occurred_at) VALUES (?, ?, ?, ?)`,
		attemptID, kind, count, at.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert violation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("violation id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit violation: %w", err)
	}

	return &domain.Violation{
		ID:         id,
		AttemptID:  attemptID,
		Kind:       kind,
		Count:      count,
		OccurredAt: time.Unix(at.Unix(), 0),
	}, nil
}

// ListViolations returns an attempt's violations in occurrence order.
func (s *SQLiteStore) ListViolations(ctx context.Context, attemptID string) ([]*domain.Violation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attempt_id, kind, count, occurred_at FROM violations WHERE attempt_id = ? ORDER BY id`,
		attemptID)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close violation rows", "error", closeErr)
		}
	}()

	var out []*domain.Violation
	for rows.Next() {
		var v domain.Violation
		var occurredAt int64
		if err := rows.Scan(&v.ID, &v.AttemptID, &v.Kind, &v.Count, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan violation row: %w", err)
		}
		v.OccurredAt = time.Unix(occurredAt, 0)
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return out, nil
}

// EndAttempt moves an active attempt to a terminal status.
func (s *SQLiteStore) EndAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, reason string, at time.Time) (bool, error) {
	if status == domain.AttemptActive || !status.Valid() {
		return false, fmt.Errorf("end attempt: invalid status %q", status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, ended_at = ?, end_reason = ? WHERE id = ? AND status = 'active'`,
		string(status), at.Unix(), reason, attemptID)
	if err != nil {
		return false, fmt.Errorf("end attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Debug("EndAttempt affected 0 rows", "attempt_id", attemptID, "status", status)
		return false, nil
	}
	return true, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
