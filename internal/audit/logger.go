// Package audit writes an append-only NDJSON trail of proctoring events,
// one file per learner attempt.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Event types.
const (
	EventMonitorStarted    = "monitor_started"
	EventMonitorStopped    = "monitor_stopped"
	EventViolation         = "violation"
	EventThresholdExceeded = "threshold_exceeded"
	EventSuppressed        = "suppressed"
	EventAttemptEnded      = "attempt_ended"
)

// Event is one line of the audit trail.
type Event struct {
	Timestamp string         `json:"ts"`
	UserID    string         `json:"user_id"`
	AttemptID string         `json:"attempt_id"`
	TabID     string         `json:"tab_id,omitempty"`
	EventType string         `json:"event_type"`
	Kind      string         `json:"kind,omitempty"`
	Count     int            `json:"count,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Config controls the audit log.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Logger records audit events. Log never blocks the caller.
type Logger interface {
	Log(event Event)
	Close() error
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) Log(Event)    {}
func (noopLogger) Close() error { return nil }

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeSegment(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}

type fileLogger struct {
	dir    string
	logger *slog.Logger
	queue  chan Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	files map[string]*os.File // owned by the writer goroutine
}

// New creates an audit logger. A disabled config returns Nop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit log dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}

	l := &fileLogger{
		dir:    cfg.Dir,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		files:  make(map[string]*os.File),
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log enqueues an event, dropping it if the queue is full.
func (l *fileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Audit queue full, dropping event",
			"attempt_id", event.AttemptID,
			"event_type", event.EventType,
		)
	}
}

// Close drains queued events and closes open files.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()

	var firstErr error
	for path, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close audit file %s: %w", path, err)
		}
	}
	l.files = nil
	return firstErr
}

func (l *fileLogger) run() {
	defer l.wg.Done()
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.logger.Warn("Failed to write audit event",
				"error", err,
				"attempt_id", event.AttemptID,
			)
		}
	}
}

func (l *fileLogger) write(event Event) error {
	path := filepath.Join(l.dir, safeSegment(event.UserID), safeSegment(event.AttemptID)+".ndjson")

	f, ok := l.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create audit user dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		l.files[path] = f
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}

	// The attempt is over; nothing else will be appended to this file.
	if event.EventType == EventAttemptEnded || event.EventType == EventMonitorStopped {
		delete(l.files, path)
		if err := f.Close(); err != nil {
			return fmt.Errorf("close audit file: %w", err)
		}
	}
	return nil
}
