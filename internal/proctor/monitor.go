package proctor

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a Monitor.
type State int

const (
	// StateInactive ignores all signals. It is the initial state.
	StateInactive State = iota
	// StateActive counts violations for the bound session.
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "inactive"
}

// ViolationKind names the signal that produced a violation.
type ViolationKind string

const (
	// ViolationVisibilityHidden is a switch away from the assessment tab.
	ViolationVisibilityHidden ViolationKind = "visibility_hidden"
	// ViolationFocusLost is the assessment window losing focus.
	ViolationFocusLost ViolationKind = "focus_lost"
)

// Violation describes one counted signal.
type Violation struct {
	Kind       ViolationKind
	Count      int
	OccurredAt time.Time
}

// Callbacks are invoked synchronously on the goroutine delivering the
// signal, after the monitor has released its own lock. Either may be nil.
type Callbacks struct {
	OnViolation         func(Violation)
	OnThresholdExceeded func(count int)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithShortcuts replaces the blocked key combinations.
func WithShortcuts(s *ShortcutSet) Option {
	return func(m *Monitor) {
		if s != nil {
			m.shortcuts = s
		}
	}
}

// WithClock overrides time.Now for violation timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// Monitor observes a Host while a Session is active and reports violations.
//
// Signals are expected to be delivered one at a time by the host's event
// loop. Deactivate removes every observer before it returns; when it runs on
// the delivering goroutine (including from inside a callback) no callback
// fires afterwards. See Deactivate for calls from other goroutines.
type Monitor struct {
	host      Host
	callbacks Callbacks
	logger    *slog.Logger
	shortcuts *ShortcutSet
	now       func() time.Time

	mu      sync.Mutex
	state   State
	session *Session
	gen     uint64
	cancels []func()
}

// NewMonitor creates an inactive monitor. A nil host yields a monitor that
// activates but never observes anything.
func NewMonitor(host Host, callbacks Callbacks, opts ...Option) *Monitor {
	m := &Monitor{
		host:      host,
		callbacks: callbacks,
		logger:    slog.Default(),
		shortcuts: DefaultShortcuts(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Activate binds the monitor to session and starts observing. It is a no-op
// for a nil or inactive session and for the session already bound. Binding
// a different session replaces the previous observers.
func (m *Monitor) Activate(session *Session) {
	if session == nil || !session.Active() {
		m.logger.Debug("Proctor activation skipped, session inactive")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateActive {
		if m.session == session {
			return
		}
		m.unsubscribeLocked()
	}

	m.gen++
	m.session = session
	m.state = StateActive

	if m.host == nil {
		m.logger.Debug("Proctor host unavailable, monitoring disabled")
		return
	}

	gen := m.gen
	for _, kind := range Kinds() {
		cancel, err := m.listen(kind, gen)
		if err != nil {
			if errors.Is(err, ErrUnsupported) {
				m.logger.Debug("Proctor signal unsupported by host", "kind", kind.String())
			} else {
				m.logger.Warn("Proctor failed to subscribe", "kind", kind.String(), "error", err)
			}
			continue
		}
		m.cancels = append(m.cancels, cancel)
	}
}

// listen subscribes and shields the caller from a host that panics.
func (m *Monitor) listen(kind Kind, gen uint64) (cancel func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			cancel, err = nil, ErrUnsupported
		}
	}()
	cancel, err = m.host.Listen(kind, func(e *Event) { m.handle(gen, e) })
	if err == nil && cancel == nil {
		err = ErrUnsupported
	}
	return cancel, err
}

// Deactivate stops observing. It is safe to call at any time, any number of
// times, including from inside a callback.
//
// The no-callbacks-after-return guarantee holds on the goroutine that
// delivers signals. Called from any other goroutine, Deactivate does not
// wait: a callback already running completes, and a signal counted just
// before Deactivate may still report its OnViolation, but no threshold
// callback starts afterwards. Callers needing a hard stop deactivate on the
// delivering goroutine, or stop the host from delivering first.
func (m *Monitor) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateInactive {
		return
	}
	m.unsubscribeLocked()
	m.state = StateInactive
}

func (m *Monitor) unsubscribeLocked() {
	m.gen++
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ViolationCount returns the bound session's count, or zero when no session
// has been bound.
func (m *Monitor) ViolationCount() int {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.ViolationCount()
}

// IsOverThreshold reports whether the bound session exceeded its tolerance.
func (m *Monitor) IsOverThreshold() bool {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return s.IsOverThreshold()
}

// Shortcuts returns the blocked key combinations.
func (m *Monitor) Shortcuts() *ShortcutSet {
	return m.shortcuts
}

func (m *Monitor) handle(gen uint64, e *Event) {
	m.mu.Lock()
	if m.state != StateActive || m.gen != gen || !m.session.Active() {
		m.mu.Unlock()
		return
	}

	var kind ViolationKind
	switch e.Kind {
	case KindVisibility:
		if !e.Hidden {
			m.mu.Unlock()
			return
		}
		kind = ViolationVisibilityHidden
	case KindFocusLost:
		kind = ViolationFocusLost
	case KindContextMenu:
		e.PreventDefault()
		m.mu.Unlock()
		return
	case KindKeyDown:
		if m.shortcuts.Blocks(e.Key) {
			e.PreventDefault()
			m.logger.Debug("Proctor suppressed shortcut", "key", e.Key.String())
		}
		m.mu.Unlock()
		return
	default:
		m.mu.Unlock()
		return
	}

	count, crossed := m.session.record()
	at := m.now()
	m.mu.Unlock()

	m.logger.Info("Proctor violation", "kind", string(kind), "count", count, "crossed", crossed)

	if m.callbacks.OnViolation != nil && m.stillCurrent(gen) {
		m.callbacks.OnViolation(Violation{Kind: kind, Count: count, OccurredAt: at})
	}
	if crossed && m.callbacks.OnThresholdExceeded != nil && m.stillCurrent(gen) {
		m.callbacks.OnThresholdExceeded(count)
	}
}

// stillCurrent reports whether the subscription generation is live, so a
// violation callback that deactivated the monitor suppresses the threshold
// callback of the same signal.
func (m *Monitor) stillCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActive && m.gen == gen
}
