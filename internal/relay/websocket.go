package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shsh-proctor/internal/audit"
	"github.com/ashureev/shsh-proctor/internal/domain"
	"github.com/ashureev/shsh-proctor/internal/identity"
	"github.com/ashureev/shsh-proctor/internal/proctor"
	"github.com/ashureev/shsh-proctor/internal/shared"
	"github.com/ashureev/shsh-proctor/internal/store"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const (
	storeTimeout    = 5 * time.Second
	storeRetries    = 3
	storeRetryDelay = 50 * time.Millisecond
	terminateReason = "violation threshold exceeded"
)

// AttemptStore is the subset of the repository the relay writes through.
type AttemptStore interface {
	GetAttempt(ctx context.Context, attemptID string) (*domain.Attempt, error)
	RecordViolation(ctx context.Context, attemptID, kind string, at time.Time) (*domain.Violation, error)
	EndAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, reason string, at time.Time) (bool, error)
}

// Options configures a Handler.
type Options struct {
	AllowedOrigin        string
	IsDev                bool
	Shortcuts            *proctor.ShortcutSet
	TerminateOnThreshold bool
	SignalRate           float64
	SignalBurst          int
	Audit                audit.Logger
	Logger               *slog.Logger
}

// Handler serves GET /ws/proctor?attempt_id=...
type Handler struct {
	repo AttemptStore
	sm   *SessionManager
	opts Options
	now  func() time.Time
}

// NewHandler creates a new proctoring WebSocket handler.
func NewHandler(repo AttemptStore, sm *SessionManager, opts Options) *Handler {
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Shortcuts == nil {
		opts.Shortcuts = proctor.DefaultShortcuts()
	}
	if opts.SignalRate <= 0 {
		opts.SignalRate = 50
	}
	if opts.SignalBurst <= 0 {
		opts.SignalBurst = 100
	}
	return &Handler{repo: repo, sm: sm, opts: opts, now: time.Now}
}

// inboundMessage is a signal relayed by the browser.
type inboundMessage struct {
	Type   string `json:"type"`
	Seq    int64  `json:"seq,omitempty"`
	Hidden bool   `json:"hidden,omitempty"`
	Key    string `json:"key,omitempty"`
	Ctrl   bool   `json:"ctrl,omitempty"`
	Shift  bool   `json:"shift,omitempty"`
	Alt    bool   `json:"alt,omitempty"`
	Meta   bool   `json:"meta,omitempty"`
}

// outboundMessage reports monitor state back to the browser.
type outboundMessage struct {
	Type          string `json:"type"`
	Seq           int64  `json:"seq,omitempty"`
	Prevented     bool   `json:"prevented,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Count         int    `json:"count"`
	MaxAllowed    int    `json:"max_allowed"`
	OverThreshold bool   `json:"over_threshold"`
	Status        string `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
}

// eventFromMessage maps a relayed message onto a monitor signal.
func eventFromMessage(msg inboundMessage) (*proctor.Event, bool) {
	switch msg.Type {
	case "visibility":
		return proctor.VisibilityEvent(msg.Hidden), true
	case "blur":
		return proctor.FocusLostEvent(), true
	case "contextmenu":
		return proctor.ContextMenuEvent(), true
	case "keydown":
		if msg.Key == "" {
			return nil, false
		}
		return proctor.KeyDownEvent(proctor.KeyCombo{
			Key:   msg.Key,
			Ctrl:  msg.Ctrl,
			Shift: msg.Shift,
			Alt:   msg.Alt,
			Meta:  msg.Meta,
		}), true
	}
	return nil, false
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	who := identity.FromContext(r.Context())
	userID := who.UserID
	attemptID := r.URL.Query().Get("attempt_id")
	log := h.opts.Logger.With("user_id", userID, "tab_id", who.TabID, "attempt_id", attemptID)
	log.Info("Proctor connection request", "ip", identity.IPFromRequest(r))

	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if attemptID == "" {
		http.Error(w, `{"error":"attempt_id is required"}`, http.StatusBadRequest)
		return
	}

	attempt, err := h.repo.GetAttempt(r.Context(), attemptID)
	if err != nil {
		log.Error("Failed to load attempt", "error", err)
		http.Error(w, `{"error":"failed to load attempt"}`, http.StatusInternalServerError)
		return
	}
	if attempt == nil || attempt.UserID != userID {
		http.Error(w, `{"error":"attempt not found"}`, http.StatusNotFound)
		return
	}
	if !attempt.IsActive() || attempt.Expired(h.now()) {
		http.Error(w, `{"error":"attempt is not active"}`, http.StatusConflict)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("Failed to accept WebSocket", "error", err)
		return
	}

	c := &proctoredConn{
		h:           h,
		ws:          ws,
		log:         log,
		tabID:       who.TabID,
		attempt:     attempt,
		session:     proctor.ResumeSession(attempt.MaxAllowedViolations, attempt.ViolationCount),
		limiter:     rate.NewLimiter(rate.Limit(h.opts.SignalRate), h.opts.SignalBurst),
		closeCode:   websocket.StatusNormalClosure,
		closeReason: "session ended",
	}
	defer func() {
		if closeErr := ws.Close(c.closeCode, c.closeReason); closeErr != nil {
			log.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.sm.Register(userID, who.TabID, attemptID, ws)
	defer h.sm.Unregister(attemptID, ws)

	ctx, cancel := context.WithDeadline(r.Context(), attempt.Deadline)
	defer cancel()

	c.run(ctx)
	log.Info("Proctor session ended", "violations", c.session.ViolationCount())
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	h.opts.Logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

// proctoredConn is the per-connection state. Reads, dispatch, monitor
// callbacks and writes all happen on the goroutine running run.
type proctoredConn struct {
	h       *Handler
	ws      *websocket.Conn
	log     *slog.Logger
	tabID   string
	attempt *domain.Attempt
	session *proctor.Session
	limiter *rate.Limiter

	// ended stops the read loop; closeCode and closeReason are sent when
	// the socket closes.
	ended       bool
	closeCode   websocket.StatusCode
	closeReason string
}

func (c *proctoredConn) run(ctx context.Context) {
	host := proctor.NewDispatcher()
	monitor := proctor.NewMonitor(host, proctor.Callbacks{
		OnViolation:         func(v proctor.Violation) { c.onViolation(ctx, v) },
		OnThresholdExceeded: func(count int) { c.onThresholdExceeded(ctx, count) },
	}, proctor.WithLogger(c.log), proctor.WithShortcuts(c.h.opts.Shortcuts))

	monitor.Activate(c.session)
	defer monitor.Deactivate()

	c.audit(audit.EventMonitorStarted, "", c.session.ViolationCount(), nil)
	defer func() {
		c.audit(audit.EventMonitorStopped, "", c.session.ViolationCount(), nil)
	}()

	c.send(ctx, outboundMessage{Type: "ready", Status: string(c.attempt.Status)})

	// A previous connection crossed the threshold but could not end the
	// attempt; the crossing does not fire again, so finish the job here.
	if c.h.opts.TerminateOnThreshold && c.session.IsOverThreshold() {
		c.log.Warn("Resumed attempt is already over threshold, terminating")
		c.terminate(ctx, c.session.ViolationCount())
	}

	dropped := 0
	for !c.ended {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.log.Debug("WebSocket closed by client")
			} else if ctx.Err() != nil {
				c.log.Debug("Proctor connection context done", "reason", ctx.Err())
			} else {
				c.log.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg inboundMessage
		parseErr := json.Unmarshal(data, &msg)

		// Heartbeats are not signals and are never rate limited.
		if parseErr == nil && msg.Type == "ping" {
			c.send(ctx, outboundMessage{Type: "pong"})
			continue
		}

		if !c.limiter.Allow() {
			dropped++
			if dropped == 1 || dropped%100 == 0 {
				c.log.Warn("Proctor signal rate exceeded, dropping", "dropped", dropped)
			}
			continue
		}

		if parseErr != nil {
			c.send(ctx, outboundMessage{Type: "error", Error: "invalid message"})
			continue
		}

		event, ok := eventFromMessage(msg)
		if !ok {
			c.send(ctx, outboundMessage{Type: "error", Seq: msg.Seq, Error: "unknown signal"})
			continue
		}

		prevented := host.Dispatch(event)
		if prevented {
			c.audit(audit.EventSuppressed, event.Kind.String(), 0, map[string]any{"key": event.Key.String()})
		}
		c.send(ctx, outboundMessage{Type: "ack", Seq: msg.Seq, Prevented: prevented})
	}
}

func (c *proctoredConn) onViolation(ctx context.Context, v proctor.Violation) {
	err := c.persist(ctx, func(storeCtx context.Context) error {
		_, err := c.h.repo.RecordViolation(storeCtx, c.attempt.ID, string(v.Kind), v.OccurredAt)
		return err
	})
	if errors.Is(err, store.ErrAttemptNotActive) {
		// Ended out of band, e.g. by proctorctl.
		c.log.Info("Attempt no longer active, closing monitor")
		c.stop(websocket.StatusNormalClosure, "attempt ended")
		c.send(ctx, outboundMessage{Type: "ended"})
		return
	}
	if err != nil {
		// The persisted count is what a reconnect resumes from, so a lost
		// write must not leave this connection counting on its own.
		c.abort(ctx, "failed to record violation", err)
		return
	}
	c.audit(audit.EventViolation, string(v.Kind), v.Count, nil)
	c.send(ctx, outboundMessage{Type: "violation", Kind: string(v.Kind)})
}

func (c *proctoredConn) onThresholdExceeded(ctx context.Context, count int) {
	if c.ended {
		return
	}
	c.audit(audit.EventThresholdExceeded, "", count, nil)
	c.send(ctx, outboundMessage{Type: "threshold_exceeded"})

	if c.h.opts.TerminateOnThreshold {
		c.terminate(ctx, count)
	}
}

// terminate ends the attempt for exceeding its tolerance. If the store
// cannot be updated the connection is aborted and the attempt stays active
// and over threshold, which the next connection picks up.
func (c *proctoredConn) terminate(ctx context.Context, count int) {
	var changed bool
	err := c.persist(ctx, func(storeCtx context.Context) error {
		var endErr error
		changed, endErr = c.h.repo.EndAttempt(storeCtx, c.attempt.ID, domain.AttemptTerminated, terminateReason, c.h.now())
		return endErr
	})
	if err != nil {
		c.abort(ctx, "failed to terminate attempt", err)
		return
	}

	c.stop(websocket.StatusNormalClosure, terminateReason)
	c.attempt.Status = domain.AttemptTerminated
	if changed {
		c.audit(audit.EventAttemptEnded, "", count, map[string]any{"status": string(domain.AttemptTerminated), "reason": terminateReason})
	}
	c.send(ctx, outboundMessage{Type: "terminated", Status: string(domain.AttemptTerminated)})
}

// persist runs a repository write detached from the connection context,
// retrying SQLite lock conflicts.
func (c *proctoredConn) persist(ctx context.Context, fn func(context.Context) error) error {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	return shared.RetryOnConflict(storeCtx, storeRetries, storeRetryDelay, func() error {
		return fn(storeCtx)
	})
}

// stop ends monitoring after the current message.
func (c *proctoredConn) stop(code websocket.StatusCode, reason string) {
	c.ended = true
	c.session.SetActive(false)
	c.closeCode = code
	c.closeReason = reason
}

// abort stops proctoring when the stored attempt can no longer be kept in
// step with this connection.
func (c *proctoredConn) abort(ctx context.Context, reason string, err error) {
	c.log.Error("Aborting proctor session", "reason", reason, "error", err)
	c.stop(websocket.StatusInternalError, reason)
	c.send(ctx, outboundMessage{Type: "error", Error: reason})
}

func (c *proctoredConn) audit(eventType, kind string, count int, meta map[string]any) {
	c.h.opts.Audit.Log(audit.Event{
		UserID:    c.attempt.UserID,
		AttemptID: c.attempt.ID,
		TabID:     c.tabID,
		EventType: eventType,
		Kind:      kind,
		Count:     count,
		Meta:      meta,
	})
}

// send fills in the counters from the session and writes msg.
func (c *proctoredConn) send(ctx context.Context, msg outboundMessage) {
	msg.Count = c.session.ViolationCount()
	msg.MaxAllowed = c.session.MaxAllowedViolations()
	msg.OverThreshold = c.session.IsOverThreshold()

	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Warn("Failed to marshal proctor message", "error", err)
		return
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("Failed to send proctor message", "type", msg.Type, "error", err)
	}
}
