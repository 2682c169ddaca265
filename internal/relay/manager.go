// Package relay hosts proctoring monitors behind WebSocket connections. The
// browser relays focus, visibility, keyboard and context-menu signals; each
// connection is the host environment of one attempt's monitor.
package relay

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

type liveConn struct {
	userID string
	tabID  string
	conn   *websocket.Conn
}

// SessionManager tracks the live proctoring connection of each attempt.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]liveConn // attemptID -> connection
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]liveConn),
	}
}

// GetActive returns the live connection for an attempt.
func (m *SessionManager) GetActive(attemptID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[attemptID].conn
}

// Count returns the number of live connections.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Register makes conn the live connection for attemptID. A previous
// connection for the same attempt (another tab) is closed, so only one
// monitor ever counts for an attempt.
func (m *SessionManager) Register(userID, tabID, attemptID string, conn *websocket.Conn) {
	m.mu.Lock()
	prev, hadPrev := m.active[attemptID]
	m.active[attemptID] = liveConn{userID: userID, tabID: tabID, conn: conn}
	m.mu.Unlock()

	slog.Info("Proctor session registered", "user_id", userID, "tab_id", tabID, "attempt_id", attemptID)

	// Closing waits for the peer's close frame, so it runs outside the lock.
	if hadPrev && prev.conn != conn {
		slog.Info("Proctor session replaced by another tab",
			"attempt_id", attemptID,
			"replaced_tab_id", prev.tabID,
			"tab_id", tabID)
		_ = prev.conn.Close(websocket.StatusPolicyViolation, "attempt opened in another tab")
	}
}

// Unregister removes conn if it is still the attempt's live connection.
func (m *SessionManager) Unregister(attemptID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[attemptID]; ok && current.conn == conn {
		delete(m.active, attemptID)
		slog.Info("Proctor session unregistered", "user_id", current.userID, "tab_id", current.tabID, "attempt_id", attemptID)
	}
}

// CloseAttempt forcefully ends the live connection of an attempt. The
// connection's handler deactivates its monitor on the way out.
func (m *SessionManager) CloseAttempt(attemptID, reason string) bool {
	m.mu.Lock()
	live, ok := m.active[attemptID]
	if ok {
		delete(m.active, attemptID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	_ = live.conn.Close(websocket.StatusNormalClosure, reason)
	slog.Info("Proctor session closed", "user_id", live.userID, "tab_id", live.tabID, "attempt_id", attemptID, "reason", reason)
	return true
}

// CloseAll ends every live connection, for server shutdown.
func (m *SessionManager) CloseAll(reason string) int {
	m.mu.Lock()
	closing := make([]*websocket.Conn, 0, len(m.active))
	for attemptID, live := range m.active {
		closing = append(closing, live.conn)
		delete(m.active, attemptID)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range closing {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			_ = c.Close(websocket.StatusGoingAway, reason)
		}(conn)
	}
	wg.Wait()
	return len(closing)
}
