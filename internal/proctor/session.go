package proctor

import "sync"

// Session is the transient proctoring state of one assessment attempt.
// The violation count is written only by the Monitor observing the session;
// anyone may read it.
type Session struct {
	mu             sync.RWMutex
	active         bool
	violationCount int
	maxAllowed     int
}

// NewSession returns an active session with the given tolerance. A
// negative tolerance is treated as zero.
func NewSession(maxAllowedViolations int) *Session {
	if maxAllowedViolations < 0 {
		maxAllowedViolations = 0
	}
	return &Session{active: true, maxAllowed: maxAllowedViolations}
}

// ResumeSession returns an active session that has already counted
// violationCount violations, for a view that reconnects mid-attempt. A
// session resumed over its tolerance does not cross it again.
func ResumeSession(maxAllowedViolations, violationCount int) *Session {
	s := NewSession(maxAllowedViolations)
	if violationCount > 0 {
		s.violationCount = violationCount
	}
	return s
}

// Active reports whether monitoring should respond to signals.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive toggles whether signals are counted. An inactive session keeps
// its count.
func (s *Session) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

// ViolationCount returns the number of violations recorded so far.
func (s *Session) ViolationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.violationCount
}

// MaxAllowedViolations returns the configured tolerance.
func (s *Session) MaxAllowedViolations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxAllowed
}

// IsOverThreshold reports whether the count exceeds the tolerance.
func (s *Session) IsOverThreshold() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.violationCount > s.maxAllowed
}

// Reset clears the count and reactivates the session for a new attempt.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violationCount = 0
	s.active = true
}

// record increments the count. crossed is true only for the increment that
// moves the count from within tolerance to over it.
func (s *Session) record() (count int, crossed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violationCount++
	return s.violationCount, s.violationCount == s.maxAllowed+1
}
