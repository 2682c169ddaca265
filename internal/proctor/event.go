// Package proctor watches an assessment surface for attention-loss signals
// and reports violations while an attempt is being proctored.
package proctor

import "fmt"

// Kind identifies a class of host signal.
type Kind int

const (
	// KindVisibility is a page visibility change (hidden or visible).
	KindVisibility Kind = iota
	// KindFocusLost is the top-level window losing focus.
	KindFocusLost
	// KindKeyDown is a raw key press.
	KindKeyDown
	// KindContextMenu is a context-menu request.
	KindContextMenu
)

var kindNames = map[Kind]string{
	KindVisibility:  "visibility",
	KindFocusLost:   "blur",
	KindKeyDown:     "keydown",
	KindContextMenu: "contextmenu",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Kinds lists every signal kind a monitor subscribes to.
func Kinds() []Kind {
	return []Kind{KindVisibility, KindFocusLost, KindKeyDown, KindContextMenu}
}

// Event is a single signal delivered by a Host.
type Event struct {
	Kind   Kind
	Hidden bool     // KindVisibility only
	Key    KeyCombo // KindKeyDown only

	defaultPrevented bool
}

// PreventDefault asks the host to suppress the default UI action.
func (e *Event) PreventDefault() {
	e.defaultPrevented = true
}

// DefaultPrevented reports whether any listener suppressed the event.
func (e *Event) DefaultPrevented() bool {
	return e.defaultPrevented
}

// VisibilityEvent returns a visibility change signal.
func VisibilityEvent(hidden bool) *Event {
	return &Event{Kind: KindVisibility, Hidden: hidden}
}

// FocusLostEvent returns a window blur signal.
func FocusLostEvent() *Event {
	return &Event{Kind: KindFocusLost}
}

// KeyDownEvent returns a key press signal.
func KeyDownEvent(k KeyCombo) *Event {
	return &Event{Kind: KindKeyDown, Key: k}
}

// ContextMenuEvent returns a context-menu request signal.
func ContextMenuEvent() *Event {
	return &Event{Kind: KindContextMenu}
}
