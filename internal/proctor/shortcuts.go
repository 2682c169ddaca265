package proctor

import (
	"fmt"
	"sort"
	"strings"
)

// KeyCombo is a key press together with its modifier state.
type KeyCombo struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
}

// normalized lowercases the key so "I" and "i" match, and maps the
// browser's spelling of a few named keys onto one form.
func (k KeyCombo) normalized() KeyCombo {
	key := strings.ToLower(strings.TrimSpace(k.Key))
	switch key {
	case "esc":
		key = "escape"
	case "option":
		key = "alt"
	}
	k.Key = key
	return k
}

// String renders the combo as "Ctrl+Shift+I".
func (k KeyCombo) String() string {
	var parts []string
	if k.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if k.Meta {
		parts = append(parts, "Meta")
	}
	if k.Alt {
		parts = append(parts, "Alt")
	}
	if k.Shift {
		parts = append(parts, "Shift")
	}
	key := k.Key
	if len(key) == 1 {
		key = strings.ToUpper(key)
	} else if key != "" {
		key = strings.ToUpper(key[:1]) + key[1:]
	}
	return strings.Join(append(parts, key), "+")
}

// ParseShortcut parses "Ctrl+Shift+I", "Meta+Alt+J", "F12" or "Alt+Tab".
// Modifier names are case-insensitive; Cmd and Command alias Meta, Option
// aliases Alt, Control aliases Ctrl.
func ParseShortcut(s string) (KeyCombo, error) {
	fields := strings.Split(s, "+")
	var k KeyCombo
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			return KeyCombo{}, fmt.Errorf("parse shortcut %q: empty segment", s)
		}
		if i == len(fields)-1 {
			k.Key = f
			break
		}
		switch strings.ToLower(f) {
		case "ctrl", "control":
			k.Ctrl = true
		case "shift":
			k.Shift = true
		case "alt", "option":
			k.Alt = true
		case "meta", "cmd", "command", "super":
			k.Meta = true
		default:
			return KeyCombo{}, fmt.Errorf("parse shortcut %q: unknown modifier %q", s, f)
		}
	}
	return k.normalized(), nil
}

// defaultShortcuts opens developer tools, views source, or cycles tabs and
// windows in common browsers.
var defaultShortcuts = []string{
	"F12",
	"Ctrl+Shift+I",
	"Ctrl+Shift+J",
	"Ctrl+Shift+C",
	"Ctrl+Shift+K",
	"Ctrl+U",
	"Meta+Alt+I",
	"Meta+Alt+J",
	"Meta+Alt+C",
	"Meta+Alt+U",
	"Alt+Tab",
	"Meta+Tab",
	"Ctrl+Tab",
	"Ctrl+Shift+Tab",
	"Ctrl+PageDown",
	"Ctrl+PageUp",
}

// ShortcutSet is an immutable set of blocked key combinations.
type ShortcutSet struct {
	combos map[KeyCombo]struct{}
}

// NewShortcutSet builds a set from parsed combos.
func NewShortcutSet(combos ...KeyCombo) *ShortcutSet {
	s := &ShortcutSet{combos: make(map[KeyCombo]struct{}, len(combos))}
	for _, c := range combos {
		s.combos[c.normalized()] = struct{}{}
	}
	return s
}

// ParseShortcutSet parses every entry, failing on the first bad one.
func ParseShortcutSet(names []string) (*ShortcutSet, error) {
	combos := make([]KeyCombo, 0, len(names))
	for _, name := range names {
		c, err := ParseShortcut(name)
		if err != nil {
			return nil, err
		}
		combos = append(combos, c)
	}
	return NewShortcutSet(combos...), nil
}

// DefaultShortcuts returns the built-in developer-tools and tab-cycling set.
func DefaultShortcuts() *ShortcutSet {
	s, err := ParseShortcutSet(defaultShortcuts)
	if err != nil {
		panic(err)
	}
	return s
}

// Blocks reports whether k is in the set.
func (s *ShortcutSet) Blocks(k KeyCombo) bool {
	if s == nil {
		return false
	}
	_, ok := s.combos[k.normalized()]
	return ok
}

// Len returns the number of combos in the set.
func (s *ShortcutSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.combos)
}

// Combos returns the set sorted by its string form.
func (s *ShortcutSet) Combos() []KeyCombo {
	if s == nil {
		return nil
	}
	out := make([]KeyCombo, 0, len(s.combos))
	for c := range s.combos {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
