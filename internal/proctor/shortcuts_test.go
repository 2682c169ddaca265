package proctor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShortcut(t *testing.T) {
	tests := []struct {
		in   string
		want KeyCombo
	}{
		{"F12", KeyCombo{Key: "f12"}},
		{"Ctrl+Shift+I", KeyCombo{Key: "i", Ctrl: true, Shift: true}},
		{"cmd+option+j", KeyCombo{Key: "j", Meta: true, Alt: true}},
		{"Control + Tab", KeyCombo{Key: "tab", Ctrl: true}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseShortcut(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseShortcut_Errors(t *testing.T) {
	for _, in := range []string{"", "Ctrl+", "Hyper+I"} {
		_, err := ParseShortcut(in)
		assert.Error(t, err, in)
	}
}

func TestShortcutSet_Blocks(t *testing.T) {
	s := DefaultShortcuts()

	assert.True(t, s.Blocks(KeyCombo{Key: "i", Ctrl: true, Shift: true}))
	assert.True(t, s.Blocks(KeyCombo{Key: "I", Meta: true, Alt: true}))
	assert.True(t, s.Blocks(KeyCombo{Key: "Tab", Ctrl: true, Shift: true}))
	assert.False(t, s.Blocks(KeyCombo{Key: "i", Ctrl: true}))
	assert.False(t, s.Blocks(KeyCombo{Key: "c", Ctrl: true}))

	var nilSet *ShortcutSet
	assert.False(t, nilSet.Blocks(KeyCombo{Key: "F12"}))
}

func TestShortcutSet_CombosSorted(t *testing.T) {
	s, err := ParseShortcutSet([]string{"F12", "Alt+Tab", "Ctrl+U"})
	require.NoError(t, err)

	var names []string
	for _, c := range s.Combos() {
		names = append(names, c.String())
	}
	assert.Equal(t, []string{"Alt+Tab", "Ctrl+U", "F12"}, names)
}
