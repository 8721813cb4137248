package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"estate-ai/internal/adapter/tui/theme"
)

// KeyHint is one keybinding hint in the status bar.
type KeyHint struct {
	Key  string
	Desc string
}

// StatusBarModel renders the bottom line: key hints on the left, the
// conversation and model on the right.
type StatusBarModel struct {
	Hints          []KeyHint
	ConversationID string
	ModelName      string
	Extra          string // e.g. "Searching listings..."
	width          int
}

// NewStatusBar creates an empty status bar.
func NewStatusBar() StatusBarModel {
	return StatusBarModel{}
}

// SetWidth updates the available width.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// View renders the status bar as a single line.
func (m StatusBarModel) View() string {
	hints := make([]string, 0, len(m.Hints))
	for _, h := range m.Hints {
		hints = append(hints, theme.StatusKey.Render(h.Key)+": "+h.Desc)
	}
	left := strings.Join(hints, "  "+theme.Dim.Render("|")+"  ")

	var parts []string
	if m.ConversationID != "" {
		parts = append(parts, m.ConversationID)
	}
	if m.ModelName != "" {
		parts = append(parts, m.ModelName)
	}
	right := theme.TextMuted.Render(strings.Join(parts, " "+theme.SymbolBullet+" "))
	if m.Extra != "" {
		right = theme.TextInfo.Render(m.Extra) + "  " + right
	}

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right), 1)
	return theme.StatusBar.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}
