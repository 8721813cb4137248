package components

import (
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"estate-ai/internal/adapter/tui/theme"
)

// maxHistory bounds the recalled queries kept per session.
const maxHistory = 50

// InputSubmitMsg is sent when the user presses Enter on non-empty input.
type InputSubmitMsg struct {
	Value string
}

// InputAreaModel is the query box. Enter submits, Alt+Enter inserts a
// newline, and Up/Down on an unedited box recall earlier queries.
type InputAreaModel struct {
	Textarea textarea.Model
	Enabled  bool

	history []string
	cursor  int // == len(history) when not browsing
}

// NewInputArea creates the query box.
func NewInputArea() InputAreaModel {
	ta := textarea.New()
	ta.Placeholder = "e.g. 2BHK flats in Whitefield under 90 lakh"
	ta.Prompt = "> "
	ta.ShowLineNumbers = false
	ta.CharLimit = 2000
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.FocusedStyle.Prompt = theme.InputPrompt
	ta.FocusedStyle.Placeholder = theme.InputPlaceholder
	ta.Focus()

	return InputAreaModel{Textarea: ta, Enabled: true}
}

func (m *InputAreaModel) SetWidth(w int) {
	m.Textarea.SetWidth(w - 2)
}

// SetEnabled toggles input while a turn is running.
func (m *InputAreaModel) SetEnabled(enabled bool) {
	m.Enabled = enabled
	if enabled {
		m.Textarea.Focus()
	} else {
		m.Textarea.Blur()
	}
}

func (m InputAreaModel) Value() string {
	return m.Textarea.Value()
}

// History returns the recorded queries, oldest first.
func (m InputAreaModel) History() []string {
	return m.history
}

// ParseSlashCommand splits "/cmd args..." into a lowercased command and
// its arguments.
func ParseSlashCommand(input string) (cmd string, args []string, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", nil, false
	}
	parts := strings.Fields(input)
	return strings.ToLower(parts[0]), parts[1:], true
}

func (m InputAreaModel) Update(msg tea.Msg) (InputAreaModel, tea.Cmd) {
	if !m.Enabled {
		return m, nil
	}
	if _, ok := msg.(tea.MouseMsg); ok {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Type == tea.KeyEnter && !key.Alt:
			value := strings.TrimSpace(m.Textarea.Value())
			if value == "" {
				return m, nil
			}
			m.record(value)
			m.Textarea.Reset()
			return m, func() tea.Msg { return InputSubmitMsg{Value: value} }
		case key.Type == tea.KeyUp && m.browsable():
			m.recall(-1)
			return m, nil
		case key.Type == tea.KeyDown && m.browsable() && m.cursor < len(m.history):
			m.recall(+1)
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.Textarea, cmd = m.Textarea.Update(msg)
	if _, ok := msg.(tea.KeyMsg); ok && m.cursor < len(m.history) && m.Textarea.Value() != m.history[m.cursor] {
		m.cursor = len(m.history)
	}
	return m, cmd
}

func (m InputAreaModel) View() string {
	return m.Textarea.View()
}

// browsable reports whether arrow keys should walk history rather than
// move the cursor: the box is empty or shows a recalled query.
func (m InputAreaModel) browsable() bool {
	v := m.Textarea.Value()
	if v == "" {
		return true
	}
	return m.cursor < len(m.history) && v == m.history[m.cursor]
}

func (m *InputAreaModel) record(value string) {
	if n := len(m.history); n == 0 || m.history[n-1] != value {
		m.history = append(m.history, value)
		if len(m.history) > maxHistory {
			m.history = m.history[len(m.history)-maxHistory:]
		}
	}
	m.cursor = len(m.history)
}

func (m *InputAreaModel) recall(step int) {
	next := m.cursor + step
	if next < 0 || len(m.history) == 0 {
		return
	}
	m.cursor = next
	if m.cursor >= len(m.history) {
		m.cursor = len(m.history)
		m.Textarea.Reset()
		return
	}
	m.Textarea.SetValue(m.history[m.cursor])
}
