package components

import (
	"fmt"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"estate-ai/internal/adapter/tui/theme"
)

// ChatViewModel is the scrollable transcript. It follows new messages
// while the user sits at the bottom; once they scroll up, replies that
// arrive are counted as unseen instead.
type ChatViewModel struct {
	Viewport viewport.Model
	Messages MessageListModel

	ready    bool
	atBottom bool
	unseen   int
}

// NewChatView creates a chat view sized on the first WindowSizeMsg.
func NewChatView() ChatViewModel {
	return ChatViewModel{
		Messages: NewMessageList(),
		atBottom: true,
	}
}

func (m *ChatViewModel) SetSize(w, h int) {
	m.Messages.SetWidth(w)
	if !m.ready {
		m.Viewport = viewport.New(w, h)
		m.Viewport.MouseWheelEnabled = true
		m.Viewport.MouseWheelDelta = 3
		m.ready = true
	} else {
		m.Viewport.Width = w
		m.Viewport.Height = h
	}
	m.render()
}

// AddMessage appends msg to the transcript.
func (m *ChatViewModel) AddMessage(msg ChatMessage) {
	m.Messages.Add(msg)
	m.render()
	switch {
	case m.atBottom:
		m.Viewport.GotoBottom()
	case msg.Role != RoleUser:
		m.unseen++
	}
}

// Unseen is the number of replies added while scrolled up.
func (m ChatViewModel) Unseen() int { return m.unseen }

func (m *ChatViewModel) Clear() {
	m.Messages.Clear()
	m.render()
	m.atBottom = true
	m.unseen = 0
	m.Viewport.GotoTop()
}

// Update handles scrolling.
func (m ChatViewModel) Update(msg tea.Msg) (ChatViewModel, tea.Cmd) {
	if !m.ready {
		return m, nil
	}
	var cmd tea.Cmd
	m.Viewport, cmd = m.Viewport.Update(msg)
	m.atBottom = m.Viewport.AtBottom()
	if m.atBottom {
		m.unseen = 0
	}
	return m, cmd
}

func (m ChatViewModel) View() string {
	if !m.ready {
		return "  Initializing..."
	}
	if m.unseen == 0 {
		return m.Viewport.View()
	}
	// The hint replaces the last visible line so the layout height holds.
	hint := theme.TextInfo.Render(fmt.Sprintf("  %s %d new below (PgDn / scroll)", theme.SymbolBullet, m.unseen))
	vp := m.Viewport
	vp.Height = max(vp.Height-1, 1)
	return vp.View() + "\n" + hint
}

func (m *ChatViewModel) render() {
	if m.ready {
		m.Viewport.SetContent(m.Messages.View())
	}
}
