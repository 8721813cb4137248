package chat

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate-ai/internal/adapter/tui/components"
	"estate-ai/internal/domain"
)

type recordingHandler struct {
	got   []domain.InboundMessage
	reply string
	err   error
}

func (h *recordingHandler) handle(_ context.Context, in domain.InboundMessage) (domain.OutboundMessage, error) {
	h.got = append(h.got, in)
	return domain.OutboundMessage{ConversationID: in.ConversationID, Content: h.reply}, h.err
}

func sizedModel(h domain.MessageHandler) ChatModel {
	m := NewChatModel(ChatModelDeps{Handler: h, ConversationID: "conv-1"})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return next.(ChatModel)
}

// submit feeds a submission through Update and runs the resulting command.
func submit(t *testing.T, m ChatModel, text string) (ChatModel, tea.Msg) {
	t.Helper()
	next, cmd := m.Update(components.InputSubmitMsg{Value: text})
	m = next.(ChatModel)
	if cmd == nil {
		return m, nil
	}
	return m, cmd()
}

func lastMessage(m ChatModel) components.ChatMessage {
	msgs := m.chatView.Messages.Messages
	return msgs[len(msgs)-1]
}

func TestSubmitSendsThroughHandler(t *testing.T) {
	h := &recordingHandler{reply: "Found **3** flats"}
	m := sizedModel(h.handle)

	m, msg := submit(t, m, "flats in Baner")
	require.True(t, m.waiting)
	reply, ok := msg.(ReplyMsg)
	require.True(t, ok)

	require.Len(t, h.got, 1)
	assert.Equal(t, "conv-1", h.got[0].ConversationID)
	assert.Equal(t, "tui", h.got[0].ChannelName)
	assert.Equal(t, "flats in Baner", h.got[0].Content)

	next, _ := m.Update(reply)
	m = next.(ChatModel)
	assert.False(t, m.waiting)
	last := lastMessage(m)
	assert.Equal(t, components.RoleAssistant, last.Role)
	assert.Equal(t, "Found **3** flats", last.Content)
}

func TestResetAndHelpGoToHandler(t *testing.T) {
	for _, cmd := range []string{"/reset", "/help"} {
		h := &recordingHandler{reply: "ok"}
		m := sizedModel(h.handle)
		_, msg := submit(t, m, cmd)
		_, ok := msg.(ReplyMsg)
		assert.True(t, ok, cmd)
		require.Len(t, h.got, 1, cmd)
		assert.Equal(t, cmd, h.got[0].Content)
	}
}

func TestQuitCommand(t *testing.T) {
	h := &recordingHandler{}
	m := sizedModel(h.handle)

	m, msg := submit(t, m, "/quit")
	assert.Equal(t, tea.QuitMsg{}, msg)
	assert.True(t, m.quitting)
	assert.Empty(t, h.got)
	assert.Equal(t, "Goodbye!\n", m.View())
}

func TestClearIsLocal(t *testing.T) {
	h := &recordingHandler{reply: "hi"}
	m := sizedModel(h.handle)
	m, msg := submit(t, m, "hello")
	next, _ := m.Update(msg)
	m = next.(ChatModel)

	m, msg = submit(t, m, "/clear")
	assert.Nil(t, msg)
	assert.Len(t, h.got, 1)
	require.Len(t, m.chatView.Messages.Messages, 1)
	assert.Equal(t, components.RoleSystem, lastMessage(m).Role)
}

func TestErrorIsHumanized(t *testing.T) {
	h := &recordingHandler{reply: "generic", err: domain.WrapOp("route", domain.ErrStoreUnavailable)}
	m := sizedModel(h.handle)

	m, msg := submit(t, m, "hello")
	next, _ := m.Update(msg)
	m = next.(ChatModel)

	last := lastMessage(m)
	assert.Equal(t, components.RoleError, last.Role)
	assert.Contains(t, last.Content, "Conversation Store Unavailable")
}

func TestCancelDropsStaleReply(t *testing.T) {
	h := &recordingHandler{reply: "late answer"}
	m := sizedModel(h.handle)

	m, msg := submit(t, m, "hello")
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = next.(ChatModel)
	assert.False(t, m.waiting)
	assert.False(t, m.quitting)

	next, _ = m.Update(msg)
	m = next.(ChatModel)
	for _, cm := range m.chatView.Messages.Messages {
		assert.NotEqual(t, "late answer", cm.Content)
	}
	assert.Equal(t, "Request cancelled.", lastMessage(m).Content)
}

func TestSupersededReplyIsSilent(t *testing.T) {
	h := &recordingHandler{err: domain.ErrTurnSuperseded}
	m := sizedModel(h.handle)

	m, msg := submit(t, m, "hello")
	next, _ := m.Update(msg)
	m = next.(ChatModel)
	assert.Equal(t, components.RoleUser, lastMessage(m).Role)
}

func TestViewShowsStatus(t *testing.T) {
	m := sizedModel((&recordingHandler{}).handle)
	view := m.View()
	assert.True(t, strings.Contains(view, "conv-1"))
	assert.Contains(t, view, "estate-ai")
}
