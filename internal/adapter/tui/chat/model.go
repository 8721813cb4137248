package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"estate-ai/internal/adapter/tui/components"
	"estate-ai/internal/adapter/tui/theme"
	"estate-ai/internal/adapter/tui/uxerror"
	"estate-ai/internal/domain"
)

// DefaultConversationID is the conversation the terminal chat talks in
// unless --conversation is given.
const DefaultConversationID = "terminal"

// ChannelName tags inbound messages from the terminal.
const ChannelName = "tui"

// ChatModelDeps are the chat model's collaborators.
type ChatModelDeps struct {
	Handler        domain.MessageHandler
	ConversationID string
	ModelName      string
	Logger         *slog.Logger
}

// ChatModel is the root Bubble Tea model of the terminal chat.
type ChatModel struct {
	deps ChatModelDeps

	chatView  components.ChatViewModel
	input     components.InputAreaModel
	statusBar components.StatusBarModel
	spinner   spinner.Model

	waiting  bool
	width    int
	height   int
	quitting bool

	// gen increases with every request; replies tagged with an older gen
	// belong to a cancelled request.
	gen      uint64
	cancelFn context.CancelFunc
}

// NewChatModel creates the root chat model.
func NewChatModel(deps ChatModelDeps) ChatModel {
	if deps.ConversationID == "" {
		deps.ConversationID = DefaultConversationID
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(theme.ColorInfo)

	sb := components.NewStatusBar()
	sb.ConversationID = deps.ConversationID
	sb.ModelName = deps.ModelName
	sb.Hints = defaultHints()

	cv := components.NewChatView()
	cv.Messages.SetMaxMessages(500)

	return ChatModel{
		deps:      deps,
		chatView:  cv,
		input:     components.NewInputArea(),
		statusBar: sb,
		spinner:   s,
	}
}

// Init starts the spinner.
func (m ChatModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case components.InputSubmitMsg:
		return m.handleSubmit(msg.Value)

	case ReplyMsg:
		if msg.Gen != m.gen {
			return m, nil
		}
		return m.handleReply(msg), nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if !m.waiting {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	var cmd tea.Cmd
	m.chatView, cmd = m.chatView.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// View renders the chat.
func (m ChatModel) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 {
		return "  Initializing..."
	}

	header := theme.Header.Render("estate-ai " + theme.SymbolBullet + " property search")

	inputView := m.input.View()
	if m.waiting {
		inputView = theme.Dim.Render("> waiting for the agent...") + "\n" + m.spinner.View() + " " + m.statusBar.Extra
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.chatView.View(),
		components.Divider(m.width),
		inputView,
		m.statusBar.View(),
	)
}

func (m *ChatModel) layout() {
	const headerH, inputH, statusH, dividerH = 1, 3, 1, 1
	contentH := max(m.height-headerH-inputH-statusH-dividerH, 5)

	m.statusBar.SetWidth(m.width)
	m.chatView.SetSize(m.width, contentH)
	m.input.SetWidth(m.width)
}

func (m ChatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		if m.waiting {
			m.cancelRequest()
			return m, nil
		}
		m.quitting = true
		return m, tea.Quit

	case tea.KeyCtrlL:
		return m.handleLocalCommand("/clear")

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.chatView, cmd = m.chatView.Update(msg)
		return m, cmd
	}

	if m.waiting {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleSubmit sends input to the handler. Local commands (/quit, /clear,
// /cancel) stay in the terminal; everything else, /reset and /help
// included, goes through the handler like any channel message.
func (m ChatModel) handleSubmit(value string) (tea.Model, tea.Cmd) {
	if cmd, _, ok := components.ParseSlashCommand(value); ok {
		switch cmd {
		case "/quit", "/exit", "/clear", "/cancel":
			return m.handleLocalCommand(cmd)
		}
	}

	if m.cancelFn != nil {
		m.cancelFn()
	}
	m.chatView.AddMessage(components.ChatMessage{Role: components.RoleUser, Content: value})

	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelFn = cancel

	m.waiting = true
	m.input.SetEnabled(false)
	m.statusBar.Extra = theme.SymbolSpinner + " Thinking..."

	inbound := domain.InboundMessage{
		ConversationID: m.deps.ConversationID,
		Content:        value,
		ChannelName:    ChannelName,
		SenderID:       "local",
	}
	return m, sendMessageCmd(ctx, m.deps.Handler, inbound, m.gen)
}

func (m ChatModel) handleReply(msg ReplyMsg) ChatModel {
	m.finishRequest()

	switch {
	case msg.Err == nil:
		m.chatView.AddMessage(components.ChatMessage{
			Role:    components.RoleAssistant,
			Content: msg.Out.Content,
			Elapsed: msg.Elapsed,
		})
	case errors.Is(msg.Err, context.Canceled), errors.Is(msg.Err, domain.ErrTurnSuperseded):
		// The user already moved on.
	default:
		m.deps.Logger.Debug("turn failed", "error", msg.Err)
		m.chatView.AddMessage(components.ChatMessage{
			Role:    components.RoleError,
			Content: uxerror.Humanize(msg.Err).Render(),
		})
	}
	return m
}

func (m ChatModel) handleLocalCommand(cmd string) (tea.Model, tea.Cmd) {
	switch cmd {
	case "/quit", "/exit":
		if m.cancelFn != nil {
			m.cancelFn()
		}
		m.quitting = true
		return m, tea.Quit

	case "/clear":
		m.chatView.Clear()
		m.system(theme.SymbolSuccess + " Screen cleared. Send /reset to also forget the conversation.")
		return m, nil

	case "/cancel":
		if m.waiting {
			m.cancelRequest()
		} else {
			m.system("No active request to cancel.")
		}
		return m, nil
	}
	m.system(fmt.Sprintf("Unknown command: %s", cmd))
	return m, nil
}

func (m *ChatModel) system(text string) {
	m.chatView.AddMessage(components.ChatMessage{Role: components.RoleSystem, Content: text})
}

// cancelRequest abandons the in-flight request; its reply will carry a
// stale gen and be dropped.
func (m *ChatModel) cancelRequest() {
	if m.cancelFn != nil {
		m.cancelFn()
	}
	m.gen++
	m.finishRequest()
	m.system("Request cancelled.")
}

func (m *ChatModel) finishRequest() {
	m.cancelFn = nil
	m.waiting = false
	m.input.SetEnabled(true)
	m.statusBar.Extra = ""
}

func defaultHints() []components.KeyHint {
	return []components.KeyHint{
		{Key: "Enter", Desc: "Send"},
		{Key: "Alt+Enter", Desc: "Newline"},
		{Key: "/reset", Desc: "New search"},
		{Key: "Ctrl+C", Desc: "Cancel/Quit"},
	}
}
