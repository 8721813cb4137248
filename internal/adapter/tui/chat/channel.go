package chat

import (
	"context"
	"log/slog"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"estate-ai/internal/domain"
)

// TUIChannel implements domain.Channel with a Bubble Tea program. Unlike
// the webhook channels, Start blocks until the user quits.
type TUIChannel struct {
	conversationID string
	modelName      string
	logger         *slog.Logger
	opts           []tea.ProgramOption

	mu      sync.Mutex
	program *tea.Program
}

// NewTUIChannel creates a terminal chat bound to one conversation.
func NewTUIChannel(conversationID, modelName string, logger *slog.Logger, opts ...tea.ProgramOption) *TUIChannel {
	if len(opts) == 0 {
		opts = []tea.ProgramOption{tea.WithAltScreen(), tea.WithMouseCellMotion()}
	}
	return &TUIChannel{
		conversationID: conversationID,
		modelName:      modelName,
		logger:         logger,
		opts:           opts,
	}
}

// Start runs the program until the user quits or ctx is cancelled.
func (c *TUIChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	model := NewChatModel(ChatModelDeps{
		Handler:        handler,
		ConversationID: c.conversationID,
		ModelName:      c.modelName,
		Logger:         c.logger,
	})

	p := tea.NewProgram(model, append([]tea.ProgramOption{tea.WithContext(ctx)}, c.opts...)...)
	c.mu.Lock()
	c.program = p
	c.mu.Unlock()

	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop asks the program to quit.
func (c *TUIChannel) Stop(_ context.Context) error {
	c.mu.Lock()
	p := c.program
	c.mu.Unlock()
	if p != nil {
		p.Send(QuitMsg{})
	}
	return nil
}

// Name implements domain.Channel.
func (c *TUIChannel) Name() string { return ChannelName }
