package chat

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"estate-ai/internal/domain"
)

// sendMessageCmd runs the handler off the update loop.
func sendMessageCmd(ctx context.Context, handler domain.MessageHandler, msg domain.InboundMessage, gen uint64) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		out, err := handler(ctx, msg)
		return ReplyMsg{Out: out, Err: err, Gen: gen, Elapsed: time.Since(start)}
	}
}
