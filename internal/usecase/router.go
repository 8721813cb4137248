package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/metrics"
)

// Chat commands understood on every channel.
const (
	CommandReset = "/reset"
	CommandHelp  = "/help"

	ResetReply = "Conversation cleared. What kind of property are you looking for?"
	HelpReply  = "Ask me about properties to buy or rent, for example: " +
		"\"2BHK flats in Pune under 1.2 crore\". I can also compare listings " +
		"you send me and summarise local price trends.\n\n" +
		"Send /reset to start over."
)

// Router dispatches inbound messages from any channel through the agent.
// It is the domain.MessageHandler every channel is started with.
type Router struct {
	agent   *Agent
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRouter creates a Router. m may be nil.
func NewRouter(agent *Agent, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{agent: agent, metrics: m, logger: logger}
}

// Handle processes one inbound message end-to-end and returns the outbound
// response. It is safe to call concurrently.
//
// A superseded turn yields an empty OutboundMessage and the supersede
// error: the newer message will produce the reply. Any other failure
// yields GenericErrorReply flagged IsError, with the cause.
func (r *Router) Handle(ctx context.Context, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	r.metrics.ObserveInbound(msg.ChannelName)
	log := r.logger.With("channel", msg.ChannelName, "conversation_id", msg.ConversationID)

	out := domain.OutboundMessage{ConversationID: msg.ConversationID}
	content := strings.TrimSpace(msg.Content)

	switch strings.ToLower(content) {
	case CommandReset:
		if err := r.agent.EndConversation(ctx, msg.ConversationID, true); err != nil {
			log.Warn("reset failed", "error", err)
			return r.failed(out), domain.WrapOp("route", err)
		}
		log.Info("conversation reset")
		out.Content = ResetReply
		return out, nil
	case CommandHelp:
		out.Content = HelpReply
		return out, nil
	}

	reply, err := r.agent.Handle(ctx, msg.ConversationID, content)
	if err != nil {
		if errors.Is(err, domain.ErrTurnSuperseded) {
			log.Debug("turn superseded, reply dropped")
			return domain.OutboundMessage{}, err
		}
		log.Error("turn failed", "error", err)
		return r.failed(out), domain.WrapOp("route", err)
	}

	out.Content = reply
	return out, nil
}

func (r *Router) failed(out domain.OutboundMessage) domain.OutboundMessage {
	out.Content = GenericErrorReply
	out.IsError = true
	return out
}
