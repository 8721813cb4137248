package domain

import "context"

// InboundMessage is a message received from a channel (user input).
type InboundMessage struct {
	ConversationID string
	Content        string
	ChannelName    string

	// Enriched fields, all zero-value safe.
	SenderID   string            `json:"sender_id,omitempty"`
	SenderName string            `json:"sender_name,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message sent to a channel (agent response).
type OutboundMessage struct {
	ConversationID string
	Content        string
	IsError        bool
}

// MessageHandler turns one inbound message into the reply to deliver.
// A non-nil error with a non-empty OutboundMessage means the reply is a
// user-safe error notice; an empty OutboundMessage means nothing is sent.
type MessageHandler func(ctx context.Context, msg InboundMessage) (OutboundMessage, error)

// Channel is the interface for user-facing I/O adapters.
type Channel interface {
	// Start begins accepting input. It does not block.
	Start(ctx context.Context, handler MessageHandler) error
	Stop(ctx context.Context) error
	Name() string
}
