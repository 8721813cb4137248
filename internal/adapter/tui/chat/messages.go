// Package chat implements the terminal chat channel on Bubble Tea.
package chat

import (
	"time"

	"estate-ai/internal/domain"
)

// ReplyMsg carries the handler's answer back into the update loop. Gen
// identifies the request so answers to cancelled requests are dropped.
type ReplyMsg struct {
	Out     domain.OutboundMessage
	Err     error
	Gen     uint64
	Elapsed time.Duration
}

// QuitMsg asks the program to exit.
type QuitMsg struct{}
