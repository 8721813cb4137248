package domain

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive             ConversationStatus = "active"
	StatusAwaitingToolResult ConversationStatus = "awaiting-tool-result"
	StatusCompleted          ConversationStatus = "completed"
	StatusErrored            ConversationStatus = "errored"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusAwaitingToolResult, StatusCompleted, StatusErrored:
		return true
	}
	return false
}

// maxConversationIDLen bounds identifiers coming from channels (phone
// numbers, chat ids) so they stay usable as file names and cache keys.
const maxConversationIDLen = 128

// Conversation is the ordered message history and tool-call state for one
// end user. Messages are append-only except for Truncate.
type Conversation struct {
	ID        string             `json:"id"`
	Messages  []Message          `json:"messages"`
	Status    ConversationStatus `json:"status"`
	Pending   []string           `json:"pending,omitempty"` // unresolved tool call ids, in call order
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// NewConversation creates an empty active conversation.
func NewConversation(id string, now time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		Messages:  make([]Message, 0),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewMessageID returns a new lexicographically sortable message identifier.
func NewMessageID() string {
	return ulid.Make().String()
}

// ValidateConversationID checks that an identifier is safe to use as a
// storage key. It rejects path separators, parent references and control bytes.
func ValidateConversationID(id string) error {
	if id == "" {
		return NewDomainError("ValidateConversationID", ErrInvalidConvID, "empty")
	}
	if len(id) > maxConversationIDLen {
		return NewDomainError("ValidateConversationID", ErrInvalidConvID, "too long")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return NewDomainError("ValidateConversationID", ErrInvalidConvID, fmt.Sprintf("path characters in %q", id))
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return NewDomainError("ValidateConversationID", ErrInvalidConvID, fmt.Sprintf("control character in %q", id))
		}
	}
	if filepath.Clean(id) != id {
		return NewDomainError("ValidateConversationID", ErrInvalidConvID, fmt.Sprintf("not a clean name: %q", id))
	}
	return nil
}

// IsPending reports whether callID is an outstanding tool call.
func (c *Conversation) IsPending(callID string) bool {
	return slices.Contains(c.Pending, callID)
}

// Append validates msg against the conversation's tool-call state and appends it.
//
// A tool message must resolve exactly one outstanding call, otherwise
// ErrOrphanToolResult is returned and nothing changes. An assistant message
// carrying tool calls moves the conversation to awaiting-tool-result until
// every call is resolved.
func (c *Conversation) Append(msg Message) error {
	const op = "Conversation.Append"

	switch msg.Role {
	case RoleTool:
		idx := slices.Index(c.Pending, msg.ToolCallID)
		if msg.ToolCallID == "" || idx < 0 {
			return NewDomainError(op, ErrOrphanToolResult, fmt.Sprintf("conversation %s call %q", c.ID, msg.ToolCallID))
		}
		c.Pending = slices.Delete(c.Pending, idx, idx+1)
		if len(c.Pending) == 0 && c.Status == StatusAwaitingToolResult {
			c.Status = StatusActive
		}

	case RoleUser, RoleAssistant:
		if len(c.Pending) > 0 {
			return NewDomainError(op, ErrInvalidMessage,
				fmt.Sprintf("%d tool calls outstanding in conversation %s", len(c.Pending), c.ID))
		}
		if msg.Role == RoleAssistant && len(msg.ToolCalls) > 0 {
			ids := make([]string, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				if tc.ID == "" || slices.Contains(ids, tc.ID) || c.callSeen(tc.ID) {
					return NewDomainError(op, ErrInvalidMessage, fmt.Sprintf("tool call id %q is empty or reused", tc.ID))
				}
				ids = append(ids, tc.ID)
			}
			c.Pending = ids
			c.Status = StatusAwaitingToolResult
		}

	default:
		return NewDomainError(op, ErrInvalidMessage, fmt.Sprintf("role %q cannot be stored", msg.Role))
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = msg.Timestamp
	return nil
}

// callSeen reports whether a tool call id was already used in the retained history.
func (c *Conversation) callSeen(id string) bool {
	for _, m := range c.Messages {
		for _, tc := range m.ToolCalls {
			if tc.ID == id {
				return true
			}
		}
	}
	return false
}

// SetStatus changes the lifecycle status. Moving to active or completed
// discards outstanding tool calls so late results for them become orphans.
func (c *Conversation) SetStatus(status ConversationStatus, now time.Time) error {
	if !status.Valid() {
		return NewDomainError("Conversation.SetStatus", ErrInvalidInput, string(status))
	}
	if status == StatusActive || status == StatusCompleted {
		c.Pending = nil
	}
	c.Status = status
	c.UpdatedAt = now
	return nil
}

// Truncate keeps at most the last keepLast messages and returns how many
// were dropped. Leading tool messages whose call was cut away are dropped
// as well so the retained history never starts mid tool-call group.
func (c *Conversation) Truncate(keepLast int) int {
	start := TruncateIndex(c.Messages, keepLast)
	if start == 0 {
		return 0
	}
	kept := make([]Message, len(c.Messages)-start)
	copy(kept, c.Messages[start:])
	c.Messages = kept
	return start
}

// TruncateIndex returns the index of the first message retained when keeping
// the last keepLast messages of msgs without splitting a tool-call group.
func TruncateIndex(msgs []Message, keepLast int) int {
	if keepLast < 0 {
		keepLast = 0
	}
	if len(msgs) <= keepLast {
		return 0
	}
	start := len(msgs) - keepLast
	for start < len(msgs) && msgs[start].Role == RoleTool {
		start++
	}
	return start
}

// Clone returns a deep copy safe to hand out of a store.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		if len(m.ToolCalls) > 0 {
			m.ToolCalls = slices.Clone(m.ToolCalls)
		}
		cp.Messages[i] = m
	}
	cp.Pending = slices.Clone(c.Pending)
	return &cp
}

// ConversationStore is keyed storage of conversations. Implementations wrap
// backend failures with ErrStoreUnavailable. Callers serialize operations on
// the same id; operations on different ids may run in parallel.
type ConversationStore interface {
	// Load returns a snapshot of the conversation, creating it if absent.
	Load(ctx context.Context, id string) (*Conversation, error)
	// Append validates and appends a message.
	Append(ctx context.Context, id string, msg Message) error
	// SetStatus updates the lifecycle status.
	SetStatus(ctx context.Context, id string, status ConversationStatus) error
	// Truncate keeps the last keepLast messages.
	Truncate(ctx context.Context, id string, keepLast int) error
	// Evict removes the conversation entirely.
	Evict(ctx context.Context, id string) error
	// Reap evicts conversations idle for longer than maxIdle.
	Reap(ctx context.Context, maxIdle time.Duration) (int, error)
	Close() error
}
