package domain

import (
	"context"
	"encoding/json"
	"errors"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID  string `json:"tool_call_id"`
	Content     string `json:"content"`
	IsError     bool   `json:"is_error"`
	IsRetryable bool   `json:"is_retryable,omitempty"`
}

// Message converts the result into the tool-role message appended to a conversation.
func (r ToolResult) Message() Message {
	return Message{
		Role:       RoleTool,
		Content:    r.Content,
		ToolCallID: r.ToolCallID,
		IsError:    r.IsError,
	}
}

// ToolErrorPayload is the JSON content of an error tool result. The model
// sees the code and message; end users never do.
type ToolErrorPayload struct {
	Error   ErrorCode `json:"error"`
	Message string    `json:"message"`
}

// NewErrorResult builds an error tool result for callID from err.
// Upstream outages and timeouts are marked retryable.
func NewErrorResult(callID string, err error) *ToolResult {
	body, _ := json.Marshal(ToolErrorPayload{Error: ErrorCodeOf(err), Message: err.Error()})
	return &ToolResult{
		ToolCallID:  callID,
		Content:     string(body),
		IsError:     true,
		IsRetryable: errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrTimeout),
	}
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResolver is the read side of the tool registry consumed by the orchestrator.
type ToolResolver interface {
	Resolve(name string) (Tool, error)
	ListSchemas() []ToolSchema
}

// ArgValidator is implemented by tools, or tool wrappers, that can check
// arguments against their parameter schema before Execute runs.
type ArgValidator interface {
	ValidateArgs(params json.RawMessage) error
}
