package usecase

import (
	"estate-ai/internal/domain"
)

// missingResultContent is the payload injected for a tool call that never
// produced a result, e.g. because its turn was superseded.
const missingResultContent = `{"error":"MISSING_RESULT","message":"tool call did not produce a result"}`

// RepairTranscript scans the message history and fixes broken tool chains
// before it is sent to the model:
//  1. If an assistant message has tool calls that are not all answered before
//     the next non-tool message, error tool results are injected in call order.
//  2. A tool message without a preceding matching call is dropped.
//
// Returns a new slice (does not modify the input).
func RepairTranscript(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]domain.Message, 0, len(messages))
	var pending []domain.ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleTool:
			idx := pendingIndex(pending, msg.ToolCallID)
			if msg.ToolCallID == "" || idx < 0 {
				continue
			}
			pending = append(pending[:idx], pending[idx+1:]...)
			result = append(result, msg)

		case domain.RoleAssistant:
			result = injectMissingResults(result, pending)
			pending = pending[:0]
			pending = append(pending, msg.ToolCalls...)
			result = append(result, msg)

		default:
			result = injectMissingResults(result, pending)
			pending = pending[:0]
			result = append(result, msg)
		}
	}

	return injectMissingResults(result, pending)
}

func pendingIndex(pending []domain.ToolCall, id string) int {
	for i, tc := range pending {
		if tc.ID == id {
			return i
		}
	}
	return -1
}

// injectMissingResults appends an error tool message for each unanswered call.
func injectMissingResults(msgs []domain.Message, pending []domain.ToolCall) []domain.Message {
	for _, tc := range pending {
		msgs = append(msgs, domain.Message{
			Role:       domain.RoleTool,
			Name:       tc.Name,
			Content:    missingResultContent,
			ToolCallID: tc.ID,
			IsError:    true,
		})
	}
	return msgs
}
