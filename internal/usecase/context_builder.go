package usecase

import (
	"time"

	"estate-ai/internal/domain"
)

// DefaultSystemPrompt frames the assistant when no prompt is configured.
const DefaultSystemPrompt = `You are a real estate assistant. Help users find properties, understand listings and market trends.
Use the available tools to search listings, fetch property details, compare properties and look up locality price trends.
Ask for the city or region when it is missing. Quote prices exactly as the tools return them and include the source URL of every property you mention.
If a tool reports an error, explain briefly what could not be retrieved and suggest what the user can try instead.`

// ContextBuilder constructs the prompt message array for model calls.
type ContextBuilder struct {
	systemPrompt string
	model        string
	maxMessages  int
	maxTokens    int
	counter      domain.TokenCounter
	maxOutTokens int
	temperature  float64
}

// NewContextBuilder creates a new context builder. maxMessages <= 0 keeps the
// whole history. The current turn is kept even when it alone exceeds
// maxMessages.
func NewContextBuilder(systemPrompt, model string, maxMessages int) *ContextBuilder {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &ContextBuilder{
		systemPrompt: systemPrompt,
		model:        model,
		maxMessages:  maxMessages,
	}
}

// SetTokenBudget bounds the prompt to maxTokens as estimated by counter.
// Oldest message groups before the current turn are dropped first.
func (cb *ContextBuilder) SetTokenBudget(maxTokens int, counter domain.TokenCounter) {
	cb.maxTokens = maxTokens
	cb.counter = counter
}

// SetGeneration sets the completion limits forwarded with every request.
func (cb *ContextBuilder) SetGeneration(maxTokens int, temperature float64) {
	cb.maxOutTokens = maxTokens
	cb.temperature = temperature
}

// Build assembles: system prompt + repaired, truncated history.
func (cb *ContextBuilder) Build(history []domain.Message, tools []domain.ToolSchema) domain.ChatRequest {
	system := domain.Message{
		Role:      domain.RoleSystem,
		Content:   cb.systemPrompt,
		Timestamp: time.Now(),
	}

	hist := RepairTranscript(history)
	hist = cb.truncateHistory(hist)
	hist = cb.fitTokenBudget(system, hist)

	messages := make([]domain.Message, 0, 1+len(hist))
	messages = append(messages, system)
	messages = append(messages, hist...)

	return domain.ChatRequest{
		Model:       cb.model,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   cb.maxOutTokens,
		Temperature: cb.temperature,
	}
}

// elidedToolOutput replaces tool output that no longer fits the budget.
const elidedToolOutput = "[output elided to fit the context window; call the tool again if the details are needed]"

// splitCurrentTurn splits history at the last user message. The tail is
// the turn in progress and is always sent; only the head may be trimmed.
func splitCurrentTurn(history []domain.Message) (head, tail []domain.Message) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			return history[:i], history[i:]
		}
	}
	return nil, history
}

func (cb *ContextBuilder) truncateHistory(history []domain.Message) []domain.Message {
	if cb.maxMessages <= 0 || len(history) <= cb.maxMessages {
		return history
	}
	head, tail := splitCurrentTurn(history)
	groups := groupMessages(head)

	var kept [][]domain.Message
	total := len(tail)
	for i := len(groups) - 1; i >= 0; i-- {
		n := len(groups[i])
		if total+n > cb.maxMessages {
			break
		}
		kept = append(kept, groups[i])
		total += n
	}
	return append(flattenReversed(kept, total), tail...)
}

// fitTokenBudget drops the oldest groups before the current turn until
// the prompt fits. If the current turn alone is over budget, its oldest
// tool outputs are elided; the user message itself is never dropped.
func (cb *ContextBuilder) fitTokenBudget(system domain.Message, history []domain.Message) []domain.Message {
	if cb.maxTokens <= 0 || cb.counter == nil || len(history) == 0 {
		return history
	}
	budget := cb.maxTokens - cb.counter.CountMessages([]domain.Message{system})
	if cb.counter.CountMessages(history) <= budget {
		return history
	}

	head, tail := splitCurrentTurn(history)
	tail = cb.elideToolOutputs(tail, budget)
	used := cb.counter.CountMessages(tail)

	groups := groupMessages(head)
	var kept [][]domain.Message
	total := len(tail)
	for i := len(groups) - 1; i >= 0; i-- {
		cost := cb.counter.CountMessages(groups[i])
		if used+cost > budget {
			break
		}
		kept = append(kept, groups[i])
		used += cost
		total += len(groups[i])
	}
	return append(flattenReversed(kept, total), tail...)
}

// elideToolOutputs returns turn with its oldest tool results replaced by
// a placeholder until it fits budget or no tool output is left to elide.
// The stored history is not modified.
func (cb *ContextBuilder) elideToolOutputs(turn []domain.Message, budget int) []domain.Message {
	if cb.counter.CountMessages(turn) <= budget {
		return turn
	}
	out := make([]domain.Message, len(turn))
	copy(out, turn)
	for i := range out {
		if out[i].Role != domain.RoleTool || out[i].Content == elidedToolOutput {
			continue
		}
		out[i].Content = elidedToolOutput
		if cb.counter.CountMessages(out) <= budget {
			break
		}
	}
	return out
}

func flattenReversed(groups [][]domain.Message, total int) []domain.Message {
	result := make([]domain.Message, 0, total)
	for i := len(groups) - 1; i >= 0; i-- {
		result = append(result, groups[i]...)
	}
	return result
}

// groupMessages partitions messages into atomic groups. An assistant message
// with tool calls and its immediately following tool messages form a single
// group. All other messages are individual groups.
func groupMessages(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		if msg.HasToolCalls() {
			j := i + 1
			for j < len(msgs) && msgs[j].Role == domain.RoleTool {
				j++
			}
			groups = append(groups, msgs[i:j])
			i = j
			continue
		}
		groups = append(groups, msgs[i:i+1])
		i++
	}
	return groups
}
