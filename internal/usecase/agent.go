package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/metrics"
	"estate-ai/internal/infra/tracer"
)

// Recovery loop constants.
const (
	maxLLMRetries  = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
)

// DefaultMaxIterations bounds the reasoning loop when none is configured.
const DefaultMaxIterations = 6

// Replies sent to end users instead of raw failures.
const (
	DefaultFallbackReply = "Sorry, I couldn't complete that request right now. Please try again or rephrase your question."
	GenericErrorReply    = "An error occurred while processing your request. Please try again later."
)

// Turn outcomes reported to metrics.
const (
	outcomeOK               = "ok"
	outcomeLoopLimit        = "loop_limit"
	outcomeModelUnavailable = "model_unavailable"
	outcomeSuperseded       = "superseded"
	outcomeCancelled        = "cancelled"
	outcomeStoreError       = "store_error"
	outcomeInvalid          = "invalid"
)

// AgentDeps holds injected dependencies for the orchestrator.
type AgentDeps struct {
	LLM             domain.LLMProvider
	Tools           domain.ToolResolver
	Store           domain.ConversationStore
	ContextBuilder  *ContextBuilder
	Logger          *slog.Logger
	Locker          *ConversationLocker // nil = a private locker is created
	ErrorClassifier *ErrorClassifier    // nil = no model retries
	Metrics         *metrics.Metrics    // optional

	MaxIterations     int
	ModelTimeout      time.Duration // per model call, 0 = unbounded
	ToolTimeout       time.Duration // per tool call, 0 = unbounded
	TurnTimeout       time.Duration // whole turn, 0 = unbounded
	HistoryLimit      int           // messages kept after each turn, 0 = keep all
	SupersedeInFlight bool
	FallbackReply     string
}

// TurnResult describes the outcome of one orchestration turn.
type TurnResult struct {
	Reply      string
	Status     domain.ConversationStatus
	Iterations int
	// Degraded is set when Reply is the fallback reply. It wraps
	// domain.ErrLoopLimitExceeded or domain.ErrModelUnavailable.
	Degraded error
	Usage    domain.Usage
}

// Agent drives the bounded reason-act loop for one conversation turn.
type Agent struct {
	deps AgentDeps
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = DefaultMaxIterations
	}
	if deps.Locker == nil {
		deps.Locker = NewConversationLocker()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.FallbackReply == "" {
		deps.FallbackReply = DefaultFallbackReply
	}
	if deps.ContextBuilder == nil {
		deps.ContextBuilder = NewContextBuilder("", "", 0)
	}
	return &Agent{deps: deps}
}

// Handle processes one inbound user message and returns the reply text.
// Degraded turns still return a user-visible reply and a nil error; only
// store failures, invalid input and cancellation are returned as errors.
func (a *Agent) Handle(ctx context.Context, conversationID, userMsg string) (string, error) {
	res, err := a.HandleTurn(ctx, conversationID, userMsg)
	if err != nil {
		return "", err
	}
	return res.Reply, nil
}

// HandleTurn is Handle with the full turn outcome.
func (a *Agent) HandleTurn(ctx context.Context, conversationID, userMsg string) (*TurnResult, error) {
	const op = "Agent.HandleTurn"
	start := time.Now()

	ctx, span := tracer.StartSpan(ctx, "agent.turn",
		trace.WithAttributes(tracer.StringAttr("conversation.id", conversationID)),
	)
	defer span.End()

	if err := domain.ValidateConversationID(conversationID); err != nil {
		a.deps.Metrics.ObserveTurn(outcomeInvalid, 0, time.Since(start))
		return nil, err
	}
	if userMsg == "" {
		a.deps.Metrics.ObserveTurn(outcomeInvalid, 0, time.Since(start))
		return nil, domain.NewDomainError(op, domain.ErrInvalidMessage, "empty user message")
	}

	callerCtx := ctx
	if a.deps.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deps.TurnTimeout)
		defer cancel()
	}

	turnCtx, unlock, err := a.deps.Locker.Acquire(ctx, conversationID, a.deps.SupersedeInFlight)
	if err != nil {
		return nil, a.abort(op, span, start, 0, err)
	}
	defer unlock()
	turnCtx = domain.ContextWithConversationID(turnCtx, conversationID)

	log := a.deps.Logger.With("conversation_id", conversationID)

	conv, err := a.deps.Store.Load(turnCtx, conversationID)
	if err != nil {
		return nil, a.fail(op, span, start, 0, err)
	}
	if conv.Status != domain.StatusActive || len(conv.Pending) > 0 {
		log.Info("starting fresh cycle", "previous_status", conv.Status, "stale_calls", len(conv.Pending))
		if err := a.deps.Store.SetStatus(turnCtx, conversationID, domain.StatusActive); err != nil {
			return nil, a.fail(op, span, start, 0, err)
		}
	}

	history := conv.Messages
	seen := toolCallIDs(history)

	userMessage := domain.Message{
		ID:        domain.NewMessageID(),
		Role:      domain.RoleUser,
		Content:   userMsg,
		Timestamp: time.Now(),
	}
	if err := a.deps.Store.Append(turnCtx, conversationID, userMessage); err != nil {
		return nil, a.fail(op, span, start, 0, err)
	}
	history = append(history, userMessage)

	result := &TurnResult{}
	for i := 0; i < a.deps.MaxIterations; i++ {
		if turnCtx.Err() != nil {
			return a.interrupted(op, span, start, i, callerCtx, turnCtx, log, conversationID)
		}
		result.Iterations = i + 1
		span.AddEvent("agent.iteration", trace.WithAttributes(tracer.IntAttr("iteration", i)))

		chatReq := a.deps.ContextBuilder.Build(history, a.deps.Tools.ListSchemas())
		msg, usage, llmErr := a.callLLMWithRetry(turnCtx, chatReq, log)
		if llmErr != nil {
			if turnCtx.Err() != nil {
				return a.interrupted(op, span, start, i+1, callerCtx, turnCtx, log, conversationID)
			}
			log.Error("model call failed", "iteration", i, "error", llmErr)
			cause := fmt.Errorf("%w: %w", domain.ErrModelUnavailable, llmErr)
			return a.degrade(turnCtx, op, span, start, result, cause, outcomeModelUnavailable, conversationID)
		}

		result.Usage.PromptTokens += usage.PromptTokens
		result.Usage.CompletionTokens += usage.CompletionTokens
		result.Usage.TotalTokens += usage.TotalTokens

		msg = normalizeAssistant(msg, seen)
		log.Debug("llm response", "iteration", i, "tool_calls", len(msg.ToolCalls), "tokens", usage.TotalTokens)

		if turnCtx.Err() != nil {
			return a.interrupted(op, span, start, i+1, callerCtx, turnCtx, log, conversationID)
		}
		if err := a.deps.Store.Append(turnCtx, conversationID, msg); err != nil {
			return nil, a.fail(op, span, start, i+1, err)
		}
		history = append(history, msg)

		// No tool calls = final response.
		if len(msg.ToolCalls) == 0 {
			a.truncate(turnCtx, conversationID, log)
			result.Reply = msg.Content
			result.Status = domain.StatusActive
			a.deps.Metrics.ObserveTurn(outcomeOK, result.Iterations, time.Since(start))
			tracer.SetOK(span)
			return result, nil
		}

		results := a.dispatchTools(turnCtx, msg.ToolCalls, log)
		if turnCtx.Err() != nil {
			return a.interrupted(op, span, start, i+1, callerCtx, turnCtx, log, conversationID)
		}

		for j, res := range results {
			toolMsg := res.Message()
			toolMsg.ID = domain.NewMessageID()
			toolMsg.Name = msg.ToolCalls[j].Name
			toolMsg.Timestamp = time.Now()
			if err := a.deps.Store.Append(turnCtx, conversationID, toolMsg); err != nil {
				if errors.Is(err, domain.ErrOrphanToolResult) {
					log.Warn("dropping orphan tool result", "tool_call_id", toolMsg.ToolCallID, "error", err)
					continue
				}
				return nil, a.fail(op, span, start, i+1, err)
			}
			history = append(history, toolMsg)
		}
	}

	log.Warn("reasoning loop hit iteration cap", "max_iterations", a.deps.MaxIterations)
	cause := domain.NewDomainError(op, domain.ErrLoopLimitExceeded, fmt.Sprintf("%d iterations", a.deps.MaxIterations))
	return a.degrade(turnCtx, op, span, start, result, cause, outcomeLoopLimit, conversationID)
}

// EndConversation marks a conversation completed, cancelling any in-flight
// turn. With evict set the stored history is removed as well.
func (a *Agent) EndConversation(ctx context.Context, conversationID string, evict bool) error {
	if err := domain.ValidateConversationID(conversationID); err != nil {
		return err
	}
	turnCtx, unlock, err := a.deps.Locker.Acquire(ctx, conversationID, true)
	if err != nil {
		return err
	}
	defer unlock()

	if evict {
		return a.deps.Store.Evict(turnCtx, conversationID)
	}
	return a.deps.Store.SetStatus(turnCtx, conversationID, domain.StatusCompleted)
}

// degrade ends the turn with the fallback reply and marks the conversation errored.
func (a *Agent) degrade(
	ctx context.Context,
	op string,
	span trace.Span,
	start time.Time,
	result *TurnResult,
	cause error,
	outcome string,
	conversationID string,
) (*TurnResult, error) {
	// The turn deadline may already have passed; the status write must still land.
	writeCtx := context.WithoutCancel(ctx)
	if err := a.deps.Store.SetStatus(writeCtx, conversationID, domain.StatusErrored); err != nil {
		return nil, a.fail(op, span, start, result.Iterations, err)
	}
	a.truncate(writeCtx, conversationID, a.deps.Logger.With("conversation_id", conversationID))

	tracer.RecordError(span, cause)
	a.deps.Metrics.ObserveTurn(outcome, result.Iterations, time.Since(start))
	result.Reply = a.deps.FallbackReply
	result.Status = domain.StatusErrored
	result.Degraded = cause
	return result, nil
}

// interrupted classifies a turn whose context ended mid-loop. Superseded and
// caller-cancelled turns return an error without appending anything further.
// A turn that only ran out of its own time budget degrades like a model timeout.
func (a *Agent) interrupted(
	op string,
	span trace.Span,
	start time.Time,
	iterations int,
	callerCtx, turnCtx context.Context,
	log *slog.Logger,
	conversationID string,
) (*TurnResult, error) {
	cause := context.Cause(turnCtx)
	if errors.Is(cause, domain.ErrTurnSuperseded) || callerCtx.Err() != nil {
		log.Info("turn interrupted", "cause", cause, "iteration", iterations)
		return nil, a.abort(op, span, start, iterations, cause)
	}

	log.Warn("turn timed out", "timeout", a.deps.TurnTimeout, "iteration", iterations)
	timeout := domain.NewDomainError(op, domain.ErrTimeout, fmt.Sprintf("turn exceeded %s", a.deps.TurnTimeout))
	return a.degrade(turnCtx, op, span, start, &TurnResult{Iterations: iterations},
		fmt.Errorf("%w: %w", domain.ErrModelUnavailable, timeout), outcomeModelUnavailable, conversationID)
}

func (a *Agent) abort(op string, span trace.Span, start time.Time, iterations int, cause error) error {
	tracer.RecordError(span, cause)
	if errors.Is(cause, domain.ErrTurnSuperseded) {
		a.deps.Metrics.ObserveTurn(outcomeSuperseded, iterations, time.Since(start))
		return domain.NewDomainError(op, domain.ErrTurnSuperseded, "")
	}
	a.deps.Metrics.ObserveTurn(outcomeCancelled, iterations, time.Since(start))
	return domain.WrapOp(op, cause)
}

func (a *Agent) fail(op string, span trace.Span, start time.Time, iterations int, err error) error {
	tracer.RecordError(span, err)
	a.deps.Metrics.ObserveTurn(outcomeStoreError, iterations, time.Since(start))
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return domain.WrapOp(op, err)
}

func (a *Agent) truncate(ctx context.Context, conversationID string, log *slog.Logger) {
	if a.deps.HistoryLimit <= 0 {
		return
	}
	if err := a.deps.Store.Truncate(ctx, conversationID, a.deps.HistoryLimit); err != nil {
		log.Warn("history truncation failed", "error", err)
	}
}

// dispatchTools runs the calls of one step in parallel. Results are returned
// in call order.
func (a *Agent) dispatchTools(ctx context.Context, calls []domain.ToolCall, log *slog.Logger) []*domain.ToolResult {
	results := make([]*domain.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c domain.ToolCall) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("tool panicked", "tool", c.Name, "panic", r)
					results[idx] = domain.NewErrorResult(c.ID,
						domain.NewDomainError("Agent.executeTool", domain.ErrUpstreamBadResponse, fmt.Sprintf("tool %s failed", c.Name)))
				}
			}()
			results[idx] = a.executeTool(ctx, c, log)
		}(i, call)
	}
	wg.Wait()
	return results
}

// executeTool resolves, validates and runs a single tool call. Every failure
// is converted into an error tool result for the model.
func (a *Agent) executeTool(ctx context.Context, call domain.ToolCall, log *slog.Logger) *domain.ToolResult {
	const op = "Agent.executeTool"
	ctx, span := tracer.StartSpan(ctx, "agent.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	result := a.runTool(ctx, op, call, log)
	result.ToolCallID = call.ID
	if result.IsError {
		tracer.RecordError(span, fmt.Errorf("%s", result.Content))
	} else {
		tracer.SetOK(span)
	}
	a.deps.Metrics.ObserveToolCall(call.Name, result.IsError)
	return result
}

func (a *Agent) runTool(ctx context.Context, op string, call domain.ToolCall, log *slog.Logger) *domain.ToolResult {
	tool, err := a.deps.Tools.Resolve(call.Name)
	if err != nil {
		log.Warn("model requested unknown tool", "tool", call.Name)
		return domain.NewErrorResult(call.ID, err)
	}

	if v, ok := tool.(domain.ArgValidator); ok {
		if err := v.ValidateArgs(call.Arguments); err != nil {
			log.Info("tool arguments rejected", "tool", call.Name, "error", err)
			return domain.NewErrorResult(call.ID, err)
		}
	}

	toolCtx := ctx
	if a.deps.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, a.deps.ToolTimeout)
		defer cancel()
	}

	res, err := tool.Execute(toolCtx, call.Arguments)
	if err != nil {
		if toolCtx.Err() != nil && ctx.Err() == nil {
			err = domain.NewDomainError(op, domain.ErrTimeout, fmt.Sprintf("tool %s exceeded %s", call.Name, a.deps.ToolTimeout))
		}
		log.Warn("tool execution failed", "tool", call.Name, "error", err)
		return domain.NewErrorResult(call.ID, err)
	}
	if res == nil {
		return domain.NewErrorResult(call.ID, domain.NewDomainError(op, domain.ErrUpstreamBadResponse, "tool returned no result"))
	}
	return res
}

// callLLMWithRetry performs the model call, retrying transient failures with
// exponential backoff when a classifier is configured.
func (a *Agent) callLLMWithRetry(ctx context.Context, chatReq domain.ChatRequest, log *slog.Logger) (domain.Message, domain.Usage, error) {
	maxAttempts := 1
	if a.deps.ErrorClassifier != nil {
		maxAttempts = maxLLMRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := a.chatOnce(ctx, chatReq)
		if err == nil {
			return resp.Message, resp.Usage, nil
		}
		lastErr = err

		if a.deps.ErrorClassifier == nil {
			return domain.Message{}, domain.Usage{}, lastErr
		}
		classified := a.deps.ErrorClassifier.Classify(err)
		if !classified.Retryable() || ctx.Err() != nil {
			return domain.Message{}, domain.Usage{}, lastErr
		}

		if attempt < maxAttempts-1 {
			delay := retryBackoff(attempt)
			log.Info("retrying model call after error", "attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return domain.Message{}, domain.Usage{}, context.Cause(ctx)
			}
		}
	}
	return domain.Message{}, domain.Usage{}, lastErr
}

func (a *Agent) chatOnce(ctx context.Context, chatReq domain.ChatRequest) (*domain.ChatResponse, error) {
	llmCtx, llmSpan := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(tracer.StringAttr("llm.provider", a.deps.LLM.Name())),
	)
	defer llmSpan.End()

	if a.deps.ModelTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(llmCtx, a.deps.ModelTimeout)
		defer cancel()
	}

	resp, err := a.deps.LLM.Chat(llmCtx, chatReq)
	if err != nil {
		tracer.RecordError(llmSpan, err)
		return nil, err
	}
	if resp == nil {
		return nil, domain.NewDomainError("Agent.chatOnce", domain.ErrProviderFailure, "empty response")
	}
	return resp, nil
}

// normalizeAssistant fixes up a model message before it is stored: the role
// is forced to assistant and missing or reused tool call ids are replaced.
func normalizeAssistant(msg domain.Message, seen map[string]struct{}) domain.Message {
	msg.Role = domain.RoleAssistant
	msg.ID = domain.NewMessageID()
	msg.Timestamp = time.Now()
	if len(msg.ToolCalls) == 0 {
		msg.ToolCalls = nil
		return msg
	}
	calls := make([]domain.ToolCall, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		if _, dup := seen[tc.ID]; tc.ID == "" || dup {
			tc.ID = "call_" + domain.NewMessageID()
		}
		if len(tc.Arguments) == 0 {
			tc.Arguments = []byte("{}")
		}
		seen[tc.ID] = struct{}{}
		calls[i] = tc
	}
	msg.ToolCalls = calls
	return msg
}

func toolCallIDs(history []domain.Message) map[string]struct{} {
	seen := make(map[string]struct{})
	for _, m := range history {
		for _, tc := range m.ToolCalls {
			seen[tc.ID] = struct{}{}
		}
	}
	return seen
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
