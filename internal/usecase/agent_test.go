package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/metrics"
)

const austinListings = `[{"address":"1208 Barton Hills Dr, Austin, TX","price":"$465,000","attributes":{"beds":"3"},"source_url":"https://example.test/1"}]`

func TestAgent_AustinScenario(t *testing.T) {
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse("call_1", "search_properties", `{"region":"austin","beds":3,"maxPrice":500000}`),
		finalMessage("I found a 3-bed home in Barton Hills listed at $465,000."),
	}}
	search := &staticTool{name: "search_properties", result: austinListings}
	agent, st := newTestAgent(llm, newMockTools(search))
	ctx := context.Background()

	res, err := agent.HandleTurn(ctx, "wa-15125550100", "Find me 3-bed homes in Austin under $500k")
	require.NoError(t, err)
	assert.Equal(t, "I found a 3-bed home in Barton Hills listed at $465,000.", res.Reply)
	assert.Equal(t, domain.StatusActive, res.Status)
	assert.Equal(t, 2, res.Iterations)
	assert.Nil(t, res.Degraded)

	conv, err := st.Load(ctx, "wa-15125550100")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "user,assistant,tool,assistant", roles(conv.Messages))
	assert.Equal(t, conv.Messages[1].ToolCalls[0].ID, conv.Messages[2].ToolCallID)
	assert.Equal(t, austinListings, conv.Messages[2].Content)
	assert.Equal(t, domain.StatusActive, conv.Status)
	assert.Empty(t, conv.Pending)

	// The second request carried the tool result and the tool schemas.
	require.Len(t, llm.requests, 2)
	assert.Equal(t, domain.RoleSystem, llm.requests[1].Messages[0].Role)
	assert.Len(t, llm.requests[1].Messages, 4)
	require.Len(t, llm.requests[0].Tools, 1)
	assert.Equal(t, "search_properties", llm.requests[0].Tools[0].Name)
}

func TestAgent_ForcedTerminationAfterCap(t *testing.T) {
	llm := &loopingLLM{}
	search := &staticTool{name: "search_properties", result: "[]"}
	reg := metrics.New()
	agent, st := newTestAgent(llm, newMockTools(search), func(d *AgentDeps) {
		d.MaxIterations = 6
		d.Metrics = reg
	})
	ctx := context.Background()

	res, err := agent.HandleTurn(ctx, "conv-loop", "keep searching")
	require.NoError(t, err)
	assert.Equal(t, int32(6), llm.calls.Load(), "model must be called exactly cap times")
	assert.Equal(t, 6, res.Iterations)
	assert.ErrorIs(t, res.Degraded, domain.ErrLoopLimitExceeded)
	assert.Equal(t, DefaultFallbackReply, res.Reply)
	assert.Equal(t, domain.StatusErrored, res.Status)

	conv, err := st.Load(ctx, "conv-loop")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusErrored, conv.Status)
	// user + 6 x (assistant call, tool result); the fallback is not stored.
	assert.Len(t, conv.Messages, 13)
	assert.Equal(t, int32(6), search.calls.Load())
}

func TestAgent_HandleReturnsFallbackOnLoopLimit(t *testing.T) {
	agent, _ := newTestAgent(&loopingLLM{}, newMockTools(&staticTool{name: "search_properties"}), func(d *AgentDeps) {
		d.MaxIterations = 2
		d.FallbackReply = "custom fallback"
	})
	reply, err := agent.Handle(context.Background(), "conv-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "custom fallback", reply)
}

func TestAgent_GatewayTimeoutBecomesErrorToolResult(t *testing.T) {
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse("call_1", "search_properties", `{"region":"pune"}`),
		finalMessage("The listing service is not responding right now."),
	}}
	agent, st := newTestAgent(llm, newMockTools(&upstreamDownTool{name: "search_properties"}))
	ctx := context.Background()

	res, err := agent.HandleTurn(ctx, "conv-gw", "flats in pune")
	require.NoError(t, err)
	assert.Equal(t, "The listing service is not responding right now.", res.Reply)

	conv, err := st.Load(ctx, "conv-gw")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, conv.Status)
	require.Len(t, conv.Messages, 4)

	toolMsg := conv.Messages[2]
	assert.True(t, toolMsg.IsError)
	payload, err := decodeToolError(toolMsg.Content)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeUpstreamUnavailable, payload.Error)
}

func TestAgent_ToolTimeoutBecomesErrorToolResult(t *testing.T) {
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse("call_1", "market_info", `{"region":"pune"}`),
		finalMessage("Market data is unavailable."),
	}}
	slow := &staticTool{name: "market_info", result: "{}", delay: time.Second}
	agent, st := newTestAgent(llm, newMockTools(slow), func(d *AgentDeps) {
		d.ToolTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	_, err := agent.HandleTurn(ctx, "conv-slow", "market in pune?")
	require.NoError(t, err)

	conv, err := st.Load(ctx, "conv-slow")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, conv.Status)
	payload, err := decodeToolError(conv.Messages[2].Content)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeTimeout, payload.Error)
}

func TestAgent_ReplayAfterErroredStartsFreshCycle(t *testing.T) {
	tools := newMockTools(&staticTool{name: "search_properties", result: "[]"})
	st := newTestStore()
	ctx := context.Background()

	broken := NewAgent(AgentDeps{
		LLM:   &failingLLM{err: errors.New("API error 401: invalid key")},
		Tools: tools, Store: st,
		ErrorClassifier: NewErrorClassifier(),
	})
	res, err := broken.HandleTurn(ctx, "conv-replay", "hello")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Degraded, domain.ErrModelUnavailable)
	assert.Equal(t, domain.StatusErrored, res.Status)

	conv, err := st.Load(ctx, "conv-replay")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusErrored, conv.Status)

	healthy := NewAgent(AgentDeps{
		LLM:   &mockLLM{responses: []domain.ChatResponse{finalMessage("Hi again!")}},
		Tools: tools, Store: st,
	})
	res, err = healthy.HandleTurn(ctx, "conv-replay", "hello?")
	require.NoError(t, err)
	assert.Equal(t, "Hi again!", res.Reply)
	assert.Equal(t, domain.StatusActive, res.Status)

	conv, err = st.Load(ctx, "conv-replay")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, conv.Status)
	assert.Equal(t, "user,user,assistant", roles(conv.Messages))
}

func TestAgent_ReplayClearsStalePendingCalls(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Append(ctx, "conv-stale", domain.Message{Role: domain.RoleUser, Content: "search"}))
	require.NoError(t, st.Append(ctx, "conv-stale", toolCallMessage("call_old", "search_properties", `{}`)))

	agent := NewAgent(AgentDeps{
		LLM:   &mockLLM{responses: []domain.ChatResponse{finalMessage("done")}},
		Tools: newMockTools(), Store: st,
	})
	reply, err := agent.Handle(ctx, "conv-stale", "still there?")
	require.NoError(t, err)
	assert.Equal(t, "done", reply)

	conv, err := st.Load(ctx, "conv-stale")
	require.NoError(t, err)
	assert.Empty(t, conv.Pending)
	assert.Equal(t, domain.StatusActive, conv.Status)

	// A late result for the discarded call is an orphan.
	late := domain.Message{Role: domain.RoleTool, ToolCallID: "call_old", Content: "late"}
	assert.ErrorIs(t, st.Append(ctx, "conv-stale", late), domain.ErrOrphanToolResult)
}

func TestAgent_ModelFailureDegrades(t *testing.T) {
	llm := &failingLLM{err: errors.New("API error 400: malformed request")}
	agent, st := newTestAgent(llm, newMockTools(), func(d *AgentDeps) {
		d.ErrorClassifier = NewErrorClassifier()
	})
	ctx := context.Background()

	reply, err := agent.Handle(ctx, "conv-down", "hi")
	require.NoError(t, err)
	assert.Equal(t, DefaultFallbackReply, reply)
	assert.NotContains(t, reply, "API error")
	assert.Equal(t, int32(1), llm.calls.Load(), "permanent errors are not retried")

	conv, err := st.Load(ctx, "conv-down")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusErrored, conv.Status)
	assert.Equal(t, "user", roles(conv.Messages))
}

func TestAgent_ModelRetryThenSuccess(t *testing.T) {
	llm := &mockLLM{
		errs:      []error{errors.New("API error 503: overloaded")},
		responses: []domain.ChatResponse{{}, finalMessage("recovered")},
	}
	agent, _ := newTestAgent(llm, newMockTools(), func(d *AgentDeps) {
		d.ErrorClassifier = NewErrorClassifier()
	})

	reply, err := agent.Handle(context.Background(), "conv-retry", "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)
	assert.Equal(t, 2, llm.Calls())
}

func TestAgent_ModelTimeoutDegrades(t *testing.T) {
	agent, _ := newTestAgent(&echoLLM{delay: time.Second}, newMockTools(), func(d *AgentDeps) {
		d.ModelTimeout = 20 * time.Millisecond
	})
	res, err := agent.HandleTurn(context.Background(), "conv-mt", "hi")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Degraded, domain.ErrModelUnavailable)
	assert.Equal(t, domain.StatusErrored, res.Status)
}

func TestAgent_TurnTimeoutDegrades(t *testing.T) {
	agent, st := newTestAgent(&echoLLM{delay: time.Second}, newMockTools(), func(d *AgentDeps) {
		d.TurnTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()
	res, err := agent.HandleTurn(ctx, "conv-tt", "hi")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Degraded, domain.ErrTimeout)
	assert.Equal(t, DefaultFallbackReply, res.Reply)

	conv, err := st.Load(ctx, "conv-tt")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusErrored, conv.Status)
}

func TestAgent_UnknownToolFedBackToModel(t *testing.T) {
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse("call_1", "book_viewing", `{}`),
		finalMessage("I can't book viewings."),
	}}
	agent, st := newTestAgent(llm, newMockTools())
	ctx := context.Background()

	reply, err := agent.Handle(ctx, "conv-unknown", "book a viewing")
	require.NoError(t, err)
	assert.Equal(t, "I can't book viewings.", reply)

	conv, err := st.Load(ctx, "conv-unknown")
	require.NoError(t, err)
	payload, err := decodeToolError(conv.Messages[2].Content)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeUnknownTool, payload.Error)
}

func TestAgent_InvalidArgsNotExecuted(t *testing.T) {
	tool := &validatingTool{staticTool{name: "search_properties", result: "[]"}}
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse("call_1", "search_properties", `{"beds":2}`),
		finalMessage("Which city?"),
	}}
	agent, st := newTestAgent(llm, newMockTools(tool))
	ctx := context.Background()

	reply, err := agent.Handle(ctx, "conv-args", "2 bed flats")
	require.NoError(t, err)
	assert.Equal(t, "Which city?", reply)
	assert.Zero(t, tool.calls.Load())

	conv, err := st.Load(ctx, "conv-args")
	require.NoError(t, err)
	payload, err := decodeToolError(conv.Messages[2].Content)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeInvalidToolArgs, payload.Error)
}

func TestAgent_ToolPanicBecomesErrorResult(t *testing.T) {
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse("call_1", "explode", `{}`),
		finalMessage("ok"),
	}}
	agent, st := newTestAgent(llm, newMockTools(panicTool{}))
	ctx := context.Background()

	_, err := agent.Handle(ctx, "conv-panic", "go")
	require.NoError(t, err)
	conv, err := st.Load(ctx, "conv-panic")
	require.NoError(t, err)
	assert.True(t, conv.Messages[2].IsError)
}

func TestAgent_ParallelToolResultsInCallOrder(t *testing.T) {
	slow := &staticTool{name: "fetch_property_details", result: "slow", delay: 80 * time.Millisecond}
	fast := &staticTool{name: "market_info", result: "fast"}
	llm := &mockLLM{responses: []domain.ChatResponse{
		{Message: domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: "c1", Name: "fetch_property_details", Arguments: []byte(`{"url":"https://example.test/1"}`)},
			{ID: "c2", Name: "market_info", Arguments: []byte(`{"region":"pune"}`)},
		}}},
		finalMessage("compared"),
	}}
	agent, st := newTestAgent(llm, newMockTools(slow, fast))
	ctx := context.Background()

	start := time.Now()
	_, err := agent.Handle(ctx, "conv-par", "compare")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	conv, err := st.Load(ctx, "conv-par")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 5)
	assert.Equal(t, "c1", conv.Messages[2].ToolCallID)
	assert.Equal(t, "slow", conv.Messages[2].Content)
	assert.Equal(t, "c2", conv.Messages[3].ToolCallID)
	assert.Equal(t, "fast", conv.Messages[3].Content)
}

func TestAgent_ReusedToolCallIDsAcrossTurns(t *testing.T) {
	search := &staticTool{name: "search_properties", result: "[]"}
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse("call_1", "search_properties", `{"region":"austin"}`),
		finalMessage("first"),
		toolCallResponse("call_1", "search_properties", `{"region":"dallas"}`),
		finalMessage("second"),
	}}
	agent, st := newTestAgent(llm, newMockTools(search))
	ctx := context.Background()

	r1, err := agent.Handle(ctx, "conv-ids", "austin")
	require.NoError(t, err)
	r2, err := agent.Handle(ctx, "conv-ids", "dallas")
	require.NoError(t, err)
	assert.Equal(t, "first", r1)
	assert.Equal(t, "second", r2)

	conv, err := st.Load(ctx, "conv-ids")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 8)
	assert.NotEqual(t, conv.Messages[1].ToolCalls[0].ID, conv.Messages[5].ToolCalls[0].ID)
}

func TestAgent_StoreFailureEscapes(t *testing.T) {
	st := &failingStore{ConversationStore: newTestStore(), allowed: 1}
	llm := &mockLLM{responses: []domain.ChatResponse{finalMessage("never stored")}}
	agent := NewAgent(AgentDeps{LLM: llm, Tools: newMockTools(), Store: st})

	_, err := agent.HandleTurn(context.Background(), "conv-store", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, domain.CodeStoreUnavailable, domain.ErrorCodeOf(err))
}

func TestAgent_InvalidInput(t *testing.T) {
	agent, _ := newTestAgent(&mockLLM{}, newMockTools())
	ctx := context.Background()

	_, err := agent.Handle(ctx, "../etc/passwd", "hi")
	assert.ErrorIs(t, err, domain.ErrInvalidConvID)

	_, err = agent.Handle(ctx, "conv-1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)
}

func TestAgent_ConcurrentTurnsSameConversationOrdered(t *testing.T) {
	agent, st := newTestAgent(&echoLLM{delay: 5 * time.Millisecond}, newMockTools())
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := agent.Handle(ctx, "conv-order", fmt.Sprintf("msg-%d", i))
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("echo: msg-%d", i), reply)
		}(i)
	}
	wg.Wait()

	conv, err := st.Load(ctx, "conv-order")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2*n)
	for i := 0; i < len(conv.Messages); i += 2 {
		user, reply := conv.Messages[i], conv.Messages[i+1]
		require.Equal(t, domain.RoleUser, user.Role)
		require.Equal(t, domain.RoleAssistant, reply.Role)
		assert.Equal(t, "echo: "+user.Content, reply.Content, "turns interleaved at %d", i)
	}
}

func TestAgent_DifferentConversationsRunInParallel(t *testing.T) {
	agent, _ := newTestAgent(&echoLLM{delay: 100 * time.Millisecond}, newMockTools())
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := agent.Handle(ctx, fmt.Sprintf("conv-%d", i), "hi")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestAgent_SupersedeCancelsInFlightTurn(t *testing.T) {
	llm := newBlockingLLM()
	agent, st := newTestAgent(llm, newMockTools(), func(d *AgentDeps) {
		d.SupersedeInFlight = true
	})
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() {
		_, err := agent.Handle(ctx, "conv-sup", "first question")
		firstErr <- err
	}()
	<-llm.started

	reply, err := agent.Handle(ctx, "conv-sup", "actually, second question")
	require.NoError(t, err)
	assert.Equal(t, "echo: actually, second question", reply)

	err = <-firstErr
	assert.ErrorIs(t, err, domain.ErrTurnSuperseded)

	conv, err := st.Load(ctx, "conv-sup")
	require.NoError(t, err)
	assert.Equal(t, "user,user,assistant", roles(conv.Messages))
	assert.Equal(t, domain.StatusActive, conv.Status)
}

func TestAgent_CallerCancellation(t *testing.T) {
	llm := newBlockingLLM()
	agent, _ := newTestAgent(llm, newMockTools())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := agent.Handle(ctx, "conv-cancel", "hi")
		done <- err
	}()
	<-llm.started
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAgent_HistoryLimitTruncates(t *testing.T) {
	agent, st := newTestAgent(&echoLLM{}, newMockTools(), func(d *AgentDeps) {
		d.HistoryLimit = 4
	})
	ctx := context.Background()
	for i := range 5 {
		_, err := agent.Handle(ctx, "conv-trunc", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	conv, err := st.Load(ctx, "conv-trunc")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "m3", conv.Messages[0].Content)
}

func TestAgent_EndConversation(t *testing.T) {
	agent, st := newTestAgent(&echoLLM{}, newMockTools())
	ctx := context.Background()

	_, err := agent.Handle(ctx, "conv-end", "hi")
	require.NoError(t, err)

	require.NoError(t, agent.EndConversation(ctx, "conv-end", false))
	conv, err := st.Load(ctx, "conv-end")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, conv.Status)
	assert.Len(t, conv.Messages, 2)

	require.NoError(t, agent.EndConversation(ctx, "conv-end", true))
	conv, err = st.Load(ctx, "conv-end")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
}

func TestAgent_MetricsRecorded(t *testing.T) {
	reg := metrics.New()
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse("call_1", "search_properties", `{"region":"austin"}`),
		finalMessage("done"),
	}}
	agent, _ := newTestAgent(llm, newMockTools(&staticTool{name: "search_properties", result: "[]"}), func(d *AgentDeps) {
		d.Metrics = reg
	})
	_, err := agent.Handle(context.Background(), "conv-m", "hi")
	require.NoError(t, err)

	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["estate_ai_agent_turns_total"])
	assert.True(t, names["estate_ai_agent_tool_calls_total"])
}

func TestNormalizeAssistant(t *testing.T) {
	seen := map[string]struct{}{"call_1": {}}
	msg := normalizeAssistant(domain.Message{
		Role: "model",
		ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "a"},
			{ID: "", Name: "b"},
			{ID: "call_2", Name: "c", Arguments: []byte(`{"x":1}`)},
		},
	}, seen)

	assert.Equal(t, domain.RoleAssistant, msg.Role)
	assert.NotEmpty(t, msg.ID)
	assert.NotEqual(t, "call_1", msg.ToolCalls[0].ID)
	assert.NotEmpty(t, msg.ToolCalls[1].ID)
	assert.Equal(t, "call_2", msg.ToolCalls[2].ID)
	assert.JSONEq(t, `{}`, string(msg.ToolCalls[0].Arguments))
	assert.Len(t, seen, 4)
}

func TestRetryBackoff(t *testing.T) {
	for attempt := range 6 {
		d := retryBackoff(attempt)
		assert.GreaterOrEqual(t, d, baseRetryDelay)
		assert.LessOrEqual(t, d, maxRetryDelay+maxRetryDelay/4)
	}
}
