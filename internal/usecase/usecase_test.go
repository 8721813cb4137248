package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"estate-ai/internal/adapter/store"
	"estate-ai/internal/domain"
)

// --- Mocks ---

type mockLLM struct {
	mu        sync.Mutex
	responses []domain.ChatResponse
	errs      []error // errs[i] is returned instead of responses[i] when non-nil
	callIdx   int
	requests  []domain.ChatRequest
}

func (m *mockLLM) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	idx := m.callIdx
	m.callIdx++
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx >= len(m.responses) {
		return &domain.ChatResponse{
			Message: domain.Message{Role: domain.RoleAssistant, Content: "fallback"},
		}, nil
	}
	resp := m.responses[idx]
	return &resp, nil
}

func (m *mockLLM) Name() string { return "mock" }

func (m *mockLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIdx
}

// loopingLLM never produces a final answer.
type loopingLLM struct {
	calls atomic.Int32
}

func (m *loopingLLM) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	m.calls.Add(1)
	return &domain.ChatResponse{Message: toolCallMessage("call_loop", "search_properties", `{"region":"austin"}`)}, nil
}

func (m *loopingLLM) Name() string { return "looping" }

// failingLLM always fails with err.
type failingLLM struct {
	err   error
	calls atomic.Int32
}

func (m *failingLLM) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	m.calls.Add(1)
	return nil, m.err
}

func (m *failingLLM) Name() string { return "failing" }

// echoLLM answers with the last user message, after an optional delay.
type echoLLM struct {
	delay time.Duration
}

func (m *echoLLM) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	last := ""
	for _, msg := range req.Messages {
		if msg.Role == domain.RoleUser {
			last = msg.Content
		}
	}
	return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: "echo: " + last}}, nil
}

func (m *echoLLM) Name() string { return "echo" }

// blockingLLM blocks its first call until the context ends, then echoes.
type blockingLLM struct {
	started chan struct{}
	once    sync.Once
	echo    echoLLM
	first   atomic.Bool
}

func newBlockingLLM() *blockingLLM {
	return &blockingLLM{started: make(chan struct{})}
}

func (m *blockingLLM) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.first.CompareAndSwap(false, true) {
		m.once.Do(func() { close(m.started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.echo.Chat(ctx, req)
}

func (m *blockingLLM) Name() string { return "blocking" }

type mockTools struct {
	tools map[string]domain.Tool
}

func newMockTools(tools ...domain.Tool) *mockTools {
	m := &mockTools{tools: make(map[string]domain.Tool)}
	for _, t := range tools {
		m.tools[t.Name()] = t
	}
	return m
}

func (m *mockTools) Resolve(name string) (domain.Tool, error) {
	t, ok := m.tools[name]
	if !ok {
		return nil, domain.NewDomainError("mockTools.Resolve", domain.ErrUnknownTool, name)
	}
	return t, nil
}

func (m *mockTools) ListSchemas() []domain.ToolSchema {
	schemas := make([]domain.ToolSchema, 0, len(m.tools))
	for _, t := range m.tools {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}

type staticTool struct {
	name   string
	result string
	delay  time.Duration
	calls  atomic.Int32
}

func (t *staticTool) Name() string        { return t.name }
func (t *staticTool) Description() string { return "static test tool" }
func (t *staticTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description(), Parameters: json.RawMessage(`{"type":"object"}`)}
}
func (t *staticTool) Execute(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	t.calls.Add(1)
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &domain.ToolResult{Content: t.result}, nil
}

// upstreamDownTool behaves like a gateway-backed tool whose provider timed out.
type upstreamDownTool struct {
	name string
}

func (t *upstreamDownTool) Name() string        { return t.name }
func (t *upstreamDownTool) Description() string { return "gateway tool with upstream down" }
func (t *upstreamDownTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name}
}
func (t *upstreamDownTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	err := domain.NewDomainError("Gateway.Search", domain.ErrUpstreamUnavailable, "firecrawl: context deadline exceeded")
	return domain.NewErrorResult("", err), nil
}

// validatingTool requires a non-empty region argument.
type validatingTool struct {
	staticTool
}

func (t *validatingTool) ValidateArgs(params json.RawMessage) error {
	var args struct {
		Region string `json:"region"`
	}
	if err := json.Unmarshal(params, &args); err != nil || args.Region == "" {
		return domain.NewDomainError("validatingTool.ValidateArgs", domain.ErrInvalidToolArgs, "region is required")
	}
	return nil
}

type panicTool struct{}

func (panicTool) Name() string              { return "explode" }
func (panicTool) Description() string       { return "panics" }
func (panicTool) Schema() domain.ToolSchema { return domain.ToolSchema{Name: "explode"} }
func (panicTool) Execute(context.Context, json.RawMessage) (*domain.ToolResult, error) {
	panic("boom")
}

// failingStore wraps a memory store and fails appends after n successes.
type failingStore struct {
	domain.ConversationStore
	mu      sync.Mutex
	allowed int
}

func (s *failingStore) Append(ctx context.Context, id string, msg domain.Message) error {
	s.mu.Lock()
	if s.allowed <= 0 {
		s.mu.Unlock()
		return domain.NewDomainError("failingStore.Append", domain.ErrStoreUnavailable, "disk full")
	}
	s.allowed--
	s.mu.Unlock()
	return s.ConversationStore.Append(ctx, id, msg)
}

// --- Helpers ---

func toolCallMessage(id, name, args string) domain.Message {
	return domain.Message{
		Role: domain.RoleAssistant,
		ToolCalls: []domain.ToolCall{
			{ID: id, Name: name, Arguments: json.RawMessage(args)},
		},
	}
}

func finalMessage(content string) domain.ChatResponse {
	return domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: content}}
}

func toolCallResponse(id, name, args string) domain.ChatResponse {
	return domain.ChatResponse{Message: toolCallMessage(id, name, args)}
}

func newTestAgent(llm domain.LLMProvider, tools domain.ToolResolver, opts ...func(*AgentDeps)) (*Agent, domain.ConversationStore) {
	st := store.NewMemory()
	deps := AgentDeps{
		LLM:               llm,
		Tools:             tools,
		Store:             st,
		ContextBuilder:    NewContextBuilder("You are a test assistant.", "test-model", 0),
		SupersedeInFlight: false,
	}
	for _, o := range opts {
		o(&deps)
	}
	return NewAgent(deps), deps.Store
}

func newTestStore() domain.ConversationStore {
	return store.NewMemory()
}

func decodeToolError(content string) (domain.ToolErrorPayload, error) {
	var p domain.ToolErrorPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return p, fmt.Errorf("tool content %q is not an error payload: %w", content, err)
	}
	if p.Error == "" {
		return p, errors.New("missing error code")
	}
	return p, nil
}

func roles(msgs []domain.Message) string {
	rs := make([]string, len(msgs))
	for i, m := range msgs {
		rs[i] = m.Role
	}
	return strings.Join(rs, ",")
}
