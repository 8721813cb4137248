package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate-ai/internal/domain"
)

type mockProvider struct {
	name     string
	calls    int
	chatFunc func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error)
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.calls++
	return m.chatFunc(ctx, req)
}
func (m *mockProvider) Name() string { return m.name }

func replying(name, content string) *mockProvider {
	return &mockProvider{
		name: name,
		chatFunc: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: content}}, nil
		},
	}
}

func failing(name string, err error) *mockProvider {
	return &mockProvider{
		name: name,
		chatFunc: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, err
		},
	}
}

func TestFailoverPrimarySuccess(t *testing.T) {
	primary := replying("primary", "primary response")
	fallback := replying("fallback", "fallback response")

	fp := NewFailoverProvider(primary, []domain.LLMProvider{fallback}, slog.Default())
	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})

	require.NoError(t, err)
	assert.Equal(t, "primary response", resp.Message.Content)
	assert.Equal(t, 0, fallback.calls)
}

func TestFailoverPrimaryFailFallbackSuccess(t *testing.T) {
	primary := failing("primary", errors.New("primary down"))
	fallback := replying("fallback", "fallback response")

	fp := NewFailoverProvider(primary, []domain.LLMProvider{fallback}, slog.Default())
	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})

	require.NoError(t, err)
	assert.Equal(t, "fallback response", resp.Message.Content)
}

func TestFailoverAggregatesAllErrors(t *testing.T) {
	primary := failing("primary", errors.New("primary connection timeout"))
	fb1 := failing("bedrock", mapHTTPError(429, "slow down"))
	fb2 := failing("backup", mapHTTPError(401, "bad key"))

	fp := NewFailoverProvider(primary, []domain.LLMProvider{fb1, fb2}, slog.Default())
	_, err := fp.Chat(context.Background(), domain.ChatRequest{})

	require.Error(t, err)
	for _, s := range []string{"primary", "bedrock", "backup", "timeout"} {
		assert.Contains(t, err.Error(), s)
	}
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestFailoverStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &mockProvider{
		name: "primary",
		chatFunc: func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	fallback := replying("fallback", "too late")

	fp := NewFailoverProvider(primary, []domain.LLMProvider{fallback}, slog.Default())
	_, err := fp.Chat(ctx, domain.ChatRequest{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fallback.calls)
}

func TestFailoverName(t *testing.T) {
	fp := NewFailoverProvider(&mockProvider{name: "openai"}, nil, slog.Default())
	assert.Equal(t, "openai+failover", fp.Name())
}

func TestFailoverDoesNotRetryInvalidInput(t *testing.T) {
	primary := failing("primary", mapHTTPError(400, "tool schema rejected"))
	fallback := replying("fallback", "unused")

	fp := NewFailoverProvider(primary, []domain.LLMProvider{fallback}, slog.Default())
	_, err := fp.Chat(context.Background(), domain.ChatRequest{})

	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, fallback.calls)
}
