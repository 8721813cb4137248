package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate-ai/internal/domain"
)

// fakeClock is a settable time source shared by a store under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, clock *fakeClock) domain.ConversationStore

func userMsg(content string) domain.Message {
	return domain.Message{Role: domain.RoleUser, Content: content}
}

func assistantMsg(content string) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, Content: content}
}

func callMsg(ids ...string) domain.Message {
	calls := make([]domain.ToolCall, len(ids))
	for i, id := range ids {
		calls[i] = domain.ToolCall{ID: id, Name: "search_properties", Arguments: json.RawMessage(`{"region":"austin"}`)}
	}
	return domain.Message{Role: domain.RoleAssistant, ToolCalls: calls}
}

func resultMsg(id string) domain.Message {
	return domain.Message{Role: domain.RoleTool, ToolCallID: id, Content: `[]`}
}

// runStoreSuite exercises the ConversationStore contract against a backend.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("LoadCreatesEmpty", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		c, err := s.Load(context.Background(), "conv-new")
		require.NoError(t, err)
		assert.Equal(t, "conv-new", c.ID)
		assert.Empty(t, c.Messages)
		assert.Equal(t, domain.StatusActive, c.Status)
	})

	t.Run("AppendAndLoadInOrder", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "c1", userMsg("3-bed homes in Austin under $500k")))
		require.NoError(t, s.Append(ctx, "c1", callMsg("call_1")))
		require.NoError(t, s.Append(ctx, "c1", resultMsg("call_1")))
		require.NoError(t, s.Append(ctx, "c1", assistantMsg("Here are two options.")))

		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, c.Messages, 4)
		assert.Equal(t, domain.RoleUser, c.Messages[0].Role)
		assert.Equal(t, "call_1", c.Messages[1].ToolCalls[0].ID)
		assert.Equal(t, "call_1", c.Messages[2].ToolCallID)
		assert.Equal(t, "Here are two options.", c.Messages[3].Content)
		assert.NotEmpty(t, c.Messages[0].ID)
		assert.False(t, c.Messages[0].Timestamp.IsZero())
		assert.Equal(t, domain.StatusActive, c.Status)
	})

	t.Run("PendingCallsTrackStatus", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "c1", userMsg("compare")))
		require.NoError(t, s.Append(ctx, "c1", callMsg("a", "b")))

		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAwaitingToolResult, c.Status)
		assert.Equal(t, []string{"a", "b"}, c.Pending)

		require.NoError(t, s.Append(ctx, "c1", resultMsg("b")))
		c, err = s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, c.Pending)
		assert.Equal(t, domain.StatusAwaitingToolResult, c.Status)

		require.NoError(t, s.Append(ctx, "c1", resultMsg("a")))
		c, err = s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Empty(t, c.Pending)
		assert.Equal(t, domain.StatusActive, c.Status)
	})

	t.Run("OrphanToolResultRejected", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "c1", userMsg("hi")))

		err := s.Append(ctx, "c1", resultMsg("ghost"))
		assert.ErrorIs(t, err, domain.ErrOrphanToolResult)
		assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)

		require.NoError(t, s.Append(ctx, "c1", callMsg("call_1")))
		require.NoError(t, s.Append(ctx, "c1", resultMsg("call_1")))
		// Resolving the same call twice is an orphan too.
		assert.ErrorIs(t, s.Append(ctx, "c1", resultMsg("call_1")), domain.ErrOrphanToolResult)

		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Len(t, c.Messages, 3, "rejected results must not be stored")
	})

	t.Run("UserMessageRejectedWhileCallsPending", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "c1", callMsg("call_1")))
		assert.ErrorIs(t, s.Append(ctx, "c1", userMsg("again")), domain.ErrInvalidMessage)
	})

	t.Run("SetStatusActiveClearsPending", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "c1", callMsg("call_1")))
		require.NoError(t, s.SetStatus(ctx, "c1", domain.StatusErrored))

		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusErrored, c.Status)
		assert.Equal(t, []string{"call_1"}, c.Pending)

		require.NoError(t, s.SetStatus(ctx, "c1", domain.StatusActive))
		c, err = s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, c.Status)
		assert.Empty(t, c.Pending)
		assert.ErrorIs(t, s.Append(ctx, "c1", resultMsg("call_1")), domain.ErrOrphanToolResult)

		assert.Error(t, s.SetStatus(ctx, "c1", "bogus"))
	})

	t.Run("TruncateKeepsToolGroupsWhole", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "c1", userMsg("q1")))
		require.NoError(t, s.Append(ctx, "c1", callMsg("a", "b")))
		require.NoError(t, s.Append(ctx, "c1", resultMsg("a")))
		require.NoError(t, s.Append(ctx, "c1", resultMsg("b")))
		require.NoError(t, s.Append(ctx, "c1", assistantMsg("answer")))

		// Keeping 3 would start at a tool message; both leading tool messages go.
		require.NoError(t, s.Truncate(ctx, "c1", 3))
		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, c.Messages, 1)
		assert.Equal(t, "answer", c.Messages[0].Content)

		require.NoError(t, s.Append(ctx, "c1", userMsg("q2")))
		c, err = s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Len(t, c.Messages, 2)
	})

	t.Run("TruncateNoop", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "c1", userMsg("q1")))
		require.NoError(t, s.Truncate(ctx, "c1", 10))
		require.NoError(t, s.Truncate(ctx, "missing", 10))
		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Len(t, c.Messages, 1)
	})

	t.Run("Evict", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "c1", userMsg("hi")))
		require.NoError(t, s.Evict(ctx, "c1"))
		require.NoError(t, s.Evict(ctx, "c1"))
		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Empty(t, c.Messages)
	})

	t.Run("ReapRemovesIdle", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "old", userMsg("hi")))
		clock.Advance(2 * time.Hour)
		require.NoError(t, s.Append(ctx, "fresh", userMsg("hi")))

		n, err := s.Reap(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		c, err := s.Load(ctx, "old")
		require.NoError(t, err)
		assert.Empty(t, c.Messages)
		c, err = s.Load(ctx, "fresh")
		require.NoError(t, err)
		assert.Len(t, c.Messages, 1)
	})

	t.Run("InvalidIDRejected", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		_, err := s.Load(ctx, "../escape")
		assert.ErrorIs(t, err, domain.ErrInvalidConvID)
		assert.ErrorIs(t, s.Append(ctx, "a/b", userMsg("x")), domain.ErrInvalidConvID)
	})

	t.Run("ParallelConversations", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("p-%d", i)
				for j := range 5 {
					assert.NoError(t, s.Append(ctx, id, userMsg(fmt.Sprintf("u%d", j))))
					assert.NoError(t, s.Append(ctx, id, assistantMsg(fmt.Sprintf("a%d", j))))
				}
			}(i)
		}
		wg.Wait()
		for i := range 8 {
			c, err := s.Load(ctx, fmt.Sprintf("p-%d", i))
			require.NoError(t, err)
			require.Len(t, c.Messages, 10)
			for j := range 5 {
				assert.Equal(t, fmt.Sprintf("u%d", j), c.Messages[2*j].Content)
			}
		}
	})
}
