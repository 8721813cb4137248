package tool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate-ai/internal/domain"
)

// stubTool is a minimal tool with a hand-written schema.
type stubTool struct {
	name   string
	schema json.RawMessage
	result *domain.ToolResult
	calls  int
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: s.name, Description: "stub", Parameters: s.schema}
}
func (s *stubTool) Execute(context.Context, json.RawMessage) (*domain.ToolResult, error) {
	s.calls++
	return s.result, nil
}

var regionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"region": {"type": "string", "minLength": 1}},
	"required": ["region"],
	"additionalProperties": false
}`)

func TestRegistry_RegisterResolve(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubTool{name: "market_info", schema: regionSchema}))

	got, err := reg.Resolve("market_info")
	require.NoError(t, err)
	assert.Equal(t, "market_info", got.Name())

	_, isValidator := got.(domain.ArgValidator)
	assert.True(t, isValidator, "registered tools are wrapped with schema validation")
}

func TestRegistry_UnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Resolve("book_viewing")
	assert.ErrorIs(t, err, domain.ErrUnknownTool)
	assert.Equal(t, domain.CodeUnknownTool, domain.ErrorCodeOf(err))
}

func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubTool{name: "search_properties"}))
	err := reg.Register(&stubTool{name: "search_properties"})
	assert.ErrorIs(t, err, domain.ErrDuplicateTool)
}

func TestRegistry_BadSchemaRejected(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(&stubTool{name: "broken", schema: json.RawMessage(`{"type": 42}`)})
	require.Error(t, err)
	_, resolveErr := reg.Resolve("broken")
	assert.ErrorIs(t, resolveErr, domain.ErrUnknownTool)
}

func TestRegistry_Sealed(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubTool{name: "b"}))
	require.NoError(t, reg.Register(&stubTool{name: "a"}))
	reg.Seal()
	reg.Seal()
	assert.True(t, reg.Sealed())

	err := reg.Register(&stubTool{name: "c"})
	assert.ErrorIs(t, err, domain.ErrRegistrySealed)

	names := reg.Names()
	assert.Equal(t, []string{"a", "b"}, names)

	// Callers get a copy.
	schemas := reg.ListSchemas()
	schemas[0].Name = "mutated"
	assert.Equal(t, "a", reg.ListSchemas()[0].Name)
}

func TestRegistry_ListSchemasSortedBeforeSeal(t *testing.T) {
	reg := NewRegistry(nil)
	for _, n := range []string{"search_properties", "analyze_properties", "market_info"} {
		require.NoError(t, reg.Register(&stubTool{name: n}))
	}
	assert.Equal(t, []string{"analyze_properties", "market_info", "search_properties"}, reg.Names())
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Panics(t, func() {
		reg.MustRegister(&stubTool{name: "x"}, &stubTool{name: "x"})
	})
}

func TestRegistry_ConcurrentResolveAfterSeal(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(&stubTool{name: "market_info", schema: regionSchema})
	reg.Seal()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, err := reg.Resolve("market_info")
				assert.NoError(t, err)
				assert.Len(t, reg.ListSchemas(), 1)
			}
		}()
	}
	wg.Wait()
}
