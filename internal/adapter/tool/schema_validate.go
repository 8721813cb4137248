package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"estate-ai/internal/domain"
)

// SchemaValidatingTool wraps a Tool with JSON Schema validation.
// The orchestrator calls ValidateArgs before Execute; Execute validates again
// so the wrapper is safe to use on its own.
type SchemaValidatingTool struct {
	inner  domain.Tool
	schema *jsonschema.Schema
}

// WithSchemaValidation compiles the tool's parameter schema and wraps the
// tool. A tool without a schema is returned unchanged.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", t.Name(), err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}

	return &SchemaValidatingTool{inner: t, schema: compiled}, nil
}

func (s *SchemaValidatingTool) Name() string              { return s.inner.Name() }
func (s *SchemaValidatingTool) Description() string       { return s.inner.Description() }
func (s *SchemaValidatingTool) Schema() domain.ToolSchema { return s.inner.Schema() }

// Unwrap returns the wrapped tool.
func (s *SchemaValidatingTool) Unwrap() domain.Tool { return s.inner }

// ValidateArgs checks params against the compiled schema. Failures wrap
// domain.ErrInvalidToolArgs.
func (s *SchemaValidatingTool) ValidateArgs(params json.RawMessage) error {
	const op = "tool.ValidateArgs"
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidToolArgs, fmt.Sprintf("%s: invalid JSON: %v", s.Name(), err))
	}
	if err := s.schema.Validate(v); err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidToolArgs, fmt.Sprintf("%s: %s", s.Name(), validationDetail(err)))
	}
	return nil
}

func (s *SchemaValidatingTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if err := s.ValidateArgs(params); err != nil {
		return domain.NewErrorResult("", err), nil
	}
	return s.inner.Execute(ctx, params)
}

// validationDetail flattens a schema validation error to its leaf causes so
// the model sees which fields were wrong.
func validationDetail(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	var b bytes.Buffer
	for i, l := range leaves {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(l)
	}
	return b.String()
}

var _ domain.ArgValidator = (*SchemaValidatingTool)(nil)
