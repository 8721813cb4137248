package tool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"estate-ai/internal/domain"
)

// Registry holds the closed set of tools offered to the model.
// Tools are registered at startup, then the registry is sealed and becomes
// read-only; reads after Seal take no locks.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]domain.Tool
	schemas []domain.ToolSchema // sorted by name, built on Seal
	sealed  atomic.Bool
	logger  *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

// Register adds a tool wrapped with schema validation. The tool's parameter
// schema is compiled here, once; a schema that does not compile is an error.
func (r *Registry) Register(t domain.Tool) error {
	const op = "Registry.Register"
	if r.sealed.Load() {
		return domain.NewDomainError(op, domain.ErrRegistrySealed, t.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return domain.NewDomainError(op, domain.ErrRegistrySealed, t.Name())
	}

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError(op, domain.ErrDuplicateTool, name)
	}

	wrapped, err := WithSchemaValidation(t)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	r.tools[name] = wrapped
	r.logger.Debug("tool registered", "tool", name)
	return nil
}

// MustRegister registers every tool and panics on the first failure.
// Intended for startup wiring where a duplicate is a programming error.
func (r *Registry) MustRegister(tools ...domain.Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Seal freezes the registry. Further Register calls fail with ErrRegistrySealed.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return
	}
	r.schemas = r.sortedSchemas()
	r.sealed.Store(true)
	r.logger.Info("tool registry sealed", "tools", len(r.tools))
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (domain.Tool, error) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Resolve", domain.ErrUnknownTool, name)
	}
	return t, nil
}

// ListSchemas returns all tool schemas sorted by name.
func (r *Registry) ListSchemas() []domain.ToolSchema {
	if r.sealed.Load() {
		out := make([]domain.ToolSchema, len(r.schemas))
		copy(out, r.schemas)
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedSchemas()
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	schemas := r.ListSchemas()
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Name
	}
	return names
}

func (r *Registry) sortedSchemas() []domain.ToolSchema {
	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

var _ domain.ToolResolver = (*Registry)(nil)
