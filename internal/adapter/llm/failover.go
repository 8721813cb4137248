package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"estate-ai/internal/domain"
)

var _ domain.LLMProvider = (*FailoverProvider)(nil)

// FailoverProvider walks an ordered chain of providers until one answers.
// Errors caused by the request itself (invalid input) are returned at once,
// since every provider in the chain would reject the same request.
type FailoverProvider struct {
	chain  []domain.LLMProvider
	logger *slog.Logger
}

// NewFailoverProvider chains primary ahead of fallbacks.
func NewFailoverProvider(primary domain.LLMProvider, fallbacks []domain.LLMProvider, logger *slog.Logger) *FailoverProvider {
	chain := make([]domain.LLMProvider, 0, 1+len(fallbacks))
	chain = append(chain, primary)
	chain = append(chain, fallbacks...)
	return &FailoverProvider{chain: chain, logger: logger}
}

func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var errs []error
	for i, p := range f.chain {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("model request served by fallback", "provider", p.Name(), "position", i)
			}
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil || errors.Is(err, domain.ErrInvalidInput) {
			break
		}
		if i+1 < len(f.chain) {
			f.logger.Warn("model provider failed, trying next", "provider", p.Name(), "next", f.chain[i+1].Name(), "error", err)
		}
	}
	if len(errs) == 1 {
		return nil, errs[0]
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// Name is the primary's name with a "+failover" suffix.
func (f *FailoverProvider) Name() string {
	return f.chain[0].Name() + "+failover"
}
