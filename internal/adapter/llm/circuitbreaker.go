package llm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/config"
	"estate-ai/internal/infra/metrics"
)

const (
	defaultCBMaxFailures uint32 = 5
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = time.Minute
)

// CircuitBreakerProvider fails model calls fast once a provider has failed
// MaxFailures times in a row, probing it again with a single request after
// Timeout. Its state is exported as the llm:<provider> breaker gauge.
type CircuitBreakerProvider struct {
	inner   domain.LLMProvider
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
}

// NewCircuitBreakerProvider wraps inner. Zero fields in cfg take defaults;
// m may be nil.
func NewCircuitBreakerProvider(inner domain.LLMProvider, cfg config.CircuitBreakerConfig, m *metrics.Metrics, logger *slog.Logger) *CircuitBreakerProvider {
	trip := cmp.Or(cfg.MaxFailures, defaultCBMaxFailures)
	name := "llm:" + inner.Name()
	m.SetBreakerState(name, int(gobreaker.StateClosed))

	return &CircuitBreakerProvider{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    cmp.Or(cfg.Interval, defaultCBInterval),
			Timeout:     cmp.Or(cfg.Timeout, defaultCBTimeout),
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= trip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("model breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
				m.SetBreakerState(name, int(to))
			},
			IsSuccessful: countsAsHealthy,
		}),
	}
}

// countsAsHealthy reports whether err leaves the breaker's failure count
// alone. Cancelled calls (a superseded turn) and requests the provider
// rejected as too large say nothing about the provider's health.
func countsAsHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrContextOverflow) ||
		errors.Is(err, domain.ErrInvalidInput)
}

// Chat forwards to the wrapped provider unless the breaker is open. A
// rejected call wraps both the gobreaker error and domain.ErrProviderFailure
// so failover moves on to the next provider.
func (p *CircuitBreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: provider %q %w", domain.ErrProviderFailure, p.inner.Name(), err)
	}
	return resp, err
}

func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

func (p *CircuitBreakerProvider) State() gobreaker.State { return p.breaker.State() }

func (p *CircuitBreakerProvider) Counts() gobreaker.Counts { return p.breaker.Counts() }

var _ domain.LLMProvider = (*CircuitBreakerProvider)(nil)
