package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"estate-ai/internal/adapter/llm"
	"estate-ai/internal/adapter/property"
	"estate-ai/internal/adapter/store"
	"estate-ai/internal/adapter/tool"
	"estate-ai/internal/domain"
	"estate-ai/internal/infra/config"
	"estate-ai/internal/infra/logger"
	"estate-ai/internal/infra/metrics"
	"estate-ai/internal/infra/tracer"
	"estate-ai/internal/usecase"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   domain.ConversationStore
	tools   *tool.Registry
	llm     domain.LLMProvider
	agent   *usecase.Agent
	router  *usecase.Router

	closers []func(context.Context) error
}

// loadConfig resolves and loads the config file, applying the
// --log-level override.
func loadConfig() (*config.Config, error) {
	path := config.ResolvePath(configFlag)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrConfigLoad, path, err)
	}
	if logLevelFlag != "" {
		cfg.Logger.Level = logLevelFlag
	}
	return cfg, nil
}

// newApp wires the application:
//  1. logger and tracer
//  2. conversation store
//  3. property gateway and tool registry
//  4. model providers
//  5. agent and router
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a.logger = log
	a.closers = append(a.closers, func(context.Context) error { return closeLog() })

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, shutdownTracer)

	a.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
	log.Info("conversation store ready", "backend", cfg.Store.Backend, "encrypted", cfg.Store.Encryption.Enabled)

	gateway, err := property.New(cfg.Gateway, log, property.WithMetrics(a.metrics))
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("property gateway: %w", err)
	}
	a.tools = newToolRegistry(gateway, log)

	a.llm, _, err = llm.Build(ctx, cfg.LLM, a.metrics, log)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("llm: %w", err)
	}

	a.agent = newAgent(cfg, a.llm, a.tools, a.store, a.metrics, log)
	a.router = usecase.NewRouter(a.agent, a.metrics, log)

	log.Info("estate-ai ready",
		"version", version,
		"provider", a.llm.Name(),
		"model", defaultModel(cfg),
		"tools", strings.Join(a.tools.Names(), ","),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openStore builds the configured conversation store backend.
func openStore(ctx context.Context, cfg config.StoreConfig) (domain.ConversationStore, error) {
	var opts []store.Option
	if cfg.Encryption.Enabled {
		c, err := store.NewCipher(cfg.Encryption.Passphrase, cfg.Encryption.Salt)
		if err != nil {
			return nil, fmt.Errorf("store encryption: %w", err)
		}
		opts = append(opts, store.WithCipher(c))
	}

	switch cfg.Backend {
	case "memory", "":
		return store.NewMemory(opts...), nil
	case "file":
		return store.NewFile(cfg.Dir, opts...)
	case "sqlite":
		return store.NewSQLite(cfg.Path, opts...)
	case "redis":
		opts = append(opts, store.WithKeyPrefix(cfg.KeyPrefix), store.WithTTL(cfg.TTL))
		return store.OpenRedis(ctx, cfg.RedisURL, opts...)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// newToolRegistry registers the property tools and seals the registry.
func newToolRegistry(gateway domain.PropertyGateway, log *slog.Logger) *tool.Registry {
	reg := tool.NewRegistry(log)
	reg.MustRegister(
		tool.NewSearchPropertiesTool(gateway, log),
		tool.NewFetchPropertyDetailsTool(gateway, log),
		tool.NewAnalyzePropertiesTool(gateway, log),
		tool.NewMarketInfoTool(gateway, log),
	)
	reg.Seal()
	return reg
}

func newAgent(
	cfg *config.Config,
	provider domain.LLMProvider,
	tools domain.ToolResolver,
	st domain.ConversationStore,
	m *metrics.Metrics,
	log *slog.Logger,
) *usecase.Agent {
	model := defaultModel(cfg)

	cb := usecase.NewContextBuilder(cfg.Agent.SystemPrompt, model, cfg.Agent.ContextMessages)
	if cfg.Agent.ContextMaxTokens > 0 {
		cb.SetTokenBudget(cfg.Agent.ContextMaxTokens, usecase.NewTokenCounter(model, log))
	}
	cb.SetGeneration(cfg.Agent.MaxTokens, cfg.Agent.Temperature)

	return usecase.NewAgent(usecase.AgentDeps{
		LLM:               provider,
		Tools:             tools,
		Store:             st,
		ContextBuilder:    cb,
		Logger:            log,
		Locker:            usecase.NewConversationLocker(),
		ErrorClassifier:   usecase.NewErrorClassifier(),
		Metrics:           m,
		MaxIterations:     cfg.Agent.MaxIterations,
		ToolTimeout:       cfg.Agent.ToolTimeout,
		TurnTimeout:       cfg.Agent.Timeout,
		HistoryLimit:      cfg.Store.HistoryLimit,
		SupersedeInFlight: cfg.Agent.SupersedeInFlight,
		FallbackReply:     cfg.Agent.FallbackReply,
	})
}

// defaultModel returns the model id of the default provider.
func defaultModel(cfg *config.Config) string {
	for _, p := range cfg.LLM.Providers {
		if p.Name == cfg.LLM.DefaultProvider {
			return p.Model
		}
	}
	return ""
}
