package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateGateway(cfg, ve)
	validateStore(cfg, ve)
	validateChannels(cfg, ve)
	validateServer(cfg, ve)
	validateTracer(cfg, ve)
	if names := EncryptedSecrets(cfg); len(names) > 0 {
		ve.Add("encrypted secrets present but %sCONFIG_KEY is not set: %s", EnvPrefix, strings.Join(names, ", "))
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	a := cfg.Agent
	if a.MaxIterations <= 0 {
		ve.Add("agent.max_iterations must be > 0")
	}
	if a.Timeout <= 0 {
		ve.Add("agent.timeout must be > 0")
	}
	if a.ToolTimeout < 0 {
		ve.Add("agent.tool_timeout must be >= 0")
	}
	if a.SystemPrompt == "" {
		ve.Add("agent.system_prompt must not be empty")
	}
	if a.ContextMessages < 0 || a.ContextMaxTokens < 0 {
		ve.Add("agent.context_messages and agent.context_max_tokens must be >= 0")
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		ve.Add("agent.temperature %.2f is out of range [0, 2]", a.Temperature)
	}
}

var validProviderTypes = map[string]bool{
	"openai":  true,
	"bedrock": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if len(cfg.LLM.Providers) == 0 {
		ve.Add("llm.providers must configure at least one provider")
		return
	}

	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, bedrock)", i, p.Type)
		}
		if p.Model == "" {
			ve.Add("llm.providers[%d] (%s): model is required", i, p.Name)
		}
		if p.APIKey == "" && p.Type == "openai" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set OPENAI_API_KEY or %sLLM_PROVIDER_%s_API_KEY)",
				i, p.Name, EnvPrefix, strings.ToUpper(p.Name))
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.RespTimeout < 0 || p.ConnTimeout < 0 {
			ve.Add("llm.providers[%d] (%s): timeouts must be >= 0", i, p.Name)
		}
	}

	if cfg.LLM.DefaultProvider != "" && !seen[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Failover.Enabled {
		for _, name := range cfg.LLM.Failover.Fallbacks {
			if !seen[name] {
				ve.Add("llm.failover.fallbacks: unknown provider %q", name)
			}
		}
	}
	validateBreaker("llm.circuit_breaker", cfg.LLM.CircuitBreaker, ve)
}

func validateBreaker(path string, cb CircuitBreakerConfig, ve *ValidationError) {
	if !cb.Enabled {
		return
	}
	if cb.MaxFailures == 0 {
		ve.Add("%s.max_failures must be > 0 when enabled", path)
	}
	if cb.Timeout <= 0 {
		ve.Add("%s.timeout must be > 0 when enabled", path)
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.APIKey == "" {
		ve.Add("gateway.api_key is empty (set FIRECRAWL_API_KEY or %sGATEWAY_API_KEY)", EnvPrefix)
	}
	if u, err := url.Parse(g.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("gateway.base_url %q is not an absolute URL", g.BaseURL)
	}
	if g.Timeout <= 0 {
		ve.Add("gateway.timeout must be > 0")
	}
	if g.MaxRetries < 1 {
		ve.Add("gateway.max_retries must be >= 1")
	}
	if g.PollInterval <= 0 {
		ve.Add("gateway.poll_interval must be > 0")
	}
	if g.CacheSize < 0 {
		ve.Add("gateway.cache_size must be >= 0")
	}
	if g.CacheSize > 0 && g.CacheTTL <= 0 {
		ve.Add("gateway.cache_ttl must be > 0 when the cache is enabled")
	}
	validateSources("gateway.listing_sources", g.ListingSources, ve)
	validateSources("gateway.market_sources", g.MarketSources, ve)
	validateBreaker("gateway.circuit_breaker", g.CircuitBreaker, ve)
}

func validateSources(path string, sources []string, ve *ValidationError) {
	if len(sources) == 0 {
		ve.Add("%s must list at least one URL template", path)
		return
	}
	for i, s := range sources {
		if !strings.Contains(s, "{region}") {
			ve.Add("%s[%d] %q has no {region} placeholder", path, i, s)
		}
	}
}

var validStoreBackends = map[string]bool{
	"memory": true,
	"file":   true,
	"sqlite": true,
	"redis":  true,
}

func validateStore(cfg *Config, ve *ValidationError) {
	s := cfg.Store
	if !validStoreBackends[s.Backend] {
		ve.Add("store.backend %q is invalid (want: memory, file, sqlite, redis)", s.Backend)
	}
	switch s.Backend {
	case "file":
		if s.Dir == "" {
			ve.Add("store.dir is required for the file backend")
		}
	case "sqlite":
		if s.Path == "" {
			ve.Add("store.path is required for the sqlite backend")
		}
	case "redis":
		if s.RedisURL == "" {
			ve.Add("store.redis_url is required for the redis backend (set via %sSTORE_REDIS_URL)", EnvPrefix)
		}
	}
	if s.HistoryLimit < 0 {
		ve.Add("store.history_limit must be >= 0")
	}
	if s.ReapSchedule != "" {
		if s.MaxIdle <= 0 {
			ve.Add("store.max_idle must be > 0 when store.reap_schedule is set")
		} else if s.MaxIdle <= cfg.Agent.Timeout {
			// A turn starts with an append and lasts at most agent.timeout,
			// so a conversation with a turn in flight never looks idle.
			ve.Add("store.max_idle (%v) must exceed agent.timeout (%v)", s.MaxIdle, cfg.Agent.Timeout)
		}
		if _, err := cron.ParseStandard(s.ReapSchedule); err != nil {
			ve.Add("store.reap_schedule %q: %v", s.ReapSchedule, err)
		}
	}
	if s.Encryption.Enabled {
		if s.Backend == "memory" {
			ve.Add("store.encryption is not supported by the memory backend")
		}
		if s.Encryption.Passphrase == "" {
			ve.Add("store.encryption is enabled but %sSTORE_KEY is not set", EnvPrefix)
		}
		if len(s.Encryption.Salt) < 8 {
			ve.Add("store.encryption.salt must be at least 8 characters")
		}
	}
}

func validateChannels(cfg *Config, ve *ValidationError) {
	if wa := cfg.Channels.WhatsApp; wa != nil {
		if wa.Token == "" {
			ve.Add("channels.whatsapp.token is required (set via %sWHATSAPP_TOKEN)", EnvPrefix)
		}
		if wa.PhoneID == "" {
			ve.Add("channels.whatsapp.phone_id is required")
		}
		if wa.VerifyToken == "" {
			ve.Add("channels.whatsapp.verify_token is required")
		}
		validateAddr("channels.whatsapp.webhook_addr", wa.WebhookAddr, ve)
		validateRoute("channels.whatsapp.webhook_path", wa.WebhookPath, ve)
	}
	if wh := cfg.Channels.Webhook; wh != nil {
		validateAddr("channels.webhook.addr", wh.Addr, ve)
		validateRoute("channels.webhook.path", wh.Path, ve)
	}
	wa, wh := cfg.Channels.WhatsApp, cfg.Channels.Webhook
	if wa != nil && wh != nil && wa.WebhookAddr == wh.Addr && wa.WebhookPath == wh.Path {
		ve.Add("channels.whatsapp and channels.webhook both serve %s%s", wh.Addr, wh.Path)
	}
}

func validateAddr(path, addr string, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		ve.Add("%s %q is not a valid host:port", path, addr)
	}
}

func validateRoute(path, route string, ve *ValidationError) {
	if !strings.HasPrefix(route, "/") {
		ve.Add("%s %q must start with /", path, route)
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.RateLimit < 0 || s.RateBurst < 0 {
		ve.Add("server.rate_limit and server.rate_burst must be >= 0")
	}
	if s.MetricsPath != "" && !strings.HasPrefix(s.MetricsPath, "/") {
		ve.Add("server.metrics_path %q must start with /", s.MetricsPath)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	t := cfg.Tracer
	switch t.Exporter {
	case "", "noop", "stdout":
	case "file":
		if t.Enabled && t.Endpoint == "" {
			ve.Add("tracer.endpoint must name a file when tracer.exporter is file")
		}
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout, file)", t.Exporter)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio %.2f is out of range [0, 1]", t.SampleRatio)
	}
}
