package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"estate-ai/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and connectivity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := config.ResolvePath(configFlag)
		cfg, err := config.Load(path)
		return runDoctor(cmd.Context(), cmd.OutOrStdout(), path, cfg, err)
	},
}

const notLoaded = "cannot check: config not loaded"

// runDoctor executes all health checks and reports results to out.
func runDoctor(ctx context.Context, out io.Writer, cfgPath string, cfg *config.Config, cfgErr error) error {
	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Firecrawl", Fn: checkGateway},
		{Name: "Conversation store", Fn: checkStore},
		{Name: "Channels", Fn: checkChannels},
	}

	fmt.Fprintln(out, "estate-ai doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(ctx, cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loaded.
func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check " + cfgPath + " and the ESTATEAI_* environment",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s not found, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkLLMAPIKey verifies every openai-type provider has an API key.
func checkLLMAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: notLoaded}
	}

	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		switch {
		case p.Type == "bedrock":
			withKey = append(withKey, p.Name+" (aws credentials)")
		case p.APIKey != "":
			withKey = append(withKey, p.Name)
		default:
			withoutKey = append(withoutKey, p.Name)
		}
	}

	if len(withKey) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys found for providers: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set OPENAI_API_KEY or ESTATEAI_LLM_PROVIDER_<NAME>_API_KEY",
		}
	}
	if len(withoutKey) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("keys configured for [%s]; missing for [%s]", strings.Join(withKey, ", "), strings.Join(withoutKey, ", ")),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("credentials configured for: %s", strings.Join(withKey, ", ")),
	}
}

// checkLLMConnectivity lists models on the default openai-type provider.
func checkLLMConnectivity(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: notLoaded}
	}

	var provider *config.ProviderConfig
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
			provider = &cfg.LLM.Providers[i]
			break
		}
	}
	switch {
	case provider == nil:
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("default provider %q not found", cfg.LLM.DefaultProvider)}
	case provider.Type != "openai":
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("skipped for provider type %q", provider.Type)}
	case provider.APIKey == "":
		return CheckResult{Status: StatusWarn, Message: "skipped: no API key for default provider"}
	}

	base := strings.TrimRight(provider.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return probe(ctx, provider.Name, base+"/models", provider.APIKey)
}

// checkGateway probes the Firecrawl API with the configured key.
func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: notLoaded}
	}
	if cfg.Gateway.APIKey == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "no Firecrawl API key",
			Fix:     "Set FIRECRAWL_API_KEY or gateway.api_key",
		}
	}
	return probe(ctx, "firecrawl", strings.TrimRight(cfg.Gateway.BaseURL, "/"), cfg.Gateway.APIKey)
}

// probe issues an authenticated GET. Any HTTP response counts as reachable
// except 401 and 403.
func probe(ctx context.Context, name, url, token string) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := resty.New().R().SetContext(ctx).SetAuthToken(token).Get(url)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", url, err),
			Fix:     "Check your internet connection and firewall settings",
		}
	}
	if code := resp.StatusCode(); code == 401 || code == 403 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s rejected the credentials (HTTP %d)", name, code),
			Fix:     "Check the API key",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", name, latency.Milliseconds()),
	}
}

// checkStore opens and closes the configured store backend.
func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: notLoaded}
	}
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s backend unavailable: %v", cfg.Store.Backend, err),
		}
	}
	_ = st.Close()

	if cfg.Store.Backend == "memory" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "memory backend: conversations are lost on restart",
			Fix:     "Set store.backend to file, sqlite or redis",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s backend ready", cfg.Store.Backend)}
}

// checkChannels reports the enabled inbound channels.
func checkChannels(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: notLoaded}
	}
	var names []string
	if wa := cfg.Channels.WhatsApp; wa != nil {
		if wa.Token == "" || wa.PhoneID == "" {
			return CheckResult{
				Status:  StatusFail,
				Message: "whatsapp enabled without token or phone_id",
				Fix:     "Set ESTATEAI_WHATSAPP_TOKEN and ESTATEAI_WHATSAPP_PHONE_ID",
			}
		}
		names = append(names, "whatsapp@"+wa.WebhookAddr)
	}
	if wh := cfg.Channels.Webhook; wh != nil {
		names = append(names, "webhook@"+wh.Addr)
	}
	if len(names) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no webhook channels configured: only 'chat' and 'ask' will work",
		}
	}
	return CheckResult{Status: StatusPass, Message: strings.Join(names, ", ")}
}
