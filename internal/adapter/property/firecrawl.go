package property

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/config"
)

// Firecrawl extract job states.
const (
	statusCompleted  = "completed"
	statusFailed     = "failed"
	statusCancelled  = "cancelled"
	statusProcessing = "processing"
)

type extractRequest struct {
	URLs   []string        `json:"urls"`
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"schema"`
}

type extractStarted struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

type extractStatus struct {
	Success bool            `json:"success"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

type jsonOptions struct {
	Schema json.RawMessage `json:"schema"`
	Prompt string          `json:"prompt,omitempty"`
}

type scrapeRequest struct {
	URL         string      `json:"url"`
	Formats     []string    `json:"formats"`
	JSONOptions jsonOptions `json:"jsonOptions"`
}

type scrapeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		JSON     json.RawMessage `json:"json"`
		Metadata struct {
			Title      string `json:"title"`
			SourceURL  string `json:"sourceURL"`
			StatusCode int    `json:"statusCode"`
		} `json:"metadata"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Firecrawl is a minimal client for the Firecrawl v1 extract and scrape APIs.
type Firecrawl struct {
	http         *resty.Client
	pollInterval time.Duration
}

// NewFirecrawl creates a client. Requests that fail with a transport error,
// 429 or 5xx are retried with exponential backoff up to cfg.MaxRetries
// attempts in total.
func NewFirecrawl(cfg config.GatewayConfig) *Firecrawl {
	attempts := max(cfg.MaxRetries, 1)
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "estate-ai/1.0").
		SetTransport(newTransport(cfg.Pool)).
		SetRetryCount(attempts - 1).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return transient(r.StatusCode())
		})
	return &Firecrawl{http: c, pollInterval: cfg.PollInterval}
}

func newTransport(pool config.PoolConfig) *http.Transport {
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 20
	}
	perHost := pool.MaxIdleConnsPerHost
	if perHost <= 0 {
		perHost = 10
	}
	idle := pool.IdleConnTimeout
	if idle <= 0 {
		idle = 90 * time.Second
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: perHost,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     idle,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

func transient(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Extract runs an extract job over urls and waits for its result.
func (f *Firecrawl) Extract(ctx context.Context, urls []string, prompt string, schema json.RawMessage) (json.RawMessage, error) {
	const op = "firecrawl.extract"

	var started extractStarted
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(extractRequest{URLs: urls, Prompt: prompt, Schema: schema}).
		SetResult(&started).
		SetError(&apiError{}).
		Post("/v1/extract")
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}
	if !started.Success || started.ID == "" {
		return nil, domain.NewDomainError(op, domain.ErrUpstreamBadResponse, "extract job was not accepted")
	}
	return f.poll(ctx, started.ID)
}

// poll waits for an extract job to reach a terminal state.
func (f *Firecrawl) poll(ctx context.Context, id string) (json.RawMessage, error) {
	const op = "firecrawl.extract_status"

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		var st extractStatus
		resp, err := f.http.R().
			SetContext(ctx).
			SetPathParam("id", id).
			SetResult(&st).
			SetError(&apiError{}).
			Get("/v1/extract/{id}")
		if err := classify(op, resp, err); err != nil {
			return nil, err
		}

		switch st.Status {
		case statusCompleted:
			if len(st.Data) == 0 || string(st.Data) == "null" {
				return nil, domain.NewDomainError(op, domain.ErrUpstreamBadResponse, "completed job has no data")
			}
			return st.Data, nil
		case statusFailed, statusCancelled:
			detail := "extract job " + st.Status
			if st.Error != "" {
				detail += ": " + st.Error
			}
			return nil, domain.NewDomainError(op, domain.ErrUpstreamUnavailable, detail)
		}

		select {
		case <-ctx.Done():
			return nil, domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, ctx.Err()), "extract job "+id)
		case <-ticker.C:
		}
	}
}

// ScrapedPage is the structured result of a single-page scrape.
type ScrapedPage struct {
	JSON      json.RawMessage
	Title     string
	SourceURL string
}

// ScrapeJSON scrapes one page and extracts JSON matching schema.
func (f *Firecrawl) ScrapeJSON(ctx context.Context, url, prompt string, schema json.RawMessage) (*ScrapedPage, error) {
	const op = "firecrawl.scrape"

	var out scrapeResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(scrapeRequest{
			URL:         url,
			Formats:     []string{"json"},
			JSONOptions: jsonOptions{Schema: schema, Prompt: prompt},
		}).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/v1/scrape")
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, domain.NewDomainError(op, domain.ErrUpstreamBadResponse, out.Error)
	}
	if code := out.Data.Metadata.StatusCode; code == http.StatusNotFound || code == http.StatusGone {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, url)
	}
	if len(out.Data.JSON) == 0 || string(out.Data.JSON) == "null" {
		return nil, domain.NewDomainError(op, domain.ErrUpstreamBadResponse, "scrape returned no json")
	}
	return &ScrapedPage{JSON: out.Data.JSON, Title: out.Data.Metadata.Title, SourceURL: out.Data.Metadata.SourceURL}, nil
}

// classify maps a transport result onto the gateway error taxonomy.
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrUpstreamBadResponse, err), "")
		}
		return domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err), "")
	}
	if !resp.IsError() {
		return nil
	}

	detail := fmt.Sprintf("HTTP %d", resp.StatusCode())
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		detail += ": " + e.Error
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.NewDomainError(op, domain.ErrNotFound, detail)
	}
	return domain.NewDomainError(op, domain.ErrUpstreamUnavailable, detail)
}
