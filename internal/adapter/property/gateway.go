// Package property implements domain.PropertyGateway on top of Firecrawl.
//
// Listing and market pages are turned into structured records by Firecrawl's
// LLM extraction. Every payload is validated against the same JSON Schema
// that was sent with the request before it is mapped into domain types.
package property

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/config"
	"estate-ai/internal/infra/metrics"
	"estate-ai/internal/infra/tracer"
)

// Gateway operations, used as metric labels and cache key prefixes.
const (
	opSearch  = "search"
	opDetails = "details"
	opMarket  = "market"
)

// breakerName labels the gateway circuit breaker in logs and metrics.
const breakerName = "gateway:firecrawl"

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records gateway calls, cache lookups and breaker state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock overrides the time source used for FetchedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway is the Firecrawl-backed property data gateway.
type Gateway struct {
	client  *Firecrawl
	cfg     config.GatewayConfig
	schemas schemas
	cache   *expirable.LRU[string, any] // nil when disabled
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

var _ domain.PropertyGateway = (*Gateway)(nil)

// New creates a gateway from cfg.
func New(cfg config.GatewayConfig, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	s, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("property gateway: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := &Gateway{
		client:  NewFirecrawl(cfg),
		cfg:     cfg,
		schemas: s,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if cfg.CacheSize > 0 {
		g.cache = expirable.NewLRU[string, any](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	if cfg.CircuitBreaker.Enabled {
		g.breaker = g.newBreaker(cfg.CircuitBreaker)
	}
	return g, nil
}

func (g *Gateway) newBreaker(cb config.CircuitBreakerConfig) *gobreaker.CircuitBreaker[json.RawMessage] {
	g.metrics.SetBreakerState(breakerName, int(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    cb.Interval,
		Timeout:     cb.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cb.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			g.metrics.SetBreakerState(name, int(to))
		},
		// Only an unreachable upstream trips the breaker. Bad payloads and
		// empty results mean Firecrawl is answering.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrUpstreamUnavailable) || errors.Is(err, context.Canceled)
		},
	})
}

// Search extracts listings for the criteria from the configured sources.
func (g *Gateway) Search(ctx context.Context, criteria domain.SearchCriteria) ([]domain.PropertyRecord, error) {
	const op = "Gateway.Search"
	criteria = criteria.WithDefaults()
	slug := regionSlug(criteria.Region)
	if slug == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "region is required")
	}

	key, err := cacheKey(opSearch, normalizedCriteria(criteria, slug))
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return cached(ctx, g, opSearch, key, func(ctx context.Context, span trace.Span) ([]domain.PropertyRecord, error) {
		urls := expandSources(g.cfg.ListingSources, slug)
		span.SetAttributes(tracer.StringAttr("gateway.region", slug), tracer.IntAttr("gateway.sources", len(urls)))

		raw, err := g.guard(ctx, func(ctx context.Context) (json.RawMessage, error) {
			return g.client.Extract(ctx, urls, searchPrompt(criteria), g.schemas.listings.raw)
		})
		if err != nil {
			return nil, err
		}

		var payload listingsPayload
		if err := g.schemas.listings.decode(raw, &payload); err != nil {
			return nil, domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrUpstreamBadResponse, err), "")
		}

		fetched := g.now().UTC()
		fallbackURL := strings.TrimSuffix(urls[0], "/*")
		records := make([]domain.PropertyRecord, 0, len(payload.Properties))
		for _, p := range payload.Properties {
			rec := toRecord(p, fallbackURL, fetched)
			rec.Attributes[domain.AttrCategory] = criteria.Category
			if !withinPrice(rec, criteria) {
				continue
			}
			records = append(records, rec)
			if len(records) == criteria.Limit {
				break
			}
		}
		g.logger.Debug("gateway search", "region", slug, "extracted", len(payload.Properties), "kept", len(records))
		if len(records) == 0 {
			return nil, domain.NewDomainError(op, domain.ErrNotFound, "no listings matched in "+criteria.Region)
		}
		return records, nil
	})
}

// FetchDetails scrapes a single listing page.
func (g *Gateway) FetchDetails(ctx context.Context, url string) (*domain.PropertyRecord, error) {
	const op = "Gateway.FetchDetails"
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "url is required")
	}

	return cached(ctx, g, opDetails, opDetails+"|"+url, func(ctx context.Context, span trace.Span) (*domain.PropertyRecord, error) {
		span.SetAttributes(tracer.StringAttr("gateway.url", url))

		var page *ScrapedPage
		_, err := g.guard(ctx, func(ctx context.Context) (json.RawMessage, error) {
			var err error
			page, err = g.client.ScrapeJSON(ctx, url, detailsPrompt, g.schemas.listing.raw)
			if err != nil {
				return nil, err
			}
			return page.JSON, nil
		})
		if err != nil {
			return nil, err
		}

		var payload listingPayload
		if err := g.schemas.listing.decode(page.JSON, &payload); err != nil {
			return nil, domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrUpstreamBadResponse, err), "")
		}
		if payload.Price == "" && payload.LocationAddress == "" {
			return nil, domain.NewDomainError(op, domain.ErrNotFound, "no listing on "+url)
		}

		payload.URL = url
		rec := toRecord(payload, url, g.now().UTC())
		if rec.Title == "" {
			rec.Title = page.Title
		}
		return &rec, nil
	})
}

// MarketInfo extracts locality price trends for a region.
func (g *Gateway) MarketInfo(ctx context.Context, region string) (*domain.MarketSummary, error) {
	const op = "Gateway.MarketInfo"
	slug := regionSlug(region)
	if slug == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "region is required")
	}

	return cached(ctx, g, opMarket, opMarket+"|"+slug, func(ctx context.Context, span trace.Span) (*domain.MarketSummary, error) {
		urls := expandSources(g.cfg.MarketSources, slug)
		span.SetAttributes(tracer.StringAttr("gateway.region", slug))

		raw, err := g.guard(ctx, func(ctx context.Context) (json.RawMessage, error) {
			return g.client.Extract(ctx, urls, marketPrompt(region), g.schemas.localities.raw)
		})
		if err != nil {
			return nil, err
		}

		var payload localitiesPayload
		if err := g.schemas.localities.decode(raw, &payload); err != nil {
			return nil, domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrUpstreamBadResponse, err), "")
		}
		summary := &domain.MarketSummary{
			Region:    strings.TrimSpace(region),
			SourceURL: strings.TrimSuffix(urls[0], "/*"),
			FetchedAt: g.now().UTC(),
		}
		for _, l := range payload.Locations {
			if strings.TrimSpace(l.Location) == "" {
				continue
			}
			summary.Localities = append(summary.Localities, domain.LocalityTrend{
				Location:        strings.TrimSpace(l.Location),
				PricePerSqft:    l.PricePerSqft,
				PercentIncrease: l.PercentIncrease,
				RentalYield:     l.RentalYield,
			})
		}
		if len(summary.Localities) == 0 {
			return nil, domain.NewDomainError(op, domain.ErrNotFound, "no market data for "+region)
		}
		return summary, nil
	})
}

// guard runs an upstream call through the circuit breaker.
func (g *Gateway) guard(ctx context.Context, call func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if g.breaker == nil {
		return call(ctx)
	}
	raw, err := g.breaker.Execute(func() (json.RawMessage, error) { return call(ctx) })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewDomainError("Gateway.guard", fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err), breakerName)
	}
	return raw, err
}

// cached serves op from the cache or runs fetch under the gateway timeout.
// Only successful results are stored.
func cached[T any](ctx context.Context, g *Gateway, op, key string, fetch func(context.Context, trace.Span) (T, error)) (T, error) {
	if g.cache != nil {
		if v, ok := g.cache.Get(key); ok {
			g.metrics.ObserveCache(op, true)
			return v.(T), nil
		}
		g.metrics.ObserveCache(op, false)
	}

	ctx, span := tracer.StartSpan(ctx, "gateway."+op)
	defer span.End()
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	v, err := fetch(ctx, span)
	g.metrics.ObserveGateway(op, err, time.Since(start))
	if err != nil {
		tracer.RecordError(span, err)
		g.logger.Info("gateway call failed", "op", op, "code", domain.ErrorCodeOf(err), "error", err)
		var zero T
		return zero, err
	}
	tracer.SetOK(span)
	if g.cache != nil {
		g.cache.Add(key, v)
	}
	return v, nil
}

func cacheKey(op string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	return op + "|" + string(data), nil
}

func normalizedCriteria(c domain.SearchCriteria, slug string) domain.SearchCriteria {
	c.Region = slug
	return c
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// regionSlug turns "New Delhi" into "new-delhi".
func regionSlug(region string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(region)), "-"), "-")
}

func expandSources(templates []string, slug string) []string {
	urls := make([]string, len(templates))
	for i, t := range templates {
		urls[i] = strings.ReplaceAll(t, "{region}", slug)
	}
	return urls
}

func toRecord(p listingPayload, fallbackURL string, fetched time.Time) domain.PropertyRecord {
	rec := domain.PropertyRecord{
		Title:       strings.TrimSpace(p.BuildingName),
		Address:     strings.TrimSpace(p.LocationAddress),
		Price:       strings.TrimSpace(p.Price),
		Description: strings.TrimSpace(p.Description),
		SourceURL:   fallbackURL,
		FetchedAt:   fetched,
		Attributes:  map[string]string{},
	}
	if strings.HasPrefix(p.URL, "http://") || strings.HasPrefix(p.URL, "https://") {
		rec.SourceURL = p.URL
	}
	if amount, ok := ParsePrice(p.Price); ok {
		rec.Amount = &amount
	}
	if v := parseCount(p.Bedrooms); v != "" {
		rec.Attributes[domain.AttrBeds] = v
	}
	if v := parseCount(p.Bathrooms); v != "" {
		rec.Attributes[domain.AttrBaths] = v
	}
	if v := strings.TrimSpace(p.Area); v != "" {
		rec.Attributes[domain.AttrAreaSqft] = v
	}
	if v := strings.TrimSpace(p.PropertyType); v != "" {
		rec.Attributes[domain.AttrPropertyType] = v
	}
	return rec
}

// withinPrice drops records whose parsed price falls outside the bounds.
// Records without a parseable price are kept.
func withinPrice(rec domain.PropertyRecord, c domain.SearchCriteria) bool {
	if rec.Amount == nil {
		return true
	}
	if c.MaxPrice != nil && rec.Amount.GreaterThan(decimal.NewFromFloat(*c.MaxPrice)) {
		return false
	}
	if c.MinPrice != nil && rec.Amount.LessThan(decimal.NewFromFloat(*c.MinPrice)) {
		return false
	}
	return true
}

const detailsPrompt = `Extract the property listed on this page: building or project name, property type,
full location address, asking price exactly as displayed, bedrooms, bathrooms, built-up area with unit
and a short description.`

func searchPrompt(c domain.SearchCriteria) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extract at most %d %s %s properties for sale in %s", c.Limit,
		strings.ToLower(c.Category), strings.ToLower(c.PropertyType), c.Region)
	if c.MaxPrice != nil {
		fmt.Fprintf(&b, " priced at or below %s", formatAmount(*c.MaxPrice))
		if hint := indianUnits(*c.MaxPrice); hint != "" {
			fmt.Fprintf(&b, " (%s)", hint)
		}
	}
	if c.MinPrice != nil {
		fmt.Fprintf(&b, " priced at or above %s", formatAmount(*c.MinPrice))
	}
	if c.Beds != nil {
		fmt.Fprintf(&b, " with %d bedrooms", *c.Beds)
	}
	if c.Baths != nil {
		fmt.Fprintf(&b, " and %d bathrooms", *c.Baths)
	}
	b.WriteString(". For each property return the building name, property type, location address, price as displayed, bedrooms, bathrooms, area, listing URL and a short description.")
	return b.String()
}

func marketPrompt(region string) string {
	return "Extract price trends for localities in " + strings.TrimSpace(region) +
		": for each locality the average price per square foot, the yearly percent increase and the rental yield."
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// indianUnits spells v in lakh or crores for listing sites that quote
// prices that way. Amounts below one lakh get no hint.
func indianUnits(v float64) string {
	d := decimal.NewFromFloat(v)
	switch {
	case d.GreaterThanOrEqual(decimal.NewFromInt(10_000_000)):
		return d.Div(decimal.NewFromInt(10_000_000)).Round(2).String() + " crores"
	case d.GreaterThanOrEqual(decimal.NewFromInt(100_000)):
		return d.Div(decimal.NewFromInt(100_000)).Round(2).String() + " lakh"
	default:
		return ""
	}
}
