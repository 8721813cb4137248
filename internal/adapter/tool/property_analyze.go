package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/tracer"
)

const (
	maxAnalyzeURLs  = 5
	analyzeFetchers = 3
	pricePlaces     = 2
)

type analyzeArgs struct {
	URLs   []string `json:"urls" jsonschema:"description=Listing URLs to compare,minItems=1,maxItems=5,uniqueItems=true"`
	Budget *float64 `json:"budget,omitempty" jsonschema:"description=Buyer budget in the listing currency,minimum=0"`
}

type analyzedProperty struct {
	URL          string           `json:"url"`
	Title        string           `json:"title,omitempty"`
	Address      string           `json:"address,omitempty"`
	Price        string           `json:"price,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	AreaSqft     *decimal.Decimal `json:"area_sqft,omitempty"`
	PricePerSqft *decimal.Decimal `json:"price_per_sqft,omitempty"`
	WithinBudget *bool            `json:"within_budget,omitempty"`
}

type priceStats struct {
	Priced int              `json:"priced"`
	Min    *decimal.Decimal `json:"min,omitempty"`
	Max    *decimal.Decimal `json:"max,omitempty"`
	Mean   *decimal.Decimal `json:"mean,omitempty"`
	Median *decimal.Decimal `json:"median,omitempty"`
}

type fetchFailure struct {
	URL   string           `json:"url"`
	Error domain.ErrorCode `json:"error"`
}

type analysis struct {
	Properties   []analyzedProperty `json:"properties"`
	Stats        priceStats         `json:"stats"`
	Budget       *decimal.Decimal   `json:"budget,omitempty"`
	WithinBudget *int               `json:"within_budget,omitempty"`
	BestValue    *analyzedProperty  `json:"best_value,omitempty"`
	Failed       []fetchFailure     `json:"failed,omitempty"`
}

// AnalyzePropertiesTool fetches up to five listings and compares their prices.
type AnalyzePropertiesTool struct {
	gateway domain.PropertyGateway
	logger  *slog.Logger
}

// NewAnalyzePropertiesTool creates the analyze_properties tool.
func NewAnalyzePropertiesTool(gateway domain.PropertyGateway, logger *slog.Logger) *AnalyzePropertiesTool {
	return &AnalyzePropertiesTool{gateway: gateway, logger: logger}
}

func (t *AnalyzePropertiesTool) Name() string { return "analyze_properties" }
func (t *AnalyzePropertiesTool) Description() string {
	return "Compare up to five property listings by URL. Reports min, max, mean and median price, price per sqft, how many fit the budget and the best value listing."
}

func (t *AnalyzePropertiesTool) Schema() domain.ToolSchema {
	return newSchema(t.Name(), t.Description(), &analyzeArgs{})
}

func (t *AnalyzePropertiesTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.analyze_properties", t.logger, params,
		func(ctx context.Context, span trace.Span, p analyzeArgs) (any, error) {
			const op = "AnalyzePropertiesTool.Execute"
			if err := validateAnalyzeURLs(p.URLs); err != nil {
				return nil, invalidArgs(op, err)
			}
			span.SetAttributes(tracer.IntAttr("analyze.urls", len(p.URLs)))

			records, failures, err := t.fetchAll(ctx, p.URLs)
			if err != nil {
				return nil, err
			}

			var budget *decimal.Decimal
			if p.Budget != nil {
				b := decimal.NewFromFloat(*p.Budget)
				budget = &b
			}
			out := analyze(p.URLs, records, budget)
			out.Failed = failures
			return out, nil
		},
	)
}

func validateAnalyzeURLs(urls []string) error {
	if len(urls) == 0 || len(urls) > maxAnalyzeURLs {
		return fmt.Errorf("urls must contain 1-%d entries", maxAnalyzeURLs)
	}
	seen := make(map[string]struct{}, len(urls))
	for i, u := range urls {
		if err := ValidateAll(RequireField(fmt.Sprintf("urls[%d]", i), u), ValidateURL(fmt.Sprintf("urls[%d]", i), u)); err != nil {
			return err
		}
		if _, dup := seen[u]; dup {
			return fmt.Errorf("urls[%d] is a duplicate", i)
		}
		seen[u] = struct{}{}
	}
	return nil
}

// fetchAll fetches every URL with bounded concurrency. Individual failures
// are reported; the call fails only when no listing could be fetched.
func (t *AnalyzePropertiesTool) fetchAll(ctx context.Context, urls []string) ([]*domain.PropertyRecord, []fetchFailure, error) {
	records := make([]*domain.PropertyRecord, len(urls))
	errs := make([]error, len(urls))

	var g errgroup.Group
	g.SetLimit(analyzeFetchers)
	for i, u := range urls {
		g.Go(func() error {
			records[i], errs[i] = t.gateway.FetchDetails(ctx, u)
			return nil
		})
	}
	g.Wait()

	var failures []fetchFailure
	for i, err := range errs {
		if err != nil {
			t.logger.Info("analyze: listing fetch failed", "url", urls[i], "error", err)
			failures = append(failures, fetchFailure{URL: urls[i], Error: domain.ErrorCodeOf(err)})
			records[i] = nil
		}
	}
	if len(failures) == len(urls) {
		return nil, nil, errors.Join(errs...)
	}
	return records, failures, nil
}

// analyze computes the price statistics over the fetched records.
// records is index-aligned with urls; nil entries are skipped.
func analyze(urls []string, records []*domain.PropertyRecord, budget *decimal.Decimal) analysis {
	out := analysis{Properties: make([]analyzedProperty, 0, len(records)), Budget: budget}
	var prices []decimal.Decimal
	within := 0

	for i, rec := range records {
		if rec == nil {
			continue
		}
		ap := analyzedProperty{
			URL:     urls[i],
			Title:   rec.Title,
			Address: rec.Address,
			Price:   rec.Price,
			Amount:  rec.Amount,
		}
		if area, ok := parseArea(rec.Attributes[domain.AttrAreaSqft]); ok {
			ap.AreaSqft = &area
			if rec.Amount != nil {
				pps := rec.Amount.Div(area).Round(pricePlaces)
				ap.PricePerSqft = &pps
			}
		}
		if rec.Amount != nil {
			prices = append(prices, *rec.Amount)
			if budget != nil {
				ok := rec.Amount.LessThanOrEqual(*budget)
				ap.WithinBudget = &ok
				if ok {
					within++
				}
			}
		}
		out.Properties = append(out.Properties, ap)
	}

	out.Stats = computeStats(prices)
	if budget != nil {
		out.WithinBudget = &within
	}
	out.BestValue = bestValue(out.Properties)
	return out
}

func computeStats(prices []decimal.Decimal) priceStats {
	s := priceStats{Priced: len(prices)}
	if len(prices) == 0 {
		return s
	}
	sorted := make([]decimal.Decimal, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	lo, hi := sorted[0], sorted[len(sorted)-1]
	mean := decimal.Avg(sorted[0], sorted[1:]...).Round(pricePlaces)

	var median decimal.Decimal
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		median = sorted[mid]
	} else {
		median = sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2)).Round(pricePlaces)
	}

	s.Min, s.Max, s.Mean, s.Median = &lo, &hi, &mean, &median
	return s
}

// bestValue returns the listing with the lowest price per sqft.
func bestValue(props []analyzedProperty) *analyzedProperty {
	var best *analyzedProperty
	for i := range props {
		p := &props[i]
		if p.PricePerSqft == nil {
			continue
		}
		if best == nil || p.PricePerSqft.LessThan(*best.PricePerSqft) {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// parseArea reads a built-up area such as "1,250 sqft" or "1250.5". Values in
// other units are not converted and are ignored.
func parseArea(s string) (decimal.Decimal, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	num, unit := s, ""
	if i := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.' && r != ','
	}); i >= 0 {
		num, unit = s[:i], strings.TrimSpace(s[i:])
	}
	switch unit {
	case "", "sqft", "sq ft", "sq.ft", "sq.ft.", "sq. ft.", "square feet":
	default:
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(num, ",", ""))
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d, true
}
