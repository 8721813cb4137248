package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/tracer"
)

type searchArgs struct {
	Region       string   `json:"region" jsonschema:"description=City or locality to search in such as Pune or Austin,minLength=1,maxLength=100"`
	MaxPrice     *float64 `json:"maxPrice,omitempty" jsonschema:"description=Maximum price in the listing currency,minimum=0"`
	MinPrice     *float64 `json:"minPrice,omitempty" jsonschema:"description=Minimum price in the listing currency,minimum=0"`
	Beds         *int     `json:"beds,omitempty" jsonschema:"description=Number of bedrooms,minimum=0,maximum=20"`
	Baths        *int     `json:"baths,omitempty" jsonschema:"description=Number of bathrooms,minimum=0,maximum=20"`
	Category     string   `json:"category,omitempty" jsonschema:"enum=Residential,enum=Commercial,default=Residential"`
	PropertyType string   `json:"propertyType,omitempty" jsonschema:"enum=Flat,enum=Individual House,enum=Apartment,default=Flat"`
	Limit        int      `json:"limit,omitempty" jsonschema:"description=Maximum number of listings to return,minimum=1,maximum=10,default=5"`
}

func (a searchArgs) criteria() (domain.SearchCriteria, error) {
	region := strings.TrimSpace(a.Region)
	if err := RequireField("region", region); err != nil {
		return domain.SearchCriteria{}, err
	}
	if a.MinPrice != nil && a.MaxPrice != nil && *a.MinPrice > *a.MaxPrice {
		return domain.SearchCriteria{}, fmt.Errorf("minPrice %.0f is above maxPrice %.0f", *a.MinPrice, *a.MaxPrice)
	}
	c := domain.SearchCriteria{
		Region:       region,
		MaxPrice:     a.MaxPrice,
		MinPrice:     a.MinPrice,
		Beds:         a.Beds,
		Baths:        a.Baths,
		Category:     a.Category,
		PropertyType: a.PropertyType,
		Limit:        a.Limit,
	}
	return c.WithDefaults(), nil
}

type searchResult struct {
	Region     string                  `json:"region"`
	Count      int                     `json:"count"`
	Properties []domain.PropertyRecord `json:"properties"`
}

// SearchPropertiesTool lists properties for sale in a region.
type SearchPropertiesTool struct {
	gateway domain.PropertyGateway
	logger  *slog.Logger
}

// NewSearchPropertiesTool creates the search_properties tool.
func NewSearchPropertiesTool(gateway domain.PropertyGateway, logger *slog.Logger) *SearchPropertiesTool {
	return &SearchPropertiesTool{gateway: gateway, logger: logger}
}

func (t *SearchPropertiesTool) Name() string { return "search_properties" }
func (t *SearchPropertiesTool) Description() string {
	return "Search property listings for sale in a region. Filter by price range, bedrooms, bathrooms, category and property type."
}

func (t *SearchPropertiesTool) Schema() domain.ToolSchema {
	return newSchema(t.Name(), t.Description(), &searchArgs{})
}

func (t *SearchPropertiesTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.search_properties", t.logger, params,
		func(ctx context.Context, span trace.Span, p searchArgs) (any, error) {
			criteria, err := p.criteria()
			if err != nil {
				return nil, invalidArgs("SearchPropertiesTool.Execute", err)
			}
			span.SetAttributes(
				tracer.StringAttr("search.region", criteria.Region),
				tracer.IntAttr("search.limit", criteria.Limit),
			)

			records, err := t.gateway.Search(ctx, criteria)
			if err != nil {
				return nil, err
			}
			return searchResult{Region: criteria.Region, Count: len(records), Properties: records}, nil
		},
	)
}
