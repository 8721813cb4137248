package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Attribute keys used in PropertyRecord.Attributes.
const (
	AttrBeds         = "beds"
	AttrBaths        = "baths"
	AttrAreaSqft     = "area_sqft"
	AttrPropertyType = "property_type"
	AttrCategory     = "category"
)

// Property categories and types understood by the search tool.
const (
	CategoryResidential = "Residential"
	CategoryCommercial  = "Commercial"

	TypeFlat            = "Flat"
	TypeIndividualHouse = "Individual House"
	TypeApartment       = "Apartment"
)

// Search result limits.
const (
	DefaultSearchLimit = 5
	MaxSearchLimit     = 10
)

// SearchCriteria narrows a property search. Region is required.
type SearchCriteria struct {
	Region       string   `json:"region"`
	MaxPrice     *float64 `json:"maxPrice,omitempty"`
	MinPrice     *float64 `json:"minPrice,omitempty"`
	Beds         *int     `json:"beds,omitempty"`
	Baths        *int     `json:"baths,omitempty"`
	Category     string   `json:"category,omitempty"`
	PropertyType string   `json:"propertyType,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// WithDefaults fills unset optional fields and clamps Limit.
func (c SearchCriteria) WithDefaults() SearchCriteria {
	if c.Category == "" {
		c.Category = CategoryResidential
	}
	if c.PropertyType == "" {
		c.PropertyType = TypeFlat
	}
	switch {
	case c.Limit <= 0:
		c.Limit = DefaultSearchLimit
	case c.Limit > MaxSearchLimit:
		c.Limit = MaxSearchLimit
	}
	return c
}

// PropertyRecord is a normalized listing produced by the gateway.
// Amount is the parsed price when Price could be read as a number.
type PropertyRecord struct {
	Title       string            `json:"title,omitempty"`
	Address     string            `json:"address"`
	Price       string            `json:"price"`
	Amount      *decimal.Decimal  `json:"amount,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Description string            `json:"description,omitempty"`
	SourceURL   string            `json:"source_url"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// LocalityTrend is the price trend of one locality within a region.
type LocalityTrend struct {
	Location        string  `json:"location"`
	PricePerSqft    float64 `json:"price_per_sqft"`
	PercentIncrease float64 `json:"percent_increase"`
	RentalYield     float64 `json:"rental_yield"`
}

// MarketSummary is the structured market information for a region.
type MarketSummary struct {
	Region     string          `json:"region"`
	Localities []LocalityTrend `json:"localities"`
	SourceURL  string          `json:"source_url,omitempty"`
	FetchedAt  time.Time       `json:"fetched_at"`
}

// PropertyGateway translates tool arguments into calls against the external
// property data provider. Failures are reported with ErrUpstreamUnavailable,
// ErrUpstreamBadResponse or ErrNotFound.
type PropertyGateway interface {
	Search(ctx context.Context, criteria SearchCriteria) ([]PropertyRecord, error)
	FetchDetails(ctx context.Context, url string) (*PropertyRecord, error)
	MarketInfo(ctx context.Context, region string) (*MarketSummary, error)
}
