package property

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"
	kjson "github.com/kaptinlin/jsonschema"
)

// listingPayload is one listing as extracted from a source page.
type listingPayload struct {
	BuildingName    string `json:"building_name" jsonschema:"description=Name of the building or project"`
	PropertyType    string `json:"property_type,omitempty" jsonschema:"description=Flat or Individual House or Apartment or Commercial"`
	LocationAddress string `json:"location_address" jsonschema:"description=Locality and city of the property"`
	Price           string `json:"price" jsonschema:"description=Asking price exactly as displayed such as 1.2 Cr or 85 Lac"`
	Description     string `json:"description,omitempty" jsonschema:"description=Short description of the property"`
	Bedrooms        string `json:"bedrooms,omitempty" jsonschema:"description=Number of bedrooms or BHK"`
	Bathrooms       string `json:"bathrooms,omitempty" jsonschema:"description=Number of bathrooms"`
	Area            string `json:"area,omitempty" jsonschema:"description=Built-up area with unit such as 1250 sqft"`
	URL             string `json:"url,omitempty" jsonschema:"description=Absolute URL of the listing page"`
}

type listingsPayload struct {
	Properties []listingPayload `json:"properties" jsonschema:"description=Properties for sale found on the pages"`
}

type localityPayload struct {
	Location        string  `json:"location" jsonschema:"description=Locality name"`
	PricePerSqft    float64 `json:"price_per_sqft" jsonschema:"description=Average price per square foot"`
	PercentIncrease float64 `json:"percent_increase" jsonschema:"description=Year on year price change in percent"`
	RentalYield     float64 `json:"rental_yield" jsonschema:"description=Rental yield in percent"`
}

type localitiesPayload struct {
	Locations []localityPayload `json:"locations" jsonschema:"description=Localities with their price trends"`
}

// extractionSchema pairs the JSON Schema sent to Firecrawl with a compiled
// validator for what comes back.
type extractionSchema struct {
	raw       json.RawMessage
	validator *kjson.Schema
}

var reflector = &jsonschema.Reflector{
	Anonymous:                 true,
	DoNotReference:            true,
	AllowAdditionalProperties: true,
}

func newExtractionSchema(v any) (extractionSchema, error) {
	s := reflector.Reflect(v)
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return extractionSchema{}, fmt.Errorf("marshal schema for %T: %w", v, err)
	}
	compiled, err := kjson.NewCompiler().Compile(raw)
	if err != nil {
		return extractionSchema{}, fmt.Errorf("compile schema for %T: %w", v, err)
	}
	return extractionSchema{raw: raw, validator: compiled}, nil
}

var errSchemaMismatch = errors.New("payload does not match extraction schema")

// decode validates data against the schema and unmarshals it into out.
func (s extractionSchema) decode(data json.RawMessage, out any) error {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if res := s.validator.Validate(instance); !res.IsValid() {
		return fmt.Errorf("%w: %s", errSchemaMismatch, res.Error())
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// schemas holds the compiled extraction schemas used by the gateway.
type schemas struct {
	listings   extractionSchema
	listing    extractionSchema
	localities extractionSchema
}

func compileSchemas() (schemas, error) {
	var s schemas
	var err error
	if s.listings, err = newExtractionSchema(&listingsPayload{}); err != nil {
		return s, err
	}
	if s.listing, err = newExtractionSchema(&listingPayload{}); err != nil {
		return s, err
	}
	if s.localities, err = newExtractionSchema(&localitiesPayload{}); err != nil {
		return s, err
	}
	return s, nil
}
