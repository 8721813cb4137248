package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/tracer"
)

type detailsArgs struct {
	URL string `json:"url" jsonschema:"description=Listing page URL returned by search_properties,format=uri,minLength=1"`
}

// FetchPropertyDetailsTool scrapes a single listing page.
type FetchPropertyDetailsTool struct {
	gateway domain.PropertyGateway
	logger  *slog.Logger
}

// NewFetchPropertyDetailsTool creates the fetch_property_details tool.
func NewFetchPropertyDetailsTool(gateway domain.PropertyGateway, logger *slog.Logger) *FetchPropertyDetailsTool {
	return &FetchPropertyDetailsTool{gateway: gateway, logger: logger}
}

func (t *FetchPropertyDetailsTool) Name() string { return "fetch_property_details" }
func (t *FetchPropertyDetailsTool) Description() string {
	return "Fetch full details of one property listing by its URL."
}

func (t *FetchPropertyDetailsTool) Schema() domain.ToolSchema {
	return newSchema(t.Name(), t.Description(), &detailsArgs{})
}

func (t *FetchPropertyDetailsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.fetch_property_details", t.logger, params,
		func(ctx context.Context, span trace.Span, p detailsArgs) (any, error) {
			if err := ValidateAll(RequireField("url", p.URL), ValidateURL("url", p.URL)); err != nil {
				return nil, invalidArgs("FetchPropertyDetailsTool.Execute", err)
			}
			span.SetAttributes(tracer.StringAttr("property.url", p.URL))
			return t.gateway.FetchDetails(ctx, p.URL)
		},
	)
}
