package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/tracer"
)

type marketArgs struct {
	Region string `json:"region" jsonschema:"description=City to report price trends for,minLength=1,maxLength=100"`
}

// MarketInfoTool reports locality price trends for a region.
type MarketInfoTool struct {
	gateway domain.PropertyGateway
	logger  *slog.Logger
}

func NewMarketInfoTool(gateway domain.PropertyGateway, logger *slog.Logger) *MarketInfoTool {
	return &MarketInfoTool{gateway: gateway, logger: logger}
}

func (t *MarketInfoTool) Name() string { return "market_info" }
func (t *MarketInfoTool) Description() string {
	return "Get real estate market information for a region: price per sqft, yearly price change and rental yield by locality."
}

func (t *MarketInfoTool) Schema() domain.ToolSchema {
	return newSchema(t.Name(), t.Description(), &marketArgs{})
}

func (t *MarketInfoTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.market_info", t.logger, params,
		func(ctx context.Context, span trace.Span, p marketArgs) (any, error) {
			region := strings.TrimSpace(p.Region)
			if err := RequireField("region", region); err != nil {
				return nil, invalidArgs("MarketInfoTool.Execute", err)
			}
			span.SetAttributes(tracer.StringAttr("market.region", region))
			return t.gateway.MarketInfo(ctx, region)
		},
	)
}
