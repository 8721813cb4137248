package llm

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/config"
	"estate-ai/internal/infra/tracer"
)

const (
	defaultBedrockMaxTokens = 1024
	defaultBedrockRegion    = "us-east-1"
)

// converser is the slice of the Bedrock runtime client the provider uses.
type converser interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider talks to a Bedrock model through the Converse API.
// Credentials come from the default AWS chain.
type BedrockProvider struct {
	name   string
	model  string
	client converser
	logger *slog.Logger
}

func NewBedrockProvider(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cmp.Or(cfg.Region, defaultBedrockRegion)),
		awsconfig.WithHTTPClient(newHTTPClient(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockProviderWithClient(cfg.Name, cfg.Model, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

func newBedrockProviderWithClient(name, model string, client converser, logger *slog.Logger) *BedrockProvider {
	return &BedrockProvider{name: name, model: model, client: client, logger: logger}
}

func (p *BedrockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req.Model = cmp.Or(req.Model, p.model)
	ctx, span := tracer.StartSpan(ctx, "llm.bedrock.converse", trace.WithAttributes(
		tracer.StringAttr("llm.provider", p.name),
		tracer.StringAttr("llm.model", req.Model),
	))
	defer span.End()

	out, err := p.client.Converse(ctx, toBedrockConverseInput(req))
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	resp := fromConverseOutput(out, req.Model)
	setUsageAttrs(span, resp.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, resp)
	return resp, nil
}

func (p *BedrockProvider) Name() string { return p.name }

// toBedrockConverseInput converts a chat request. System messages move to
// the System field. Converse needs strictly alternating roles, so the tool
// results answering one assistant step share a single user turn.
func toBedrockConverseInput(req domain.ChatRequest) *bedrockruntime.ConverseInput {
	in := &bedrockruntime.ConverseInput{
		ModelId: aws.String(req.Model),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(positiveOr(req.MaxTokens, defaultBedrockMaxTokens))),
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}

	var turn *types.Message
	flush := func() {
		if turn != nil && len(turn.Content) > 0 {
			in.Messages = append(in.Messages, *turn)
		}
		turn = nil
	}

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			in.System = append(in.System, &types.SystemContentBlockMemberText{Value: m.Content})
		case domain.RoleUser:
			flush()
			in.Messages = append(in.Messages, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case domain.RoleAssistant:
			flush()
			if blocks := assistantBlocks(m); len(blocks) > 0 {
				in.Messages = append(in.Messages, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})
			}
		case domain.RoleTool:
			if turn == nil {
				turn = &types.Message{Role: types.ConversationRoleUser}
			}
			turn.Content = append(turn.Content, toolResultBlock(m))
		}
	}
	flush()

	if len(req.Tools) > 0 {
		in.ToolConfig = &types.ToolConfiguration{}
		for _, t := range req.Tools {
			in.ToolConfig.Tools = append(in.ToolConfig.Tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: lazyJSON(t.Parameters, map[string]any{"type": "object"})},
			}})
		}
	}
	return in
}

func assistantBlocks(m domain.Message) []types.ContentBlock {
	var blocks []types.ContentBlock
	if m.Content != "" {
		blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
			ToolUseId: aws.String(tc.ID),
			Name:      aws.String(tc.Name),
			Input:     lazyJSON(tc.Arguments, map[string]any{}),
		}})
	}
	return blocks
}

func toolResultBlock(m domain.Message) types.ContentBlock {
	status := types.ToolResultStatusSuccess
	if m.IsError {
		status = types.ToolResultStatusError
	}
	return &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
		ToolUseId: aws.String(m.ToolCallID),
		Status:    status,
		Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
	}}
}

// lazyJSON decodes raw into a document, using fallback when raw is empty
// or not a JSON object.
func lazyJSON(raw json.RawMessage, fallback map[string]any) document.Interface {
	var v map[string]any
	if len(raw) > 0 && json.Unmarshal(raw, &v) == nil && v != nil {
		return document.NewLazyDocument(v)
	}
	return document.NewLazyDocument(fallback)
}

func fromConverseOutput(out *bedrockruntime.ConverseOutput, model string) *domain.ChatResponse {
	now := time.Now()
	resp := &domain.ChatResponse{
		Model:     model,
		CreatedAt: now,
		Message:   domain.Message{Role: domain.RoleAssistant, Timestamp: now},
	}
	if u := out.Usage; u != nil {
		in, gen := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
		resp.Usage = domain.Usage{PromptTokens: in, CompletionTokens: gen, TotalTokens: in + gen}
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	var text []string
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text = append(text, b.Value)
		case *types.ContentBlockMemberToolUse:
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, domain.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: documentJSON(b.Value.Input),
			})
		}
	}
	resp.Message.Content = strings.Join(text, "\n")
	return resp
}

func documentJSON(doc document.Interface) json.RawMessage {
	if doc != nil {
		var v any
		if doc.UnmarshalSmithyDocument(&v) == nil {
			if data, err := json.Marshal(v); err == nil {
				return data
			}
		}
	}
	return json.RawMessage("{}")
}

// bedrockErrorCodes maps Bedrock exception names to domain sentinels.
// ValidationException is handled separately: its message decides between
// an oversized prompt and a malformed request.
var bedrockErrorCodes = map[string]error{
	"ThrottlingException":           domain.ErrRateLimit,
	"TooManyRequestsException":      domain.ErrRateLimit,
	"ServiceQuotaExceededException": domain.ErrRateLimit,
	"AccessDeniedException":         domain.ErrAuthInvalid,
	"UnrecognizedClientException":   domain.ErrAuthInvalid,
	"ResourceNotFoundException":     domain.ErrProviderNotFound,
	"ModelNotReadyException":        domain.ErrProviderFailure,
	"ModelTimeoutException":         domain.ErrProviderFailure,
	"ServiceUnavailableException":   domain.ErrProviderFailure,
	"InternalServerException":       domain.ErrProviderFailure,
}

func mapBedrockError(err error) error {
	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if sentinel, ok := bedrockErrorCodes[code]; ok {
			return fmt.Errorf("%w: %s", sentinel, msg)
		}
		if code == "ValidationException" {
			if strings.Contains(msg, "too long") || mentionsContextLimit(msg) {
				return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
			}
			return fmt.Errorf("%w: %s", domain.ErrInvalidInput, msg)
		}
	}

	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) && withStatus.HTTPStatusCode() != 0 {
		return mapHTTPError(withStatus.HTTPStatusCode(), msg)
	}
	return domain.WrapOp("bedrock", err)
}
