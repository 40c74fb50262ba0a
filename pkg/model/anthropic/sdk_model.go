package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	modelpkg "github.com/cexll/eliza-go/pkg/model"
	"github.com/cexll/eliza-go/pkg/telemetry"
)

const (
	defaultMaxTokens  = 4096
	defaultSmallModel = "claude-3-5-haiku-latest"
	defaultLargeModel = "claude-sonnet-4-5"

	// ProviderName tags handlers registered by this package.
	ProviderName = "anthropic"
)

// SDKModel wraps the official Anthropic SDK messages endpoint.
type SDKModel struct {
	client    *anthropicsdk.Client
	model     anthropicsdk.Model
	maxTokens int
	system    string
}

// NewSDKModel creates a model backed by the official Anthropic SDK.
func NewSDKModel(apiKey, model string, maxTokens int, opts ...option.RequestOption) *SDKModel {
	return NewSDKModelWithBaseURL(apiKey, model, "", maxTokens, opts...)
}

// NewSDKModelWithBaseURL creates a model with custom base URL support.
func NewSDKModelWithBaseURL(apiKey, model, baseURL string, maxTokens int, opts ...option.RequestOption) *SDKModel {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)

	client := anthropicsdk.NewClient(reqOpts...)
	if strings.TrimSpace(model) == "" {
		model = defaultLargeModel
	}
	return &SDKModel{
		client:    &client,
		model:     anthropicsdk.Model(model),
		maxTokens: maxTokens,
	}
}

// SetSystem sets a system prompt prepended to every request.
func (m *SDKModel) SetSystem(system string) {
	m.system = system
}

// Generate performs one blocking messages call.
func (m *SDKModel) Generate(ctx context.Context, params modelpkg.TextParams) (_ modelpkg.TextResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model.anthropic.sdk.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "anthropic"),
			attribute.String("llm.model", string(m.model)),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if strings.TrimSpace(params.Prompt) == "" {
		return modelpkg.TextResult{}, errors.New("anthropic: prompt is required")
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	req := anthropicsdk.MessageNewParams{
		Model:     m.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(params.Prompt)),
		},
	}
	var system []anthropicsdk.TextBlockParam
	for _, s := range []string{m.system, params.System} {
		if strings.TrimSpace(s) != "" {
			system = append(system, anthropicsdk.TextBlockParam{Text: s})
		}
	}
	if len(system) > 0 {
		req.System = system
	}
	if params.Temperature > 0 {
		req.Temperature = anthropicsdk.Float(params.Temperature)
	}
	if len(params.Stop) > 0 {
		req.StopSequences = append([]string(nil), params.Stop...)
	}

	msg, err := m.client.Messages.New(ctx, req)
	if err != nil {
		return modelpkg.TextResult{}, fmt.Errorf("anthropic sdk call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return modelpkg.TextResult{
		Text:  text.String(),
		Usage: modelpkg.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}, nil
}

// Config selects the models behind the text handlers.
type Config struct {
	APIKey         string
	BaseURL        string
	SmallModel     string
	LargeModel     string
	MaxTokens      int
	Priority       int
	RequestOptions []option.RequestOption
}

// Handlers builds TEXT_SMALL and TEXT_LARGE handlers. Anthropic has no
// embedding endpoint; pair it with another provider for TEXT_EMBEDDING.
func Handlers(cfg Config) ([]modelpkg.Handler, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	small := cfg.SmallModel
	if strings.TrimSpace(small) == "" {
		small = defaultSmallModel
	}
	smallModel := NewSDKModelWithBaseURL(cfg.APIKey, small, cfg.BaseURL, cfg.MaxTokens, cfg.RequestOptions...)
	large := NewSDKModelWithBaseURL(cfg.APIKey, cfg.LargeModel, cfg.BaseURL, cfg.MaxTokens, cfg.RequestOptions...)
	return []modelpkg.Handler{
		{Type: modelpkg.TypeTextSmall, Provider: ProviderName, Priority: cfg.Priority, Text: smallModel.Generate},
		{Type: modelpkg.TypeTextLarge, Provider: ProviderName, Priority: cfg.Priority, Text: large.Generate},
	}, nil
}
