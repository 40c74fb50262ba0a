package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	modelpkg "github.com/cexll/eliza-go/pkg/model"
	"github.com/cexll/eliza-go/pkg/telemetry"
)

const defaultChatModel = "gpt-4o-mini"

// SDKModel wraps the official OpenAI SDK chat completions endpoint.
type SDKModel struct {
	client    openaisdk.Client
	model     openaisdk.ChatModel
	maxTokens int
}

// NewSDKModel creates a chat model backed by the official OpenAI SDK.
func NewSDKModel(apiKey, model string, maxTokens int, opts ...option.RequestOption) *SDKModel {
	return NewSDKModelWithBaseURL(apiKey, model, "", maxTokens, opts...)
}

// NewSDKModelWithBaseURL creates a model with custom base URL support, used
// for OpenAI-compatible gateways.
func NewSDKModelWithBaseURL(apiKey, model, baseURL string, maxTokens int, opts ...option.RequestOption) *SDKModel {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)

	if strings.TrimSpace(model) == "" {
		model = defaultChatModel
	}
	return &SDKModel{
		client:    openaisdk.NewClient(reqOpts...),
		model:     openaisdk.ChatModel(model),
		maxTokens: maxTokens,
	}
}

// Generate performs one blocking chat completion.
func (m *SDKModel) Generate(ctx context.Context, params modelpkg.TextParams) (_ modelpkg.TextResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model.openai.sdk.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "openai"),
			attribute.String("llm.model", string(m.model)),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if strings.TrimSpace(params.Prompt) == "" {
		return modelpkg.TextResult{}, errors.New("openai: prompt is required")
	}

	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, 2)
	if system := strings.TrimSpace(params.System); system != "" {
		messages = append(messages, openaisdk.SystemMessage(system))
	}
	messages = append(messages, openaisdk.UserMessage(params.Prompt))

	req := openaisdk.ChatCompletionNewParams{
		Messages: messages,
		Model:    m.model,
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	if maxTokens > 0 {
		req.MaxTokens = openaisdk.Int(int64(maxTokens))
	}
	if params.Temperature > 0 {
		req.Temperature = openaisdk.Float(params.Temperature)
	}

	completion, err := m.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return modelpkg.TextResult{}, fmt.Errorf("openai sdk call: %w", err)
	}
	if len(completion.Choices) == 0 {
		return modelpkg.TextResult{}, errors.New("openai: no choices in response")
	}
	return modelpkg.TextResult{
		Text: completion.Choices[0].Message.Content,
		Usage: modelpkg.TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}, nil
}

// Model reports the configured model name.
func (m *SDKModel) Model() string {
	return string(m.model)
}
