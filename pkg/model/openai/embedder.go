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

const (
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultBatchSize      = 32
)

// EmbedderOption customizes embedding behaviour.
type EmbedderOption func(*embedderConfig)

type embedderConfig struct {
	batchSize   int
	dimensions  int
	requestOpts []option.RequestOption
}

// WithBatchSize overrides the batch size (default 32).
func WithBatchSize(size int) EmbedderOption {
	return func(cfg *embedderConfig) {
		cfg.batchSize = size
	}
}

// WithDimensions truncates embeddings to the provided size when supported.
func WithDimensions(dim int) EmbedderOption {
	return func(cfg *embedderConfig) {
		cfg.dimensions = dim
	}
}

// WithRequestOptions injects additional request options (e.g. base URL, organization).
func WithRequestOptions(opts ...option.RequestOption) EmbedderOption {
	return func(cfg *embedderConfig) {
		cfg.requestOpts = append(cfg.requestOpts, opts...)
	}
}

// Embedder computes text embeddings via the official SDK.
type Embedder struct {
	client    openaisdk.Client
	model     openaisdk.EmbeddingModel
	batchSize int
	dims      int
}

// NewEmbedder creates an embedder backed by OpenAI's embeddings API.
func NewEmbedder(apiKey, model string, opts ...EmbedderOption) (*Embedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai embedder: api key is required")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultEmbeddingModel
	}
	cfg := embedderConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, cfg.requestOpts...)
	emb := &Embedder{
		client:    openaisdk.NewClient(reqOpts...),
		model:     openaisdk.EmbeddingModel(model),
		batchSize: cfg.batchSize,
		dims:      cfg.dimensions,
	}
	if emb.batchSize <= 0 {
		emb.batchSize = defaultBatchSize
	}
	return emb, nil
}

// Embed converts texts into vectors, batching requests.
func (e *Embedder) Embed(ctx context.Context, texts []string) (_ [][]float32, err error) {
	if e == nil {
		return nil, errors.New("openai embedder is nil")
	}
	if len(texts) == 0 {
		return nil, errors.New("openai embedder: no texts provided")
	}
	ctx, span := telemetry.StartSpan(ctx, "model.openai.sdk.embed",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", "openai"),
			attribute.String("llm.model", string(e.model)),
			attribute.Int("llm.inputs", len(texts)),
		),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	result := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+e.batchSize, len(texts))
		chunk := texts[start:end]
		params := openaisdk.EmbeddingNewParams{
			Model: e.model,
			Input: openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: chunk},
		}
		if e.dims > 0 {
			params.Dimensions = openaisdk.Int(int64(e.dims))
		}
		resp, err := e.client.Embeddings.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("openai embed request: %w", err)
		}
		if len(resp.Data) != len(chunk) {
			return nil, fmt.Errorf("openai embedder: expected %d vectors got %d", len(chunk), len(resp.Data))
		}
		for _, data := range resp.Data {
			vector := make([]float32, len(data.Embedding))
			for i, v := range data.Embedding {
				vector[i] = float32(v)
			}
			result = append(result, vector)
		}
	}
	return result, nil
}

// EmbedText embeds a single text; it is the TEXT_EMBEDDING handler.
func (e *Embedder) EmbedText(ctx context.Context, params modelpkg.EmbeddingParams) ([]float32, error) {
	if strings.TrimSpace(params.Text) == "" {
		return nil, errors.New("openai embedder: text is required")
	}
	vectors, err := e.Embed(ctx, []string{params.Text})
	if err != nil {
		return nil, err
	}
	if len(vectors[0]) == 0 {
		return nil, modelpkg.ErrEmptyEmbedding
	}
	return vectors[0], nil
}
