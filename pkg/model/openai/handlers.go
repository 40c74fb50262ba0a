package openai

import (
	"errors"
	"strings"

	"github.com/openai/openai-go/option"

	modelpkg "github.com/cexll/eliza-go/pkg/model"
)

// ProviderName tags handlers registered by this package.
const ProviderName = "openai"

// Config selects the models behind each handler. Empty model names fall back
// to defaults; EmbeddingModel "-" disables the embedding handler.
type Config struct {
	APIKey              string
	BaseURL             string
	SmallModel          string
	LargeModel          string
	EmbeddingModel      string
	EmbeddingDimensions int
	MaxTokens           int
	Priority            int
	RequestOptions      []option.RequestOption
}

// Handlers builds TEXT_SMALL, TEXT_LARGE and TEXT_EMBEDDING handlers.
func Handlers(cfg Config) ([]modelpkg.Handler, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	small := NewSDKModelWithBaseURL(cfg.APIKey, firstNonEmpty(cfg.SmallModel, defaultChatModel), cfg.BaseURL, cfg.MaxTokens, cfg.RequestOptions...)
	large := NewSDKModelWithBaseURL(cfg.APIKey, firstNonEmpty(cfg.LargeModel, "gpt-4o"), cfg.BaseURL, cfg.MaxTokens, cfg.RequestOptions...)
	handlers := []modelpkg.Handler{
		{Type: modelpkg.TypeTextSmall, Provider: ProviderName, Priority: cfg.Priority, Text: small.Generate},
		{Type: modelpkg.TypeTextLarge, Provider: ProviderName, Priority: cfg.Priority, Text: large.Generate},
	}
	if cfg.EmbeddingModel == "-" {
		return handlers, nil
	}
	reqOpts := append([]option.RequestOption(nil), cfg.RequestOptions...)
	if cfg.BaseURL != "" {
		reqOpts = append([]option.RequestOption{option.WithBaseURL(cfg.BaseURL)}, reqOpts...)
	}
	emb, err := NewEmbedder(cfg.APIKey, cfg.EmbeddingModel,
		WithDimensions(cfg.EmbeddingDimensions),
		WithRequestOptions(reqOpts...),
	)
	if err != nil {
		return nil, err
	}
	handlers = append(handlers, modelpkg.Handler{
		Type:     modelpkg.TypeTextEmbedding,
		Provider: ProviderName,
		Priority: cfg.Priority,
		Embed:    emb.EmbedText,
	})
	return handlers, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
