package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Type names a class of model capability. Handlers register against a Type
// and the runtime picks the highest-priority handler per Type.
type Type string

const (
	TypeTextSmall     Type = "TEXT_SMALL"
	TypeTextLarge     Type = "TEXT_LARGE"
	TypeTextEmbedding Type = "TEXT_EMBEDDING"
)

// Valid reports whether t is a known model type.
func (t Type) Valid() bool {
	switch t {
	case TypeTextSmall, TypeTextLarge, TypeTextEmbedding:
		return true
	default:
		return false
	}
}

// IsText reports whether t produces text.
func (t Type) IsText() bool {
	return t == TypeTextSmall || t == TypeTextLarge
}

// TextParams is the request for a text-generation handler.
type TextParams struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// TextResult is the reply of a text-generation handler.
type TextResult struct {
	Text  string
	Usage TokenUsage
}

// EmbeddingParams is the request for an embedding handler.
type EmbeddingParams struct {
	Text string
}

// TextFunc generates text.
type TextFunc func(ctx context.Context, params TextParams) (TextResult, error)

// EmbedFunc embeds a single text.
type EmbedFunc func(ctx context.Context, params EmbeddingParams) ([]float32, error)

// Handler is one registration of a model backend. Exactly one of Text or
// Embed is set, matching Type.
type Handler struct {
	Type     Type
	Provider string
	Priority int
	Text     TextFunc
	Embed    EmbedFunc
}

var (
	// ErrNoHandler reports that nothing is registered for a model type.
	ErrNoHandler = errors.New("model: no handler registered")
	// ErrEmptyEmbedding reports a backend that returned a zero-length vector.
	ErrEmptyEmbedding = errors.New("model: empty embedding")
)

// Validate checks the handler is callable for its Type.
func (h Handler) Validate() error {
	if !h.Type.Valid() {
		return fmt.Errorf("model: unknown type %q", h.Type)
	}
	if strings.TrimSpace(h.Provider) == "" {
		return errors.New("model: provider is required")
	}
	switch {
	case h.Type.IsText() && h.Text == nil:
		return fmt.Errorf("model: %s handler requires a text func", h.Type)
	case h.Type == TypeTextEmbedding && h.Embed == nil:
		return fmt.Errorf("model: %s handler requires an embed func", h.Type)
	}
	return nil
}
