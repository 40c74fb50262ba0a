package runtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cexll/eliza-go/pkg/model"
	"github.com/cexll/eliza-go/pkg/telemetry"
)

// RegisterModel adds a model handler outside of a plugin.
func (rt *AgentRuntime) RegisterModel(h model.Handler) error {
	if err := h.Validate(); err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.addModelLocked(h)
	return nil
}

// addModelLocked keeps handlers sorted by descending priority; equal
// priorities keep registration order.
func (rt *AgentRuntime) addModelLocked(h model.Handler) {
	list := append(rt.models[h.Type], h)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	rt.models[h.Type] = list
}

// HasModel reports whether a handler is registered for t.
func (rt *AgentRuntime) HasModel(t model.Type) bool {
	_, ok := rt.modelHandler(t)
	return ok
}

// ModelProvider names the provider that would serve t.
func (rt *AgentRuntime) ModelProvider(t model.Type) (string, bool) {
	h, ok := rt.modelHandler(t)
	return h.Provider, ok
}

func (rt *AgentRuntime) modelHandler(t model.Type) (model.Handler, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	list := rt.models[t]
	if len(list) == 0 {
		return model.Handler{}, false
	}
	return list[0], true
}

// UseModel invokes the highest-priority handler for t. params must be
// model.TextParams for text types and model.EmbeddingParams for embeddings;
// the result is a model.TextResult or a []float32 respectively.
func (rt *AgentRuntime) UseModel(ctx context.Context, t model.Type, params any) (any, error) {
	h, ok := rt.modelHandler(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoModelHandler, t)
	}
	ctx, span := rt.startSpan(ctx, "runtime.use_model")
	span.SetAttributes(telemetry.SanitizeAttributes(
		attribute.String("model.type", string(t)),
		attribute.String("model.provider", h.Provider),
		attribute.String("agent.id", rt.id.String()),
	)...)

	started := time.Now()
	var (
		out any
		err error
	)
	switch t {
	case model.TypeTextEmbedding:
		p, ok := params.(model.EmbeddingParams)
		if !ok {
			err = fmt.Errorf("runtime: %s expects model.EmbeddingParams, got %T", t, params)
			break
		}
		var vec []float32
		vec, err = h.Embed(ctx, p)
		if err == nil && len(vec) == 0 {
			err = model.ErrEmptyEmbedding
		}
		out = vec
	default:
		p, ok := params.(model.TextParams)
		if !ok {
			err = fmt.Errorf("runtime: %s expects model.TextParams, got %T", t, params)
			break
		}
		var res model.TextResult
		res, err = h.Text(ctx, p)
		out = res
	}
	telemetry.EndSpan(span, err)

	if run := RunFromContext(ctx); run != nil {
		run.Record(RunEvent{
			Kind:     RunEventModel,
			Name:     string(t),
			Detail:   h.Provider,
			Success:  err == nil,
			Error:    errString(err),
			Duration: time.Since(started),
		})
	}
	if err != nil {
		rt.logger.Debug().Err(err).Str("model", string(t)).Str("provider", h.Provider).Msg("model call failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrModelCall, t, err)
	}
	return out, nil
}

// GenerateText calls a text model and returns the text.
func (rt *AgentRuntime) GenerateText(ctx context.Context, t model.Type, params model.TextParams) (string, error) {
	if !t.IsText() {
		return "", fmt.Errorf("runtime: %s is not a text model", t)
	}
	out, err := rt.UseModel(ctx, t, params)
	if err != nil {
		return "", err
	}
	return out.(model.TextResult).Text, nil
}

// Embed calls the embedding model for text.
func (rt *AgentRuntime) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := rt.UseModel(ctx, model.TypeTextEmbedding, model.EmbeddingParams{Text: text})
	if err != nil {
		return nil, err
	}
	return out.([]float32), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
