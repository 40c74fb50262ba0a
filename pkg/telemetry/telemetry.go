package telemetry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	tracerName  = "github.com/cexll/eliza-go"
	defaultMask = "***"
)

// Config wires a Manager. With neither Endpoint nor TracerProvider set the
// manager traces into a no-op provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is an OTLP/HTTP collector host:port.
	Endpoint string
	Insecure bool

	// TracerProvider overrides the exporter pipeline (tests use tracetest).
	TracerProvider trace.TracerProvider
	Filter         FilterConfig
}

// FilterConfig masks sensitive substrings in span attributes.
type FilterConfig struct {
	Mask     string
	Patterns []string
}

// Manager owns the tracer and attribute filter.
type Manager struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
	mask     string
	patterns []*regexp.Regexp
}

var defaultSecretPatterns = []string{
	`sk-[A-Za-z0-9_\-]{6,}`,
	`(?i)(api[_-]?key|token|secret)\s*[=:]\s*\S+`,
}

// NewManager builds a manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	mgr := &Manager{mask: cfg.Filter.Mask, shutdown: func(context.Context) error { return nil }}
	if mgr.mask == "" {
		mgr.mask = defaultMask
	}
	for _, raw := range append(append([]string(nil), defaultSecretPatterns...), cfg.Filter.Patterns...) {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("telemetry: compile filter %q: %w", raw, err)
		}
		mgr.patterns = append(mgr.patterns, re)
	}

	switch {
	case cfg.TracerProvider != nil:
		mgr.tracer = cfg.TracerProvider.Tracer(tracerName)
	case strings.TrimSpace(cfg.Endpoint) != "":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
		}
		res := resource.NewSchemaless(
			attribute.String("service.name", nonEmpty(cfg.ServiceName, "eliza")),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		)
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		mgr.tracer = tp.Tracer(tracerName)
		mgr.shutdown = tp.Shutdown
	default:
		mgr.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	return mgr, nil
}

// Shutdown flushes pending spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.shutdown == nil {
		return nil
	}
	return m.shutdown(ctx)
}

// StartSpan starts a span on the manager's tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, opts...)
}

// MaskText replaces every filtered substring with the mask.
func (m *Manager) MaskText(text string) string {
	if m == nil {
		return text
	}
	for _, re := range m.patterns {
		text = re.ReplaceAllString(text, m.mask)
	}
	return text
}

// SanitizeAttributes masks string attribute values.
func (m *Manager) SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		if kv.Value.Type() == attribute.STRING {
			kv = attribute.String(string(kv.Key), m.MaskText(kv.Value.AsString()))
		}
		out = append(out, kv)
	}
	return out
}

var defaultMgr atomic.Pointer[Manager]

// SetDefault installs mgr for the package-level helpers.
func SetDefault(mgr *Manager) {
	defaultMgr.Store(mgr)
}

// Default returns the installed manager or nil.
func Default() *Manager {
	return defaultMgr.Load()
}

// StartSpan starts a span on the default manager; without one it returns a
// non-recording span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if mgr := Default(); mgr != nil {
		return mgr.StartSpan(ctx, name, opts...)
	}
	return ctx, trace.SpanFromContext(ctx)
}

// SanitizeAttributes masks attributes with the default manager.
func SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	if mgr := Default(); mgr != nil {
		return mgr.SanitizeAttributes(attrs...)
	}
	return attrs
}

// EndSpan records err on span and ends it.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
