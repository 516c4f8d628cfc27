package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "webserv"

// TracerConfig configures exchange tracing.
type TracerConfig struct {
	// TracerName is the name of the tracer (default: "webserv").
	TracerName string

	// IncludeQuery adds the raw query string to spans. Disabled by
	// default since queries may carry sensitive values.
	IncludeQuery bool

	// Filter determines which paths are traced. If nil, all are.
	Filter func(path string) bool

	// Provider overrides the global tracer provider.
	Provider trace.TracerProvider
}

// TracerOption configures exchange tracing.
type TracerOption func(*TracerConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) TracerOption {
	return func(c *TracerConfig) {
		c.TracerName = name
	}
}

// WithIncludeQuery enables recording query strings.
func WithIncludeQuery(include bool) TracerOption {
	return func(c *TracerConfig) {
		c.IncludeQuery = include
	}
}

// WithPathFilter sets a filter function for traced paths.
func WithPathFilter(filter func(path string) bool) TracerOption {
	return func(c *TracerConfig) {
		c.Filter = filter
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(c *TracerConfig) {
		c.Provider = tp
	}
}

// Tracer starts one span per exchange. A nil *Tracer records nothing.
type Tracer struct {
	config TracerConfig
	tracer trace.Tracer
}

// NewTracer resolves a tracer from the configured or global provider.
//
// The tracer uses the global OpenTelemetry tracer provider unless
// WithTracerProvider is given. Configure it before starting the server:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
func NewTracer(opts ...TracerOption) *Tracer {
	config := TracerConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	t := &Tracer{config: config}
	if config.Provider != nil {
		t.tracer = config.Provider.Tracer(config.TracerName)
	} else {
		t.tracer = otel.Tracer(config.TracerName)
	}
	return t
}

// Start opens the span for an exchange whose request just completed. It
// returns nil when the path is filtered out.
func (t *Tracer) Start(ctx context.Context, method, path, query, peer string) trace.Span {
	if t == nil || (t.config.Filter != nil && !t.config.Filter(path)) {
		return nil
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
		attribute.String("client.address", peer),
	}
	if t.config.IncludeQuery && query != "" {
		attrs = append(attrs, attribute.String("url.query", query))
	}
	_, span := t.tracer.Start(ctx, fmt.Sprintf("webserv %s", method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(time.Now()),
	)
	return span
}

// End closes span with the exchange outcome. 5xx statuses and err mark
// the span as failed.
func End(span trace.Span, e Exchange, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", e.Status),
		attribute.String("webserv.kind", e.Kind),
		attribute.Int64("webserv.bytes_sent", e.Bytes),
	)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case e.Status >= 500:
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", e.Status))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
