// Package telemetry wires OpenTelemetry tracing around service, provider
// and adapter operations. When tracing is disabled every helper degrades to
// a no-op via the global tracer provider default.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/evermem/memsrv/pkg/memerr"
)

const tracerName = "memsrv"

// Span kinds attached to every span as the span.kind attribute. These follow
// the OpenInference convention rather than the OTel SpanKind enum because
// LLM/EMBEDDING are not modeled there.
const (
	KindChain      = "CHAIN"
	KindDB         = "DB"
	KindLLM        = "LLM"
	KindEmbedding  = "EMBEDDING"
	KindBackground = "BACKGROUND"
)

// Setup holds exporter configuration.
type Setup struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	OTLPHeaders  string
}

// Init installs a global tracer provider. It returns a shutdown function
// flushing pending spans; when disabled the shutdown is a no-op and the
// default (noop) provider stays in place.
func Init(ctx context.Context, cfg Setup) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{}
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	}
	if headers := parseHeaders(cfg.OTLPHeaders); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, memerr.Configuration("failed to create OTLP trace exporter: " + err.Error())
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, memerr.Configuration("failed to build trace resource: " + err.Error())
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// parseHeaders parses the W3C-style "k1=v1,k2=v2" OTLP header string.
func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

// StartSpan opens a span tagged with the given kind.
func StartSpan(ctx context.Context, name, kind string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("span.kind", kind))
	span.SetAttributes(attrs...)
	return ctx, span
}

// End finishes the span, recording err when present.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
