package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for vox spans.
var (
	AttrSessionID    = attribute.Key("vox.session.id")
	AttrAgentID      = attribute.Key("vox.agent.id")
	AttrEventType    = attribute.Key("vox.event.type")
	AttrAnalyzerKind = attribute.Key("vox.analyzer.kind")
	AttrToolName     = attribute.Key("vox.tool.name")
	AttrModel        = attribute.Key("vox.llm.model")
)

// tracer resolves against the global provider, so spans are no-ops
// until Init installs a real one.
func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(TracerName, trace.WithInstrumentationVersion(Version))
}

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API).
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
