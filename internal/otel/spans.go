package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys shared by remindbot spans and metrics.
var (
	AttrUserID     = attribute.Key("remindbot.user.id")
	AttrOperation  = attribute.Key("remindbot.operation")
	AttrOutcome    = attribute.Key("remindbot.outcome")
	AttrTaskID     = attribute.Key("remindbot.task.id")
	AttrModel      = attribute.Key("remindbot.llm.model")
	AttrStructured = attribute.Key("remindbot.llm.structured")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound webhook request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, Telegram).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// TracerOrNoop returns tracer, or a no-op tracer when nil.
func TracerOrNoop(tracer trace.Tracer) trace.Tracer {
	if tracer != nil {
		return tracer
	}
	return nooptrace.NewTracerProvider().Tracer(ScopeName)
}
