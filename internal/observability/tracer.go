package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartConsumerSpan creates a span for processing a received message.
func StartConsumerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

var (
	AttrFunctionName = attribute.Key("jobhost.function.name")
	AttrFunctionID   = attribute.Key("jobhost.function.id")
	AttrInstanceID   = attribute.Key("jobhost.instance.id")
	AttrReason       = attribute.Key("jobhost.reason")
	AttrTrigger      = attribute.Key("jobhost.trigger")
	AttrBatchSize    = attribute.Key("jobhost.batch_size")
	AttrEntity       = attribute.Key("jobhost.entity")
	AttrDurationMs   = attribute.Key("jobhost.duration_ms")
)
