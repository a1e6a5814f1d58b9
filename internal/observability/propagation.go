package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	propTraceParent = "traceparent"
	propTraceState  = "tracestate"
)

// InjectProperties writes the W3C trace context of ctx into message
// properties.
func InjectProperties(ctx context.Context, props map[string]any) {
	if !Enabled() || props == nil {
		return
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for _, k := range []string{propTraceParent, propTraceState} {
		if v := carrier.Get(k); v != "" {
			props[k] = v
		}
	}
}

// ExtractProperties returns ctx continued from the trace context found in
// message properties, if any.
func ExtractProperties(ctx context.Context, props map[string]any) context.Context {
	tp, ok := props[propTraceParent]
	if !ok {
		return ctx
	}
	carrier := propagation.MapCarrier{propTraceParent: fmt.Sprint(tp)}
	if ts, ok := props[propTraceState]; ok {
		carrier[propTraceState] = fmt.Sprint(ts)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// GetTraceID returns the trace ID from context as a string
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
