package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracedOperation wraps fn in a span named name, recording its error (if
// any) and returning fn's result unchanged. Used to bracket each pipeline
// stage (classification, archive call, BiPRO fetch) with a span without
// every call site repeating the span/err bookkeeping.
func TracedOperation(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	err := fn(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}
