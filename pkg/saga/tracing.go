package saga

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "aurora.saga"

const (
	spanExecute    = "saga.execute"
	spanStep       = "saga.step"
	spanCompensate = "saga.compensate"
)

func startSpan(ctx context.Context, name, sagaID, sagaName, stepID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("saga.id", sagaID),
		attribute.String("saga.name", sagaName),
	}
	if stepID != "" {
		attrs = append(attrs, attribute.String("saga.step", stepID))
	}
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
