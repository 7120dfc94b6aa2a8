package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/GoCodeAlone/billsync"

func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// StartJob begins a span for a scheduled or manually triggered job.
func StartJob(ctx context.Context, job, trigger string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "billing.job "+job,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("billing.job.name", job),
			attribute.String("billing.job.trigger", trigger),
		),
	)
}

// StartWebhookEvent begins a span for processing one processor event.
func StartWebhookEvent(ctx context.Context, eventType, eventID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "billing.webhook "+eventType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("billing.event.type", eventType),
			attribute.String("billing.event.id", eventID),
		),
	)
}

// StartDispatch begins a span for delivering one outbox message.
func StartDispatch(ctx context.Context, kind string, messageID int64, attempt int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "billing.outbox "+kind,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("billing.outbox.kind", kind),
			attribute.Int64("billing.outbox.message_id", messageID),
			attribute.Int("billing.outbox.attempt", attempt),
		),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
