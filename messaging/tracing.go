package messaging

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/servicebus-go/contracts"
)

func entityAttributes(entity contracts.EntityReference) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "servicebus"),
		attribute.String("messaging.destination.kind", entity.Kind.String()),
		attribute.String("messaging.destination.name", entity.Name),
	}
	if entity.Subscription != "" {
		attrs = append(attrs, attribute.String("messaging.destination.subscription.name", entity.Subscription))
	}
	return attrs
}

func (o endpointOptions) startProducerSpan(ctx context.Context, entity contracts.EntityReference, count int) (context.Context, trace.Span) {
	attrs := append(entityAttributes(entity),
		attribute.String("messaging.operation", "publish"),
		attribute.Int("messaging.batch.message_count", count),
	)
	return o.tracer.Start(ctx, "servicebus.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
	)
}

func (o endpointOptions) startConsumerSpan(ctx context.Context, entity contracts.EntityReference, env contracts.Envelope, deliveryCount int) (context.Context, trace.Span) {
	if env.Properties != nil {
		ctx = o.propagator.Extract(ctx, propagation.MapCarrier(env.Properties))
	}
	attrs := append(entityAttributes(entity),
		attribute.String("messaging.operation", "process"),
		attribute.String("messaging.message.id", env.MessageID),
		attribute.Int("messaging.delivery_count", deliveryCount),
	)
	return o.tracer.Start(ctx, "servicebus.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

func (o endpointOptions) inject(ctx context.Context, env *contracts.Envelope) {
	if env.Properties == nil {
		env.Properties = make(map[string]string)
	}
	o.propagator.Inject(ctx, propagation.MapCarrier(env.Properties))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "OK")
	}
	span.End()
}
