package messaging

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/servicebus-go/clock"
)

const tracerName = "github.com/glimte/servicebus-go/messaging"

type endpointOptions struct {
	logger     *slog.Logger
	clock      clock.Clock
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	metrics    MetricsCollector
}

func newEndpointOptions(opts []Option) endpointOptions {
	o := endpointOptions{
		logger:     slog.Default(),
		clock:      clock.New(),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		metrics:    NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Sender, Receiver or Provisioner
type Option func(*endpointOptions)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *endpointOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the time source used to resolve relative enqueue times
func WithClock(c clock.Clock) Option {
	return func(o *endpointOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *endpointOptions) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithPropagator sets the propagator that carries trace context in message properties
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *endpointOptions) {
		if p != nil {
			o.propagator = p
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) Option {
	return func(o *endpointOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}
