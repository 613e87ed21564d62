// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/servicebus-go/clock"
	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/credentials"
	"github.com/glimte/servicebus-go/messaging"
	"github.com/glimte/servicebus-go/transports/azservicebus"
)

// Factory builds Senders and Receivers. Every Sender or Receiver gets its own
// transport handle, which it owns and releases on Close.
type Factory struct {
	dialer         messaging.Dialer
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	metrics        messaging.MetricsCollector
	clock          clock.Clock
}

// NewFactory creates a factory that dials Azure Service Bus unless another
// dialer is configured
func NewFactory(options ...FactoryOption) *Factory {
	cfg := &factoryConfig{
		logger: slog.Default(),
		clock:  clock.New(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.dialer == nil {
		cfg.dialer = azservicebus.NewDialer()
	}

	return &Factory{
		dialer:         cfg.dialer,
		logger:         cfg.logger,
		tracerProvider: cfg.tracerProvider,
		metrics:        cfg.metrics,
		clock:          cfg.clock,
	}
}

// NewSender validates its arguments, dials, provisions the entity when the
// configuration allows it and opens a send link. A nil cfg uses the defaults.
func NewSender[T any](ctx context.Context, f *Factory, cred credentials.Credential, entity contracts.EntityReference, cfg *messaging.SenderConfig) (*messaging.Sender[T], error) {
	config := messaging.DefaultSenderConfig()
	if cfg != nil {
		config = *cfg
	}
	if err := validate(cred, entity, false, config.Validate); err != nil {
		return nil, err
	}

	transport, err := f.dial(ctx, cred, config.Retry)
	if err != nil {
		return nil, err
	}

	if err := f.provision(ctx, transport, config.Provisioning, entity); err != nil {
		return nil, closeOnError(ctx, transport, err)
	}

	link, err := transport.NewSender(ctx, entity)
	if err != nil {
		return nil, closeOnError(ctx, transport, &contracts.TransportError{Op: "open_sender", Entity: entity, Attempts: 1, Err: err})
	}

	f.logger.Debug("sender created", "entity", entity.String(), "credential", credentials.Describe(cred))
	return messaging.NewSender[T](entity, transport, link, f.endpointOptions()...), nil
}

// NewReceiver validates its arguments, dials, provisions the entity when the
// configuration allows it and opens a receive link. The returned Receiver is
// idle until Subscribe is called. A nil cfg uses the defaults.
func NewReceiver[T any](ctx context.Context, f *Factory, cred credentials.Credential, entity contracts.EntityReference, cfg *messaging.ReceiverConfig) (*messaging.Receiver[T], error) {
	config := messaging.DefaultReceiverConfig()
	if cfg != nil {
		config = *cfg
	}
	if err := validate(cred, entity, true, config.Validate); err != nil {
		return nil, err
	}

	transport, err := f.dial(ctx, cred, config.Retry)
	if err != nil {
		return nil, err
	}

	if err := f.provision(ctx, transport, config.Provisioning, entity); err != nil {
		return nil, closeOnError(ctx, transport, err)
	}

	link, err := transport.NewReceiver(ctx, entity, messaging.ReceiveOptions{
		AckMode:  config.AckMode,
		Prefetch: config.MaxConcurrentCalls,
	})
	if err != nil {
		return nil, closeOnError(ctx, transport, &contracts.TransportError{Op: "open_receiver", Entity: entity, Attempts: 1, Err: err})
	}

	f.logger.Debug("receiver created", "entity", entity.String(), "credential", credentials.Describe(cred))
	return messaging.NewReceiver[T](entity, transport, link, config, f.endpointOptions()...), nil
}

// NewQueueSender creates a sender for a queue
func NewQueueSender[T any](ctx context.Context, f *Factory, cred credentials.Credential, queue string, cfg *messaging.SenderConfig) (*messaging.Sender[T], error) {
	return NewSender[T](ctx, f, cred, contracts.Queue(queue), cfg)
}

// NewTopicSender creates a sender for a topic
func NewTopicSender[T any](ctx context.Context, f *Factory, cred credentials.Credential, topic string, cfg *messaging.SenderConfig) (*messaging.Sender[T], error) {
	return NewSender[T](ctx, f, cred, contracts.Topic(topic), cfg)
}

// NewQueueReceiver creates a receiver for a queue
func NewQueueReceiver[T any](ctx context.Context, f *Factory, cred credentials.Credential, queue string, cfg *messaging.ReceiverConfig) (*messaging.Receiver[T], error) {
	return NewReceiver[T](ctx, f, cred, contracts.Queue(queue), cfg)
}

// NewSubscriptionReceiver creates a receiver for a topic subscription
func NewSubscriptionReceiver[T any](ctx context.Context, f *Factory, cred credentials.Credential, topic, subscription string, cfg *messaging.ReceiverConfig) (*messaging.Receiver[T], error) {
	return NewReceiver[T](ctx, f, cred, contracts.TopicSubscription(topic, subscription), cfg)
}

// validate runs every synchronous check before anything touches the network
func validate(cred credentials.Credential, entity contracts.EntityReference, forReceive bool, config func() error) error {
	if err := credentials.Validate(cred); err != nil {
		return err
	}
	if err := entity.Validate(forReceive); err != nil {
		return err
	}
	return config()
}

func (f *Factory) dial(ctx context.Context, cred credentials.Credential, retry messaging.RetryPolicy) (messaging.Transport, error) {
	transport, err := f.dialer.Dial(ctx, cred, messaging.DialOptions{
		Retry:  retry,
		Logger: f.logger,
		Clock:  f.clock,
	})
	if err != nil {
		if contracts.IsConfigurationError(err) {
			return nil, err
		}
		return nil, &contracts.TransportError{Op: "dial", Attempts: 1, Err: err}
	}
	return transport, nil
}

func (f *Factory) provision(ctx context.Context, transport messaging.Transport, policy messaging.ProvisioningPolicy, entity contracts.EntityReference) error {
	p := messaging.NewProvisioner(policy, transport, messaging.WithLogger(f.logger))
	if err := p.EnsureEntity(ctx, entity); err != nil {
		return fmt.Errorf("provision %s: %w", entity, err)
	}
	return nil
}

func (f *Factory) endpointOptions() []messaging.Option {
	opts := []messaging.Option{
		messaging.WithLogger(f.logger),
		messaging.WithClock(f.clock),
	}
	if f.tracerProvider != nil {
		opts = append(opts, messaging.WithTracerProvider(f.tracerProvider))
	}
	if f.metrics != nil {
		opts = append(opts, messaging.WithMetrics(f.metrics))
	}
	return opts
}

func closeOnError(ctx context.Context, transport messaging.Transport, err error) error {
	if cerr := transport.Close(ctx); cerr != nil {
		return errors.Join(err, fmt.Errorf("close transport: %w", cerr))
	}
	return err
}

// factoryConfig holds factory configuration
type factoryConfig struct {
	dialer         messaging.Dialer
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	metrics        messaging.MetricsCollector
	clock          clock.Clock
}

// FactoryOption configures the factory
type FactoryOption func(*factoryConfig)

// WithDialer sets the transport used by the factory
func WithDialer(d messaging.Dialer) FactoryOption {
	return func(cfg *factoryConfig) {
		cfg.dialer = d
	}
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(cfg *factoryConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider for send and process spans
func WithTracerProvider(tp trace.TracerProvider) FactoryOption {
	return func(cfg *factoryConfig) {
		cfg.tracerProvider = tp
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m messaging.MetricsCollector) FactoryOption {
	return func(cfg *factoryConfig) {
		cfg.metrics = m
	}
}

// WithClock sets the clock used to resolve relative enqueue times
func WithClock(c clock.Clock) FactoryOption {
	return func(cfg *factoryConfig) {
		if c != nil {
			cfg.clock = c
		}
	}
}
