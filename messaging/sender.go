package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/internal/reliability"
)

// ErrSenderClosed is returned by send calls after Close
var ErrSenderClosed = errors.New("messaging: sender closed")

// SendOption adjusts the envelopes produced by one send call
type SendOption func(*sendOptions)

type sendOptions struct {
	ttl          time.Duration
	scheduledAt  time.Time
	enqueueAfter time.Duration
	properties   map[string]string
}

// WithTimeToLive expires the message ttl after it is enqueued. Non-positive values are ignored.
func WithTimeToLive(ttl time.Duration) SendOption {
	return func(o *sendOptions) {
		o.ttl = ttl
	}
}

// WithScheduledEnqueueTime holds the message back until t. Times not in the
// future are ignored.
func WithScheduledEnqueueTime(t time.Time) SendOption {
	return func(o *sendOptions) {
		o.scheduledAt = t
	}
}

// WithEnqueueAfter holds the message back for d, measured from the send call
func WithEnqueueAfter(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.enqueueAfter = d
	}
}

// WithProperties attaches application properties to the message
func WithProperties(props map[string]string) SendOption {
	return func(o *sendOptions) {
		if o.properties == nil {
			o.properties = make(map[string]string, len(props))
		}
		maps.Copy(o.properties, props)
	}
}

// Sender sends values of type T as JSON to one queue or topic.
//
// Each call performs exactly one outbound transport call; nothing is buffered.
type Sender[T any] struct {
	entity    contracts.EntityReference
	transport Transport
	sender    TransportSender
	opts      endpointOptions

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewSender wraps an open transport link. The Sender owns both the link and
// the transport handle and releases them on Close.
func NewSender[T any](entity contracts.EntityReference, transport Transport, sender TransportSender, options ...Option) *Sender[T] {
	return &Sender[T]{
		entity:    entity,
		transport: transport,
		sender:    sender,
		opts:      newEndpointOptions(options),
	}
}

// Entity returns the queue or topic this sender targets
func (s *Sender[T]) Entity() contracts.EntityReference {
	return s.entity
}

// SendAsJSON encodes data and sends it as one message
func (s *Sender[T]) SendAsJSON(ctx context.Context, data T, options ...SendOption) error {
	if s.isClosed() {
		return ErrSenderClosed
	}

	o := s.sendOptions(options)
	env, err := s.envelope(data, o)
	if err != nil {
		return err
	}

	ctx, span := s.opts.startProducerSpan(ctx, s.entity, 1)
	s.opts.inject(ctx, &env)

	start := time.Now()
	err = s.sender.Send(ctx, env)
	s.opts.metrics.RecordSend(s.entity.String(), 1, time.Since(start), err)
	if err != nil {
		err = s.transportError("send", err)
		finishSpan(span, err)
		s.opts.logger.Error("failed to send message",
			"entity", s.entity.String(),
			"messageId", env.MessageID,
			"error", err,
		)
		return err
	}
	finishSpan(span, nil)

	s.opts.logger.Debug("message sent",
		"entity", s.entity.String(),
		"messageId", env.MessageID,
	)
	return nil
}

// SendBatchAsJSON encodes every item and sends them in one outbound call.
// An empty batch is rejected without touching the transport, and an encoding
// failure of any item aborts the whole batch before anything is sent.
func (s *Sender[T]) SendBatchAsJSON(ctx context.Context, items []T, options ...SendOption) error {
	if len(items) == 0 {
		return &contracts.ArgumentError{Argument: "items", Reason: "must not be empty"}
	}
	if s.isClosed() {
		return ErrSenderClosed
	}

	o := s.sendOptions(options)
	envs := make([]contracts.Envelope, 0, len(items))
	for _, item := range items {
		env, err := s.envelope(item, o)
		if err != nil {
			return err
		}
		envs = append(envs, env)
	}

	ctx, span := s.opts.startProducerSpan(ctx, s.entity, len(envs))
	for i := range envs {
		s.opts.inject(ctx, &envs[i])
	}

	start := time.Now()
	err := s.sender.SendBatch(ctx, envs)
	s.opts.metrics.RecordSend(s.entity.String(), len(envs), time.Since(start), err)
	if err != nil {
		err = s.transportError("send_batch", err)
		finishSpan(span, err)
		s.opts.logger.Error("failed to send batch",
			"entity", s.entity.String(),
			"count", len(envs),
			"error", err,
		)
		return err
	}
	finishSpan(span, nil)

	s.opts.logger.Debug("batch sent",
		"entity", s.entity.String(),
		"count", len(envs),
	)
	return nil
}

// Close releases the link and the transport handle. Only the first call does any work.
func (s *Sender[T]) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.closeErr = errors.Join(
			s.sender.Close(ctx),
			s.transport.Close(ctx),
		)
		if s.closeErr != nil {
			s.opts.logger.Warn("sender closed with errors", "entity", s.entity.String(), "error", s.closeErr)
		} else {
			s.opts.logger.Debug("sender closed", "entity", s.entity.String())
		}
	})
	return s.closeErr
}

func (s *Sender[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sender[T]) sendOptions(options []SendOption) sendOptions {
	var o sendOptions
	for _, opt := range options {
		opt(&o)
	}
	if o.enqueueAfter > 0 {
		o.scheduledAt = s.opts.clock.Now().Add(o.enqueueAfter)
	}
	return o
}

func (s *Sender[T]) envelope(data T, o sendOptions) (contracts.Envelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return contracts.Envelope{}, &contracts.SerializationError{
			Op:       "encode",
			TypeName: fmt.Sprintf("%T", data),
			Err:      err,
		}
	}

	env := contracts.NewJSONEnvelope(payload)
	if o.ttl > 0 {
		ttl := o.ttl
		env.TimeToLive = &ttl
	}
	if !o.scheduledAt.IsZero() && o.scheduledAt.After(s.opts.clock.Now()) {
		at := o.scheduledAt
		env.ScheduledEnqueueTime = &at
	}
	if len(o.properties) > 0 {
		env.Properties = maps.Clone(o.properties)
	}
	return env, nil
}

func (s *Sender[T]) transportError(op string, err error) error {
	if contracts.IsArgumentError(err) || contracts.IsConfigurationError(err) || contracts.IsSerializationError(err) {
		return err
	}
	return newTransportError(op, s.entity, err)
}

func newTransportError(op string, entity contracts.EntityReference, err error) *contracts.TransportError {
	attempts := 1
	var retryErr *reliability.RetryError
	if errors.As(err, &retryErr) {
		attempts = retryErr.Attempts
	}
	return &contracts.TransportError{Op: op, Entity: entity, Attempts: attempts, Err: err}
}
