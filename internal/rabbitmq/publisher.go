package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages with publisher confirms
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a publish waits for broker confirmation
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishRequest is one publish call of one or more messages to the same destination
type PublishRequest struct {
	Exchange   string
	RoutingKey string
	// Mandatory makes unroutable messages fail with ErrMandatoryFailed
	Mandatory bool
	Messages  []amqp.Publishing
}

// Publish sends all messages of req on one channel and waits until the
// broker confirmed every one of them. No retries are made here.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) error {
	fail := func(err error) error {
		return &PublishError{
			Exchange:   req.Exchange,
			RoutingKey: req.RoutingKey,
			Count:      len(req.Messages),
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	if len(req.Messages) == 0 {
		return nil
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return fail(err)
	}

	returns, err := p.confirming(ch)
	if err != nil {
		p.pool.Discard(ch)
		return fail(err)
	}

	pending := make([]*amqp.DeferredConfirmation, 0, len(req.Messages))
	for i, msg := range req.Messages {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, req.Exchange, req.RoutingKey, req.Mandatory, false, msg)
		if err != nil {
			p.pool.Discard(ch)
			return fail(fmt.Errorf("message %d: %w", i, err))
		}
		pending = append(pending, dc)
	}

	if err := p.awaitConfirms(ctx, pending, returns); err != nil {
		// Outstanding confirms would be attributed to the next user of the channel
		p.pool.Discard(ch)
		return fail(err)
	}

	p.pool.Put(ch)
	return nil
}

// confirming puts the channel into confirm mode once and returns its return listener
func (p *Publisher) confirming(ch *PooledChannel) (<-chan amqp.Return, error) {
	if ch.returns != nil {
		return ch.returns, nil
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	ch.returns = ch.NotifyReturn(make(chan amqp.Return, returnBuffer))
	return ch.returns, nil
}

const returnBuffer = 256

func (p *Publisher) awaitConfirms(ctx context.Context, pending []*amqp.DeferredConfirmation, returns <-chan amqp.Return) error {
	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	for i, dc := range pending {
		acked, err := dc.WaitContext(ctx)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: confirmed %d of %d", ErrPublishTimeout, i, len(pending))
		case err != nil:
			return err
		case !acked:
			return fmt.Errorf("%w: delivery tag %d was nacked", ErrPublishNotConfirmed, dc.DeliveryTag)
		}
	}

	// A return always precedes the ack of the same message
	var returned *amqp.Return
	for drained := false; !drained; {
		select {
		case r := <-returns:
			returned = &r
		default:
			drained = true
		}
	}

	if returned != nil {
		p.logger.Warn("message returned by broker",
			"exchange", returned.Exchange,
			"routingKey", returned.RoutingKey,
			"reply", returned.ReplyText)
		return fmt.Errorf("%w: %s", ErrMandatoryFailed, returned.ReplyText)
	}
	return nil
}
