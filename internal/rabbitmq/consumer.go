package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer opens consumptions on queues using channels from the pool
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the default prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumeOptions configures one consumption
type ConsumeOptions struct {
	// AutoAck settles deliveries on the broker as soon as they are sent
	AutoAck bool
	// Prefetch overrides the consumer default when positive
	Prefetch int
}

// Consumption is an active basic.consume on one queue
type Consumption struct {
	Queue       string
	ConsumerTag string

	channel    *PooledChannel
	pool       *ChannelPool
	deliveries <-chan amqp.Delivery
	closed     <-chan *amqp.Error

	once sync.Once
	err  error
}

// Consume starts consuming from queue
func (c *Consumer) Consume(ctx context.Context, queue string, opts ConsumeOptions) (*Consumption, error) {
	tag := "servicebus-" + uuid.NewString()
	fail := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fail("subscribe", err)
	}

	prefetch := c.prefetchCount
	if opts.Prefetch > 0 {
		prefetch = opts.Prefetch
	}
	if !opts.AutoAck {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			c.pool.Discard(ch)
			return nil, fail("qos", err)
		}
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.Consume(
		queue,
		tag,
		opts.AutoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Discard(ch)
		return nil, fail("consume", err)
	}

	c.logger.Debug("consuming from queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", prefetch,
		"autoAck", opts.AutoAck)

	return &Consumption{
		Queue:       queue,
		ConsumerTag: tag,
		channel:     ch,
		pool:        c.pool,
		deliveries:  deliveries,
		closed:      closed,
	}, nil
}

// Next blocks until a delivery arrives, the consumption ends or ctx is done
func (cs *Consumption) Next(ctx context.Context) (amqp.Delivery, error) {
	select {
	case d, ok := <-cs.deliveries:
		if !ok {
			return amqp.Delivery{}, cs.ended()
		}
		return d, nil
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}

// Closed is signalled with the broker error when the channel is closed
func (cs *Consumption) Closed() <-chan *amqp.Error {
	return cs.closed
}

func (cs *Consumption) ended() error {
	select {
	case err, ok := <-cs.closed:
		if ok && err != nil {
			return &ConsumerError{Queue: cs.Queue, ConsumerTag: cs.ConsumerTag, Op: "deliver", Err: err, Timestamp: time.Now()}
		}
	default:
	}
	return &ConsumerError{Queue: cs.Queue, ConsumerTag: cs.ConsumerTag, Op: "deliver", Err: ErrConsumerCancelled, Timestamp: time.Now()}
}

// Cancel stops the consumption and closes its channel. Unacknowledged
// deliveries are requeued by the broker.
func (cs *Consumption) Cancel() error {
	cs.once.Do(func() {
		if !cs.channel.IsClosed() {
			if err := cs.channel.Cancel(cs.ConsumerTag, false); err != nil {
				cs.err = fmt.Errorf("cancel consumer %s: %w", cs.ConsumerTag, err)
			}
		}
		cs.pool.Discard(cs.channel)
	})
	return cs.err
}
