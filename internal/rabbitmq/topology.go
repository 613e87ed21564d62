package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager manages RabbitMQ topology (exchanges, queues, bindings)
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// ExchangeBinding defines an exchange-to-exchange binding
type ExchangeBinding struct {
	Destination string
	Source      string
	RoutingKey  string
	Arguments   amqp.Table
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.declare(ctx, "exchange", exchange.Name, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
	})
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) error {
	return tm.declare(ctx, "queue", queue.Name, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		return err
	})
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	name := binding.Exchange + "->" + binding.Queue
	return tm.declare(ctx, "binding", name, func(ch *amqp.Channel) error {
		return ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments)
	})
}

// BindExchange routes messages from one exchange into another
func (tm *TopologyManager) BindExchange(ctx context.Context, binding ExchangeBinding) error {
	name := binding.Source + "->" + binding.Destination
	return tm.declare(ctx, "binding", name, func(ch *amqp.Channel) error {
		return ch.ExchangeBind(binding.Destination, binding.RoutingKey, binding.Source, false, binding.Arguments)
	})
}

// QueueExists checks for a queue with a passive declare
func (tm *TopologyManager) QueueExists(ctx context.Context, name string) (bool, error) {
	return tm.exists(ctx, "queue", name, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
}

// ExchangeExists checks for an exchange with a passive declare
func (tm *TopologyManager) ExchangeExists(ctx context.Context, name, kind string) (bool, error) {
	return tm.exists(ctx, "exchange", name, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclarePassive(name, kind, true, false, false, false, nil)
	})
}

func (tm *TopologyManager) declare(ctx context.Context, component, name string, fn func(*amqp.Channel) error) error {
	if err := tm.onChannel(ctx, fn); err != nil {
		return &TopologyError{Component: component, Name: name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (tm *TopologyManager) exists(ctx context.Context, component, name string, fn func(*amqp.Channel) error) (bool, error) {
	err := tm.onChannel(ctx, fn)
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, &TopologyError{Component: component, Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}
}

// onChannel runs fn on a pooled channel. A failed declare closes the channel
// on the broker side, so the channel is discarded on error.
func (tm *TopologyManager) onChannel(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := tm.pool.Get(ctx)
	if err != nil {
		return err
	}
	if err := fn(ch.Channel); err != nil {
		tm.pool.Discard(ch)
		return fmt.Errorf("channel %s: %w", ch.ID(), err)
	}
	tm.pool.Put(ch)
	return nil
}
