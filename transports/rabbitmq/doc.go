// Package rabbitmq provides a messaging.Dialer for RabbitMQ.
//
// Entities map onto AMQP topology as follows:
//
//	queue                 durable queue of the same name
//	topic                 durable fanout exchange of the same name
//	topic/subscription    durable queue "topic.subscription" bound to the exchange
//
// Peek-lock is emulated with manual acknowledgements: a delivery that is not
// completed within the lock duration is requeued and redelivered. Scheduled
// enqueue needs the delayed message exchange plugin and WithDelayedExchange;
// entities must be provisioned through this package to be bound to it.
package rabbitmq
