// Package rabbitmq holds the AMQP 0-9-1 plumbing behind the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: one connection with automatic reconnection and state listeners
//   - ChannelPool: channels opened on demand and closed when idle
//   - Publisher: confirmed publishes of one or many messages per call
//   - Consumer: basic.consume with per-consumption prefetch
//   - TopologyManager: declares and passive existence checks for exchanges and queues
package rabbitmq
