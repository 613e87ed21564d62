// Package messaging provides typed senders and receivers on top of a broker
// transport.
//
// This package implements the client side of the broker:
//   - Provisioner: creates missing queues, topics and subscriptions when allowed
//   - Sender: encodes values as JSON and sends them one at a time or as a batch
//   - Receiver: a pump that pulls messages with bounded concurrency, decodes
//     them and hands them to a callback, completing each one only on success
//
// Transports implement the Dialer, Transport, Administrator, TransportSender
// and TransportReceiver interfaces. The root servicebus package wires a Dialer,
// credentials and configuration into ready Senders and Receivers.
//
// Example usage:
//
//	sender := messaging.NewSender[Order](contracts.Queue("orders"), transport, ts,
//	    messaging.WithLogger(logger),
//	)
//	err := sender.SendAsJSON(ctx, order, messaging.WithTimeToLive(time.Hour))
//
//	sub, err := receiver.Subscribe(ctx,
//	    func(ctx context.Context, o Order) error { return handle(ctx, o) },
//	    func(err error) { logger.Error("receive failed", "error", err) },
//	)
//	defer sub.Stop()
package messaging
