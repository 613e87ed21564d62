// Package contracts provides the shared types that flow between the servicebus
// factory, the messaging engine and the transports.
//
// This package defines:
//   - EntityReference: identifies a queue, a topic, or a topic subscription
//   - Envelope: the wire-level wrapper carrying a JSON payload plus scheduling and expiry metadata
//   - The error taxonomy returned by senders, receivers and the factory
//
// All types are plain values and are safe to copy.
package contracts
