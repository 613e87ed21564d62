package messaging

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/servicebus-go/clock"
	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/credentials"
)

var (
	// ErrEntityExists is returned by Administrator create calls when the entity is already there
	ErrEntityExists = errors.New("messaging: entity already exists")
	// ErrUnsupported is returned when a transport cannot honour a feature, e.g. scheduling
	ErrUnsupported = errors.New("messaging: operation not supported by transport")
	// ErrTransportClosed is returned by transport handles used after Close
	ErrTransportClosed = errors.New("messaging: transport closed")
)

// Dialer opens one transport handle for a credential
type Dialer interface {
	Dial(ctx context.Context, cred credentials.Credential, opts DialOptions) (Transport, error)
}

// DialOptions carries per-handle settings into a Dialer
type DialOptions struct {
	// Retry bounds transport-level retries of outbound calls
	Retry RetryPolicy
	// Logger receives transport diagnostics
	Logger *slog.Logger
	// Clock is the time source for transports that schedule or expire messages locally
	Clock clock.Clock
}

// Transport is an open connection to one namespace
type Transport interface {
	// Administrator returns the management surface used for provisioning
	Administrator() (Administrator, error)

	// NewSender opens a link that sends to a queue or topic
	NewSender(ctx context.Context, entity contracts.EntityReference) (TransportSender, error)

	// NewReceiver opens a link that receives from a queue or subscription
	NewReceiver(ctx context.Context, entity contracts.EntityReference, opts ReceiveOptions) (TransportReceiver, error)

	// Close releases the connection
	Close(ctx context.Context) error
}

// EntityProperties are applied when an entity is created
type EntityProperties struct {
	EnablePartitioning      bool
	EnableBatchedOperations bool
}

// DefaultEntityProperties returns the properties used for provisioned entities
func DefaultEntityProperties() EntityProperties {
	return EntityProperties{EnablePartitioning: true, EnableBatchedOperations: true}
}

// Administrator manages entities. Create calls return ErrEntityExists when the
// entity is already present.
type Administrator interface {
	QueueExists(ctx context.Context, name string) (bool, error)
	CreateQueue(ctx context.Context, name string, props EntityProperties) error
	TopicExists(ctx context.Context, name string) (bool, error)
	CreateTopic(ctx context.Context, name string, props EntityProperties) error
	SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error)
	CreateSubscription(ctx context.Context, topic, subscription string) error
}

// TransportSender sends envelopes to one entity
type TransportSender interface {
	// Send performs one outbound call for one envelope
	Send(ctx context.Context, env contracts.Envelope) error

	// SendBatch performs one outbound call for all envelopes
	SendBatch(ctx context.Context, envs []contracts.Envelope) error

	// Close releases the link
	Close(ctx context.Context) error
}

// ReceiveOptions configures a receive link
type ReceiveOptions struct {
	AckMode AckMode
	// Prefetch hints how many messages may be buffered by the link
	Prefetch int
}

// TransportReceiver pulls messages from one queue or subscription
type TransportReceiver interface {
	// Receive blocks until one message is available or ctx is done
	Receive(ctx context.Context) (InFlightMessage, error)

	// Close releases the link
	Close(ctx context.Context) error
}

// InFlightMessage is a delivered message that may still be locked
type InFlightMessage interface {
	Envelope() contracts.Envelope
	// LockToken identifies the lock held on the message, empty when not locked
	LockToken() string
	// DeliveryCount starts at 1 and grows with each redelivery
	DeliveryCount() int
	// Complete settles the message so it is not delivered again
	Complete(ctx context.Context) error
}

// FaultNotifier is implemented by receive links that report faults outside
// the message path, such as a dropped connection
type FaultNotifier interface {
	Faults() <-chan error
}
