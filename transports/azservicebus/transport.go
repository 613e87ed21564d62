package azservicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"github.com/google/uuid"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/credentials"
	"github.com/glimte/servicebus-go/messaging"
)

// Dialer implements messaging.Dialer for Azure Service Bus
type Dialer struct {
	application   string
	transportType TransportType
}

// DialerOption configures the Dialer
type DialerOption func(*Dialer)

// WithApplicationID sets the application id reported to the service
func WithApplicationID(id string) DialerOption {
	return func(d *Dialer) {
		d.application = id
	}
}

// WithTransportType selects plain AMQP over TCP or AMQP over websockets
func WithTransportType(t TransportType) DialerOption {
	return func(d *Dialer) {
		d.transportType = t
	}
}

// WithWebSockets is shorthand for WithTransportType(AmqpWebSockets), for
// networks that only allow outbound traffic on port 443
func WithWebSockets() DialerOption {
	return WithTransportType(AmqpWebSockets)
}

// NewDialer creates a Dialer
func NewDialer(options ...DialerOption) *Dialer {
	d := &Dialer{}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Dial implements messaging.Dialer. The SDK connects lazily, so no network
// call happens until the first link is used.
func (d *Dialer) Dial(ctx context.Context, cred credentials.Credential, opts messaging.DialOptions) (messaging.Transport, error) {
	source, err := resolve(cred)
	if err != nil {
		return nil, err
	}

	client, err := source.newClient(d.clientOptions(opts.Retry))
	if err != nil {
		return nil, &contracts.ConfigurationError{Field: "credential", Reason: "rejected by client", Err: err}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("service bus client created",
		"credential", credentials.Describe(cred),
		"transportType", d.transportType.String(),
	)

	return &Transport{client: client, source: source, logger: logger}, nil
}

func (d *Dialer) clientOptions(retry messaging.RetryPolicy) *azservicebus.ClientOptions {
	opts := &azservicebus.ClientOptions{
		ApplicationID: d.application,
		RetryOptions:  retryOptions(retry),
	}
	if d.transportType == AmqpWebSockets {
		opts.NewWebSocketConn = dialWebSocket
	}
	return opts
}

// Transport implements messaging.Transport
type Transport struct {
	client *azservicebus.Client
	source clientSource
	logger *slog.Logger

	adminOnce sync.Once
	admin     *Admin
	adminErr  error
}

// Administrator implements messaging.Transport. The admin client is created on first use.
func (t *Transport) Administrator() (messaging.Administrator, error) {
	t.adminOnce.Do(func() {
		client, err := t.source.newAdminClient()
		if err != nil {
			t.adminErr = fmt.Errorf("create admin client: %w", err)
			return
		}
		t.admin = &Admin{client: client}
	})
	if t.adminErr != nil {
		return nil, t.adminErr
	}
	return t.admin, nil
}

// NewSender implements messaging.Transport
func (t *Transport) NewSender(ctx context.Context, entity contracts.EntityReference) (messaging.TransportSender, error) {
	sender, err := t.client.NewSender(entity.Name, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &Sender{sender: sender}, nil
}

// NewReceiver implements messaging.Transport
func (t *Transport) NewReceiver(ctx context.Context, entity contracts.EntityReference, opts messaging.ReceiveOptions) (messaging.TransportReceiver, error) {
	ropts := &azservicebus.ReceiverOptions{ReceiveMode: azservicebus.ReceiveModePeekLock}
	if opts.AckMode == messaging.AckReceiveAndDelete {
		ropts.ReceiveMode = azservicebus.ReceiveModeReceiveAndDelete
	}

	var (
		receiver *azservicebus.Receiver
		err      error
	)
	if entity.Subscription != "" {
		receiver, err = t.client.NewReceiverForSubscription(entity.Name, entity.Subscription, ropts)
	} else {
		receiver, err = t.client.NewReceiverForQueue(entity.Name, ropts)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &Receiver{receiver: receiver, mode: opts.AckMode}, nil
}

// Close implements messaging.Transport
func (t *Transport) Close(ctx context.Context) error {
	return t.client.Close(ctx)
}

// Ping reads the namespace properties through the admin client
func (t *Transport) Ping(ctx context.Context) error {
	if _, err := t.Administrator(); err != nil {
		return err
	}
	if _, err := t.admin.client.GetNamespaceProperties(ctx, nil); err != nil {
		return classify(err)
	}
	return nil
}

// Admin implements messaging.Administrator with the admin client
type Admin struct {
	client *admin.Client
}

func entityProperties(props messaging.EntityProperties) (*bool, *bool) {
	return to.Ptr(props.EnablePartitioning), to.Ptr(props.EnableBatchedOperations)
}

// QueueExists implements messaging.Administrator
func (a *Admin) QueueExists(ctx context.Context, name string) (bool, error) {
	resp, err := a.client.GetQueue(ctx, name, nil)
	if err != nil {
		return false, classify(err)
	}
	return resp != nil, nil
}

// CreateQueue implements messaging.Administrator
func (a *Admin) CreateQueue(ctx context.Context, name string, props messaging.EntityProperties) error {
	partitioning, batched := entityProperties(props)
	_, err := a.client.CreateQueue(ctx, name, &admin.CreateQueueOptions{
		Properties: &admin.QueueProperties{
			EnablePartitioning:      partitioning,
			EnableBatchedOperations: batched,
		},
	})
	return adminError(err)
}

// TopicExists implements messaging.Administrator
func (a *Admin) TopicExists(ctx context.Context, name string) (bool, error) {
	resp, err := a.client.GetTopic(ctx, name, nil)
	if err != nil {
		return false, classify(err)
	}
	return resp != nil, nil
}

// CreateTopic implements messaging.Administrator
func (a *Admin) CreateTopic(ctx context.Context, name string, props messaging.EntityProperties) error {
	partitioning, batched := entityProperties(props)
	_, err := a.client.CreateTopic(ctx, name, &admin.CreateTopicOptions{
		Properties: &admin.TopicProperties{
			EnablePartitioning:      partitioning,
			EnableBatchedOperations: batched,
		},
	})
	return adminError(err)
}

// SubscriptionExists implements messaging.Administrator
func (a *Admin) SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error) {
	resp, err := a.client.GetSubscription(ctx, topic, subscription, nil)
	if err != nil {
		return false, classify(err)
	}
	return resp != nil, nil
}

// CreateSubscription implements messaging.Administrator
func (a *Admin) CreateSubscription(ctx context.Context, topic, subscription string) error {
	_, err := a.client.CreateSubscription(ctx, topic, subscription, nil)
	return adminError(err)
}

// Sender implements messaging.TransportSender
type Sender struct {
	sender *azservicebus.Sender
}

// Send implements messaging.TransportSender
func (s *Sender) Send(ctx context.Context, env contracts.Envelope) error {
	return classify(s.sender.SendMessage(ctx, toMessage(env), nil))
}

// SendBatch implements messaging.TransportSender. All envelopes go into one
// batch; a batch that does not fit is rejected without sending anything.
func (s *Sender) SendBatch(ctx context.Context, envs []contracts.Envelope) error {
	batch, err := s.sender.NewMessageBatch(ctx, nil)
	if err != nil {
		return classify(err)
	}
	for i, env := range envs {
		if err := batch.AddMessage(toMessage(env), nil); err != nil {
			if errors.Is(err, azservicebus.ErrMessageTooLarge) {
				return &contracts.ArgumentError{
					Argument: "items",
					Reason:   fmt.Sprintf("exceed the maximum batch size at item %d of %d", i+1, len(envs)),
				}
			}
			return err
		}
	}
	return classify(s.sender.SendMessageBatch(ctx, batch, nil))
}

// Close implements messaging.TransportSender
func (s *Sender) Close(ctx context.Context) error {
	return s.sender.Close(ctx)
}

// Receiver implements messaging.TransportReceiver
type Receiver struct {
	receiver *azservicebus.Receiver
	mode     messaging.AckMode
}

// Receive implements messaging.TransportReceiver
func (r *Receiver) Receive(ctx context.Context) (messaging.InFlightMessage, error) {
	for {
		msgs, err := r.receiver.ReceiveMessages(ctx, 1, nil)
		if err != nil {
			return nil, classify(err)
		}
		if len(msgs) > 0 {
			return &receivedMessage{receiver: r, msg: msgs[0]}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Close implements messaging.TransportReceiver
func (r *Receiver) Close(ctx context.Context) error {
	return r.receiver.Close(ctx)
}

type receivedMessage struct {
	receiver *Receiver
	msg      *azservicebus.ReceivedMessage
}

func (m *receivedMessage) Envelope() contracts.Envelope {
	return fromReceived(m.msg)
}

func (m *receivedMessage) LockToken() string {
	if m.receiver.mode == messaging.AckReceiveAndDelete {
		return ""
	}
	return uuid.UUID(m.msg.LockToken).String()
}

func (m *receivedMessage) DeliveryCount() int {
	return int(m.msg.DeliveryCount)
}

func (m *receivedMessage) Complete(ctx context.Context) error {
	if m.receiver.mode == messaging.AckReceiveAndDelete {
		return nil
	}
	return classify(m.receiver.receiver.CompleteMessage(ctx, m.msg, nil))
}
