package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/servicebus-go/clock"
	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/credentials"
	"github.com/glimte/servicebus-go/internal/rabbitmq"
	"github.com/glimte/servicebus-go/internal/reliability"
	"github.com/glimte/servicebus-go/messaging"
)

// DefaultLockDuration is how long a delivery stays locked before it is requeued
const DefaultLockDuration = 30 * time.Second

// Dialer implements messaging.Dialer for RabbitMQ
type Dialer struct {
	scheme          string
	vhost           string
	tokenScopes     []string
	tokenUsername   string
	delayedExchange string
	lockDuration    time.Duration
	channels        int
	channelWait     time.Duration
	confirmTimeout  time.Duration
	prefetch        int
	connOptions     []rabbitmq.ConnectionOption
}

// DialerOption configures the Dialer
type DialerOption func(*Dialer)

// WithInsecureTransport dials namespaces given as plain host names over amqp:// instead of amqps://
func WithInsecureTransport() DialerOption {
	return func(d *Dialer) {
		d.scheme = "amqp"
	}
}

// WithVhost sets the virtual host used for namespace credentials
func WithVhost(vhost string) DialerOption {
	return func(d *Dialer) {
		d.vhost = vhost
	}
}

// WithTokenScopes sets the scopes requested from a token credential's provider
func WithTokenScopes(scopes ...string) DialerOption {
	return func(d *Dialer) {
		d.tokenScopes = scopes
	}
}

// WithTokenUsername sets the user name presented alongside an access token
func WithTokenUsername(username string) DialerOption {
	return func(d *Dialer) {
		d.tokenUsername = username
	}
}

// WithDelayedExchange enables scheduled enqueue through the delayed message
// exchange plugin. The exchange is declared on dial.
func WithDelayedExchange(name string) DialerOption {
	return func(d *Dialer) {
		d.delayedExchange = name
	}
}

// WithLockDuration sets how long a received message stays locked
func WithLockDuration(d time.Duration) DialerOption {
	return func(dl *Dialer) {
		dl.lockDuration = d
	}
}

// WithMaxChannels bounds the channels opened per transport handle
func WithMaxChannels(n int) DialerOption {
	return func(d *Dialer) {
		d.channels = n
	}
}

// WithChannelWait bounds how long an operation waits for a free channel
func WithChannelWait(d time.Duration) DialerOption {
	return func(dl *Dialer) {
		dl.channelWait = d
	}
}

// WithConfirmTimeout sets how long a send waits for publisher confirms
func WithConfirmTimeout(d time.Duration) DialerOption {
	return func(dl *Dialer) {
		dl.confirmTimeout = d
	}
}

// WithPrefetch sets the consumer prefetch used when the receiver does not ask for one
func WithPrefetch(n int) DialerOption {
	return func(d *Dialer) {
		d.prefetch = n
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) DialerOption {
	return func(d *Dialer) {
		d.connOptions = append(d.connOptions, opts...)
	}
}

// NewDialer creates a Dialer
func NewDialer(options ...DialerOption) *Dialer {
	d := &Dialer{
		scheme:       "amqps",
		vhost:        "/",
		lockDuration:   DefaultLockDuration,
		channels:       16,
		channelWait:    5 * time.Second,
		confirmTimeout: 10 * time.Second,
		prefetch:       10,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Dial implements messaging.Dialer. Unlike the Service Bus SDK the
// connection is opened eagerly.
func (d *Dialer) Dial(ctx context.Context, cred credentials.Credential, opts messaging.DialOptions) (messaging.Transport, error) {
	ep, err := d.resolve(cred)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, d.connOptions...)
	if ep.token != nil {
		connOpts = append(connOpts, rabbitmq.WithDialFunc(func(url string, cfg amqp.Config) (*amqp.Connection, error) {
			auth, err := ep.auth(context.Background(), d.tokenScopes, d.tokenUsername)
			if err != nil {
				return nil, err
			}
			cfg.SASL = []amqp.Authentication{auth}
			return amqp.DialConfig(url, cfg)
		}))
	}

	manager := rabbitmq.NewConnectionManager(ep.url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(d.channels),
		rabbitmq.WithWaitTimeout(d.channelWait),
		rabbitmq.WithChannelLogger(logger),
	)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}

	t := &Transport{
		manager:         manager,
		pool:            pool,
		topology:        rabbitmq.NewTopologyManager(pool),
		publisher:       rabbitmq.NewPublisher(pool, rabbitmq.WithConfirmTimeout(d.confirmTimeout), rabbitmq.WithPublisherLogger(logger)),
		consumer:        rabbitmq.NewConsumer(pool, rabbitmq.WithPrefetchCount(d.prefetch), rabbitmq.WithConsumerLogger(logger)),
		retry:           opts.Retry.Policy(),
		clock:           clk,
		logger:          logger,
		delayedExchange: d.delayedExchange,
		lockDuration:    d.lockDuration,
	}

	if d.delayedExchange != "" {
		err := t.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
			Name:      d.delayedExchange,
			Type:      "x-delayed-message",
			Durable:   true,
			Arguments: amqp.Table{"x-delayed-type": amqp.ExchangeDirect},
		})
		if err != nil {
			_ = t.Close(ctx)
			return nil, fmt.Errorf("declare delayed exchange: %w", err)
		}
	}

	logger.Debug("rabbitmq transport opened", "credential", credentials.Describe(cred))
	return t, nil
}

// Transport implements messaging.Transport
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer

	retry           reliability.Policy
	clock           clock.Clock
	logger          *slog.Logger
	delayedExchange string
	lockDuration    time.Duration

	mu     sync.Mutex
	closed bool
}

// Administrator implements messaging.Transport
func (t *Transport) Administrator() (messaging.Administrator, error) {
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}
	return &Admin{topology: t.topology, delayedExchange: t.delayedExchange}, nil
}

// NewSender implements messaging.Transport
func (t *Transport) NewSender(ctx context.Context, ref contracts.EntityReference) (messaging.TransportSender, error) {
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}
	return &Sender{transport: t, entity: ref}, nil
}

// NewReceiver implements messaging.Transport
func (t *Transport) NewReceiver(ctx context.Context, ref contracts.EntityReference, opts messaging.ReceiveOptions) (messaging.TransportReceiver, error) {
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}

	r := &Receiver{
		transport: t,
		entity:    ref,
		queue:     queueName(ref),
		opts:      opts,
		faults:    newFaultForwarder(ref, t.logger),
	}
	if _, err := r.consumption(ctx); err != nil {
		return nil, err
	}
	t.manager.AddStateListener(r.faults)
	return r, nil
}

// Close implements messaging.Transport
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return errors.Join(t.pool.Close(), t.manager.Close())
}

// Ping verifies the connection is up by borrowing a channel from the pool
func (t *Transport) Ping(ctx context.Context) error {
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	if !t.manager.IsConnected() {
		return rabbitmq.ErrConnectionNotReady
	}
	ch, err := t.pool.Get(ctx)
	if err != nil {
		return err
	}
	t.pool.Put(ch)
	return nil
}

// Stats reports connection and channel usage
func (t *Transport) Stats() map[string]any {
	return map[string]any{
		"connected": t.manager.IsConnected(),
		"channels":  t.pool.Size(),
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Admin implements messaging.Administrator on top of exchange and queue declares.
// Entity properties have no RabbitMQ equivalent and are ignored.
type Admin struct {
	topology        *rabbitmq.TopologyManager
	delayedExchange string
}

// QueueExists implements messaging.Administrator
func (a *Admin) QueueExists(ctx context.Context, name string) (bool, error) {
	return a.topology.QueueExists(ctx, name)
}

// CreateQueue implements messaging.Administrator
func (a *Admin) CreateQueue(ctx context.Context, name string, props messaging.EntityProperties) error {
	if err := a.createQueue(ctx, name); err != nil {
		return err
	}
	if a.delayedExchange == "" {
		return nil
	}
	return a.topology.BindQueue(ctx, rabbitmq.Binding{Queue: name, Exchange: a.delayedExchange, RoutingKey: name})
}

// TopicExists implements messaging.Administrator
func (a *Admin) TopicExists(ctx context.Context, name string) (bool, error) {
	return a.topology.ExchangeExists(ctx, name, amqp.ExchangeFanout)
}

// CreateTopic implements messaging.Administrator
func (a *Admin) CreateTopic(ctx context.Context, name string, props messaging.EntityProperties) error {
	exists, err := a.TopicExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: topic %s", messaging.ErrEntityExists, name)
	}

	err = a.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{Name: name, Type: amqp.ExchangeFanout, Durable: true})
	if err != nil || a.delayedExchange == "" {
		return err
	}
	return a.topology.BindExchange(ctx, rabbitmq.ExchangeBinding{Destination: name, Source: a.delayedExchange, RoutingKey: name})
}

// SubscriptionExists implements messaging.Administrator
func (a *Admin) SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error) {
	return a.topology.QueueExists(ctx, SubscriptionQueue(topic, subscription))
}

// CreateSubscription implements messaging.Administrator
func (a *Admin) CreateSubscription(ctx context.Context, topic, subscription string) error {
	queue := SubscriptionQueue(topic, subscription)
	if err := a.createQueue(ctx, queue); err != nil {
		return err
	}
	return a.topology.BindQueue(ctx, rabbitmq.Binding{Queue: queue, Exchange: topic})
}

func (a *Admin) createQueue(ctx context.Context, name string) error {
	exists, err := a.topology.QueueExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: queue %s", messaging.ErrEntityExists, name)
	}
	return a.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{Name: name, Durable: true})
}

// Sender implements messaging.TransportSender
type Sender struct {
	transport *Transport
	entity    contracts.EntityReference
}

// Send implements messaging.TransportSender
func (s *Sender) Send(ctx context.Context, env contracts.Envelope) error {
	return s.send(ctx, "send", []contracts.Envelope{env})
}

// SendBatch implements messaging.TransportSender. The batch is published on
// one channel and confirmed as a whole.
func (s *Sender) SendBatch(ctx context.Context, envs []contracts.Envelope) error {
	return s.send(ctx, "send_batch", envs)
}

func (s *Sender) send(ctx context.Context, op string, envs []contracts.Envelope) error {
	t := s.transport
	return reliability.Retry(ctx, t.retry, op, func(ctx context.Context) error {
		if t.isClosed() {
			return reliability.Permanent(messaging.ErrTransportClosed)
		}

		now := t.clock.Now()
		scheduled, err := splitScheduled(envs, now, t.delayedExchange)
		if err != nil {
			return err
		}

		req := route(s.entity)
		if scheduled {
			req = scheduledRoute(s.entity, t.delayedExchange)
		}
		req.Messages = make([]amqp.Publishing, len(envs))
		for i, env := range envs {
			req.Messages[i] = toPublishing(env, now)
		}

		if err := t.publisher.Publish(ctx, req); err != nil {
			if !rabbitmq.IsRetryable(err) {
				return reliability.Permanent(err)
			}
			t.logger.Debug("publish failed", "entity", s.entity, "op", op, "error", err)
			return err
		}
		return nil
	})
}

// Close implements messaging.TransportSender. Publishing channels belong to the transport.
func (s *Sender) Close(ctx context.Context) error {
	return nil
}

// Receiver implements messaging.TransportReceiver and messaging.FaultNotifier
type Receiver struct {
	transport *Transport
	entity    contracts.EntityReference
	queue     string
	opts      messaging.ReceiveOptions
	faults    *faultForwarder

	mu      sync.Mutex
	current *rabbitmq.Consumption
	closed  bool
}

// consumption returns the active consumption, opening a new one after the
// previous channel was lost
func (r *Receiver) consumption(ctx context.Context) (*rabbitmq.Consumption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.transport.isClosed() {
		return nil, messaging.ErrTransportClosed
	}
	if r.current != nil {
		return r.current, nil
	}

	c, err := r.transport.consumer.Consume(ctx, r.queue, rabbitmq.ConsumeOptions{
		AutoAck:  r.opts.AckMode == messaging.AckReceiveAndDelete,
		Prefetch: r.opts.Prefetch,
	})
	if err != nil {
		return nil, err
	}
	r.current = c
	return c, nil
}

func (r *Receiver) drop(c *rabbitmq.Consumption) {
	r.mu.Lock()
	if r.current == c {
		r.current = nil
	}
	r.mu.Unlock()
	_ = c.Cancel()
}

// Receive implements messaging.TransportReceiver
func (r *Receiver) Receive(ctx context.Context) (messaging.InFlightMessage, error) {
	c, err := r.consumption(ctx)
	if err != nil {
		return nil, err
	}

	d, err := c.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.drop(c)
		if r.isClosed() {
			return nil, messaging.ErrTransportClosed
		}
		return nil, err
	}

	if r.opts.AckMode == messaging.AckReceiveAndDelete {
		return newSettled(d), nil
	}
	return newLocked(d, r.transport.lockDuration, r.transport.logger), nil
}

// Faults implements messaging.FaultNotifier
func (r *Receiver) Faults() <-chan error {
	return r.faults.ch
}

// Close implements messaging.TransportReceiver. Locked deliveries that were
// not completed are requeued by the broker.
func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	c := r.current
	r.current = nil
	r.mu.Unlock()

	r.transport.manager.RemoveStateListener(r.faults)
	if c == nil {
		return nil
	}
	return c.Cancel()
}

func (r *Receiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed || r.transport.isClosed()
}
