package inmemory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/internal/reliability"
	"github.com/glimte/servicebus-go/messaging"
)

// Transport is one handle onto a Broker
type Transport struct {
	broker *Broker
	retry  messaging.RetryPolicy
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Administrator implements messaging.Transport
func (t *Transport) Administrator() (messaging.Administrator, error) {
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}
	return &Admin{broker: t.broker}, nil
}

// NewSender implements messaging.Transport
func (t *Transport) NewSender(ctx context.Context, ref contracts.EntityReference) (messaging.TransportSender, error) {
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}
	t.broker.mu.Lock()
	t.broker.stats.SendersOpened++
	t.broker.mu.Unlock()
	return &Sender{transport: t, entity: ref}, nil
}

// NewReceiver implements messaging.Transport
func (t *Transport) NewReceiver(ctx context.Context, ref contracts.EntityReference, opts messaging.ReceiveOptions) (messaging.TransportReceiver, error) {
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}
	r := &Receiver{transport: t, entity: ref, mode: opts.AckMode, faults: make(chan error, 16)}

	b := t.broker
	b.mu.Lock()
	b.stats.ReceiversOpened++
	b.faultChannels[r] = r.faults
	b.mu.Unlock()
	return r, nil
}

// Close implements messaging.Transport
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.broker.mu.Lock()
	t.broker.stats.TransportsClosed++
	t.broker.mu.Unlock()
	return nil
}

// Ping reports whether the handle is still open
func (t *Transport) Ping(ctx context.Context) error {
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	return ctx.Err()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Admin implements messaging.Administrator
type Admin struct {
	broker *Broker
}

func (a *Admin) begin() error {
	a.broker.mu.Lock()
	a.broker.stats.AdminCalls++
	if err := a.broker.adminFault.take(); err != nil {
		a.broker.mu.Unlock()
		return err
	}
	return nil
}

// QueueExists implements messaging.Administrator
func (a *Admin) QueueExists(ctx context.Context, name string) (bool, error) {
	if err := a.begin(); err != nil {
		return false, err
	}
	defer a.broker.mu.Unlock()
	_, ok := a.broker.entities[contracts.Queue(name).Path()]
	return ok, nil
}

// CreateQueue implements messaging.Administrator
func (a *Admin) CreateQueue(ctx context.Context, name string, props messaging.EntityProperties) error {
	if err := a.begin(); err != nil {
		return err
	}
	defer a.broker.mu.Unlock()

	path := contracts.Queue(name).Path()
	if _, ok := a.broker.entities[path]; ok {
		return fmt.Errorf("%w: queue %s", messaging.ErrEntityExists, name)
	}
	a.broker.entities[path] = &entity{}
	a.broker.record("create_queue", path, "")
	return nil
}

// TopicExists implements messaging.Administrator
func (a *Admin) TopicExists(ctx context.Context, name string) (bool, error) {
	if err := a.begin(); err != nil {
		return false, err
	}
	defer a.broker.mu.Unlock()
	_, ok := a.broker.topics[name]
	return ok, nil
}

// CreateTopic implements messaging.Administrator
func (a *Admin) CreateTopic(ctx context.Context, name string, props messaging.EntityProperties) error {
	if err := a.begin(); err != nil {
		return err
	}
	defer a.broker.mu.Unlock()

	if _, ok := a.broker.topics[name]; ok {
		return fmt.Errorf("%w: topic %s", messaging.ErrEntityExists, name)
	}
	a.broker.topics[name] = make(map[string]struct{})
	a.broker.record("create_topic", name, "")
	return nil
}

// SubscriptionExists implements messaging.Administrator
func (a *Admin) SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error) {
	if err := a.begin(); err != nil {
		return false, err
	}
	defer a.broker.mu.Unlock()
	subs, ok := a.broker.topics[topic]
	if !ok {
		return false, nil
	}
	_, ok = subs[subscription]
	return ok, nil
}

// CreateSubscription implements messaging.Administrator
func (a *Admin) CreateSubscription(ctx context.Context, topic, subscription string) error {
	if err := a.begin(); err != nil {
		return err
	}
	defer a.broker.mu.Unlock()

	subs, ok := a.broker.topics[topic]
	if !ok {
		return fmt.Errorf("%w: topic %s", ErrEntityNotFound, topic)
	}
	if _, ok := subs[subscription]; ok {
		return fmt.Errorf("%w: subscription %s/%s", messaging.ErrEntityExists, topic, subscription)
	}
	subs[subscription] = struct{}{}
	path := contracts.TopicSubscription(topic, subscription).Path()
	a.broker.entities[path] = &entity{}
	a.broker.record("create_subscription", path, "")
	return nil
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

// SendBatch implements messaging.TransportSender
func (s *Sender) SendBatch(ctx context.Context, envs []contracts.Envelope) error {
	return s.send(ctx, "send_batch", envs)
}

func (s *Sender) send(ctx context.Context, op string, envs []contracts.Envelope) error {
	b := s.transport.broker
	return b.retry(ctx, s.transport.retry, op, func() error {
		if s.transport.isClosed() {
			return reliability.Permanent(messaging.ErrTransportClosed)
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		b.stats.SendCalls++
		if err := b.sendFault.take(); err != nil {
			return err
		}
		if err := b.enqueueLocked(s.entity, envs); err != nil {
			return err
		}
		for _, env := range envs {
			b.record(op, s.entity.Path(), env.MessageID)
		}
		return nil
	})
}

// Close implements messaging.TransportSender
func (s *Sender) Close(ctx context.Context) error {
	b := s.transport.broker
	b.mu.Lock()
	b.stats.SendersClosed++
	b.mu.Unlock()
	return nil
}

// Receiver implements messaging.TransportReceiver and messaging.FaultNotifier
type Receiver struct {
	transport *Transport
	entity    contracts.EntityReference
	mode      messaging.AckMode
	faults    chan error

	mu     sync.Mutex
	closed bool
}

// Receive implements messaging.TransportReceiver
func (r *Receiver) Receive(ctx context.Context) (messaging.InFlightMessage, error) {
	b := r.transport.broker
	path := r.entity.Path()

	for {
		if r.isClosed() || r.transport.isClosed() {
			return nil, messaging.ErrTransportClosed
		}

		b.mu.Lock()
		if err := b.receiveFault.take(); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		e, ok := b.entities[path]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, r.entity)
		}
		if m := b.nextLocked(e, r.mode); m != nil {
			b.record("receive", path, m.env.MessageID)
			msg := &inFlight{receiver: r, env: m.env, lockToken: m.lockToken, deliveryCount: m.deliveryCount}
			b.mu.Unlock()
			return msg, nil
		}
		brokerChanged, clockChanged := b.wakeups()
		b.mu.Unlock()

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-brokerChanged:
		case <-clockChanged:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Faults implements messaging.FaultNotifier
func (r *Receiver) Faults() <-chan error {
	return r.faults
}

// Close implements messaging.TransportReceiver
func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	b := r.transport.broker
	b.mu.Lock()
	b.stats.ReceiversClosed++
	delete(b.faultChannels, r)
	b.notifyLocked()
	b.mu.Unlock()
	return nil
}

func (r *Receiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type inFlight struct {
	receiver      *Receiver
	env           contracts.Envelope
	lockToken     string
	deliveryCount int
}

func (m *inFlight) Envelope() contracts.Envelope { return m.env }
func (m *inFlight) LockToken() string            { return m.lockToken }
func (m *inFlight) DeliveryCount() int           { return m.deliveryCount }

// Complete settles the message; it fails with ErrLockLost once the lock has expired
func (m *inFlight) Complete(ctx context.Context) error {
	if m.lockToken == "" {
		return nil
	}
	b := m.receiver.transport.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completeLocked(m.receiver.entity.Path(), m.lockToken)
}
