package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/servicebus-go/contracts"
)

// ErrLockLost is returned by Complete after the lock expired and the delivery was requeued
var ErrLockLost = errors.New("rabbitmq: message lock lost")

const (
	lockHeld = iota
	lockCompleted
	lockExpired
)

// lockedMessage emulates peek-lock on top of manual acknowledgements: the
// delivery is requeued when it is not completed within the lock duration
type lockedMessage struct {
	delivery      amqp.Delivery
	env           contracts.Envelope
	token         string
	deliveryCount int
	logger        *slog.Logger

	mu    sync.Mutex
	state int
	timer *time.Timer
}

func newLocked(d amqp.Delivery, lockDuration time.Duration, logger *slog.Logger) *lockedMessage {
	m := &lockedMessage{
		delivery:      d,
		env:           fromDelivery(d),
		token:         uuid.NewString(),
		deliveryCount: deliveryCount(d),
		logger:        logger,
	}
	m.mu.Lock()
	m.timer = time.AfterFunc(lockDuration, m.expire)
	m.mu.Unlock()
	return m
}

func (m *lockedMessage) Envelope() contracts.Envelope { return m.env }
func (m *lockedMessage) LockToken() string            { return m.token }
func (m *lockedMessage) DeliveryCount() int           { return m.deliveryCount }

// Complete acknowledges the delivery while the lock is held
func (m *lockedMessage) Complete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case lockCompleted:
		return nil
	case lockExpired:
		return fmt.Errorf("%w: message %s", ErrLockLost, m.env.MessageID)
	}

	if err := m.delivery.Ack(false); err != nil {
		return err
	}
	m.timer.Stop()
	m.state = lockCompleted
	return nil
}

func (m *lockedMessage) expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != lockHeld {
		return
	}
	m.state = lockExpired

	if err := m.delivery.Nack(false, true); err != nil {
		// The broker requeues the delivery anyway once the channel closes
		m.logger.Warn("requeue after lock expiry failed", "messageId", m.env.MessageID, "error", err)
		return
	}
	m.logger.Debug("lock expired, message requeued", "messageId", m.env.MessageID, "deliveryCount", m.deliveryCount)
}

// settledMessage was acknowledged by the broker on delivery
type settledMessage struct {
	env           contracts.Envelope
	deliveryCount int
}

func newSettled(d amqp.Delivery) *settledMessage {
	return &settledMessage{env: fromDelivery(d), deliveryCount: deliveryCount(d)}
}

func (m *settledMessage) Envelope() contracts.Envelope       { return m.env }
func (m *settledMessage) LockToken() string                  { return "" }
func (m *settledMessage) DeliveryCount() int                 { return m.deliveryCount }
func (m *settledMessage) Complete(ctx context.Context) error { return nil }

// faultForwarder turns connection state changes into receiver faults
type faultForwarder struct {
	entity contracts.EntityReference
	logger *slog.Logger
	ch     chan error
}

func newFaultForwarder(entity contracts.EntityReference, logger *slog.Logger) *faultForwarder {
	return &faultForwarder{entity: entity, logger: logger, ch: make(chan error, 16)}
}

func (f *faultForwarder) OnConnected() {
	f.logger.Info("connection restored", "entity", f.entity)
}

func (f *faultForwarder) OnDisconnected(err error) {
	select {
	case f.ch <- err:
	default:
		f.logger.Warn("fault dropped, listener is behind", "entity", f.entity, "error", err)
	}
}

func (f *faultForwarder) OnReconnecting(attempt int) {
	f.logger.Debug("reconnecting", "entity", f.entity, "attempt", attempt)
}
