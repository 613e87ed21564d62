package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/servicebus-go/contracts"
)

var (
	// ErrAlreadySubscribed is returned by a second Subscribe on the same receiver
	ErrAlreadySubscribed = errors.New("messaging: receiver already subscribed")
	// ErrReceiverClosed is returned by Subscribe after Close
	ErrReceiverClosed = errors.New("messaging: receiver closed")
)

// minPullBackoff keeps a failing link from spinning when the retry policy has no delay
const minPullBackoff = 10 * time.Millisecond

// State is the lifecycle position of a Receiver
type State int

const (
	// StateIdle means no subscription has been started
	StateIdle State = iota
	// StateProcessing means the pump is pulling and delivering messages
	StateProcessing
	// StateStopped is terminal
	StateStopped
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MessageHandler processes one decoded message. Returning an error leaves the
// message locked so it is redelivered once the lock expires.
type MessageHandler[T any] func(ctx context.Context, msg T) error

// ErrorHandler receives pump failures. It may be called from several
// goroutines at once.
type ErrorHandler func(err error)

// Receiver pulls messages from one queue or subscription and delivers them
// decoded to a callback with bounded concurrency.
type Receiver[T any] struct {
	entity    contracts.EntityReference
	transport Transport
	receiver  TransportReceiver
	config    ReceiverConfig
	opts      endpointOptions

	mu     sync.Mutex
	state  State
	sub    *Subscription
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// NewReceiver wraps an open receive link. The Receiver owns both the link and
// the transport handle and releases them on Close.
func NewReceiver[T any](entity contracts.EntityReference, transport Transport, receiver TransportReceiver, config ReceiverConfig, options ...Option) *Receiver[T] {
	if config.MaxConcurrentCalls < 1 {
		config.MaxConcurrentCalls = 1
	}
	return &Receiver[T]{
		entity:    entity,
		transport: transport,
		receiver:  receiver,
		config:    config,
		opts:      newEndpointOptions(options),
	}
}

// Entity returns the queue or subscription this receiver pulls from
func (r *Receiver[T]) Entity() contracts.EntityReference {
	return r.entity
}

// State returns the current lifecycle state
func (r *Receiver[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe starts the pump. It returns immediately; messages are delivered
// from background goroutines until ctx is cancelled, the subscription is
// stopped or the receiver is closed.
//
// A nil onError logs failures instead.
func (r *Receiver[T]) Subscribe(ctx context.Context, onMessage MessageHandler[T], onError ErrorHandler) (*Subscription, error) {
	if onMessage == nil {
		return nil, &contracts.ArgumentError{Argument: "onMessage", Reason: "must not be nil"}
	}
	if onError == nil {
		onError = r.logError
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrReceiverClosed
	}
	if r.state != StateIdle {
		return nil, ErrAlreadySubscribed
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	r.sub = sub
	r.state = StateProcessing

	g, gctx := errgroup.WithContext(runCtx)
	var workers sync.WaitGroup
	workers.Add(r.config.MaxConcurrentCalls)
	for i := 0; i < r.config.MaxConcurrentCalls; i++ {
		g.Go(func() error {
			defer workers.Done()
			r.pull(gctx, onMessage, onError)
			return nil
		})
	}
	// Workers also exit when the link is closed underneath them.
	go func() {
		workers.Wait()
		cancel()
	}()
	if notifier, ok := r.receiver.(FaultNotifier); ok {
		g.Go(func() error {
			r.forwardFaults(gctx, notifier.Faults(), onError)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		cancel()

		r.mu.Lock()
		r.state = StateStopped
		r.mu.Unlock()

		close(sub.done)
		r.opts.logger.Info("receiver stopped", "entity", r.entity.String())
	}()

	r.opts.logger.Info("receiver started",
		"entity", r.entity.String(),
		"maxConcurrentCalls", r.config.MaxConcurrentCalls,
		"ackMode", r.config.AckMode.String(),
	)
	return sub, nil
}

// Close stops the pump if it is running, waits for in-flight callbacks and
// releases the link and the transport handle. Only the first call does any work.
func (r *Receiver[T]) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		sub := r.sub
		r.mu.Unlock()

		var waitErr error
		if sub != nil {
			sub.cancel()
			select {
			case <-sub.done:
			case <-ctx.Done():
				waitErr = fmt.Errorf("waiting for in-flight messages: %w", ctx.Err())
			}
		}

		r.mu.Lock()
		r.state = StateStopped
		r.mu.Unlock()

		r.closeErr = errors.Join(
			waitErr,
			r.receiver.Close(ctx),
			r.transport.Close(ctx),
		)
		if r.closeErr != nil {
			r.opts.logger.Warn("receiver closed with errors", "entity", r.entity.String(), "error", r.closeErr)
		} else {
			r.opts.logger.Debug("receiver closed", "entity", r.entity.String())
		}
	})
	return r.closeErr
}

func (r *Receiver[T]) pull(ctx context.Context, onMessage MessageHandler[T], onError ErrorHandler) {
	failures := 0
	for ctx.Err() == nil {
		msg, err := r.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) {
				return
			}

			r.opts.metrics.RecordTransportFault(r.entity.String(), "receive")
			terr := newTransportError("receive", r.entity, err)
			terr.Attempts = failures + 1
			onError(terr)

			delay := r.config.Retry.Delay(failures)
			if delay < minPullBackoff {
				delay = minPullBackoff
			}
			failures++
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		failures = 0
		r.process(ctx, msg, onMessage, onError)
	}
}

func (r *Receiver[T]) process(ctx context.Context, msg InFlightMessage, onMessage MessageHandler[T], onError ErrorHandler) {
	start := time.Now()
	env := msg.Envelope()

	// In-flight work finishes even when the pump is cancelled.
	msgCtx, span := r.opts.startConsumerSpan(context.WithoutCancel(ctx), r.entity, env, msg.DeliveryCount())

	var data T
	if err := json.Unmarshal(env.Payload, &data); err != nil {
		r.fail(span, OutcomeDecodeError, start, &contracts.SerializationError{
			Op:        "decode",
			TypeName:  reflect.TypeOf((*T)(nil)).Elem().String(),
			MessageID: env.MessageID,
			Err:       err,
		}, onError)
		return
	}

	if err := r.invoke(msgCtx, onMessage, data); err != nil {
		r.fail(span, OutcomeProcessingError, start, &contracts.ProcessingError{
			Entity:        r.entity,
			MessageID:     env.MessageID,
			DeliveryCount: msg.DeliveryCount(),
			Err:           err,
		}, onError)
		return
	}

	if r.config.AckMode == AckLockAndComplete {
		if err := msg.Complete(msgCtx); err != nil {
			r.fail(span, OutcomeCompleteError, start, newTransportError("complete", r.entity, err), onError)
			return
		}
	}

	r.opts.metrics.RecordReceive(r.entity.String(), OutcomeCompleted, time.Since(start))
	finishSpan(span, nil)

	r.opts.logger.Debug("message processed",
		"entity", r.entity.String(),
		"messageId", env.MessageID,
		"deliveryCount", msg.DeliveryCount(),
	)
}

func (r *Receiver[T]) fail(span trace.Span, outcome string, start time.Time, err error, onError ErrorHandler) {
	r.opts.metrics.RecordReceive(r.entity.String(), outcome, time.Since(start))
	finishSpan(span, err)
	onError(err)
}

func (r *Receiver[T]) invoke(ctx context.Context, onMessage MessageHandler[T], data T) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			r.opts.logger.ErrorContext(ctx, "panic in message handler",
				"entity", r.entity.String(),
				"panic", rvr,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("messaging: panic in message handler: %v", rvr)
		}
	}()

	return onMessage(ctx, data)
}

func (r *Receiver[T]) forwardFaults(ctx context.Context, faults <-chan error, onError ErrorHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-faults:
			if !ok {
				return
			}
			r.opts.metrics.RecordTransportFault(r.entity.String(), "connection")
			onError(newTransportError("connection", r.entity, err))
		}
	}
}

func (r *Receiver[T]) logError(err error) {
	r.opts.logger.Error("receiver error", "entity", r.entity.String(), "error", err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Subscription controls a running pump
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the pump and blocks until in-flight callbacks have finished.
// It must not be called from inside a message callback; use Cancel there.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}

// Cancel asks the pump to stop without waiting
func (s *Subscription) Cancel() {
	s.cancel()
}

// Done is closed once the pump has stopped
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the pump has stopped
func (s *Subscription) Wait() {
	<-s.done
}
