package inmemory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/servicebus-go/clock"
	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/credentials"
	"github.com/glimte/servicebus-go/internal/reliability"
	"github.com/glimte/servicebus-go/messaging"
)

var (
	// ErrEntityNotFound is returned when addressing an entity that was never created
	ErrEntityNotFound = errors.New("inmemory: entity not found")
	// ErrLockLost is returned when completing a message whose lock expired or was never held
	ErrLockLost = errors.New("inmemory: message lock lost")
)

// DefaultLockDuration matches the broker default for peek-locked messages
const DefaultLockDuration = 30 * time.Second

const pollInterval = 5 * time.Millisecond

// Operation is one recorded broker call
type Operation struct {
	Kind      string
	Entity    string
	MessageID string
	At        time.Time
}

// Stats counts handle and link lifecycle events
type Stats struct {
	Dials            int
	TransportsClosed int
	SendersOpened    int
	SendersClosed    int
	ReceiversOpened  int
	ReceiversClosed  int
	SendCalls        int
	AdminCalls       int
}

type message struct {
	env           contracts.Envelope
	seq           int64
	visibleAt     time.Time
	expiresAt     time.Time
	lockToken     string
	lockedUntil   time.Time
	deliveryCount int
}

type entity struct {
	messages []*message
}

type fault struct {
	err   error
	times int
}

func (f *fault) take() error {
	if f == nil || f.times == 0 {
		return nil
	}
	if f.times > 0 {
		f.times--
	}
	return f.err
}

// Broker is an in-process namespace
type Broker struct {
	mu           sync.Mutex
	clock        clock.Clock
	lockDuration time.Duration
	logger       *slog.Logger

	entities      map[string]*entity
	topics        map[string]map[string]struct{}
	seq           int64
	changed       chan struct{}
	history       []Operation
	stats         Stats
	faultChannels map[*Receiver]chan error

	dialFault    *fault
	sendFault    *fault
	receiveFault *fault
	adminFault   *fault
}

// Option configures a Broker
type Option func(*Broker)

// WithClock sets the time source for scheduling, expiry and locks
func WithClock(c clock.Clock) Option {
	return func(b *Broker) {
		b.clock = c
	}
}

// WithLockDuration sets how long a delivered message stays locked
func WithLockDuration(d time.Duration) Option {
	return func(b *Broker) {
		b.lockDuration = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates an empty namespace
func NewBroker(options ...Option) *Broker {
	b := &Broker{
		clock:         clock.New(),
		lockDuration:  DefaultLockDuration,
		logger:        slog.Default(),
		entities:      make(map[string]*entity),
		topics:        make(map[string]map[string]struct{}),
		changed:       make(chan struct{}),
		faultChannels: make(map[*Receiver]chan error),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Dial implements messaging.Dialer
func (b *Broker) Dial(ctx context.Context, cred credentials.Credential, opts messaging.DialOptions) (messaging.Transport, error) {
	if err := credentials.Validate(cred); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.dialFault.take(); err != nil {
		return nil, err
	}
	b.stats.Dials++

	logger := opts.Logger
	if logger == nil {
		logger = b.logger
	}
	return &Transport{broker: b, retry: opts.Retry, logger: logger}, nil
}

// Administrator returns an administrator bound directly to the broker
func (b *Broker) Administrator() messaging.Administrator {
	return &Admin{broker: b}
}

// FailDials makes the next times dials fail with err; negative times fails forever
func (b *Broker) FailDials(err error, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialFault = &fault{err: err, times: times}
}

// FailSends makes the next times send attempts fail with err; negative times fails forever
func (b *Broker) FailSends(err error, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendFault = &fault{err: err, times: times}
}

// FailReceives makes the next times receive calls fail with err; negative times fails forever
func (b *Broker) FailReceives(err error, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveFault = &fault{err: err, times: times}
}

// FailAdmin makes the next times administrative calls fail with err
func (b *Broker) FailAdmin(err error, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adminFault = &fault{err: err, times: times}
}

// RaiseFault delivers err to the fault channel of every open receiver
func (b *Broker) RaiseFault(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.faultChannels {
		select {
		case ch <- err:
		default:
		}
	}
}

// History returns a copy of all recorded operations in order
func (b *Broker) History() []Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Operation, len(b.history))
	copy(out, b.history)
	return out
}

// Stats returns the lifecycle counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Pending returns the envelopes still held by an entity, including locked and
// scheduled ones, in delivery order
func (b *Broker) Pending(ref contracts.EntityReference) []contracts.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entities[ref.Path()]
	if !ok {
		return nil
	}
	b.expireLocked(e, b.clock.Now())
	out := make([]contracts.Envelope, 0, len(e.messages))
	for _, m := range e.messages {
		out = append(out, m.env)
	}
	return out
}

// Exists reports whether the entity has been created
func (b *Broker) Exists(ref contracts.EntityReference) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ref.Kind == contracts.EntityTopic && ref.Subscription == "" {
		_, ok := b.topics[ref.Name]
		return ok
	}
	_, ok := b.entities[ref.Path()]
	return ok
}

func (b *Broker) record(kind, entity, messageID string) {
	b.history = append(b.history, Operation{Kind: kind, Entity: entity, MessageID: messageID, At: b.clock.Now()})
}

func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) enqueueLocked(ref contracts.EntityReference, envs []contracts.Envelope) error {
	var targets []*entity
	switch ref.Kind {
	case contracts.EntityQueue:
		e, ok := b.entities[ref.Path()]
		if !ok {
			return reliability.Permanent(fmt.Errorf("%w: %s", ErrEntityNotFound, ref))
		}
		targets = append(targets, e)
	case contracts.EntityTopic:
		subs, ok := b.topics[ref.Name]
		if !ok {
			return reliability.Permanent(fmt.Errorf("%w: %s", ErrEntityNotFound, ref))
		}
		names := make([]string, 0, len(subs))
		for name := range subs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			targets = append(targets, b.entities[contracts.TopicSubscription(ref.Name, name).Path()])
		}
	}

	now := b.clock.Now()
	for _, env := range envs {
		visibleAt := now
		if env.ScheduledEnqueueTime != nil && env.ScheduledEnqueueTime.After(now) {
			visibleAt = *env.ScheduledEnqueueTime
		}
		expiresAt, _ := env.ExpiresAt(visibleAt)
		for _, e := range targets {
			b.seq++
			e.messages = append(e.messages, &message{
				env:       env,
				seq:       b.seq,
				visibleAt: visibleAt,
				expiresAt: expiresAt,
			})
		}
	}
	b.notifyLocked()
	return nil
}

func (b *Broker) expireLocked(e *entity, now time.Time) {
	kept := e.messages[:0]
	for _, m := range e.messages {
		if !m.expiresAt.IsZero() && !now.Before(m.expiresAt) {
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(e.messages); i++ {
		e.messages[i] = nil
	}
	e.messages = kept
}

// nextLocked takes the first visible, unlocked message
func (b *Broker) nextLocked(e *entity, mode messaging.AckMode) *message {
	now := b.clock.Now()
	b.expireLocked(e, now)

	for i, m := range e.messages {
		if now.Before(m.visibleAt) {
			continue
		}
		if m.lockToken != "" && now.Before(m.lockedUntil) {
			continue
		}
		m.deliveryCount++
		if mode == messaging.AckReceiveAndDelete {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			m.lockToken = ""
			return m
		}
		m.lockToken = uuid.NewString()
		m.lockedUntil = now.Add(b.lockDuration)
		return m
	}
	return nil
}

func (b *Broker) completeLocked(path, token string) error {
	e, ok := b.entities[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, path)
	}
	now := b.clock.Now()
	for i, m := range e.messages {
		if m.lockToken != token {
			continue
		}
		if !now.Before(m.lockedUntil) {
			return ErrLockLost
		}
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
		b.record("complete", path, m.env.MessageID)
		b.notifyLocked()
		return nil
	}
	return ErrLockLost
}

// wakeups returns channels that fire when the broker or the clock changes
func (b *Broker) wakeups() (<-chan struct{}, <-chan struct{}) {
	var clockChanged <-chan struct{}
	if c, ok := b.clock.(interface{ Changed() <-chan struct{} }); ok {
		clockChanged = c.Changed()
	}
	return b.changed, clockChanged
}

func (b *Broker) retry(ctx context.Context, policy messaging.RetryPolicy, op string, fn func() error) error {
	return reliability.Retry(ctx, policy.Policy(), op, func(ctx context.Context) error {
		return fn()
	})
}
