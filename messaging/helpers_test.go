package messaging_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/credentials"
	"github.com/glimte/servicebus-go/messaging"
	"github.com/glimte/servicebus-go/transports/inmemory"
)

type order struct {
	ID       string  `json:"id"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

var fastRetry = messaging.RetryPolicy{
	Mode:         messaging.RetryFixed,
	InitialDelay: time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
	MaxRetries:   2,
}

var testCred = credentials.ConnectionSecret{ConnectionString: "Endpoint=sb://inmemory/"}

func dialTransport(t *testing.T, b *inmemory.Broker) messaging.Transport {
	t.Helper()
	tr, err := b.Dial(context.Background(), testCred, messaging.DialOptions{Retry: fastRetry})
	require.NoError(t, err)
	return tr
}

func createQueue(t *testing.T, b *inmemory.Broker, name string) contracts.EntityReference {
	t.Helper()
	require.NoError(t, b.Administrator().CreateQueue(context.Background(), name, messaging.DefaultEntityProperties()))
	return contracts.Queue(name)
}

func newTestSender[T any](t *testing.T, b *inmemory.Broker, ref contracts.EntityReference, opts ...messaging.Option) *messaging.Sender[T] {
	t.Helper()
	tr := dialTransport(t, b)
	ts, err := tr.NewSender(context.Background(), ref)
	require.NoError(t, err)
	return messaging.NewSender[T](ref, tr, ts, opts...)
}

func newTestReceiver[T any](t *testing.T, b *inmemory.Broker, ref contracts.EntityReference, cfg messaging.ReceiverConfig, opts ...messaging.Option) *messaging.Receiver[T] {
	t.Helper()
	tr := dialTransport(t, b)
	tr2, err := tr.NewReceiver(context.Background(), ref, messaging.ReceiveOptions{AckMode: cfg.AckMode, Prefetch: cfg.MaxConcurrentCalls})
	require.NoError(t, err)
	r := messaging.NewReceiver[T](ref, tr, tr2, cfg, opts...)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func receiverConfig(concurrency int) messaging.ReceiverConfig {
	cfg := messaging.DefaultReceiverConfig()
	cfg.MaxConcurrentCalls = concurrency
	cfg.Retry = fastRetry
	return cfg
}

// errorSink collects errors passed to a receiver's error callback
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.errs))
	copy(out, s.errs)
	return out
}

func (s *errorSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

// recordingMetrics records every call for assertions
type recordingMetrics struct {
	mu       sync.Mutex
	sends    []int
	sendErrs int
	outcomes map[string]int
	faults   map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{outcomes: make(map[string]int), faults: make(map[string]int)}
}

func (m *recordingMetrics) RecordSend(entity string, count int, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, count)
	if err != nil {
		m.sendErrs++
	}
}

func (m *recordingMetrics) RecordReceive(entity string, outcome string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *recordingMetrics) RecordTransportFault(entity string, op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op]++
}

func (m *recordingMetrics) outcome(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[name]
}
