package servicebus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/credentials"
	"github.com/glimte/servicebus-go/messaging"
	"github.com/glimte/servicebus-go/transports/inmemory"
)

type invoice struct {
	Number string  `json:"number"`
	Amount float64 `json:"amount"`
}

type mockDialer struct {
	mock.Mock
}

func (m *mockDialer) Dial(ctx context.Context, cred credentials.Credential, opts messaging.DialOptions) (messaging.Transport, error) {
	args := m.Called(ctx, cred, opts)
	if t := args.Get(0); t != nil {
		return t.(messaging.Transport), args.Error(1)
	}
	return nil, args.Error(1)
}

var cred = credentials.NamespaceSharedKey{Namespace: "contoso.servicebus.windows.net", KeyName: "RootManageSharedAccessKey", Key: "c2VjcmV0"}

func TestFactoryValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		build func(f *Factory) error
		field string
	}{
		{
			name: "invalid credential",
			build: func(f *Factory) error {
				_, err := NewQueueSender[invoice](ctx, f, credentials.NamespaceSharedKey{Namespace: "ns"}, "invoices", nil)
				return err
			},
			field: "credential.key_name",
		},
		{
			name: "nil credential",
			build: func(f *Factory) error {
				_, err := NewQueueReceiver[invoice](ctx, f, nil, "invoices", nil)
				return err
			},
			field: "credential",
		},
		{
			name: "empty queue name",
			build: func(f *Factory) error {
				_, err := NewQueueSender[invoice](ctx, f, cred, "", nil)
				return err
			},
			field: "entity.name",
		},
		{
			name: "receiver on topic without subscription",
			build: func(f *Factory) error {
				_, err := NewReceiver[invoice](ctx, f, cred, contracts.Topic("events"), nil)
				return err
			},
			field: "entity.subscription",
		},
		{
			name: "sender with subscription",
			build: func(f *Factory) error {
				_, err := NewSender[invoice](ctx, f, cred, contracts.TopicSubscription("events", "audit"), nil)
				return err
			},
			field: "entity.subscription",
		},
		{
			name: "zero concurrency",
			build: func(f *Factory) error {
				cfg := messaging.DefaultReceiverConfig()
				cfg.MaxConcurrentCalls = 0
				_, err := NewSubscriptionReceiver[invoice](ctx, f, cred, "events", "audit", &cfg)
				return err
			},
			field: "receiver.max_concurrent_calls",
		},
		{
			name: "negative sender retries",
			build: func(f *Factory) error {
				cfg := messaging.DefaultSenderConfig()
				cfg.Retry.MaxRetries = -1
				_, err := NewTopicSender[invoice](ctx, f, cred, "events", &cfg)
				return err
			},
			field: "sender.retry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &mockDialer{}
			f := NewFactory(WithDialer(dialer))

			err := tt.build(f)

			var cfgErr *contracts.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
			dialer.AssertNotCalled(t, "Dial", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestFactoryDialFailure(t *testing.T) {
	dialer := &mockDialer{}
	dialer.On("Dial", mock.Anything, cred, mock.Anything).Return(nil, errors.New("no route to host")).Once()
	f := NewFactory(WithDialer(dialer))

	_, err := NewQueueSender[invoice](context.Background(), f, cred, "invoices", nil)

	var terr *contracts.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dial", terr.Op)
	dialer.AssertExpectations(t)
}

func TestFactoryPassesRetryPolicyToDialer(t *testing.T) {
	b := inmemory.NewBroker()
	dialer := &mockDialer{}
	cfg := messaging.DefaultSenderConfig()
	cfg.Provisioning.CanCreate = true

	transport, err := b.Dial(context.Background(), cred, messaging.DialOptions{})
	require.NoError(t, err)
	dialer.On("Dial", mock.Anything, cred, mock.MatchedBy(func(o messaging.DialOptions) bool {
		return o.Retry == cfg.Retry && o.Logger != nil && o.Clock != nil
	})).Return(transport, nil).Once()

	s, err := NewQueueSender[invoice](context.Background(), NewFactory(WithDialer(dialer)), cred, "invoices", &cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))
	dialer.AssertExpectations(t)
}

func TestFactoryEndToEnd(t *testing.T) {
	ctx := context.Background()
	b := inmemory.NewBroker()
	f := NewFactory(WithDialer(b))

	sendCfg := messaging.DefaultSenderConfig()
	sendCfg.Provisioning.CanCreate = true
	recvCfg := messaging.DefaultReceiverConfig()
	recvCfg.Provisioning.CanCreate = true
	recvCfg.MaxConcurrentCalls = 2

	r, err := NewSubscriptionReceiver[invoice](ctx, f, cred, "invoices", "accounting", &recvCfg)
	require.NoError(t, err)
	defer r.Close(ctx)
	assert.Equal(t, messaging.StateIdle, r.State())

	s, err := NewTopicSender[invoice](ctx, f, cred, "invoices", &sendCfg)
	require.NoError(t, err)
	defer s.Close(ctx)

	var total atomic.Int64
	_, err = r.Subscribe(ctx, func(ctx context.Context, inv invoice) error {
		total.Add(int64(inv.Amount))
		return nil
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.SendAsJSON(ctx, invoice{Number: "1", Amount: 10}))
	require.NoError(t, s.SendBatchAsJSON(ctx, []invoice{{Number: "2", Amount: 20}, {Number: "3", Amount: 30}}))

	require.Eventually(t, func() bool { return total.Load() == 60 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, b.Stats().Dials)
}

func TestFactoryProvisioningFailureReleasesTransport(t *testing.T) {
	ctx := context.Background()
	b := inmemory.NewBroker()
	b.FailAdmin(errors.New("forbidden"), 1)
	cfg := messaging.DefaultReceiverConfig()
	cfg.Provisioning.CanCreate = true

	_, err := NewQueueReceiver[invoice](ctx, NewFactory(WithDialer(b)), cred, "invoices", &cfg)

	assert.True(t, contracts.IsProvisioningError(err))
	assert.Equal(t, 1, b.Stats().Dials)
	assert.Equal(t, 1, b.Stats().TransportsClosed)
}

func TestFactoryWithoutProvisioning(t *testing.T) {
	ctx := context.Background()
	b := inmemory.NewBroker()

	s, err := NewQueueSender[invoice](ctx, NewFactory(WithDialer(b)), cred, "invoices", nil)
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.False(t, b.Exists(contracts.Queue("invoices")))
	assert.Equal(t, 0, b.Stats().AdminCalls)
	assert.True(t, contracts.IsTransportError(s.SendAsJSON(ctx, invoice{Number: "x"})))
}
