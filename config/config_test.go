package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/credentials"
	"github.com/glimte/servicebus-go/messaging"
	"github.com/glimte/servicebus-go/transports/azservicebus"
	"github.com/glimte/servicebus-go/transports/rabbitmq"
)

const minimal = `
credential:
  connection_string: Endpoint=sb://contoso.servicebus.windows.net/;SharedAccessKeyName=k;SharedAccessKey=v
entity:
  name: orders
`

func TestLoadDefaults(t *testing.T) {
	s, err := LoadFromBytes("yaml", []byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, TransportAzure, s.Transport)
	assert.Equal(t, contracts.Queue("orders"), s.EntityReference())
	assert.Equal(t, messaging.DefaultSenderConfig(), s.SenderConfig())
	assert.Equal(t, messaging.DefaultReceiverConfig(), s.ReceiverConfig())
	assert.Equal(t, 30*time.Second, s.RabbitMQ.LockDuration)
	assert.Equal(t, "/", s.RabbitMQ.Vhost)
	assert.Equal(t, "amqp-tcp", s.Azure.TransportType)
	assert.Equal(t, 10*time.Second, s.RabbitMQ.ConfirmTimeout)
	assert.Equal(t, 5*time.Second, s.RabbitMQ.ChannelWait)
	assert.Zero(t, s.RabbitMQ.Prefetch)

	cred, err := s.NewCredential()
	require.NoError(t, err)
	assert.IsType(t, credentials.ConnectionSecret{}, cred)
	assert.IsType(t, &azservicebus.Dialer{}, s.Dialer())
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport: rabbitmq
credential:
  kind: shared-key
  namespace: broker.internal
  key_name: app
entity:
  kind: topic
  name: events
  subscription: audit
receiver:
  max_concurrent_calls: 4
  ack_mode: receive-and-delete
  can_create: true
  retry:
    mode: fixed
    initial_delay: 250ms
    max_retries: 2
rabbitmq:
  insecure: true
  delayed_exchange: delayed
  lock_duration: 5s
  prefetch: 4
`), 0o600))

	t.Setenv("SERVICEBUS_CREDENTIAL_KEY", "from-env")
	t.Setenv("SERVICEBUS_RECEIVER_MAX_CONCURRENT_CALLS", "8")
	t.Setenv("SERVICEBUS_LOG_LEVEL", "debug")

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, contracts.TopicSubscription("events", "audit"), s.EntityReference())
	assert.Equal(t, messaging.ReceiverConfig{
		MaxConcurrentCalls: 8,
		AckMode:            messaging.AckReceiveAndDelete,
		Provisioning:       messaging.ProvisioningPolicy{CanCreate: true},
		Retry: messaging.RetryPolicy{
			Mode:         messaging.RetryFixed,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     time.Minute,
			MaxRetries:   2,
		},
	}, s.ReceiverConfig())
	require.NoError(t, s.ReceiverConfig().Validate())

	cred, err := s.NewCredential()
	require.NoError(t, err)
	assert.Equal(t, credentials.NamespaceSharedKey{Namespace: "broker.internal", KeyName: "app", Key: "from-env"}, cred)
	assert.IsType(t, &rabbitmq.Dialer{}, s.Dialer())
	assert.Equal(t, 4, s.RabbitMQ.Prefetch)
	assert.True(t, s.Logger(&bytes.Buffer{}).Enabled(context.Background(), -4))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, contracts.IsConfigurationError(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "missing entity name",
			yaml:  "credential:\n  connection_string: x\n",
			field: "entity.name",
		},
		{
			name:  "missing connection string",
			yaml:  "entity:\n  name: q\n",
			field: "credential.connection_string",
		},
		{
			name:  "shared key without key",
			yaml:  "credential:\n  kind: shared-key\n  namespace: ns\n  key_name: k\nentity:\n  name: q\n",
			field: "credential.key",
		},
		{
			name:  "sas without namespace",
			yaml:  "credential:\n  kind: sas\n  signature: sig\nentity:\n  name: q\n",
			field: "credential.namespace",
		},
		{
			name:  "unknown transport",
			yaml:  "transport: kafka\n" + minimal,
			field: "transport",
		},
		{
			name:  "subscription on a queue",
			yaml:  "credential:\n  connection_string: x\nentity:\n  name: q\n  subscription: s\n",
			field: "entity.subscription",
		},
		{
			name:  "zero concurrency",
			yaml:  minimal + "receiver:\n  max_concurrent_calls: 0\n",
			field: "receiver.max_concurrent_calls",
		},
		{
			name:  "unknown retry mode",
			yaml:  minimal + "sender:\n  retry:\n    mode: linear\n",
			field: "sender.retry.mode",
		},
		{
			name:  "unknown azure transport type",
			yaml:  minimal + "azure:\n  transport_type: http\n",
			field: "azure.transport_type",
		},
		{
			name:  "zero confirm timeout",
			yaml:  minimal + "rabbitmq:\n  confirm_timeout: 0s\n",
			field: "rabbitmq.confirm_timeout",
		},
		{
			name:  "client id without secret",
			yaml:  "credential:\n  kind: token\n  namespace: ns\n  tenant_id: t\n  client_id: c\nentity:\n  name: q\n",
			field: "credential.client_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes("yaml", []byte(tt.yaml))
			require.Error(t, err)

			var cfgErr *contracts.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLoadFromBytesRequiresType(t *testing.T) {
	_, err := LoadFromBytes(" ", []byte(minimal))
	assert.True(t, contracts.IsConfigurationError(err))
}

func TestTokenCredential(t *testing.T) {
	s, err := LoadFromBytes("yaml", []byte(`
credential:
  kind: token
  namespace: contoso.servicebus.windows.net
  tenant_id: 00000000-0000-0000-0000-000000000000
  client_id: 11111111-1111-1111-1111-111111111111
  client_secret: secret
entity:
  name: orders
`))
	require.NoError(t, err)

	cred, err := s.NewCredential()
	require.NoError(t, err)
	token, ok := cred.(credentials.NamespaceToken)
	require.True(t, ok)
	assert.Equal(t, "contoso.servicebus.windows.net", token.Namespace)
	assert.NotNil(t, token.Provider)
}

func TestWebSocketsSetting(t *testing.T) {
	t.Setenv("SERVICEBUS_AZURE_TRANSPORT_TYPE", "amqp-websockets")
	s, err := LoadFromBytes("yaml", []byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "amqp-websockets", s.Azure.TransportType)
	assert.Equal(t, azservicebus.NewDialer(azservicebus.WithWebSockets()), s.Dialer())
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	s := &Settings{Log: LogSettings{Level: "warn", Format: "json"}}
	logger := s.Logger(&buf)

	logger.Info("dropped")
	logger.Warn("kept", "entity", "queue/orders")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"msg":"kept"`)
}

func TestOverridesApplyBeforeValidation(t *testing.T) {
	s, err := LoadFromBytes("yaml", []byte("credential:\n  connection_string: x\n"), func(s *Settings) {
		s.Entity = EntitySettings{Kind: "topic", Name: "events", Subscription: "audit"}
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.TopicSubscription("events", "audit"), s.EntityReference())
}
