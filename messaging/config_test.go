package messaging_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/messaging"
)

func TestDefaults(t *testing.T) {
	rc := messaging.DefaultReceiverConfig()
	assert.Equal(t, 10, rc.MaxConcurrentCalls)
	assert.Equal(t, messaging.AckLockAndComplete, rc.AckMode)
	assert.False(t, rc.Provisioning.CanCreate)
	assert.Equal(t, messaging.RetryPolicy{
		Mode:         messaging.RetryExponential,
		InitialDelay: 800 * time.Millisecond,
		MaxDelay:     time.Minute,
		MaxRetries:   3,
	}, rc.Retry)

	sc := messaging.DefaultSenderConfig()
	assert.Equal(t, 10, sc.Retry.MaxRetries)
	assert.Equal(t, messaging.RetryExponential, sc.Retry.Mode)
}

func TestReceiverConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*messaging.ReceiverConfig)
		field  string
	}{
		{"defaults", func(*messaging.ReceiverConfig) {}, ""},
		{"single worker", func(c *messaging.ReceiverConfig) { c.MaxConcurrentCalls = 1 }, ""},
		{"zero workers", func(c *messaging.ReceiverConfig) { c.MaxConcurrentCalls = 0 }, "receiver.max_concurrent_calls"},
		{"unknown ack mode", func(c *messaging.ReceiverConfig) { c.AckMode = messaging.AckMode(9) }, "receiver.ack_mode"},
		{"unknown retry mode", func(c *messaging.ReceiverConfig) { c.Retry.Mode = messaging.RetryMode(4) }, "receiver.retry.mode"},
		{"negative retries", func(c *messaging.ReceiverConfig) { c.Retry.MaxRetries = -1 }, "receiver.retry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := messaging.DefaultReceiverConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *contracts.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestSenderConfigValidate(t *testing.T) {
	cfg := messaging.DefaultSenderConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Retry.InitialDelay = -time.Second
	assert.True(t, contracts.IsConfigurationError(cfg.Validate()))
}

func TestRetryPolicyDelay(t *testing.T) {
	p := messaging.DefaultRetryPolicy(3)
	assert.Equal(t, 800*time.Millisecond, p.Delay(0))
	assert.Equal(t, 1600*time.Millisecond, p.Delay(1))
	assert.Equal(t, time.Minute, p.Delay(20))
	assert.Equal(t, "exponential", p.Mode.String())
}
