package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/contracts"
)

func TestPolicyDelay(t *testing.T) {
	t.Run("exponential doubles up to max", func(t *testing.T) {
		p := Policy{Mode: ModeExponential, InitialDelay: 800 * time.Millisecond, MaxDelay: time.Minute, MaxRetries: 3}

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 800 * time.Millisecond},
			{1, 1600 * time.Millisecond},
			{2, 3200 * time.Millisecond},
			{6, 51200 * time.Millisecond},
			{7, time.Minute},
			{100, time.Minute},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, p.Delay(tt.attempt))
			})
		}
	})

	t.Run("fixed returns initial delay", func(t *testing.T) {
		p := Policy{Mode: ModeFixed, InitialDelay: 250 * time.Millisecond, MaxDelay: time.Second}
		for i := 0; i < 5; i++ {
			assert.Equal(t, 250*time.Millisecond, p.Delay(i))
		}
	})
}

func TestNewBackoff(t *testing.T) {
	t.Run("exponential sequence is capped and bounded", func(t *testing.T) {
		b := NewBackoff(Policy{Mode: ModeExponential, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, MaxRetries: 4})

		var got []time.Duration
		for {
			d, stop := b.Next()
			if stop {
				break
			}
			got = append(got, d)
		}
		assert.Equal(t, []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			300 * time.Millisecond,
			300 * time.Millisecond,
		}, got)
	})

	t.Run("fixed sequence", func(t *testing.T) {
		b := NewBackoff(Policy{Mode: ModeFixed, InitialDelay: 50 * time.Millisecond, MaxRetries: 2})

		d, stop := b.Next()
		assert.False(t, stop)
		assert.Equal(t, 50*time.Millisecond, d)
		d, stop = b.Next()
		assert.False(t, stop)
		assert.Equal(t, 50*time.Millisecond, d)
		_, stop = b.Next()
		assert.True(t, stop)
	})

	t.Run("zero retries stops immediately", func(t *testing.T) {
		b := NewBackoff(Policy{Mode: ModeExponential, InitialDelay: time.Second, MaxRetries: 0})
		_, stop := b.Next()
		assert.True(t, stop)
	})
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"defaults", Policy{Mode: ModeExponential, InitialDelay: 800 * time.Millisecond, MaxDelay: time.Minute, MaxRetries: 3}, false},
		{"zero values", Policy{}, false},
		{"unknown mode", Policy{Mode: Mode(5)}, true},
		{"negative initial", Policy{InitialDelay: -1}, true},
		{"negative max", Policy{MaxDelay: -1}, true},
		{"negative retries", Policy{MaxRetries: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPolicy)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	fast := Policy{Mode: ModeFixed, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 3}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), fast, "send", func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("connection reset")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("exhaustion reports attempts", func(t *testing.T) {
		cause := errors.New("server busy")
		var calls int32
		err := Retry(context.Background(), fast, "send", func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return cause
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 4, retryErr.Attempts)
		assert.Equal(t, "send", retryErr.Op)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	})

	t.Run("caller faults are not retried", func(t *testing.T) {
		argErr := &contracts.ArgumentError{Argument: "items", Reason: "must not be empty"}
		var calls int32
		err := Retry(context.Background(), fast, "send", func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return argErr
		})

		assert.Same(t, argErr, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("permanent marker stops retries", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), fast, "send", func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return Permanent(errors.New("unauthorized"))
		})

		assert.Error(t, err)
		assert.False(t, IsTransient(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("context cancellation stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := Policy{Mode: ModeFixed, InitialDelay: time.Hour, MaxRetries: 5}

		done := make(chan error, 1)
		go func() {
			done <- Retry(ctx, slow, "send", func(ctx context.Context) error {
				return errors.New("unavailable")
			})
		}()
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("retry did not observe cancellation")
		}
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("io timeout"), true},
		{"transient marker", Transient(errors.New("x")), true},
		{"permanent marker", Permanent(errors.New("x")), false},
		{"wrapped permanent", fmt.Errorf("send: %w", Permanent(errors.New("x"))), false},
		{"non retryable sentinel", fmt.Errorf("x: %w", ErrNonRetryable), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"configuration", &contracts.ConfigurationError{Field: "f", Reason: "r"}, false},
		{"argument", &contracts.ArgumentError{Argument: "a", Reason: "r"}, false},
		{"serialization", &contracts.SerializationError{Op: "encode", Err: errors.New("x")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}
