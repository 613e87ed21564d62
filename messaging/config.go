package messaging

import (
	"fmt"
	"time"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/internal/reliability"
)

// RetryMode selects how delays between retries grow
type RetryMode int

const (
	// RetryFixed waits InitialDelay before every retry
	RetryFixed RetryMode = iota
	// RetryExponential doubles the delay up to MaxDelay
	RetryExponential
)

// String returns the mode name
func (m RetryMode) String() string {
	return m.policyMode().String()
}

func (m RetryMode) policyMode() reliability.Mode {
	switch m {
	case RetryFixed:
		return reliability.ModeFixed
	case RetryExponential:
		return reliability.ModeExponential
	default:
		return reliability.Mode(m)
	}
}

// RetryPolicy bounds retries of transport calls
type RetryPolicy struct {
	Mode         RetryMode
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
}

// Policy converts the policy for the retry executor
func (p RetryPolicy) Policy() reliability.Policy {
	return reliability.Policy{
		Mode:         p.Mode.policyMode(),
		InitialDelay: p.InitialDelay,
		MaxDelay:     p.MaxDelay,
		MaxRetries:   p.MaxRetries,
	}
}

// Delay returns the wait before retry number attempt (zero based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.Policy().Delay(attempt)
}

func (p RetryPolicy) validate(prefix string) error {
	if p.Mode != RetryFixed && p.Mode != RetryExponential {
		return &contracts.ConfigurationError{Field: prefix + ".mode", Reason: fmt.Sprintf("unknown retry mode %d", int(p.Mode))}
	}
	if err := p.Policy().Validate(); err != nil {
		return &contracts.ConfigurationError{Field: prefix, Reason: "is invalid", Err: err}
	}
	return nil
}

const (
	// DefaultInitialDelay is the first retry delay
	DefaultInitialDelay = 800 * time.Millisecond
	// DefaultMaxDelay caps retry delays
	DefaultMaxDelay = time.Minute
	// DefaultReceiverMaxRetries bounds receive-side retries
	DefaultReceiverMaxRetries = 3
	// DefaultSenderMaxRetries bounds send-side retries
	DefaultSenderMaxRetries = 10
	// DefaultMaxConcurrentCalls bounds concurrent callbacks per receiver
	DefaultMaxConcurrentCalls = 10
)

// DefaultRetryPolicy returns an exponential policy with the given retry bound
func DefaultRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		Mode:         RetryExponential,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		MaxRetries:   maxRetries,
	}
}

// AckMode selects how received messages are settled
type AckMode int

const (
	// AckLockAndComplete locks each message and completes it after a successful callback
	AckLockAndComplete AckMode = iota
	// AckReceiveAndDelete removes each message from the broker as it is delivered
	AckReceiveAndDelete
)

// String returns the mode name
func (m AckMode) String() string {
	switch m {
	case AckLockAndComplete:
		return "lock-and-complete"
	case AckReceiveAndDelete:
		return "receive-and-delete"
	default:
		return fmt.Sprintf("AckMode(%d)", int(m))
	}
}

// ProvisioningPolicy says whether missing entities may be created
type ProvisioningPolicy struct {
	CanCreate bool
}

// SenderConfig configures a Sender
type SenderConfig struct {
	Provisioning ProvisioningPolicy
	Retry        RetryPolicy
}

// DefaultSenderConfig returns the sender defaults
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{Retry: DefaultRetryPolicy(DefaultSenderMaxRetries)}
}

// Validate checks the sender configuration
func (c SenderConfig) Validate() error {
	return c.Retry.validate("sender.retry")
}

// ReceiverConfig configures a Receiver
type ReceiverConfig struct {
	// MaxConcurrentCalls is the ceiling on callbacks running at once
	MaxConcurrentCalls int
	AckMode            AckMode
	Provisioning       ProvisioningPolicy
	Retry              RetryPolicy
}

// DefaultReceiverConfig returns the receiver defaults
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		MaxConcurrentCalls: DefaultMaxConcurrentCalls,
		AckMode:            AckLockAndComplete,
		Retry:              DefaultRetryPolicy(DefaultReceiverMaxRetries),
	}
}

// Validate checks the receiver configuration
func (c ReceiverConfig) Validate() error {
	if c.MaxConcurrentCalls < 1 {
		return &contracts.ConfigurationError{
			Field:  "receiver.max_concurrent_calls",
			Reason: fmt.Sprintf("must be at least 1, got %d", c.MaxConcurrentCalls),
		}
	}
	if c.AckMode != AckLockAndComplete && c.AckMode != AckReceiveAndDelete {
		return &contracts.ConfigurationError{Field: "receiver.ack_mode", Reason: fmt.Sprintf("unknown ack mode %d", int(c.AckMode))}
	}
	return c.Retry.validate("receiver.retry")
}
