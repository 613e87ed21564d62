package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/servicebus-go/contracts"
)

var (
	// ErrNonRetryable marks a failure that must not be retried
	ErrNonRetryable = errors.New("retry: error is not retryable")
	// ErrInvalidPolicy is returned for a policy with negative or unknown values
	ErrInvalidPolicy = errors.New("retry: invalid policy")
)

// RetryError represents a retry operation that gave up
type RetryError struct {
	Op        string
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d attempts over %v: %v",
		e.Op, e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// RetryableError wraps an error to state explicitly whether it may be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: false}
}

// Transient marks err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: true}
}

// IsTransient reports whether err may succeed when the operation is repeated.
//
// Caller faults (argument, configuration, serialization) and context
// cancellation are never transient. Errors that state their own retryability
// are honoured. Anything else is treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	switch {
	case errors.Is(err, ErrNonRetryable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case contracts.IsArgumentError(err),
		contracts.IsConfigurationError(err),
		contracts.IsSerializationError(err):
		return false
	}

	return true
}
