package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// Mode selects the delay sequence of a Policy
type Mode int

const (
	// ModeFixed waits InitialDelay before every retry
	ModeFixed Mode = iota
	// ModeExponential doubles the delay on every retry up to MaxDelay
	ModeExponential
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeFixed:
		return "fixed"
	case ModeExponential:
		return "exponential"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Policy bounds how an operation is retried
type Policy struct {
	Mode         Mode
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
}

// Validate checks the policy values
func (p Policy) Validate() error {
	switch {
	case p.Mode != ModeFixed && p.Mode != ModeExponential:
		return fmt.Errorf("%w: unknown mode %s", ErrInvalidPolicy, p.Mode)
	case p.InitialDelay < 0:
		return fmt.Errorf("%w: initial delay must not be negative", ErrInvalidPolicy)
	case p.MaxDelay < 0:
		return fmt.Errorf("%w: max delay must not be negative", ErrInvalidPolicy)
	case p.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// Delay returns the wait before retry number attempt (zero based) without any cap on retries
func (p Policy) Delay(attempt int) time.Duration {
	if p.Mode == ModeFixed || attempt <= 0 {
		return p.capped(p.InitialDelay)
	}
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 {
			return p.MaxDelay
		}
	}
	return p.capped(d)
}

func (p Policy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// NewBackoff builds a fresh go-retry Backoff for the policy.
// The returned Backoff is stateful and must not be shared between operations.
func NewBackoff(p Policy) retry.Backoff {
	var b retry.Backoff
	switch {
	case p.InitialDelay <= 0:
		b = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	case p.Mode == ModeExponential:
		b = retry.NewExponential(p.InitialDelay)
	default:
		b = retry.NewConstant(p.InitialDelay)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(p.MaxRetries), b)
}

// Retry runs fn until it succeeds, fails permanently, the policy is
// exhausted or ctx is done.
//
// A permanent failure on the first attempt is returned unchanged. Once at
// least one retry happened, or the retries ran out, the last failure is
// wrapped in a *RetryError.
func Retry(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempts := 0

	err := retry.Do(ctx, NewBackoff(p), func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if attempts <= 1 && !IsTransient(err) {
		return err
	}

	return &RetryError{
		Op:        op,
		Attempts:  attempts,
		LastError: err,
		Duration:  time.Since(start),
	}
}
