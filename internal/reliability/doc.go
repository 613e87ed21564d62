// Package reliability executes retry policies for broker operations.
//
// A Policy describes either a fixed or an exponential delay sequence bounded by
// a maximum number of retries. NewBackoff turns it into a go-retry Backoff and
// Retry runs an operation under it, retrying only transient failures:
//
//	err := reliability.Retry(ctx, policy, "send", func(ctx context.Context) error {
//	    return sender.Send(ctx, env)
//	})
//
// Exhaustion is reported as a *RetryError carrying the attempt count and the
// last failure.
package reliability
