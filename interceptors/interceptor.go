package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/servicebus-go/messaging"
)

// Interceptor wraps a message handler with a cross-cutting concern
type Interceptor[T any] interface {
	// Intercept processes a message and calls next to continue the chain
	Intercept(ctx context.Context, msg T, next messaging.MessageHandler[T]) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc adapts a function to Interceptor
type InterceptorFunc[T any] struct {
	name string
	fn   func(ctx context.Context, msg T, next messaging.MessageHandler[T]) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc[T any](name string, fn func(ctx context.Context, msg T, next messaging.MessageHandler[T]) error) *InterceptorFunc[T] {
	return &InterceptorFunc[T]{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc[T]) Intercept(ctx context.Context, msg T, next messaging.MessageHandler[T]) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc[T]) Name() string {
	return i.name
}

// Chain wraps handler so that interceptors run in the order given, handler last
func Chain[T any](handler messaging.MessageHandler[T], interceptors ...Interceptor[T]) messaging.MessageHandler[T] {
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor, next := interceptors[i], handler
		handler = func(ctx context.Context, msg T) error {
			return interceptor.Intercept(ctx, msg, next)
		}
	}
	return handler
}

// LoggingInterceptor logs every handled message with its duration
type LoggingInterceptor[T any] struct {
	logger *slog.Logger
	entity string
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor[T any](logger *slog.Logger, entity string) *LoggingInterceptor[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor[T]{logger: logger, entity: entity}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor[T]) Intercept(ctx context.Context, msg T, next messaging.MessageHandler[T]) error {
	start := time.Now()
	err := next(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.ErrorContext(ctx, "message processing failed",
			"entity", i.entity,
			"duration", duration,
			"error", err,
		)
		return err
	}
	i.logger.DebugContext(ctx, "message processed",
		"entity", i.entity,
		"duration", duration,
	)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor[T]) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds how long the rest of the chain may run. The
// chain runs on the caller's goroutine with a deadline on its context, so a
// handler must return once ctx is done. Work that outlives the deadline fails
// the message even if the handler reported success.
type TimeoutInterceptor[T any] struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor[T any](timeout time.Duration) *TimeoutInterceptor[T] {
	return &TimeoutInterceptor[T]{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor[T]) Intercept(ctx context.Context, msg T, next messaging.MessageHandler[T]) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next(timeoutCtx, msg)
	if ctxErr := timeoutCtx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("message processing timed out after %v: %w", i.timeout, errors.Join(ctxErr, err))
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor[T]) Name() string {
	return "TimeoutInterceptor"
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently completes the message without processing it
	SkipSilently SkipBehavior = iota
	// SkipWithLog completes the message and logs that it was skipped
	SkipWithLog
	// SkipWithError fails the message so it is redelivered
	SkipWithError
)

// FilteringInterceptor only lets messages through that match a predicate
type FilteringInterceptor[T any] struct {
	match    func(ctx context.Context, msg T) (bool, error)
	behavior SkipBehavior
	logger   *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor[T any](match func(ctx context.Context, msg T) (bool, error), behavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor[T]{match: match, behavior: behavior, logger: logger}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor[T]) Intercept(ctx context.Context, msg T, next messaging.MessageHandler[T]) error {
	ok, err := i.match(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if ok {
		return next(ctx, msg)
	}

	switch i.behavior {
	case SkipWithError:
		return ErrFiltered
	case SkipWithLog:
		i.logger.InfoContext(ctx, "message skipped by filter")
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor[T]) Name() string {
	return "FilteringInterceptor"
}
