// Package interceptors wraps messaging.MessageHandler callbacks with
// cross-cutting concerns.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs the outcome and duration of each callback
//   - TimeoutInterceptor: fails callbacks that run too long
//   - FilteringInterceptor: completes or rejects messages that do not match a predicate
//
// Example usage:
//
//	handler := interceptors.Chain(handleOrder,
//		interceptors.NewLoggingInterceptor[Order](logger, "queue/orders"),
//		interceptors.NewTimeoutInterceptor[Order](30*time.Second),
//	)
//	sub, err := receiver.Subscribe(ctx, handler, onError)
//
// Interceptors run in the order they are passed to Chain, with the final
// handler called last.
package interceptors

import "errors"

// ErrFiltered is returned by a FilteringInterceptor configured with SkipWithError
var ErrFiltered = errors.New("interceptors: message filtered")
