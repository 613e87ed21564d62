package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	servicebus "github.com/glimte/servicebus-go"
	"github.com/glimte/servicebus-go/health"
	"github.com/glimte/servicebus-go/interceptors"
)

func newReceiveCommand(a *app) *cobra.Command {
	var (
		count          int64
		timeout        time.Duration
		handlerTimeout time.Duration
		stats          bool
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Print received messages as JSON lines",
		Long: `Receive from the configured queue or subscription and print each message
on its own line until interrupted, --count messages were handled or --timeout
elapsed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			runCtx, stop := context.WithCancel(ctx)
			defer stop()

			cfg := a.settings.ReceiverConfig()
			receiver, err := servicebus.NewReceiver[json.RawMessage](ctx, a.factory, a.cred, a.settings.EntityReference(), &cfg)
			if err != nil {
				return err
			}
			defer receiver.Close(context.Background())

			a.health.Register(health.NewReceiverChecker(receiver))
			a.serve(runCtx)

			out := &lineWriter{w: cmd.OutOrStdout()}
			var handled atomic.Int64
			handler := interceptors.Chain[json.RawMessage](func(ctx context.Context, msg json.RawMessage) error {
				if err := out.write(msg); err != nil {
					return err
				}
				if n := handled.Add(1); count > 0 && n >= count {
					stop()
				}
				return nil
			},
				interceptors.NewLoggingInterceptor[json.RawMessage](a.logger, receiver.Entity().String()),
				interceptors.NewTimeoutInterceptor[json.RawMessage](handlerTimeout),
			)

			sub, err := receiver.Subscribe(runCtx, handler, func(err error) {
				a.logger.Warn("receive failed", "entity", receiver.Entity().String(), "error", err)
			})
			if err != nil {
				return err
			}
			sub.Wait()

			a.logger.Info("receiver finished", "entity", receiver.Entity().String(), "handled", handled.Load())
			if stats {
				enc := json.NewEncoder(cmd.ErrOrStderr())
				enc.SetIndent("", "  ")
				return enc.Encode(a.stats.Summary())
			}
			return nil
		},
	}

	cmd.Flags().Int64VarP(&count, "count", "n", 0, "Stop after this many messages, 0 for no limit")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop after this long, 0 for no limit")
	cmd.Flags().DurationVar(&handlerTimeout, "handler-timeout", 30*time.Second, "Fail a message whose handling takes longer")
	cmd.Flags().BoolVar(&stats, "stats", false, "Print a metrics summary to stderr on exit")
	return cmd
}

// lineWriter serialises output from concurrent callbacks
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(msg json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.w, "%s\n", msg)
	return err
}
