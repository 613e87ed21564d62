package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	servicebus "github.com/glimte/servicebus-go"
	"github.com/glimte/servicebus-go/config"
	"github.com/glimte/servicebus-go/credentials"
	"github.com/glimte/servicebus-go/health"
	"github.com/glimte/servicebus-go/metrics"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds what every command builds from the loaded settings
type app struct {
	configPath string
	entity     entityFlags

	settings *config.Settings
	logger   *slog.Logger
	cred     credentials.Credential
	factory  *servicebus.Factory
	prom     *metrics.Prometheus
	stats    *metrics.Memory
	health   *health.Registry
}

type entityFlags struct {
	queue        string
	topic        string
	subscription string
}

func (f entityFlags) override(s *config.Settings) {
	switch {
	case f.queue != "":
		s.Entity = config.EntitySettings{Kind: "queue", Name: f.queue}
	case f.topic != "":
		s.Entity = config.EntitySettings{Kind: "topic", Name: f.topic, Subscription: f.subscription}
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "busctl",
		Short: "Send and receive JSON messages",
		Long: `busctl sends JSON documents to a queue or topic and receives them from a
queue or subscription, on Azure Service Bus or RabbitMQ.

Settings come from --config and SERVICEBUS_* environment variables, for
example SERVICEBUS_CREDENTIAL_CONNECTION_STRING or SERVICEBUS_ENTITY_NAME.`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.load() },
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Config file (yaml, json or toml)")
	flags.StringVar(&a.entity.queue, "queue", "", "Queue name, overrides the configured entity")
	flags.StringVar(&a.entity.topic, "topic", "", "Topic name, overrides the configured entity")
	flags.StringVar(&a.entity.subscription, "subscription", "", "Subscription of --topic to receive from")
	root.MarkFlagsMutuallyExclusive("queue", "topic")

	root.AddCommand(
		newSendCommand(a),
		newReceiveCommand(a),
		newProvisionCommand(a),
		newCheckCommand(a),
	)
	return root
}

func (a *app) load() error {
	settings, err := config.Load(a.configPath, a.entity.override)
	if err != nil {
		return err
	}

	cred, err := settings.NewCredential()
	if err != nil {
		return err
	}

	a.settings = settings
	a.cred = cred
	a.logger = settings.Logger(os.Stderr)
	a.prom = metrics.NewPrometheus()
	a.stats = metrics.NewMemory()
	a.health = health.NewRegistry()
	a.health.Register(health.NewGoroutineChecker(500, 1000))
	a.factory = servicebus.NewFactory(
		servicebus.WithDialer(settings.Dialer()),
		servicebus.WithLogger(a.logger),
		servicebus.WithMetrics(metrics.Multi{a.prom, a.stats}),
	)
	return nil
}

// serve exposes /metrics and /healthz until ctx is done. It does nothing
// when no listen address is configured.
func (a *app) serve(ctx context.Context) {
	addr := a.settings.HTTP.Addr
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	mux.Handle("/healthz", health.NewHandler(a.health, 5*time.Second))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		a.logger.Info("serving metrics and health", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http listener failed", "addr", addr, "error", err)
		}
	}()
}
