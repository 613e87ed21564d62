package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/servicebus-go/health"
	"github.com/glimte/servicebus-go/messaging"
)

func (a *app) dial(ctx context.Context) (messaging.Transport, error) {
	return a.settings.Dialer().Dial(ctx, a.cred, messaging.DialOptions{
		Retry:  a.settings.SenderConfig().Retry,
		Logger: a.logger,
	})
}

func newProvisionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the configured entity if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			transport, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer transport.Close(ctx)

			ref := a.settings.EntityReference()
			provisioner := messaging.NewProvisioner(messaging.ProvisioningPolicy{CanCreate: true}, transport,
				messaging.WithLogger(a.logger),
			)
			if err := provisioner.EnsureEntity(ctx, ref); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s is ready\n", ref)
			return nil
		},
	}
}

func newCheckCommand(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check connectivity and that the configured entity exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			transport, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer transport.Close(context.Background())

			if pinger, ok := transport.(health.Pinger); ok {
				a.health.Register(health.NewTransportChecker(a.settings.Transport, pinger))
			}
			admin, err := transport.Administrator()
			if err != nil {
				return err
			}
			a.health.Register(health.NewEntityChecker(admin, a.settings.EntityReference()))

			report := a.health.Check(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("namespace is %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall time allowed for the checks")
	return cmd
}
