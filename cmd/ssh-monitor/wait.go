package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/supporttools/ssh-monitor/pkg/harness"
	"github.com/supporttools/ssh-monitor/pkg/monitors"
)

func newWaitCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until every monitored target is up",
		Long: `wait connects to every target and blocks until each status command
exits 0, retrying at the configured interval. Without --timeout it waits
until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfiguration()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			mons, err := createMonitors(ctx, config, monitors.Dependencies{})
			if err != nil {
				return err
			}
			runner, err := harness.NewRunner(mons, harness.Options{})
			if err != nil {
				return err
			}

			start := time.Now()
			if err := runner.Setup(ctx); err != nil {
				return err
			}
			defer runner.Teardown()

			if err := runner.PreTestAll(ctx, 0); err != nil {
				return err
			}

			for _, m := range mons {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: up\n", m.GetName())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "all targets up after %v\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")
	return cmd
}
