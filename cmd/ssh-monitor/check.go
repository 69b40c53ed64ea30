package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/supporttools/ssh-monitor/pkg/harness"
	"github.com/supporttools/ssh-monitor/pkg/monitors"
	"github.com/supporttools/ssh-monitor/pkg/report"
	"github.com/supporttools/ssh-monitor/pkg/types"
)

func newCheckCmd(opts *globalOptions) *cobra.Command {
	var noRestart bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one liveness check per monitor and print the reports",
		Long: `check runs each monitor's status command once, exactly as after a test.
A failing target is restarted unless --no-restart is given. Reports are
printed as JSON and the exit status is 1 when any report failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfiguration()
			if err != nil {
				return err
			}
			if noRestart {
				config.Monitors = withoutRestart(config.Monitors)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			reports, err := runCheck(ctx, config)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, reports); err != nil {
				return err
			}
			if anyFailed(reports) {
				return &exitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noRestart, "no-restart", false, "Report failures without running the restart command")
	return cmd
}

// runCheck performs a post-test check on every monitor. Monitors are not
// set up first, so an unreachable target shows up as a failed report
// rather than an error.
func runCheck(ctx context.Context, config *types.SSHMonitorConfig) ([]*report.Report, error) {
	mons, err := createMonitors(ctx, config, monitors.Dependencies{})
	if err != nil {
		return nil, err
	}

	runner, err := harness.NewRunner(mons, harness.Options{})
	if err != nil {
		return nil, err
	}
	defer runner.Teardown()

	return runner.PostTestAll(ctx)
}

// withoutRestart returns copies of configs with the restart command removed.
func withoutRestart(configs []types.MonitorConfig) []types.MonitorConfig {
	out := make([]types.MonitorConfig, len(configs))
	for i, mc := range configs {
		cfg := make(map[string]interface{}, len(mc.Config))
		for k, v := range mc.Config {
			if k != "restartCommand" {
				cfg[k] = v
			}
		}
		mc.Config = cfg
		out[i] = mc
	}
	return out
}

func anyFailed(reports []*report.Report) bool {
	for _, r := range reports {
		if r.IsFailed() {
			return true
		}
	}
	return false
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
