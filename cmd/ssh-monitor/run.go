package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/supporttools/ssh-monitor/pkg/exporters/prometheus"
	"github.com/supporttools/ssh-monitor/pkg/harness"
	"github.com/supporttools/ssh-monitor/pkg/logger"
	"github.com/supporttools/ssh-monitor/pkg/monitors"
	"github.com/supporttools/ssh-monitor/pkg/report"
	"github.com/supporttools/ssh-monitor/pkg/types"
)

type runOptions struct {
	iterations  int
	metricsAddr string
	testTimeout time.Duration
	jsonOutput  bool
}

// iterationOutput is the JSON form of one iteration.
type iterationOutput struct {
	Iteration int              `json:"iteration"`
	Failed    bool             `json:"failed"`
	TestError string           `json:"testError,omitempty"`
	Reports   []*report.Report `json:"reports"`
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	ro := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [flags] [-- test command...]",
		Short: "Run test iterations with liveness checks around each one",
		Long: `run sets up every monitor and then, for each iteration, waits for the
targets to come up, runs the test command (from the arguments after -- or
harness.testCommand in the configuration), and checks the targets again.
The iteration number is exported to the test command as ` + harness.IterationEnv + `.
The exit status is 1 when any iteration failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfiguration()
			if err != nil {
				return err
			}
			return runIterations(cmd, config, ro, testArgs(cmd, args))
		},
	}

	cmd.Flags().IntVarP(&ro.iterations, "iterations", "n", 0, "Number of iterations (default from config)")
	cmd.Flags().StringVar(&ro.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&ro.testTimeout, "test-timeout", 0, "Bound each test command run (default from config)")
	cmd.Flags().BoolVar(&ro.jsonOutput, "json", false, "Print iteration results as JSON")
	return cmd
}

// testArgs returns the arguments given after --, if any.
func testArgs(cmd *cobra.Command, args []string) []string {
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		return args[dash:]
	}
	return args
}

func runIterations(cmd *cobra.Command, config *types.SSHMonitorConfig, ro *runOptions, argv []string) error {
	iterations := config.Harness.Iterations
	if ro.iterations > 0 {
		iterations = ro.iterations
	}
	timeout := config.Harness.TestTimeout
	if ro.testTimeout > 0 {
		timeout = ro.testTimeout
	}

	if len(argv) == 0 && config.Harness.TestCommand != "" {
		parsed, err := harness.ParseCommand(config.Harness.TestCommand)
		if err != nil {
			return err
		}
		argv = parsed
	}

	var test harness.TestFunc
	if len(argv) > 0 {
		var err error
		if test, err = harness.CommandTest(argv, timeout); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	deps, stop, err := monitorDependencies(config, ro.metricsAddr)
	if err != nil {
		return err
	}
	defer stop()

	mons, err := createMonitors(ctx, config, deps)
	if err != nil {
		return err
	}
	runner, err := harness.NewRunner(mons, harness.Options{Iterations: iterations, Test: test})
	if err != nil {
		return err
	}

	results, runErr := runner.Run(ctx)
	if err := printResults(cmd, results, ro.jsonOutput); err != nil {
		return err
	}

	stats := runner.Statistics()
	logger.WithFields(logrus.Fields{
		"iterations":   stats.GetIterationsRun(),
		"failed":       stats.GetIterationsFailed(),
		"failure_rate": fmt.Sprintf("%.1f%%", stats.GetFailureRate()),
		"elapsed":      stats.GetUptime().Round(time.Millisecond).String(),
	}).Info("Run finished")

	if runErr != nil {
		return runErr
	}
	if stats.GetIterationsFailed() > 0 {
		return &exitError{code: 1}
	}
	return nil
}

// monitorDependencies starts the metrics exporter when enabled and wires it
// in as the monitors' recorder. The returned stop func shuts it down.
func monitorDependencies(config *types.SSHMonitorConfig, metricsAddr string) (monitors.Dependencies, func(), error) {
	exporter, err := startExporter(config, metricsAddr)
	if err != nil {
		return monitors.Dependencies{}, nil, err
	}
	if exporter == nil {
		return monitors.Dependencies{}, func() {}, nil
	}
	stop := func() {
		if err := exporter.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop metrics exporter")
		}
	}
	return monitors.Dependencies{Recorder: exporter}, stop, nil
}

// startExporter starts the metrics endpoint when enabled in config or
// requested with --metrics-addr. It returns nil when metrics are off.
func startExporter(config *types.SSHMonitorConfig, addr string) (*prometheus.Exporter, error) {
	pc := config.Exporters.Prometheus
	if addr != "" {
		cfg := types.PrometheusExporterConfig{Enabled: true}
		if pc != nil {
			cfg = *pc
			cfg.Enabled = true
		}
		cfg.Address = addr
		pc = &cfg
	}
	if pc == nil || !pc.Enabled {
		return nil, nil
	}

	exporter, err := prometheus.NewExporter(pc, Version)
	if err != nil {
		return nil, err
	}
	if err := exporter.Start(); err != nil {
		return nil, err
	}
	return exporter, nil
}

func printResults(cmd *cobra.Command, results []harness.IterationResult, asJSON bool) error {
	if asJSON {
		out := make([]iterationOutput, 0, len(results))
		for _, res := range results {
			o := iterationOutput{Iteration: res.Number, Failed: res.Failed(), Reports: res.Reports}
			if res.TestErr != nil {
				o.TestError = res.TestErr.Error()
			}
			out = append(out, o)
		}
		return printJSON(cmd, out)
	}

	w := cmd.OutOrStdout()
	for _, res := range results {
		status := "ok"
		if res.Failed() {
			status = "FAILED"
		}
		fmt.Fprintf(w, "iteration %d: %s\n", res.Number, status)
		if res.TestErr != nil {
			fmt.Fprintf(w, "  test: %v\n", res.TestErr)
		}
		for _, r := range res.Reports {
			if r.IsFailed() {
				fmt.Fprintf(w, "  %s: %s\n", r.Name(), r.Reason())
			}
		}
	}
	return nil
}
