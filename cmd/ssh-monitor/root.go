package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/supporttools/ssh-monitor/pkg/logger"
	"github.com/supporttools/ssh-monitor/pkg/monitors"
	"github.com/supporttools/ssh-monitor/pkg/types"
	"github.com/supporttools/ssh-monitor/pkg/util"

	// Register the ssh monitor type
	_ "github.com/supporttools/ssh-monitor/pkg/monitors/ssh"
)

const defaultConfigPath = "ssh-monitor.yaml"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "ssh-monitor",
		Short: "Remote target liveness monitor for fuzzing harnesses",
		Long: `ssh-monitor checks a fuzz target over SSH.

Before each test it waits until the target's status command exits 0.
After each test it runs the status command once; when the target does not
answer it records the failure and runs the configured restart command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error, fatal)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Override log format (json, text)")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newCheckCmd(opts),
		newWaitCmd(opts),
		newRunCmd(opts),
		newConfigCmd(opts),
		newCredentialsCmd(),
		newVersionCmd(),
	)

	return root
}

// loadConfiguration loads the config file, applies flag overrides and
// configures logging from it.
func (o *globalOptions) loadConfiguration() (*types.SSHMonitorConfig, error) {
	config, err := util.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	if err := config.ValidateWithRegistry(monitors.DefaultRegistry); err != nil {
		return nil, err
	}

	if o.logLevel != "" {
		config.Settings.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		config.Settings.LogFormat = o.logFormat
	}

	if err := setupLogging(config.Settings); err != nil {
		return nil, err
	}

	logger.WithField("config", o.configPath).Debug("Configuration loaded")
	return config, nil
}

func setupLogging(settings types.GlobalSettings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid logging settings: %w", err)
	}
	return logger.Initialize(settings.LogLevel, settings.LogFormat, settings.LogOutput, settings.LogFile)
}

// createMonitors builds every enabled monitor in config.
func createMonitors(ctx context.Context, config *types.SSHMonitorConfig, deps monitors.Dependencies) ([]types.Monitor, error) {
	mons, err := monitors.DefaultRegistry.CreateMonitorsFromConfigs(ctx, config.Monitors, deps)
	if err != nil {
		return nil, err
	}
	if len(mons) == 0 {
		return nil, fmt.Errorf("no enabled monitors in configuration")
	}
	logger.Infof("Created %d monitors", len(mons))
	return mons, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
