package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/supporttools/ssh-monitor/pkg/monitors"
	"github.com/supporttools/ssh-monitor/pkg/util"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and validate configuration files",
	}
	cmd.AddCommand(newConfigInitCmd(opts), newConfigValidateCmd(opts))
	return cmd
}

func newConfigInitCmd(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration to --config",
		Long: `init writes a configuration with one ssh monitor pointed at localhost.
The format follows the file extension (.yaml, .yml, .json or .toml).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			config, err := util.DefaultConfig()
			if err != nil {
				return err
			}
			if err := util.SaveConfig(config, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newConfigValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check --config for errors without connecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := util.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if err := config.ValidateWithRegistry(monitors.DefaultRegistry); err != nil {
				return err
			}
			for _, mc := range config.Monitors {
				if err := monitors.DefaultRegistry.ValidateConfig(mc); err != nil {
					return err
				}
			}

			enabled := len(config.EnabledMonitors())
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d monitors, %d enabled)\n",
				opts.configPath, len(config.Monitors), enabled)
			return nil
		},
	}
}
