package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/supporttools/ssh-monitor/pkg/credentials"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage target passwords in the OS keyring",
	}
	cmd.AddCommand(newCredentialsSetCmd())
	return cmd
}

func newCredentialsSetCmd() *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "set <user>",
		Short: "Store a password read from stdin in the OS keyring",
		Long: `set reads one line from stdin and stores it in the OS keyring under
--service and <user>. Reference it from a monitor with:

  passwordKeyring:
    service: <service>
    user: <user>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}

			ref := credentials.KeyringRef{Service: service, User: args[0]}
			if err := credentials.Store(ref, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored password for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", credentials.DefaultKeyringService, "Keyring service name")
	return cmd
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	return password, nil
}
