package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var errVaultDisabled = errors.New("no vault key configured: set vault.master_key or vault.passphrase and vault.salt")

func secretsCmd() *cobra.Command {
	sec := &cobra.Command{
		Use:   "secrets",
		Short: "Manage encrypted secrets",
		Long: `Secrets are encrypted with AES-256-GCM and resolved by steps, for example
the GitHub token. Without a vault key only ACTRUN_SECRET_* environment
variables are available and nothing can be stored.`,
	}
	sec.AddCommand(secretsSetCmd())
	sec.AddCommand(secretsListCmd())
	sec.AddCommand(secretsDeleteCmd())
	return sec
}

func secretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME [VALUE]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if !a.cfg.VaultEnabled() {
					return errVaultDisabled
				}
				value := ""
				if len(args) == 2 {
					value = args[1]
				} else {
					line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
					if err != nil && !errors.Is(err, io.EOF) {
						return err
					}
					value = strings.TrimRight(line, "\r\n")
				}
				if value == "" {
					return fmt.Errorf("secret %s: empty value", args[0])
				}
				if err := a.vault.Store(ctx, args[0], []byte(value)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret %s stored\n", args[0])
				return nil
			})
		},
	}
}

func secretsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				names, err := a.vault.List(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(cmd.OutOrStdout(), names)
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
}

func secretsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if !a.cfg.VaultEnabled() {
					return errVaultDisabled
				}
				if err := a.vault.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret %s deleted\n", args[0])
				return nil
			})
		},
	}
}
