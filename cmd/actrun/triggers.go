package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/pkg/schema"
)

func triggersCmd() *cobra.Command {
	trg := &cobra.Command{Use: "triggers", Short: "Manage triggers"}
	trg.AddCommand(triggersListCmd())
	trg.AddCommand(triggersCreateCmd())
	trg.AddCommand(triggersToggleCmd("enable", "Enable a trigger", true))
	trg.AddCommand(triggersToggleCmd("disable", "Disable a trigger", false))
	trg.AddCommand(triggersDeleteCmd())
	return trg
}

func triggersListCmd() *cobra.Command {
	var (
		f             store.TriggerFilter
		kind, enabled string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Kind = schema.TriggerKind(kind)
			switch enabled {
			case "":
			case "true", "false":
				on := enabled == "true"
				f.Enabled = &on
			default:
				return fmt.Errorf("--enabled must be true or false")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				items, err := a.store.ListTriggers(ctx, f)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(cmd.OutOrStdout(), items)
				}
				renderTriggers(cmd.OutOrStdout(), items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter: github, schedule or manual")
	cmd.Flags().StringVar(&f.Repository, "repository", "", "repository filter (owner/name)")
	cmd.Flags().StringVar(&f.EventID, "event", "", "event filter, e.g. github.issues.opened")
	cmd.Flags().StringVar(&f.WorkspaceID, "workspace", "", "workspace filter")
	cmd.Flags().StringVar(&enabled, "enabled", "", "only enabled (true) or disabled (false) triggers")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of triggers")
	return cmd
}

func triggersCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create TRIGGER_FILE",
		Short: "Create a trigger from a JSON definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var t schema.Trigger
			if err := json.Unmarshal(data, &t); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			t.LastRunAt, t.NextRunAt, t.LastRunStatus = nil, nil, ""

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.validator.ValidateTrigger(&t); err != nil {
					return err
				}
				if err := a.store.CreateTrigger(ctx, &t); err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(cmd.OutOrStdout(), &t)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Trigger %s created (%s, enabled: %t)\n", t.ID, t.Kind, t.Enabled)
				return nil
			})
		},
	}
}

func triggersToggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " TRIGGER_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.UpdateTrigger(ctx, args[0], store.TriggerUpdate{Enabled: &enabled}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Trigger %s %sd\n", args[0], use)
				return nil
			})
		},
	}
}

func triggersDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete TRIGGER_ID",
		Short: "Delete a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.DeleteTrigger(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Trigger %s deleted\n", args[0])
				return nil
			})
		},
	}
}
