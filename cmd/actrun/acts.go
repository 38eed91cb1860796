package main

import (
	"context"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/pkg/schema"
)

func actsCmd() *cobra.Command {
	acts := &cobra.Command{Use: "acts", Short: "Inspect stored acts"}
	acts.AddCommand(actsListCmd())
	acts.AddCommand(actsGetCmd())
	acts.AddCommand(actsEventsCmd())
	return acts
}

func actsListCmd() *cobra.Command {
	var (
		f      store.ActFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List acts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = schema.ActStatus(status)
			return withApp(cmd, func(ctx context.Context, a *app) error {
				items, err := a.store.ListActs(ctx, f)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(cmd.OutOrStdout(), items)
				}
				renderActs(cmd.OutOrStdout(), items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.FlowName, "flow", "", "flow name filter")
	cmd.Flags().StringVar(&f.TriggerID, "trigger", "", "trigger id filter")
	cmd.Flags().StringVar(&f.WorkspaceID, "workspace", "", "workspace filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum number of acts")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "number of acts to skip")
	return cmd
}

func actsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ACT_ID",
		Short: "Show an act with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return printActResult(ctx, cmd, a, args[0])
			})
		},
	}
}

func actsEventsCmd() *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "events ACT_ID",
		Short: "Show the event log of an act",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				events, err := a.store.GetEvents(ctx, args[0], since)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(cmd.OutOrStdout(), events)
				}
				tw := newTable(cmd.OutOrStdout(), "#", "Time", "Type", "Sequence", "Step")
				for _, e := range events {
					tw.AppendRow(table.Row{e.Sequence, e.Timestamp.Local().Format(time.DateTime), e.Type, e.SequenceID, e.StepID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only events after this sequence number")
	return cmd
}
