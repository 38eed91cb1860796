package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/pkg/schema"
)

func runCmd() *cobra.Command {
	var (
		inputs    []string
		workspace string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run FLOW_FILE",
		Short: "Run a flow definition in this process and print the act",
		Long: `Run reads a flow definition (JSON), creates an act from it and runs it to
completion in this process. Inputs are given as key=value; values are parsed
as JSON when possible, so count=3 is a number and name=ada a string.
Interrupting the command cancels the act.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := readFlow(args[0])
			if err != nil {
				return err
			}
			in, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}

				act, err := a.service.CreateAct(ctx, engine.NewActRequest{
					Flow:        *flow,
					WorkspaceID: workspace,
					Inputs:      in,
					Trigger:     &schema.TriggerRef{Kind: schema.TriggerManual},
				})
				if err != nil {
					return err
				}
				md := executors.Metadata{ActID: act.ID, WorkspaceID: workspace}
				if runErr := a.service.RunAct(ctx, act.ID, md, nil); runErr != nil {
					a.logger.Error("act run failed", logging.ActID(act.ID), logging.Err(runErr))
				}
				return printActResult(context.WithoutCancel(ctx), cmd, a, act.ID)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "act input as key=value (repeatable)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id recorded on the act")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the act after this long (0 waits forever)")
	return cmd
}

func printActResult(ctx context.Context, cmd *cobra.Command, a *app, actID string) error {
	act, err := a.store.GetAct(ctx, actID)
	if err != nil {
		return err
	}
	gens, err := a.store.ListGenerations(ctx, actID)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), map[string]any{"act": act, "generations": gens})
	}
	renderAct(cmd.OutOrStdout(), act, gens)
	if act.Status == schema.ActStatusFailed {
		return fmt.Errorf("act %s failed", act.ID)
	}
	return nil
}

func readFlow(path string) (*schema.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var flow schema.FlowDefinition
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &flow, nil
}

// parseInputs turns key=value pairs into act inputs. A value that is valid
// JSON is decoded; anything else is kept as a string.
func parseInputs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("input %q: want key=value", p)
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}
		out[key] = val
	}
	return out, nil
}
