package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/actrun/pkg/mcp"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Long: `mcp runs the engine in this process and exposes act.run, act.status,
act.cancel, act.query and trigger.list to an MCP client over stdin/stdout.
Logs go to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				if err := a.startBackground(ctx); err != nil {
					return err
				}
				srv := mcp.NewActrunServer(mcp.ActrunServerDeps{
					Acts:    a.service,
					Store:   a.store,
					Logger:  a.logger,
					Version: version,
				})
				return srv.Serve(ctx)
			})
		},
	}
}
