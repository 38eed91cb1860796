package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/actrun/internal/config"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/server"
	"github.com/rendis/actrun/pkg/mcp"
)

func serveCmd() *cobra.Command {
	var noMCP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, webhook endpoint and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return serve(ctx, cmd, a, !noMCP)
		},
	}
	cmd.Flags().String("listen-addr", config.DefaultListenAddr, "TCP listen address")
	cmd.Flags().Int("pool-size", config.DefaultPoolSize, "number of acts run at once")
	cmd.Flags().String("webhook-secret", "", "GitHub webhook secret")
	cmd.Flags().Bool("no-scheduler", false, "do not fire schedule triggers")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "do not mount the MCP endpoint at /mcp")
	_ = v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen-addr"))
	_ = v.BindPFlag("engine.pool_size", cmd.Flags().Lookup("pool-size"))
	_ = v.BindPFlag("webhook.secret", cmd.Flags().Lookup("webhook-secret"))
	cmd.PreRun = func(cmd *cobra.Command, _ []string) {
		if off, _ := cmd.Flags().GetBool("no-scheduler"); off {
			v.Set("scheduler.enabled", false)
		}
	}
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command, a *app, withMCP bool) error {
	cfg, logger := a.cfg, a.logger

	deps := server.Deps{
		Acts:      a.service,
		Store:     a.store,
		Hub:       a.hub,
		Webhooks:  a.webhooks,
		Validator: a.validator,
		Logger:    logger,
		Version:   version,
	}
	if withMCP {
		deps.MCP = mcp.NewActrunServer(mcp.ActrunServerDeps{
			Acts:    a.service,
			Store:   a.store,
			Logger:  logger,
			Version: version,
		}).HTTPHandler()
	}
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.NewServer(deps).Handler(),
	}

	if err := a.startBackground(ctx); err != nil {
		return err
	}
	if err := writePIDFile(); err != nil {
		logger.Warn("cannot write pid file", logging.Err(err))
	}
	defer os.Remove(pidPath())

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting",
			slog.String("addr", httpServer.Addr),
			slog.String("store", cfg.Store.Driver),
			slog.Bool("mcp", withMCP))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	var runErr error
loop:
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				reload(cmd, a)
				continue
			}
			logger.Info("shutting down", slog.String("signal", sig.String()))
			break loop
		case err := <-serveErr:
			runErr = err
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		logger.Error("HTTP server shutdown failed", logging.Err(err))
	}
	if err := a.close(sctx); err != nil {
		logger.Error("engine shutdown failed", logging.Err(err))
	}
	logger.Info("shutdown complete")
	return runErr
}

// reload re-reads the settings. Only the log level applies to the running
// process; everything else is reported as needing a restart.
func reload(cmd *cobra.Command, a *app) {
	next, err := loadConfig(cmd)
	if err != nil {
		a.logger.Error("config reload failed", logging.Err(err))
		return
	}
	diff := diffConfigs(a.cfg, next)
	if diff.LogLevelChanged {
		logLevel.Set(logging.ParseLevel(next.LogLevel))
		a.cfg.LogLevel = next.LogLevel
	}
	if len(diff.RestartNeeded) > 0 {
		a.logger.Warn("settings changed that need a restart", slog.Any("fields", diff.RestartNeeded))
	}
	a.logger.Info("configuration reloaded", slog.String("log_level", a.cfg.LogLevel))
}
