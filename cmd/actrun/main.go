package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/actrun/internal/config"
	"github.com/rendis/actrun/internal/logging"
)

var (
	v        = config.New()
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "actrun",
	Short: "Run flows of AI and GitHub steps as acts",
	Long: `actrun executes flows: ordered sequences of steps that generate text and
images, call GitHub, transform data and fire triggers. Each execution is an
act whose progress is stored and streamed.

Acts start from the HTTP API, from GitHub webhooks, on a cron schedule, from
MCP agents, or from this CLI.

Settings come from flags, then ACTRUN_* environment variables, then
~/.actrun/settings.json.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "settings file (default ~/.actrun/settings.json)")
	pf.String("log-level", config.DefaultLogLevel, "log level: debug, info, warn, error")
	pf.String("log-format", config.DefaultLogFormat, "log format: json or text")
	pf.String("store", config.DriverLibSQL, "store driver: libsql or redis")
	pf.String("db-path", "", "libsql database path (default ~/.actrun/actrun.db)")
	pf.String("redis-addr", "", "redis address for the redis store")
	pf.Bool("json", false, "output JSON")

	_ = v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log_format", pf.Lookup("log-format"))
	_ = v.BindPFlag("store.driver", pf.Lookup("store"))
	_ = v.BindPFlag("store.db_path", pf.Lookup("db-path"))
	_ = v.BindPFlag("store.redis.addr", pf.Lookup("redis-addr"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(actsCmd())
	rootCmd.AddCommand(triggersCmd())
	rootCmd.AddCommand(secretsCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())
}

// loadConfig reads the layered settings and validates them.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger writes to stderr so command output on stdout stays parseable.
func newLogger(cfg *config.Config) *slog.Logger {
	logLevel.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(os.Stderr, logLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return logger
}

// withApp loads the configuration, wires the engine, runs fn and shuts
// everything down.
func withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := a.close(sctx); err != nil {
			a.logger.Warn("shutdown incomplete", logging.Err(err))
		}
	}()
	return fn(ctx, a)
}

func jsonOutput() bool {
	on, _ := rootCmd.PersistentFlags().GetBool("json")
	return on
}
