package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/actrun/internal/config"
	"github.com/rendis/actrun/internal/patch"
)

// settings mirrors the parts of config.Config written by init. The vault
// passphrase and master key are never persisted.
type settings struct {
	ListenAddr string         `json:"listen_addr"`
	LogLevel   string         `json:"log_level"`
	LogFormat  string         `json:"log_format"`
	Store      storeSettings  `json:"store"`
	Engine     engineSettings `json:"engine"`
	Scheduler  struct {
		Enabled bool `json:"enabled"`
	} `json:"scheduler"`
}

type storeSettings struct {
	Driver string `json:"driver"`
	DBPath string `json:"db_path,omitempty"`
	Redis  struct {
		Addr   string `json:"addr,omitempty"`
		Prefix string `json:"prefix,omitempty"`
	} `json:"redis"`
}

type engineSettings struct {
	PoolSize            int    `json:"pool_size"`
	SequenceConcurrency int    `json:"sequence_concurrency"`
	FlushPolicy         string `json:"flush_policy"`
}

func initCmd() *cobra.Command {
	var (
		s     settings
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write ~/.actrun/settings.json and reload a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.SettingsPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if s.Store.Driver == config.DriverLibSQL && s.Store.DBPath == "" {
				s.Store.DBPath = filepath.Join(config.Dir(), "actrun.db")
			}

			// Same rules the server applies at startup.
			cfg := config.Default()
			cfg.ListenAddr, cfg.LogLevel, cfg.LogFormat = s.ListenAddr, s.LogLevel, s.LogFormat
			cfg.Store.Driver, cfg.Store.DBPath = s.Store.Driver, s.Store.DBPath
			cfg.Store.Redis.Addr = s.Store.Redis.Addr
			cfg.Engine.PoolSize = s.Engine.PoolSize
			cfg.Engine.SequenceConcurrency = s.Engine.SequenceConcurrency
			cfg.Engine.FlushPolicy = patch.FlushPolicy(s.Engine.FlushPolicy)
			cfg.Scheduler.Enabled = s.Scheduler.Enabled
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("cannot create %s: %w", filepath.Dir(path), err)
			}
			data, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return fmt.Errorf("cannot write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)

			if pid, ok := signalRunningServer(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Signaled running server (PID %d) to reload configuration\n", pid)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&s.ListenAddr, "listen-addr", config.DefaultListenAddr, "TCP listen address")
	f.StringVar(&s.LogLevel, "level", config.DefaultLogLevel, "log level: debug, info, warn, error")
	f.StringVar(&s.LogFormat, "format", config.DefaultLogFormat, "log format: json or text")
	f.StringVar(&s.Store.Driver, "driver", config.DriverLibSQL, "store driver: libsql or redis")
	f.StringVar(&s.Store.DBPath, "database", "", "libsql database path (default ~/.actrun/actrun.db)")
	f.StringVar(&s.Store.Redis.Addr, "redis", config.DefaultRedisAddr, "redis address")
	f.StringVar(&s.Store.Redis.Prefix, "redis-prefix", config.DefaultRedisPrefix, "redis key prefix")
	f.IntVar(&s.Engine.PoolSize, "pool", config.DefaultPoolSize, "number of acts run at once")
	f.IntVar(&s.Engine.SequenceConcurrency, "sequence-concurrency", 1, "sequences of one act run at once")
	f.StringVar(&s.Engine.FlushPolicy, "flush-policy", string(patch.FlushOnComplete), "when act progress is written: onComplete or eachEvent")
	f.BoolVar(&s.Scheduler.Enabled, "scheduler", true, "fire schedule triggers")
	f.BoolVar(&force, "force", false, "overwrite an existing settings file")
	return cmd
}
