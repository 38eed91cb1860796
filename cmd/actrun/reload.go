package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rendis/actrun/internal/config"
)

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // settings that only apply after a restart
}

// restartFields are the settings read once at startup.
var restartFields = []struct {
	name string
	get  func(*config.Config) string
}{
	{"listen_addr", func(c *config.Config) string { return c.ListenAddr }},
	{"log_format", func(c *config.Config) string { return c.LogFormat }},
	{"store.driver", func(c *config.Config) string { return c.Store.Driver }},
	{"store.db_path", func(c *config.Config) string { return c.Store.DBPath }},
	{"store.redis.addr", func(c *config.Config) string { return c.Store.Redis.Addr }},
	{"store.redis.prefix", func(c *config.Config) string { return c.Store.Redis.Prefix }},
	{"engine.pool_size", func(c *config.Config) string { return strconv.Itoa(c.Engine.PoolSize) }},
	{"engine.sequence_concurrency", func(c *config.Config) string { return strconv.Itoa(c.Engine.SequenceConcurrency) }},
	{"engine.flush_policy", func(c *config.Config) string { return string(c.Engine.FlushPolicy) }},
	{"webhook.secret", func(c *config.Config) string { return c.Webhook.Secret }},
	{"github.base_url", func(c *config.Config) string { return c.GitHub.BaseURL }},
	{"scheduler.enabled", func(c *config.Config) string { return strconv.FormatBool(c.Scheduler.Enabled) }},
	{"scheduler.tick", func(c *config.Config) string { return c.Scheduler.Tick.String() }},
}

func diffConfigs(old, new *config.Config) configDiff {
	var d configDiff
	if !strings.EqualFold(old.LogLevel, new.LogLevel) {
		d.LogLevelChanged = true
	}
	for _, f := range restartFields {
		if f.get(old) != f.get(new) {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}

func pidPath() string {
	return filepath.Join(config.Dir(), "actrun.pid")
}

func writePIDFile() error {
	if err := os.MkdirAll(config.Dir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// signalRunningServer sends SIGHUP to a running actrun server (via pidfile).
// Returns the pid and true if the server was signaled.
func signalRunningServer() (int, bool) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// Signal 0 checks the process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, false
	}
	return pid, true
}
