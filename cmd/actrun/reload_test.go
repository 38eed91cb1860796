package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/actrun/internal/config"
)

func TestDiffConfigs_NoChange(t *testing.T) {
	d := diffConfigs(config.Default(), config.Default())
	assert.False(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)
}

func TestDiffConfigs_LogLevelOnly(t *testing.T) {
	next := config.Default()
	next.LogLevel = "debug"

	d := diffConfigs(config.Default(), next)
	assert.True(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)
}

func TestDiffConfigs_LogLevelCase(t *testing.T) {
	next := config.Default()
	next.LogLevel = "INFO"
	assert.False(t, diffConfigs(config.Default(), next).LogLevelChanged)
}

func TestDiffConfigs_RestartNeeded(t *testing.T) {
	next := config.Default()
	next.ListenAddr = ":9999"
	next.Engine.PoolSize = 2
	next.Scheduler.Enabled = false
	next.Webhook.Secret = "s3cret"

	d := diffConfigs(config.Default(), next)
	assert.False(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "engine.pool_size", "webhook.secret", "scheduler.enabled"}, d.RestartNeeded)
}
