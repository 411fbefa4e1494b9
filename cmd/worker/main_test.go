package main

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-dispatch-lite/core"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DISPATCH_DRIVER", "sqlite")
	t.Setenv("DISPATCH_DSN", "file:jobs.db")
	t.Setenv("DISPATCH_CONCURRENCY", "4")
	t.Setenv("DISPATCH_POLL_INTERVAL", "250ms")
	t.Setenv("DISPATCH_QUEUES", "mail, ,reports")

	cfg, queues, err := configFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", string(cfg.Driver))
	assert.Equal(t, "file:jobs.db", cfg.DSN)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"mail", "reports"}, queues)
}

func TestRunReturnsErrors(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))

	t.Run("bad env", func(t *testing.T) {
		t.Setenv("DISPATCH_CONCURRENCY", "many")
		err := run(logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("bad config", func(t *testing.T) {
		t.Setenv("DISPATCH_DRIVER", "memory")
		t.Setenv("DISPATCH_CONCURRENCY", "-1")
		err := run(logger)
		require.Error(t, err)
		assert.True(t, core.IsValidation(err))
	})
}
