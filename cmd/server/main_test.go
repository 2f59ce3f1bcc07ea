package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/gophvault/internal/collab/bus"
	"github.com/iudanet/gophvault/internal/config"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "GophVault Server")
	assert.Contains(t, out.String(), Version)
}

func TestRootCommand_InvalidConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--jwt-secret", "", "--session-secret", "s", "--state-backend", "memcached"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwt_secret is required")
	assert.Contains(t, err.Error(), "state.backend")
}

func TestOpenState(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("Bolt backend uses local bus", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.State.Backend = config.StateBolt
		cfg.State.BoltPath = filepath.Join(t.TempDir(), "state.db")
		cfg.Collab.PendingLogSize = 16

		store, broadcaster, relay, err := openState(ctx, cfg, logger, bus.NewHub(logger))
		require.NoError(t, err)
		defer store.Close()

		assert.IsType(t, &bus.LocalBus{}, broadcaster)
		assert.Nil(t, relay)
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("Unknown backend", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.State.Backend = "memcached"

		_, _, _, err := openState(ctx, cfg, logger, bus.NewHub(logger))
		assert.Error(t, err)
	})
}

func TestOpenFiles(t *testing.T) {
	ctx := context.Background()

	t.Run("SQLite driver", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Storage.Driver = config.StorageSQLite
		cfg.Storage.DSN = ":memory:"

		files, err := openFiles(ctx, cfg)
		require.NoError(t, err)
		defer files.Close()

		assert.NoError(t, files.Ping(ctx))
	})

	t.Run("Unknown driver", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Storage.Driver = "mysql"

		_, err := openFiles(ctx, cfg)
		assert.Error(t, err)
	})
}
