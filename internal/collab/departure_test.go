package collab

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Ошибка записи файла не мешает снять блокировку и удалить сессию
func TestDeparted_PersistFailureStillCleansUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u1 := env.admit(t, "u1")
	_, _, err := env.svc.ApplyChange(ctx, u1.Conn, raw(`[5, "?"]`))
	require.NoError(t, err)

	env.files.setWriteErr(errors.New("quota exceeded"))

	require.NoError(t, env.svc.Departed(ctx, u1.Conn))

	assert.Nil(t, env.session(t))
	assert.False(t, env.lockExists(t))
	assert.Empty(t, env.files.Writes())
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.PersistFailures), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.SessionsClosed), 0)
}

func TestDeparted_ServantLeavesQuietly(t *testing.T) {
	env := newTestEnv(t)
	env.files.allow("file-1", "u2")
	ctx := context.Background()

	u1 := env.admit(t, "u1")
	u2 := env.admit(t, "u2")
	env.bus.reset()

	require.NoError(t, env.svc.Departed(ctx, u2.Conn))

	s := env.session(t)
	require.NotNil(t, s)
	assert.Equal(t, u1.Conn.ID, s.MasterConnID)
	assert.Len(t, env.bus.named("participant-left"), 1)
	assert.Empty(t, env.bus.named("master-changed"))
	assert.Empty(t, env.files.Writes())
	assert.InDelta(t, 0, testutil.ToFloat64(env.metrics.Handoffs), 0)
}
