package collab

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Блокировка продлевается, пока в процессе есть участники сессии
func TestLease_HeartbeatKeepsLockAlive(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.LockTTL = 150 * time.Millisecond
		c.HeartbeatInterval = 20 * time.Millisecond
	})
	ctx := context.Background()

	u1 := env.admit(t, "u1")
	assert.Equal(t, 1, env.svc.leases.Active())

	time.Sleep(400 * time.Millisecond)
	assert.True(t, env.lockExists(t), "heartbeat must keep the lock past its TTL")

	require.NoError(t, env.svc.Departed(ctx, u1.Conn))
	assert.Equal(t, 0, env.svc.leases.Active())
	assert.False(t, env.lockExists(t))
}

func TestLease_RecreatesExpiredLock(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.LockTTL = time.Minute
		c.HeartbeatInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	env.admit(t, "u1")
	require.NoError(t, env.store.ReleaseLock(ctx, "file-1"))

	require.Eventually(t, func() bool {
		return env.lockExists(t)
	}, time.Second, 10*time.Millisecond)

	lock, err := env.store.GetLock(ctx, "file-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", lock.OwnerUserID)
	assert.Positive(t, testutil.ToFloat64(env.metrics.LockRecreated))
}

// Одна горутина продления на сессию, пока есть локальные участники
func TestLease_SharedBySessionParticipants(t *testing.T) {
	env := newTestEnv(t)
	env.files.allow("file-1", "u2")
	ctx := context.Background()

	u1 := env.admit(t, "u1")
	u2 := env.admit(t, "u2")
	assert.Equal(t, 1, env.svc.leases.Active())

	require.NoError(t, env.svc.Departed(ctx, u1.Conn))
	assert.Equal(t, 1, env.svc.leases.Active())

	require.NoError(t, env.svc.Departed(ctx, u2.Conn))
	assert.Equal(t, 0, env.svc.leases.Active())
}

func TestLease_DetachUnknown(t *testing.T) {
	env := newTestEnv(t)

	env.svc.leases.Detach("missing", "conn")
	assert.Equal(t, 0, env.svc.leases.Active())
}
