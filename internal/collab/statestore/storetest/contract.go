// Package storetest holds the behavioural contract every statestore.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/gophvault/internal/collab/statestore"
	"github.com/iudanet/gophvault/internal/models"
)

// Harness is a store under test plus a way to let time pass for TTL checks.
type Harness struct {
	Store statestore.Store
	// Advance lets d pass for the store (fake clock or real sleep).
	Advance func(d time.Duration)
}

// Factory creates a fresh, empty store for one test.
type Factory func(t *testing.T) *Harness

// NewSession builds a live session with a single master participant.
func NewSession(key, connID, userID, doc string) *models.Session {
	return &models.Session{
		Key:           key,
		FileID:        "file-" + key,
		FilePath:      "/docs/" + key + ".txt",
		Document:      doc,
		MasterConnID:  connID,
		MasterOwnerID: userID,
		State:         models.SessionLive,
		Participants: []models.Participant{
			{ConnID: connID, UserID: userID, JoinedAt: time.Now().UTC().Truncate(time.Millisecond)},
		},
	}
}

func participant(connID string) models.Participant {
	return models.Participant{ConnID: connID, UserID: "user-" + connID, JoinedAt: time.Now().UTC().Truncate(time.Millisecond)}
}

func appendText(suffix string) statestore.UpdateFunc {
	return func(doc string, _ int64) (string, error) {
		return doc + suffix, nil
	}
}

// Run executes the full contract against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
	t.Run("CreateTwice", func(t *testing.T) { testCreateTwice(t, factory(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, factory(t)) })
	t.Run("JoinMissing", func(t *testing.T) { testJoinMissing(t, factory(t)) })
	t.Run("JoinIdempotent", func(t *testing.T) { testJoinIdempotent(t, factory(t)) })
	t.Run("UpdateDocument", func(t *testing.T) { testUpdateDocument(t, factory(t)) })
	t.Run("UpdateDocumentErrors", func(t *testing.T) { testUpdateDocumentErrors(t, factory(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, factory(t)) })
	t.Run("LeaveHandoff", func(t *testing.T) { testLeaveHandoff(t, factory(t)) })
	t.Run("LeaveDrain", func(t *testing.T) { testLeaveDrain(t, factory(t)) })
	t.Run("LeaveIdempotent", func(t *testing.T) { testLeaveIdempotent(t, factory(t)) })
	t.Run("ConcurrentLastLeave", func(t *testing.T) { testConcurrentLastLeave(t, factory(t)) })
	t.Run("DrainExpires", func(t *testing.T) { testDrainExpires(t, factory(t)) })
	t.Run("Locks", func(t *testing.T) { testLocks(t, factory(t)) })
	t.Run("LockExpiry", func(t *testing.T) { testLockExpiry(t, factory(t)) })
}

func testCreateAndGet(t *testing.T, h *Harness) {
	ctx := context.Background()

	_, err := h.Store.Get(ctx, "s1")
	require.ErrorIs(t, err, statestore.ErrSessionNotFound)

	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c1", "u1", "hello")))

	got, err := h.Store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Document)
	assert.Equal(t, "c1", got.MasterConnID)
	assert.Equal(t, "u1", got.MasterOwnerID)
	assert.Equal(t, "file-s1", got.FileID)
	assert.Equal(t, "/docs/s1.txt", got.FilePath)
	assert.Equal(t, models.SessionLive, got.State)
	assert.Equal(t, []string{"c1"}, got.ConnIDs())
	assert.Equal(t, int64(0), got.Version)
	assert.False(t, got.CreatedAt.IsZero())
}

func testCreateTwice(t *testing.T, h *Harness) {
	ctx := context.Background()

	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c1", "u1", "one")))
	err := h.Store.Create(ctx, NewSession("s1", "c2", "u2", "two"))
	require.ErrorIs(t, err, statestore.ErrSessionExists)

	got, err := h.Store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Document)
	assert.Equal(t, "c1", got.MasterConnID)
}

func testConcurrentCreate(t *testing.T, h *Harness) {
	ctx := context.Background()
	const workers = 16

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := h.Store.Create(ctx, NewSession("race", fmt.Sprintf("c%d", i), "u", "doc"))
			if err == nil {
				created.Add(1)
				return
			}
			assert.ErrorIs(t, err, statestore.ErrSessionExists)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
}

func testJoinMissing(t *testing.T, h *Harness) {
	_, err := h.Store.Join(context.Background(), "missing", participant("c1"))
	assert.ErrorIs(t, err, statestore.ErrSessionNotFound)
}

func testJoinIdempotent(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c1", "u1", "doc")))

	snap, err := h.Store.Join(ctx, "s1", participant("c2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, snap.ConnIDs())
	assert.Equal(t, "c1", snap.MasterConnID)
	assert.Equal(t, "doc", snap.Document)

	snap, err = h.Store.Join(ctx, "s1", participant("c2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, snap.ConnIDs())
}

func testUpdateDocument(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c1", "u1", "a")))

	snap, err := h.Store.UpdateDocument(ctx, "s1", "c1", json.RawMessage(`[1,"b"]`), appendText("b"))
	require.NoError(t, err)
	assert.Equal(t, "ab", snap.Document)
	assert.Equal(t, int64(1), snap.Version)

	snap, err = h.Store.UpdateDocument(ctx, "s1", "c1", json.RawMessage(`[2,"c"]`), func(doc string, version int64) (string, error) {
		assert.Equal(t, int64(1), version)
		return doc + "c", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", snap.Document)
	assert.Equal(t, int64(2), snap.Version)

	got, err := h.Store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Document)
	require.Len(t, got.PendingUpdates, 2)
	assert.Equal(t, int64(2), got.PendingUpdates[1].Version)
	assert.Equal(t, "c1", got.PendingUpdates[1].ConnID)
	assert.JSONEq(t, `[2,"c"]`, string(got.PendingUpdates[1].Change))
}

func testUpdateDocumentErrors(t *testing.T, h *Harness) {
	ctx := context.Background()

	_, err := h.Store.UpdateDocument(ctx, "missing", "c1", nil, appendText("x"))
	require.ErrorIs(t, err, statestore.ErrSessionNotFound)

	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c1", "u1", "doc")))

	_, err = h.Store.UpdateDocument(ctx, "s1", "stranger", nil, appendText("x"))
	require.ErrorIs(t, err, statestore.ErrNotParticipant)

	applyErr := errors.New("apply failed")
	_, err = h.Store.UpdateDocument(ctx, "s1", "c1", nil, func(string, int64) (string, error) {
		return "", applyErr
	})
	require.ErrorIs(t, err, applyErr)

	got, err := h.Store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "doc", got.Document)
	assert.Equal(t, int64(0), got.Version)
}

func testConcurrentUpdates(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c1", "u1", "")))
	_, err := h.Store.Join(ctx, "s1", participant("c2"))
	require.NoError(t, err)

	const perWriter = 25
	var wg sync.WaitGroup
	for _, conn := range []string{"c1", "c2"} {
		wg.Add(1)
		go func(conn string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := h.Store.UpdateDocument(ctx, "s1", conn, nil, appendText("x"))
				assert.NoError(t, err)
			}
		}(conn)
	}
	wg.Wait()

	got, err := h.Store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Document, 2*perWriter)
	assert.Equal(t, int64(2*perWriter), got.Version)
}

func testLeaveHandoff(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c1", "u1", "doc")))
	_, err := h.Store.Join(ctx, "s1", participant("c2"))
	require.NoError(t, err)
	_, err = h.Store.Join(ctx, "s1", participant("c3"))
	require.NoError(t, err)

	// Уход servant не меняет master
	res, err := h.Store.Leave(ctx, "s1", "c3", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Member)
	assert.False(t, res.MasterChanged)
	assert.False(t, res.Drained)
	assert.Equal(t, "c1", res.Session.MasterConnID)

	// Уход master передает роль самому раннему участнику
	res, err = h.Store.Leave(ctx, "s1", "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Member)
	assert.True(t, res.MasterChanged)
	assert.False(t, res.Drained)
	assert.Equal(t, "c2", res.Session.MasterConnID)
	assert.Equal(t, []string{"c2"}, res.Session.ConnIDs())
	assert.Equal(t, "u1", res.Session.MasterOwnerID)

	// Lock и сессия остаются
	got, err := h.Store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionLive, got.State)
}

func testLeaveDrain(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c1", "u1", "final")))

	res, err := h.Store.Leave(ctx, "s1", "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Member)
	assert.True(t, res.Drained)
	require.NotNil(t, res.Session)
	assert.Equal(t, "final", res.Session.Document)
	assert.Equal(t, "u1", res.Session.MasterOwnerID)
	assert.Equal(t, models.SessionDraining, res.Session.State)

	// Во время draining нельзя присоединиться, создать или редактировать
	_, err = h.Store.Join(ctx, "s1", participant("c2"))
	require.ErrorIs(t, err, statestore.ErrSessionDraining)
	err = h.Store.Create(ctx, NewSession("s1", "c2", "u2", "stale"))
	require.ErrorIs(t, err, statestore.ErrSessionDraining)
	_, err = h.Store.UpdateDocument(ctx, "s1", "c1", nil, appendText("x"))
	require.ErrorIs(t, err, statestore.ErrSessionNotFound)

	// Завершить drain может только его владелец
	ok, err := h.Store.FinishDrain(ctx, "s1", "c2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.Store.FinishDrain(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.Store.Get(ctx, "s1")
	require.ErrorIs(t, err, statestore.ErrSessionNotFound)

	ok, err = h.Store.FinishDrain(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c2", "u2", "fresh")))
}

func testLeaveIdempotent(t *testing.T, h *Harness) {
	ctx := context.Background()

	res, err := h.Store.Leave(ctx, "missing", "c1", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Member)
	assert.Nil(t, res.Session)

	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c1", "u1", "doc")))
	_, err = h.Store.Join(ctx, "s1", participant("c2"))
	require.NoError(t, err)

	first, err := h.Store.Leave(ctx, "s1", "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first.Member)

	second, err := h.Store.Leave(ctx, "s1", "c1", time.Minute)
	require.NoError(t, err)
	assert.False(t, second.Member)
	assert.False(t, second.MasterChanged)
	assert.False(t, second.Drained)

	got, err := h.Store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, got.ConnIDs())
	assert.Equal(t, "c2", got.MasterConnID)
}

func testConcurrentLastLeave(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c1", "u1", "doc")))
	_, err := h.Store.Join(ctx, "s1", participant("c2"))
	require.NoError(t, err)

	var drained atomic.Int32
	var wg sync.WaitGroup
	// Каждое подключение уходит дважды (принудительный и обычный disconnect)
	for _, conn := range []string{"c1", "c2", "c1", "c2"} {
		wg.Add(1)
		go func(conn string) {
			defer wg.Done()
			res, err := h.Store.Leave(ctx, "s1", conn, time.Minute)
			assert.NoError(t, err)
			if res != nil && res.Drained {
				drained.Add(1)
			}
		}(conn)
	}
	wg.Wait()

	assert.Equal(t, int32(1), drained.Load())
}

func testDrainExpires(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c1", "u1", "doc")))

	res, err := h.Store.Leave(ctx, "s1", "c1", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.Drained)

	// Процесс, захвативший teardown, "упал": draining истекает сам
	h.Advance(300 * time.Millisecond)

	_, err = h.Store.Get(ctx, "s1")
	require.ErrorIs(t, err, statestore.ErrSessionNotFound)
	require.NoError(t, h.Store.Create(ctx, NewSession("s1", "c2", "u2", "fresh")))
}

func testLocks(t *testing.T, h *Harness) {
	ctx := context.Background()

	_, err := h.Store.GetLock(ctx, "f1")
	require.ErrorIs(t, err, statestore.ErrLockNotFound)

	require.NoError(t, h.Store.SetLock(ctx, "f1", "u1", time.Minute))
	lock, err := h.Store.GetLock(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "u1", lock.OwnerUserID)
	assert.Equal(t, "f1", lock.FileID)
	assert.True(t, lock.ExpiresAt.After(time.Now()))

	// SetLock перезаписывает владельца
	require.NoError(t, h.Store.SetLock(ctx, "f1", "u2", time.Minute))
	lock, err = h.Store.GetLock(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "u2", lock.OwnerUserID)

	// RefreshLock сохраняет владельца
	recreated, err := h.Store.RefreshLock(ctx, "f1", "u3", time.Minute)
	require.NoError(t, err)
	assert.False(t, recreated)
	lock, err = h.Store.GetLock(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "u2", lock.OwnerUserID)

	require.NoError(t, h.Store.ReleaseLock(ctx, "f1"))
	_, err = h.Store.GetLock(ctx, "f1")
	require.ErrorIs(t, err, statestore.ErrLockNotFound)

	require.NoError(t, h.Store.ReleaseLock(ctx, "f1"))
}

func testLockExpiry(t *testing.T, h *Harness) {
	ctx := context.Background()

	require.NoError(t, h.Store.SetLock(ctx, "f1", "u1", 100*time.Millisecond))
	h.Advance(300 * time.Millisecond)

	_, err := h.Store.GetLock(ctx, "f1")
	require.ErrorIs(t, err, statestore.ErrLockNotFound)

	recreated, err := h.Store.RefreshLock(ctx, "f1", "u9", time.Minute)
	require.NoError(t, err)
	assert.True(t, recreated)

	lock, err := h.Store.GetLock(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "u9", lock.OwnerUserID)
}
