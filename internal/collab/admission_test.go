package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/gophvault/internal/collab/statestore"
	"github.com/iudanet/gophvault/internal/metrics"
	"github.com/iudanet/gophvault/internal/models"
	"github.com/iudanet/gophvault/pkg/api"
)

func TestAdmit_Rejections(t *testing.T) {
	tests := []struct {
		setup     func(env *testEnv)
		wantErr   error
		name      string
		token     string
		userID    string
		wantCode  string
		wantClose int
	}{
		{
			name:      "malformed token",
			token:     "short",
			userID:    "u1",
			wantErr:   ErrInvalidShareToken,
			wantCode:  api.CodeInvalidRequest,
			wantClose: api.CloseNotFound,
		},
		{
			name:      "unknown share",
			token:     "unknown-token-0000000",
			userID:    "u1",
			wantErr:   ErrDocumentNotFound,
			wantCode:  api.CodeDocumentNotFound,
			wantClose: api.CloseNotFound,
		},
		{
			name:      "not a collaborator",
			token:     testToken,
			userID:    "stranger",
			wantErr:   ErrUnauthorized,
			wantCode:  api.CodeUnauthorized,
			wantClose: api.CloseForbidden,
		},
		{
			name:   "trashed file",
			token:  testToken,
			userID: "u1",
			setup: func(env *testEnv) {
				env.files.files[testToken].Trashed = true
			},
			wantErr:   ErrNotShareable,
			wantCode:  api.CodeNotShareable,
			wantClose: api.CloseForbidden,
		},
		{
			name:   "encrypted file",
			token:  testToken,
			userID: "u1",
			setup: func(env *testEnv) {
				env.files.files[testToken].Encrypted = true
			},
			wantErr:   ErrNotShareable,
			wantCode:  api.CodeNotShareable,
			wantClose: api.CloseForbidden,
		},
		{
			name:   "share disabled",
			token:  testToken,
			userID: "u1",
			setup: func(env *testEnv) {
				env.files.files[testToken].ShareEnabled = false
			},
			wantErr:   ErrNotShareable,
			wantCode:  api.CodeNotShareable,
			wantClose: api.CloseForbidden,
		},
		{
			name:   "file bytes unreadable",
			token:  testToken,
			userID: "u1",
			setup: func(env *testEnv) {
				env.files.readErr = errors.New("disk failure")
			},
			wantErr:   ErrDocumentNotFound,
			wantCode:  api.CodeDocumentNotFound,
			wantClose: api.CloseNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}

			res, err := env.svc.Admit(context.Background(), NewPendingConn("127.0.0.1:1"), models.Identity{UserID: tt.userID}, tt.token)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.wantErr)

			var admErr *AdmissionError
			require.ErrorAs(t, err, &admErr)
			assert.Equal(t, tt.wantCode, admErr.Code)
			assert.Equal(t, tt.wantClose, admErr.CloseCode)

			// Отказ не оставляет ни сессии, ни блокировки
			assert.Nil(t, env.session(t))
			assert.False(t, env.lockExists(t))
			assert.Empty(t, env.bus.named(api.EventParticipantJoined))
			assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.Admissions.WithLabelValues(metrics.AdmitRejected)), 0)
		})
	}
}

func TestAdmit_Collaborator(t *testing.T) {
	env := newTestEnv(t)
	env.files.allow("file-1", "u2")

	res := env.admit(t, "u2")
	assert.True(t, res.Created)
	assert.Equal(t, models.RoleMaster, res.Role)
	assert.Equal(t, "u2", res.Conn.Identity.UserID)
	assert.Equal(t, "file-1", res.Conn.FileID)
	assert.Equal(t, "127.0.0.1:1", res.Conn.RemoteAddr)
	assert.Len(t, res.Conn.SessionKey, 32)

	lock, err := env.store.GetLock(context.Background(), "file-1")
	require.NoError(t, err)
	assert.Equal(t, "u2", lock.OwnerUserID)
}

// Конкурентные допуски в одну сессию: ровно один создатель
func TestAdmit_ConcurrentCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 20
	results := make([]*AdmissionResult, n)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := env.svc.Admit(ctx, NewPendingConn("127.0.0.1:1"), models.Identity{UserID: "u1"}, testToken)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	close(start)
	wg.Wait()

	creators := 0
	var creator *AdmissionResult
	for _, res := range results {
		require.NotNil(t, res)
		if res.Created {
			creators++
			creator = res
			assert.Equal(t, models.RoleMaster, res.Role)
		} else {
			assert.Equal(t, models.RoleServant, res.Role)
		}
	}
	require.Equal(t, 1, creators)

	s := env.session(t)
	require.NotNil(t, s)
	assert.Len(t, s.Participants, n)
	assert.Equal(t, creator.Conn.ID, s.MasterConnID)
	env.checkInvariants(t)
}

// Допуск во время teardown ждет его завершения и читает сохраненный документ
func TestAdmit_WaitsForDrain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u1 := env.admit(t, "u1")
	_, _, err := env.svc.ApplyChange(ctx, u1.Conn, raw(`[5, " edited"]`))
	require.NoError(t, err)

	// teardown начат: сессия в draining, владелец u1
	res, err := env.store.Leave(ctx, u1.Conn.SessionKey, u1.Conn.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Drained)

	admitted := make(chan *AdmissionResult, 1)
	go func() {
		r, err := env.svc.Admit(ctx, NewPendingConn("127.0.0.1:2"), models.Identity{UserID: "u1"}, testToken)
		assert.NoError(t, err)
		admitted <- r
	}()

	select {
	case <-admitted:
		t.Fatal("admission must wait for teardown")
	case <-time.After(50 * time.Millisecond):
	}

	// Завершаем teardown в порядке: блокировка, сохранение, удаление
	require.NoError(t, env.store.ReleaseLock(ctx, "file-1"))
	require.NoError(t, env.files.WriteFile(ctx, testPath, []byte(res.Session.Document), "u1"))
	ok, err := env.store.FinishDrain(ctx, u1.Conn.SessionKey, u1.Conn.ID)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case r := <-admitted:
		require.NotNil(t, r)
		assert.True(t, r.Created)
		assert.Equal(t, "hello edited", r.Document)
	case <-time.After(2 * time.Second):
		t.Fatal("admission did not finish after teardown")
	}

	// Блокировка восстановлена для новой сессии
	assert.True(t, env.lockExists(t))
	assert.Positive(t, testutil.ToFloat64(env.metrics.AdmitRetries))
}

func TestAdmit_DrainTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.AdmitRetries = 3
		c.AdmitBackoff = time.Millisecond
	})
	ctx := context.Background()

	u1 := env.admit(t, "u1")
	_, err := env.store.Leave(ctx, u1.Conn.SessionKey, u1.Conn.ID, time.Minute)
	require.NoError(t, err)

	_, err = env.svc.Admit(ctx, NewPendingConn("127.0.0.1:2"), models.Identity{UserID: "u1"}, testToken)
	require.ErrorIs(t, err, ErrAdmissionTimeout)

	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, api.CodeInternal, admErr.Code)
	assert.Equal(t, api.CloseInternalError, admErr.CloseCode)

	// Блокировка отклоненного допуска не переживает draining сессию
	assert.False(t, env.lockExists(t))
}

func TestAdmit_ContextCanceledWhileDraining(t *testing.T) {
	env := newTestEnv(t)

	u1 := env.admit(t, "u1")
	_, err := env.store.Leave(context.Background(), u1.Conn.SessionKey, u1.Conn.ID, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = env.svc.Admit(ctx, NewPendingConn("127.0.0.1:2"), models.Identity{UserID: "u1"}, testToken)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, env.lockExists(t))
}

// Переподключение до истечения TTL попадает в живую сессию
func TestAdmit_ReconnectJoinsLiveSession(t *testing.T) {
	env := newTestEnv(t)
	env.files.allow("file-1", "u2")
	ctx := context.Background()

	u1 := env.admit(t, "u1")
	u2 := env.admit(t, "u2")
	_, _, err := env.svc.ApplyChange(ctx, u2.Conn, raw(`[">", 5]`))
	require.NoError(t, err)

	require.NoError(t, env.svc.Departed(ctx, u1.Conn))

	again := env.admit(t, "u1")
	assert.False(t, again.Created)
	assert.Equal(t, models.RoleServant, again.Role)
	assert.Equal(t, ">hello", again.Document)
	assert.Equal(t, int64(1), again.Version)
	assert.Empty(t, env.files.Writes())
}

// hookStore хранилище с внедряемыми ошибками и действием после SetLock
type hookStore struct {
	statestore.Store
	joinErr      error
	createErr    error
	afterSetLock func()
	once         sync.Once
}

func (h *hookStore) SetLock(ctx context.Context, fileID, ownerID string, ttl time.Duration) error {
	if err := h.Store.SetLock(ctx, fileID, ownerID, ttl); err != nil {
		return err
	}
	if h.afterSetLock != nil {
		h.once.Do(h.afterSetLock)
	}
	return nil
}

func (h *hookStore) Join(ctx context.Context, key string, p models.Participant) (*models.Session, error) {
	if h.joinErr != nil {
		return nil, h.joinErr
	}
	return h.Store.Join(ctx, key, p)
}

func (h *hookStore) Create(ctx context.Context, session *models.Session) error {
	if h.createErr != nil {
		return h.createErr
	}
	return h.Store.Create(ctx, session)
}

// Teardown предыдущей сессии целиком проходит между SetLock и Join:
// новая сессия все равно получает блокировку
func TestAdmit_TeardownBetweenLockAndJoin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u1 := env.admit(t, "u1")
	_, _, err := env.svc.ApplyChange(ctx, u1.Conn, raw(`[5, "!"]`))
	require.NoError(t, err)

	hook := &hookStore{Store: env.store}
	hook.afterSetLock = func() {
		require.NoError(t, env.svc.Departed(ctx, u1.Conn))
	}
	env.svc.store = hook

	again := env.admit(t, "u1")
	assert.True(t, again.Created)
	assert.Equal(t, models.RoleMaster, again.Role)
	assert.Equal(t, "hello!", again.Document)

	require.Len(t, env.files.Writes(), 1)
	assert.True(t, env.lockExists(t))
	env.checkInvariants(t)
}

// Ошибка хранилища после SetLock не оставляет блокировку без сессии
func TestAdmit_StoreErrorReleasesLock(t *testing.T) {
	storeErr := errors.New("connection reset")

	tests := []struct {
		name  string
		store func(*hookStore)
	}{
		{name: "join fails", store: func(h *hookStore) { h.joinErr = storeErr }},
		{name: "create fails", store: func(h *hookStore) { h.createErr = storeErr }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			hook := &hookStore{Store: env.store}
			tt.store(hook)
			env.svc.store = hook

			_, err := env.svc.Admit(context.Background(), NewPendingConn("127.0.0.1:1"), models.Identity{UserID: "u1"}, testToken)
			require.ErrorIs(t, err, storeErr)

			var admErr *AdmissionError
			require.ErrorAs(t, err, &admErr)
			assert.Equal(t, api.CodeInternal, admErr.Code)

			assert.Nil(t, env.session(t))
			assert.False(t, env.lockExists(t))
		})
	}
}
