package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/gophvault/internal/collab/bus"
	"github.com/iudanet/gophvault/internal/collab/statestore"
	"github.com/iudanet/gophvault/internal/collab/statestore/boltstore"
	"github.com/iudanet/gophvault/internal/metrics"
	"github.com/iudanet/gophvault/internal/models"
	"github.com/iudanet/gophvault/internal/server/storage"
)

const (
	testToken = "share-token-0123456789"
	testPath  = "/tenant-a/doc.txt"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError,
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

type fileWrite struct {
	path    string
	content string
	userID  string
}

// fakeFiles файловая подсистема в памяти
type fakeFiles struct {
	readErr       error
	writeErr      error
	files         map[string]*models.File
	content       map[string][]byte
	collaborators map[string]bool
	writes        []fileWrite
	mu            sync.Mutex
}

var _ Files = (*fakeFiles)(nil)

func newFakeFiles() *fakeFiles {
	f := &fakeFiles{
		files:         make(map[string]*models.File),
		content:       make(map[string][]byte),
		collaborators: make(map[string]bool),
	}
	f.add(testToken, &models.File{
		ID:           "file-1",
		OwnerID:      "u1",
		Path:         testPath,
		ShareToken:   testToken,
		ShareEnabled: true,
	}, "hello")
	return f
}

func (f *fakeFiles) add(token string, file *models.File, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[token] = file
	f.content[file.Path] = []byte(content)
}

func (f *fakeFiles) allow(fileID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collaborators[fileID+"|"+userID] = true
}

func (f *fakeFiles) setContent(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[path] = []byte(content)
}

func (f *fakeFiles) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeFiles) Writes() []fileWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fileWrite(nil), f.writes...)
}

func (f *fakeFiles) ResolveShare(ctx context.Context, token string) (*models.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[token]
	if !ok {
		return nil, storage.ErrShareNotFound
	}
	c := *file
	return &c, nil
}

func (f *fakeFiles) CanCollaborate(ctx context.Context, userID string, file *models.File) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return file.OwnerID == userID || f.collaborators[file.ID+"|"+userID], nil
}

func (f *fakeFiles) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	content, ok := f.content[path]
	if !ok {
		return nil, storage.ErrFileNotFound
	}
	return append([]byte(nil), content...), nil
}

func (f *fakeFiles) WriteFile(ctx context.Context, path string, content []byte, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, fileWrite{path: path, content: string(content), userID: userID})
	f.content[path] = append([]byte(nil), content...)
	return nil
}

func (f *fakeFiles) DisableShare(ctx context.Context, token string) (*models.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[token]
	if !ok {
		return nil, storage.ErrShareNotFound
	}
	file.ShareEnabled = false
	c := *file
	return &c, nil
}

// recordingBus запоминает все опубликованные события
type recordingBus struct {
	err  error
	envs []bus.Envelope
	mu   sync.Mutex
}

func (b *recordingBus) Publish(ctx context.Context, env bus.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs = append(b.envs, env)
	return b.err
}

func (b *recordingBus) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *recordingBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs = nil
}

// named возвращает конверты с событием name
func (b *recordingBus) named(name string) []bus.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Envelope
	for _, env := range b.envs {
		if env.Event.Name == name {
			out = append(out, env)
		}
	}
	return out
}

type testEnv struct {
	svc     *Service
	store   *boltstore.Storage
	files   *fakeFiles
	bus     *recordingBus
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	store, err := boltstore.New(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	cfg := Config{
		SessionSecret:     []byte("session-secret"),
		LockTTL:           10 * time.Minute,
		HeartbeatInterval: time.Hour,
		DrainTTL:          30 * time.Second,
		AdmitBackoff:      5 * time.Millisecond,
		AdmitRetries:      200,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	env := &testEnv{
		store:   store,
		files:   newFakeFiles(),
		bus:     &recordingBus{},
		metrics: metrics.New(),
	}
	env.svc = NewService(setupTestLogger(), cfg, store, env.files, env.bus, env.metrics)

	t.Cleanup(func() {
		env.svc.Close()
		_ = store.Close()
	})

	return env
}

func (e *testEnv) admit(t *testing.T, userID string) *AdmissionResult {
	t.Helper()

	res, err := e.svc.Admit(context.Background(), NewPendingConn("127.0.0.1:1"), models.Identity{UserID: userID}, testToken)
	require.NoError(t, err)
	return res
}

func (e *testEnv) key(t *testing.T) string {
	t.Helper()

	key, err := e.svc.SessionKey(testToken)
	require.NoError(t, err)
	return key
}

func (e *testEnv) session(t *testing.T) *models.Session {
	t.Helper()

	s, err := e.store.Get(context.Background(), e.key(t))
	if errors.Is(err, statestore.ErrSessionNotFound) {
		return nil
	}
	require.NoError(t, err)
	return s
}

func (e *testEnv) lockExists(t *testing.T) bool {
	t.Helper()

	_, err := e.store.GetLock(context.Background(), "file-1")
	if errors.Is(err, statestore.ErrLockNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

// checkInvariants проверяет единственность master и связь блокировки с сессией
func (e *testEnv) checkInvariants(t *testing.T) {
	t.Helper()

	s := e.session(t)
	if s == nil {
		assert.False(t, e.lockExists(t), "lock must not outlive the session")
		return
	}

	require.Equal(t, models.SessionLive, s.State)
	masters := 0
	for _, p := range s.Participants {
		if p.ConnID == s.MasterConnID {
			masters++
		}
	}
	assert.Equal(t, 1, masters, "exactly one master must be a participant")
	assert.True(t, e.lockExists(t), "live session must hold the edit lock")
}

func change(t *testing.T, v any) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
