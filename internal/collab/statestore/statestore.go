// Package statestore defines the Shared State Store: the authoritative,
// process-independent copy of every collaboration session and the per-file
// edit locks. Every method is a single atomic step against the backend, so
// callers never need an in-memory lock across store calls.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/iudanet/gophvault/internal/models"
)

// Common store errors
var (
	// ErrSessionNotFound indicates that no live session exists for the key
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists indicates that a live session already exists for the key
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionDraining indicates that the last participant left and teardown is in progress
	ErrSessionDraining = errors.New("session is draining")

	// ErrNotParticipant indicates that the connection is not a participant of the session
	ErrNotParticipant = errors.New("connection is not a session participant")

	// ErrLockNotFound indicates that the edit lock does not exist or has expired
	ErrLockNotFound = errors.New("edit lock not found")
)

// UpdateFunc computes the new document text from the current one.
// Returning an error aborts the update and leaves the session unchanged.
type UpdateFunc func(doc string, version int64) (string, error)

// LeaveResult describes the outcome of a participant leaving a session.
type LeaveResult struct {
	// Session is the snapshot right after the leave. For a drained session it
	// holds the final document. Nil when the session did not exist.
	Session *models.Session
	// Member reports whether the connection was a participant before the call.
	Member bool
	// MasterChanged reports a master handoff to Session.MasterConnID.
	MasterChanged bool
	// Drained reports that the session became empty and the caller now owns teardown.
	Drained bool
}

// Store is the Shared State Store.
type Store interface {
	// Create stores a new live session if none exists for s.Key.
	// Returns ErrSessionExists for a live session and ErrSessionDraining while
	// a previous session for the key is being torn down.
	Create(ctx context.Context, s *models.Session) error

	// Join appends p to the participants of a live session and returns the
	// snapshot observed atomically with the append. Joining twice is a no-op.
	// Returns ErrSessionNotFound or ErrSessionDraining.
	Join(ctx context.Context, key string, p models.Participant) (*models.Session, error)

	// Get returns the current snapshot, including draining sessions.
	// Returns ErrSessionNotFound if the session does not exist.
	Get(ctx context.Context, key string) (*models.Session, error)

	// UpdateDocument runs fn against the current text and stores its result,
	// incrementing the version and appending change to the pending log, as one
	// atomic step. Returns ErrSessionNotFound if the session is absent or
	// draining, ErrNotParticipant if connID is not a participant, or fn's error.
	UpdateDocument(ctx context.Context, key, connID string, change json.RawMessage, fn UpdateFunc) (*models.Session, error)

	// Leave removes connID from the session. If it was the master, the
	// earliest-joined remaining participant becomes master. If nobody remains
	// the session switches to draining for drainTTL with connID as drain owner.
	// Leaving a session the connection is not part of is a no-op.
	Leave(ctx context.Context, key, connID string, drainTTL time.Duration) (*LeaveResult, error)

	// FinishDrain deletes a draining session if connID owns the drain.
	// Returns false if the session is gone or owned by another drain.
	FinishDrain(ctx context.Context, key, connID string) (bool, error)

	// SetLock creates or overwrites the edit lock of a file.
	SetLock(ctx context.Context, fileID, ownerID string, ttl time.Duration) error

	// RefreshLock extends the lock TTL keeping its owner; if the lock already
	// expired it is recreated for ownerID and recreated is true.
	RefreshLock(ctx context.Context, fileID, ownerID string, ttl time.Duration) (recreated bool, err error)

	// GetLock returns the edit lock. Returns ErrLockNotFound if absent or expired.
	GetLock(ctx context.Context, fileID string) (*models.EditLock, error)

	// ReleaseLock deletes the edit lock. Releasing a missing lock is not an error.
	ReleaseLock(ctx context.Context, fileID string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// DefaultPendingLimit максимальная длина журнала изменений по умолчанию
const DefaultPendingLimit = 256

// AppendPending добавляет запись в журнал изменений, отбрасывая самые старые
// записи сверх limit.
func AppendPending(log []models.PendingUpdate, u models.PendingUpdate, limit int) []models.PendingUpdate {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	log = append(log, u)
	if over := len(log) - limit; over > 0 {
		log = append([]models.PendingUpdate(nil), log[over:]...)
	}
	return log
}
