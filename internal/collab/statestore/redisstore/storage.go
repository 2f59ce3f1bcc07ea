// Package redisstore implements statestore.Store on Redis so that every
// server instance shares one authoritative copy of each session.
//
// Layout: a hash per session (prefix + session key) with the fields doc,
// version, masterConnectionId, masterOwnerId, fileId, filePath, participants,
// pendingUpdates, state, drainOwner, drainDeadline, createdAt, updatedAt; and
// a string "lock::<fileId>" holding the lock owner with a PX TTL.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iudanet/gophvault/internal/collab/statestore"
	"github.com/iudanet/gophvault/internal/models"
)

const (
	// DefaultSessionPrefix префикс ключей сессий
	DefaultSessionPrefix = "collab:session:"
	// LockPrefix префикс ключей блокировок файлов
	LockPrefix = "lock::"

	// maxTxRetries количество повторов оптимистичной транзакции
	maxTxRetries = 50
)

// Config holds Redis connection settings
type Config struct {
	Addr          string
	Password      string
	SessionPrefix string
	DB            int
	PendingLimit  int
}

// Storage represents Redis implementation of the shared state store
type Storage struct {
	rdb           *redis.Client
	now           func() time.Time
	sessionPrefix string
	pendingLimit  int
}

var _ statestore.Store = (*Storage)(nil)

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg Config) (*Storage, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewWithClient(rdb, cfg), nil
}

// NewWithClient wraps an existing client (shared with the event bus)
func NewWithClient(rdb *redis.Client, cfg Config) *Storage {
	prefix := cfg.SessionPrefix
	if prefix == "" {
		prefix = DefaultSessionPrefix
	}
	limit := cfg.PendingLimit
	if limit <= 0 {
		limit = statestore.DefaultPendingLimit
	}

	return &Storage{
		rdb:           rdb,
		now:           time.Now,
		sessionPrefix: prefix,
		pendingLimit:  limit,
	}
}

// Client returns the underlying Redis client
func (s *Storage) Client() *redis.Client {
	return s.rdb
}

// Ping checks Redis availability
func (s *Storage) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.rdb.Close()
}

func (s *Storage) sessionKey(key string) string {
	return s.sessionPrefix + key
}

func lockKey(fileID string) string {
	return LockPrefix + fileID
}

// Create stores a new live session if none exists
func (s *Storage) Create(ctx context.Context, session *models.Session) error {
	participants, err := json.Marshal(session.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	status, err := createScript.Run(ctx, s.rdb, []string{s.sessionKey(session.Key)},
		session.Document,
		session.MasterConnID,
		session.MasterOwnerID,
		session.FileID,
		session.FilePath,
		string(participants),
		formatTime(s.now()),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	switch status {
	case "ok":
		return nil
	case "exists":
		return statestore.ErrSessionExists
	default:
		return statestore.ErrSessionDraining
	}
}

// Join appends p to a live session
func (s *Storage) Join(ctx context.Context, key string, p models.Participant) (*models.Session, error) {
	participant, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal participant: %w", err)
	}

	res, err := joinScript.Run(ctx, s.rdb, []string{s.sessionKey(key)},
		p.ConnID, string(participant), formatTime(s.now())).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to join session: %w", err)
	}

	status, fields, err := splitScriptResult(res)
	if err != nil {
		return nil, err
	}

	switch status {
	case "missing":
		return nil, statestore.ErrSessionNotFound
	case "draining":
		return nil, statestore.ErrSessionDraining
	}

	return sessionFromHash(key, fields)
}

// Get returns the current snapshot of the session
func (s *Storage) Get(ctx context.Context, key string) (*models.Session, error) {
	fields, err := s.rdb.HGetAll(ctx, s.sessionKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, statestore.ErrSessionNotFound
	}

	return sessionFromHash(key, fields)
}

// UpdateDocument applies fn under WATCH and retries on concurrent modification
func (s *Storage) UpdateDocument(ctx context.Context, key, connID string, change json.RawMessage, fn statestore.UpdateFunc) (*models.Session, error) {
	redisKey := s.sessionKey(key)
	var snapshot *models.Session

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		if len(fields) == 0 {
			return statestore.ErrSessionNotFound
		}

		session, err := sessionFromHash(key, fields)
		if err != nil {
			return err
		}
		if session.State != models.SessionLive {
			return statestore.ErrSessionNotFound
		}
		if session.ParticipantIndex(connID) < 0 {
			return statestore.ErrNotParticipant
		}

		doc, err := fn(session.Document, session.Version)
		if err != nil {
			return err
		}

		now := s.now()
		session.Document = doc
		session.Version++
		session.UpdatedAt = now
		session.PendingUpdates = statestore.AppendPending(session.PendingUpdates, models.PendingUpdate{
			AppliedAt: now,
			ConnID:    connID,
			Change:    change,
			Version:   session.Version,
		}, s.pendingLimit)

		pending, err := json.Marshal(session.PendingUpdates)
		if err != nil {
			return fmt.Errorf("failed to marshal pending updates: %w", err)
		}

		// Запись выполнится только если ключ не менялся с момента WATCH
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, redisKey,
				"doc", session.Document,
				"version", strconv.FormatInt(session.Version, 10),
				"pendingUpdates", string(pending),
				"updatedAt", formatTime(now),
			)
			return nil
		})
		if err != nil {
			return err
		}

		snapshot = session
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, redisKey)
		if err == nil {
			return snapshot, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("failed to update document: too many concurrent modifications")
}

// Leave removes connID from the session and claims teardown when it empties
func (s *Storage) Leave(ctx context.Context, key, connID string, drainTTL time.Duration) (*statestore.LeaveResult, error) {
	now := s.now()

	res, err := leaveScript.Run(ctx, s.rdb, []string{s.sessionKey(key)},
		connID,
		strconv.FormatInt(drainTTL.Milliseconds(), 10),
		formatTime(now),
		formatTime(now.Add(drainTTL)),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to leave session: %w", err)
	}

	status, fields, err := splitScriptResult(res)
	if err != nil {
		return nil, err
	}

	result := &statestore.LeaveResult{}
	if status == "missing" {
		return result, nil
	}

	result.Session, err = sessionFromHash(key, fields)
	if err != nil {
		return nil, err
	}

	switch status {
	case "drained":
		result.Member = true
		result.Drained = true
	case "handoff":
		result.Member = true
		result.MasterChanged = true
	case "left":
		result.Member = true
	}

	return result, nil
}

// FinishDrain deletes the session if connID owns the drain
func (s *Storage) FinishDrain(ctx context.Context, key, connID string) (bool, error) {
	n, err := finishDrainScript.Run(ctx, s.rdb, []string{s.sessionKey(key)}, connID).Int()
	if err != nil {
		return false, fmt.Errorf("failed to finish drain: %w", err)
	}
	return n == 1, nil
}

// SetLock creates or overwrites the edit lock of a file
func (s *Storage) SetLock(ctx context.Context, fileID, ownerID string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, lockKey(fileID), ownerID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set lock: %w", err)
	}
	return nil
}

// RefreshLock extends the lock TTL or recreates an expired lock
func (s *Storage) RefreshLock(ctx context.Context, fileID, ownerID string, ttl time.Duration) (bool, error) {
	n, err := refreshLockScript.Run(ctx, s.rdb, []string{lockKey(fileID)},
		ownerID, strconv.FormatInt(ttl.Milliseconds(), 10)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock: %w", err)
	}
	return n == 1, nil
}

// GetLock returns the edit lock
func (s *Storage) GetLock(ctx context.Context, fileID string) (*models.EditLock, error) {
	pipe := s.rdb.Pipeline()
	getCmd := pipe.Get(ctx, lockKey(fileID))
	ttlCmd := pipe.PTTL(ctx, lockKey(fileID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	owner, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, statestore.ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	lock := &models.EditLock{FileID: fileID, OwnerUserID: owner}
	if ttl := ttlCmd.Val(); ttl > 0 {
		lock.ExpiresAt = s.now().Add(ttl)
	}

	return lock, nil
}

// ReleaseLock deletes the edit lock
func (s *Storage) ReleaseLock(ctx context.Context, fileID string) error {
	if err := s.rdb.Del(ctx, lockKey(fileID)).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// splitScriptResult разбирает ответ скрипта {status, field, value, ...}
func splitScriptResult(res []interface{}) (string, map[string]string, error) {
	if len(res) == 0 {
		return "", nil, fmt.Errorf("empty script result")
	}

	status, ok := res[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("unexpected script status type %T", res[0])
	}

	fields := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}

	return status, fields, nil
}

// sessionFromHash собирает models.Session из полей хеша
func sessionFromHash(key string, fields map[string]string) (*models.Session, error) {
	session := &models.Session{
		Key:           key,
		FileID:        fields["fileId"],
		FilePath:      fields["filePath"],
		Document:      fields["doc"],
		MasterConnID:  fields["masterConnectionId"],
		MasterOwnerID: fields["masterOwnerId"],
		State:         models.SessionState(fields["state"]),
		DrainOwner:    fields["drainOwner"],
		CreatedAt:     parseTime(fields["createdAt"]),
		UpdatedAt:     parseTime(fields["updatedAt"]),
		DrainDeadline: parseTime(fields["drainDeadline"]),
	}

	if v := fields["version"]; v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse version: %w", err)
		}
		session.Version = version
	}

	if v := fields["participants"]; v != "" {
		if err := json.Unmarshal([]byte(v), &session.Participants); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
		}
	}

	if v := fields["pendingUpdates"]; v != "" {
		if err := json.Unmarshal([]byte(v), &session.PendingUpdates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending updates: %w", err)
		}
	}

	return session, nil
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
