package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/gophvault/internal/collab/statestore"
	"github.com/iudanet/gophvault/internal/models"
)

// SetLock creates or overwrites the edit lock of a file
func (s *Storage) SetLock(ctx context.Context, fileID, ownerID string, ttl time.Duration) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return writeLock(tx.Bucket(bucketLocks), &models.EditLock{
			FileID:      fileID,
			OwnerUserID: ownerID,
			ExpiresAt:   s.now().Add(ttl),
		})
	})
}

// RefreshLock extends the lock TTL or recreates an expired lock
func (s *Storage) RefreshLock(ctx context.Context, fileID, ownerID string, ttl time.Duration) (bool, error) {
	recreated := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		now := s.now()

		lock, err := readLock(bucket, fileID)
		if err != nil {
			return err
		}
		if lock == nil || !now.Before(lock.ExpiresAt) {
			lock = &models.EditLock{FileID: fileID, OwnerUserID: ownerID}
			recreated = true
		}
		lock.ExpiresAt = now.Add(ttl)

		return writeLock(bucket, lock)
	})
	if err != nil {
		return false, err
	}

	return recreated, nil
}

// GetLock returns the edit lock if it has not expired
func (s *Storage) GetLock(ctx context.Context, fileID string) (*models.EditLock, error) {
	var lock *models.EditLock

	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		lock, err = readLock(tx.Bucket(bucketLocks), fileID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if lock == nil || !s.now().Before(lock.ExpiresAt) {
		return nil, statestore.ErrLockNotFound
	}

	return lock, nil
}

// ReleaseLock deletes the edit lock
func (s *Storage) ReleaseLock(ctx context.Context, fileID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketLocks).Delete([]byte(fileID)); err != nil {
			return fmt.Errorf("failed to delete lock: %w", err)
		}
		return nil
	})
}

func readLock(bucket *bbolt.Bucket, fileID string) (*models.EditLock, error) {
	data := bucket.Get([]byte(fileID))
	if data == nil {
		return nil, nil
	}

	lock := &models.EditLock{}
	if err := json.Unmarshal(data, lock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock: %w", err)
	}

	return lock, nil
}

func writeLock(bucket *bbolt.Bucket, lock *models.EditLock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := bucket.Put([]byte(lock.FileID), data); err != nil {
		return fmt.Errorf("failed to save lock: %w", err)
	}

	return nil
}
