// Package boltstore implements statestore.Store on top of BoltDB for
// single-instance deployments. Every operation runs in one bbolt
// transaction, which serializes writers and makes each step atomic.
package boltstore

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/gophvault/internal/collab/statestore"
)

var (
	// BoltDB bucket names
	bucketSessions = []byte("sessions")
	bucketLocks    = []byte("locks")
)

// Option configures Storage
type Option func(*Storage)

// WithClock overrides the time source (used in tests for TTL expiry)
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// WithPendingLimit sets the maximum length of the pending updates log
func WithPendingLimit(limit int) Option {
	return func(s *Storage) {
		s.pendingLimit = limit
	}
}

// Storage represents BoltDB implementation of the shared state store
type Storage struct {
	db           *bbolt.DB
	now          func() time.Time
	pendingLimit int
}

var _ statestore.Store = (*Storage)(nil)

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string, opts ...Option) (*Storage, error) {
	// Открываем BoltDB
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	storage := &Storage{
		db:           db,
		now:          time.Now,
		pendingLimit: statestore.DefaultPendingLimit,
	}
	for _, opt := range opts {
		opt(storage)
	}

	// Инициализируем buckets
	if err := storage.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return storage, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping проверяет, что база открыта и доступна для чтения
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSessions) == nil {
			return fmt.Errorf("sessions bucket is missing")
		}
		return nil
	})
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSessions); err != nil {
			return fmt.Errorf("failed to create sessions bucket: %w", err)
		}

		if _, err := tx.CreateBucketIfNotExists(bucketLocks); err != nil {
			return fmt.Errorf("failed to create locks bucket: %w", err)
		}

		return nil
	})
}
