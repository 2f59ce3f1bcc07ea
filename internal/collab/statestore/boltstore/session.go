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

// Create stores a new live session if none exists for s.Key
func (s *Storage) Create(ctx context.Context, session *models.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		now := s.now()

		existing, err := readSession(bucket, session.Key)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.State == models.SessionLive {
				return statestore.ErrSessionExists
			}
			if existing.Draining(now) {
				return statestore.ErrSessionDraining
			}
			// Истекший draining считается отсутствующим
		}

		fresh := session.Clone()
		fresh.State = models.SessionLive
		fresh.DrainOwner = ""
		fresh.DrainDeadline = time.Time{}
		fresh.CreatedAt = now
		fresh.UpdatedAt = now

		return writeSession(bucket, fresh)
	})
}

// Join appends p to a live session
func (s *Storage) Join(ctx context.Context, key string, p models.Participant) (*models.Session, error) {
	var snapshot *models.Session

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		now := s.now()

		session, err := readSession(bucket, key)
		if err != nil {
			return err
		}
		if session == nil {
			return statestore.ErrSessionNotFound
		}
		if session.State != models.SessionLive {
			if session.Draining(now) {
				return statestore.ErrSessionDraining
			}
			return statestore.ErrSessionNotFound
		}

		// Повторное присоединение того же подключения ничего не меняет
		if session.ParticipantIndex(p.ConnID) >= 0 {
			snapshot = session
			return nil
		}

		session.Participants = append(session.Participants, p)
		session.UpdatedAt = now
		snapshot = session

		return writeSession(bucket, session)
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// Get returns the current snapshot of the session
func (s *Storage) Get(ctx context.Context, key string) (*models.Session, error) {
	var snapshot *models.Session

	err := s.db.View(func(tx *bbolt.Tx) error {
		session, err := readSession(tx.Bucket(bucketSessions), key)
		if err != nil {
			return err
		}
		if session == nil || (session.State == models.SessionDraining && !session.Draining(s.now())) {
			return statestore.ErrSessionNotFound
		}
		snapshot = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// UpdateDocument applies fn to the document as one transaction
func (s *Storage) UpdateDocument(ctx context.Context, key, connID string, change json.RawMessage, fn statestore.UpdateFunc) (*models.Session, error) {
	var snapshot *models.Session

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)

		session, err := readSession(bucket, key)
		if err != nil {
			return err
		}
		if session == nil || session.State != models.SessionLive {
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
		snapshot = session

		return writeSession(bucket, session)
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// Leave removes connID from the session and claims teardown when it empties
func (s *Storage) Leave(ctx context.Context, key, connID string, drainTTL time.Duration) (*statestore.LeaveResult, error) {
	result := &statestore.LeaveResult{}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		now := s.now()

		session, err := readSession(bucket, key)
		if err != nil {
			return err
		}
		if session == nil {
			return nil
		}
		result.Session = session

		idx := session.ParticipantIndex(connID)
		if session.State != models.SessionLive || idx < 0 {
			return nil
		}

		result.Member = true
		wasMaster := session.MasterConnID == connID
		session.Participants = append(session.Participants[:idx], session.Participants[idx+1:]...)
		session.UpdatedAt = now

		switch {
		case len(session.Participants) == 0:
			// Атомарный захват teardown: только этот вызов увидит Drained
			session.State = models.SessionDraining
			session.DrainOwner = connID
			session.DrainDeadline = now.Add(drainTTL)
			session.MasterConnID = ""
			result.Drained = true
		case wasMaster:
			session.MasterConnID = session.Participants[0].ConnID
			result.MasterChanged = true
		}

		return writeSession(bucket, session)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// FinishDrain deletes the session if connID owns the drain
func (s *Storage) FinishDrain(ctx context.Context, key, connID string) (bool, error) {
	deleted := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)

		session, err := readSession(bucket, key)
		if err != nil {
			return err
		}
		if session == nil || session.State != models.SessionDraining || session.DrainOwner != connID {
			return nil
		}

		if err := bucket.Delete([]byte(key)); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return deleted, nil
}

// readSession читает и десериализует сессию, nil если ключа нет
func readSession(bucket *bbolt.Bucket, key string) (*models.Session, error) {
	data := bucket.Get([]byte(key))
	if data == nil {
		return nil, nil
	}

	session := &models.Session{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return session, nil
}

// writeSession сериализует сессию в JSON и сохраняет по ключу
func writeSession(bucket *bbolt.Bucket, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := bucket.Put([]byte(session.Key), data); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}
