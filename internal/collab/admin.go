package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/iudanet/gophvault/internal/collab/bus"
	"github.com/iudanet/gophvault/internal/collab/statestore"
	"github.com/iudanet/gophvault/internal/server/storage"
	"github.com/iudanet/gophvault/internal/validation"
	"github.com/iudanet/gophvault/pkg/api"
)

var (
	// ErrSessionNotFound indicates that no session is open for the share
	ErrSessionNotFound = errors.New("no active session for share")

	// ErrInvalidEvent indicates an administrative event without a name
	ErrInvalidEvent = errors.New("event name is required")
)

// DisableShare отключает ссылку и уведомляет участников открытой сессии.
// Транспорт закрывает соединения после доставки share-disabled.
func (s *Service) DisableShare(ctx context.Context, shareToken string) error {
	key, err := s.adminSessionKey(shareToken)
	if err != nil {
		return err
	}

	file, err := s.files.DisableShare(ctx, shareToken)
	if err != nil {
		if errors.Is(err, storage.ErrShareNotFound) {
			return fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
		}
		return fmt.Errorf("failed to disable share: %w", err)
	}

	s.logger.Info("share disabled",
		slog.String("file_id", file.ID),
		slog.String("session_key", key))

	if ev, ok := s.event(api.EventShareDisabled, struct{}{}); ok {
		s.publish(ctx, bus.ToSession(key, "", ev))
	}

	return nil
}

// Notify отправляет административное событие всем участникам сессии
func (s *Service) Notify(ctx context.Context, shareToken, event string, payload json.RawMessage) error {
	key, err := s.adminSessionKey(shareToken)
	if err != nil {
		return err
	}
	if event == "" {
		return ErrInvalidEvent
	}

	if _, err := s.store.Get(ctx, key); err != nil {
		if errors.Is(err, statestore.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to get session: %w", err)
	}

	return s.bus.Publish(ctx, bus.ToSession(key, "", api.Event{Name: event, Data: payload}))
}

// Inspect возвращает диагностику сессии
func (s *Service) Inspect(ctx context.Context, shareToken string) (*api.SessionInfo, error) {
	key, err := s.adminSessionKey(shareToken)
	if err != nil {
		return nil, err
	}

	session, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, statestore.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	info := &api.SessionInfo{
		CreatedAt:     session.CreatedAt,
		UpdatedAt:     session.UpdatedAt,
		SessionKey:    session.Key,
		FileID:        session.FileID,
		State:         string(session.State),
		MasterConnID:  session.MasterConnID,
		MasterOwnerID: session.MasterOwnerID,
		Participants:  make([]api.SessionParticipant, 0, len(session.Participants)),
		Version:       session.Version,
		DocumentSize:  len(session.Document),
		PendingLength: len(session.PendingUpdates),
	}

	for _, p := range session.Participants {
		info.Participants = append(info.Participants, api.SessionParticipant{
			JoinedAt:     p.JoinedAt,
			ConnectionID: p.ConnID,
			UserID:       p.UserID,
			Role:         string(session.RoleOf(p.ConnID)),
		})
	}

	lock, err := s.store.GetLock(ctx, session.FileID)
	switch {
	case err == nil:
		expiresAt := lock.ExpiresAt
		info.LockExpiresAt = &expiresAt
		info.LockOwnerID = lock.OwnerUserID
	case !errors.Is(err, statestore.ErrLockNotFound):
		return nil, fmt.Errorf("failed to get edit lock: %w", err)
	}

	return info, nil
}

func (s *Service) adminSessionKey(shareToken string) (string, error) {
	if err := validation.ValidateShareToken(shareToken); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidShareToken, err)
	}
	return s.SessionKey(shareToken)
}
