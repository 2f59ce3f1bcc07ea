package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/iudanet/gophvault/internal/collab/bus"
	"github.com/iudanet/gophvault/internal/collab/statestore"
	"github.com/iudanet/gophvault/internal/metrics"
	"github.com/iudanet/gophvault/internal/models"
	"github.com/iudanet/gophvault/internal/server/storage"
	"github.com/iudanet/gophvault/internal/validation"
	"github.com/iudanet/gophvault/pkg/api"
)

// AdmissionResult результат допуска подключения в сессию
type AdmissionResult struct {
	Conn         *AdmittedConn
	Role         models.Role
	Document     string
	Participants []models.Participant
	Version      int64
	Created      bool
}

// FullDocument payload начальной синхронизации для допущенного подключения
func (r *AdmissionResult) FullDocument() api.FullDocument {
	return api.FullDocument{
		Text:         r.Document,
		Role:         string(r.Role),
		ConnectionID: r.Conn.ID,
		Version:      r.Version,
	}
}

// Admit допускает подключение в сессию документа, опубликованного по shareToken.
// Создает сессию, если ее нет, иначе присоединяет подключение к существующей.
// При отказе возвращает *AdmissionError и не создает состояние сессии.
func (s *Service) Admit(ctx context.Context, pending PendingConn, identity models.Identity, shareToken string) (*AdmissionResult, error) {
	result, err := s.admit(ctx, pending, identity, shareToken)
	if err != nil {
		admErr := admissionError(err)
		if admErr.Code == api.CodeInternal {
			s.metrics.Admissions.WithLabelValues(metrics.AdmitFailed).Inc()
			s.logger.Error("admission failed",
				slog.String("conn_id", pending.ID),
				slog.String("user_id", identity.UserID),
				slog.Any("error", err))
		} else {
			s.metrics.Admissions.WithLabelValues(metrics.AdmitRejected).Inc()
			s.logger.Info("admission rejected",
				slog.String("conn_id", pending.ID),
				slog.String("user_id", identity.UserID),
				slog.String("code", admErr.Code),
				slog.Any("error", err))
		}
		return nil, admErr
	}

	label := metrics.AdmitJoined
	if result.Created {
		label = metrics.AdmitCreated
	}
	s.metrics.Admissions.WithLabelValues(label).Inc()

	s.logger.Info("connection admitted",
		slog.String("conn_id", result.Conn.ID),
		slog.String("user_id", identity.UserID),
		slog.String("session_key", result.Conn.SessionKey),
		slog.String("role", string(result.Role)),
		slog.Int64("version", result.Version),
		slog.String("document_size", humanize.Bytes(uint64(len(result.Document)))),
		slog.Bool("created", result.Created))

	return result, nil
}

func (s *Service) admit(ctx context.Context, pending PendingConn, identity models.Identity, shareToken string) (*AdmissionResult, error) {
	if err := validation.ValidateShareToken(shareToken); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShareToken, err)
	}

	file, err := s.resolve(ctx, identity, shareToken)
	if err != nil {
		return nil, err
	}

	key, err := s.SessionKey(shareToken)
	if err != nil {
		return nil, err
	}

	// (a) блокировка файла ставится до создания или присоединения к сессии
	if err := s.store.SetLock(ctx, file.ID, identity.UserID, s.cfg.LockTTL); err != nil {
		return nil, fmt.Errorf("failed to set edit lock: %w", err)
	}

	participant := models.Participant{
		JoinedAt: s.now(),
		ConnID:   pending.ID,
		UserID:   identity.UserID,
	}

	session, created, err := s.joinOrCreate(ctx, key, file, participant)
	if err != nil {
		// Контекст запроса может быть отменен, блокировка снимается в любом случае
		s.releaseOrphanLock(context.WithoutCancel(ctx), key, file.ID)
		return nil, err
	}

	// Teardown предыдущей сессии мог снять блокировку между SetLock и Join
	if err := s.store.SetLock(ctx, file.ID, identity.UserID, s.cfg.LockTTL); err != nil {
		s.logger.Error("failed to restore edit lock",
			slog.String("session_key", key),
			slog.String("file_id", file.ID),
			slog.Any("error", err))
	}

	conn := &AdmittedConn{
		JoinedAt:   participant.JoinedAt,
		Identity:   identity,
		ID:         pending.ID,
		RemoteAddr: pending.RemoteAddr,
		SessionKey: key,
		FileID:     file.ID,
	}

	s.leases.Attach(key, file.ID, identity.UserID, conn.ID)

	if !created {
		if ev, ok := s.event(api.EventParticipantJoined, api.ParticipantJoined{
			ConnectionID: conn.ID,
			UserID:       identity.UserID,
		}); ok {
			s.publish(ctx, bus.ToSession(key, conn.ID, ev))
		}
	}

	return &AdmissionResult{
		Conn:         conn,
		Role:         session.RoleOf(conn.ID),
		Document:     session.Document,
		Participants: session.Participants,
		Version:      session.Version,
		Created:      created,
	}, nil
}

// resolve находит файл по токену и проверяет право на совместную работу
func (s *Service) resolve(ctx context.Context, identity models.Identity, shareToken string) (*models.File, error) {
	file, err := s.files.ResolveShare(ctx, shareToken)
	if err != nil {
		if errors.Is(err, storage.ErrShareNotFound) || errors.Is(err, storage.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
		}
		return nil, fmt.Errorf("failed to resolve share: %w", err)
	}

	if reason := file.ShareableReason(); reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrNotShareable, reason)
	}

	ok, err := s.files.CanCollaborate(ctx, identity.UserID, file)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize: %w", err)
	}
	if !ok {
		return nil, ErrUnauthorized
	}

	return file, nil
}

// joinOrCreate присоединяет участника к живой сессии или создает ее.
// Create выполняется только если сессии нет; проигравший гонку создатель
// повторяет попытку через Join. Во время teardown попытки повторяются с паузой.
func (s *Service) joinOrCreate(
	ctx context.Context,
	key string,
	file *models.File,
	p models.Participant,
) (session *models.Session, created bool, err error) {
	for attempt := 0; attempt < s.cfg.AdmitRetries; attempt++ {
		if attempt > 0 {
			s.metrics.AdmitRetries.Inc()
		}

		session, err = s.store.Join(ctx, key, p)
		switch {
		case err == nil:
			return session, false, nil
		case errors.Is(err, statestore.ErrSessionDraining):
			if err := sleep(ctx, s.cfg.AdmitBackoff); err != nil {
				return nil, false, err
			}
			continue
		case !errors.Is(err, statestore.ErrSessionNotFound):
			return nil, false, fmt.Errorf("failed to join session: %w", err)
		}

		content, err := s.files.ReadFile(ctx, file.Path)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
		}

		session = &models.Session{
			Key:           key,
			FileID:        file.ID,
			FilePath:      file.Path,
			Document:      string(content),
			MasterConnID:  p.ConnID,
			MasterOwnerID: p.UserID,
			State:         models.SessionLive,
			Participants:  []models.Participant{p},
		}

		err = s.store.Create(ctx, session)
		switch {
		case err == nil:
			return session, true, nil
		case errors.Is(err, statestore.ErrSessionExists):
			// Сессию создал конкурент: присоединяемся к ней
			continue
		case errors.Is(err, statestore.ErrSessionDraining):
			if err := sleep(ctx, s.cfg.AdmitBackoff); err != nil {
				return nil, false, err
			}
			continue
		default:
			return nil, false, fmt.Errorf("failed to create session: %w", err)
		}
	}

	return nil, false, ErrAdmissionTimeout
}

// releaseOrphanLock снимает блокировку, поставленную отклоненным допуском, если сессии нет.
// Конкурентный допуск, успевший создать сессию, ставит блокировку заново.
func (s *Service) releaseOrphanLock(ctx context.Context, key, fileID string) {
	// Draining сессия снимает блокировку в teardown, наша осталась бы без сессии
	session, err := s.store.Get(ctx, key)
	switch {
	case errors.Is(err, statestore.ErrSessionNotFound):
	case err != nil:
		s.logger.Warn("failed to check session before releasing edit lock",
			slog.String("file_id", fileID),
			slog.Any("error", err))
		return
	case session.State == models.SessionLive:
		return
	}
	if err := s.store.ReleaseLock(ctx, fileID); err != nil {
		s.logger.Error("failed to release edit lock after rejected admission",
			slog.String("file_id", fileID),
			slog.Any("error", err))
	}
}
