package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/iudanet/gophvault/internal/collab/bus"
	"github.com/iudanet/gophvault/internal/models"
	"github.com/iudanet/gophvault/pkg/api"
)

// Departed обрабатывает отключение допущенного подключения. Повторный вызов
// для того же подключения ничего не делает.
//
// Если подключение было master, роль переходит к самому раннему из оставшихся
// участников. Если участников не осталось, этот вызов получает право на
// teardown: снимает блокировку, сохраняет документ и удаляет сессию.
// Ошибка записи файла только логируется, teardown завершается в любом случае.
func (s *Service) Departed(ctx context.Context, conn *AdmittedConn) error {
	res, err := s.store.Leave(ctx, conn.SessionKey, conn.ID, s.cfg.DrainTTL)

	// Продление останавливается до снятия блокировки в teardown
	s.leases.Detach(conn.SessionKey, conn.ID)

	if err != nil {
		return fmt.Errorf("failed to leave session: %w", err)
	}

	if !res.Member {
		return nil
	}

	logger := s.logger.With(
		slog.String("conn_id", conn.ID),
		slog.String("session_key", conn.SessionKey))

	if !res.Drained {
		if ev, ok := s.event(api.EventParticipantLeft, api.ParticipantLeft{ConnectionID: conn.ID}); ok {
			s.publish(ctx, bus.ToSession(conn.SessionKey, conn.ID, ev))
		}

		if res.MasterChanged {
			s.metrics.Handoffs.Inc()
			logger.Info("master handed off", slog.String("master_conn_id", res.Session.MasterConnID))

			if ev, ok := s.event(api.EventMasterChanged, api.MasterChanged{ConnectionID: res.Session.MasterConnID}); ok {
				s.publish(ctx, bus.ToSession(conn.SessionKey, conn.ID, ev))
			}
		}

		logger.Debug("participant left", slog.Int("remaining", len(res.Session.Participants)))
		return nil
	}

	return s.teardown(ctx, logger, conn, res.Session)
}

// teardown выполняется только владельцем drain: снять блокировку,
// сохранить документ, удалить сессию.
func (s *Service) teardown(ctx context.Context, logger *slog.Logger, conn *AdmittedConn, session *models.Session) error {
	var errs []error

	if err := s.store.ReleaseLock(ctx, session.FileID); err != nil {
		logger.Error("failed to release edit lock", slog.String("file_id", session.FileID), slog.Any("error", err))
		errs = append(errs, fmt.Errorf("failed to release edit lock: %w", err))
	}

	size := humanize.Bytes(uint64(len(session.Document)))
	if err := s.files.WriteFile(ctx, session.FilePath, []byte(session.Document), session.MasterOwnerID); err != nil {
		// Несохраненные изменения сессии потеряны
		s.metrics.PersistFailures.Inc()
		logger.Error("failed to persist document, unsaved changes are lost",
			slog.String("file_id", session.FileID),
			slog.String("path", session.FilePath),
			slog.String("size", size),
			slog.Int64("version", session.Version),
			slog.Any("error", err))
	} else {
		s.metrics.PersistedBytes.Observe(float64(len(session.Document)))
		logger.Info("document persisted",
			slog.String("file_id", session.FileID),
			slog.String("path", session.FilePath),
			slog.String("size", size),
			slog.Int64("version", session.Version),
			slog.String("user_id", session.MasterOwnerID))
	}

	deleted, err := s.store.FinishDrain(ctx, conn.SessionKey, conn.ID)
	if err != nil {
		logger.Error("failed to delete drained session", slog.Any("error", err))
		errs = append(errs, fmt.Errorf("failed to finish drain: %w", err))
	} else if !deleted {
		// Drain истек до завершения teardown
		logger.Warn("drained session was already gone")
	}

	s.metrics.SessionsClosed.Inc()

	return errors.Join(errs...)
}
