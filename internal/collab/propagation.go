package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/iudanet/gophvault/internal/collab/bus"
	"github.com/iudanet/gophvault/internal/textop"
	"github.com/iudanet/gophvault/pkg/api"
)

// Outcome результат применения изменения
type Outcome int

const (
	// Applied изменение применено и разослано остальным участникам
	Applied Outcome = iota + 1
	// ResyncRequired изменение отклонено, отправитель должен запросить документ целиком
	ResyncRequired
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case ResyncRequired:
		return "resync-required"
	default:
		return "unknown"
	}
}

// ApplyChange применяет изменение отправителя к документу сессии.
// Успешное изменение рассылается остальным участникам, отправитель получает
// change-ack. Некорректное изменение или исчезнувшая сессия приводят
// к resync-required только для отправителя, документ не меняется.
//
// Если рассылка не удалась после сохранения текста, изменение не
// откатывается: участники восстанавливаются через resync.
func (s *Service) ApplyChange(ctx context.Context, conn *AdmittedConn, change json.RawMessage) (Outcome, int64, error) {
	var op textop.Operation
	if err := json.Unmarshal(change, &op); err != nil {
		return s.requireResync(ctx, conn, err), 0, nil
	}
	if err := op.Validate(); err != nil {
		return s.requireResync(ctx, conn, err), 0, nil
	}

	// Журнал и рассылка используют нормализованную форму изменения
	normalized, err := json.Marshal(op)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to marshal change: %w", err)
	}

	session, err := s.store.UpdateDocument(ctx, conn.SessionKey, conn.ID, normalized,
		func(doc string, _ int64) (string, error) {
			return op.Apply(doc)
		})
	if err != nil {
		if isDocumentMissing(err) || errors.Is(err, textop.ErrMalformed) || errors.Is(err, textop.ErrBaseLengthMismatch) {
			return s.requireResync(ctx, conn, err), 0, nil
		}
		return 0, 0, fmt.Errorf("failed to update document: %w", err)
	}

	s.metrics.ChangesApplied.Inc()

	if ev, ok := s.event(api.EventChangeBroadcast, api.ChangeBroadcast{
		ConnectionID: conn.ID,
		Change:       normalized,
		Version:      session.Version,
	}); ok {
		s.publish(ctx, bus.ToSession(conn.SessionKey, conn.ID, ev))
	}

	if ev, ok := s.event(api.EventChangeAck, api.ChangeAck{Version: session.Version}); ok {
		s.publish(ctx, bus.ToConn(conn.ID, ev))
	}

	return Applied, session.Version, nil
}

// requireResync отправляет resync-required только отправителю изменения
func (s *Service) requireResync(ctx context.Context, conn *AdmittedConn, cause error) Outcome {
	s.metrics.Resyncs.Inc()
	s.logger.Debug("change rejected, resync required",
		slog.String("conn_id", conn.ID),
		slog.String("session_key", conn.SessionKey),
		slog.Any("error", cause))

	if ev, ok := s.event(api.EventResyncRequired, struct{}{}); ok {
		s.publish(ctx, bus.ToConn(conn.ID, ev))
	}

	return ResyncRequired
}

// Snapshot возвращает текущий документ сессии для ответа на request-document
func (s *Service) Snapshot(ctx context.Context, conn *AdmittedConn) (api.FullDocument, error) {
	session, err := s.store.Get(ctx, conn.SessionKey)
	if err != nil {
		return api.FullDocument{}, fmt.Errorf("failed to get session: %w", err)
	}

	if session.ParticipantIndex(conn.ID) < 0 {
		return api.FullDocument{}, fmt.Errorf("failed to get session: %w", ErrDocumentNotFound)
	}

	return api.FullDocument{
		Text:         session.Document,
		Role:         string(session.RoleOf(conn.ID)),
		ConnectionID: conn.ID,
		Version:      session.Version,
	}, nil
}
