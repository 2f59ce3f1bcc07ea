// Package collab implements real-time collaboration on shared documents:
// admission of connections into sessions, propagation of changes and the
// coordinated teardown that persists the document exactly once.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iudanet/gophvault/internal/collab/bus"
	"github.com/iudanet/gophvault/internal/collab/statestore"
	"github.com/iudanet/gophvault/internal/crypto"
	"github.com/iudanet/gophvault/internal/metrics"
	"github.com/iudanet/gophvault/pkg/api"
)

// Значения по умолчанию
const (
	DefaultLockTTL      = 10 * time.Minute
	DefaultDrainTTL     = 30 * time.Second
	DefaultAdmitRetries = 20
	DefaultAdmitBackoff = 50 * time.Millisecond
)

// Config параметры сервиса совместного редактирования
type Config struct {
	// SessionSecret ключ для вычисления ключа сессии из токена ссылки (до 64 байт)
	SessionSecret []byte
	// LockTTL время жизни EditLock
	LockTTL time.Duration
	// HeartbeatInterval период продления EditLock, по умолчанию LockTTL/3
	HeartbeatInterval time.Duration
	// DrainTTL сколько draining сессия может ждать завершения teardown
	DrainTTL time.Duration
	// AdmitBackoff пауза между попытками допуска во время teardown
	AdmitBackoff time.Duration
	// AdmitRetries максимальное число попыток допуска
	AdmitRetries int
}

func (c *Config) setDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LockTTL / 3
	}
	if c.DrainTTL <= 0 {
		c.DrainTTL = DefaultDrainTTL
	}
	if c.AdmitBackoff <= 0 {
		c.AdmitBackoff = DefaultAdmitBackoff
	}
	if c.AdmitRetries <= 0 {
		c.AdmitRetries = DefaultAdmitRetries
	}
}

// Service координирует сессии совместного редактирования
type Service struct {
	logger  *slog.Logger
	store   statestore.Store
	files   Files
	bus     bus.Broadcaster
	metrics *metrics.Metrics
	leases  *leaseKeeper
	now     func() time.Time
	cfg     Config
}

// NewService создает сервис. broadcaster создается один раз при старте
// процесса и используется всеми компонентами.
func NewService(
	logger *slog.Logger,
	cfg Config,
	store statestore.Store,
	files Files,
	broadcaster bus.Broadcaster,
	m *metrics.Metrics,
) *Service {
	cfg.setDefaults()

	return &Service{
		logger:  logger,
		store:   store,
		files:   files,
		bus:     broadcaster,
		metrics: m,
		leases:  newLeaseKeeper(logger, store, m, cfg.LockTTL, cfg.HeartbeatInterval),
		now:     time.Now,
		cfg:     cfg,
	}
}

// SessionKey вычисляет ключ сессии для токена ссылки
func (s *Service) SessionKey(shareToken string) (string, error) {
	key, err := crypto.SessionKey(s.cfg.SessionSecret, shareToken)
	if err != nil {
		return "", fmt.Errorf("failed to derive session key: %w", err)
	}
	return key, nil
}

// Close останавливает продление блокировок
func (s *Service) Close() {
	s.leases.Close()
}

// publish отправляет событие, ошибка только логируется: доставка best effort
func (s *Service) publish(ctx context.Context, env bus.Envelope) {
	if err := s.bus.Publish(ctx, env); err != nil {
		s.logger.Warn("failed to publish event",
			slog.String("event", env.Event.Name),
			slog.String("session_key", env.SessionKey),
			slog.String("conn_id", env.ConnID),
			slog.Any("error", err))
	}
}

// event собирает событие протокола из payload
func (s *Service) event(name string, payload any) (api.Event, bool) {
	ev, err := api.NewEvent(name, payload)
	if err != nil {
		s.logger.Error("failed to build event", slog.String("event", name), slog.Any("error", err))
		return api.Event{}, false
	}
	return ev, true
}

// sleep ждет d или отмены контекста
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isDocumentMissing сообщает об отсутствии сессии или участника
func isDocumentMissing(err error) bool {
	return errors.Is(err, statestore.ErrSessionNotFound) || errors.Is(err, statestore.ErrNotParticipant)
}
