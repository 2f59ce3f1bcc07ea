package collab

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/gophvault/internal/collab/statestore"
	"github.com/iudanet/gophvault/internal/metrics"
)

// leaseKeeper продлевает EditLock сессий, у которых есть участники
// в этом процессе. Одна горутина на сессию, останавливается при уходе
// последнего локального участника.
type leaseKeeper struct {
	logger   *slog.Logger
	store    statestore.Store
	metrics  *metrics.Metrics
	leases   map[string]*lease
	ttl      time.Duration
	interval time.Duration
	mu       sync.Mutex
}

type lease struct {
	conns   map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	fileID  string
	ownerID string
}

func newLeaseKeeper(logger *slog.Logger, store statestore.Store, m *metrics.Metrics, ttl, interval time.Duration) *leaseKeeper {
	return &leaseKeeper{
		logger:   logger,
		store:    store,
		metrics:  m,
		ttl:      ttl,
		interval: interval,
		leases:   make(map[string]*lease),
	}
}

// Attach регистрирует локального участника сессии и запускает
// продление блокировки, если это первый участник в процессе.
func (k *leaseKeeper) Attach(sessionKey, fileID, ownerID, connID string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if l, ok := k.leases[sessionKey]; ok {
		l.conns[connID] = struct{}{}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &lease{
		conns:   map[string]struct{}{connID: {}},
		cancel:  cancel,
		done:    make(chan struct{}),
		fileID:  fileID,
		ownerID: ownerID,
	}
	k.leases[sessionKey] = l

	go k.run(ctx, sessionKey, l)
}

// Detach снимает локального участника. Когда участников не осталось,
// продление останавливается; Detach возвращается после остановки горутины.
func (k *leaseKeeper) Detach(sessionKey, connID string) {
	k.mu.Lock()
	l, ok := k.leases[sessionKey]
	if !ok {
		k.mu.Unlock()
		return
	}
	delete(l.conns, connID)
	if len(l.conns) > 0 {
		k.mu.Unlock()
		return
	}
	delete(k.leases, sessionKey)
	k.mu.Unlock()

	l.cancel()
	<-l.done
}

// Active возвращает число сессий с активным продлением
func (k *leaseKeeper) Active() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.leases)
}

// Close останавливает все продления
func (k *leaseKeeper) Close() {
	k.mu.Lock()
	leases := k.leases
	k.leases = make(map[string]*lease)
	k.mu.Unlock()

	for _, l := range leases {
		l.cancel()
		<-l.done
	}
}

func (k *leaseKeeper) run(ctx context.Context, sessionKey string, l *lease) {
	defer close(l.done)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recreated, err := k.store.RefreshLock(ctx, l.fileID, l.ownerID, k.ttl)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				k.logger.Error("failed to refresh edit lock",
					slog.String("session_key", sessionKey),
					slog.String("file_id", l.fileID),
					slog.Any("error", err))
				continue
			}
			if recreated {
				k.metrics.LockRecreated.Inc()
				k.logger.Warn("edit lock expired and was recreated",
					slog.String("session_key", sessionKey),
					slog.String("file_id", l.fileID))
			}
		}
	}
}
