package bus

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iudanet/gophvault/pkg/api"
)

// Client is a locally connected participant
type Client interface {
	// ID returns the connection id
	ID() string
	// SessionKey returns the session the connection is attached to
	SessionKey() string
	// Send queues ev without blocking and reports whether it was accepted
	Send(ev api.Event) bool
}

// Hub tracks local connections by id and by session
type Hub struct {
	logger   *slog.Logger
	dropped  prometheus.Counter
	conns    map[string]Client
	sessions map[string]map[string]Client
	mu       sync.RWMutex
}

var _ Deliverer = (*Hub)(nil)

// HubOption configures a Hub
type HubOption func(*Hub)

// WithDropCounter counts events dropped for slow connections
func WithDropCounter(c prometheus.Counter) HubOption {
	return func(h *Hub) {
		h.dropped = c
	}
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger:   logger,
		conns:    make(map[string]Client),
		sessions: make(map[string]map[string]Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds c to the hub
func (h *Hub) Register(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID()] = c
	members, ok := h.sessions[c.SessionKey()]
	if !ok {
		members = make(map[string]Client)
		h.sessions[c.SessionKey()] = members
	}
	members[c.ID()] = c
}

// Unregister removes c from the hub. Unregistering twice is a no-op.
func (h *Hub) Unregister(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, c.ID())
	if members, ok := h.sessions[c.SessionKey()]; ok {
		delete(members, c.ID())
		if len(members) == 0 {
			delete(h.sessions, c.SessionKey())
		}
	}
}

// Count returns the number of local connections of a session
func (h *Hub) Count(sessionKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions[sessionKey])
}

// Deliver sends env to the addressed local connections
func (h *Hub) Deliver(env Envelope) int {
	h.mu.RLock()
	var targets []Client
	switch {
	case env.ConnID != "":
		if c, ok := h.conns[env.ConnID]; ok {
			targets = append(targets, c)
		}
	case env.SessionKey != "":
		for id, c := range h.sessions[env.SessionKey] {
			if id != env.ExcludeConnID {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(env.Event) {
			delivered++
			continue
		}
		// Буфер переполнен: клиент отстал и восстановится через resync
		if h.dropped != nil {
			h.dropped.Inc()
		}
		h.logger.Warn("dropping event for slow connection",
			slog.String("conn_id", c.ID()),
			slog.String("event", env.Event.Name))
	}

	return delivered
}
