// Package bus is the notification fan-out: a Broadcaster capability created
// once at start-up and injected into every component that emits events.
// Delivery is best effort; an event reaches a connection only while it is
// registered in the local Hub of some server instance.
package bus

import (
	"context"

	"github.com/iudanet/gophvault/pkg/api"
)

// Envelope addresses an event either to one connection or to every
// connection of a session, optionally excluding one connection.
type Envelope struct {
	SessionKey    string    `json:"session_key,omitempty"`
	ConnID        string    `json:"connection_id,omitempty"`
	ExcludeConnID string    `json:"exclude_connection_id,omitempty"`
	Event         api.Event `json:"event"`
}

// ToSession addresses ev to every connection of the session except exclude
func ToSession(sessionKey, exclude string, ev api.Event) Envelope {
	return Envelope{SessionKey: sessionKey, ExcludeConnID: exclude, Event: ev}
}

// ToConn addresses ev to a single connection
func ToConn(connID string, ev api.Event) Envelope {
	return Envelope{ConnID: connID, Event: ev}
}

// Broadcaster publishes events to connected participants
type Broadcaster interface {
	Publish(ctx context.Context, env Envelope) error
}

// Deliverer delivers an envelope to local connections and reports how many received it
type Deliverer interface {
	Deliver(env Envelope) int
}

// LocalBus delivers directly to the in-process hub (single instance deployments)
type LocalBus struct {
	hub Deliverer
}

var _ Broadcaster = (*LocalBus)(nil)

// NewLocalBus creates a broadcaster bound to hub
func NewLocalBus(hub Deliverer) *LocalBus {
	return &LocalBus{hub: hub}
}

// Publish delivers env to local connections
func (b *LocalBus) Publish(ctx context.Context, env Envelope) error {
	b.hub.Deliver(env)
	return nil
}
