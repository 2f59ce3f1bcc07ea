package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/gophvault/internal/collab/bus"
	"github.com/iudanet/gophvault/pkg/api"
)

const (
	// writeWait время на запись одного сообщения
	writeWait = 10 * time.Second
	// pongWait время ожидания pong от клиента
	pongWait = 60 * time.Second
	// pingPeriod должен быть меньше pongWait
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize максимальный размер входящего сообщения
	maxMessageSize = 1 << 20
)

// client локальное подключение, зарегистрированное в hub.
// Все записи в сокет после начальной синхронизации идут через writePump.
type client struct {
	conn       *websocket.Conn
	logger     *slog.Logger
	send       chan api.Event
	done       chan struct{}
	id         string
	sessionKey string
	mu         sync.Mutex
	closed     bool
}

var _ bus.Client = (*client)(nil)

func newClient(logger *slog.Logger, conn *websocket.Conn, id, sessionKey string, buffer int) *client {
	return &client{
		conn:       conn,
		logger:     logger,
		send:       make(chan api.Event, buffer),
		done:       make(chan struct{}),
		id:         id,
		sessionKey: sessionKey,
	}
}

// ID returns the connection id
func (c *client) ID() string {
	return c.id
}

// SessionKey returns the session the connection is attached to
func (c *client) SessionKey() string {
	return c.sessionKey
}

// Send ставит событие в очередь записи, не блокируясь
func (c *client) Send(ev api.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// close закрывает очередь, writePump отправит close frame и завершится
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writeDirect пишет событие в обход очереди, только до запуска writePump
func (c *client) writeDirect(ev api.Event) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(ev)
}

// writePump пишет события из очереди и отправляет ping.
// После share-disabled соединение закрывается.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Очередь закрыта: подключение уходит
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("failed to write event",
					slog.String("conn_id", c.id),
					slog.String("event", ev.Name),
					slog.Any("error", err))
				return
			}

			if ev.Name == api.EventShareDisabled {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(api.CloseForbidden, api.CodeShareDisabled))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
