// Package collab is the client side of the collaboration protocol. It keeps
// a local replica of the shared document, applying broadcasts in version
// order and discarding those already contained in the last snapshot.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/gophvault/internal/models"
	"github.com/iudanet/gophvault/internal/textop"
	"github.com/iudanet/gophvault/pkg/api"
)

const (
	writeWait = 10 * time.Second
	// eventBuffer размер очереди событий для потребителя
	eventBuffer = 64
	// maxPendingGap сколько изменений может ждать пропущенную версию.
	// Сервер отбрасывает события медленного подключения, после этого
	// пропуск не заполнится и нужен полный документ.
	maxPendingGap = 32
)

// ErrClosed возвращается при работе с закрытым клиентом
var ErrClosed = errors.New("collaboration client is closed")

// RejectedError сервер отказал в допуске
type RejectedError struct {
	Code        string
	Description string
	CloseCode   int
}

func (e *RejectedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("connection rejected: %s (%s)", e.Code, e.Description)
	}
	return "connection rejected: " + e.Code
}

// Options параметры подключения
type Options struct {
	Dialer      *websocket.Dialer
	ServerURL   string
	ShareToken  string
	AccessToken string
	Platform    string
}

// Document снимок локальной копии документа
type Document struct {
	Text         string
	Role         string
	ConnectionID string
	Version      int64
}

// Client подключение к сессии совместного редактирования
type Client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	events  chan api.Event
	done    chan struct{}
	err     error
	pending map[int64]json.RawMessage
	doc     Document
	// outstanding отправленные изменения, ожидающие change-ack
	outstanding []json.RawMessage
	mu          sync.Mutex
	writeMu     sync.Mutex
	// resyncing полный документ запрошен и еще не получен
	resyncing bool
}

// CollabURL строит адрес WebSocket эндпоинта по адресу сервера
func CollabURL(serverURL, shareToken string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/collab/" + url.PathEscape(shareToken)
	return u.String(), nil
}

// Dial подключается к документу и ждет начальной синхронизации.
// При отказе сервера возвращает *RejectedError.
func Dial(ctx context.Context, logger *slog.Logger, opts Options) (*Client, error) {
	target, err := CollabURL(opts.ServerURL, opts.ShareToken)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.AccessToken)
	header.Set("X-Platform", opts.Platform)

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		events:  make(chan api.Event, eventBuffer),
		done:    make(chan struct{}),
		pending: make(map[int64]json.RawMessage),
	}

	if err := c.handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()

	return c, nil
}

// handshake читает первое событие: full-document или error с закрытием
func (c *Client) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	}

	var ev api.Event
	if err := c.conn.ReadJSON(&ev); err != nil {
		return fmt.Errorf("failed to read initial document: %w", err)
	}

	switch ev.Name {
	case api.EventFullDocument:
		var doc api.FullDocument
		if err := ev.Decode(&doc); err != nil {
			return err
		}
		c.resetLocked(doc)
		return nil

	case api.EventError:
		var payload api.ErrorPayload
		if err := ev.Decode(&payload); err != nil {
			return err
		}
		rejected := &RejectedError{Code: payload.Code, Description: payload.Description}
		// Следом сервер присылает close frame с кодом отказа
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				rejected.CloseCode = closeErr.Code
			}
		}
		return rejected
	}

	return fmt.Errorf("unexpected initial event %q", ev.Name)
}

// Events возвращает события сервера после применения к локальной копии.
// Канал закрывается при разрыве соединения.
func (c *Client) Events() <-chan api.Event {
	return c.events
}

// Done закрывается при разрыве соединения
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err возвращает причину разрыва соединения
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Document возвращает снимок локальной копии
func (c *Client) Document() Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// Submit отправляет изменение. Локальная копия меняется после change-ack,
// вместе с чужими изменениями в порядке версий.
func (c *Client) Submit(op textop.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	change, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	c.mu.Lock()
	c.outstanding = append(c.outstanding, change)
	c.mu.Unlock()

	if err := c.write(api.EventSubmitChange, api.SubmitChange{Change: change}); err != nil {
		c.mu.Lock()
		c.outstanding = c.outstanding[:len(c.outstanding)-1]
		c.mu.Unlock()
		return err
	}

	return nil
}

// RequestDocument запрашивает полный документ
func (c *Client) RequestDocument() error {
	return c.write(api.EventRequestDocument, struct{}{})
}

// Close закрывает соединение и ждет завершения чтения
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(writeWait):
	}

	_ = c.conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (c *Client) write(name string, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	ev, err := api.NewEvent(name, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		var ev api.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}

		resync, err := c.handle(ev)
		if err != nil {
			c.logger.Warn("failed to handle event", slog.String("event", ev.Name), slog.Any("error", err))
			resync = true
		}
		if resync {
			if err := c.RequestDocument(); err != nil {
				c.logger.Warn("failed to request document", slog.Any("error", err))
			}
		}

		select {
		case c.events <- ev:
		default:
			c.logger.Warn("dropping event, consumer is too slow", slog.String("event", ev.Name))
		}
	}
}

// handle применяет событие к локальной копии и сообщает, нужен ли полный документ
func (c *Client) handle(ev api.Event) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Name {
	case api.EventFullDocument:
		var doc api.FullDocument
		if err := ev.Decode(&doc); err != nil {
			return false, err
		}
		c.resetLocked(doc)

	case api.EventChangeBroadcast:
		var b api.ChangeBroadcast
		if err := ev.Decode(&b); err != nil {
			return false, err
		}
		// Изменения до версии снимка в нем уже учтены
		if b.Version <= c.doc.Version {
			return false, nil
		}
		c.pending[b.Version] = b.Change
		err := c.drainLocked()
		return c.gapLocked(), err

	case api.EventChangeAck:
		var ack api.ChangeAck
		if err := ev.Decode(&ack); err != nil {
			return false, err
		}
		if len(c.outstanding) == 0 {
			return true, nil
		}
		own := c.outstanding[0]
		c.outstanding = c.outstanding[1:]
		if ack.Version > c.doc.Version {
			c.pending[ack.Version] = own
		}
		err := c.drainLocked()
		return c.gapLocked(), err

	case api.EventResyncRequired:
		// Отклонено самое раннее неподтвержденное изменение
		if len(c.outstanding) > 0 {
			c.outstanding = c.outstanding[1:]
		}
		c.resyncing = true
		return true, nil

	case api.EventMasterChanged:
		var mc api.MasterChanged
		if err := ev.Decode(&mc); err != nil {
			return false, err
		}
		if mc.ConnectionID == c.doc.ConnectionID {
			c.doc.Role = string(models.RoleMaster)
		}
	}

	return false, nil
}

// resetLocked заменяет локальную копию снимком сервера
func (c *Client) resetLocked(doc api.FullDocument) {
	c.doc = Document{
		Text:         doc.Text,
		Role:         doc.Role,
		ConnectionID: doc.ConnectionID,
		Version:      doc.Version,
	}
	for v := range c.pending {
		if v <= doc.Version {
			delete(c.pending, v)
		}
	}
	c.resyncing = false
}

// gapLocked сообщает, что пропущенная версия так и не пришла и нужен
// полный документ. Повторный запрос не отправляется до его получения.
func (c *Client) gapLocked() bool {
	if c.resyncing || len(c.pending) <= maxPendingGap {
		return false
	}
	c.logger.Warn("version gap in change stream, requesting document",
		slog.Int64("version", c.doc.Version),
		slog.Int("pending", len(c.pending)))
	c.resyncing = true
	return true
}

// drainLocked применяет накопленные изменения, пока версии идут подряд
func (c *Client) drainLocked() error {
	for {
		change, ok := c.pending[c.doc.Version+1]
		if !ok {
			return nil
		}
		delete(c.pending, c.doc.Version+1)

		var op textop.Operation
		if err := json.Unmarshal(change, &op); err != nil {
			return err
		}
		text, err := op.Apply(c.doc.Text)
		if err != nil {
			return fmt.Errorf("failed to apply version %d: %w", c.doc.Version+1, err)
		}

		c.doc.Text = text
		c.doc.Version++
	}
}
