// Package ws is the WebSocket transport of the collaboration endpoint:
// it upgrades the request, admits the connection and runs its read and
// write loops.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/iudanet/gophvault/internal/collab"
	"github.com/iudanet/gophvault/internal/collab/bus"
	"github.com/iudanet/gophvault/internal/collab/statestore"
	"github.com/iudanet/gophvault/internal/metrics"
	"github.com/iudanet/gophvault/internal/models"
	"github.com/iudanet/gophvault/internal/server/auth"
	"github.com/iudanet/gophvault/pkg/api"
)

// ShareTokenVar имя переменной маршрута с токеном ссылки
const ShareTokenVar = "shareToken"

// DefaultSendBuffer размер очереди исходящих событий подключения
const DefaultSendBuffer = 64

// departTimeout время на уход участника после закрытия соединения
const departTimeout = 30 * time.Second

// Collab операции сервиса совместного редактирования, нужные транспорту
type Collab interface {
	SessionKey(shareToken string) (string, error)
	Admit(ctx context.Context, pending collab.PendingConn, identity models.Identity, shareToken string) (*collab.AdmissionResult, error)
	ApplyChange(ctx context.Context, conn *collab.AdmittedConn, change json.RawMessage) (collab.Outcome, int64, error)
	Snapshot(ctx context.Context, conn *collab.AdmittedConn) (api.FullDocument, error)
	Departed(ctx context.Context, conn *collab.AdmittedConn) error
}

// Verifier проверяет учетные данные запроса
type Verifier interface {
	Verify(r *http.Request) (models.Identity, error)
}

// Registry локальный реестр подключений
type Registry interface {
	Register(c bus.Client)
	Unregister(c bus.Client)
}

// Options параметры транспорта
type Options struct {
	// AllowedOrigins допустимые значения Origin, "*" разрешает любой.
	// Пустой список разрешает только тот же хост.
	AllowedOrigins []string
	SendBuffer     int
	DevMode        bool
}

// Handler обслуживает GET /api/v1/collab/{shareToken}
type Handler struct {
	logger   *slog.Logger
	collab   Collab
	hub      Registry
	verifier Verifier
	metrics  *metrics.Metrics
	conns    map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader
	opts     Options
	active   sync.WaitGroup
	mu       sync.Mutex
	closing  bool
}

// NewHandler создает обработчик WebSocket подключений
func NewHandler(logger *slog.Logger, service Collab, hub Registry, verifier Verifier, m *metrics.Metrics, opts Options) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}

	h := &Handler{
		logger:   logger,
		collab:   service,
		hub:      hub,
		verifier: verifier,
		metrics:  m,
		conns:    make(map[*websocket.Conn]struct{}),
		opts:     opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.opts.AllowedOrigins) == 0 {
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	return slices.Contains(h.opts.AllowedOrigins, "*") || slices.Contains(h.opts.AllowedOrigins, origin)
}

// ServeHTTP обновляет соединение до WebSocket и ведет его до закрытия
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	shareToken := mux.Vars(r)[ShareTokenVar]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader уже ответил клиенту
		h.logger.Warn("websocket upgrade failed", slog.String("remote_addr", r.RemoteAddr), slog.Any("error", err))
		return
	}

	if !h.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)

	h.metrics.Connections.Inc()
	defer h.metrics.Connections.Dec()

	pending := collab.NewPendingConn(r.RemoteAddr)
	logger := h.logger.With(slog.String("conn_id", pending.ID))

	identity, err := h.verifier.Verify(r)
	if err != nil {
		code := api.CodeInvalidSignature
		var rejected *auth.RejectedError
		if errors.As(err, &rejected) {
			code = rejected.Reason
		}
		logger.Info("connection rejected", slog.String("code", code), slog.Any("error", err))
		h.reject(conn, code, "", api.CloseUnauthorized)
		return
	}

	sessionKey, err := h.collab.SessionKey(shareToken)
	if err != nil {
		logger.Error("failed to derive session key", slog.Any("error", err))
		h.reject(conn, api.CodeInternal, err.Error(), api.CloseInternalError)
		return
	}

	// Регистрируемся до допуска, чтобы не пропустить события, опубликованные сразу после него
	c := newClient(logger, conn, pending.ID, sessionKey, h.opts.SendBuffer)
	h.hub.Register(c)

	result, err := h.collab.Admit(r.Context(), pending, identity, shareToken)
	if err != nil {
		h.hub.Unregister(c)
		var admErr *collab.AdmissionError
		if !errors.As(err, &admErr) {
			admErr = &collab.AdmissionError{Err: err, Code: api.CodeInternal, CloseCode: api.CloseInternalError}
		}
		h.reject(conn, admErr.Code, admErr.Err.Error(), admErr.CloseCode)
		return
	}

	admitted := result.Conn
	logger = logger.With(slog.String("session_key", admitted.SessionKey), slog.String("user_id", identity.UserID))
	c.logger = logger

	defer h.depart(logger, c, admitted)

	if err := h.writeFullDocument(c, result.FullDocument()); err != nil {
		logger.Warn("failed to send initial document", slog.Any("error", err))
		_ = conn.Close()
		return
	}

	go c.writePump()

	h.readLoop(r.Context(), logger, c, admitted)
}

func (h *Handler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return false
	}
	h.conns[conn] = struct{}{}
	h.active.Add(1)
	return true
}

func (h *Handler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()

	h.active.Done()
}

// Shutdown закрывает все соединения и ждет, пока участники уйдут из сессий.
// Последний участник сессии сохраняет документ до возврата из Shutdown.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for conn := range h.conns {
		_ = conn.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to close connections: %w", ctx.Err())
	}
}

func (h *Handler) writeFullDocument(c *client, doc api.FullDocument) error {
	ev, err := api.NewEvent(api.EventFullDocument, doc)
	if err != nil {
		return err
	}
	return c.writeDirect(ev)
}

// depart снимает подключение с hub и завершает участие в сессии
func (h *Handler) depart(logger *slog.Logger, c *client, admitted *collab.AdmittedConn) {
	h.hub.Unregister(c)
	c.close()

	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
	_ = c.conn.Close()

	// Контекст запроса может быть уже отменен, уход должен завершиться
	ctx, cancel := context.WithTimeout(context.Background(), departTimeout)
	defer cancel()

	if err := h.collab.Departed(ctx, admitted); err != nil {
		logger.Error("departure failed", slog.Any("error", err))
		return
	}

	logger.Info("connection closed")
}

// readLoop обрабатывает входящие сообщения строго по одному
func (h *Handler) readLoop(ctx context.Context, logger *slog.Logger, c *client, admitted *collab.AdmittedConn) {
	conn := c.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived, api.CloseForbidden) {
				logger.Debug("connection read failed", slog.Any("error", err))
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatch(ctx, logger, c, admitted, data)
	}
}

// dispatch обрабатывает одно сообщение, паника не закрывает соединение
func (h *Handler) dispatch(ctx context.Context, logger *slog.Logger, c *client, admitted *collab.AdmittedConn, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Panic recovered",
				slog.Any("error", rec),
				slog.String("stack", string(debug.Stack())))
			h.sendError(logger, c, api.CodeInternal, fmt.Sprint(rec))
		}
	}()

	var ev api.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		h.sendError(logger, c, api.CodeBadMessage, "malformed event envelope")
		return
	}

	switch ev.Name {
	case api.EventSubmitChange:
		var payload api.SubmitChange
		if err := ev.Decode(&payload); err != nil {
			// Пустое изменение отклоняется сервисом с resync-required
			logger.Debug("malformed submit-change payload", slog.Any("error", err))
		}

		outcome, version, err := h.collab.ApplyChange(ctx, admitted, payload.Change)
		if err != nil {
			logger.Error("failed to apply change", slog.Any("error", err))
			h.sendError(logger, c, api.CodeInternal, err.Error())
			return
		}
		logger.Debug("change handled", slog.String("outcome", outcome.String()), slog.Int64("version", version))

	case api.EventRequestDocument:
		doc, err := h.collab.Snapshot(ctx, admitted)
		if err != nil {
			if errors.Is(err, collab.ErrDocumentNotFound) || errors.Is(err, statestore.ErrSessionNotFound) {
				h.sendError(logger, c, api.CodeDocumentNotFound, "")
				return
			}
			logger.Error("failed to read document", slog.Any("error", err))
			h.sendError(logger, c, api.CodeInternal, err.Error())
			return
		}

		ev, err := api.NewEvent(api.EventFullDocument, doc)
		if err != nil {
			logger.Error("failed to encode document", slog.Any("error", err))
			return
		}
		if !c.Send(ev) {
			logger.Warn("dropping full document for slow connection")
		}

	default:
		h.sendError(logger, c, api.CodeBadMessage, "unknown event "+ev.Name)
	}
}

// sendError ставит событие error в очередь записи
func (h *Handler) sendError(logger *slog.Logger, c *client, code, description string) {
	ev, err := api.NewEvent(api.EventError, h.errorPayload(code, description))
	if err != nil {
		logger.Error("failed to encode error event", slog.Any("error", err))
		return
	}
	if !c.Send(ev) {
		logger.Warn("dropping error event for slow connection", slog.String("code", code))
	}
}

// errorPayload скрывает описание внутренних ошибок вне режима разработки
func (h *Handler) errorPayload(code, description string) api.ErrorPayload {
	if code == api.CodeInternal && !h.opts.DevMode {
		description = ""
	}
	return api.ErrorPayload{Code: code, Description: description}
}

// reject отправляет error и закрывает соединение с кодом closeCode
func (h *Handler) reject(conn *websocket.Conn, code, description string, closeCode int) {
	defer conn.Close()

	if ev, err := api.NewEvent(api.EventError, h.errorPayload(code, description)); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, code),
		time.Now().Add(writeWait))
}
