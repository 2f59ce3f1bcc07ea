package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/iudanet/gophvault/internal/collab"
	"github.com/iudanet/gophvault/internal/server/auth"
	"github.com/iudanet/gophvault/pkg/api"
)

// ShareTokenVar имя переменной маршрута с токеном ссылки
const ShareTokenVar = "shareToken"

// maxNotifyBody максимальный размер тела запроса notify
const maxNotifyBody = 64 << 10

// SessionAdmin административные операции над сессиями
type SessionAdmin interface {
	DisableShare(ctx context.Context, shareToken string) error
	Notify(ctx context.Context, shareToken, event string, payload json.RawMessage) error
	Inspect(ctx context.Context, shareToken string) (*api.SessionInfo, error)
}

// AdminHandler обрабатывает административные запросы
type AdminHandler struct {
	logger *slog.Logger
	admin  SessionAdmin
}

// NewAdminHandler создает новый handler административных запросов
func NewAdminHandler(logger *slog.Logger, admin SessionAdmin) *AdminHandler {
	return &AdminHandler{
		logger: logger,
		admin:  admin,
	}
}

// DisableShare обрабатывает POST /api/v1/admin/shares/{shareToken}/disable
// Отключает ссылку и закрывает подключения открытой сессии
func (h *AdminHandler) DisableShare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.admin.DisableShare(ctx, mux.Vars(r)[ShareTokenVar]); err != nil {
		h.sendCollabError(ctx, w, "failed to disable share", err)
		return
	}

	h.logger.InfoContext(ctx, "share disabled by admin", slog.String("admin_id", adminID(ctx)))
	w.WriteHeader(http.StatusNoContent)
}

// Notify обрабатывает POST /api/v1/admin/sessions/{shareToken}/notify
// Рассылает событие всем участникам сессии
func (h *AdminHandler) Notify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.NotifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotifyBody)).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode notify request", slog.Any("error", err))
		h.sendError(w, api.CodeInvalidRequest, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.admin.Notify(ctx, mux.Vars(r)[ShareTokenVar], req.Event, req.Payload); err != nil {
		h.sendCollabError(ctx, w, "failed to notify session", err)
		return
	}

	h.logger.InfoContext(ctx, "session notified by admin",
		slog.String("admin_id", adminID(ctx)),
		slog.String("event", req.Event))
	w.WriteHeader(http.StatusAccepted)
}

// Inspect обрабатывает GET /api/v1/admin/sessions/{shareToken}
// Возвращает диагностику сессии
func (h *AdminHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.admin.Inspect(ctx, mux.Vars(r)[ShareTokenVar])
	if err != nil {
		h.sendCollabError(ctx, w, "failed to inspect session", err)
		return
	}

	h.sendJSON(w, info, http.StatusOK)
}

// sendCollabError переводит ошибку сервиса в HTTP ответ
func (h *AdminHandler) sendCollabError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, collab.ErrInvalidShareToken), errors.Is(err, collab.ErrInvalidEvent):
		h.sendError(w, api.CodeInvalidRequest, err.Error(), http.StatusBadRequest)
	case errors.Is(err, collab.ErrDocumentNotFound), errors.Is(err, collab.ErrSessionNotFound):
		h.sendError(w, api.CodeDocumentNotFound, err.Error(), http.StatusNotFound)
	default:
		h.logger.ErrorContext(ctx, msg, slog.Any("error", err))
		h.sendError(w, api.CodeInternal, "", http.StatusInternalServerError)
	}
}

// sendJSON отправляет JSON ответ
func (h *AdminHandler) sendJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", slog.Any("error", err))
	}
}

// sendError отправляет JSON ответ с ошибкой
func (h *AdminHandler) sendError(w http.ResponseWriter, code, message string, statusCode int) {
	resp := api.ErrorResponse{
		Error:   code,
		Message: message,
	}
	h.sendJSON(w, resp, statusCode)
}

func adminID(ctx context.Context) string {
	identity, _ := auth.IdentityFrom(ctx)
	return identity.UserID
}
