package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// Имена событий WebSocket протокола совместного редактирования
const (
	// client → server
	EventSubmitChange    = "submit-change"
	EventRequestDocument = "request-document"

	// server → client
	EventChangeBroadcast   = "change-broadcast"
	EventChangeAck         = "change-ack"
	EventResyncRequired    = "resync-required"
	EventFullDocument      = "full-document"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventMasterChanged     = "master-changed"
	EventShareDisabled     = "share-disabled"
	EventError             = "error"
)

// Коды ошибок, которые получает клиент в событии error
const (
	CodeMissingCredential = "missing_credential"
	CodeExpiredCredential = "expired_credential"
	CodeInvalidPlatform   = "invalid_platform"
	CodeInvalidSignature  = "invalid_signature"
	CodeUnauthorized      = "unauthorized"
	CodeNotShareable      = "not_shareable"
	CodeDocumentNotFound  = "document_not_found"
	CodeInvalidRequest    = "invalid_request"
	CodeBadMessage        = "bad_message"
	CodeShareDisabled     = "share_disabled"
	CodeInternal          = "internal"
	// CodeRateLimited ответ HTTP 429 до установки WebSocket соединения
	CodeRateLimited       = "rate_limited"
)

// Коды закрытия WebSocket соединения при отказе в допуске
const (
	CloseUnauthorized  = 4401
	CloseForbidden     = 4403
	CloseNotFound      = 4404
	// CloseInternalError стандартный код 1011
	CloseInternalError = 1011
)

// Event конверт любого сообщения протокола: {"event": "...", "data": {...}}
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent сериализует payload в конверт события
func NewEvent(name string, payload any) (Event, error) {
	if payload == nil {
		return Event{Name: name}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}

	return Event{Name: name, Data: data}, nil
}

// Decode десериализует data события в v
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Name, err)
	}
	return nil
}

// SubmitChange payload события submit-change.
// Change - операция в компактной форме: [retain, "insert", -delete, ...]
type SubmitChange struct {
	Change json.RawMessage `json:"change"`
}

// ChangeBroadcast payload события change-broadcast.
// Клиент игнорирует изменения с Version не больше версии полученного документа.
type ChangeBroadcast struct {
	ConnectionID string          `json:"connectionId"`
	Change       json.RawMessage `json:"change"`
	Version      int64           `json:"version"`
}

// ChangeAck payload события change-ack
type ChangeAck struct {
	Version int64 `json:"version"`
}

// FullDocument payload события full-document
type FullDocument struct {
	Text         string `json:"text"`
	Role         string `json:"role"`
	ConnectionID string `json:"connectionId"`
	Version      int64  `json:"version"`
}

// ParticipantJoined payload события participant-joined
type ParticipantJoined struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// ParticipantLeft payload события participant-left
type ParticipantLeft struct {
	ConnectionID string `json:"connectionId"`
}

// MasterChanged payload события master-changed
type MasterChanged struct {
	ConnectionID string `json:"connectionId"`
}

// ErrorPayload payload события error
type ErrorPayload struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// NotifyRequest тело запроса POST /api/v1/admin/sessions/{token}/notify
type NotifyRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event"`
}

// SessionParticipant участник в ответе диагностики
type SessionParticipant struct {
	JoinedAt     time.Time `json:"joined_at"`
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Role         string    `json:"role"`
}

// SessionInfo ответ GET /api/v1/admin/sessions/{token}
type SessionInfo struct {
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	LockExpiresAt *time.Time           `json:"lock_expires_at,omitempty"`
	SessionKey    string               `json:"session_key"`
	FileID        string               `json:"file_id"`
	State         string               `json:"state"`
	MasterConnID  string               `json:"master_connection_id"`
	MasterOwnerID string               `json:"master_owner_id"`
	LockOwnerID   string               `json:"lock_owner_id,omitempty"`
	Participants  []SessionParticipant `json:"participants"`
	Version       int64                `json:"version"`
	DocumentSize  int                  `json:"document_size"`
	PendingLength int                  `json:"pending_length"`
}

// ErrorResponse представляет ответ с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`             // описание ошибки
	Message string `json:"message,omitempty"` // дополнительное сообщение
}
