package models

import (
	"encoding/json"
	"time"
)

// Role роль участника сессии
type Role string

const (
	// RoleMaster участник, отвечающий за итоговое сохранение документа
	RoleMaster Role = "master"
	// RoleServant любой другой участник сессии
	RoleServant Role = "servant"
)

// SessionState состояние сессии в общем хранилище
type SessionState string

const (
	// SessionLive сессия активна, к ней можно присоединиться
	SessionLive SessionState = "live"
	// SessionDraining последний участник ушел, идет сохранение и удаление
	SessionDraining SessionState = "draining"
)

// Participant представляет подключение, участвующее в сессии.
type Participant struct {
	JoinedAt time.Time `json:"joined_at"`
	ConnID   string    `json:"connection_id"`
	UserID   string    `json:"user_id"`
}

// PendingUpdate запись журнала примененных изменений.
// Журнал ограничен по длине и нужен для диагностики ресинхронизации.
type PendingUpdate struct {
	AppliedAt time.Time       `json:"applied_at"`
	ConnID    string          `json:"connection_id"`
	Change    json.RawMessage `json:"change"`
	Version   int64           `json:"version"`
}

// Session представляет сессию совместного редактирования одного документа.
// Авторитетная копия хранится в общем хранилище состояния, эта структура
// является снимком на момент чтения.
type Session struct {
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DrainDeadline  time.Time       `json:"drain_deadline"`
	Key            string          `json:"key"`
	FileID         string          `json:"file_id"`
	FilePath       string          `json:"file_path"`
	Document       string          `json:"document"`
	MasterConnID   string          `json:"master_connection_id"`
	MasterOwnerID  string          `json:"master_owner_id"`
	State          SessionState    `json:"state"`
	DrainOwner     string          `json:"drain_owner"`
	Participants   []Participant   `json:"participants"`
	PendingUpdates []PendingUpdate `json:"pending_updates"`
	Version        int64           `json:"version"`
}

// RoleOf возвращает роль подключения в сессии.
func (s *Session) RoleOf(connID string) Role {
	if s.MasterConnID == connID {
		return RoleMaster
	}
	return RoleServant
}

// ParticipantIndex возвращает позицию подключения в списке участников или -1.
func (s *Session) ParticipantIndex(connID string) int {
	for i, p := range s.Participants {
		if p.ConnID == connID {
			return i
		}
	}
	return -1
}

// ConnIDs возвращает идентификаторы подключений в порядке присоединения.
func (s *Session) ConnIDs() []string {
	ids := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.ConnID)
	}
	return ids
}

// Draining сообщает, что сессия находится в процессе удаления и
// срок удаления еще не истек.
func (s *Session) Draining(now time.Time) bool {
	return s.State == SessionDraining && now.Before(s.DrainDeadline)
}

// Clone создает глубокую копию сессии
func (s *Session) Clone() *Session {
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	if s.PendingUpdates != nil {
		c.PendingUpdates = make([]PendingUpdate, len(s.PendingUpdates))
		for i, u := range s.PendingUpdates {
			u.Change = append(json.RawMessage(nil), u.Change...)
			c.PendingUpdates[i] = u
		}
	}
	return &c
}

// EditLock представляет рекомендательную блокировку файла с TTL.
// Не зависит от состава участников: защищает право сохранения файла.
type EditLock struct {
	ExpiresAt   time.Time `json:"expires_at"`
	FileID      string    `json:"file_id"`
	OwnerUserID string    `json:"owner_user_id"`
}
