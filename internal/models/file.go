package models

import "time"

// File представляет файл хранилища, доступный для совместного редактирования.
// Иерархия папок и корзина принадлежат отдельной подсистеме хранения,
// здесь хранятся только поля, которые проверяет контроллер допуска.
type File struct {
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ID           string    `json:"id"`            // ID уникальный идентификатор файла (UUID)
	OwnerID      string    `json:"owner_id"`      // OwnerID владелец файла
	Path         string    `json:"path"`          // Path логический путь файла в хранилище
	ShareToken   string    `json:"share_token"`   // ShareToken публичный токен ссылки для совместной работы
	UpdatedBy    string    `json:"updated_by"`    // UpdatedBy пользователь, выполнивший последнюю запись
	Size         int64     `json:"size"`          // Size размер содержимого в байтах
	ShareEnabled bool      `json:"share_enabled"` // ShareEnabled ссылка активна
	Trashed      bool      `json:"trashed"`       // Trashed файл в корзине
	Encrypted    bool      `json:"encrypted"`     // Encrypted содержимое зашифровано на клиенте
	Shortcut     bool      `json:"shortcut"`      // Shortcut файл является ярлыком на другой файл
	Locked       bool      `json:"locked"`        // Locked файл заблокирован по другим причинам
}

// Collaborator представляет пользователя, которому владелец разрешил редактирование.
type Collaborator struct {
	AddedAt time.Time `json:"added_at"`
	FileID  string    `json:"file_id"`
	UserID  string    `json:"user_id"`
}

// ShareableReason возвращает причину, по которой файл нельзя открыть
// для совместного редактирования, или пустую строку.
func (f *File) ShareableReason() string {
	switch {
	case !f.ShareEnabled:
		return "share disabled"
	case f.Trashed:
		return "file is in trash"
	case f.Encrypted:
		return "file is encrypted"
	case f.Shortcut:
		return "file is a shortcut"
	case f.Locked:
		return "file is locked"
	}
	return ""
}

// Shareable сообщает, можно ли открыть файл для совместного редактирования.
func (f *File) Shareable() bool {
	return f.ShareableReason() == ""
}
