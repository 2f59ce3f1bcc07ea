package collab

import (
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/gophvault/internal/models"
)

// PendingConn подключение до допуска: известны только транспортные данные.
type PendingConn struct {
	ID         string
	RemoteAddr string
}

// NewPendingConn создает подключение с новым идентификатором
func NewPendingConn(remoteAddr string) PendingConn {
	return PendingConn{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
	}
}

// AdmittedConn подключение после допуска. Создается только Service.Admit,
// все обработчики после допуска принимают *AdmittedConn.
type AdmittedConn struct {
	JoinedAt   time.Time
	Identity   models.Identity
	ID         string
	RemoteAddr string
	SessionKey string
	FileID     string
}
