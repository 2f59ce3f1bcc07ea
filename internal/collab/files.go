package collab

import (
	"context"
	"fmt"

	"github.com/iudanet/gophvault/internal/models"
	"github.com/iudanet/gophvault/internal/server/storage"
)

// FileResolver resolves a public share token to the shared file
type FileResolver interface {
	ResolveShare(ctx context.Context, shareToken string) (*models.File, error)
}

// Authorizer decides whether a user may edit a file collaboratively
type Authorizer interface {
	CanCollaborate(ctx context.Context, userID string, file *models.File) (bool, error)
}

// FileReader reads file bytes by logical path
type FileReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// FileWriter writes file bytes by logical path on behalf of userID
type FileWriter interface {
	WriteFile(ctx context.Context, path string, content []byte, userID string) error
}

// ShareDisabler disables a share link
type ShareDisabler interface {
	DisableShare(ctx context.Context, shareToken string) (*models.File, error)
}

// Files объединяет все внешние операции файловой подсистемы
type Files interface {
	FileResolver
	Authorizer
	FileReader
	FileWriter
	ShareDisabler
}

// VaultFiles адаптирует storage.FileStorage к интерфейсам сервиса.
// Совместно редактировать файл могут владелец и добавленные им соавторы.
type VaultFiles struct {
	storage storage.FileStorage
}

var _ Files = (*VaultFiles)(nil)

// NewVaultFiles создает адаптер файлового хранилища
func NewVaultFiles(s storage.FileStorage) *VaultFiles {
	return &VaultFiles{storage: s}
}

// ResolveShare returns the file shared under the token
func (v *VaultFiles) ResolveShare(ctx context.Context, shareToken string) (*models.File, error) {
	return v.storage.GetFileByShareToken(ctx, shareToken)
}

// CanCollaborate allows the owner and collaborators
func (v *VaultFiles) CanCollaborate(ctx context.Context, userID string, file *models.File) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if file.OwnerID == userID {
		return true, nil
	}

	ok, err := v.storage.IsCollaborator(ctx, file.ID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to check collaborator: %w", err)
	}

	return ok, nil
}

// ReadFile reads file bytes by path
func (v *VaultFiles) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return v.storage.ReadFile(ctx, path)
}

// WriteFile writes file bytes by path
func (v *VaultFiles) WriteFile(ctx context.Context, path string, content []byte, userID string) error {
	return v.storage.WriteFile(ctx, path, content, userID)
}

// DisableShare disables sharing by token
func (v *VaultFiles) DisableShare(ctx context.Context, shareToken string) (*models.File, error) {
	return v.storage.DisableShare(ctx, shareToken)
}
