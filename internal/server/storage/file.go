package storage

import (
	"context"

	"github.com/iudanet/gophvault/internal/models"
)

// FileStorage defines the slice of the vault's file subsystem consumed by
// the collaboration core. Logical paths are unique across the vault: every
// tenant's files live under the tenant's own root folder.
type FileStorage interface {
	// CreateFile stores a new file with its content
	// Returns ErrFileAlreadyExists if path is taken
	CreateFile(ctx context.Context, file *models.File, content []byte) error

	// GetFile retrieves file metadata by ID
	// Returns ErrFileNotFound if file doesn't exist
	GetFile(ctx context.Context, id string) (*models.File, error)

	// GetFileByShareToken retrieves file metadata by its public share token
	// Returns ErrShareNotFound if no file carries the token
	GetFileByShareToken(ctx context.Context, token string) (*models.File, error)

	// ReadFile returns file content by logical path
	// Returns ErrFileNotFound if file doesn't exist or is trashed
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces file content by logical path, attributing the write to userID
	// Returns ErrFileNotFound if file doesn't exist
	WriteFile(ctx context.Context, path string, content []byte, userID string) error

	// SetShare assigns a share token to the file and enables or disables it
	// Returns ErrFileNotFound if file doesn't exist
	SetShare(ctx context.Context, fileID, token string, enabled bool) error

	// DisableShare disables sharing by token
	// Returns ErrShareNotFound if no file carries the token
	DisableShare(ctx context.Context, token string) (*models.File, error)

	// AddCollaborator allows userID to edit fileID collaboratively
	AddCollaborator(ctx context.Context, fileID, userID string) error

	// IsCollaborator reports whether userID may edit fileID
	IsCollaborator(ctx context.Context, fileID, userID string) (bool, error)

	// Ping checks the database connection
	Ping(ctx context.Context) error

	// Close closes the database connection
	Close() error
}
