package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iudanet/gophvault/internal/models"
	"github.com/iudanet/gophvault/internal/server/storage"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const fileColumns = `
	id, owner_id, path, COALESCE(share_token, ''), share_enabled,
	trashed, encrypted, shortcut, locked, size, updated_by,
	created_at, updated_at
`

// CreateFile stores a new file with its content
func (s *Storage) CreateFile(ctx context.Context, file *models.File, content []byte) error {
	if content == nil {
		content = []byte{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO files (
			id, owner_id, path, share_token, share_enabled,
			trashed, encrypted, shortcut, locked,
			content, size, updated_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`,
		file.ID,
		file.OwnerID,
		file.Path,
		nullableToken(file.ShareToken),
		file.ShareEnabled,
		file.Trashed,
		file.Encrypted,
		file.Shortcut,
		file.Locked,
		content,
		len(content),
		file.OwnerID,
		file.CreatedAt,
	)
	if err != nil {
		if hasCode(err, uniqueViolation) {
			return storage.ErrFileAlreadyExists
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}

	file.Size = int64(len(content))
	file.UpdatedBy = file.OwnerID
	file.UpdatedAt = file.CreatedAt

	return nil
}

// GetFile retrieves file metadata by ID
func (s *Storage) GetFile(ctx context.Context, id string) (*models.File, error) {
	file, err := scanFile(s.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	return file, nil
}

// GetFileByShareToken retrieves file metadata by its public share token
func (s *Storage) GetFileByShareToken(ctx context.Context, token string) (*models.File, error) {
	file, err := scanFile(s.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE share_token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrShareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file by share token: %w", err)
	}

	return file, nil
}

// ReadFile returns file content by logical path
func (s *Storage) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var content []byte

	err := s.pool.QueryRow(ctx,
		`SELECT content FROM files WHERE path = $1 AND NOT trashed`, path,
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return content, nil
}

// WriteFile replaces file content by logical path
func (s *Storage) WriteFile(ctx context.Context, path string, content []byte, userID string) error {
	if content == nil {
		content = []byte{}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE files
		SET content = $1, size = $2, updated_by = $3, updated_at = $4
		WHERE path = $5
	`, content, len(content), userID, time.Now(), path)
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return storage.ErrFileNotFound
	}

	return nil
}

// SetShare assigns a share token to the file and enables or disables it
func (s *Storage) SetShare(ctx context.Context, fileID, token string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE files SET share_token = $1, share_enabled = $2, updated_at = $3
		WHERE id = $4
	`, nullableToken(token), enabled, time.Now(), fileID)
	if err != nil {
		return fmt.Errorf("failed to set share: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return storage.ErrFileNotFound
	}

	return nil
}

// DisableShare disables sharing by token and returns the updated file
func (s *Storage) DisableShare(ctx context.Context, token string) (*models.File, error) {
	file, err := scanFile(s.pool.QueryRow(ctx, `
		UPDATE files SET share_enabled = FALSE, updated_at = $1
		WHERE share_token = $2
		RETURNING `+fileColumns, time.Now(), token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrShareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to disable share: %w", err)
	}

	return file, nil
}

// AddCollaborator allows userID to edit fileID collaboratively
func (s *Storage) AddCollaborator(ctx context.Context, fileID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO collaborators (file_id, user_id, added_at) VALUES ($1, $2, $3)
		ON CONFLICT (file_id, user_id) DO NOTHING
	`, fileID, userID, time.Now())
	if err != nil {
		if hasCode(err, foreignKeyViolation) {
			return storage.ErrFileNotFound
		}
		return fmt.Errorf("failed to add collaborator: %w", err)
	}

	return nil
}

// IsCollaborator reports whether userID may edit fileID
func (s *Storage) IsCollaborator(ctx context.Context, fileID, userID string) (bool, error) {
	var exists bool

	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM collaborators WHERE file_id = $1 AND user_id = $2
		)
	`, fileID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check collaborator: %w", err)
	}

	return exists, nil
}

func scanFile(row pgx.Row) (*models.File, error) {
	file := &models.File{}

	err := row.Scan(
		&file.ID,
		&file.OwnerID,
		&file.Path,
		&file.ShareToken,
		&file.ShareEnabled,
		&file.Trashed,
		&file.Encrypted,
		&file.Shortcut,
		&file.Locked,
		&file.Size,
		&file.UpdatedBy,
		&file.CreatedAt,
		&file.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return file, nil
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// nullableToken превращает пустой токен в NULL, чтобы не нарушать UNIQUE
func nullableToken(token string) *string {
	if token == "" {
		return nil
	}
	return &token
}
