package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iudanet/gophvault/internal/models"
	"github.com/iudanet/gophvault/internal/server/storage"
)

const fileColumns = `
	id, owner_id, path, COALESCE(share_token, ''), share_enabled,
	trashed, encrypted, shortcut, locked, size, updated_by,
	created_at, updated_at
`

// CreateFile stores a new file with its content
func (s *Storage) CreateFile(ctx context.Context, file *models.File, content []byte) error {
	query := `
		INSERT INTO files (
			id, owner_id, path, share_token, share_enabled,
			trashed, encrypted, shortcut, locked,
			content, size, updated_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if content == nil {
		content = []byte{}
	}

	_, err := s.db.ExecContext(ctx, query,
		file.ID,
		file.OwnerID,
		file.Path,
		nullableToken(file.ShareToken),
		boolToInt(file.ShareEnabled),
		boolToInt(file.Trashed),
		boolToInt(file.Encrypted),
		boolToInt(file.Shortcut),
		boolToInt(file.Locked),
		content,
		len(content),
		file.OwnerID,
		file.CreatedAt.Unix(),
		file.CreatedAt.Unix(),
	)
	if err != nil {
		// SQLite возвращает ошибку UNIQUE constraint при дубликате пути
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
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
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)

	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	return file, nil
}

// GetFileByShareToken retrieves file metadata by its public share token
func (s *Storage) GetFileByShareToken(ctx context.Context, token string) (*models.File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE share_token = ?`, token)

	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
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

	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM files WHERE path = ? AND trashed = 0`, path,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
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

	result, err := s.db.ExecContext(ctx, `
		UPDATE files
		SET content = ?, size = ?, updated_by = ?, updated_at = ?
		WHERE path = ?
	`, content, len(content), userID, time.Now().Unix(), path)
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return expectAffected(result, storage.ErrFileNotFound)
}

// SetShare assigns a share token to the file and enables or disables it
func (s *Storage) SetShare(ctx context.Context, fileID, token string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE files SET share_token = ?, share_enabled = ?, updated_at = ?
		WHERE id = ?
	`, nullableToken(token), boolToInt(enabled), time.Now().Unix(), fileID)
	if err != nil {
		return fmt.Errorf("failed to set share: %w", err)
	}

	return expectAffected(result, storage.ErrFileNotFound)
}

// DisableShare disables sharing by token and returns the updated file
func (s *Storage) DisableShare(ctx context.Context, token string) (*models.File, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE files SET share_enabled = 0, updated_at = ?
		WHERE share_token = ?
	`, time.Now().Unix(), token)
	if err != nil {
		return nil, fmt.Errorf("failed to disable share: %w", err)
	}

	if err := expectAffected(result, storage.ErrShareNotFound); err != nil {
		return nil, err
	}

	return s.GetFileByShareToken(ctx, token)
}

// AddCollaborator allows userID to edit fileID collaboratively
func (s *Storage) AddCollaborator(ctx context.Context, fileID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (file_id, user_id, added_at) VALUES (?, ?, ?)
		ON CONFLICT (file_id, user_id) DO NOTHING
	`, fileID, userID, time.Now().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return storage.ErrFileNotFound
		}
		return fmt.Errorf("failed to add collaborator: %w", err)
	}

	return nil
}

// IsCollaborator reports whether userID may edit fileID
func (s *Storage) IsCollaborator(ctx context.Context, fileID, userID string) (bool, error) {
	var exists int

	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM collaborators WHERE file_id = ? AND user_id = ?
		)
	`, fileID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check collaborator: %w", err)
	}

	return intToBool(exists), nil
}

// scanFile сканирует строку с колонками fileColumns
func scanFile(row *sql.Row) (*models.File, error) {
	file := &models.File{}
	var shareEnabled, trashed, encrypted, shortcut, locked int
	var createdAt, updatedAt int64

	err := row.Scan(
		&file.ID,
		&file.OwnerID,
		&file.Path,
		&file.ShareToken,
		&shareEnabled,
		&trashed,
		&encrypted,
		&shortcut,
		&locked,
		&file.Size,
		&file.UpdatedBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	file.ShareEnabled = intToBool(shareEnabled)
	file.Trashed = intToBool(trashed)
	file.Encrypted = intToBool(encrypted)
	file.Shortcut = intToBool(shortcut)
	file.Locked = intToBool(locked)
	file.CreatedAt = unixToTime(createdAt)
	file.UpdatedAt = unixToTime(updatedAt)

	return file, nil
}

func expectAffected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFound
	}

	return nil
}

// nullableToken превращает пустой токен в NULL, чтобы не нарушать UNIQUE
func nullableToken(token string) any {
	if token == "" {
		return nil
	}
	return token
}

// Helper functions for bool/int conversion
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

func unixToTime(timestamp int64) time.Time {
	return time.Unix(timestamp, 0)
}
