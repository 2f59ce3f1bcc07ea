package storage

import "errors"

// Common storage errors
var (
	// ErrFileNotFound indicates that file was not found in storage
	ErrFileNotFound = errors.New("file not found")

	// ErrFileAlreadyExists indicates that a file with this path already exists
	ErrFileAlreadyExists = errors.New("file already exists")

	// ErrShareNotFound indicates that no file is shared under the token
	ErrShareNotFound = errors.New("share not found")
)
