package collab

import (
	"errors"
	"fmt"

	"github.com/iudanet/gophvault/pkg/api"
)

// Ошибки допуска
var (
	// ErrInvalidShareToken indicates a malformed share token
	ErrInvalidShareToken = errors.New("invalid share token")

	// ErrUnauthorized indicates that the user may not collaborate on the file
	ErrUnauthorized = errors.New("not allowed to collaborate on file")

	// ErrNotShareable indicates that the file cannot be opened for collaboration
	ErrNotShareable = errors.New("file is not shareable")

	// ErrDocumentNotFound indicates that the share or the file bytes could not be resolved
	ErrDocumentNotFound = errors.New("document not found")

	// ErrAdmissionTimeout indicates that a previous session for the document did not finish teardown in time
	ErrAdmissionTimeout = errors.New("session teardown did not finish in time")
)

// AdmissionError отказ в допуске с кодом протокола и кодом закрытия соединения.
type AdmissionError struct {
	Err       error
	Code      string
	CloseCode int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected (%s): %v", e.Code, e.Err)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// admissionError классифицирует ошибку допуска
func admissionError(err error) *AdmissionError {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return &AdmissionError{Err: err, Code: api.CodeUnauthorized, CloseCode: api.CloseForbidden}
	case errors.Is(err, ErrNotShareable):
		return &AdmissionError{Err: err, Code: api.CodeNotShareable, CloseCode: api.CloseForbidden}
	case errors.Is(err, ErrDocumentNotFound):
		return &AdmissionError{Err: err, Code: api.CodeDocumentNotFound, CloseCode: api.CloseNotFound}
	case errors.Is(err, ErrInvalidShareToken):
		return &AdmissionError{Err: err, Code: api.CodeInvalidRequest, CloseCode: api.CloseNotFound}
	default:
		return &AdmissionError{Err: err, Code: api.CodeInternal, CloseCode: api.CloseInternalError}
	}
}
