package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/iudanet/gophvault/internal/models"
	"github.com/iudanet/gophvault/internal/server/auth"
	"github.com/iudanet/gophvault/pkg/api"
)

// Verifier проверяет учетные данные запроса
type Verifier interface {
	Verify(r *http.Request) (models.Identity, error)
}

// AuthMiddleware создает middleware для проверки access token.
// Проверенный пользователь сохраняется в контексте запроса.
func AuthMiddleware(logger *slog.Logger, verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := verifier.Verify(r)
			if err != nil {
				code := api.CodeInvalidSignature
				var rejected *auth.RejectedError
				if errors.As(err, &rejected) {
					code = rejected.Reason
				}

				logger.Warn("Request rejected", "reason", code, "error", err)
				writeError(w, http.StatusUnauthorized, code)
				return
			}

			logger.Debug("User authenticated", "user_id", identity.UserID, "username", identity.Username)

			// Передаем запрос дальше с обновленным контекстом
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireAdmin пропускает только пользователей с флагом admin.
// Должен стоять после AuthMiddleware.
func RequireAdmin(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.IdentityFrom(r.Context())
			if !ok || !identity.Admin {
				logger.Warn("Admin access denied", "user_id", identity.UserID)
				writeError(w, http.StatusForbidden, api.CodeUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: code})
}
