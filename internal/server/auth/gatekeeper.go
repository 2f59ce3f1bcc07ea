// Package auth verifies credentials of incoming connections. It only checks
// access tokens issued elsewhere and never touches collaboration state.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iudanet/gophvault/internal/models"
	"github.com/iudanet/gophvault/internal/validation"
	"github.com/iudanet/gophvault/pkg/api"
)

const (
	// PlatformHeader заголовок с платформой клиента
	PlatformHeader = "X-Platform"
	// PlatformQuery параметр запроса с платформой для браузеров
	PlatformQuery = "platform"
	// TokenQuery параметр запроса с access token для браузеров
	TokenQuery = "access_token"
)

// RejectedError описывает отказ в допуске. Reason совпадает с кодом ошибки
// протокола (api.CodeMissingCredential и т.д.).
type RejectedError struct {
	Err    error
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential rejected: %s: %v", e.Reason, e.Err)
	}
	return "credential rejected: " + e.Reason
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

func reject(reason string, err error) *RejectedError {
	return &RejectedError{Reason: reason, Err: err}
}

// Gatekeeper проверяет access token и платформу клиента
type Gatekeeper struct {
	logger    *slog.Logger
	platforms []string
	jwt       JWTConfig
}

// NewGatekeeper создает Gatekeeper. platforms список допустимых значений X-Platform.
func NewGatekeeper(logger *slog.Logger, jwtConfig JWTConfig, platforms []string) *Gatekeeper {
	return &Gatekeeper{
		logger:    logger,
		jwt:       jwtConfig,
		platforms: platforms,
	}
}

// Verify извлекает и проверяет учетные данные запроса.
// Возвращает *RejectedError при отказе.
func (g *Gatekeeper) Verify(r *http.Request) (models.Identity, error) {
	tokenString, err := bearerToken(r)
	if err != nil {
		return models.Identity{}, err
	}

	platform := r.Header.Get(PlatformHeader)
	if platform == "" {
		platform = r.URL.Query().Get(PlatformQuery)
	}
	if err := validation.ValidatePlatform(platform, g.platforms); err != nil {
		return models.Identity{}, reject(api.CodeInvalidPlatform, err)
	}

	claims, err := ValidateAccessToken(g.jwt, tokenString)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.Identity{}, reject(api.CodeExpiredCredential, err)
		}
		return models.Identity{}, reject(api.CodeInvalidSignature, err)
	}

	return models.Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Platform: strings.ToLower(platform),
		Admin:    claims.Admin,
	}, nil
}

// bearerToken извлекает токен из заголовка Authorization или параметра access_token
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get(TokenQuery); token != "" {
			return token, nil
		}
		return "", reject(api.CodeMissingCredential, nil)
	}

	// Ожидаем формат: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", reject(api.CodeInvalidSignature, errors.New("invalid authorization header format"))
	}

	return parts[1], nil
}

// contextKey тип для ключей контекста
type contextKey string

// identityKey ключ для хранения проверенного пользователя в контексте
const identityKey contextKey = "identity"

// WithIdentity сохраняет проверенного пользователя в контексте
func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom извлекает проверенного пользователя из контекста запроса
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityKey).(models.Identity)
	return id, ok
}
