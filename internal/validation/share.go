package validation

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"
)

// ShareTokenPattern определяет допустимый формат токена ссылки
// Только символы base64url (a-z, A-Z, 0-9, '-', '_')
// Длина: 16-64 символа
var ShareTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,64}$`)

const (
	// MaxPathLen максимальная длина логического пути файла
	MaxPathLen = 1024
)

// ValidateShareToken проверяет формат публичного токена ссылки
func ValidateShareToken(token string) error {
	if token == "" {
		return fmt.Errorf("share token cannot be empty")
	}

	if !ShareTokenPattern.MatchString(token) {
		return fmt.Errorf("share token must be 16-64 characters of [A-Za-z0-9_-]")
	}

	return nil
}

// ValidatePlatform проверяет, что платформа клиента входит в список разрешенных
func ValidatePlatform(platform string, allowed []string) error {
	if platform == "" {
		return fmt.Errorf("platform cannot be empty")
	}

	if !slices.Contains(allowed, strings.ToLower(platform)) {
		return fmt.Errorf("platform %q is not allowed", platform)
	}

	return nil
}

// ValidateFilePath проверяет логический путь файла в хранилище
// Путь должен быть абсолютным, без "..", и уже нормализованным
func ValidateFilePath(p string) error {
	if p == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	if len(p) > MaxPathLen {
		return fmt.Errorf("file path must not exceed %d characters", MaxPathLen)
	}

	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("file path must be absolute")
	}

	if p == "/" || strings.HasSuffix(p, "/") {
		return fmt.Errorf("file path must name a file")
	}

	if path.Clean(p) != p {
		return fmt.Errorf("file path must be normalized")
	}

	return nil
}
