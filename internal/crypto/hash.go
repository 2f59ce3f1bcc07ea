package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ShareTokenSize размер случайной части токена ссылки в байтах
const ShareTokenSize = 24

// SessionKey вычисляет ключ сессии совместного редактирования из публичного
// токена ссылки. Используется keyed BLAKE2b-256, поэтому ключ сессии не
// раскрывает ни токен, ни внутренний идентификатор файла.
// secret может быть пустым (тогда хеш не keyed), но не длиннее 64 байт.
func SessionKey(secret []byte, shareToken string) (string, error) {
	if shareToken == "" {
		return "", fmt.Errorf("share token cannot be empty")
	}

	h, err := blake2b.New256(secret)
	if err != nil {
		return "", fmt.Errorf("failed to init blake2b: %w", err)
	}
	h.Write([]byte(shareToken))

	sum := h.Sum(nil)
	// 128 бит достаточно для уникальности и короче в логах
	return hex.EncodeToString(sum[:16]), nil
}

// GenerateShareToken генерирует новый публичный токен ссылки (base64url без padding)
func GenerateShareToken() (string, error) {
	buf := make([]byte, ShareTokenSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
