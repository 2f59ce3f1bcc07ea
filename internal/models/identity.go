package models

// Identity представляет проверенного пользователя, полученного из access token.
// Создается только Gatekeeper'ом после проверки подписи и платформы.
type Identity struct {
	UserID   string `json:"user_id"`  // UserID идентификатор пользователя (UUID)
	Username string `json:"username"` // Username имя пользователя (для логов)
	Platform string `json:"platform"` // Platform платформа клиента ("web", "desktop", "mobile")
	Admin    bool   `json:"admin"`    // Admin доступ к административным эндпоинтам
}

// Platform константы для заголовка X-Platform
const (
	PlatformWeb     = "web"
	PlatformDesktop = "desktop"
	PlatformMobile  = "mobile"
)
