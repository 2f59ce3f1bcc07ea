// Package config loads server configuration from flags, environment
// (GOPHVAULT_ prefix) and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/iudanet/gophvault/internal/models"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "GOPHVAULT"

// Поддерживаемые backend'ы
const (
	StateRedis      = "redis"
	StateBolt       = "bolt"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// minLockTTL минимальный TTL, при котором продление раз в TTL/3 успевает
const minLockTTL = 3 * time.Second

// Config конфигурация сервера
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	State     StateConfig     `mapstructure:"state"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Collab    CollabConfig    `mapstructure:"collab"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig HTTP сервер
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	DevMode        bool     `mapstructure:"dev_mode"`
}

// LogConfig логирование
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig проверка учетных данных
type AuthConfig struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	SessionSecret string   `mapstructure:"session_secret"`
	Platforms     []string `mapstructure:"platforms"`
}

// StateConfig общее хранилище состояния сессий
type StateConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	BoltPath      string `mapstructure:"bolt_path"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// StorageConfig файловое хранилище
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// CollabConfig параметры совместного редактирования
type CollabConfig struct {
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	DrainTTL       time.Duration `mapstructure:"drain_ttl"`
	AdmitBackoff   time.Duration `mapstructure:"admit_backoff"`
	AdmitRetries   int           `mapstructure:"admit_retries"`
	PendingLogSize int           `mapstructure:"pending_log_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// RateLimitConfig ограничение частоты подключений с одного IP
type RateLimitConfig struct {
	ConnectWindow time.Duration `mapstructure:"connect_window"`
	ConnectRate   int           `mapstructure:"connect_rate"`
}

// SetDefaults задает значения по умолчанию для всех ключей
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.dev_mode", false)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.session_secret", "")
	v.SetDefault("auth.platforms", []string{models.PlatformWeb, models.PlatformDesktop, models.PlatformMobile})
	v.SetDefault("state.backend", StateBolt)
	v.SetDefault("state.redis_addr", "localhost:6379")
	v.SetDefault("state.redis_password", "")
	v.SetDefault("state.redis_db", 0)
	v.SetDefault("state.bolt_path", "gophvault-state.db")
	v.SetDefault("storage.driver", StorageSQLite)
	v.SetDefault("storage.dsn", "gophvault.db")
	v.SetDefault("collab.lock_ttl", 10*time.Minute)
	v.SetDefault("collab.drain_ttl", 30*time.Second)
	v.SetDefault("collab.admit_retries", 20)
	v.SetDefault("collab.admit_backoff", 50*time.Millisecond)
	v.SetDefault("collab.pending_log_size", 256)
	v.SetDefault("collab.send_buffer", 64)
	v.SetDefault("ratelimit.connect_rate", 30)
	v.SetDefault("ratelimit.connect_window", time.Minute)
}

// flagKeys соответствие флагов командной строки ключам конфигурации
var flagKeys = map[string]string{
	"addr":           "server.addr",
	"dev":            "server.dev_mode",
	"log-level":      "log.level",
	"jwt-secret":     "auth.jwt_secret",
	"session-secret": "auth.session_secret",
	"state-backend":  "state.backend",
	"redis-addr":     "state.redis_addr",
	"bolt-path":      "state.bolt_path",
	"storage-driver": "storage.driver",
	"storage-dsn":    "storage.dsn",
	"lock-ttl":       "collab.lock_ttl",
}

// RegisterFlags объявляет флаги сервера и связывает их с ключами конфигурации
func RegisterFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("config", "", "path to YAML config file")
	fs.String("addr", ":8080", "HTTP listen address")
	fs.Bool("dev", false, "development mode: text logs and error details for clients")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("jwt-secret", "", "HS256 secret for access tokens")
	fs.String("session-secret", "", "secret for session key derivation (up to 64 bytes)")
	fs.String("state-backend", StateBolt, "shared state store backend (redis, bolt)")
	fs.String("redis-addr", "localhost:6379", "redis address")
	fs.String("bolt-path", "gophvault-state.db", "bbolt state file")
	fs.String("storage-driver", StorageSQLite, "file storage driver (sqlite, postgres)")
	fs.String("storage-dsn", "gophvault.db", "file storage DSN")
	fs.Duration("lock-ttl", 10*time.Minute, "edit lock TTL")

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	return nil
}

// Load читает конфигурацию: флаги > окружение > файл > значения по умолчанию
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate проверяет согласованность конфигурации
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Auth.SessionSecret == "" {
		errs = append(errs, errors.New("auth.session_secret is required"))
	}
	if len(c.Auth.SessionSecret) > 64 {
		errs = append(errs, errors.New("auth.session_secret must not exceed 64 bytes"))
	}
	if len(c.Auth.Platforms) == 0 {
		errs = append(errs, errors.New("auth.platforms must not be empty"))
	}

	switch c.State.Backend {
	case StateRedis:
		if c.State.RedisAddr == "" {
			errs = append(errs, errors.New("state.redis_addr is required for redis backend"))
		}
	case StateBolt:
		if c.State.BoltPath == "" {
			errs = append(errs, errors.New("state.bolt_path is required for bolt backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.backend must be %s or %s, got %q", StateRedis, StateBolt, c.State.Backend))
	}

	if !slices.Contains([]string{StorageSQLite, StoragePostgres}, c.Storage.Driver) {
		errs = append(errs, fmt.Errorf("storage.driver must be %s or %s, got %q", StorageSQLite, StoragePostgres, c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}

	if c.Collab.LockTTL < minLockTTL {
		errs = append(errs, fmt.Errorf("collab.lock_ttl must be at least %s", minLockTTL))
	}
	if c.Collab.DrainTTL <= 0 {
		errs = append(errs, errors.New("collab.drain_ttl must be positive"))
	}
	if c.Collab.AdmitRetries <= 0 || c.Collab.AdmitBackoff <= 0 {
		errs = append(errs, errors.New("collab.admit_retries and collab.admit_backoff must be positive"))
	}
	if c.Collab.PendingLogSize <= 0 || c.Collab.SendBuffer <= 0 {
		errs = append(errs, errors.New("collab.pending_log_size and collab.send_buffer must be positive"))
	}

	if c.RateLimit.ConnectRate <= 0 || c.RateLimit.ConnectWindow <= 0 {
		errs = append(errs, errors.New("ratelimit.connect_rate and ratelimit.connect_window must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}

// ParseLevel разбирает уровень логирования
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", level, err)
	}
	return l, nil
}

// NewLogger создает логгер: JSON в production, текст в dev режиме
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Server.DevMode {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
