// Package server assembles the HTTP surface of the collaboration service.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/iudanet/gophvault/internal/server/handlers"
	"github.com/iudanet/gophvault/internal/server/middleware"
	"github.com/iudanet/gophvault/internal/server/ws"
)

// Пути, которые опрашиваются постоянно и не логируются
const (
	HealthPath  = "/api/v1/health"
	MetricsPath = "/metrics"
)

// RouterConfig зависимости маршрутизатора
type RouterConfig struct {
	Logger   *slog.Logger
	Health   *handlers.HealthHandler
	Admin    *handlers.AdminHandler
	Collab   http.Handler
	Metrics  http.Handler
	Verifier middleware.Verifier
	Limiter  *middleware.ConnectLimiter
	DevMode  bool
}

// NewRouter создает маршрутизатор со всеми эндпоинтами
func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RecoveryMiddleware(cfg.Logger, cfg.DevMode))
	r.Use(middleware.LoggingWithSkip(cfg.Logger, []string{HealthPath, MetricsPath}))

	r.HandleFunc(HealthPath, cfg.Health.Health).Methods(http.MethodGet)
	r.Handle(MetricsPath, cfg.Metrics).Methods(http.MethodGet)

	var collab http.Handler = cfg.Collab
	if cfg.Limiter != nil {
		collab = middleware.ConnectRateLimit(cfg.Limiter, nil)(collab)
	}
	r.Handle("/api/v1/collab/{"+ws.ShareTokenVar+"}", collab).Methods(http.MethodGet)

	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(middleware.AuthMiddleware(cfg.Logger, cfg.Verifier))
	admin.Use(middleware.RequireAdmin(cfg.Logger))
	admin.HandleFunc("/shares/{"+handlers.ShareTokenVar+"}/disable", cfg.Admin.DisableShare).Methods(http.MethodPost)
	admin.HandleFunc("/sessions/{"+handlers.ShareTokenVar+"}", cfg.Admin.Inspect).Methods(http.MethodGet)
	admin.HandleFunc("/sessions/{"+handlers.ShareTokenVar+"}/notify", cfg.Admin.Notify).Methods(http.MethodPost)

	return r
}
