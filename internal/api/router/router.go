package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/triage-notifier/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/triage-notifier/internal/http/middleware"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger          *logging.Logger
	Admin           *handlers.AdminNotifierHandler
	AdminAuthSecret string
	MetricsHandler  http.Handler
	// RequestTimeout bounds admin requests. A manual trigger runs a whole tick,
	// so keep this above the tick timeout.
	RequestTimeout time.Duration
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Group(func(public chi.Router) {
		public.Get("/health", handlers.HealthCheck)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.Admin != nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Use(middleware.Timeout(timeout))
			cfg.Admin.Routes(admin)
		})
	}

	return r
}
