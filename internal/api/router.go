package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter
type RouterOptions struct {
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set
	Metrics http.Handler
	Timeout time.Duration
}

// NewRouter mounts the public and JWT-protected routes
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.Timeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/trades", h.CreateTrade)
		r.Get("/trades", h.ListTrades)
		r.Get("/trades/{id}", h.GetTrade)
		r.Post("/trades/{id}/confirm", h.ConfirmTrade)
		r.Post("/trades/{id}/cancel", h.CancelTrade)
		r.Get("/balance", h.GetBalance)
	})

	return r
}
