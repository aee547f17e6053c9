package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	mw "github.com/lorrc/collab-relay/internal/adapters/primary/http/middleware"
	"github.com/lorrc/collab-relay/internal/auth"
	"github.com/lorrc/collab-relay/internal/config"
	"github.com/lorrc/collab-relay/internal/core/ports"
)

// RouterDeps is everything the HTTP surface of the relay needs
type RouterDeps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  ports.RoomRegistry
	Tokens    *auth.TokenManager // nil disables token issuance and checks
	Health    *HealthHandler
	WebSocket http.Handler
	Metrics   http.Handler      // nil disables /metrics
	Access    ports.AccessStore // nil or no Tokens disables access management
}

// NewRouter wires the relay's HTTP routes and middleware
func NewRouter(d RouterDeps) chi.Router {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config
	errorHandler := NewErrorHandler(logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(logger))
	r.Use(mw.RecoveryLogger(logger))

	if cfg.RateLimit.Enabled {
		limits := mw.DefaultRateLimiterConfig()
		limits.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limits.BurstSize = cfg.RateLimit.BurstSize
		r.Use(mw.NewRateLimiter(limits).Middleware)
	}

	// Health and metrics paths stay outside /api/v1
	if d.Health != nil {
		d.Health.RegisterRoutes(r)
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	// Sessions authenticate inside the handler
	r.Method(http.MethodGet, "/ws", d.WebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(corsOptions(cfg)))

		r.Method(http.MethodGet, "/ws", d.WebSocket)

		if d.Tokens != nil && cfg.IsDevelopment() {
			r.Route("/tokens", func(r chi.Router) {
				if cfg.RateLimit.Enabled {
					r.Use(mw.NewRateLimiter(mw.TokenIssueRateLimiterConfig()).Middleware)
				}
				NewTokenHandler(d.Tokens, errorHandler, logger).RegisterRoutes(r)
			})
		}

		r.Route("/rooms", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if d.Tokens != nil && cfg.JWT.Required {
					r.Use(mw.JWTMiddleware(d.Tokens))
				}
				NewRoomHandler(d.Registry, errorHandler, logger).RegisterRoutes(r)
			})

			// Changing who may join always needs a caller identity
			if d.Access != nil && d.Tokens != nil {
				r.Group(func(r chi.Router) {
					r.Use(mw.JWTMiddleware(d.Tokens))
					NewAccessHandler(d.Access, errorHandler, logger).RegisterRoutes(r)
				})
			}
		})
	})

	return r
}

func corsOptions(cfg *config.Config) cors.Options {
	origins := cfg.WebSocket.AllowedOrigins
	if len(origins) == 0 && cfg.IsDevelopment() {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mw.RequestIDHeader},
		ExposedHeaders:   []string{mw.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}
}
