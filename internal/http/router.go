package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Emcas152/CRMv2-sub000/internal/auth"
	"github.com/Emcas152/CRMv2-sub000/internal/http/handlers"
	"github.com/Emcas152/CRMv2-sub000/internal/middleware"
	"github.com/Emcas152/CRMv2-sub000/internal/ratelimit"
)

// Deps is what the router needs from main
type Deps struct {
	Auth    *auth.Service
	Limiter middleware.Quota
	DB      handlers.Pinger

	// TrustedProxies may report the client address in forwarding headers
	TrustedProxies middleware.TrustedProxies
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RealIP(d.TrustedProxies))
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	authHandler := handlers.NewAuthHandler(d.Auth)
	twoFactorHandler := handlers.NewTwoFactorHandler(d.Auth)
	adminHandler := handlers.NewAdminHandler(d.Auth)
	healthHandler := handlers.NewHealthHandler(d.DB)

	limit := func(endpoint string) func(chi.Router) chi.Router {
		return func(r chi.Router) chi.Router {
			return r.With(middleware.RateLimitMiddleware(d.Limiter, endpoint))
		}
	}

	// Callers are charged by IP before the session check, so rejected
	// tokens still count, and by user id after it.
	protected := []func(http.Handler) http.Handler{
		middleware.RateLimitMiddleware(d.Limiter, ""),
		middleware.AuthMiddleware(d.Auth),
		middleware.RateLimitMiddleware(d.Limiter, ""),
	}

	limit("")(r).Get("/health", healthHandler.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		limit(ratelimit.EndpointRegister)(r).Post("/register", authHandler.HandleRegister)
		limit(ratelimit.EndpointLogin)(r).Post("/login", authHandler.HandleLogin)
		limit(ratelimit.EndpointTwoFactorVerify)(r).Post("/2fa/verify", authHandler.HandleVerifyTwoFactor)
		limit(ratelimit.EndpointTwoFactorVerify)(r).Post("/2fa/resend", authHandler.HandleResendTwoFactor)

		r.Group(func(r chi.Router) {
			r.Use(protected...)
			r.Get("/2fa/status", twoFactorHandler.HandleStatus)
			r.Post("/2fa/enable", twoFactorHandler.HandleEnable)
			r.Post("/2fa/disable", twoFactorHandler.HandleDisable)
			r.Post("/2fa/backup-codes", twoFactorHandler.HandleRegenerateBackupCodes)
		})
	})

	// Protected routes (require valid session token)
	r.Group(func(r chi.Router) {
		r.Use(protected...)
		r.Get("/me", authHandler.HandleMe)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleAdmin))
			r.Get("/locks", adminHandler.HandleLockStatus)
			r.Post("/unlock", adminHandler.HandleUnlock)
		})
	})

	return r
}
