package routes

import (
	"net/http"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// Dependencies bundles what the router needs
type Dependencies struct {
	AuthHandler   *handlers.AuthHandler
	DeviceHandler *handlers.DeviceHandler
	MFAHandler    *handlers.MFAHandler
	AuditHandler  *handlers.AuditHandler
	TokenManager  *auth.TokenManager
	Sessions      auth.SessionChecker

	PublicRateLimit        middleware.RateLimitConfig
	AuthenticatedRateLimit middleware.RateLimitConfig

	Health  http.HandlerFunc
	Metrics http.Handler
	// TestControl is mounted under /test-control when non-nil. Set only when ENV=test.
	TestControl http.Handler
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Dependencies) {
	if deps.Health != nil {
		router.Get("/health", deps.Health)
	}
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Public routes - no authentication required
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(deps.PublicRateLimit))

		r.Post("/auth/signin", deps.AuthHandler.Signin)
		r.Post("/auth/mfa/verify", deps.AuthHandler.VerifyMFA)
		r.Post("/auth/mfa/resend", deps.AuthHandler.ResendMFA)
		r.Post("/auth/refresh", deps.AuthHandler.Refresh)
	})

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(deps.TokenManager, deps.Sessions))
		r.Use(middleware.RateLimitByAccount(deps.AuthenticatedRateLimit))

		r.Post("/auth/logout", deps.AuthHandler.Logout)
		r.Post("/auth/logout-all", deps.AuthHandler.LogoutAll)
		r.Get("/auth/sessions", deps.AuthHandler.ListSessions)
		r.Delete("/auth/sessions/{id}", deps.AuthHandler.RevokeSession)
		r.Get("/auth/events", deps.AuditHandler.ListEvents)

		r.Get("/auth/devices", deps.DeviceHandler.List)
		r.Delete("/auth/devices", deps.DeviceHandler.RevokeAll)
		r.Delete("/auth/devices/{id}", deps.DeviceHandler.Revoke)

		r.Post("/mfa/totp/enroll", deps.MFAHandler.BeginTOTP)
		r.Post("/mfa/totp/confirm", deps.MFAHandler.ConfirmTOTP)
		r.Post("/mfa/phone", deps.MFAHandler.EnrollPhone)
		r.Post("/mfa/phone/confirm", deps.MFAHandler.ConfirmPhone)
		r.Put("/mfa/preference", deps.MFAHandler.SetPreferredMethod)
	})

	if deps.TestControl != nil {
		router.Mount("/test-control", deps.TestControl)
	}
}
