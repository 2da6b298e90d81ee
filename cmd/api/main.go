package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/background"
	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	middlewareCustom "github.com/BradenHooton/gatekeeper/internal/middleware"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/BradenHooton/gatekeeper/internal/routes"
	"github.com/BradenHooton/gatekeeper/internal/services"
	"github.com/BradenHooton/gatekeeper/internal/testcontrol"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	ctx := context.Background()

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	accountRepo := repositories.NewAccountRepository(db.Pool)
	authEventRepo := repositories.NewAuthEventRepository(db.Pool)
	deviceTrustRepo := repositories.NewDeviceTrustRepository(db.Pool)
	challengeRepo := repositories.NewMFAChallengeRepository(db.Pool)
	sessionRepo := repositories.NewSessionRepository(db.Pool)
	phoneVerificationRepo := repositories.NewPhoneVerificationRepository(db.Pool)

	var rateLimitStore services.RateLimitStore
	switch cfg.RateLimit.Backend {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		rateLimitStore = repositories.NewRedisRateLimitRepository(redisClient)
	default:
		rateLimitStore = repositories.NewRateLimitRepository(db.Pool)
	}
	logger.Info("rate limit store selected", slog.String("backend", cfg.RateLimit.Backend))

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	// Token and MFA primitives
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)
	totpManager, err := auth.NewTOTPManager(cfg.MFA.EncryptionKey, cfg.MFA.Issuer)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}

	// Timing delay for auth security
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs: cfg.Auth.TimingDelayRandomMs,
	})

	// Outbound delivery
	var smsSender services.SMSSender
	if cfg.SMS.Provider == "sns" {
		sender, err := services.NewSNSSMSSender(ctx, cfg.SMS.AWSRegion, cfg.SMS.SenderID, logger)
		if err != nil {
			logger.Error("failed to initialize SNS sender", slog.Any("error", err))
			os.Exit(1)
		}
		smsSender = sender
	} else {
		logger.Warn("SMS codes are written to the log; set SMS_PROVIDER=sns for delivery")
		smsSender = services.NewLogSMSSender(logger)
	}

	var notifier services.SecurityNotifier
	if cfg.Email.FromAddress != "" {
		sesNotifier, err := services.NewSESSecurityNotifier(ctx, cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize email notifier", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesNotifier
	} else {
		logger.Warn("SES_FROM_ADDRESS not set, security notifications disabled")
	}

	// Initialize services
	auditService := services.NewAuditService(authEventRepo, logger)
	rateLimitService := services.NewRateLimitService(rateLimitStore, logger)
	credentialVerifier, err := services.NewCredentialVerifier(cfg.Auth.CredentialCheckTimeout)
	if err != nil {
		logger.Error("failed to initialize credential verifier", slog.Any("error", err))
		os.Exit(1)
	}
	lockoutService := services.NewLockoutService(accountRepo, services.LockoutConfig{
		Threshold: cfg.Lockout.Threshold,
		Duration:  cfg.Lockout.Duration,
	}, auditService, recorder, logger)
	deviceTrustService := services.NewDeviceTrustService(deviceTrustRepo, cfg.DeviceTrust.TTL, auditService, logger)
	mfaConfig := services.MFAConfig{
		ChallengeTTL:      cfg.MFA.ChallengeTTL,
		ResendCooldown:    cfg.MFA.ResendCooldown,
		MaxVerifyAttempts: cfg.MFA.MaxVerifyAttempts,
		SMSWindow:         cfg.RateLimit.SMSWindow,
		SMSMaxRequests:    cfg.RateLimit.SMSMaxRequests,
		SMSSendTimeout:    cfg.SMS.SendTimeout,
	}
	challengeService := services.NewMFAChallengeService(
		challengeRepo,
		accountRepo,
		totpManager,
		smsSender,
		rateLimitService,
		mfaConfig,
		auditService,
		recorder,
		logger,
	)
	sessionService := services.NewSessionService(sessionRepo, tokenManager, services.SessionConfig{
		TTL:                cfg.Session.TTL,
		RefreshTokenExpiry: cfg.Session.RefreshTokenExpiry,
		MaxPerAccount:      cfg.Session.MaxPerAccount,
	}, auditService, recorder, logger)
	mfaService := services.NewMFAService(
		accountRepo,
		phoneVerificationRepo,
		totpManager,
		smsSender,
		rateLimitService,
		mfaConfig,
		auditService,
		recorder,
		logger,
	)

	authService := services.NewAuthService(services.AuthDeps{
		Accounts:   accountRepo,
		Limiter:    rateLimitService,
		Verifier:   credentialVerifier,
		Lockout:    lockoutService,
		Devices:    deviceTrustService,
		Challenges: challengeService,
		Sessions:   sessionService,
		Notifier:   notifier,
		Audit:      auditService,
		Metrics:    recorder,
		Timing:     timingDelay,
	}, services.AuthConfig{
		SigninWindow:      cfg.RateLimit.SigninWindow,
		SigninMaxRequests: cfg.RateLimit.SigninMaxRequests,
		MFAResendCooldown: cfg.MFA.ResendCooldown,
		NotifyTimeout:     cfg.Email.NotifyTimeout,
	}, logger)

	// Initialize handlers
	cookieConfig := auth.CookieConfig{Secure: cfg.Auth.CookieSecure, SameSite: "strict"}
	authHandler := handlers.NewAuthHandler(authService, sessionService, cookieConfig, logger)
	deviceHandler := handlers.NewDeviceHandler(deviceTrustService, cookieConfig, logger)
	mfaHandler := handlers.NewMFAHandler(mfaService, logger)
	auditHandler := handlers.NewAuditHandler(auditService, logger)

	// Initialize cleanup manager
	cleanupManager := background.NewCleanupManager(
		challengeService,
		rateLimitService,
		deviceTrustService,
		sessionService,
		mfaService,
		background.CleanupConfig{
			Interval:           cfg.Auth.CleanupInterval,
			Retention:          24 * time.Hour,
			MaxRateLimitWindow: max(cfg.RateLimit.SigninWindow, cfg.RateLimit.SMSWindow),
		},
		logger,
	)

	// Setup router
	ipConfig := &pkghttp.IPConfig{TrustedProxies: pkghttp.ParseTrustedProxies(cfg.Server.TrustedProxies)}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.ClientContext(ipConfig))
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	deps := routes.Dependencies{
		AuthHandler:            authHandler,
		DeviceHandler:          deviceHandler,
		MFAHandler:             mfaHandler,
		AuditHandler:           auditHandler,
		TokenManager:           tokenManager,
		Sessions:               sessionService,
		PublicRateLimit:        middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.RateLimit.IPRequestsPerMinute},
		AuthenticatedRateLimit: middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.RateLimit.IPRequestsPerMinute * 2},
		Metrics:                promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		// Health check with database
		Health: func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			if err := db.HealthCheck(ctx); err != nil {
				pkghttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "down"})
				return
			}
			stats := db.Stats()
			pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
				"status":         "healthy",
				"database":       "up",
				"total_conns":    stats.TotalConns(),
				"idle_conns":     stats.IdleConns(),
				"acquired_conns": stats.AcquiredConns(),
			})
		},
	}
	if cfg.IsTest() {
		logger.Warn("test control endpoints mounted at /test-control")
		deps.TestControl = testcontrol.NewHandler(challengeService, mfaService, rateLimitService, lockoutService, logger).Routes()
	}

	// Register routes
	routes.RegisterRoutes(router, deps)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
