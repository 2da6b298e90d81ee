//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	middlewareCustom "github.com/BradenHooton/gatekeeper/internal/middleware"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/BradenHooton/gatekeeper/internal/routes"
	"github.com/BradenHooton/gatekeeper/internal/services"
	"github.com/BradenHooton/gatekeeper/internal/testcontrol"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// SentSMS represents a captured text message
type SentSMS struct {
	Phone string
	Code  string
}

// MockSMSSender captures sent codes for test assertions
type MockSMSSender struct {
	Sent []SentSMS
	mu   sync.Mutex
}

// SendCode records the code
func (m *MockSMSSender) SendCode(ctx context.Context, phone, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sent = append(m.Sent, SentSMS{Phone: phone, Code: code})
	return "test-message-id", nil
}

// LastCode returns the most recent code sent, or "" when none was sent
func (m *MockSMSSender) LastCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Sent) == 0 {
		return ""
	}
	return m.Sent[len(m.Sent)-1].Code
}

// Count returns the number of messages sent
func (m *MockSMSSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// TestServer wraps httptest.Server with the real services behind it
type TestServer struct {
	Server    *httptest.Server
	DB        *database.DB
	SMS       *MockSMSSender
	Sessions  *services.SessionService
	Lockout   *services.LockoutService
	RateLimit *services.RateLimitService
	Client    *http.Client
}

// TestServerOptions tunes the thresholds a test exercises
type TestServerOptions struct {
	LockoutThreshold  int
	SigninMaxRequests int
	SMSMaxRequests    int
	RateLimitStore    services.RateLimitStore // defaults to the Postgres store
}

// NewTestServer wires the production router over the test database with a capturing SMS sender
func NewTestServer(db *database.DB, opts TestServerOptions) *TestServer {
	logger := quietLogger()

	if opts.LockoutThreshold == 0 {
		opts.LockoutThreshold = 5
	}
	if opts.SigninMaxRequests == 0 {
		opts.SigninMaxRequests = 10
	}
	if opts.SMSMaxRequests == 0 {
		opts.SMSMaxRequests = 5
	}
	if opts.RateLimitStore == nil {
		opts.RateLimitStore = repositories.NewRateLimitRepository(db.Pool)
	}

	accountRepo := repositories.NewAccountRepository(db.Pool)
	authEventRepo := repositories.NewAuthEventRepository(db.Pool)
	deviceTrustRepo := repositories.NewDeviceTrustRepository(db.Pool)
	challengeRepo := repositories.NewMFAChallengeRepository(db.Pool)
	sessionRepo := repositories.NewSessionRepository(db.Pool)
	phoneVerificationRepo := repositories.NewPhoneVerificationRepository(db.Pool)

	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry)

	tokenManager := auth.NewTokenManager("integration-secret-32-characters-long!!", 15*time.Minute)
	totpManager, err := auth.NewTOTPManager([]byte("integration-mfa-key-32-bytes-ok!"), "GatekeeperTest")
	if err != nil {
		panic(err)
	}
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 0, RandomDelayMs: 0})
	smsSender := &MockSMSSender{}

	auditService := services.NewAuditService(authEventRepo, logger)
	rateLimitService := services.NewRateLimitService(opts.RateLimitStore, logger)
	credentialVerifier, err := services.NewCredentialVerifier(2 * time.Second)
	if err != nil {
		panic(err)
	}
	lockoutService := services.NewLockoutService(accountRepo, services.LockoutConfig{
		Threshold: opts.LockoutThreshold,
		Duration:  15 * time.Minute,
	}, auditService, recorder, logger)
	deviceTrustService := services.NewDeviceTrustService(deviceTrustRepo, 30*24*time.Hour, auditService, logger)
	mfaConfig := services.MFAConfig{
		ChallengeTTL:      5 * time.Minute,
		ResendCooldown:    30 * time.Second,
		MaxVerifyAttempts: 5,
		SMSWindow:         time.Hour,
		SMSMaxRequests:    opts.SMSMaxRequests,
		SMSSendTimeout:    2 * time.Second,
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
		TTL:                24 * time.Hour,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		MaxPerAccount:      10,
	}, auditService, recorder, logger)
	mfaService := services.NewMFAService(accountRepo, phoneVerificationRepo, totpManager, smsSender, rateLimitService, mfaConfig, auditService, recorder, logger)

	authService := services.NewAuthService(services.AuthDeps{
		Accounts:   accountRepo,
		Limiter:    rateLimitService,
		Verifier:   credentialVerifier,
		Lockout:    lockoutService,
		Devices:    deviceTrustService,
		Challenges: challengeService,
		Sessions:   sessionService,
		Audit:      auditService,
		Metrics:    recorder,
		Timing:     timingDelay,
	}, services.AuthConfig{
		SigninWindow:      15 * time.Minute,
		SigninMaxRequests: opts.SigninMaxRequests,
		MFAResendCooldown: 30 * time.Second,
	}, logger)

	cookieConfig := auth.CookieConfig{SameSite: "strict"}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(middlewareCustom.ClientContext(&pkghttp.IPConfig{}))
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: "test"}))
	r.Use(chiMiddleware.Recoverer)

	routes.RegisterRoutes(r, routes.Dependencies{
		AuthHandler:            handlers.NewAuthHandler(authService, sessionService, cookieConfig, logger),
		DeviceHandler:          handlers.NewDeviceHandler(deviceTrustService, cookieConfig, logger),
		MFAHandler:             handlers.NewMFAHandler(mfaService, logger),
		AuditHandler:           handlers.NewAuditHandler(auditService, logger),
		TokenManager:           tokenManager,
		Sessions:               sessionService,
		PublicRateLimit:        middlewareCustom.RateLimitConfig{RequestsPerMinute: 1000},
		AuthenticatedRateLimit: middlewareCustom.RateLimitConfig{RequestsPerMinute: 1000},
		Metrics:                promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		TestControl:            testcontrol.NewHandler(challengeService, mfaService, rateLimitService, lockoutService, logger).Routes(),
	})

	server := httptest.NewServer(r)
	jar, _ := cookiejar.New(nil)

	return &TestServer{
		Server:    server,
		DB:        db,
		SMS:       smsSender,
		Sessions:  sessionService,
		Lockout:   lockoutService,
		RateLimit: rateLimitService,
		Client:    &http.Client{Jar: jar},
	}
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes an HTTP request to the test server. Cookies persist across calls.
func (ts *TestServer) Request(method, path string, body any, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return ts.Client.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request with access token
func (ts *TestServer) RequestWithAuth(method, path, accessToken string, body any) (*http.Response, error) {
	return ts.Request(method, path, body, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// GetErrorCode extracts the error code from an error response
func GetErrorCode(resp *http.Response) (string, error) {
	var errResp pkghttp.ErrorResponse
	if err := ParseJSONResponse(resp, &errResp); err != nil {
		return "", err
	}
	return errResp.Error, nil
}
