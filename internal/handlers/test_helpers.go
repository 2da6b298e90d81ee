package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAuthContext adds access token claims to request context for testing authenticated endpoints
func WithAuthContext(req *http.Request, accountID, sessionID string) *http.Request {
	claims := &models.TokenClaims{
		Type:      "access",
		AccountID: accountID,
		SessionID: sessionID,
	}
	ctx := context.WithValue(req.Context(), auth.ClaimsContextKey, claims)
	return req.WithContext(ctx)
}

// WithClientContext attaches the caller identity the ClientContext middleware would set
func WithClientContext(req *http.Request, ip, userAgent string) *http.Request {
	ctx := models.WithClientContext(req.Context(), models.ClientContext{
		IPAddress: ip,
		UserAgent: userAgent,
	})
	return req.WithContext(ctx)
}

// WithURLParam sets a chi route parameter on the request
func WithURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	AuthenticateFunc func(ctx context.Context, req services.AuthenticateRequest) (models.AuthResult, error)
	VerifyMFAFunc    func(ctx context.Context, req services.VerifyMFARequest) (models.AuthResult, error)
	ResendMFAFunc    func(ctx context.Context, mfaToken string, client models.ClientContext) (models.AuthResult, error)
	RefreshFunc      func(ctx context.Context, refreshToken string, client models.ClientContext) (models.AuthResult, error)
	LogoutFunc       func(ctx context.Context, sessionID, accountID, deviceTrustToken string) error
	LogoutAllFunc    func(ctx context.Context, accountID string) (int64, error)
}

func (m *MockAuthService) Authenticate(ctx context.Context, req services.AuthenticateRequest) (models.AuthResult, error) {
	if m.AuthenticateFunc == nil {
		return models.InvalidCredentials{}, nil
	}
	return m.AuthenticateFunc(ctx, req)
}

func (m *MockAuthService) VerifyMFA(ctx context.Context, req services.VerifyMFARequest) (models.AuthResult, error) {
	if m.VerifyMFAFunc == nil {
		return models.ChallengeExpired{}, nil
	}
	return m.VerifyMFAFunc(ctx, req)
}

func (m *MockAuthService) ResendMFA(ctx context.Context, mfaToken string, client models.ClientContext) (models.AuthResult, error) {
	if m.ResendMFAFunc == nil {
		return models.ChallengeExpired{}, nil
	}
	return m.ResendMFAFunc(ctx, mfaToken, client)
}

func (m *MockAuthService) Refresh(ctx context.Context, refreshToken string, client models.ClientContext) (models.AuthResult, error) {
	if m.RefreshFunc == nil {
		return models.InvalidRefresh{}, nil
	}
	return m.RefreshFunc(ctx, refreshToken, client)
}

func (m *MockAuthService) Logout(ctx context.Context, sessionID, accountID, deviceTrustToken string) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, sessionID, accountID, deviceTrustToken)
}

func (m *MockAuthService) LogoutAll(ctx context.Context, accountID string) (int64, error) {
	if m.LogoutAllFunc == nil {
		return 0, nil
	}
	return m.LogoutAllFunc(ctx, accountID)
}

// MockSessionService implements SessionServiceInterface for testing
type MockSessionService struct {
	ListSessionsFunc  func(ctx context.Context, accountID string) ([]*models.Session, error)
	RevokeSessionFunc func(ctx context.Context, sessionID, accountID, reason string) (bool, error)
}

func (m *MockSessionService) ListSessions(ctx context.Context, accountID string) ([]*models.Session, error) {
	if m.ListSessionsFunc == nil {
		return nil, nil
	}
	return m.ListSessionsFunc(ctx, accountID)
}

func (m *MockSessionService) RevokeSession(ctx context.Context, sessionID, accountID, reason string) (bool, error) {
	if m.RevokeSessionFunc == nil {
		return false, nil
	}
	return m.RevokeSessionFunc(ctx, sessionID, accountID, reason)
}

// MockDeviceTrustService implements DeviceTrustServiceInterface for testing
type MockDeviceTrustService struct {
	ListFunc      func(ctx context.Context, accountID string) ([]models.DeviceTrustInfo, error)
	RevokeFunc    func(ctx context.Context, deviceID, accountID string, reason models.DeviceRevocationReason) (bool, error)
	RevokeAllFunc func(ctx context.Context, accountID string, reason models.DeviceRevocationReason) (int64, error)
}

func (m *MockDeviceTrustService) List(ctx context.Context, accountID string) ([]models.DeviceTrustInfo, error) {
	if m.ListFunc == nil {
		return nil, nil
	}
	return m.ListFunc(ctx, accountID)
}

func (m *MockDeviceTrustService) Revoke(ctx context.Context, deviceID, accountID string, reason models.DeviceRevocationReason) (bool, error) {
	if m.RevokeFunc == nil {
		return false, nil
	}
	return m.RevokeFunc(ctx, deviceID, accountID, reason)
}

func (m *MockDeviceTrustService) RevokeAll(ctx context.Context, accountID string, reason models.DeviceRevocationReason) (int64, error) {
	if m.RevokeAllFunc == nil {
		return 0, nil
	}
	return m.RevokeAllFunc(ctx, accountID, reason)
}

// MockAuditService implements AuditServiceInterface for testing
type MockAuditService struct {
	ListForAccountFunc func(ctx context.Context, accountID string, limit int) ([]*models.AuthEvent, error)
}

func (m *MockAuditService) ListForAccount(ctx context.Context, accountID string, limit int) ([]*models.AuthEvent, error) {
	if m.ListForAccountFunc == nil {
		return nil, nil
	}
	return m.ListForAccountFunc(ctx, accountID, limit)
}

// MockMFAService implements MFAServiceInterface for testing
type MockMFAService struct {
	BeginTOTPFunc          func(ctx context.Context, accountID string) (*models.TOTPEnrollment, error)
	ConfirmTOTPFunc        func(ctx context.Context, accountID, code string) error
	EnrollPhoneFunc        func(ctx context.Context, accountID, phone string) (*models.PhoneEnrollment, error)
	ConfirmPhoneFunc       func(ctx context.Context, accountID, code string) error
	SetPreferredMethodFunc func(ctx context.Context, accountID string, method *models.MFAMethod) error
}

func (m *MockMFAService) BeginTOTP(ctx context.Context, accountID string) (*models.TOTPEnrollment, error) {
	if m.BeginTOTPFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.BeginTOTPFunc(ctx, accountID)
}

func (m *MockMFAService) ConfirmTOTP(ctx context.Context, accountID, code string) error {
	if m.ConfirmTOTPFunc == nil {
		return models.ErrMFAInvalidCode
	}
	return m.ConfirmTOTPFunc(ctx, accountID, code)
}

func (m *MockMFAService) EnrollPhone(ctx context.Context, accountID, phone string) (*models.PhoneEnrollment, error) {
	if m.EnrollPhoneFunc == nil {
		return &models.PhoneEnrollment{ExpiresAt: time.Now().Add(5 * time.Minute)}, nil
	}
	return m.EnrollPhoneFunc(ctx, accountID, phone)
}

func (m *MockMFAService) ConfirmPhone(ctx context.Context, accountID, code string) error {
	if m.ConfirmPhoneFunc == nil {
		return models.ErrNotFound
	}
	return m.ConfirmPhoneFunc(ctx, accountID, code)
}

func (m *MockMFAService) SetPreferredMethod(ctx context.Context, accountID string, method *models.MFAMethod) error {
	if m.SetPreferredMethodFunc == nil {
		return nil
	}
	return m.SetPreferredMethodFunc(ctx, accountID, method)
}
