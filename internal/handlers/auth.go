package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Authenticate(ctx context.Context, req services.AuthenticateRequest) (models.AuthResult, error)
	VerifyMFA(ctx context.Context, req services.VerifyMFARequest) (models.AuthResult, error)
	ResendMFA(ctx context.Context, mfaToken string, client models.ClientContext) (models.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string, client models.ClientContext) (models.AuthResult, error)
	Logout(ctx context.Context, sessionID, accountID, deviceTrustToken string) error
	LogoutAll(ctx context.Context, accountID string) (int64, error)
}

// SessionServiceInterface lists and revokes the sessions of the caller
type SessionServiceInterface interface {
	ListSessions(ctx context.Context, accountID string) ([]*models.Session, error)
	RevokeSession(ctx context.Context, sessionID, accountID, reason string) (bool, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	sessions SessionServiceInterface
	cookies  auth.CookieConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, sessions SessionServiceInterface, cookies auth.CookieConfig, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		cookies:  cookies,
		logger:   logger,
		now:      time.Now,
	}
}

// Request DTOs

// SigninRequest represents the request body for signin
type SigninRequest struct {
	Email            string `json:"email" validate:"required,email,max=254"`
	Password         string `json:"password" validate:"required,max=1024"`
	DeviceTrustToken string `json:"device_trust_token,omitempty" validate:"omitempty,max=256"`
}

// VerifyMFARequest represents the request body for completing a second factor
type VerifyMFARequest struct {
	MFAToken    string `json:"mfa_token" validate:"required,max=256"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
	TrustDevice bool   `json:"trust_device"`
	DeviceName  string `json:"device_name,omitempty" validate:"omitempty,max=255"`
}

// ResendMFARequest represents the request body for resending an SMS code
type ResendMFARequest struct {
	MFAToken string `json:"mfa_token" validate:"required,max=256"`
}

// RefreshTokenRequest represents the request body for token refresh. The refresh
// token cookie is used when the body omits it.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token,omitempty" validate:"omitempty,max=256"`
}

// LogoutRequest is the optional body of POST /auth/logout. ForgetDevice revokes the
// device trust token from the body or, when omitted, from the device trust cookie.
type LogoutRequest struct {
	ForgetDevice     bool   `json:"forget_device"`
	DeviceTrustToken string `json:"device_trust_token,omitempty" validate:"omitempty,max=256"`
}

// Response DTOs

// SessionResponse is returned when a session was issued
type SessionResponse struct {
	SessionID             string     `json:"session_id"`
	AccessToken           string     `json:"access_token"`
	AccessTokenExpiresAt  time.Time  `json:"access_token_expires_at"`
	RefreshToken          string     `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time  `json:"refresh_token_expires_at"`
	DeviceTrustToken      string     `json:"device_trust_token,omitempty"`
	DeviceTrustExpiresAt  *time.Time `json:"device_trust_expires_at,omitempty"`
}

// MFARequiredResponse asks the client to prove a second factor
type MFARequiredResponse struct {
	MFARequired bool      `json:"mfa_required"`
	MFAToken    string    `json:"mfa_token"`
	Method      string    `json:"method"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// MFAResentResponse is returned after a new SMS code was sent
type MFAResentResponse struct {
	NextResendAt time.Time `json:"next_resend_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// OutcomeErrorResponse extends the error envelope with the retry hints of a denial
type OutcomeErrorResponse struct {
	pkghttp.ErrorResponse
	RemainingAttempts *int `json:"remaining_attempts,omitempty"`
	RetryAfterSeconds *int `json:"retry_after_seconds,omitempty"`
}

// LogoutAllResponse reports how many sessions were ended
type LogoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

// Signin handles password signin
// @Summary Sign in with email and password
// @Accept json
// @Param request body SigninRequest true "Signin request"
// @Produce json
// @Success 200 {object} SessionResponse
// @Success 202 {object} MFARequiredResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} OutcomeErrorResponse
// @Router /auth/signin [post]
func (h *AuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	deviceToken := req.DeviceTrustToken
	if deviceToken == "" {
		deviceToken, _ = auth.GetDeviceTrustCookie(r)
	}

	result, err := h.service.Authenticate(r.Context(), services.AuthenticateRequest{
		Email:            req.Email,
		Password:         req.Password,
		DeviceTrustToken: deviceToken,
		Client:           models.ClientContextFrom(r.Context()),
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "signin failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	h.writeResult(w, result)
}

// VerifyMFA handles POST /auth/mfa/verify
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req VerifyMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.VerifyMFA(r.Context(), services.VerifyMFARequest{
		MFAToken:    req.MFAToken,
		Code:        req.Code,
		TrustDevice: req.TrustDevice,
		DeviceName:  req.DeviceName,
		Client:      models.ClientContextFrom(r.Context()),
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "mfa verification failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	h.writeResult(w, result)
}

// ResendMFA handles POST /auth/mfa/resend
func (h *AuthHandler) ResendMFA(w http.ResponseWriter, r *http.Request) {
	var req ResendMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.ResendMFA(r.Context(), req.MFAToken, models.ClientContextFrom(r.Context()))
	if err != nil {
		if errors.Is(err, models.ErrMFAMethodNotResendable) {
			pkghttp.WriteBadRequest(w, "The pending challenge does not support resend")
			return
		}
		h.logger.ErrorContext(r.Context(), "mfa resend failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	h.writeResult(w, result)
}

// Refresh handles POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			pkghttp.WriteBadRequest(w, "Invalid request body")
			return
		}
		if err := ValidateRequest(req); err != nil {
			pkghttp.WriteBadRequest(w, err.Error())
			return
		}
	}

	token := req.RefreshToken
	if token == "" {
		cookie, err := auth.GetRefreshTokenCookie(r)
		if err != nil {
			pkghttp.WriteBadRequest(w, "refresh_token is required")
			return
		}
		token = cookie
	}

	result, err := h.service.Refresh(r.Context(), token, models.ClientContextFrom(r.Context()))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "refresh failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	h.writeResult(w, result)
}

// Logout ends the session that issued the access token
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req LogoutRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			pkghttp.WriteBadRequest(w, "Invalid request body")
			return
		}
		if err := ValidateRequest(req); err != nil {
			pkghttp.WriteBadRequest(w, err.Error())
			return
		}
	}

	var deviceToken string
	if req.ForgetDevice {
		deviceToken = req.DeviceTrustToken
		if deviceToken == "" {
			deviceToken, _ = auth.GetDeviceTrustCookie(r)
		}
	}

	if err := h.service.Logout(r.Context(), claims.SessionID, claims.AccountID, deviceToken); err != nil {
		h.logger.ErrorContext(r.Context(), "logout failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	auth.ClearRefreshTokenCookie(w, h.cookies)
	if req.ForgetDevice {
		auth.ClearDeviceTrustCookie(w, h.cookies)
	}
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll ends every session of the caller
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	n, err := h.service.LogoutAll(r.Context(), claims.AccountID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "logout all failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	auth.ClearRefreshTokenCookie(w, h.cookies)
	pkghttp.WriteJSON(w, http.StatusOK, LogoutAllResponse{Revoked: n})
}

// ListSessions handles GET /auth/sessions
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	sessions, err := h.sessions.ListSessions(r.Context(), claims.AccountID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list sessions", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, sessions)
}

// RevokeSession handles DELETE /auth/sessions/{id}
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		pkghttp.WriteBadRequest(w, "invalid session ID")
		return
	}

	revoked, err := h.sessions.RevokeSession(r.Context(), sessionID.String(), claims.AccountID, models.SessionRevokedUser)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to revoke session", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	if !revoked {
		pkghttp.WriteNotFound(w, "Session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeResult maps an AuthResult onto the HTTP response. Inactive accounts are reported
// like bad credentials so signin reveals nothing about account state.
func (h *AuthHandler) writeResult(w http.ResponseWriter, result models.AuthResult) {
	switch res := result.(type) {
	case models.Success:
		auth.SetRefreshTokenCookie(w, res.RefreshToken, res.RefreshTokenExpiresAt, h.cookies)
		if res.DeviceTrustToken != "" && res.DeviceTrustExpiresAt != nil {
			auth.SetDeviceTrustCookie(w, res.DeviceTrustToken, *res.DeviceTrustExpiresAt, h.cookies)
		}
		pkghttp.WriteJSON(w, http.StatusOK, SessionResponse{
			SessionID:             res.SessionID,
			AccessToken:           res.AccessToken,
			AccessTokenExpiresAt:  res.AccessTokenExpiresAt,
			RefreshToken:          res.RefreshToken,
			RefreshTokenExpiresAt: res.RefreshTokenExpiresAt,
			DeviceTrustToken:      res.DeviceTrustToken,
			DeviceTrustExpiresAt:  res.DeviceTrustExpiresAt,
		})
	case models.MFARequired:
		pkghttp.WriteJSON(w, http.StatusAccepted, MFARequiredResponse{
			MFARequired: true,
			MFAToken:    res.MFAToken,
			Method:      string(res.Method),
			ExpiresAt:   res.ExpiresAt,
		})
	case models.MFAResent:
		pkghttp.WriteJSON(w, http.StatusOK, MFAResentResponse{
			NextResendAt: res.NextResendAt,
			ExpiresAt:    res.ExpiresAt,
		})
	case models.InvalidCredentials, models.AccountInactive:
		pkghttp.WriteUnauthorized(w, "Authentication failed")
	case models.AccountLocked:
		writeDenial(w, http.StatusTooManyRequests, "account_locked", "Account temporarily locked", nil, secondsUntil(h.now(), res.LockedUntil))
	case models.RateLimited:
		writeDenial(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many signin attempts", nil, secondsUntil(h.now(), res.RetryAfter))
	case models.SMSRateLimited:
		writeDenial(w, http.StatusTooManyRequests, "sms_rate_limited", "Too many verification codes requested", nil, res.RetryAfterSeconds)
	case models.ResendCooldown:
		writeDenial(w, http.StatusTooManyRequests, "resend_cooldown", "Please wait before requesting another code", nil, secondsUntil(h.now(), res.RetryAfter))
	case models.InvalidMFACode:
		remaining := res.RemainingAttempts
		writeDenial(w, http.StatusUnauthorized, "invalid_mfa_code", "Invalid verification code", &remaining, 0)
	case models.ChallengeExpired:
		pkghttp.WriteError(w, http.StatusUnauthorized, "challenge_expired", "Verification challenge expired, sign in again")
	case models.MFASystemUnavailable:
		pkghttp.WriteErrorWithDetails(w, http.StatusServiceUnavailable, "mfa_unavailable", "Second factor temporarily unavailable", res.Reason)
	case models.InvalidRefresh:
		auth.ClearRefreshTokenCookie(w, h.cookies)
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_refresh", "Refresh token is invalid")
	default:
		h.logger.Error("unhandled auth result", slog.Any("result", result))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

func writeDenial(w http.ResponseWriter, status int, code, message string, remaining *int, retryAfter int) {
	resp := OutcomeErrorResponse{
		ErrorResponse:     pkghttp.ErrorResponse{Error: code, Message: message},
		RemainingAttempts: remaining,
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		resp.RetryAfterSeconds = &retryAfter
	}
	pkghttp.WriteJSON(w, status, resp)
}

// secondsUntil rounds up so clients never retry early
func secondsUntil(now, t time.Time) int {
	secs := int(math.Ceil(t.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
