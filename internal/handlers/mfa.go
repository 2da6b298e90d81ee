package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// MFAServiceInterface defines second factor enrollment
type MFAServiceInterface interface {
	BeginTOTP(ctx context.Context, accountID string) (*models.TOTPEnrollment, error)
	ConfirmTOTP(ctx context.Context, accountID, code string) error
	EnrollPhone(ctx context.Context, accountID, phone string) (*models.PhoneEnrollment, error)
	ConfirmPhone(ctx context.Context, accountID, code string) error
	SetPreferredMethod(ctx context.Context, accountID string, method *models.MFAMethod) error
}

// MFAHandler handles MFA enrollment HTTP requests
type MFAHandler struct {
	service MFAServiceInterface
	logger  *slog.Logger
	now     func() time.Time
}

// NewMFAHandler creates a new MFA handler
func NewMFAHandler(service MFAServiceInterface, logger *slog.Logger) *MFAHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MFAHandler{service: service, logger: logger, now: time.Now}
}

// BeginTOTP handles POST /mfa/totp/enroll
func (h *MFAHandler) BeginTOTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	enrollment, err := h.service.BeginTOTP(r.Context(), claims.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Account not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to begin TOTP enrollment", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Enrollment failed")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BeginTOTPResponse{
		Secret: enrollment.Secret,
		QRCode: enrollment.QRCode,
	})
}

// ConfirmTOTP handles POST /mfa/totp/confirm
func (h *MFAHandler) ConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req ConfirmTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.ConfirmTOTP(r.Context(), claims.AccountID, req.Code); err != nil {
		switch {
		case errors.Is(err, models.ErrMFAInvalidCode):
			pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_mfa_code", "Invalid verification code")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "No pending TOTP enrollment")
		default:
			h.logger.ErrorContext(r.Context(), "failed to confirm TOTP enrollment", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Enrollment failed")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MFAStatusResponse{Success: true, Message: "TOTP has been enabled"})
}

// EnrollPhone handles POST /mfa/phone. A code is sent to the number, which becomes the
// SMS factor only after POST /mfa/phone/confirm.
func (h *MFAHandler) EnrollPhone(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req EnrollPhoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	enrollment, err := h.service.EnrollPhone(r.Context(), claims.AccountID, req.PhoneNumber)
	if err != nil {
		var smsLimit *models.SMSRateLimitError
		switch {
		case errors.As(err, &smsLimit):
			writeDenial(w, http.StatusTooManyRequests, "sms_rate_limited", "Too many verification codes requested", nil, secondsUntil(h.now(), smsLimit.RetryAfter))
		case errors.Is(err, models.ErrSMSDeliveryFailed), errors.Is(err, models.ErrRateLimitUnavailable):
			h.logger.ErrorContext(r.Context(), "phone enrollment unavailable", slog.Any("error", err))
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "mfa_unavailable", "Could not send a verification code")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "Account not found")
		default:
			h.logger.ErrorContext(r.Context(), "failed to enroll phone", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Enrollment failed")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, EnrollPhoneResponse{
		Message:   "Verification code sent",
		ExpiresAt: enrollment.ExpiresAt,
	})
}

// ConfirmPhone handles POST /mfa/phone/confirm
func (h *MFAHandler) ConfirmPhone(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req ConfirmPhoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.ConfirmPhone(r.Context(), claims.AccountID, req.Code); err != nil {
		var invalid *models.InvalidCodeError
		switch {
		case errors.As(err, &invalid):
			remaining := invalid.Remaining
			writeDenial(w, http.StatusUnauthorized, "invalid_mfa_code", "Invalid verification code", &remaining, 0)
		case errors.Is(err, models.ErrChallengeExpired):
			pkghttp.WriteError(w, http.StatusUnauthorized, "challenge_expired", "Verification code expired, enroll the phone again")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "No pending phone enrollment")
		default:
			h.logger.ErrorContext(r.Context(), "failed to confirm phone", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Enrollment failed")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MFAStatusResponse{Success: true, Message: "Phone number has been enrolled"})
}

// SetPreferredMethod handles PUT /mfa/preference
func (h *MFAHandler) SetPreferredMethod(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req SetPreferredMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	var method *models.MFAMethod
	if req.Method != "" {
		m := models.MFAMethod(req.Method)
		method = &m
	}

	if err := h.service.SetPreferredMethod(r.Context(), claims.AccountID, method); err != nil {
		switch {
		case errors.Is(err, models.ErrMFANotEnrolled):
			pkghttp.WriteConflict(w, "Method is not enrolled")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "Account not found")
		default:
			h.logger.ErrorContext(r.Context(), "failed to set preferred MFA method", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Update failed")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MFAStatusResponse{Success: true, Message: "Preferred method updated"})
}
