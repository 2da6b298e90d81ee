package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

// MFAEnrollmentRepository stores second-factor enrollment on the account
type MFAEnrollmentRepository interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
	SetPendingTOTP(ctx context.Context, id string, encrypted, nonce []byte) error
	ConfirmTOTP(ctx context.Context, id string) error
	SetTOTPSecret(ctx context.Context, id string, encrypted, nonce []byte) error
	SetPhone(ctx context.Context, id, phone string, verified bool) error
	SetPreferredMFAMethod(ctx context.Context, id string, method *models.MFAMethod) error
}

// PhoneVerificationRepository holds phone numbers awaiting their confirmation code
type PhoneVerificationRepository interface {
	Upsert(ctx context.Context, v *models.PhoneVerification) error
	Get(ctx context.Context, accountID string) (*models.PhoneVerification, error)
	RecordFailedAttempt(ctx context.Context, accountID string, maxAttempts int) (int, bool, error)
	Confirm(ctx context.Context, accountID, codeHash string, now time.Time) (string, error)
	Delete(ctx context.Context, accountID string) error
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// MFAService handles second-factor enrollment
type MFAService struct {
	repo    MFAEnrollmentRepository
	phones  PhoneVerificationRepository
	totpMgr *auth.TOTPManager
	sms     SMSSender
	limiter RateLimiter
	config  MFAConfig
	audit   *AuditService
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewMFAService creates a new MFA service. Phone enrollment sends its confirmation code
// through sms and shares the per-account SMS window of config with signin challenges.
func NewMFAService(
	repo MFAEnrollmentRepository,
	phones PhoneVerificationRepository,
	totpMgr *auth.TOTPManager,
	sms SMSSender,
	limiter RateLimiter,
	config MFAConfig,
	audit *AuditService,
	recorder *metrics.Recorder,
	logger *slog.Logger,
) *MFAService {
	return &MFAService{
		repo:    repo,
		phones:  phones,
		totpMgr: totpMgr,
		sms:     sms,
		limiter: limiter,
		config:  config,
		audit:   audit,
		metrics: recorder,
		logger:  logger,
		now:     time.Now,
	}
}

// BeginTOTP generates a new secret and stores it as pending. The secret is returned once,
// with a QR code for authenticator apps.
func (s *MFAService) BeginTOTP(ctx context.Context, accountID string) (*models.TOTPEnrollment, error) {
	account, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	encryptedSecret, nonce, secret, qrCode, err := s.totpMgr.GenerateSecretWithQR(account.Email)
	if err != nil {
		s.logger.Error("failed to generate TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.repo.SetPendingTOTP(ctx, accountID, encryptedSecret, nonce); err != nil {
		return nil, fmt.Errorf("failed to store pending secret: %w", err)
	}

	s.logger.Info("TOTP enrollment started", slog.String("account_id", accountID))
	return &models.TOTPEnrollment{
		Secret: secret,
		QRCode: qrCode,
	}, nil
}

// ConfirmTOTP activates the pending secret once the first code from it verifies
func (s *MFAService) ConfirmTOTP(ctx context.Context, accountID, code string) error {
	account, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if len(account.TOTPPendingSecret) == 0 || len(account.TOTPPendingNonce) == 0 {
		return models.ErrNotFound
	}

	secret, err := s.totpMgr.DecryptSecret(account.TOTPPendingSecret, account.TOTPPendingNonce)
	if err != nil {
		s.logger.Error("failed to decrypt pending TOTP secret", slog.Any("error", err))
		return models.ErrInternalServer
	}

	valid, err := s.totpMgr.ValidateAt(secret, code, s.now())
	if err != nil || !valid {
		s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventTOTPEnrolled, accountID, nil), false, "invalid_code")
		return models.ErrMFAInvalidCode
	}

	if err := s.repo.ConfirmTOTP(ctx, accountID); err != nil {
		return fmt.Errorf("failed to confirm TOTP: %w", err)
	}

	s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventTOTPEnrolled, accountID, nil), true, "")
	return nil
}

// EnableTOTPWithSecret stores an already confirmed base32 secret. Test tooling only.
func (s *MFAService) EnableTOTPWithSecret(ctx context.Context, accountID, secret string) error {
	encrypted, nonce, err := s.totpMgr.EncryptSecret([]byte(secret))
	if err != nil {
		return err
	}
	return s.repo.SetTOTPSecret(ctx, accountID, encrypted, nonce)
}

// EnrollPhone sends a confirmation code to phone and holds the number as pending.
// The account's SMS factor does not change until ConfirmPhone succeeds.
//
// Errors: ErrNotFound, *models.SMSRateLimitError, ErrRateLimitUnavailable, ErrSMSDeliveryFailed.
func (s *MFAService) EnrollPhone(ctx context.Context, accountID, phone string) (*models.PhoneEnrollment, error) {
	if _, err := s.repo.GetByID(ctx, accountID); err != nil {
		return nil, err
	}

	if err := consumeSMSSlot(ctx, s.limiter, s.metrics, accountID, s.config); err != nil {
		return nil, err
	}

	code, err := auth.GenerateNumericCode(smsCodeDigits)
	if err != nil {
		return nil, err
	}

	now := s.now()
	pending := &models.PhoneVerification{
		AccountID: accountID,
		Phone:     phone,
		CodeHash:  phoneCodeHash(accountID, phone, code),
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.ChallengeTTL),
	}
	if err := s.phones.Upsert(ctx, pending); err != nil {
		return nil, fmt.Errorf("failed to store pending phone: %w", err)
	}

	if err := sendSMSCode(ctx, s.sms, s.metrics, s.config.SMSSendTimeout, phone, code); err != nil {
		if derr := s.phones.Delete(ctx, accountID); derr != nil {
			s.logger.Error("failed to drop pending phone after sms failure",
				slog.String("account_id", accountID),
				slog.Any("error", derr))
		}
		return nil, err
	}

	s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventPhoneCodeSent, accountID, models.AuditMetadata{
		"phone": pkglogger.MaskPhone(phone),
	}), true, "")
	return &models.PhoneEnrollment{ExpiresAt: pending.ExpiresAt}, nil
}

// ConfirmPhone checks code against the pending number and, when it matches, makes that
// number the account's verified SMS phone. A wrong code counts as a failed attempt and
// the attempt that reaches MaxVerifyAttempts discards the pending number.
//
// Errors: ErrNotFound (nothing pending), ErrChallengeExpired, *models.InvalidCodeError.
func (s *MFAService) ConfirmPhone(ctx context.Context, accountID, code string) error {
	pending, err := s.phones.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to load pending phone: %w", err)
	}

	now := s.now()
	if !now.Before(pending.ExpiresAt) {
		if err := s.phones.Delete(ctx, accountID); err != nil {
			s.logger.Warn("failed to drop expired pending phone", slog.Any("error", err))
		}
		return models.ErrChallengeExpired
	}

	candidate := phoneCodeHash(accountID, pending.Phone, code)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(pending.CodeHash)) != 1 {
		return s.recordPhoneFailure(ctx, accountID)
	}

	phone, err := s.phones.Confirm(ctx, accountID, candidate, now)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrChallengeExpired
		}
		return fmt.Errorf("failed to confirm phone: %w", err)
	}

	s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventPhoneEnrolled, accountID, models.AuditMetadata{
		"phone": pkglogger.MaskPhone(phone),
	}), true, "")
	return nil
}

// EnableSMSWithPhone stores phone as verified without sending a code. Test tooling only.
func (s *MFAService) EnableSMSWithPhone(ctx context.Context, accountID, phone string) error {
	if err := s.repo.SetPhone(ctx, accountID, phone, true); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to enable sms: %w", err)
	}
	return nil
}

// PurgePendingPhones deletes pending numbers whose code expired more than grace ago
func (s *MFAService) PurgePendingPhones(ctx context.Context, grace time.Duration) (int64, error) {
	return s.phones.DeleteExpired(ctx, s.now().Add(-grace))
}

func (s *MFAService) recordPhoneFailure(ctx context.Context, accountID string) error {
	attempts, exhausted, err := s.phones.RecordFailedAttempt(ctx, accountID, s.config.MaxVerifyAttempts)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrChallengeExpired
		}
		return fmt.Errorf("failed to record phone code failure: %w", err)
	}

	s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventPhoneEnrolled, accountID, nil), false, "invalid_code")
	if exhausted {
		return models.ErrChallengeExpired
	}

	remaining := s.config.MaxVerifyAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}
	return &models.InvalidCodeError{Remaining: remaining}
}

// phoneCodeHash binds a confirmation code to the account and the number it was sent to
func phoneCodeHash(accountID, phone, code string) string {
	return auth.HashOpaqueToken(accountID + ":" + phone + ":" + code)
}

// SetPreferredMethod chooses which enrolled factor signin challenges with. nil clears it.
func (s *MFAService) SetPreferredMethod(ctx context.Context, accountID string, method *models.MFAMethod) error {
	if method != nil {
		account, err := s.repo.GetByID(ctx, accountID)
		if err != nil {
			return err
		}
		if (*method == models.MFAMethodTOTP && !account.HasTOTP()) || (*method == models.MFAMethodSMS && !account.HasSMS()) {
			return models.ErrMFANotEnrolled
		}
	}
	return s.repo.SetPreferredMFAMethod(ctx, accountID, method)
}
