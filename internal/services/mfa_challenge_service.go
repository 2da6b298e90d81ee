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
)

const smsCodeDigits = 6

// MFAChallengeRepository defines the interface for challenge persistence
type MFAChallengeRepository interface {
	Replace(ctx context.Context, c *models.MFAChallenge, event *models.AuthEvent, deliver func(context.Context) error) (*models.MFAChallenge, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.MFAChallenge, error)
	RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, now time.Time) (int, bool, error)
	Consume(ctx context.Context, c *models.MFAChallenge, codeHash string, windowID int64, usedUntil time.Time, event *models.AuthEvent, now time.Time) error
	ClaimResend(ctx context.Context, id, codeHash string, cooldown time.Duration, now time.Time) (*time.Time, *string, error)
	RestoreResend(ctx context.Context, id string, claimedAt time.Time, prevSentAt *time.Time, prevHash *string) error
	Expire(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	ExpireForAccount(ctx context.Context, accountID string, now time.Time) (bool, error)
	ResetCooldown(ctx context.Context, accountID string) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeUsedCodes(ctx context.Context, now time.Time) (int64, error)
}

// AccountReader loads accounts by id
type AccountReader interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// RateLimiter consumes slots of a sliding window
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, scopeKey string, window time.Duration, max int) (*models.RateLimitDecision, error)
}

// MFAConfig holds MFA challenge configuration
type MFAConfig struct {
	ChallengeTTL      time.Duration
	ResendCooldown    time.Duration
	MaxVerifyAttempts int
	SMSWindow         time.Duration
	SMSMaxRequests    int
	SMSSendTimeout    time.Duration
}

// MFAChallengeService runs the challenge state machine: ISSUED, then VERIFIED or EXPIRED.
// Each account holds at most one challenge; issuing a new one replaces the old.
type MFAChallengeService struct {
	repo     MFAChallengeRepository
	accounts AccountReader
	totp     *auth.TOTPManager
	sms      SMSSender
	limiter  RateLimiter
	config   MFAConfig
	audit    *AuditService
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewMFAChallengeService(
	repo MFAChallengeRepository,
	accounts AccountReader,
	totp *auth.TOTPManager,
	sms SMSSender,
	limiter RateLimiter,
	config MFAConfig,
	audit *AuditService,
	recorder *metrics.Recorder,
	logger *slog.Logger,
) *MFAChallengeService {
	return &MFAChallengeService{
		repo:     repo,
		accounts: accounts,
		totp:     totp,
		sms:      sms,
		limiter:  limiter,
		config:   config,
		audit:    audit,
		metrics:  recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Create issues a challenge for account and returns it with the bearer token that
// identifies it. For SMS the per-account SMS limit is consumed first and the code is
// delivered before the challenge commits; a failed delivery leaves no challenge behind.
func (s *MFAChallengeService) Create(ctx context.Context, account *models.Account, method models.MFAMethod) (*models.MFAChallenge, string, error) {
	switch method {
	case models.MFAMethodTOTP:
		if !account.HasTOTP() {
			return nil, "", models.ErrMFANotEnrolled
		}
	case models.MFAMethodSMS:
		if !account.HasSMS() {
			return nil, "", models.ErrMFANotEnrolled
		}
	default:
		return nil, "", models.ErrMFANotEnrolled
	}

	token, err := auth.GenerateOpaqueToken()
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	challenge := &models.MFAChallenge{
		AccountID: account.ID,
		TokenHash: auth.HashOpaqueToken(token),
		Method:    method,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.ChallengeTTL),
	}

	var deliver func(context.Context) error
	if method == models.MFAMethodSMS {
		if err := s.consumeSMSSlot(ctx, account.ID); err != nil {
			return nil, "", err
		}

		code, err := auth.GenerateNumericCode(smsCodeDigits)
		if err != nil {
			return nil, "", err
		}
		codeHash := smsCodeHash(challenge.TokenHash, code)
		challenge.SMSCodeHash = &codeHash
		challenge.LastSentAt = &now

		phone := *account.PhoneNumber
		deliver = func(ctx context.Context) error {
			return s.sendCode(ctx, phone, code)
		}
	}

	event := s.audit.NewEvent(ctx, models.AuthEventChallengeIssued, account.ID, models.AuditMetadata{
		"method": string(method),
	})
	created, err := s.repo.Replace(ctx, challenge, event, deliver)
	if err != nil {
		return nil, "", err
	}
	s.audit.Log(ctx, event, true, "")

	return created, token, nil
}

// Verify checks code against the challenge identified by mfaToken. A correct code consumes
// the challenge. A wrong or replayed code counts as a failed attempt, and the attempt that
// reaches MaxVerifyAttempts expires the challenge.
//
// Errors: ErrChallengeNotFound, ErrChallengeExpired, *models.InvalidCodeError.
func (s *MFAChallengeService) Verify(ctx context.Context, mfaToken, code string) (*models.MFAVerification, error) {
	challenge, err := s.load(ctx, mfaToken)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if challenge.IsExpiredAt(now) {
		s.expireLazily(ctx, challenge, now)
		return nil, models.ErrChallengeExpired
	}

	match, err := s.checkCode(ctx, challenge, code, now)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, s.recordFailure(ctx, challenge, now)
	}

	event := s.audit.NewEvent(ctx, models.AuthEventChallengeVerified, challenge.AccountID, models.AuditMetadata{
		"method": string(challenge.Method),
	})
	err = s.repo.Consume(ctx, challenge, match.codeHash, match.windowID, match.usedUntil, event, now)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrMFACodeReplayed):
		s.logger.Warn("replayed mfa code rejected", slog.String("account_id", challenge.AccountID))
		return nil, s.recordFailure(ctx, challenge, now)
	case errors.Is(err, models.ErrChallengeNotFound):
		return nil, models.ErrChallengeExpired
	default:
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}
	s.audit.Log(ctx, event, true, "")

	return &models.MFAVerification{
		AccountID: challenge.AccountID,
		Method:    challenge.Method,
	}, nil
}

// Resend sends a fresh SMS code for the challenge once the cooldown has passed. The new
// code replaces the old one.
//
// Errors: ErrChallengeNotFound, ErrChallengeExpired, ErrMFAMethodNotResendable,
// *models.ResendCooldownError, *models.SMSRateLimitError, ErrSMSDeliveryFailed.
func (s *MFAChallengeService) Resend(ctx context.Context, mfaToken string) (*models.MFAChallenge, error) {
	challenge, err := s.load(ctx, mfaToken)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if challenge.IsExpiredAt(now) {
		s.expireLazily(ctx, challenge, now)
		return nil, models.ErrChallengeExpired
	}
	if challenge.Method != models.MFAMethodSMS {
		return nil, models.ErrMFAMethodNotResendable
	}
	if next := challenge.NextResendAt(s.config.ResendCooldown); challenge.LastSentAt != nil && now.Before(next) {
		return nil, &models.ResendCooldownError{RetryAfter: next}
	}

	account, err := s.accounts.GetByID(ctx, challenge.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if !account.HasSMS() {
		return nil, models.ErrMFANotEnrolled
	}

	code, err := auth.GenerateNumericCode(smsCodeDigits)
	if err != nil {
		return nil, err
	}
	codeHash := smsCodeHash(challenge.TokenHash, code)

	// A resend that loses the claim consumes no SMS slot.
	prevSentAt, prevHash, err := s.repo.ClaimResend(ctx, challenge.ID, codeHash, s.config.ResendCooldown, now)
	if err != nil {
		if errors.Is(err, models.ErrResendCooldown) {
			return nil, s.cooldownAfterLostClaim(ctx, mfaToken, now)
		}
		return nil, fmt.Errorf("failed to claim resend: %w", err)
	}

	if err := s.consumeSMSSlot(ctx, account.ID); err != nil {
		s.restoreResend(ctx, challenge.ID, now, prevSentAt, prevHash)
		return nil, err
	}

	if err := s.sendCode(ctx, *account.PhoneNumber, code); err != nil {
		s.restoreResend(ctx, challenge.ID, now, prevSentAt, prevHash)
		return nil, err
	}

	challenge.LastSentAt = &now
	challenge.SMSCodeHash = &codeHash
	s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventChallengeResent, challenge.AccountID, nil), true, "")

	return challenge, nil
}

// Expire transitions the challenge identified by mfaToken to EXPIRED
func (s *MFAChallengeService) Expire(ctx context.Context, mfaToken string) (bool, error) {
	challenge, err := s.load(ctx, mfaToken)
	if err != nil {
		if errors.Is(err, models.ErrChallengeNotFound) {
			return false, nil
		}
		return false, err
	}

	expired, err := s.repo.Expire(ctx, challenge.TokenHash, s.now())
	if err != nil {
		return false, err
	}
	if expired {
		s.recordExpired(ctx, challenge.AccountID, "explicit")
	}
	return expired, nil
}

// ExpireForAccount expires whatever challenge the account holds
func (s *MFAChallengeService) ExpireForAccount(ctx context.Context, accountID string) (bool, error) {
	expired, err := s.repo.ExpireForAccount(ctx, accountID, s.now())
	if err != nil {
		return false, err
	}
	if expired {
		s.recordExpired(ctx, accountID, "explicit")
	}
	return expired, nil
}

// ResetCooldown lets the account's challenge be resent immediately
func (s *MFAChallengeService) ResetCooldown(ctx context.Context, accountID string) (bool, error) {
	return s.repo.ResetCooldown(ctx, accountID)
}

// ExpireDue expires every challenge past its TTL and returns how many transitioned
func (s *MFAChallengeService) ExpireDue(ctx context.Context) (int, error) {
	accountIDs, err := s.repo.ExpireDue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, id := range accountIDs {
		s.recordExpired(ctx, id, "ttl")
	}
	return len(accountIDs), nil
}

// Purge deletes challenges expired more than grace ago and used-code records whose
// window has closed
func (s *MFAChallengeService) Purge(ctx context.Context, grace time.Duration) (int64, error) {
	now := s.now()

	challenges, err := s.repo.DeleteExpired(ctx, now.Add(-grace))
	if err != nil {
		return 0, err
	}
	codes, err := s.repo.PurgeUsedCodes(ctx, now)
	if err != nil {
		return challenges, err
	}
	return challenges + codes, nil
}

func (s *MFAChallengeService) load(ctx context.Context, mfaToken string) (*models.MFAChallenge, error) {
	if mfaToken == "" {
		return nil, models.ErrChallengeNotFound
	}

	challenge, err := s.repo.GetByTokenHash(ctx, auth.HashOpaqueToken(mfaToken))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	return challenge, nil
}

type codeMatch struct {
	codeHash  string
	windowID  int64
	usedUntil time.Time
}

// checkCode returns nil when code does not match
func (s *MFAChallengeService) checkCode(ctx context.Context, c *models.MFAChallenge, code string, now time.Time) (*codeMatch, error) {
	switch c.Method {
	case models.MFAMethodTOTP:
		account, err := s.accounts.GetByID(ctx, c.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load account: %w", err)
		}
		if !account.HasTOTP() {
			return nil, models.ErrMFANotEnrolled
		}

		secret, err := s.totp.DecryptSecret(account.TOTPSecretEncrypted, account.TOTPSecretNonce)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt totp secret: %w", err)
		}
		step, ok, err := s.totp.MatchStep(secret, code, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return &codeMatch{
			codeHash:  auth.HashOpaqueToken(code),
			windowID:  step,
			usedUntil: s.totp.StepAcceptedUntil(step),
		}, nil

	case models.MFAMethodSMS:
		if c.SMSCodeHash == nil {
			return nil, nil
		}
		candidate := smsCodeHash(c.TokenHash, code)
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(*c.SMSCodeHash)) != 1 {
			return nil, nil
		}
		sentAt := c.CreatedAt
		if c.LastSentAt != nil {
			sentAt = *c.LastSentAt
		}
		return &codeMatch{
			codeHash:  candidate,
			windowID:  sentAt.UnixMilli(),
			usedUntil: c.ExpiresAt,
		}, nil
	}

	return nil, models.ErrMFANotEnrolled
}

func (s *MFAChallengeService) recordFailure(ctx context.Context, c *models.MFAChallenge, now time.Time) error {
	attempts, expired, err := s.repo.RecordFailedAttempt(ctx, c.ID, s.config.MaxVerifyAttempts, now)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrChallengeExpired
		}
		return fmt.Errorf("failed to record mfa failure: %w", err)
	}

	if expired {
		s.recordExpired(ctx, c.AccountID, "max_attempts")
		return models.ErrChallengeExpired
	}

	remaining := s.config.MaxVerifyAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}
	return &models.InvalidCodeError{Remaining: remaining}
}

func (s *MFAChallengeService) expireLazily(ctx context.Context, c *models.MFAChallenge, now time.Time) {
	if c.ExpiredAt != nil {
		return
	}
	expired, err := s.repo.Expire(ctx, c.TokenHash, now)
	if err != nil {
		s.logger.Warn("failed to mark challenge expired", slog.Any("error", err))
		return
	}
	if expired {
		s.recordExpired(ctx, c.AccountID, "ttl")
	}
}

func (s *MFAChallengeService) recordExpired(ctx context.Context, accountID, reason string) {
	s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventChallengeExpired, accountID, models.AuditMetadata{
		"reason": reason,
	}), false, reason)
}

// cooldownAfterLostClaim reports the cooldown set by the resend that won the race
func (s *MFAChallengeService) cooldownAfterLostClaim(ctx context.Context, mfaToken string, now time.Time) error {
	challenge, err := s.load(ctx, mfaToken)
	if err != nil {
		return err
	}
	if challenge.IsExpiredAt(now) {
		return models.ErrChallengeExpired
	}
	return &models.ResendCooldownError{RetryAfter: challenge.NextResendAt(s.config.ResendCooldown)}
}

// restoreResend undoes a claimed resend that sent nothing
func (s *MFAChallengeService) restoreResend(ctx context.Context, id string, claimedAt time.Time, prevSentAt *time.Time, prevHash *string) {
	if err := s.repo.RestoreResend(ctx, id, claimedAt, prevSentAt, prevHash); err != nil {
		s.logger.Error("failed to restore challenge after unsent resend",
			slog.String("challenge_id", id),
			slog.Any("error", err))
	}
}

func (s *MFAChallengeService) consumeSMSSlot(ctx context.Context, accountID string) error {
	return consumeSMSSlot(ctx, s.limiter, s.metrics, accountID, s.config)
}

func (s *MFAChallengeService) sendCode(ctx context.Context, phone, code string) error {
	return sendSMSCode(ctx, s.sms, s.metrics, s.config.SMSSendTimeout, phone, code)
}

// consumeSMSSlot takes one slot of the account's SMS window. A store failure is
// reported as ErrRateLimitUnavailable so the SMS path fails closed.
func consumeSMSSlot(ctx context.Context, limiter RateLimiter, recorder *metrics.Recorder, accountID string, config MFAConfig) error {
	decision, err := limiter.CheckAndConsume(ctx, SMSScope(accountID), config.SMSWindow, config.SMSMaxRequests)
	if err != nil {
		recorder.RateLimitStoreError("sms")
		return fmt.Errorf("%w: %v", models.ErrRateLimitUnavailable, err)
	}
	if !decision.Allowed {
		return &models.SMSRateLimitError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

func sendSMSCode(ctx context.Context, sender SMSSender, recorder *metrics.Recorder, timeout time.Duration, phone, code string) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if _, err := sender.SendCode(ctx, phone, code); err != nil {
		recorder.SMSSend("failed")
		return fmt.Errorf("%w: %v", models.ErrSMSDeliveryFailed, err)
	}
	recorder.SMSSend("sent")
	return nil
}

// smsCodeHash binds a code to its challenge so equal codes of different challenges differ
func smsCodeHash(challengeTokenHash, code string) string {
	return auth.HashOpaqueToken(challengeTokenHash + ":" + code)
}
