package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

// AccountRepository is the credential store consulted during signin
type AccountRepository interface {
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// CredentialChecker compares passwords within a bounded time
type CredentialChecker interface {
	Verify(ctx context.Context, password, hash string) (bool, error)
	VerifyDummy(ctx context.Context, password string)
}

// LockoutTracker owns the lock state and counts consecutive credential failures
type LockoutTracker interface {
	IsLocked(ctx context.Context, accountID string) (bool, *time.Time, error)
	RecordFailure(ctx context.Context, accountID string) (*models.LockoutState, error)
	Reset(ctx context.Context, accountID string) error
}

// DeviceTrustStore issues and checks device trust tokens
type DeviceTrustStore interface {
	ValidateDevice(ctx context.Context, token, accountID string) (string, error)
	Issue(ctx context.Context, accountID string, dc models.DeviceContext) (*models.IssuedDeviceTrust, error)
	RevokeToken(ctx context.Context, token, accountID string, reason models.DeviceRevocationReason) (bool, error)
}

// ChallengeManager drives MFA challenges
type ChallengeManager interface {
	Create(ctx context.Context, account *models.Account, method models.MFAMethod) (*models.MFAChallenge, string, error)
	Verify(ctx context.Context, mfaToken, code string) (*models.MFAVerification, error)
	Resend(ctx context.Context, mfaToken string) (*models.MFAChallenge, error)
}

// SessionIssuer creates, rotates, and revokes sessions
type SessionIssuer interface {
	CreateSession(ctx context.Context, accountID, deviceID, ipAddress, userAgent string) (*models.IssuedSession, error)
	Rotate(ctx context.Context, refreshToken string) (*models.IssuedSession, error)
	RevokeFamily(ctx context.Context, familyID, accountID, reason string) (int64, error)
	RevokeSession(ctx context.Context, sessionID, accountID, reason string) (bool, error)
	RevokeAll(ctx context.Context, accountID, reason string) (int64, error)
}

// AuthConfig holds the orchestrator's own settings
type AuthConfig struct {
	SigninWindow      time.Duration
	SigninMaxRequests int
	MFAResendCooldown time.Duration
	NotifyTimeout     time.Duration
}

// AuthenticateRequest is one signin attempt
type AuthenticateRequest struct {
	Email            string
	Password         string
	DeviceTrustToken string
	Client           models.ClientContext
}

// VerifyMFARequest completes a signin that returned MFARequired
type VerifyMFARequest struct {
	MFAToken    string
	Code        string
	TrustDevice bool
	DeviceName  string
	Client      models.ClientContext
}

// AuthService decides signin outcomes. Policy denials are returned as models.AuthResult
// values; an error means a dependency failed unexpectedly.
type AuthService struct {
	accounts   AccountRepository
	limiter    RateLimiter
	verifier   CredentialChecker
	lockout    LockoutTracker
	devices    DeviceTrustStore
	challenges ChallengeManager
	sessions   SessionIssuer
	notifier   SecurityNotifier
	audit      *AuditService
	metrics    *metrics.Recorder
	timing     *auth.TimingDelay
	config     AuthConfig
	logger     *slog.Logger
	now        func() time.Time
	backoff    func() backoff.BackOff
}

// AuthDeps groups the collaborators of AuthService
type AuthDeps struct {
	Accounts   AccountRepository
	Limiter    RateLimiter
	Verifier   CredentialChecker
	Lockout    LockoutTracker
	Devices    DeviceTrustStore
	Challenges ChallengeManager
	Sessions   SessionIssuer
	Notifier   SecurityNotifier // optional
	Audit      *AuditService
	Metrics    *metrics.Recorder // optional
	Timing     *auth.TimingDelay // optional
}

// NewAuthService creates a new AuthService
func NewAuthService(deps AuthDeps, config AuthConfig, logger *slog.Logger) *AuthService {
	return &AuthService{
		accounts:   deps.Accounts,
		limiter:    deps.Limiter,
		verifier:   deps.Verifier,
		lockout:    deps.Lockout,
		devices:    deps.Devices,
		challenges: deps.Challenges,
		sessions:   deps.Sessions,
		notifier:   deps.Notifier,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		timing:     deps.Timing,
		config:     config,
		logger:     logger,
		now:        time.Now,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 500 * time.Millisecond
			return backoff.WithMaxRetries(b, 2)
		},
	}
}

// Authenticate runs one signin attempt:
//  1. sliding-window limit on client address and email
//  2. account lookup
//  3. lock check and credential check, counting failures
//  4. account status
//  5. failure counter reset
//  6. device trust bypass
//  7. MFA challenge when a factor is enrolled
//  8. session issue
func (s *AuthService) Authenticate(ctx context.Context, req AuthenticateRequest) (models.AuthResult, error) {
	ctx = models.WithClientContext(ctx, req.Client)

	result, accountID, err := s.authenticate(ctx, req)
	if err != nil {
		s.metrics.SigninOutcome("error")
		s.logger.ErrorContext(ctx, "signin failed on dependency error", slog.Any("error", err))
		return nil, err
	}

	s.metrics.SigninOutcome(string(result.Outcome()))
	s.recordSignin(ctx, accountID, req.Email, result)
	return result, nil
}

func (s *AuthService) authenticate(ctx context.Context, req AuthenticateRequest) (models.AuthResult, string, error) {
	start := time.Now()
	email := strings.ToLower(strings.TrimSpace(req.Email))

	decision, err := s.limiter.CheckAndConsume(ctx, SigninScope(req.Client.IPAddress, email), s.config.SigninWindow, s.config.SigninMaxRequests)
	if err != nil {
		// Fails open. The lockout tracker still bounds guessing per account.
		s.metrics.RateLimitStoreError("signin")
		s.logger.ErrorContext(ctx, "signin rate limiter unavailable, allowing request", slog.Any("error", err))
	} else if !decision.Allowed {
		return models.RateLimited{RetryAfter: decision.RetryAfter}, "", nil
	}

	account, err := s.lookupAccount(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.verifier.VerifyDummy(ctx, req.Password)
			s.timing.WaitFrom(ctx, start, false)
			return models.InvalidCredentials{}, "", nil
		}
		return nil, "", fmt.Errorf("failed to look up account: %w", err)
	}

	locked, lockedUntil, err := s.lockout.IsLocked(ctx, account.ID)
	if err != nil {
		return nil, account.ID, err
	}
	if locked {
		s.timing.WaitFrom(ctx, start, false)
		return models.AccountLocked{LockedUntil: *lockedUntil}, account.ID, nil
	}

	ok, err := s.verifier.Verify(ctx, req.Password, account.PasswordHash)
	if err != nil {
		return nil, account.ID, err
	}
	if !ok {
		state, err := s.lockout.RecordFailure(ctx, account.ID)
		if err != nil {
			return nil, account.ID, err
		}
		s.timing.WaitFrom(ctx, start, false)

		if state.Locked && state.LockedUntil != nil {
			if state.JustLocked {
				s.notifyLockout(ctx, account.Email, *state.LockedUntil)
			}
			return models.AccountLocked{LockedUntil: *state.LockedUntil}, account.ID, nil
		}
		remaining := state.RemainingAttempts
		return models.InvalidCredentials{RemainingAttempts: &remaining}, account.ID, nil
	}

	if account.Status != models.AccountStatusActive {
		return models.AccountInactive{Status: account.Status}, account.ID, nil
	}

	if err := s.lockout.Reset(ctx, account.ID); err != nil {
		return nil, account.ID, err
	}

	deviceID, trusted := s.trustedDevice(ctx, req.DeviceTrustToken, account.ID)

	if !trusted {
		if method, enrolled := account.MFAMethod(); enrolled {
			return s.startChallenge(ctx, account, method), account.ID, nil
		}
	}

	if deviceID == "" {
		deviceID = deviceFingerprint(req.Client.IPAddress, req.Client.UserAgent)
	}
	result, err := s.issueSession(ctx, account.ID, deviceID, req.Client, nil)
	return result, account.ID, err
}

// VerifyMFA completes a signin with the second factor and optionally trusts the device
func (s *AuthService) VerifyMFA(ctx context.Context, req VerifyMFARequest) (models.AuthResult, error) {
	ctx = models.WithClientContext(ctx, req.Client)

	result, err := s.verifyMFA(ctx, req)
	if err != nil {
		s.metrics.MFAOutcome("verify", "error")
		return nil, err
	}
	s.metrics.MFAOutcome("verify", string(result.Outcome()))
	return result, nil
}

func (s *AuthService) verifyMFA(ctx context.Context, req VerifyMFARequest) (models.AuthResult, error) {
	verification, err := s.challenges.Verify(ctx, req.MFAToken, req.Code)
	if err != nil {
		var invalid *models.InvalidCodeError
		switch {
		case errors.As(err, &invalid):
			return models.InvalidMFACode{RemainingAttempts: invalid.Remaining}, nil
		case errors.Is(err, models.ErrChallengeNotFound), errors.Is(err, models.ErrChallengeExpired):
			return models.ChallengeExpired{}, nil
		}
		return nil, err
	}

	account, err := s.accounts.GetByID(ctx, verification.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account.Status != models.AccountStatusActive {
		return models.AccountInactive{Status: account.Status}, nil
	}

	deviceID := deviceFingerprint(req.Client.IPAddress, req.Client.UserAgent)
	var trust *models.IssuedDeviceTrust
	if req.TrustDevice {
		trust, err = s.devices.Issue(ctx, account.ID, models.DeviceContext{
			DeviceName: req.DeviceName,
			UserAgent:  req.Client.UserAgent,
			IPAddress:  req.Client.IPAddress,
		})
		if err != nil {
			// The second factor already passed; a missing trust token only means MFA next time.
			s.logger.ErrorContext(ctx, "failed to issue device trust", slog.Any("error", err))
			trust = nil
		} else {
			deviceID = trust.DeviceID
		}
	}

	return s.issueSession(ctx, account.ID, deviceID, req.Client, trust)
}

// ResendMFA sends a fresh SMS code for a pending challenge
func (s *AuthService) ResendMFA(ctx context.Context, mfaToken string, client models.ClientContext) (models.AuthResult, error) {
	ctx = models.WithClientContext(ctx, client)

	challenge, err := s.challenges.Resend(ctx, mfaToken)
	if err != nil {
		var cooldown *models.ResendCooldownError
		var smsLimit *models.SMSRateLimitError
		switch {
		case errors.Is(err, models.ErrChallengeNotFound), errors.Is(err, models.ErrChallengeExpired):
			return s.mfaResult("resend", models.ChallengeExpired{}), nil
		case errors.As(err, &cooldown):
			return s.mfaResult("resend", models.ResendCooldown{RetryAfter: cooldown.RetryAfter}), nil
		case errors.As(err, &smsLimit):
			return s.mfaResult("resend", models.SMSRateLimited{RetryAfterSeconds: s.secondsUntil(smsLimit.RetryAfter)}), nil
		}
		if reason, ok := mfaUnavailableReason(err); ok {
			s.logger.ErrorContext(ctx, "mfa resend unavailable", slog.String("reason", reason), slog.Any("error", err))
			return s.mfaResult("resend", models.MFASystemUnavailable{Reason: reason}), nil
		}
		return nil, err
	}

	return s.mfaResult("resend", models.MFAResent{
		NextResendAt: challenge.NextResendAt(s.config.MFAResendCooldown),
		ExpiresAt:    challenge.ExpiresAt,
	}), nil
}

// Refresh rotates a refresh token. Every failure, including detected reuse, is reported
// as InvalidRefresh.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, client models.ClientContext) (models.AuthResult, error) {
	ctx = models.WithClientContext(ctx, client)

	issued, err := s.sessions.Rotate(ctx, refreshToken)
	if err != nil {
		var reuse *models.TokenReuseError
		switch {
		case errors.As(err, &reuse):
			s.metrics.RefreshOutcome("theft_detected")
			s.notifyTheft(ctx, reuse.AccountID)
			return models.InvalidRefresh{}, nil
		case errors.Is(err, models.ErrNotFound),
			errors.Is(err, models.ErrRefreshTokenExpired),
			errors.Is(err, models.ErrRefreshTokenRevoked):
			s.metrics.RefreshOutcome(string(models.OutcomeInvalidRefresh))
			return models.InvalidRefresh{}, nil
		}
		s.metrics.RefreshOutcome("error")
		return nil, err
	}

	session := issued.Session
	account, err := s.accounts.GetByID(ctx, session.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account.Status != models.AccountStatusActive {
		if _, err := s.sessions.RevokeFamily(ctx, session.FamilyID, account.ID, models.SessionRevokedInactive); err != nil {
			return nil, err
		}
		s.metrics.RefreshOutcome(string(models.OutcomeInvalidRefresh))
		return models.InvalidRefresh{}, nil
	}

	s.metrics.RefreshOutcome(string(models.OutcomeSuccess))
	return models.Success{
		SessionID:             session.ID,
		AccountID:             session.AccountID,
		AccessToken:           issued.AccessToken,
		AccessTokenExpiresAt:  issued.AccessTokenExpiresAt,
		RefreshToken:          issued.RefreshToken,
		RefreshTokenExpiresAt: issued.RefreshTokenExpiresAt,
	}, nil
}

// Logout ends one session of the account. A non-empty deviceTrustToken is revoked
// as well, so the next signin from this device asks for the second factor again.
func (s *AuthService) Logout(ctx context.Context, sessionID, accountID, deviceTrustToken string) error {
	if _, err := s.sessions.RevokeSession(ctx, sessionID, accountID, models.SessionRevokedLogout); err != nil {
		return err
	}
	if deviceTrustToken == "" {
		return nil
	}

	revoked, err := s.devices.RevokeToken(ctx, deviceTrustToken, accountID, models.DeviceRevokedUserSingle)
	if err != nil {
		return err
	}
	if !revoked {
		s.logger.InfoContext(ctx, "logout presented an unknown device trust token", slog.String("account_id", accountID))
	}
	return nil
}

// LogoutAll ends every session of the account
func (s *AuthService) LogoutAll(ctx context.Context, accountID string) (int64, error) {
	return s.sessions.RevokeAll(ctx, accountID, models.SessionRevokedLogoutAll)
}

func (s *AuthService) lookupAccount(ctx context.Context, email string) (*models.Account, error) {
	if email == "" {
		return nil, models.ErrNotFound
	}

	var account *models.Account
	op := func() error {
		a, err := s.accounts.GetByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		account = a
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(s.backoff(), ctx)); err != nil {
		return nil, err
	}
	return account, nil
}

// trustedDevice returns the trust record id when token lets accountID skip MFA.
// Lookup failures fall back to requiring MFA.
func (s *AuthService) trustedDevice(ctx context.Context, token, accountID string) (string, bool) {
	if token == "" {
		return "", false
	}

	deviceID, err := s.devices.ValidateDevice(ctx, token, accountID)
	if err != nil {
		if !errors.Is(err, models.ErrDeviceNotTrusted) {
			s.logger.WarnContext(ctx, "device trust lookup failed, requiring mfa", slog.Any("error", err))
		}
		return "", false
	}
	return deviceID, true
}

func (s *AuthService) startChallenge(ctx context.Context, account *models.Account, method models.MFAMethod) models.AuthResult {
	challenge, token, err := s.challenges.Create(ctx, account, method)
	if err != nil {
		var smsLimit *models.SMSRateLimitError
		if errors.As(err, &smsLimit) {
			return models.SMSRateLimited{RetryAfterSeconds: s.secondsUntil(smsLimit.RetryAfter)}
		}

		reason, ok := mfaUnavailableReason(err)
		if !ok {
			reason = "challenge_store_unavailable"
		}
		s.logger.ErrorContext(ctx, "failed to issue mfa challenge",
			slog.String("account_id", account.ID),
			slog.String("reason", reason),
			slog.Any("error", err))
		return models.MFASystemUnavailable{Reason: reason}
	}

	return models.MFARequired{
		MFAToken:  token,
		Method:    challenge.Method,
		ExpiresAt: challenge.ExpiresAt,
	}
}

func (s *AuthService) issueSession(ctx context.Context, accountID, deviceID string, client models.ClientContext, trust *models.IssuedDeviceTrust) (models.AuthResult, error) {
	issued, err := s.sessions.CreateSession(ctx, accountID, deviceID, client.IPAddress, client.UserAgent)
	if err != nil {
		return nil, err
	}

	result := models.Success{
		SessionID:             issued.Session.ID,
		AccountID:             accountID,
		AccessToken:           issued.AccessToken,
		AccessTokenExpiresAt:  issued.AccessTokenExpiresAt,
		RefreshToken:          issued.RefreshToken,
		RefreshTokenExpiresAt: issued.RefreshTokenExpiresAt,
	}
	if trust != nil {
		expiresAt := trust.ExpiresAt
		result.DeviceTrustToken = trust.Token
		result.DeviceTrustExpiresAt = &expiresAt
	}
	return result, nil
}

func (s *AuthService) recordSignin(ctx context.Context, accountID, email string, result models.AuthResult) {
	switch result.(type) {
	case models.MFARequired:
		return
	case models.Success:
		s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventSigninSucceeded, accountID, nil), true, "")
	default:
		metadata := models.AuditMetadata{}
		if accountID == "" {
			metadata["email"] = pkglogger.SanitizedEmail(email)
		}
		outcome := string(result.Outcome())
		s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventSigninFailed, accountID, metadata), false, outcome)
	}
}

func (s *AuthService) mfaResult(operation string, result models.AuthResult) models.AuthResult {
	s.metrics.MFAOutcome(operation, string(result.Outcome()))
	return result
}

func (s *AuthService) notifyLockout(ctx context.Context, email string, lockedUntil time.Time) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := s.notifyContext(ctx)
	defer cancel()
	if err := s.notifier.NotifyLockout(ctx, email, lockedUntil); err != nil {
		s.logger.WarnContext(ctx, "failed to send lockout notice", slog.Any("error", err))
	}
}

func (s *AuthService) notifyTheft(ctx context.Context, accountID string) {
	if s.notifier == nil || accountID == "" {
		return
	}
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load account for theft notice", slog.Any("error", err))
		return
	}
	ctx, cancel := s.notifyContext(ctx)
	defer cancel()
	if err := s.notifier.NotifyTheft(ctx, account.Email); err != nil {
		s.logger.WarnContext(ctx, "failed to send theft notice", slog.Any("error", err))
	}
}

func (s *AuthService) notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.config.NotifyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (s *AuthService) secondsUntil(t time.Time) int {
	secs := int(math.Ceil(t.Sub(s.now()).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// mfaUnavailableReason classifies failures of the SMS path that surface as MFASystemUnavailable
func mfaUnavailableReason(err error) (string, bool) {
	switch {
	case errors.Is(err, models.ErrSMSDeliveryFailed):
		return "sms_delivery_failed", true
	case errors.Is(err, models.ErrRateLimitUnavailable):
		return "sms_rate_limiter_unavailable", true
	case errors.Is(err, models.ErrMFANotEnrolled):
		return "mfa_not_enrolled", true
	}
	return "", false
}

// deviceFingerprint identifies an untrusted client by address and user agent
func deviceFingerprint(ipAddress, userAgent string) string {
	sum := sha256.Sum256([]byte(ipAddress + "|" + userAgent))
	return hex.EncodeToString(sum[:])[:32]
}
