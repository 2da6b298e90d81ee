package models

import "time"

// Outcome names a terminal signin result. Used for metrics labels and audit records.
type Outcome string

const (
	OutcomeSuccess              Outcome = "success"
	OutcomeMFARequired          Outcome = "mfa_required"
	OutcomeInvalidCredentials   Outcome = "invalid_credentials"
	OutcomeAccountInactive      Outcome = "account_inactive"
	OutcomeAccountLocked        Outcome = "account_locked"
	OutcomeRateLimited          Outcome = "rate_limited"
	OutcomeSMSRateLimited       Outcome = "sms_rate_limited"
	OutcomeMFASystemUnavailable Outcome = "mfa_system_unavailable"
	OutcomeInvalidMFACode       Outcome = "invalid_mfa_code"
	OutcomeChallengeExpired     Outcome = "challenge_expired"
	OutcomeResendCooldown       Outcome = "resend_cooldown"
	OutcomeMFAResent            Outcome = "mfa_resent"
	OutcomeInvalidRefresh       Outcome = "invalid_refresh"
)

// AuthResult is the closed set of outcomes produced by the authentication flows.
// Only types in this package can implement it.
type AuthResult interface {
	Outcome() Outcome
	isAuthResult()
}

// Success carries a freshly issued session
type Success struct {
	SessionID             string
	AccountID             string
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	DeviceTrustToken      string // set only when a new device trust was issued
	DeviceTrustExpiresAt  *time.Time
}

// MFARequired asks the caller to complete a second factor using MFAToken
type MFARequired struct {
	MFAToken  string
	Method    MFAMethod
	ExpiresAt time.Time
}

// InvalidCredentials never reveals whether the account exists. RemainingAttempts is nil
// when the email did not match an account.
type InvalidCredentials struct {
	RemainingAttempts *int
}

type AccountInactive struct {
	Status AccountStatus
}

type AccountLocked struct {
	LockedUntil time.Time
}

type RateLimited struct {
	RetryAfter time.Time
}

type SMSRateLimited struct {
	RetryAfterSeconds int
}

type MFASystemUnavailable struct {
	Reason string
}

type InvalidMFACode struct {
	RemainingAttempts int
}

type ChallengeExpired struct{}

type ResendCooldown struct {
	RetryAfter time.Time
}

type MFAResent struct {
	NextResendAt time.Time
	ExpiresAt    time.Time
}

// InvalidRefresh is returned for every refresh failure, including detected token reuse
type InvalidRefresh struct{}

func (Success) Outcome() Outcome              { return OutcomeSuccess }
func (MFARequired) Outcome() Outcome          { return OutcomeMFARequired }
func (InvalidCredentials) Outcome() Outcome   { return OutcomeInvalidCredentials }
func (AccountInactive) Outcome() Outcome      { return OutcomeAccountInactive }
func (AccountLocked) Outcome() Outcome        { return OutcomeAccountLocked }
func (RateLimited) Outcome() Outcome          { return OutcomeRateLimited }
func (SMSRateLimited) Outcome() Outcome       { return OutcomeSMSRateLimited }
func (MFASystemUnavailable) Outcome() Outcome { return OutcomeMFASystemUnavailable }
func (InvalidMFACode) Outcome() Outcome       { return OutcomeInvalidMFACode }
func (ChallengeExpired) Outcome() Outcome     { return OutcomeChallengeExpired }
func (ResendCooldown) Outcome() Outcome       { return OutcomeResendCooldown }
func (MFAResent) Outcome() Outcome            { return OutcomeMFAResent }
func (InvalidRefresh) Outcome() Outcome       { return OutcomeInvalidRefresh }

func (Success) isAuthResult()              {}
func (MFARequired) isAuthResult()          {}
func (InvalidCredentials) isAuthResult()   {}
func (AccountInactive) isAuthResult()      {}
func (AccountLocked) isAuthResult()        {}
func (RateLimited) isAuthResult()          {}
func (SMSRateLimited) isAuthResult()       {}
func (MFASystemUnavailable) isAuthResult() {}
func (InvalidMFACode) isAuthResult()       {}
func (ChallengeExpired) isAuthResult()     {}
func (ResendCooldown) isAuthResult()       {}
func (MFAResent) isAuthResult()            {}
func (InvalidRefresh) isAuthResult()       {}
