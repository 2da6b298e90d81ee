package models

import (
	"fmt"
	"time"
)

// MFAChallenge is the single active second-factor challenge of an account.
// The bearer token is never stored, only its SHA-256 hash.
type MFAChallenge struct {
	ID             string
	AccountID      string
	TokenHash      string
	Method         MFAMethod
	SMSCodeHash    *string // SHA-256 of the code sent by SMS
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastSentAt     *time.Time
	FailedAttempts int
	ExpiredAt      *time.Time // set by an explicit expire transition
}

// IsExpiredAt reports whether the challenge can no longer be verified at t
func (c *MFAChallenge) IsExpiredAt(t time.Time) bool {
	return c.ExpiredAt != nil || !t.Before(c.ExpiresAt)
}

// NextResendAt returns the earliest time a new SMS code may be sent
func (c *MFAChallenge) NextResendAt(cooldown time.Duration) time.Time {
	if c.LastSentAt == nil {
		return c.CreatedAt
	}
	return c.LastSentAt.Add(cooldown)
}

// MFAVerification is the outcome of a successful challenge verification
type MFAVerification struct {
	AccountID string
	Method    MFAMethod
}

// InvalidCodeError reports a wrong MFA code and the attempts left before the challenge expires
type InvalidCodeError struct {
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid mfa code: %d attempts remaining", e.Remaining)
}

func (e *InvalidCodeError) Unwrap() error {
	return ErrMFAInvalidCode
}

// ResendCooldownError carries the time when a resend becomes possible again
type ResendCooldownError struct {
	RetryAfter time.Time
}

func (e *ResendCooldownError) Error() string {
	return fmt.Sprintf("mfa resend cooldown active until %s", e.RetryAfter.UTC().Format(time.RFC3339))
}

func (e *ResendCooldownError) Unwrap() error {
	return ErrResendCooldown
}

// SMSRateLimitError carries the time when the per-account SMS window frees a slot
type SMSRateLimitError struct {
	RetryAfter time.Time
}

func (e *SMSRateLimitError) Error() string {
	return fmt.Sprintf("sms rate limit exceeded until %s", e.RetryAfter.UTC().Format(time.RFC3339))
}

func (e *SMSRateLimitError) Unwrap() error {
	return ErrSMSRateLimited
}

// TOTPEnrollment is returned when TOTP enrollment begins
type TOTPEnrollment struct {
	Secret string `json:"secret"`  // base32, shown once for manual entry
	QRCode string `json:"qr_code"` // data URL of a PNG QR code
}

// PhoneVerification is a phone number awaiting confirmation by the code sent to it.
// Until confirmed the account's SMS factor is unchanged.
type PhoneVerification struct {
	AccountID string
	Phone     string
	CodeHash  string
	Attempts  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// PhoneEnrollment is returned when a confirmation code was sent to a new phone
type PhoneEnrollment struct {
	ExpiresAt time.Time
}
