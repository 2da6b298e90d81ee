package models

import (
	"time"
)

// AccountStatus is the lifecycle state of an account
type AccountStatus string

const (
	AccountStatusPendingVerification AccountStatus = "PENDING_VERIFICATION"
	AccountStatusActive              AccountStatus = "ACTIVE"
	AccountStatusSuspended           AccountStatus = "SUSPENDED"
	AccountStatusDeactivated         AccountStatus = "DEACTIVATED"
	AccountStatusLocked              AccountStatus = "LOCKED" // administrative lock, never set by the lockout tracker
)

// MFAMethod identifies how a second factor is proven
type MFAMethod string

const (
	MFAMethodTOTP MFAMethod = "TOTP"
	MFAMethodSMS  MFAMethod = "SMS"
)

// Account is the credential-bearing identity consulted during signin
type Account struct {
	ID                  string
	Email               string
	PasswordHash        string
	Status              AccountStatus
	FailedAttempts      int
	LockedUntil         *time.Time
	TOTPSecretEncrypted []byte // AES-256-GCM encrypted base32 TOTP secret
	TOTPSecretNonce     []byte
	TOTPPendingSecret   []byte // enrollment in progress, not yet confirmed
	TOTPPendingNonce    []byte
	PhoneNumber         *string
	PhoneVerified       bool
	PreferredMFAMethod  *MFAMethod
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasTOTP reports whether a confirmed TOTP secret is stored
func (a *Account) HasTOTP() bool {
	return len(a.TOTPSecretEncrypted) > 0 && len(a.TOTPSecretNonce) > 0
}

// HasSMS reports whether the account has a verified SMS-capable phone
func (a *Account) HasSMS() bool {
	return a.PhoneNumber != nil && *a.PhoneNumber != "" && a.PhoneVerified
}

// MFAMethod returns the method to challenge with. The preferred method wins when it is
// enrolled; otherwise TOTP is chosen over SMS.
func (a *Account) MFAMethod() (MFAMethod, bool) {
	if a.PreferredMFAMethod != nil {
		switch *a.PreferredMFAMethod {
		case MFAMethodTOTP:
			if a.HasTOTP() {
				return MFAMethodTOTP, true
			}
		case MFAMethodSMS:
			if a.HasSMS() {
				return MFAMethodSMS, true
			}
		}
	}
	if a.HasTOTP() {
		return MFAMethodTOTP, true
	}
	if a.HasSMS() {
		return MFAMethodSMS, true
	}
	return "", false
}

// LockoutState is the result of recording a failed credential check
type LockoutState struct {
	FailedAttempts    int
	Locked            bool
	LockedUntil       *time.Time
	RemainingAttempts int
	JustLocked        bool // this failure crossed the threshold
}
