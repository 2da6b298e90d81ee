package models

import (
	"fmt"
	"time"
)

// Session revocation reasons
const (
	SessionRevokedLogout    = "logout"
	SessionRevokedLogoutAll = "logout_all"
	SessionRevokedEvicted   = "evicted"
	SessionRevokedTheft     = "theft_detected"
	SessionRevokedInactive  = "account_inactive"
	SessionRevokedUser      = "user_revoked"
)

// Session is one authenticated client. Every refresh token minted for it shares FamilyID.
type Session struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"-"`
	DeviceID      string     `json:"device_id"`
	IPAddress     string     `json:"ip_address"`
	UserAgent     string     `json:"user_agent"`
	FamilyID      string     `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RevokedAt     *time.Time `json:"-"`
	RevokedReason *string    `json:"-"`
}

// IsActiveAt reports whether the session is unrevoked and unexpired at t
func (s *Session) IsActiveAt(t time.Time) bool {
	return s.RevokedAt == nil && t.Before(s.ExpiresAt)
}

// RefreshToken is one link of a token family
type RefreshToken struct {
	ID           string
	FamilyID     string
	SessionID    string
	TokenHash    string
	ParentID     *string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	SupersededAt *time.Time
	RevokedAt    *time.Time
}

// IssuedSession is a session together with its plaintext token pair
type IssuedSession struct {
	Session               *Session
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// TokenReuseError reports that a superseded refresh token was presented again.
// By the time it is returned the whole family has been revoked.
type TokenReuseError struct {
	FamilyID        string
	AccountID       string
	SessionsRevoked int64
}

func (e *TokenReuseError) Error() string {
	return fmt.Sprintf("refresh token reuse detected for family %s", e.FamilyID)
}

func (e *TokenReuseError) Unwrap() error {
	return ErrTheftDetected
}
