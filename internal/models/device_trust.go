package models

import "time"

// DeviceRevocationReason is the closed set of reasons a device trust can be revoked for
type DeviceRevocationReason string

const (
	DeviceRevokedUserSingle     DeviceRevocationReason = "user_single"
	DeviceRevokedUserAll        DeviceRevocationReason = "user_all"
	DeviceRevokedAdministrative DeviceRevocationReason = "administrative"
	DeviceRevokedSecurity       DeviceRevocationReason = "security"
)

// Valid reports whether r is a known revocation reason
func (r DeviceRevocationReason) Valid() bool {
	switch r {
	case DeviceRevokedUserSingle, DeviceRevokedUserAll, DeviceRevokedAdministrative, DeviceRevokedSecurity:
		return true
	}
	return false
}

// DeviceTrust lets a known device skip MFA for one account
type DeviceTrust struct {
	ID            string
	AccountID     string
	TokenHash     string
	DeviceName    string
	UserAgent     string
	IPAddress     string
	CreatedAt     time.Time
	LastUsedAt    *time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time
	RevokedReason *DeviceRevocationReason
}

// DeviceContext describes the device being trusted
type DeviceContext struct {
	DeviceName string
	UserAgent  string
	IPAddress  string
}

// DeviceTrustInfo is the client-facing view of a trusted device
type DeviceTrustInfo struct {
	ID         string     `json:"id"`
	DeviceName string     `json:"device_name"`
	UserAgent  string     `json:"user_agent"`
	IPAddress  string     `json:"ip_address"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Info strips the token hash and revocation state
func (d *DeviceTrust) Info() DeviceTrustInfo {
	return DeviceTrustInfo{
		ID:         d.ID,
		DeviceName: d.DeviceName,
		UserAgent:  d.UserAgent,
		IPAddress:  d.IPAddress,
		CreatedAt:  d.CreatedAt,
		LastUsedAt: d.LastUsedAt,
		ExpiresAt:  d.ExpiresAt,
	}
}

// IssuedDeviceTrust holds a new plaintext trust token, returned once
type IssuedDeviceTrust struct {
	DeviceID  string
	Token     string
	ExpiresAt time.Time
}
