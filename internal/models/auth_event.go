package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types for the auth event log
const (
	AuthEventSigninSucceeded   = "signin_succeeded"
	AuthEventSigninFailed      = "signin_failed"
	AuthEventLockoutTriggered  = "lockout_triggered"
	AuthEventChallengeIssued   = "challenge_issued"
	AuthEventChallengeVerified = "challenge_verified"
	AuthEventChallengeExpired  = "challenge_expired"
	AuthEventChallengeResent   = "challenge_resent"
	AuthEventDeviceTrusted     = "device_trusted"
	AuthEventDeviceRevoked     = "device_revoked"
	AuthEventSessionCreated    = "session_created"
	AuthEventSessionRevoked    = "session_revoked"
	AuthEventTheftDetected     = "theft_detected"
	AuthEventTOTPEnrolled      = "totp_enrolled"
	AuthEventPhoneEnrolled     = "phone_enrolled"
	AuthEventPhoneCodeSent     = "phone_code_sent"
)

// AuthEvent is an append-only audit record
type AuthEvent struct {
	ID            uuid.UUID     `db:"id"`
	EventType     string        `db:"event_type"`
	AccountID     *string       `db:"account_id"`
	CorrelationID *string       `db:"correlation_id"`
	IPAddress     *string       `db:"ip_address"`
	UserAgent     *string       `db:"user_agent"`
	Metadata      AuditMetadata `db:"metadata"`
	CreatedAt     time.Time     `db:"created_at"`
}

// AuditMetadata holds additional context for audit events
type AuditMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = make(AuditMetadata)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return nil, nil
	}
	return json.Marshal(am)
}
