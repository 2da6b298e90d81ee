package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// MFA challenge errors
	ErrChallengeNotFound      = errors.New("mfa challenge not found")
	ErrChallengeExpired       = errors.New("mfa challenge expired")
	ErrMFAInvalidCode         = errors.New("invalid mfa code")
	ErrMFACodeReplayed        = errors.New("mfa code already used")
	ErrMFANotEnrolled         = errors.New("mfa method not enrolled")
	ErrMFAMethodNotResendable = errors.New("mfa method does not support resend")
	ErrResendCooldown         = errors.New("mfa resend cooldown active")
	ErrSMSRateLimited         = errors.New("sms rate limit exceeded")
	ErrSMSDeliveryFailed      = errors.New("sms delivery failed")
	ErrRateLimitUnavailable   = errors.New("rate limiter unavailable")

	// Session and refresh token errors
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")
	ErrTheftDetected       = errors.New("refresh token reuse detected")

	// Device trust errors
	ErrDeviceNotTrusted = errors.New("device not trusted")

	// Credential check errors
	ErrCredentialCheckTimeout = errors.New("credential check timed out")
)
