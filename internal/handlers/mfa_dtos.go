package handlers

import "time"

// MFA enrollment DTOs

// BeginTOTPResponse carries the pending secret. It is shown only once.
type BeginTOTPResponse struct {
	Secret string `json:"secret"`  // base32, for manual entry
	QRCode string `json:"qr_code"` // data URL for authenticator apps
}

// ConfirmTOTPRequest activates the pending secret
type ConfirmTOTPRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// EnrollPhoneRequest registers an SMS-capable phone number
type EnrollPhoneRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
}

// EnrollPhoneResponse reports that a confirmation code is on its way
type EnrollPhoneResponse struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ConfirmPhoneRequest carries the code sent to the pending number
type ConfirmPhoneRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// SetPreferredMethodRequest picks the factor signin challenges with. An empty method clears it.
type SetPreferredMethodRequest struct {
	Method string `json:"method" validate:"omitempty,oneof=TOTP SMS"`
}

// MFAStatusResponse confirms an enrollment change
type MFAStatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
