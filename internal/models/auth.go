package models

import (
	"github.com/golang-jwt/jwt/v5"
)

const TokenTypeAccess = "access"

// TokenClaims are carried by access tokens
type TokenClaims struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id"`
	FamilyID  string `json:"family_id"`
	jwt.RegisteredClaims
}
