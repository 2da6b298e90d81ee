package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

// opaqueTokenBytes is the entropy of refresh, device trust, and MFA challenge tokens
const opaqueTokenBytes = 32

// GenerateOpaqueToken returns a random base64url token. Only its hash is ever persisted.
func GenerateOpaqueToken() (string, error) {
	b := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashOpaqueToken returns the hex SHA-256 of a token, used as its lookup key
func HashOpaqueToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CompareTokenHash compares a plaintext token against a stored hash in constant time
func CompareTokenHash(token, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashOpaqueToken(token)), []byte(storedHash)) == 1
}

// GenerateNumericCode returns a uniformly random zero-padded decimal code of the given length
func GenerateNumericCode(digits int) (string, error) {
	if digits <= 0 || digits > 9 {
		return "", fmt.Errorf("invalid code length %d", digits)
	}
	limit := big.NewInt(1)
	for i := 0; i < digits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}
