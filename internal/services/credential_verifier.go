package services

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
)

// PasswordVerifier compares a password against a stored hash
type PasswordVerifier func(hash, password string) (bool, error)

// CredentialVerifier bounds the password comparison with a timeout
type CredentialVerifier struct {
	verify    PasswordVerifier
	timeout   time.Duration
	dummyHash string
}

// NewCredentialVerifier creates a verifier over bcrypt. The dummy hash is compared when the
// account does not exist so both paths cost one bcrypt comparison.
func NewCredentialVerifier(timeout time.Duration) (*CredentialVerifier, error) {
	dummy, err := pkgauth.HashPassword("gatekeeper-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}
	return &CredentialVerifier{
		verify:    pkgauth.VerifyPassword,
		timeout:   timeout,
		dummyHash: dummy,
	}, nil
}

// Verify reports whether password matches hash. Returns ErrCredentialCheckTimeout when
// the comparison does not finish within the configured bound.
func (v *CredentialVerifier) Verify(ctx context.Context, password, hash string) (bool, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := v.verify(hash, password)
		done <- result{ok: ok, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return false, fmt.Errorf("failed to verify password: %w", r.err)
		}
		return r.ok, nil
	case <-ctx.Done():
		return false, fmt.Errorf("%w: %v", models.ErrCredentialCheckTimeout, ctx.Err())
	}
}

// VerifyDummy spends one comparison against a fixed hash and discards the result
func (v *CredentialVerifier) VerifyDummy(ctx context.Context, password string) {
	_, _ = v.Verify(ctx, password, v.dummyHash)
}
