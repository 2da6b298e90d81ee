package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

// AccountRepository reads accounts and owns the atomic failure counter
type AccountRepository struct {
	pool database.Querier
}

func NewAccountRepository(pool database.Querier) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const accountColumns = `id, email, password_hash, status, failed_attempts, locked_until,
	totp_secret_encrypted, totp_secret_nonce, totp_pending_secret, totp_pending_nonce,
	phone_number, phone_verified, preferred_mfa_method, created_at, updated_at`

// scanAccountRow handles nullable fields and populates an Account model from a database row
func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var a models.Account
	var status string
	var preferred *string

	err := scanner.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &status, &a.FailedAttempts, &a.LockedUntil,
		&a.TOTPSecretEncrypted, &a.TOTPSecretNonce, &a.TOTPPendingSecret, &a.TOTPPendingNonce,
		&a.PhoneNumber, &a.PhoneVerified, &preferred, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	a.Status = models.AccountStatus(status)
	if preferred != nil {
		m := models.MFAMethod(*preferred)
		a.PreferredMFAMethod = &m
	}
	return &a, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	account, err := scanAccountRow(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE LOWER(email) = LOWER($1)`

	account, err := scanAccountRow(r.pool.QueryRow(ctx, query, strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Create inserts an account. Account provisioning belongs to the customer service;
// this exists for seeding and test tooling.
func (r *AccountRepository) Create(ctx context.Context, a *models.Account) (*models.Account, error) {
	if a.Status == "" {
		a.Status = models.AccountStatusActive
	}

	query := `
		INSERT INTO accounts (email, password_hash, status, phone_number, phone_verified)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + accountColumns

	account, err := scanAccountRow(r.pool.QueryRow(ctx, query,
		strings.ToLower(strings.TrimSpace(a.Email)), a.PasswordHash, string(a.Status), a.PhoneNumber, a.PhoneVerified,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// RecordFailure increments the failure counter and sets the lock in one statement.
// A lock that has already expired restarts the count at one. lockedUntil is applied only
// when this failure reaches the threshold.
func (r *AccountRepository) RecordFailure(ctx context.Context, id string, threshold int, lockedUntil, now time.Time) (*models.LockoutState, error) {
	query := `
		UPDATE accounts a SET
			failed_attempts = CASE
				WHEN prev.locked_until IS NOT NULL AND prev.locked_until <= $2 THEN 1
				ELSE prev.failed_attempts + 1
			END,
			locked_until = CASE
				WHEN prev.locked_until > $2 THEN prev.locked_until
				WHEN (CASE
					WHEN prev.locked_until IS NOT NULL AND prev.locked_until <= $2 THEN 1
					ELSE prev.failed_attempts + 1
				END) >= $3 THEN $4
				ELSE NULL
			END,
			updated_at = $2
		FROM (SELECT id, failed_attempts, locked_until FROM accounts WHERE id = $1 FOR UPDATE) prev
		WHERE a.id = prev.id
		RETURNING a.failed_attempts, a.locked_until,
			(prev.locked_until IS NULL OR prev.locked_until <= $2) AND a.locked_until IS NOT NULL
	`

	var state models.LockoutState
	err := r.pool.QueryRow(ctx, query, id, now, threshold, lockedUntil).
		Scan(&state.FailedAttempts, &state.LockedUntil, &state.JustLocked)
	if err != nil {
		return nil, fmt.Errorf("failed to record failed attempt: %w", database.MapPostgresError(err))
	}

	state.Locked = state.LockedUntil != nil && now.Before(*state.LockedUntil)
	state.RemainingAttempts = threshold - state.FailedAttempts
	if state.RemainingAttempts < 0 || state.Locked {
		state.RemainingAttempts = 0
	}
	return &state, nil
}

// ResetFailures clears the counter. An active lock set by a concurrent failure is left alone.
func (r *AccountRepository) ResetFailures(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE accounts
		SET failed_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1
		  AND (failed_attempts <> 0 OR locked_until IS NOT NULL)
		  AND (locked_until IS NULL OR locked_until <= $2)
	`

	if _, err := r.pool.Exec(ctx, query, id, now); err != nil {
		return fmt.Errorf("failed to reset failed attempts: %w", err)
	}
	return nil
}

// GetLockedUntil returns the stored lock expiry, which may be in the past
func (r *AccountRepository) GetLockedUntil(ctx context.Context, id string) (*time.Time, error) {
	var lockedUntil *time.Time
	err := r.pool.QueryRow(ctx, `SELECT locked_until FROM accounts WHERE id = $1`, id).Scan(&lockedUntil)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return lockedUntil, nil
}

// SetPendingTOTP stores an encrypted secret awaiting its first valid code
func (r *AccountRepository) SetPendingTOTP(ctx context.Context, id string, encrypted, nonce []byte) error {
	query := `
		UPDATE accounts SET totp_pending_secret = $2, totp_pending_nonce = $3, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, encrypted, nonce)
	if err != nil {
		return fmt.Errorf("failed to store pending totp secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ConfirmTOTP promotes the pending secret. It fails with ErrNotFound when no enrollment
// is pending.
func (r *AccountRepository) ConfirmTOTP(ctx context.Context, id string) error {
	query := `
		UPDATE accounts SET
			totp_secret_encrypted = totp_pending_secret,
			totp_secret_nonce = totp_pending_nonce,
			totp_pending_secret = NULL,
			totp_pending_nonce = NULL,
			updated_at = NOW()
		WHERE id = $1 AND totp_pending_secret IS NOT NULL
	`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to confirm totp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetTOTPSecret stores a confirmed secret directly. Used by test tooling.
func (r *AccountRepository) SetTOTPSecret(ctx context.Context, id string, encrypted, nonce []byte) error {
	query := `
		UPDATE accounts SET totp_secret_encrypted = $2, totp_secret_nonce = $3, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, encrypted, nonce)
	if err != nil {
		return fmt.Errorf("failed to store totp secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetPhone records an SMS-capable phone number
func (r *AccountRepository) SetPhone(ctx context.Context, id, phone string, verified bool) error {
	query := `
		UPDATE accounts SET phone_number = $2, phone_verified = $3, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, phone, verified)
	if err != nil {
		return fmt.Errorf("failed to set phone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetPreferredMFAMethod sets or clears (nil) the preferred second factor
func (r *AccountRepository) SetPreferredMFAMethod(ctx context.Context, id string, method *models.MFAMethod) error {
	var value *string
	if method != nil {
		s := string(*method)
		value = &s
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET preferred_mfa_method = $2, updated_at = NOW() WHERE id = $1`, id, value)
	if err != nil {
		return fmt.Errorf("failed to set preferred mfa method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
