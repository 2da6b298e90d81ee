package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

// PhoneVerificationRepository holds phone numbers awaiting their confirmation code.
// Each account has at most one pending number.
type PhoneVerificationRepository struct {
	pool database.Querier
}

func NewPhoneVerificationRepository(pool database.Querier) *PhoneVerificationRepository {
	return &PhoneVerificationRepository{pool: pool}
}

// Upsert stores v as the account's pending number, replacing any earlier one and
// restarting its attempt count
func (r *PhoneVerificationRepository) Upsert(ctx context.Context, v *models.PhoneVerification) error {
	query := `
		INSERT INTO phone_verifications (account_id, phone, code_hash, attempts, created_at, expires_at)
		VALUES ($1, $2, $3, 0, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			phone = EXCLUDED.phone,
			code_hash = EXCLUDED.code_hash,
			attempts = 0,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`

	if _, err := r.pool.Exec(ctx, query, v.AccountID, v.Phone, v.CodeHash, v.CreatedAt, v.ExpiresAt); err != nil {
		return fmt.Errorf("failed to store phone verification: %w", database.MapPostgresError(err))
	}
	return nil
}

func (r *PhoneVerificationRepository) Get(ctx context.Context, accountID string) (*models.PhoneVerification, error) {
	query := `
		SELECT account_id, phone, code_hash, attempts, created_at, expires_at
		FROM phone_verifications WHERE account_id = $1
	`

	var v models.PhoneVerification
	err := r.pool.QueryRow(ctx, query, accountID).
		Scan(&v.AccountID, &v.Phone, &v.CodeHash, &v.Attempts, &v.CreatedAt, &v.ExpiresAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &v, nil
}

// RecordFailedAttempt counts a wrong code. The attempt that reaches maxAttempts deletes
// the pending number and reports exhausted.
func (r *PhoneVerificationRepository) RecordFailedAttempt(ctx context.Context, accountID string, maxAttempts int) (int, bool, error) {
	var attempts int
	err := r.pool.QueryRow(ctx,
		`UPDATE phone_verifications SET attempts = attempts + 1 WHERE account_id = $1 RETURNING attempts`,
		accountID,
	).Scan(&attempts)
	if err != nil {
		return 0, false, database.MapPostgresError(err)
	}

	if attempts < maxAttempts {
		return attempts, false, nil
	}
	if err := r.Delete(ctx, accountID); err != nil {
		return attempts, true, err
	}
	return attempts, true, nil
}

// Confirm consumes the pending number when codeHash matches and it has not expired, and
// moves it onto the account as a verified phone. Both happen in one statement, so only
// one concurrent confirmation can succeed. ErrNotFound means nothing matched.
func (r *PhoneVerificationRepository) Confirm(ctx context.Context, accountID, codeHash string, now time.Time) (string, error) {
	query := `
		WITH v AS (
			DELETE FROM phone_verifications
			WHERE account_id = $1 AND code_hash = $2 AND expires_at > $3
			RETURNING account_id, phone
		)
		UPDATE accounts a SET phone_number = v.phone, phone_verified = TRUE, updated_at = $3
		FROM v
		WHERE a.id = v.account_id
		RETURNING a.phone_number
	`

	var phone string
	if err := r.pool.QueryRow(ctx, query, accountID, codeHash, now).Scan(&phone); err != nil {
		return "", database.MapPostgresError(err)
	}
	return phone, nil
}

func (r *PhoneVerificationRepository) Delete(ctx context.Context, accountID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM phone_verifications WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("failed to delete phone verification: %w", err)
	}
	return nil
}

// DeleteExpired removes pending numbers whose code expired before cutoff
func (r *PhoneVerificationRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM phone_verifications WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge phone verifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
