package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5"
)

// MFAChallengeRepository stores the per-account challenge and the used-code replay guard
type MFAChallengeRepository struct {
	pool database.Querier
}

func NewMFAChallengeRepository(pool database.Querier) *MFAChallengeRepository {
	return &MFAChallengeRepository{pool: pool}
}

const mfaChallengeColumns = `id, account_id, token_hash, method, sms_code_hash, created_at,
	expires_at, last_sent_at, failed_attempts, expired_at`

func scanMFAChallengeRow(scanner rowScanner) (*models.MFAChallenge, error) {
	var c models.MFAChallenge
	var method string

	err := scanner.Scan(
		&c.ID, &c.AccountID, &c.TokenHash, &method, &c.SMSCodeHash, &c.CreatedAt,
		&c.ExpiresAt, &c.LastSentAt, &c.FailedAttempts, &c.ExpiredAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	c.Method = models.MFAMethod(method)
	return &c, nil
}

// Replace installs c as the only challenge of its account and appends event, in one
// transaction. deliver runs after the writes and before commit; a deliver error rolls
// everything back so no challenge exists for a code that never reached the user.
func (r *MFAChallengeRepository) Replace(ctx context.Context, c *models.MFAChallenge, event *models.AuthEvent, deliver func(context.Context) error) (*models.MFAChallenge, error) {
	query := `
		INSERT INTO mfa_challenges (account_id, token_hash, method, sms_code_hash, created_at, expires_at, last_sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id) DO UPDATE SET
			id = gen_random_uuid(),
			token_hash = EXCLUDED.token_hash,
			method = EXCLUDED.method,
			sms_code_hash = EXCLUDED.sms_code_hash,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			last_sent_at = EXCLUDED.last_sent_at,
			failed_attempts = 0,
			expired_at = NULL
		RETURNING ` + mfaChallengeColumns

	var created *models.MFAChallenge
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		created, err = scanMFAChallengeRow(tx.QueryRow(ctx, query,
			c.AccountID, c.TokenHash, string(c.Method), c.SMSCodeHash, c.CreatedAt, c.ExpiresAt, c.LastSentAt,
		))
		if err != nil {
			return fmt.Errorf("failed to store mfa challenge: %w", err)
		}

		if event != nil {
			if event.Metadata == nil {
				event.Metadata = models.AuditMetadata{}
			}
			event.Metadata["challenge_id"] = created.ID
			if err := insertAuthEvent(ctx, tx, event); err != nil {
				return err
			}
		}

		if deliver != nil {
			if err := deliver(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (r *MFAChallengeRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.MFAChallenge, error) {
	query := `SELECT ` + mfaChallengeColumns + ` FROM mfa_challenges WHERE token_hash = $1`

	c, err := scanMFAChallengeRow(r.pool.QueryRow(ctx, query, tokenHash))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RecordFailedAttempt increments the failure counter and expires the challenge once it
// reaches maxAttempts. Returns ErrNotFound when the challenge is gone or already expired.
func (r *MFAChallengeRepository) RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, now time.Time) (int, bool, error) {
	query := `
		UPDATE mfa_challenges SET
			failed_attempts = failed_attempts + 1,
			expired_at = CASE WHEN failed_attempts + 1 >= $2 THEN $3 ELSE NULL END
		WHERE id = $1 AND expired_at IS NULL
		RETURNING failed_attempts, expired_at IS NOT NULL
	`

	var attempts int
	var expired bool
	if err := r.pool.QueryRow(ctx, query, id, maxAttempts, now).Scan(&attempts, &expired); err != nil {
		return 0, false, database.MapPostgresError(err)
	}
	return attempts, expired, nil
}

// Consume transitions a challenge to VERIFIED. The code is recorded in the replay guard and
// the challenge row deleted in one transaction. ErrMFACodeReplayed when the code was already
// used in its window; ErrChallengeNotFound when another request consumed or expired it first.
func (r *MFAChallengeRepository) Consume(ctx context.Context, c *models.MFAChallenge, codeHash string, windowID int64, usedUntil time.Time, event *models.AuthEvent, now time.Time) error {
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO mfa_used_codes (account_id, code_hash, window_id, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, c.AccountID, codeHash, windowID, usedUntil)
		if err != nil {
			return fmt.Errorf("failed to record used code: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrMFACodeReplayed
		}

		tag, err = tx.Exec(ctx, `
			DELETE FROM mfa_challenges
			WHERE id = $1 AND expired_at IS NULL AND expires_at > $2
		`, c.ID, now)
		if err != nil {
			return fmt.Errorf("failed to consume mfa challenge: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrChallengeNotFound
		}

		return insertAuthEvent(ctx, tx, event)
	})
}

// ClaimResend stamps a new SMS code on the challenge if the cooldown has elapsed.
// The previous send time and code hash are returned so a failed send can be undone.
// ErrResendCooldown when another resend won the race or the cooldown is still running.
func (r *MFAChallengeRepository) ClaimResend(ctx context.Context, id, codeHash string, cooldown time.Duration, now time.Time) (*time.Time, *string, error) {
	query := `
		UPDATE mfa_challenges c SET last_sent_at = $3, sms_code_hash = $2
		FROM (SELECT id, last_sent_at, sms_code_hash FROM mfa_challenges WHERE id = $1 FOR UPDATE) prev
		WHERE c.id = prev.id
			AND c.expired_at IS NULL
			AND c.expires_at > $3
			AND (prev.last_sent_at IS NULL OR prev.last_sent_at <= $4)
		RETURNING prev.last_sent_at, prev.sms_code_hash
	`

	var prevSentAt *time.Time
	var prevHash *string
	err := r.pool.QueryRow(ctx, query, id, codeHash, now, now.Add(-cooldown)).Scan(&prevSentAt, &prevHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, models.ErrResendCooldown
		}
		return nil, nil, fmt.Errorf("failed to claim resend: %w", err)
	}
	return prevSentAt, prevHash, nil
}

// RestoreResend undoes a ClaimResend whose SMS could not be delivered
func (r *MFAChallengeRepository) RestoreResend(ctx context.Context, id string, claimedAt time.Time, prevSentAt *time.Time, prevHash *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE mfa_challenges SET last_sent_at = $3, sms_code_hash = $4
		WHERE id = $1 AND last_sent_at = $2
	`, id, claimedAt, prevSentAt, prevHash)
	if err != nil {
		return fmt.Errorf("failed to restore resend: %w", err)
	}
	return nil
}

// Expire transitions the challenge identified by tokenHash to EXPIRED
func (r *MFAChallengeRepository) Expire(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE mfa_challenges SET expired_at = $2 WHERE token_hash = $1 AND expired_at IS NULL`, tokenHash, now)
	if err != nil {
		return false, fmt.Errorf("failed to expire mfa challenge: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireForAccount expires whatever challenge the account holds
func (r *MFAChallengeRepository) ExpireForAccount(ctx context.Context, accountID string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE mfa_challenges SET expired_at = $2 WHERE account_id = $1 AND expired_at IS NULL`, accountID, now)
	if err != nil {
		return false, fmt.Errorf("failed to expire mfa challenge: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetCooldown clears the last send time so a resend is allowed immediately
func (r *MFAChallengeRepository) ResetCooldown(ctx context.Context, accountID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE mfa_challenges SET last_sent_at = NULL WHERE account_id = $1`, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to reset resend cooldown: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireDue marks challenges past their TTL as expired and returns their account ids
func (r *MFAChallengeRepository) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE mfa_challenges SET expired_at = $1
		WHERE expired_at IS NULL AND expires_at <= $1
		RETURNING account_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire due challenges: %w", err)
	}
	defer rows.Close()

	accountIDs := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		accountIDs = append(accountIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired challenges: %w", err)
	}
	return accountIDs, nil
}

// DeleteExpired removes challenges that were expired before cutoff
func (r *MFAChallengeRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM mfa_challenges WHERE expired_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeUsedCodes drops replay-guard rows whose TOTP window has closed
func (r *MFAChallengeRepository) PurgeUsedCodes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM mfa_used_codes WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge used codes: %w", err)
	}
	return tag.RowsAffected(), nil
}
