package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5"
)

type DeviceTrustRepository struct {
	pool database.Querier
}

func NewDeviceTrustRepository(pool database.Querier) *DeviceTrustRepository {
	return &DeviceTrustRepository{pool: pool}
}

const deviceTrustColumns = `id, account_id, token_hash, device_name, user_agent, ip_address,
	created_at, last_used_at, expires_at, revoked_at, revoked_reason`

func scanDeviceTrustRow(scanner rowScanner) (*models.DeviceTrust, error) {
	var d models.DeviceTrust
	var reason *string

	err := scanner.Scan(
		&d.ID, &d.AccountID, &d.TokenHash, &d.DeviceName, &d.UserAgent, &d.IPAddress,
		&d.CreatedAt, &d.LastUsedAt, &d.ExpiresAt, &d.RevokedAt, &reason,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	if reason != nil {
		rr := models.DeviceRevocationReason(*reason)
		d.RevokedReason = &rr
	}
	return &d, nil
}

func scanDeviceTrustRows(rows pgx.Rows) ([]*models.DeviceTrust, error) {
	defer rows.Close()

	devices := make([]*models.DeviceTrust, 0)
	for rows.Next() {
		d, err := scanDeviceTrustRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device trust: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device trust rows: %w", err)
	}
	return devices, nil
}

func (r *DeviceTrustRepository) Create(ctx context.Context, d *models.DeviceTrust) (*models.DeviceTrust, error) {
	query := `
		INSERT INTO device_trusts (account_id, token_hash, device_name, user_agent, ip_address, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + deviceTrustColumns

	created, err := scanDeviceTrustRow(r.pool.QueryRow(ctx, query,
		d.AccountID, d.TokenHash, d.DeviceName, d.UserAgent, d.IPAddress, d.CreatedAt, d.ExpiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create device trust: %w", err)
	}
	return created, nil
}

// Touch validates a trust token for an account and marks it used in one statement.
// Returns ErrNotFound when the token is unknown, owned by another account, expired, or revoked.
func (r *DeviceTrustRepository) Touch(ctx context.Context, tokenHash, accountID string, now time.Time) (string, error) {
	query := `
		UPDATE device_trusts SET last_used_at = $3
		WHERE token_hash = $1 AND account_id = $2 AND revoked_at IS NULL AND expires_at > $3
		RETURNING id
	`

	var id string
	if err := r.pool.QueryRow(ctx, query, tokenHash, accountID, now).Scan(&id); err != nil {
		return "", database.MapPostgresError(err)
	}
	return id, nil
}

// ListActive returns the unrevoked, unexpired devices of an account, most recent first
func (r *DeviceTrustRepository) ListActive(ctx context.Context, accountID string, now time.Time) ([]*models.DeviceTrust, error) {
	query := `
		SELECT ` + deviceTrustColumns + `
		FROM device_trusts
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query device trusts: %w", err)
	}
	return scanDeviceTrustRows(rows)
}

// RevokeByTokenHash revokes one device identified by its token
func (r *DeviceTrustRepository) RevokeByTokenHash(ctx context.Context, tokenHash, accountID string, reason models.DeviceRevocationReason, now time.Time) (string, error) {
	query := `
		UPDATE device_trusts SET revoked_at = $3, revoked_reason = $4
		WHERE token_hash = $1 AND account_id = $2 AND revoked_at IS NULL
		RETURNING id
	`

	var id string
	if err := r.pool.QueryRow(ctx, query, tokenHash, accountID, now, string(reason)).Scan(&id); err != nil {
		return "", database.MapPostgresError(err)
	}
	return id, nil
}

// RevokeByID revokes one device of an account. Returns false when nothing was revoked.
func (r *DeviceTrustRepository) RevokeByID(ctx context.Context, id, accountID string, reason models.DeviceRevocationReason, now time.Time) (bool, error) {
	query := `
		UPDATE device_trusts SET revoked_at = $3, revoked_reason = $4
		WHERE id = $1 AND account_id = $2 AND revoked_at IS NULL
	`

	tag, err := r.pool.Exec(ctx, query, id, accountID, now, string(reason))
	if err != nil {
		return false, fmt.Errorf("failed to revoke device trust: %w", database.MapPostgresError(err))
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeAll revokes every live device of an account
func (r *DeviceTrustRepository) RevokeAll(ctx context.Context, accountID string, reason models.DeviceRevocationReason, now time.Time) (int64, error) {
	query := `
		UPDATE device_trusts SET revoked_at = $2, revoked_reason = $3
		WHERE account_id = $1 AND revoked_at IS NULL
	`

	tag, err := r.pool.Exec(ctx, query, accountID, now, string(reason))
	if err != nil {
		return 0, fmt.Errorf("failed to revoke device trusts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteStale removes devices that expired or were revoked before cutoff
func (r *DeviceTrustRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM device_trusts WHERE expires_at <= $1 OR revoked_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale device trusts: %w", err)
	}
	return tag.RowsAffected(), nil
}
