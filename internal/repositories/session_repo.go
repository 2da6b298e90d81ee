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

// SessionRepository owns sessions and their refresh token families
type SessionRepository struct {
	pool database.Querier
}

func NewSessionRepository(pool database.Querier) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, account_id, device_id, ip_address, user_agent, family_id,
	created_at, expires_at, revoked_at, revoked_reason`

const refreshTokenColumns = `id, family_id, session_id, token_hash, parent_id, created_at,
	expires_at, superseded_at, revoked_at`

func scanSessionRow(scanner rowScanner) (*models.Session, error) {
	var s models.Session
	err := scanner.Scan(
		&s.ID, &s.AccountID, &s.DeviceID, &s.IPAddress, &s.UserAgent, &s.FamilyID,
		&s.CreatedAt, &s.ExpiresAt, &s.RevokedAt, &s.RevokedReason,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

func scanRefreshTokenRow(scanner rowScanner) (*models.RefreshToken, error) {
	var t models.RefreshToken
	err := scanner.Scan(
		&t.ID, &t.FamilyID, &t.SessionID, &t.TokenHash, &t.ParentID, &t.CreatedAt,
		&t.ExpiresAt, &t.SupersededAt, &t.RevokedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &t, nil
}

// CreatedSession is the result of CreateSession
type CreatedSession struct {
	Session         *models.Session
	RefreshToken    *models.RefreshToken
	EvictedSessions []string
}

// CreateSession inserts a session with the first token of a new family. Creation for one
// account is serialised by an advisory lock so the cap holds under concurrent signins:
// when maxSessions is positive, the oldest live sessions beyond maxSessions-1 are revoked
// before the insert.
func (r *SessionRepository) CreateSession(ctx context.Context, s *models.Session, tokenHash string, tokenExpiresAt time.Time, maxSessions int, event *models.AuthEvent) (*CreatedSession, error) {
	var out CreatedSession

	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('sessions:' || $1, 0))`, s.AccountID); err != nil {
			return fmt.Errorf("failed to lock account sessions: %w", err)
		}

		if maxSessions > 0 {
			evicted, err := evictOldestSessions(ctx, tx, s.AccountID, maxSessions-1, s.CreatedAt)
			if err != nil {
				return err
			}
			out.EvictedSessions = evicted
		}

		var err error
		out.Session, err = scanSessionRow(tx.QueryRow(ctx, `
			INSERT INTO sessions (account_id, device_id, ip_address, user_agent, family_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4, gen_random_uuid(), $5, $6)
			RETURNING `+sessionColumns,
			s.AccountID, s.DeviceID, s.IPAddress, s.UserAgent, s.CreatedAt, s.ExpiresAt,
		))
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		out.RefreshToken, err = scanRefreshTokenRow(tx.QueryRow(ctx, `
			INSERT INTO refresh_tokens (family_id, session_id, token_hash, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+refreshTokenColumns,
			out.Session.FamilyID, out.Session.ID, tokenHash, s.CreatedAt, tokenExpiresAt,
		))
		if err != nil {
			return fmt.Errorf("failed to create refresh token: %w", err)
		}

		if event != nil {
			if event.Metadata == nil {
				event.Metadata = models.AuditMetadata{}
			}
			event.Metadata["session_id"] = out.Session.ID
			if len(out.EvictedSessions) > 0 {
				event.Metadata["evicted_sessions"] = out.EvictedSessions
			}
			if err := insertAuthEvent(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// evictOldestSessions revokes every live session of the account except the newest keep
func evictOldestSessions(ctx context.Context, tx pgx.Tx, accountID string, keep int, now time.Time) ([]string, error) {
	rows, err := tx.Query(ctx, `
		UPDATE sessions SET revoked_at = $2, revoked_reason = $4
		WHERE id IN (
			SELECT id FROM sessions
			WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
			ORDER BY created_at DESC, id DESC
			OFFSET $3
		)
		RETURNING id, family_id
	`, accountID, now, keep, models.SessionRevokedEvicted)
	if err != nil {
		return nil, fmt.Errorf("failed to evict sessions: %w", err)
	}

	var sessionIDs, familyIDs []string
	for rows.Next() {
		var id, familyID string
		if err := rows.Scan(&id, &familyID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan evicted session: %w", err)
		}
		sessionIDs = append(sessionIDs, id)
		familyIDs = append(familyIDs, familyID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evicted sessions: %w", err)
	}

	if len(familyIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE refresh_tokens SET revoked_at = $2
			WHERE family_id = ANY($1::uuid[]) AND revoked_at IS NULL
		`, familyIDs, now); err != nil {
			return nil, fmt.Errorf("failed to revoke evicted tokens: %w", err)
		}
	}
	return sessionIDs, nil
}

// RotatedToken is the result of Rotate
type RotatedToken struct {
	Session      *models.Session
	RefreshToken *models.RefreshToken
}

// Rotate supersedes the presented refresh token and mints its single child.
// A token that was already superseded revokes its family in the same transaction,
// appends the event built by theftEvent, commits, and then returns
// *models.TokenReuseError. Revoked and expired tokens map to their sentinels.
func (r *SessionRepository) Rotate(ctx context.Context, tokenHash, childHash string, childExpiresAt, now time.Time, theftEvent func(*models.TokenReuseError) *models.AuthEvent) (*RotatedToken, error) {
	var out RotatedToken
	var reuse *models.TokenReuseError

	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var parentID, sessionID string
		err := tx.QueryRow(ctx, `
			UPDATE refresh_tokens SET superseded_at = $2
			WHERE token_hash = $1 AND superseded_at IS NULL AND revoked_at IS NULL AND expires_at > $2
			RETURNING id, session_id
		`, tokenHash, now).Scan(&parentID, &sessionID)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("failed to supersede refresh token: %w", err)
			}
			err = classifyUnrotatable(ctx, tx, tokenHash, now)
			if !errors.As(err, &reuse) {
				return err
			}
			reuse.SessionsRevoked, err = revokeFamilyTx(ctx, tx, reuse.FamilyID, models.SessionRevokedTheft, now)
			if err != nil {
				return err
			}
			var event *models.AuthEvent
			if theftEvent != nil {
				event = theftEvent(reuse)
			}
			return insertAuthEvent(ctx, tx, event)
		}

		out.Session, err = scanSessionRow(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		if !out.Session.IsActiveAt(now) {
			return models.ErrRefreshTokenRevoked
		}

		expiresAt := childExpiresAt
		if expiresAt.After(out.Session.ExpiresAt) {
			expiresAt = out.Session.ExpiresAt
		}

		out.RefreshToken, err = scanRefreshTokenRow(tx.QueryRow(ctx, `
			INSERT INTO refresh_tokens (family_id, session_id, token_hash, parent_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+refreshTokenColumns,
			out.Session.FamilyID, out.Session.ID, childHash, parentID, now, expiresAt,
		))
		if err != nil {
			return fmt.Errorf("failed to mint refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reuse != nil {
		return nil, reuse
	}

	return &out, nil
}

func classifyUnrotatable(ctx context.Context, tx pgx.Tx, tokenHash string, now time.Time) error {
	var familyID, accountID string
	var supersededAt, revokedAt *time.Time
	var expiresAt time.Time

	err := tx.QueryRow(ctx, `
		SELECT rt.family_id, s.account_id, rt.superseded_at, rt.revoked_at, rt.expires_at
		FROM refresh_tokens rt
		JOIN sessions s ON s.id = rt.session_id
		WHERE rt.token_hash = $1
	`, tokenHash).Scan(&familyID, &accountID, &supersededAt, &revokedAt, &expiresAt)
	if err != nil {
		return database.MapPostgresError(err)
	}

	switch {
	case revokedAt != nil:
		return models.ErrRefreshTokenRevoked
	case supersededAt != nil:
		return &models.TokenReuseError{FamilyID: familyID, AccountID: accountID}
	case !now.Before(expiresAt):
		return models.ErrRefreshTokenExpired
	}
	return models.ErrRefreshTokenRevoked
}

// RevokeFamily revokes every token and session of a family. Returns the sessions revoked.
func (r *SessionRepository) RevokeFamily(ctx context.Context, familyID, reason string, event *models.AuthEvent, now time.Time) (int64, error) {
	var revoked int64

	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		if revoked, err = revokeFamilyTx(ctx, tx, familyID, reason, now); err != nil {
			return err
		}
		return insertAuthEvent(ctx, tx, event)
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

func revokeFamilyTx(ctx context.Context, tx pgx.Tx, familyID, reason string, now time.Time) (int64, error) {
	if _, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2
		WHERE family_id = $1 AND revoked_at IS NULL
	`, familyID, now); err != nil {
		return 0, fmt.Errorf("failed to revoke family tokens: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET revoked_at = $2, revoked_reason = $3
		WHERE family_id = $1 AND revoked_at IS NULL
	`, familyID, now, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke family sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeSession revokes one session of an account with its token family
func (r *SessionRepository) RevokeSession(ctx context.Context, sessionID, accountID, reason string, now time.Time) (bool, error) {
	var revoked bool

	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var familyID string
		err := tx.QueryRow(ctx, `
			UPDATE sessions SET revoked_at = $3, revoked_reason = $4
			WHERE id = $1 AND account_id = $2 AND revoked_at IS NULL
			RETURNING family_id
		`, sessionID, accountID, now, reason).Scan(&familyID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to revoke session: %w", err)
		}
		revoked = true

		if _, err := tx.Exec(ctx, `
			UPDATE refresh_tokens SET revoked_at = $2
			WHERE family_id = $1 AND revoked_at IS NULL
		`, familyID, now); err != nil {
			return fmt.Errorf("failed to revoke session tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return revoked, nil
}

// RevokeAllForAccount revokes every live session and token of an account
func (r *SessionRepository) RevokeAllForAccount(ctx context.Context, accountID, reason string, now time.Time) (int64, error) {
	var revoked int64

	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE refresh_tokens SET revoked_at = $2
			WHERE revoked_at IS NULL
				AND session_id IN (SELECT id FROM sessions WHERE account_id = $1)
		`, accountID, now); err != nil {
			return fmt.Errorf("failed to revoke account tokens: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE sessions SET revoked_at = $2, revoked_reason = $3
			WHERE account_id = $1 AND revoked_at IS NULL
		`, accountID, now, reason)
		if err != nil {
			return fmt.Errorf("failed to revoke account sessions: %w", err)
		}
		revoked = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	s, err := scanSessionRow(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListActive returns the live sessions of an account, newest first
func (r *SessionRepository) ListActive(ctx context.Context, accountID string, now time.Time) ([]*models.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC
	`, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) IsActive(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sessions WHERE id = $1 AND revoked_at IS NULL AND expires_at > $2
		)
	`, sessionID, now).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return active, nil
}

// DeleteExpired removes sessions (and, by cascade, their tokens) that ended before cutoff
func (r *SessionRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1 OR revoked_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
