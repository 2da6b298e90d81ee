package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5"
)

// RateLimitRepository is the Postgres sliding-window store. Check-and-consume for one scope
// key is serialised by a transaction-scoped advisory lock on the key's hash.
type RateLimitRepository struct {
	pool database.Querier
}

func NewRateLimitRepository(pool database.Querier) *RateLimitRepository {
	return &RateLimitRepository{pool: pool}
}

// CheckAndConsume counts the entries in (now-window, now] and appends one if under max
func (r *RateLimitRepository) CheckAndConsume(ctx context.Context, scopeKey string, window time.Duration, max int, now time.Time) (*models.RateLimitDecision, error) {
	var decision models.RateLimitDecision

	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, scopeKey); err != nil {
			return fmt.Errorf("failed to lock scope: %w", err)
		}

		var count int
		var oldest *time.Time
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*), MIN(created_at)
			FROM rate_limit_entries
			WHERE scope_key = $1 AND created_at > $2
		`, scopeKey, now.Add(-window)).Scan(&count, &oldest)
		if err != nil {
			return fmt.Errorf("failed to count window: %w", err)
		}

		if count >= max {
			decision.Allowed = false
			decision.Remaining = 0
			if oldest != nil {
				decision.RetryAfter = oldest.Add(window)
			} else {
				decision.RetryAfter = now.Add(window)
			}
			return nil
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO rate_limit_entries (scope_key, created_at) VALUES ($1, $2)`, scopeKey, now); err != nil {
			return fmt.Errorf("failed to record entry: %w", err)
		}

		decision.Allowed = true
		decision.Remaining = max - count - 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &decision, nil
}

// Peek reports the current window without consuming a slot
func (r *RateLimitRepository) Peek(ctx context.Context, scopeKey string, window time.Duration, now time.Time) (*models.RateLimitWindow, error) {
	var w models.RateLimitWindow
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM rate_limit_entries
		WHERE scope_key = $1 AND created_at > $2
	`, scopeKey, now.Add(-window)).Scan(&w.Count, &w.Oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to peek window: %w", err)
	}
	return &w, nil
}

// Clear drops every entry for a scope key
func (r *RateLimitRepository) Clear(ctx context.Context, scopeKey string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM rate_limit_entries WHERE scope_key = $1`, scopeKey); err != nil {
		return fmt.Errorf("failed to clear scope: %w", err)
	}
	return nil
}

// PurgeBefore deletes entries that can no longer fall inside any window
func (r *RateLimitRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rate_limit_entries WHERE created_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge rate limit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
