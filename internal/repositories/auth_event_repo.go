package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
)

// AuthEventRepository appends to and reads the auth event log
type AuthEventRepository struct {
	pool database.Querier
}

func NewAuthEventRepository(pool database.Querier) *AuthEventRepository {
	return &AuthEventRepository{pool: pool}
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertAuthEventQuery = `
	INSERT INTO auth_events (event_type, account_id, correlation_id, ip_address, user_agent, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// insertAuthEvent lets other repositories append an event inside their own transaction
func insertAuthEvent(ctx context.Context, q execer, e *models.AuthEvent) error {
	if e == nil {
		return nil
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = models.AuditMetadata{}
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	if _, err := q.Exec(ctx, insertAuthEventQuery,
		e.EventType, e.AccountID, e.CorrelationID, e.IPAddress, e.UserAgent, metadata, createdAt,
	); err != nil {
		return fmt.Errorf("failed to append auth event: %w", err)
	}
	return nil
}

// Create appends one event
func (r *AuthEventRepository) Create(ctx context.Context, e *models.AuthEvent) error {
	return insertAuthEvent(ctx, r.pool, e)
}

// ListByAccount returns the most recent events of an account
func (r *AuthEventRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.AuthEvent, error) {
	query := `
		SELECT id, event_type, account_id, correlation_id, ip_address, user_agent, metadata, created_at
		FROM auth_events
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query auth events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuthEvent, 0)
	for rows.Next() {
		var e models.AuthEvent
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.AccountID, &e.CorrelationID, &e.IPAddress, &e.UserAgent, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan auth event: %w", database.MapPostgresError(err))
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auth event rows: %w", err)
	}
	return events, nil
}
