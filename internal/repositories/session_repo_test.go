package repositories_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionColumnNames = []string{
	"id", "account_id", "device_id", "ip_address", "user_agent", "family_id",
	"created_at", "expires_at", "revoked_at", "revoked_reason",
}

var refreshTokenColumnNames = []string{
	"id", "family_id", "session_id", "token_hash", "parent_id", "created_at",
	"expires_at", "superseded_at", "revoked_at",
}

func sessionRow(now time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(sessionColumnNames).AddRow(
		"sess-1", "acct-1", "dev-1", "1.2.3.4", "ua", "fam-1",
		now, now.Add(30*24*time.Hour), (*time.Time)(nil), (*string)(nil),
	)
}

func TestSessionRepository_CreateSession(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	session := &models.Session{
		AccountID: "acct-1",
		DeviceID:  "dev-1",
		IPAddress: "1.2.3.4",
		UserAgent: "ua",
		CreatedAt: now,
		ExpiresAt: now.Add(30 * 24 * time.Hour),
	}
	tokenExpiry := now.Add(7 * 24 * time.Hour)

	t.Run("evicts oldest over the cap", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectExec("SELECT pg_advisory_xact_lock").
			WithArgs("acct-1").
			WillReturnResult(pgxmock.NewResult("SELECT", 1))
		mock.ExpectQuery("UPDATE sessions SET revoked_at").
			WithArgs("acct-1", now, 4, models.SessionRevokedEvicted).
			WillReturnRows(pgxmock.NewRows([]string{"id", "family_id"}).AddRow("old-sess", "old-fam"))
		mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
			WithArgs([]string{"old-fam"}, now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectQuery("INSERT INTO sessions").
			WithArgs("acct-1", "dev-1", "1.2.3.4", "ua", now, session.ExpiresAt).
			WillReturnRows(sessionRow(now))
		mock.ExpectQuery("INSERT INTO refresh_tokens").
			WithArgs("fam-1", "sess-1", "rt-hash", now, tokenExpiry).
			WillReturnRows(pgxmock.NewRows(refreshTokenColumnNames).AddRow(
				"rt-1", "fam-1", "sess-1", "rt-hash", (*string)(nil), now,
				tokenExpiry, (*time.Time)(nil), (*time.Time)(nil),
			))
		mock.ExpectCommit()

		created, err := repositories.NewSessionRepository(mock).CreateSession(ctx, session, "rt-hash", tokenExpiry, 5, nil)
		require.NoError(t, err)
		assert.Equal(t, "sess-1", created.Session.ID)
		assert.Equal(t, "rt-1", created.RefreshToken.ID)
		assert.Equal(t, []string{"old-sess"}, created.EvictedSessions)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure rolls back", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectExec("SELECT pg_advisory_xact_lock").
			WillReturnResult(pgxmock.NewResult("SELECT", 1))
		mock.ExpectQuery("UPDATE sessions SET revoked_at").
			WillReturnRows(pgxmock.NewRows([]string{"id", "family_id"}))
		mock.ExpectQuery("INSERT INTO sessions").
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err = repositories.NewSessionRepository(mock).CreateSession(ctx, session, "rt-hash", tokenExpiry, 5, nil)
		assert.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSessionRepository_Rotate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	childExpiry := now.Add(7 * 24 * time.Hour)

	t.Run("supersedes parent and mints child", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		parentID := "rt-1"
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE refresh_tokens SET superseded_at").
			WithArgs("old-hash", now).
			WillReturnRows(pgxmock.NewRows([]string{"id", "session_id"}).AddRow("rt-1", "sess-1"))
		mock.ExpectQuery("FROM sessions WHERE id").
			WithArgs("sess-1").
			WillReturnRows(sessionRow(now.Add(-time.Hour)))
		mock.ExpectQuery("INSERT INTO refresh_tokens").
			WithArgs("fam-1", "sess-1", "new-hash", "rt-1", now, childExpiry).
			WillReturnRows(pgxmock.NewRows(refreshTokenColumnNames).AddRow(
				"rt-2", "fam-1", "sess-1", "new-hash", &parentID, now,
				childExpiry, (*time.Time)(nil), (*time.Time)(nil),
			))
		mock.ExpectCommit()

		rotated, err := repositories.NewSessionRepository(mock).Rotate(ctx, "old-hash", "new-hash", childExpiry, now, nil)
		require.NoError(t, err)
		assert.Equal(t, "rt-2", rotated.RefreshToken.ID)
		assert.Equal(t, "rt-1", *rotated.RefreshToken.ParentID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	classify := func(t *testing.T, superseded, revoked *time.Time, expiresAt time.Time) error {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE refresh_tokens SET superseded_at").
			WithArgs("old-hash", now).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("FROM refresh_tokens rt").
			WithArgs("old-hash").
			WillReturnRows(pgxmock.NewRows([]string{"family_id", "account_id", "superseded_at", "revoked_at", "expires_at"}).
				AddRow("fam-1", "acct-1", superseded, revoked, expiresAt))
		mock.ExpectRollback()

		_, err = repositories.NewSessionRepository(mock).Rotate(ctx, "old-hash", "new-hash", childExpiry, now, nil)
		require.NoError(t, mock.ExpectationsWereMet())
		return err
	}

	t.Run("superseded token revokes the family and commits", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		earlier := now.Add(-time.Minute)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE refresh_tokens SET superseded_at").
			WithArgs("old-hash", now).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("FROM refresh_tokens rt").
			WithArgs("old-hash").
			WillReturnRows(pgxmock.NewRows([]string{"family_id", "account_id", "superseded_at", "revoked_at", "expires_at"}).
				AddRow("fam-1", "acct-1", &earlier, (*time.Time)(nil), childExpiry))
		mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
			WithArgs("fam-1", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 3))
		mock.ExpectExec("UPDATE sessions SET revoked_at").
			WithArgs("fam-1", now, models.SessionRevokedTheft).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec("INSERT INTO auth_events").
			WithArgs(models.AuthEventTheftDetected, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		var eventFor string
		_, err = repositories.NewSessionRepository(mock).Rotate(ctx, "old-hash", "new-hash", childExpiry, now,
			func(reuse *models.TokenReuseError) *models.AuthEvent {
				eventFor = reuse.FamilyID
				accountID := reuse.AccountID
				return &models.AuthEvent{EventType: models.AuthEventTheftDetected, AccountID: &accountID, CreatedAt: now}
			})

		var reuse *models.TokenReuseError
		require.True(t, errors.As(err, &reuse))
		assert.Equal(t, "fam-1", reuse.FamilyID)
		assert.Equal(t, "acct-1", reuse.AccountID)
		assert.Equal(t, int64(1), reuse.SessionsRevoked)
		assert.Equal(t, "fam-1", eventFor)
		assert.ErrorIs(t, err, models.ErrTheftDetected)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed family revocation rolls back", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		earlier := now.Add(-time.Minute)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE refresh_tokens SET superseded_at").WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("FROM refresh_tokens rt").
			WillReturnRows(pgxmock.NewRows([]string{"family_id", "account_id", "superseded_at", "revoked_at", "expires_at"}).
				AddRow("fam-1", "acct-1", &earlier, (*time.Time)(nil), childExpiry))
		mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, err = repositories.NewSessionRepository(mock).Rotate(ctx, "old-hash", "new-hash", childExpiry, now, nil)
		require.Error(t, err)
		var reuse *models.TokenReuseError
		assert.False(t, errors.As(err, &reuse))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("revoked token", func(t *testing.T) {
		earlier := now.Add(-time.Minute)
		err := classify(t, &earlier, &earlier, childExpiry)
		assert.ErrorIs(t, err, models.ErrRefreshTokenRevoked)
	})

	t.Run("expired token", func(t *testing.T) {
		err := classify(t, nil, nil, now.Add(-time.Second))
		assert.ErrorIs(t, err, models.ErrRefreshTokenExpired)
	})

	t.Run("unknown token", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE refresh_tokens SET superseded_at").WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("FROM refresh_tokens rt").WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		_, err = repositories.NewSessionRepository(mock).Rotate(ctx, "nope", "new-hash", childExpiry, now, nil)
		assert.ErrorIs(t, err, models.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSessionRepository_RevokeSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := repositories.NewSessionRepository(mock)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE sessions SET revoked_at").
		WithArgs("sess-1", "acct-1", now, models.SessionRevokedLogout).
		WillReturnRows(pgxmock.NewRows([]string{"family_id"}).AddRow("fam-1"))
	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs("fam-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	revoked, err := repo.RevokeSession(ctx, "sess-1", "acct-1", models.SessionRevokedLogout, now)
	require.NoError(t, err)
	assert.True(t, revoked)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE sessions SET revoked_at").
		WithArgs("sess-2", "acct-1", now, models.SessionRevokedLogout).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()

	revoked, err = repo.RevokeSession(ctx, "sess-2", "acct-1", models.SessionRevokedLogout, now)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, mock.ExpectationsWereMet())
}
