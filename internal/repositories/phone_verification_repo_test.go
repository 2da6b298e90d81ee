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

func TestPhoneVerificationRepository_Upsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := repositories.NewPhoneVerificationRepository(mock)
	now := time.Now()
	v := &models.PhoneVerification{
		AccountID: "acct-1",
		Phone:     "+15555550100",
		CodeHash:  "hash",
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}

	mock.ExpectExec("INSERT INTO phone_verifications").
		WithArgs("acct-1", "+15555550100", "hash", now, now.Add(5*time.Minute)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Upsert(context.Background(), v))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPhoneVerificationRepository_RecordFailedAttempt(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := repositories.NewPhoneVerificationRepository(mock)
	ctx := context.Background()

	t.Run("attempts left", func(t *testing.T) {
		mock.ExpectQuery("UPDATE phone_verifications SET attempts").
			WithArgs("acct-1").
			WillReturnRows(pgxmock.NewRows([]string{"attempts"}).AddRow(2))

		attempts, exhausted, err := repo.RecordFailedAttempt(ctx, "acct-1", 5)
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
		assert.False(t, exhausted)
	})

	t.Run("last attempt deletes the pending number", func(t *testing.T) {
		mock.ExpectQuery("UPDATE phone_verifications SET attempts").
			WithArgs("acct-1").
			WillReturnRows(pgxmock.NewRows([]string{"attempts"}).AddRow(5))
		mock.ExpectExec("DELETE FROM phone_verifications").
			WithArgs("acct-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		attempts, exhausted, err := repo.RecordFailedAttempt(ctx, "acct-1", 5)
		require.NoError(t, err)
		assert.Equal(t, 5, attempts)
		assert.True(t, exhausted)
	})

	t.Run("nothing pending", func(t *testing.T) {
		mock.ExpectQuery("UPDATE phone_verifications SET attempts").
			WithArgs("acct-2").
			WillReturnError(pgx.ErrNoRows)

		_, _, err := repo.RecordFailedAttempt(ctx, "acct-2", 5)
		assert.True(t, errors.Is(err, models.ErrNotFound))
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPhoneVerificationRepository_Confirm(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := repositories.NewPhoneVerificationRepository(mock)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery("DELETE FROM phone_verifications").
		WithArgs("acct-1", "hash", now).
		WillReturnRows(pgxmock.NewRows([]string{"phone_number"}).AddRow("+15555550100"))

	phone, err := repo.Confirm(ctx, "acct-1", "hash", now)
	require.NoError(t, err)
	assert.Equal(t, "+15555550100", phone)

	mock.ExpectQuery("DELETE FROM phone_verifications").
		WithArgs("acct-1", "hash", now).
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.Confirm(ctx, "acct-1", "hash", now)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}
