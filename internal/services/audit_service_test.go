package services

import (
	"context"
	"errors"
	"testing"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditService_NewEventUsesClientContext(t *testing.T) {
	clock := newTestClock()
	svc := NewAuditService(&MockAuthEventRepository{}, newTestLogger())
	svc.now = clock.Now

	ctx := models.WithClientContext(context.Background(), models.ClientContext{
		IPAddress:     "10.0.0.1",
		UserAgent:     "ua",
		CorrelationID: "corr-9",
	})
	e := svc.NewEvent(ctx, models.AuthEventSigninFailed, "", nil)

	assert.Nil(t, e.AccountID)
	require.NotNil(t, e.IPAddress)
	assert.Equal(t, "10.0.0.1", *e.IPAddress)
	assert.Equal(t, "corr-9", *e.CorrelationID)
	assert.NotNil(t, e.Metadata)
	assert.Equal(t, clock.Now(), e.CreatedAt)
}

func TestAuditService_RecordSwallowsPersistenceErrors(t *testing.T) {
	repo := &MockAuthEventRepository{
		CreateFunc: func(ctx context.Context, e *models.AuthEvent) error {
			return errors.New("db down")
		},
	}
	svc := NewAuditService(repo, newTestLogger())

	assert.NotPanics(t, func() {
		svc.Record(context.Background(), svc.NewEvent(context.Background(), models.AuthEventSigninSucceeded, "acct-1", nil), true, "")
	})
	assert.Empty(t, repo.Types())
}

func TestAuditService_ListForAccount(t *testing.T) {
	repo := &MockAuthEventRepository{}
	svc := NewAuditService(repo, newTestLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.Record(ctx, svc.NewEvent(ctx, models.AuthEventSigninFailed, "acct-1", nil), false, "invalid_credentials")
	}
	svc.Record(ctx, svc.NewEvent(ctx, models.AuthEventSigninSucceeded, "acct-1", nil), true, "")
	svc.Record(ctx, svc.NewEvent(ctx, models.AuthEventSigninSucceeded, "acct-2", nil), true, "")

	t.Run("newest first, scoped to the account", func(t *testing.T) {
		events, err := svc.ListForAccount(ctx, "acct-1", 0)
		require.NoError(t, err)
		require.Len(t, events, 4)
		assert.Equal(t, models.AuthEventSigninSucceeded, events[0].EventType)
	})

	t.Run("limit", func(t *testing.T) {
		events, err := svc.ListForAccount(ctx, "acct-1", 2)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})
}
