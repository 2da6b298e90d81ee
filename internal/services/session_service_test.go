package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionService(repo *fakeSessionRepo, clock *testClock) (*SessionService, *auth.TokenManager) {
	audit := NewAuditService(&MockAuthEventRepository{}, newTestLogger())
	audit.now = clock.Now
	tm := auth.NewTokenManager("test-secret-key-at-least-32-bytes-long", 15*time.Minute)
	svc := NewSessionService(repo, tm, SessionConfig{
		TTL:                12 * time.Hour,
		RefreshTokenExpiry: 24 * time.Hour,
		MaxPerAccount:      2,
	}, audit, nil, newTestLogger())
	svc.now = clock.Now
	return svc, tm
}

func TestSessionService_CreateSession(t *testing.T) {
	clock := newTestClock()
	svc, tm := newTestSessionService(newFakeSessionRepo(), clock)

	issued, err := svc.CreateSession(context.Background(), "acct-1", "device-1", "10.0.0.1", "ua")
	require.NoError(t, err)

	assert.Equal(t, "device-1", issued.Session.DeviceID)
	// Refresh tokens never outlive their session
	assert.Equal(t, issued.Session.ExpiresAt, issued.RefreshTokenExpiresAt)

	claims, err := tm.ValidateToken(issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.Subject)
	assert.Equal(t, issued.Session.ID, claims.SessionID)
}

func TestSessionService_RotateChain(t *testing.T) {
	clock := newTestClock()
	svc, _ := newTestSessionService(newFakeSessionRepo(), clock)
	ctx := context.Background()

	issued, err := svc.CreateSession(ctx, "acct-1", "d", "", "")
	require.NoError(t, err)

	token := issued.RefreshToken
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		next, err := svc.Rotate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, issued.Session.ID, next.Session.ID)
		assert.NotEqual(t, token, next.RefreshToken)
		token = next.RefreshToken
	}
}

func TestSessionService_RotateReuse(t *testing.T) {
	clock := newTestClock()
	repo := newFakeSessionRepo()
	svc, _ := newTestSessionService(repo, clock)
	ctx := context.Background()

	issued, err := svc.CreateSession(ctx, "acct-1", "d", "", "")
	require.NoError(t, err)
	_, err = svc.Rotate(ctx, issued.RefreshToken)
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, issued.RefreshToken)
	var reuse *models.TokenReuseError
	require.True(t, errors.As(err, &reuse))
	assert.Equal(t, "acct-1", reuse.AccountID)
	assert.ErrorIs(t, err, models.ErrTheftDetected)

	assert.Equal(t, int64(1), reuse.SessionsRevoked)

	active, err := svc.IsSessionActive(ctx, issued.Session.ID)
	require.NoError(t, err)
	assert.False(t, active)

	require.Len(t, repo.theftEvents, 1)
	assert.Equal(t, models.AuthEventTheftDetected, repo.theftEvents[0].EventType)
	assert.Equal(t, reuse.FamilyID, repo.theftEvents[0].Metadata["family_id"])
}

func TestSessionService_RotateErrors(t *testing.T) {
	clock := newTestClock()
	svc, _ := newTestSessionService(newFakeSessionRepo(), clock)
	ctx := context.Background()

	_, err := svc.Rotate(ctx, "")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = svc.Rotate(ctx, "never-issued")
	assert.ErrorIs(t, err, models.ErrNotFound)

	issued, err := svc.CreateSession(ctx, "acct-1", "d", "", "")
	require.NoError(t, err)
	_, err = svc.RevokeSession(ctx, issued.Session.ID, "acct-1", models.SessionRevokedLogout)
	require.NoError(t, err)
	_, err = svc.Rotate(ctx, issued.RefreshToken)
	assert.ErrorIs(t, err, models.ErrRefreshTokenRevoked)
}

func TestSessionService_CapAndList(t *testing.T) {
	clock := newTestClock()
	svc, _ := newTestSessionService(newFakeSessionRepo(), clock)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		issued, err := svc.CreateSession(ctx, "acct-1", "d", "", "")
		require.NoError(t, err)
		ids = append(ids, issued.Session.ID)
		clock.Advance(time.Second)
	}

	sessions, err := svc.ListSessions(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.NotEqual(t, ids[0], s.ID)
	}
}

func TestSessionService_RevokeSessionScopedToAccount(t *testing.T) {
	clock := newTestClock()
	svc, _ := newTestSessionService(newFakeSessionRepo(), clock)
	ctx := context.Background()

	issued, err := svc.CreateSession(ctx, "acct-1", "d", "", "")
	require.NoError(t, err)

	revoked, err := svc.RevokeSession(ctx, issued.Session.ID, "acct-2", models.SessionRevokedUser)
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = svc.RevokeSession(ctx, issued.Session.ID, "acct-1", models.SessionRevokedUser)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestSessionService_PurgeExpired(t *testing.T) {
	clock := newTestClock()
	repo := newFakeSessionRepo()
	svc, _ := newTestSessionService(repo, clock)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "acct-1", "d", "", "")
	require.NoError(t, err)

	clock.Advance(12*time.Hour + 2*time.Hour)
	n, err := svc.PurgeExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
