//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/BradenHooton/gatekeeper/internal/services"
)

func TestLockout_ConcurrentFailuresLockExactlyOnce(t *testing.T) {
	const threshold = 5
	ts := freshServer(t, TestServerOptions{LockoutThreshold: threshold})
	ctx := context.Background()

	account, err := SeedAccount(ctx, testDB.Pool, TestEmail("lock"), TestPassword, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var justLocked atomic.Int32
	for i := 0; i < threshold; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := ts.Lockout.RecordFailure(ctx, account.ID)
			if assert.NoError(t, err) && state.JustLocked {
				justLocked.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), justLocked.Load())

	locked, until, err := ts.Lockout.IsLocked(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, locked)
	require.NotNil(t, until)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), *until, time.Minute)

	n, err := CountAuthEvents(ctx, testDB.Pool, account.ID, models.AuthEventLockoutTriggered)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLockout_CorrectPasswordRejectedWhileLocked(t *testing.T) {
	ts := freshServer(t, TestServerOptions{LockoutThreshold: 3})
	ctx := context.Background()

	email := TestEmail("locked")
	account, err := SeedAccount(ctx, testDB.Pool, email, TestPassword, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, err := ts.Request("POST", "/auth/signin", handlers.SigninRequest{Email: email, Password: "wrong-password"}, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := ts.Request("POST", "/auth/signin", handlers.SigninRequest{Email: email, Password: TestPassword}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	code, err := GetErrorCode(resp)
	require.NoError(t, err)
	assert.Equal(t, "account_locked", code)

	// Unlocking through the test surface restores access
	resp, err = ts.Request("POST", "/test-control/lockout/reset", map[string]string{"account_id": account.ID}, nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = ts.Request("POST", "/auth/signin", handlers.SigninRequest{Email: email, Password: TestPassword}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRateLimit_ConcurrentConsumersNeverExceedMax(t *testing.T) {
	stores := map[string]services.RateLimitStore{
		"postgres": repositories.NewRateLimitRepository(testDB.Pool),
		"redis":    repositories.NewRedisRateLimitRepository(testRedis.Client),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			limiter := services.NewRateLimitService(store, quietLogger())
			scope := fmt.Sprintf("signin:203.0.113.7:%s", TestEmail(name))
			const max = 5

			var wg sync.WaitGroup
			var allowed atomic.Int32
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					decision, err := limiter.CheckAndConsume(ctx, scope, time.Minute, max)
					if assert.NoError(t, err) && decision.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(max), allowed.Load())

			peek, err := limiter.Peek(ctx, scope, time.Minute, max)
			require.NoError(t, err)
			assert.False(t, peek.Allowed)
			assert.Equal(t, 0, peek.Remaining)
			assert.True(t, peek.RetryAfter.After(time.Now()))

			require.NoError(t, limiter.Reset(ctx, scope))
			peek, err = limiter.Peek(ctx, scope, time.Minute, max)
			require.NoError(t, err)
			assert.True(t, peek.Allowed)
			assert.Equal(t, max, peek.Remaining)
		})
	}
}

func TestRateLimit_SigninLimitOverHTTPWithRedis(t *testing.T) {
	ts := freshServer(t, TestServerOptions{
		SigninMaxRequests: 2,
		RateLimitStore:    repositories.NewRedisRateLimitRepository(testRedis.Client),
	})
	ctx := context.Background()

	email := TestEmail("redis")
	_, err := SeedAccount(ctx, testDB.Pool, email, TestPassword, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, err := ts.Request("POST", "/auth/signin", handlers.SigninRequest{Email: email, Password: "wrong-password"}, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := ts.Request("POST", "/auth/signin", handlers.SigninRequest{Email: email, Password: TestPassword}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	code, err := GetErrorCode(resp)
	require.NoError(t, err)
	assert.Equal(t, "rate_limit_exceeded", code)
}

func TestRefreshRotation_ConcurrentPresentationsHaveOneWinner(t *testing.T) {
	ts := freshServer(t, TestServerOptions{})
	ctx := context.Background()

	account, err := SeedAccount(ctx, testDB.Pool, TestEmail("rotate"), TestPassword, "")
	require.NoError(t, err)

	issued, err := ts.Sessions.CreateSession(ctx, account.ID, "device-1", "203.0.113.9", "integration")
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	var winners, reuse atomic.Int32
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := ts.Sessions.Rotate(ctx, issued.RefreshToken)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, models.ErrTheftDetected):
				reuse.Add(1)
			default:
				t.Errorf("unexpected rotate error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(racers-1), reuse.Load())

	// Losing presentations count as reuse, so the family is gone
	active, err := ts.Sessions.IsSessionActive(ctx, issued.Session.ID)
	require.NoError(t, err)
	assert.False(t, active)

	n, err := CountAuthEvents(ctx, testDB.Pool, account.ID, models.AuthEventTheftDetected)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}
