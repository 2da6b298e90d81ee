package background

import (
	"context"
	"log/slog"
	"time"
)

// ChallengeSweeper expires and purges MFA challenges
type ChallengeSweeper interface {
	ExpireDue(ctx context.Context) (int, error)
	Purge(ctx context.Context, grace time.Duration) (int64, error)
}

// RateLimitSweeper drops window entries no window can still see
type RateLimitSweeper interface {
	Purge(ctx context.Context, maxWindow time.Duration) (int64, error)
}

// DeviceTrustSweeper removes expired and revoked device trusts
type DeviceTrustSweeper interface {
	PurgeStale(ctx context.Context, grace time.Duration) (int64, error)
}

// SessionSweeper removes ended sessions and their refresh tokens
type SessionSweeper interface {
	PurgeExpired(ctx context.Context, grace time.Duration) (int64, error)
}

// PhoneEnrollmentSweeper drops pending phone numbers whose code expired
type PhoneEnrollmentSweeper interface {
	PurgePendingPhones(ctx context.Context, grace time.Duration) (int64, error)
}

// CleanupConfig controls sweep cadence and how long ended records are retained
type CleanupConfig struct {
	Interval           time.Duration
	Retention          time.Duration // kept after expiry or revocation, for audit lookups
	MaxRateLimitWindow time.Duration
}

// CleanupManager periodically expires challenges and removes stale auth state
type CleanupManager struct {
	challenges ChallengeSweeper
	rateLimits RateLimitSweeper
	devices    DeviceTrustSweeper
	sessions   SessionSweeper
	phones     PhoneEnrollmentSweeper
	config     CleanupConfig
	logger     *slog.Logger
	stopCh     chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	challenges ChallengeSweeper,
	rateLimits RateLimitSweeper,
	devices DeviceTrustSweeper,
	sessions SessionSweeper,
	phones PhoneEnrollmentSweeper,
	config CleanupConfig,
	logger *slog.Logger,
) *CleanupManager {
	return &CleanupManager{
		challenges: challenges,
		rateLimits: rateLimits,
		devices:    devices,
		sessions:   sessions,
		phones:     phones,
		config:     config,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.config.Interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce performs a single sweep. A failing step is logged and does not stop the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if expired, err := cm.challenges.ExpireDue(cleanupCtx); err != nil {
		cm.logger.Error("failed to expire due challenges", slog.Any("error", err))
	} else if expired > 0 {
		cm.logger.Info("expired due challenges", slog.Int("count", expired))
	}

	cm.sweep(cleanupCtx, "mfa_challenges", func(ctx context.Context) (int64, error) {
		return cm.challenges.Purge(ctx, cm.config.Retention)
	})
	cm.sweep(cleanupCtx, "rate_limit_entries", func(ctx context.Context) (int64, error) {
		return cm.rateLimits.Purge(ctx, cm.config.MaxRateLimitWindow)
	})
	cm.sweep(cleanupCtx, "device_trusts", func(ctx context.Context) (int64, error) {
		return cm.devices.PurgeStale(ctx, cm.config.Retention)
	})
	cm.sweep(cleanupCtx, "sessions", func(ctx context.Context) (int64, error) {
		return cm.sessions.PurgeExpired(ctx, cm.config.Retention)
	})
	cm.sweep(cleanupCtx, "phone_verifications", func(ctx context.Context) (int64, error) {
		return cm.phones.PurgePendingPhones(ctx, 0)
	})
}

func (cm *CleanupManager) sweep(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	rowsDeleted, err := fn(ctx)
	if err != nil {
		cm.logger.Error("cleanup failed", slog.String("target", name), slog.Any("error", err))
		return
	}
	if rowsDeleted > 0 {
		cm.logger.Info("cleanup completed", slog.String("target", name), slog.Int64("rows_deleted", rowsDeleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
