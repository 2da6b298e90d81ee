package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

// LockoutRepository holds the per-account failure counter
type LockoutRepository interface {
	RecordFailure(ctx context.Context, id string, threshold int, lockedUntil, now time.Time) (*models.LockoutState, error)
	ResetFailures(ctx context.Context, id string, now time.Time) error
	GetLockedUntil(ctx context.Context, id string) (*time.Time, error)
}

// LockoutConfig sets when and for how long an account locks
type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

// LockoutService tracks consecutive credential failures and temporary locks
type LockoutService struct {
	repo    LockoutRepository
	config  LockoutConfig
	audit   *AuditService
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

func NewLockoutService(repo LockoutRepository, config LockoutConfig, audit *AuditService, recorder *metrics.Recorder, logger *slog.Logger) *LockoutService {
	return &LockoutService{
		repo:    repo,
		config:  config,
		audit:   audit,
		metrics: recorder,
		logger:  logger,
		now:     time.Now,
	}
}

// RecordFailure counts one failed credential check. The failure that reaches the threshold
// locks the account for the configured duration and emits lockout_triggered.
func (s *LockoutService) RecordFailure(ctx context.Context, accountID string) (*models.LockoutState, error) {
	now := s.now()

	state, err := s.repo.RecordFailure(ctx, accountID, s.config.Threshold, now.Add(s.config.Duration), now)
	if err != nil {
		return nil, fmt.Errorf("failed to record credential failure: %w", err)
	}

	if state.JustLocked {
		s.logger.Warn("account locked after repeated failures",
			slog.String("account_id", accountID),
			slog.Int("failed_attempts", state.FailedAttempts))
		s.metrics.LockoutTriggered()
		s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventLockoutTriggered, accountID, models.AuditMetadata{
			"failed_attempts": state.FailedAttempts,
			"locked_until":    state.LockedUntil.UTC().Format(time.RFC3339),
		}), false, "lockout_threshold_reached")
	}

	return state, nil
}

// Reset clears the failure counter after a successful credential check
func (s *LockoutService) Reset(ctx context.Context, accountID string) error {
	if err := s.repo.ResetFailures(ctx, accountID, s.now()); err != nil {
		return fmt.Errorf("failed to reset credential failures: %w", err)
	}
	return nil
}

// IsLocked reports whether the account is inside an active lock. An expired lock reads
// as unlocked.
func (s *LockoutService) IsLocked(ctx context.Context, accountID string) (bool, *time.Time, error) {
	lockedUntil, err := s.repo.GetLockedUntil(ctx, accountID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to read lock state: %w", err)
	}
	if lockedUntil == nil || !s.now().Before(*lockedUntil) {
		return false, nil, nil
	}
	return true, lockedUntil, nil
}
