package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/cenkalti/backoff/v4"
)

// RateLimitStore is a sliding-window counter backend (Postgres or Redis)
type RateLimitStore interface {
	CheckAndConsume(ctx context.Context, scopeKey string, window time.Duration, max int, now time.Time) (*models.RateLimitDecision, error)
	Peek(ctx context.Context, scopeKey string, window time.Duration, now time.Time) (*models.RateLimitWindow, error)
	Clear(ctx context.Context, scopeKey string) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RateLimitService applies sliding-window limits to arbitrary scope keys
type RateLimitService struct {
	store       RateLimitStore
	logger      *slog.Logger
	now         func() time.Time
	peekBackoff func() backoff.BackOff
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(store RateLimitStore, logger *slog.Logger) *RateLimitService {
	return &RateLimitService{
		store:  store,
		logger: logger,
		now:    time.Now,
		peekBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 25 * time.Millisecond
			b.MaxInterval = 200 * time.Millisecond
			b.MaxElapsedTime = time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

// SigninScope keys the signin limiter by client address and normalised email
func SigninScope(ip, email string) string {
	return "signin:" + ip + ":" + strings.ToLower(strings.TrimSpace(email))
}

// SMSScope keys the per-account SMS limiter
func SMSScope(accountID string) string {
	return "sms:" + accountID
}

// CheckAndConsume admits the request if fewer than max requests fall inside the trailing
// window, recording it when admitted. It is never retried: a retry after an ambiguous
// failure could consume two slots.
func (s *RateLimitService) CheckAndConsume(ctx context.Context, scopeKey string, window time.Duration, max int) (*models.RateLimitDecision, error) {
	decision, err := s.store.CheckAndConsume(ctx, scopeKey, window, max, s.now())
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	if !decision.Allowed {
		s.logger.Info("rate limit exceeded",
			slog.String("scope", scopePrefix(scopeKey)),
			slog.Time("retry_after", decision.RetryAfter))
	}
	return decision, nil
}

// Peek reports what CheckAndConsume would decide without consuming a slot.
// Store reads are retried with bounded exponential backoff.
func (s *RateLimitService) Peek(ctx context.Context, scopeKey string, window time.Duration, max int) (*models.RateLimitDecision, error) {
	now := s.now()

	var w *models.RateLimitWindow
	op := func() error {
		var err error
		w, err = s.store.Peek(ctx, scopeKey, window, now)
		return err
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("rate limit peek failed, retrying",
			slog.String("scope", scopePrefix(scopeKey)),
			slog.Duration("backoff", next),
			slog.Any("error", err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.peekBackoff(), ctx), notify); err != nil {
		return nil, fmt.Errorf("rate limit peek failed: %w", err)
	}

	decision := &models.RateLimitDecision{
		Allowed:   w.Count < max,
		Remaining: max - w.Count,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if !decision.Allowed {
		if w.Oldest != nil {
			decision.RetryAfter = w.Oldest.Add(window)
		} else {
			decision.RetryAfter = now.Add(window)
		}
	}
	return decision, nil
}

// Reset drops every recorded request for a scope key
func (s *RateLimitService) Reset(ctx context.Context, scopeKey string) error {
	if err := s.store.Clear(ctx, scopeKey); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

// Purge removes entries older than the longest window in use
func (s *RateLimitService) Purge(ctx context.Context, maxWindow time.Duration) (int64, error) {
	return s.store.PurgeBefore(ctx, s.now().Add(-maxWindow))
}

// scopePrefix keeps emails and addresses out of logs
func scopePrefix(scopeKey string) string {
	if i := strings.IndexByte(scopeKey, ':'); i > 0 {
		return scopeKey[:i]
	}
	return scopeKey
}
