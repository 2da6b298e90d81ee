package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
)

// SessionRepository defines the interface for session and refresh token persistence
type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.Session, tokenHash string, tokenExpiresAt time.Time, maxSessions int, event *models.AuthEvent) (*repositories.CreatedSession, error)
	Rotate(ctx context.Context, tokenHash, childHash string, childExpiresAt, now time.Time, theftEvent func(*models.TokenReuseError) *models.AuthEvent) (*repositories.RotatedToken, error)
	RevokeFamily(ctx context.Context, familyID, reason string, event *models.AuthEvent, now time.Time) (int64, error)
	RevokeSession(ctx context.Context, sessionID, accountID, reason string, now time.Time) (bool, error)
	RevokeAllForAccount(ctx context.Context, accountID, reason string, now time.Time) (int64, error)
	ListActive(ctx context.Context, accountID string, now time.Time) ([]*models.Session, error)
	IsActive(ctx context.Context, sessionID string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionConfig holds session lifetimes and the per-account cap
type SessionConfig struct {
	TTL                time.Duration
	RefreshTokenExpiry time.Duration
	MaxPerAccount      int
}

// SessionService issues sessions and rotates their refresh tokens
type SessionService struct {
	repo    SessionRepository
	tm      *auth.TokenManager
	config  SessionConfig
	audit   *AuditService
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

func NewSessionService(repo SessionRepository, tm *auth.TokenManager, config SessionConfig, audit *AuditService, recorder *metrics.Recorder, logger *slog.Logger) *SessionService {
	return &SessionService{
		repo:    repo,
		tm:      tm,
		config:  config,
		audit:   audit,
		metrics: recorder,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateSession starts a session with a new refresh token family. When the account is at
// its session cap the oldest sessions are revoked in the same transaction.
func (s *SessionService) CreateSession(ctx context.Context, accountID, deviceID, ipAddress, userAgent string) (*models.IssuedSession, error) {
	refreshToken, err := auth.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	refreshExpiresAt := now.Add(s.config.RefreshTokenExpiry)
	sessionExpiresAt := now.Add(s.config.TTL)
	if refreshExpiresAt.After(sessionExpiresAt) {
		refreshExpiresAt = sessionExpiresAt
	}

	event := s.audit.NewEvent(ctx, models.AuthEventSessionCreated, accountID, nil)
	created, err := s.repo.CreateSession(ctx, &models.Session{
		AccountID: accountID,
		DeviceID:  deviceID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: sessionExpiresAt,
	}, auth.HashOpaqueToken(refreshToken), refreshExpiresAt, s.config.MaxPerAccount, event)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.audit.Log(ctx, event, true, "")

	if len(created.EvictedSessions) > 0 {
		s.logger.Info("session cap reached, evicted oldest sessions",
			slog.String("account_id", accountID),
			slog.Int("evicted", len(created.EvictedSessions)))
	}

	accessToken, accessExpiresAt, err := s.tm.GenerateAccessToken(accountID, created.Session.ID, created.Session.FamilyID)
	if err != nil {
		return nil, err
	}

	return &models.IssuedSession{
		Session:               created.Session,
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  accessExpiresAt,
		RefreshToken:          refreshToken,
		RefreshTokenExpiresAt: created.RefreshToken.ExpiresAt,
	}, nil
}

// Rotate exchanges a refresh token for a new pair. Presenting a token that was already
// rotated revokes its whole family and returns *models.TokenReuseError. Concurrent
// rotations of one token have a single winner; the losers are treated as reuse.
func (s *SessionService) Rotate(ctx context.Context, refreshToken string) (*models.IssuedSession, error) {
	if refreshToken == "" {
		return nil, models.ErrNotFound
	}

	child, err := auth.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	var theft *models.AuthEvent
	rotated, err := s.repo.Rotate(ctx, auth.HashOpaqueToken(refreshToken), auth.HashOpaqueToken(child), now.Add(s.config.RefreshTokenExpiry), now,
		func(reuse *models.TokenReuseError) *models.AuthEvent {
			theft = s.audit.NewEvent(ctx, models.AuthEventTheftDetected, reuse.AccountID, models.AuditMetadata{
				"family_id": reuse.FamilyID,
			})
			return theft
		})
	if err != nil {
		var reuse *models.TokenReuseError
		if errors.As(err, &reuse) {
			s.reportReuse(ctx, reuse, theft)
		}
		return nil, err
	}

	accessToken, accessExpiresAt, err := s.tm.GenerateAccessToken(rotated.Session.AccountID, rotated.Session.ID, rotated.Session.FamilyID)
	if err != nil {
		return nil, err
	}

	return &models.IssuedSession{
		Session:               rotated.Session,
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  accessExpiresAt,
		RefreshToken:          child,
		RefreshTokenExpiresAt: rotated.RefreshToken.ExpiresAt,
	}, nil
}

func (s *SessionService) reportReuse(ctx context.Context, reuse *models.TokenReuseError, event *models.AuthEvent) {
	s.logger.Warn("refresh token reuse detected, family revoked",
		slog.String("account_id", reuse.AccountID),
		slog.String("family_id", reuse.FamilyID),
		slog.Int64("sessions_revoked", reuse.SessionsRevoked))
	s.metrics.TheftDetected()
	if event != nil {
		s.audit.Log(ctx, event, false, "refresh_token_reuse")
	}
}

// RevokeFamily ends every session of a token family
func (s *SessionService) RevokeFamily(ctx context.Context, familyID, accountID, reason string) (int64, error) {
	event := s.audit.NewEvent(ctx, models.AuthEventSessionRevoked, accountID, models.AuditMetadata{
		"family_id": familyID,
		"reason":    reason,
	})
	n, err := s.repo.RevokeFamily(ctx, familyID, reason, event, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}
	s.audit.Log(ctx, event, true, "")
	return n, nil
}

// RevokeSession ends one session of the account
func (s *SessionService) RevokeSession(ctx context.Context, sessionID, accountID, reason string) (bool, error) {
	revoked, err := s.repo.RevokeSession(ctx, sessionID, accountID, reason, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	if revoked {
		s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventSessionRevoked, accountID, models.AuditMetadata{
			"session_id": sessionID,
			"reason":     reason,
		}), true, "")
	}
	return revoked, nil
}

// RevokeAll ends every session of the account
func (s *SessionService) RevokeAll(ctx context.Context, accountID, reason string) (int64, error) {
	n, err := s.repo.RevokeAllForAccount(ctx, accountID, reason, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventSessionRevoked, accountID, models.AuditMetadata{
		"count":  n,
		"reason": reason,
	}), true, "")
	return n, nil
}

// ListSessions returns the live sessions of the account, newest first
func (s *SessionService) ListSessions(ctx context.Context, accountID string) ([]*models.Session, error) {
	sessions, err := s.repo.ListActive(ctx, accountID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// IsSessionActive implements auth.SessionChecker
func (s *SessionService) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	return s.repo.IsActive(ctx, sessionID, s.now())
}

// PurgeExpired deletes sessions that ended more than grace ago
func (s *SessionService) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now().Add(-grace))
}
