package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

// AuthEventRepository persists audit events
type AuthEventRepository interface {
	Create(ctx context.Context, e *models.AuthEvent) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.AuthEvent, error)
}

const (
	defaultEventPageSize = 50
	maxEventPageSize     = 100
)

// AuditService handles audit logging with dual-write pattern (slog + database)
type AuditService struct {
	repo        AuthEventRepository
	auditLogger *pkglogger.AuditLogger
	logger      *slog.Logger
	now         func() time.Time
}

// NewAuditService creates a new AuditService
func NewAuditService(repo AuthEventRepository, logger *slog.Logger) *AuditService {
	return &AuditService{
		repo:        repo,
		auditLogger: pkglogger.NewAuditLogger(logger),
		logger:      logger,
		now:         time.Now,
	}
}

// NewEvent builds an event stamped with the caller context carried by ctx
func (s *AuditService) NewEvent(ctx context.Context, eventType, accountID string, metadata models.AuditMetadata) *models.AuthEvent {
	cc := models.ClientContextFrom(ctx)
	if metadata == nil {
		metadata = models.AuditMetadata{}
	}

	return &models.AuthEvent{
		EventType:     eventType,
		AccountID:     optionalString(accountID),
		CorrelationID: optionalString(cc.CorrelationID),
		IPAddress:     optionalString(cc.IPAddress),
		UserAgent:     optionalString(cc.UserAgent),
		Metadata:      metadata,
		CreatedAt:     s.now(),
	}
}

// Record writes the event to the log and persists it. Persistence failures are logged
// and never fail the calling flow.
func (s *AuditService) Record(ctx context.Context, e *models.AuthEvent, success bool, failureReason string) {
	s.Log(ctx, e, success, failureReason)

	if s.repo == nil {
		return
	}
	if err := s.repo.Create(ctx, e); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist auth event",
			slog.String("event_type", e.EventType),
			slog.Any("error", err),
		)
	}
}

// Log writes the slog half only. Used for events already appended inside a repository
// transaction.
func (s *AuditService) Log(ctx context.Context, e *models.AuthEvent, success bool, failureReason string) {
	s.auditLogger.LogAuthEvent(ctx, pkglogger.AuditEvent{
		EventType:     e.EventType,
		AccountID:     derefString(e.AccountID),
		CorrelationID: derefString(e.CorrelationID),
		IPAddress:     derefString(e.IPAddress),
		UserAgent:     derefString(e.UserAgent),
		Success:       success,
		FailureReason: failureReason,
		Metadata:      e.Metadata,
	})
}

// ListForAccount returns the account's most recent events, newest first. limit is clamped
// to [1, 100]; zero or less selects the default of 50.
func (s *AuditService) ListForAccount(ctx context.Context, accountID string, limit int) ([]*models.AuthEvent, error) {
	switch {
	case limit <= 0:
		limit = defaultEventPageSize
	case limit > maxEventPageSize:
		limit = maxEventPageSize
	}

	events, err := s.repo.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list auth events: %w", err)
	}
	return events, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
