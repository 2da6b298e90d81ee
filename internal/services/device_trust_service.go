package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

// DeviceTrustRepository defines the interface for device trust persistence
type DeviceTrustRepository interface {
	Create(ctx context.Context, d *models.DeviceTrust) (*models.DeviceTrust, error)
	Touch(ctx context.Context, tokenHash, accountID string, now time.Time) (string, error)
	ListActive(ctx context.Context, accountID string, now time.Time) ([]*models.DeviceTrust, error)
	RevokeByTokenHash(ctx context.Context, tokenHash, accountID string, reason models.DeviceRevocationReason, now time.Time) (string, error)
	RevokeByID(ctx context.Context, id, accountID string, reason models.DeviceRevocationReason, now time.Time) (bool, error)
	RevokeAll(ctx context.Context, accountID string, reason models.DeviceRevocationReason, now time.Time) (int64, error)
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeviceTrustService issues and checks the tokens that let a known device skip MFA
type DeviceTrustService struct {
	repo   DeviceTrustRepository
	ttl    time.Duration
	audit  *AuditService
	logger *slog.Logger
	now    func() time.Time
}

func NewDeviceTrustService(repo DeviceTrustRepository, ttl time.Duration, audit *AuditService, logger *slog.Logger) *DeviceTrustService {
	return &DeviceTrustService{
		repo:   repo,
		ttl:    ttl,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
}

// Issue creates a trust record for the device and returns its plaintext token once
func (s *DeviceTrustService) Issue(ctx context.Context, accountID string, dc models.DeviceContext) (*models.IssuedDeviceTrust, error) {
	token, err := auth.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	created, err := s.repo.Create(ctx, &models.DeviceTrust{
		AccountID:  accountID,
		TokenHash:  auth.HashOpaqueToken(token),
		DeviceName: dc.DeviceName,
		UserAgent:  dc.UserAgent,
		IPAddress:  dc.IPAddress,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue device trust: %w", err)
	}

	s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventDeviceTrusted, accountID, models.AuditMetadata{
		"device_id": created.ID,
	}), true, "")

	return &models.IssuedDeviceTrust{
		DeviceID:  created.ID,
		Token:     token,
		ExpiresAt: created.ExpiresAt,
	}, nil
}

// ValidateDevice returns the device id when token is a live trust token owned by
// accountID, marking it used. ErrDeviceNotTrusted otherwise.
func (s *DeviceTrustService) ValidateDevice(ctx context.Context, token, accountID string) (string, error) {
	if token == "" {
		return "", models.ErrDeviceNotTrusted
	}

	id, err := s.repo.Touch(ctx, auth.HashOpaqueToken(token), accountID, s.now())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", models.ErrDeviceNotTrusted
		}
		return "", fmt.Errorf("failed to validate device trust: %w", err)
	}
	return id, nil
}

// Validate reports whether token lets accountID skip MFA
func (s *DeviceTrustService) Validate(ctx context.Context, token, accountID string) (bool, error) {
	_, err := s.ValidateDevice(ctx, token, accountID)
	if err != nil {
		if errors.Is(err, models.ErrDeviceNotTrusted) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns the live trusted devices of an account
func (s *DeviceTrustService) List(ctx context.Context, accountID string) ([]models.DeviceTrustInfo, error) {
	devices, err := s.repo.ListActive(ctx, accountID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list trusted devices: %w", err)
	}

	infos := make([]models.DeviceTrustInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, d.Info())
	}
	return infos, nil
}

// Revoke revokes one device of the account. Returns false when the device is unknown,
// owned by another account, or already revoked.
func (s *DeviceTrustService) Revoke(ctx context.Context, deviceID, accountID string, reason models.DeviceRevocationReason) (bool, error) {
	if !reason.Valid() {
		return false, models.ErrBadRequest
	}

	revoked, err := s.repo.RevokeByID(ctx, deviceID, accountID, reason, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to revoke device: %w", err)
	}
	if revoked {
		s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventDeviceRevoked, accountID, models.AuditMetadata{
			"device_id": deviceID,
			"reason":    string(reason),
		}), true, "")
	}
	return revoked, nil
}

// RevokeToken revokes the device presenting token
func (s *DeviceTrustService) RevokeToken(ctx context.Context, token, accountID string, reason models.DeviceRevocationReason) (bool, error) {
	if !reason.Valid() {
		return false, models.ErrBadRequest
	}

	id, err := s.repo.RevokeByTokenHash(ctx, auth.HashOpaqueToken(token), accountID, reason, s.now())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to revoke device: %w", err)
	}

	s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventDeviceRevoked, accountID, models.AuditMetadata{
		"device_id": id,
		"reason":    string(reason),
	}), true, "")
	return true, nil
}

// RevokeAll revokes every device of the account
func (s *DeviceTrustService) RevokeAll(ctx context.Context, accountID string, reason models.DeviceRevocationReason) (int64, error) {
	if !reason.Valid() {
		return 0, models.ErrBadRequest
	}

	n, err := s.repo.RevokeAll(ctx, accountID, reason, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke devices: %w", err)
	}
	if n > 0 {
		s.audit.Record(ctx, s.audit.NewEvent(ctx, models.AuthEventDeviceRevoked, accountID, models.AuditMetadata{
			"count":  n,
			"reason": string(reason),
		}), true, "")
	}
	return n, nil
}

// PurgeStale deletes records that expired or were revoked longer than grace ago
func (s *DeviceTrustService) PurgeStale(ctx context.Context, grace time.Duration) (int64, error) {
	return s.repo.DeleteStale(ctx, s.now().Add(-grace))
}
