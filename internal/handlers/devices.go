package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// DeviceTrustServiceInterface manages the trusted devices of the caller
type DeviceTrustServiceInterface interface {
	List(ctx context.Context, accountID string) ([]models.DeviceTrustInfo, error)
	Revoke(ctx context.Context, deviceID, accountID string, reason models.DeviceRevocationReason) (bool, error)
	RevokeAll(ctx context.Context, accountID string, reason models.DeviceRevocationReason) (int64, error)
}

// DeviceHandler exposes device trust management
type DeviceHandler struct {
	service DeviceTrustServiceInterface
	cookies auth.CookieConfig
	logger  *slog.Logger
}

// NewDeviceHandler creates a new DeviceHandler
func NewDeviceHandler(service DeviceTrustServiceInterface, cookies auth.CookieConfig, logger *slog.Logger) *DeviceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceHandler{service: service, cookies: cookies, logger: logger}
}

// RevokeDevicesResponse reports how many device trusts were revoked
type RevokeDevicesResponse struct {
	Revoked int64 `json:"revoked"`
}

// List handles GET /auth/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	devices, err := h.service.List(r.Context(), claims.AccountID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list trusted devices", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	if devices == nil {
		devices = []models.DeviceTrustInfo{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, devices)
}

// Revoke handles DELETE /auth/devices/{id}
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	deviceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		pkghttp.WriteBadRequest(w, "invalid device ID")
		return
	}

	revoked, err := h.service.Revoke(r.Context(), deviceID.String(), claims.AccountID, models.DeviceRevokedUserSingle)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to revoke trusted device", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	if !revoked {
		// Unknown IDs and devices of other accounts look the same
		pkghttp.WriteNotFound(w, "Device not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeAll handles DELETE /auth/devices
func (h *DeviceHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	n, err := h.service.RevokeAll(r.Context(), claims.AccountID, models.DeviceRevokedUserAll)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to revoke trusted devices", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	auth.ClearDeviceTrustCookie(w, h.cookies)
	pkghttp.WriteJSON(w, http.StatusOK, RevokeDevicesResponse{Revoked: n})
}
