package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// AuditServiceInterface reads the auth event log
type AuditServiceInterface interface {
	ListForAccount(ctx context.Context, accountID string, limit int) ([]*models.AuthEvent, error)
}

// AuditHandler handles audit log HTTP requests
type AuditHandler struct {
	service AuditServiceInterface
	logger  *slog.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(service AuditServiceInterface, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{service: service, logger: logger}
}

// AuthEventResponse represents an auth event in HTTP response
type AuthEventResponse struct {
	ID            string                 `json:"id"`
	EventType     string                 `json:"event_type"`
	CorrelationID *string                `json:"correlation_id,omitempty"`
	IPAddress     *string                `json:"ip_address,omitempty"`
	UserAgent     *string                `json:"user_agent,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     string                 `json:"created_at"`
}

// ListEventsResponse wraps a page of events
type ListEventsResponse struct {
	Events []*AuthEventResponse `json:"events"`
	Limit  int                  `json:"limit"`
}

// ListEvents handles GET /auth/events, the caller's own recent security history
func (h *AuditHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 || l > 100 {
			pkghttp.WriteBadRequest(w, "limit must be between 1 and 100")
			return
		}
		limit = l
	}

	events, err := h.service.ListForAccount(r.Context(), claims.AccountID, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list auth events", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	response := ListEventsResponse{
		Events: make([]*AuthEventResponse, len(events)),
		Limit:  limit,
	}
	for i, e := range events {
		response.Events[i] = authEventToResponse(e)
	}
	pkghttp.WriteJSON(w, http.StatusOK, response)
}

func authEventToResponse(e *models.AuthEvent) *AuthEventResponse {
	return &AuthEventResponse{
		ID:            e.ID.String(),
		EventType:     e.EventType,
		CorrelationID: e.CorrelationID,
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}
