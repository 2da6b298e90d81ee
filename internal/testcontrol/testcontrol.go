// Package testcontrol exposes state manipulation hooks for end-to-end tests. It is mounted
// only when ENV=test and must never be wired into a production router.
package testcontrol

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
)

// ChallengeControl forces MFA challenge state transitions
type ChallengeControl interface {
	Expire(ctx context.Context, mfaToken string) (bool, error)
	ExpireForAccount(ctx context.Context, accountID string) (bool, error)
	ResetCooldown(ctx context.Context, accountID string) (bool, error)
}

// EnrollmentControl enrolls factors without the interactive confirmation step
type EnrollmentControl interface {
	EnableTOTPWithSecret(ctx context.Context, accountID, secret string) error
	EnableSMSWithPhone(ctx context.Context, accountID, phone string) error
}

// RateLimitControl inspects and clears rate limit scopes
type RateLimitControl interface {
	Peek(ctx context.Context, scopeKey string, window time.Duration, max int) (*models.RateLimitDecision, error)
	Reset(ctx context.Context, scopeKey string) error
}

// LockoutControl clears the temporary lockout of an account
type LockoutControl interface {
	Reset(ctx context.Context, accountID string) error
}

// Handler serves the test control endpoints
type Handler struct {
	challenges ChallengeControl
	enrollment EnrollmentControl
	limiter    RateLimitControl
	lockout    LockoutControl
	logger     *slog.Logger
}

// NewHandler creates a test control handler
func NewHandler(challenges ChallengeControl, enrollment EnrollmentControl, limiter RateLimitControl, lockout LockoutControl, logger *slog.Logger) *Handler {
	return &Handler{
		challenges: challenges,
		enrollment: enrollment,
		limiter:    limiter,
		lockout:    lockout,
		logger:     logger,
	}
}

// Routes returns a router to be mounted under a test-only prefix
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/challenges/expire", h.ExpireChallenge)
	r.Post("/challenges/reset-cooldown", h.ResetCooldown)
	r.Post("/mfa/totp", h.EnableTOTP)
	r.Post("/mfa/phone", h.EnrollPhone)
	r.Get("/rate-limits", h.PeekRateLimit)
	r.Delete("/rate-limits", h.ResetRateLimit)
	r.Post("/lockout/reset", h.ResetLockout)
	return r
}

type expireChallengeRequest struct {
	MFAToken  string `json:"mfa_token"`
	AccountID string `json:"account_id"`
}

type accountRequest struct {
	AccountID string `json:"account_id"`
}

type enableTOTPRequest struct {
	AccountID string `json:"account_id"`
	Secret    string `json:"secret"`
}

type enrollPhoneRequest struct {
	AccountID   string `json:"account_id"`
	PhoneNumber string `json:"phone_number"`
}

type changedResponse struct {
	Changed bool `json:"changed"`
}

type rateLimitResponse struct {
	Allowed    bool       `json:"allowed"`
	Remaining  int        `json:"remaining"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// ExpireChallenge moves a pending challenge to Expired, addressed by token or account
func (h *Handler) ExpireChallenge(w http.ResponseWriter, r *http.Request) {
	var req expireChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	var (
		changed bool
		err     error
	)
	switch {
	case req.MFAToken != "":
		changed, err = h.challenges.Expire(r.Context(), req.MFAToken)
	case req.AccountID != "":
		changed, err = h.challenges.ExpireForAccount(r.Context(), req.AccountID)
	default:
		pkghttp.WriteBadRequest(w, "mfa_token or account_id is required")
		return
	}
	if err != nil {
		h.fail(w, "expire challenge", err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

// ResetCooldown lets the pending challenge of an account be resent immediately
func (h *Handler) ResetCooldown(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		pkghttp.WriteBadRequest(w, "account_id is required")
		return
	}

	changed, err := h.challenges.ResetCooldown(r.Context(), req.AccountID)
	if err != nil {
		h.fail(w, "reset cooldown", err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

// EnableTOTP stores a known base32 secret so tests can generate codes
func (h *Handler) EnableTOTP(w http.ResponseWriter, r *http.Request) {
	var req enableTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" || req.Secret == "" {
		pkghttp.WriteBadRequest(w, "account_id and secret are required")
		return
	}

	if err := h.enrollment.EnableTOTPWithSecret(r.Context(), req.AccountID, req.Secret); err != nil {
		h.fail(w, "enable totp", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnrollPhone registers a verified phone without a confirmation code
func (h *Handler) EnrollPhone(w http.ResponseWriter, r *http.Request) {
	var req enrollPhoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" || req.PhoneNumber == "" {
		pkghttp.WriteBadRequest(w, "account_id and phone_number are required")
		return
	}

	if err := h.enrollment.EnableSMSWithPhone(r.Context(), req.AccountID, req.PhoneNumber); err != nil {
		h.fail(w, "enroll phone", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PeekRateLimit reports the state of a scope without consuming a slot.
// Query: scope, window (Go duration), max.
func (h *Handler) PeekRateLimit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := q.Get("scope")
	window, werr := time.ParseDuration(q.Get("window"))
	max, merr := strconv.Atoi(q.Get("max"))
	if scope == "" || werr != nil || merr != nil || window <= 0 || max < 1 {
		pkghttp.WriteBadRequest(w, "scope, window and max are required")
		return
	}

	decision, err := h.limiter.Peek(r.Context(), scope, window, max)
	if err != nil {
		h.fail(w, "peek rate limit", err)
		return
	}

	resp := rateLimitResponse{Allowed: decision.Allowed, Remaining: decision.Remaining}
	if !decision.RetryAfter.IsZero() {
		resp.RetryAfter = &decision.RetryAfter
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// ResetRateLimit clears every entry of the scope given by ?scope=
func (h *Handler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		pkghttp.WriteBadRequest(w, "scope is required")
		return
	}

	if err := h.limiter.Reset(r.Context(), scope); err != nil {
		h.fail(w, "reset rate limit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetLockout clears failed attempts and any temporary lock
func (h *Handler) ResetLockout(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		pkghttp.WriteBadRequest(w, "account_id is required")
		return
	}

	if err := h.lockout.Reset(r.Context(), req.AccountID); err != nil {
		h.fail(w, "reset lockout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error("test control operation failed", slog.String("operation", op), slog.Any("error", err))
	pkghttp.WriteInternalError(w, err.Error())
}
