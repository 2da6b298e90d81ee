package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "correct horse battery staple"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock is a settable clock shared by every service under test
type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newTestClock() *testClock {
	return &testClock{cur: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

// NewTestAccount returns an active account whose password is testPassword
func NewTestAccount(t *testing.T, id, email string) *models.Account {
	t.Helper()
	hash, err := pkgauth.HashPasswordWithCost(testPassword, bcrypt.MinCost)
	require.NoError(t, err)
	return &models.Account{
		ID:           id,
		Email:        email,
		PasswordHash: hash,
		Status:       models.AccountStatusActive,
	}
}

// ============================================================================
// Accounts
// ============================================================================

// fakeAccountStore keeps accounts in memory and serves the account, lockout, and
// enrollment repository interfaces
type fakeAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account

	GetByEmailErr error
	getByEmail    int
}

func newFakeAccountStore(accounts ...*models.Account) *fakeAccountStore {
	f := &fakeAccountStore{accounts: make(map[string]*models.Account)}
	for _, a := range accounts {
		f.accounts[a.ID] = a
	}
	return f
}

func (f *fakeAccountStore) get(id string) *models.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

func (f *fakeAccountStore) update(id string, fn func(a *models.Account)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return models.ErrNotFound
	}
	fn(a)
	return nil
}

func (f *fakeAccountStore) GetByID(ctx context.Context, id string) (*models.Account, error) {
	if a := f.get(id); a != nil {
		return a, nil
	}
	return nil, models.ErrNotFound
}

func (f *fakeAccountStore) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getByEmail++
	if f.GetByEmailErr != nil {
		return nil, f.GetByEmailErr
	}
	for _, a := range f.accounts {
		if strings.EqualFold(a.Email, email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeAccountStore) RecordFailure(ctx context.Context, id string, threshold int, lockedUntil, now time.Time) (*models.LockoutState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}

	wasLocked := a.LockedUntil != nil && now.Before(*a.LockedUntil)
	if a.LockedUntil != nil && !wasLocked {
		a.FailedAttempts = 1
		a.LockedUntil = nil
	} else {
		a.FailedAttempts++
	}
	if !wasLocked && a.FailedAttempts >= threshold {
		until := lockedUntil
		a.LockedUntil = &until
	}

	state := &models.LockoutState{
		FailedAttempts: a.FailedAttempts,
		LockedUntil:    a.LockedUntil,
		JustLocked:     !wasLocked && a.LockedUntil != nil,
	}
	state.Locked = state.LockedUntil != nil && now.Before(*state.LockedUntil)
	state.RemainingAttempts = threshold - state.FailedAttempts
	if state.RemainingAttempts < 0 || state.Locked {
		state.RemainingAttempts = 0
	}
	return state, nil
}

func (f *fakeAccountStore) ResetFailures(ctx context.Context, id string, now time.Time) error {
	return f.update(id, func(a *models.Account) {
		if a.LockedUntil != nil && now.Before(*a.LockedUntil) {
			return
		}
		a.FailedAttempts = 0
		a.LockedUntil = nil
	})
}

func (f *fakeAccountStore) GetLockedUntil(ctx context.Context, id string) (*time.Time, error) {
	a := f.get(id)
	if a == nil {
		return nil, models.ErrNotFound
	}
	return a.LockedUntil, nil
}

func (f *fakeAccountStore) SetPendingTOTP(ctx context.Context, id string, encrypted, nonce []byte) error {
	return f.update(id, func(a *models.Account) {
		a.TOTPPendingSecret, a.TOTPPendingNonce = encrypted, nonce
	})
}

func (f *fakeAccountStore) ConfirmTOTP(ctx context.Context, id string) error {
	var pending bool
	err := f.update(id, func(a *models.Account) {
		if len(a.TOTPPendingSecret) == 0 {
			return
		}
		pending = true
		a.TOTPSecretEncrypted, a.TOTPSecretNonce = a.TOTPPendingSecret, a.TOTPPendingNonce
		a.TOTPPendingSecret, a.TOTPPendingNonce = nil, nil
	})
	if err != nil {
		return err
	}
	if !pending {
		return models.ErrNotFound
	}
	return nil
}

func (f *fakeAccountStore) SetTOTPSecret(ctx context.Context, id string, encrypted, nonce []byte) error {
	return f.update(id, func(a *models.Account) {
		a.TOTPSecretEncrypted, a.TOTPSecretNonce = encrypted, nonce
		a.TOTPPendingSecret, a.TOTPPendingNonce = nil, nil
	})
}

func (f *fakeAccountStore) SetPhone(ctx context.Context, id, phone string, verified bool) error {
	return f.update(id, func(a *models.Account) {
		a.PhoneNumber = &phone
		a.PhoneVerified = verified
	})
}

func (f *fakeAccountStore) SetPreferredMFAMethod(ctx context.Context, id string, method *models.MFAMethod) error {
	return f.update(id, func(a *models.Account) {
		a.PreferredMFAMethod = method
	})
}

// fakePhoneVerifications keeps pending phone numbers and promotes them onto the
// account store when confirmed
type fakePhoneVerifications struct {
	mu       sync.Mutex
	accounts *fakeAccountStore
	pending  map[string]*models.PhoneVerification
}

func newFakePhoneVerifications(accounts *fakeAccountStore) *fakePhoneVerifications {
	return &fakePhoneVerifications{accounts: accounts, pending: make(map[string]*models.PhoneVerification)}
}

func (f *fakePhoneVerifications) Upsert(ctx context.Context, v *models.PhoneVerification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *v
	cp.Attempts = 0
	f.pending[v.AccountID] = &cp
	return nil
}

func (f *fakePhoneVerifications) Get(ctx context.Context, accountID string) (*models.PhoneVerification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.pending[accountID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakePhoneVerifications) RecordFailedAttempt(ctx context.Context, accountID string, maxAttempts int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.pending[accountID]
	if !ok {
		return 0, false, models.ErrNotFound
	}
	v.Attempts++
	if v.Attempts >= maxAttempts {
		delete(f.pending, accountID)
		return v.Attempts, true, nil
	}
	return v.Attempts, false, nil
}

func (f *fakePhoneVerifications) Confirm(ctx context.Context, accountID, codeHash string, now time.Time) (string, error) {
	f.mu.Lock()
	v, ok := f.pending[accountID]
	if !ok || v.CodeHash != codeHash || !now.Before(v.ExpiresAt) {
		f.mu.Unlock()
		return "", models.ErrNotFound
	}
	delete(f.pending, accountID)
	f.mu.Unlock()

	if err := f.accounts.SetPhone(ctx, accountID, v.Phone, true); err != nil {
		return "", err
	}
	return v.Phone, nil
}

func (f *fakePhoneVerifications) Delete(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, accountID)
	return nil
}

func (f *fakePhoneVerifications) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, v := range f.pending {
		if v.ExpiresAt.Before(cutoff) {
			delete(f.pending, id)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Rate limits
// ============================================================================

// fakeRateLimitStore is an in-memory sliding window log
type fakeRateLimitStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time

	CheckErr  error
	PeekErrs  []error // returned in order by successive Peek calls
	peekCalls int
}

func newFakeRateLimitStore() *fakeRateLimitStore {
	return &fakeRateLimitStore{entries: make(map[string][]time.Time)}
}

func (f *fakeRateLimitStore) inWindow(scopeKey string, window time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	var live []time.Time
	for _, ts := range f.entries[scopeKey] {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Before(live[j]) })
	return live
}

func (f *fakeRateLimitStore) CheckAndConsume(ctx context.Context, scopeKey string, window time.Duration, max int, now time.Time) (*models.RateLimitDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CheckErr != nil {
		return nil, f.CheckErr
	}

	live := f.inWindow(scopeKey, window, now)
	if len(live) >= max {
		return &models.RateLimitDecision{RetryAfter: live[0].Add(window)}, nil
	}
	f.entries[scopeKey] = append(f.entries[scopeKey], now)
	return &models.RateLimitDecision{Allowed: true, Remaining: max - len(live) - 1}, nil
}

// count returns every entry recorded for scopeKey
func (f *fakeRateLimitStore) count(scopeKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries[scopeKey])
}

func (f *fakeRateLimitStore) Peek(ctx context.Context, scopeKey string, window time.Duration, now time.Time) (*models.RateLimitWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peekCalls < len(f.PeekErrs) {
		err := f.PeekErrs[f.peekCalls]
		f.peekCalls++
		if err != nil {
			return nil, err
		}
	} else {
		f.peekCalls++
	}

	live := f.inWindow(scopeKey, window, now)
	w := &models.RateLimitWindow{Count: len(live)}
	if len(live) > 0 {
		oldest := live[0]
		w.Oldest = &oldest
	}
	return w, nil
}

func (f *fakeRateLimitStore) Clear(ctx context.Context, scopeKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, scopeKey)
	return nil
}

func (f *fakeRateLimitStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for key, list := range f.entries {
		var keep []time.Time
		for _, ts := range list {
			if ts.After(cutoff) {
				keep = append(keep, ts)
			} else {
				n++
			}
		}
		f.entries[key] = keep
	}
	return n, nil
}

// ============================================================================
// MFA challenges
// ============================================================================

type usedCodeKey struct {
	accountID string
	codeHash  string
	windowID  int64
}

// fakeChallengeRepo keeps at most one challenge per account
type fakeChallengeRepo struct {
	mu         sync.Mutex
	byAccount  map[string]*models.MFAChallenge
	usedCodes  map[usedCodeKey]time.Time
	ConsumeErr error
}

func newFakeChallengeRepo() *fakeChallengeRepo {
	return &fakeChallengeRepo{
		byAccount: make(map[string]*models.MFAChallenge),
		usedCodes: make(map[usedCodeKey]time.Time),
	}
}

func (f *fakeChallengeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byAccount)
}

func (f *fakeChallengeRepo) forAccount(accountID string) *models.MFAChallenge {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byAccount[accountID]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (f *fakeChallengeRepo) Replace(ctx context.Context, c *models.MFAChallenge, event *models.AuthEvent, deliver func(context.Context) error) (*models.MFAChallenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if deliver != nil {
		if err := deliver(ctx); err != nil {
			return nil, err
		}
	}
	cp := *c
	cp.ID = uuid.NewString()
	cp.FailedAttempts = 0
	cp.ExpiredAt = nil
	f.byAccount[c.AccountID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeChallengeRepo) byHash(tokenHash string) *models.MFAChallenge {
	for _, c := range f.byAccount {
		if c.TokenHash == tokenHash {
			return c
		}
	}
	return nil
}

func (f *fakeChallengeRepo) byID(id string) *models.MFAChallenge {
	for _, c := range f.byAccount {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (f *fakeChallengeRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*models.MFAChallenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byHash(tokenHash)
	if c == nil {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeChallengeRepo) RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, now time.Time) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID(id)
	if c == nil || c.ExpiredAt != nil {
		return 0, false, models.ErrNotFound
	}
	c.FailedAttempts++
	if c.FailedAttempts >= maxAttempts {
		c.ExpiredAt = &now
		return c.FailedAttempts, true, nil
	}
	return c.FailedAttempts, false, nil
}

func (f *fakeChallengeRepo) Consume(ctx context.Context, c *models.MFAChallenge, codeHash string, windowID int64, usedUntil time.Time, event *models.AuthEvent, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConsumeErr != nil {
		return f.ConsumeErr
	}

	key := usedCodeKey{accountID: c.AccountID, codeHash: codeHash, windowID: windowID}
	if _, used := f.usedCodes[key]; used {
		return models.ErrMFACodeReplayed
	}
	stored := f.byID(c.ID)
	if stored == nil || stored.ExpiredAt != nil || !now.Before(stored.ExpiresAt) {
		return models.ErrChallengeNotFound
	}
	f.usedCodes[key] = usedUntil
	delete(f.byAccount, c.AccountID)
	return nil
}

func (f *fakeChallengeRepo) ClaimResend(ctx context.Context, id, codeHash string, cooldown time.Duration, now time.Time) (*time.Time, *string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID(id)
	if c == nil || c.ExpiredAt != nil || (c.LastSentAt != nil && now.Before(c.LastSentAt.Add(cooldown))) {
		return nil, nil, models.ErrResendCooldown
	}
	prevSent, prevHash := c.LastSentAt, c.SMSCodeHash
	sent := now
	c.LastSentAt = &sent
	c.SMSCodeHash = &codeHash
	return prevSent, prevHash, nil
}

func (f *fakeChallengeRepo) RestoreResend(ctx context.Context, id string, claimedAt time.Time, prevSentAt *time.Time, prevHash *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID(id)
	if c != nil && c.LastSentAt != nil && c.LastSentAt.Equal(claimedAt) {
		c.LastSentAt = prevSentAt
		c.SMSCodeHash = prevHash
	}
	return nil
}

func (f *fakeChallengeRepo) Expire(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byHash(tokenHash)
	if c == nil || c.ExpiredAt != nil {
		return false, nil
	}
	c.ExpiredAt = &now
	return true, nil
}

func (f *fakeChallengeRepo) ExpireForAccount(ctx context.Context, accountID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byAccount[accountID]
	if !ok || c.ExpiredAt != nil {
		return false, nil
	}
	c.ExpiredAt = &now
	return true, nil
}

func (f *fakeChallengeRepo) ResetCooldown(ctx context.Context, accountID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byAccount[accountID]
	if !ok || c.ExpiredAt != nil {
		return false, nil
	}
	c.LastSentAt = nil
	return true, nil
}

func (f *fakeChallengeRepo) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for accountID, c := range f.byAccount {
		if c.ExpiredAt == nil && !now.Before(c.ExpiresAt) {
			expiredAt := now
			c.ExpiredAt = &expiredAt
			ids = append(ids, accountID)
		}
	}
	return ids, nil
}

func (f *fakeChallengeRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for accountID, c := range f.byAccount {
		if c.ExpiredAt != nil && c.ExpiredAt.Before(cutoff) {
			delete(f.byAccount, accountID)
			n++
		}
	}
	return n, nil
}

func (f *fakeChallengeRepo) PurgeUsedCodes(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for key, until := range f.usedCodes {
		if !until.After(now) {
			delete(f.usedCodes, key)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Device trust
// ============================================================================

type fakeDeviceTrustRepo struct {
	mu      sync.Mutex
	devices map[string]*models.DeviceTrust

	TouchErr error
}

func newFakeDeviceTrustRepo() *fakeDeviceTrustRepo {
	return &fakeDeviceTrustRepo{devices: make(map[string]*models.DeviceTrust)}
}

func (f *fakeDeviceTrustRepo) Create(ctx context.Context, d *models.DeviceTrust) (*models.DeviceTrust, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	cp.ID = uuid.NewString()
	f.devices[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeDeviceTrustRepo) live(d *models.DeviceTrust, now time.Time) bool {
	return d.RevokedAt == nil && now.Before(d.ExpiresAt)
}

func (f *fakeDeviceTrustRepo) Touch(ctx context.Context, tokenHash, accountID string, now time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TouchErr != nil {
		return "", f.TouchErr
	}
	for _, d := range f.devices {
		if d.TokenHash == tokenHash && d.AccountID == accountID && f.live(d, now) {
			used := now
			d.LastUsedAt = &used
			return d.ID, nil
		}
	}
	return "", models.ErrNotFound
}

func (f *fakeDeviceTrustRepo) ListActive(ctx context.Context, accountID string, now time.Time) ([]*models.DeviceTrust, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.DeviceTrust
	for _, d := range f.devices {
		if d.AccountID == accountID && f.live(d, now) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDeviceTrustRepo) revoke(d *models.DeviceTrust, reason models.DeviceRevocationReason, now time.Time) {
	at := now
	d.RevokedAt = &at
	d.RevokedReason = &reason
}

func (f *fakeDeviceTrustRepo) RevokeByTokenHash(ctx context.Context, tokenHash, accountID string, reason models.DeviceRevocationReason, now time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.TokenHash == tokenHash && d.AccountID == accountID && d.RevokedAt == nil {
			f.revoke(d, reason, now)
			return d.ID, nil
		}
	}
	return "", models.ErrNotFound
}

func (f *fakeDeviceTrustRepo) RevokeByID(ctx context.Context, id, accountID string, reason models.DeviceRevocationReason, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok || d.AccountID != accountID || d.RevokedAt != nil {
		return false, nil
	}
	f.revoke(d, reason, now)
	return true, nil
}

func (f *fakeDeviceTrustRepo) RevokeAll(ctx context.Context, accountID string, reason models.DeviceRevocationReason, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, d := range f.devices {
		if d.AccountID == accountID && d.RevokedAt == nil {
			f.revoke(d, reason, now)
			n++
		}
	}
	return n, nil
}

func (f *fakeDeviceTrustRepo) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, d := range f.devices {
		if d.ExpiresAt.Before(cutoff) || (d.RevokedAt != nil && d.RevokedAt.Before(cutoff)) {
			delete(f.devices, id)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Sessions
// ============================================================================

// fakeSessionRepo mirrors the rotation rules of the Postgres repository
type fakeSessionRepo struct {
	mu          sync.Mutex
	sessions    map[string]*models.Session
	tokens      map[string]*models.RefreshToken // by hash
	theftEvents []*models.AuthEvent
	seq         int
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions: make(map[string]*models.Session),
		tokens:   make(map[string]*models.RefreshToken),
	}
}

func (f *fakeSessionRepo) session(id string) *models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (f *fakeSessionRepo) activeCount(accountID string, now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.AccountID == accountID && s.IsActiveAt(now) {
			n++
		}
	}
	return n
}

func (f *fakeSessionRepo) revokeFamilyLocked(familyID, reason string, now time.Time) int64 {
	var n int64
	for _, t := range f.tokens {
		if t.FamilyID == familyID && t.RevokedAt == nil {
			at := now
			t.RevokedAt = &at
		}
	}
	for _, s := range f.sessions {
		if s.FamilyID == familyID && s.RevokedAt == nil {
			at, r := now, reason
			s.RevokedAt, s.RevokedReason = &at, &r
			n++
		}
	}
	return n
}

func (f *fakeSessionRepo) CreateSession(ctx context.Context, s *models.Session, tokenHash string, tokenExpiresAt time.Time, maxSessions int, event *models.AuthEvent) (*repositories.CreatedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var active []*models.Session
	for _, existing := range f.sessions {
		if existing.AccountID == s.AccountID && existing.RevokedAt == nil {
			active = append(active, existing)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.After(active[j].CreatedAt) })

	var evicted []string
	if maxSessions > 0 && len(active) >= maxSessions {
		for _, old := range active[maxSessions-1:] {
			f.revokeFamilyLocked(old.FamilyID, models.SessionRevokedEvicted, s.CreatedAt)
			evicted = append(evicted, old.ID)
		}
	}

	f.seq++
	created := *s
	created.ID = uuid.NewString()
	created.FamilyID = uuid.NewString()
	created.CreatedAt = s.CreatedAt.Add(time.Duration(f.seq) * time.Nanosecond)
	f.sessions[created.ID] = &created

	token := &models.RefreshToken{
		ID:        uuid.NewString(),
		FamilyID:  created.FamilyID,
		SessionID: created.ID,
		TokenHash: tokenHash,
		CreatedAt: s.CreatedAt,
		ExpiresAt: tokenExpiresAt,
	}
	f.tokens[tokenHash] = token

	sessionCopy, tokenCopy := created, *token
	return &repositories.CreatedSession{Session: &sessionCopy, RefreshToken: &tokenCopy, EvictedSessions: evicted}, nil
}

func (f *fakeSessionRepo) Rotate(ctx context.Context, tokenHash, childHash string, childExpiresAt, now time.Time, theftEvent func(*models.TokenReuseError) *models.AuthEvent) (*repositories.RotatedToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tokens[tokenHash]
	switch {
	case !ok:
		return nil, models.ErrNotFound
	case t.RevokedAt != nil:
		return nil, models.ErrRefreshTokenRevoked
	case t.SupersededAt != nil:
		reuse := &models.TokenReuseError{FamilyID: t.FamilyID, AccountID: f.sessions[t.SessionID].AccountID}
		reuse.SessionsRevoked = f.revokeFamilyLocked(t.FamilyID, models.SessionRevokedTheft, now)
		if theftEvent != nil {
			f.theftEvents = append(f.theftEvents, theftEvent(reuse))
		}
		return nil, reuse
	case !now.Before(t.ExpiresAt):
		return nil, models.ErrRefreshTokenExpired
	}

	s := f.sessions[t.SessionID]
	if !s.IsActiveAt(now) {
		return nil, models.ErrRefreshTokenRevoked
	}

	superseded := now
	t.SupersededAt = &superseded
	if childExpiresAt.After(s.ExpiresAt) {
		childExpiresAt = s.ExpiresAt
	}
	parent := t.ID
	child := &models.RefreshToken{
		ID:        uuid.NewString(),
		FamilyID:  t.FamilyID,
		SessionID: s.ID,
		TokenHash: childHash,
		ParentID:  &parent,
		CreatedAt: now,
		ExpiresAt: childExpiresAt,
	}
	f.tokens[childHash] = child

	sessionCopy, childCopy := *s, *child
	return &repositories.RotatedToken{Session: &sessionCopy, RefreshToken: &childCopy}, nil
}

func (f *fakeSessionRepo) RevokeFamily(ctx context.Context, familyID, reason string, event *models.AuthEvent, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokeFamilyLocked(familyID, reason, now), nil
}

func (f *fakeSessionRepo) RevokeSession(ctx context.Context, sessionID, accountID, reason string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.AccountID != accountID || s.RevokedAt != nil {
		return false, nil
	}
	f.revokeFamilyLocked(s.FamilyID, reason, now)
	return true, nil
}

func (f *fakeSessionRepo) RevokeAllForAccount(ctx context.Context, accountID, reason string, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.sessions {
		if s.AccountID == accountID && s.RevokedAt == nil {
			n += f.revokeFamilyLocked(s.FamilyID, reason, now)
		}
	}
	return n, nil
}

func (f *fakeSessionRepo) ListActive(ctx context.Context, accountID string, now time.Time) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Session
	for _, s := range f.sessions {
		if s.AccountID == accountID && s.IsActiveAt(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) IsActive(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	s := f.session(sessionID)
	return s != nil && s.IsActiveAt(now), nil
}

func (f *fakeSessionRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, s := range f.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Events, SMS, notifications
// ============================================================================

// MockAuthEventRepository records persisted events
type MockAuthEventRepository struct {
	mu     sync.Mutex
	events []*models.AuthEvent

	CreateFunc func(ctx context.Context, e *models.AuthEvent) error
}

func (m *MockAuthEventRepository) Create(ctx context.Context, e *models.AuthEvent) error {
	if m.CreateFunc != nil {
		if err := m.CreateFunc(ctx, e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MockAuthEventRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.AuthEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AuthEvent, 0)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.events[i]; e.AccountID != nil && *e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Types returns the event types recorded so far, in order
func (m *MockAuthEventRepository) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.events))
	for _, e := range m.events {
		types = append(types, e.EventType)
	}
	return types
}

type sentSMS struct {
	Phone string
	Code  string
}

// MockSMSSender captures outgoing codes
type MockSMSSender struct {
	mu   sync.Mutex
	sent []sentSMS

	SendCodeFunc func(ctx context.Context, phone, code string) (string, error)
}

func (m *MockSMSSender) SendCode(ctx context.Context, phone, code string) (string, error) {
	if m.SendCodeFunc != nil {
		if _, err := m.SendCodeFunc(ctx, phone, code); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentSMS{Phone: phone, Code: code})
	return fmt.Sprintf("msg-%d", len(m.sent)), nil
}

func (m *MockSMSSender) Sent() []sentSMS {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentSMS(nil), m.sent...)
}

func (m *MockSMSSender) LastCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1].Code
}

// MockSecurityNotifier records notices
type MockSecurityNotifier struct {
	mu       sync.Mutex
	Lockouts []string
	Thefts   []string

	NotifyLockoutFunc func(ctx context.Context, email string, lockedUntil time.Time) error
}

func (m *MockSecurityNotifier) NotifyLockout(ctx context.Context, email string, lockedUntil time.Time) error {
	m.mu.Lock()
	m.Lockouts = append(m.Lockouts, email)
	m.mu.Unlock()
	if m.NotifyLockoutFunc != nil {
		return m.NotifyLockoutFunc(ctx, email, lockedUntil)
	}
	return nil
}

func (m *MockSecurityNotifier) NotifyTheft(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Thefts = append(m.Thefts, email)
	return nil
}

// ============================================================================
// Wiring
// ============================================================================

func newTestTOTPManager(t *testing.T) *auth.TOTPManager {
	t.Helper()
	tm, err := auth.NewTOTPManager([]byte("0123456789abcdef0123456789abcdef"), "Gatekeeper")
	require.NoError(t, err)
	return tm
}

// enrollTestTOTP stores an encrypted TOTP secret on the account and returns the plain secret
func enrollTestTOTP(t *testing.T, tm *auth.TOTPManager, a *models.Account) []byte {
	t.Helper()
	secret := []byte("JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP")
	enc, nonce, err := tm.EncryptSecret(secret)
	require.NoError(t, err)
	a.TOTPSecretEncrypted, a.TOTPSecretNonce = enc, nonce
	return secret
}

func enrollTestPhone(a *models.Account, phone string) {
	a.PhoneNumber = &phone
	a.PhoneVerified = true
}

var testMFAConfig = MFAConfig{
	ChallengeTTL:      5 * time.Minute,
	ResendCooldown:    30 * time.Second,
	MaxVerifyAttempts: 5,
	SMSWindow:         time.Hour,
	SMSMaxRequests:    3,
	SMSSendTimeout:    time.Second,
}

var testAuthConfig = AuthConfig{
	SigninWindow:      15 * time.Minute,
	SigninMaxRequests: 10,
	MFAResendCooldown: testMFAConfig.ResendCooldown,
	NotifyTimeout:     time.Second,
}

// authHarness wires real services over in-memory stores
type authHarness struct {
	clock      *testClock
	accounts   *fakeAccountStore
	rateStore  *fakeRateLimitStore
	challenges *fakeChallengeRepo
	devices    *fakeDeviceTrustRepo
	sessions   *fakeSessionRepo
	events     *MockAuthEventRepository
	sms        *MockSMSSender
	notifier   *MockSecurityNotifier
	totp       *auth.TOTPManager
	tokens     *auth.TokenManager

	lockoutSvc   *LockoutService
	rateSvc      *RateLimitService
	challengeSvc *MFAChallengeService
	deviceSvc    *DeviceTrustService
	sessionSvc   *SessionService
	svc          *AuthService
}

func newAuthHarness(t *testing.T, accounts ...*models.Account) *authHarness {
	t.Helper()
	logger := newTestLogger()

	h := &authHarness{
		clock:      newTestClock(),
		accounts:   newFakeAccountStore(accounts...),
		rateStore:  newFakeRateLimitStore(),
		challenges: newFakeChallengeRepo(),
		devices:    newFakeDeviceTrustRepo(),
		sessions:   newFakeSessionRepo(),
		events:     &MockAuthEventRepository{},
		sms:        &MockSMSSender{},
		notifier:   &MockSecurityNotifier{},
		totp:       newTestTOTPManager(t),
		tokens:     auth.NewTokenManager("test-secret-key-at-least-32-bytes-long", 15*time.Minute),
	}
	now := h.clock.Now

	audit := NewAuditService(h.events, logger)
	audit.now = now

	verifier, err := NewCredentialVerifier(5 * time.Second)
	require.NoError(t, err)

	h.lockoutSvc = NewLockoutService(h.accounts, LockoutConfig{Threshold: 5, Duration: 15 * time.Minute}, audit, nil, logger)
	h.lockoutSvc.now = now

	h.rateSvc = NewRateLimitService(h.rateStore, logger)
	h.rateSvc.now = now

	h.challengeSvc = NewMFAChallengeService(h.challenges, h.accounts, h.totp, h.sms, h.rateSvc, testMFAConfig, audit, nil, logger)
	h.challengeSvc.now = now

	h.deviceSvc = NewDeviceTrustService(h.devices, 30*24*time.Hour, audit, logger)
	h.deviceSvc.now = now

	h.sessionSvc = NewSessionService(h.sessions, h.tokens, SessionConfig{
		TTL:                24 * time.Hour,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		MaxPerAccount:      3,
	}, audit, nil, logger)
	h.sessionSvc.now = now

	h.svc = NewAuthService(AuthDeps{
		Accounts:   h.accounts,
		Limiter:    h.rateSvc,
		Verifier:   verifier,
		Lockout:    h.lockoutSvc,
		Devices:    h.deviceSvc,
		Challenges: h.challengeSvc,
		Sessions:   h.sessionSvc,
		Notifier:   h.notifier,
		Audit:      audit,
	}, testAuthConfig, logger)
	h.svc.now = now

	return h
}

func testClient() models.ClientContext {
	return models.ClientContext{IPAddress: "203.0.113.7", UserAgent: "test-agent/1.0", CorrelationID: "corr-1"}
}

func (h *authHarness) signin(t *testing.T, email, password, deviceToken string) models.AuthResult {
	t.Helper()
	result, err := h.svc.Authenticate(context.Background(), AuthenticateRequest{
		Email:            email,
		Password:         password,
		DeviceTrustToken: deviceToken,
		Client:           testClient(),
	})
	require.NoError(t, err)
	return result
}
