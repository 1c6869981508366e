// Package token decides when a stored OAuth credential needs refreshing
// and performs the refresh, serialized per tenant. The provider consumes
// a refresh token on first use, so two racing refreshes with the same
// stale token would leave one caller hard-failed; the per-tenant lock
// makes the second caller wait and reuse the first caller's result.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"socialsync/internal/models"
	"socialsync/internal/provider"
	"socialsync/internal/telemetry"
)

// DefaultGracePeriod is how long before expiry a token is refreshed.
const DefaultGracePeriod = 30 * time.Minute

// RefreshPolicy names what happens when a refresh fails while a stale
// token is still on hand.
type RefreshPolicy string

const (
	// PolicyStrict surfaces the refresh failure to the caller. The
	// primary sync path uses this: a failed refresh is job-fatal.
	PolicyStrict RefreshPolicy = "strict"
	// PolicyLenient logs the failure and hands back the stale token.
	// Maintenance paths may prefer limping along to aborting.
	PolicyLenient RefreshPolicy = "lenient"
)

var (
	// ErrTokenExpired marks a credential that is expired and could not
	// be renewed; callers should re-authorize rather than retry.
	ErrTokenExpired = errors.New("token expired and refresh failed")

	// ErrNoToken means the tenant never authorized the app.
	ErrNoToken = errors.New("no credential stored for tenant")
)

// Store is the slice of persistence the manager needs.
type Store interface {
	TokenForScope(ctx context.Context, scope models.TenantScope) (models.TokenRecord, error)
	SaveToken(ctx context.Context, t models.TokenRecord) (models.TokenRecord, error)
	ReplaceTokenCredentials(ctx context.Context, id int64, access, refresh string, expiresAt time.Time, scope string) error
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// OAuthProvider is the external token endpoint.
type OAuthProvider interface {
	Refresh(ctx context.Context, refreshToken, userType string) (provider.TokenPayload, error)
	MintLocationToken(ctx context.Context, agencyAccessToken, companyID, locationID string) (provider.TokenPayload, error)
}

// Manager produces currently-valid credentials, refreshing proactively.
type Manager struct {
	store  Store
	oauth  OAuthProvider
	grace  time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store Store, oauth OAuthProvider, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		oauth:  oauth,
		grace:  DefaultGracePeriod,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetGracePeriod overrides the refresh window, mainly for tests.
func (m *Manager) SetGracePeriod(d time.Duration) { m.grace = d }

// ActiveToken returns a credential valid for at least the grace period,
// refreshing first when needed. Policy governs the stale-token fallback.
func (m *Manager) ActiveToken(ctx context.Context, scope models.TenantScope, policy RefreshPolicy) (models.TokenRecord, error) {
	rec, err := m.store.TokenForScope(ctx, scope)
	if err != nil {
		return models.TokenRecord{}, fmt.Errorf("%w: %s", ErrNoToken, scope)
	}
	if !rec.ExpiresWithin(m.now(), m.grace) {
		return rec, nil
	}
	return m.refreshLocked(ctx, scope, policy)
}

// Refresh forces a provider refresh for the scope, serialized per
// tenant. A caller that lost the race observes the winner's token.
func (m *Manager) Refresh(ctx context.Context, scope models.TenantScope) (models.TokenRecord, error) {
	return m.refreshLocked(ctx, scope, PolicyStrict)
}

func (m *Manager) refreshLocked(ctx context.Context, scope models.TenantScope, policy RefreshPolicy) (models.TokenRecord, error) {
	lock := m.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent caller may have refreshed
	// while we waited, and its new refresh token must not be bypassed.
	rec, err := m.store.TokenForScope(ctx, scope)
	if err != nil {
		return models.TokenRecord{}, fmt.Errorf("%w: %s", ErrNoToken, scope)
	}
	if !rec.ExpiresWithin(m.now(), m.grace) {
		return rec, nil
	}

	if rec.RefreshToken == "" {
		return m.staleOrError(rec, policy, errors.New("record has no refresh token"))
	}

	payload, err := m.oauth.Refresh(ctx, rec.RefreshToken, userTypeFor(rec.Level))
	if err != nil {
		return m.staleOrError(rec, policy, err)
	}

	expiresAt := payload.ExpiresAt(m.now())
	if err := m.store.ReplaceTokenCredentials(ctx, rec.ID, payload.AccessToken, payload.RefreshToken, expiresAt, payload.Scope); err != nil {
		return models.TokenRecord{}, fmt.Errorf("persist refreshed token: %w", err)
	}

	rec.AccessToken = payload.AccessToken
	rec.RefreshToken = payload.RefreshToken
	rec.ExpiresAt = expiresAt
	if payload.Scope != "" {
		rec.Scope = payload.Scope
	}
	telemetry.TokenRefreshes.Inc()
	m.logger.Info("refreshed oauth token", "scope", scope.String(), "expires_at", expiresAt)
	return rec, nil
}

func (m *Manager) staleOrError(rec models.TokenRecord, policy RefreshPolicy, cause error) (models.TokenRecord, error) {
	if policy == PolicyLenient && !rec.Expired(m.now()) {
		m.logger.Warn("token refresh failed, proceeding with stale token",
			"expires_at", rec.ExpiresAt, "error", cause)
		return rec, nil
	}
	return models.TokenRecord{}, fmt.Errorf("%w: %v", ErrTokenExpired, cause)
}

// CheckCredential verifies without network calls that a usable
// credential exists for the scope: present, and either unexpired or
// still renewable. Trigger handlers call this before creating a job so
// an unrefreshable token surfaces synchronously.
func (m *Manager) CheckCredential(ctx context.Context, scope models.TenantScope) error {
	rec, err := m.store.TokenForScope(ctx, scope)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoToken, scope)
	}
	if rec.Expired(m.now()) && rec.RefreshToken == "" {
		return fmt.Errorf("%w: credential for %s has no refresh token", ErrTokenExpired, scope)
	}
	return nil
}

// MintLocationToken derives a location credential from the agency
// credential and stores it for the requesting application user.
func (m *Manager) MintLocationToken(ctx context.Context, locationID string, appUserID *int64) (models.TokenRecord, error) {
	agency, err := m.ActiveToken(ctx, models.Agency(), PolicyStrict)
	if err != nil {
		return models.TokenRecord{}, fmt.Errorf("agency credential unavailable: %w", err)
	}

	payload, err := m.oauth.MintLocationToken(ctx, agency.AccessToken, agency.CompanyID, locationID)
	if err != nil {
		return models.TokenRecord{}, fmt.Errorf("mint location token: %w", err)
	}

	rec := models.TokenRecord{
		Level:        models.LevelLocation,
		LocationID:   locationID,
		CompanyID:    firstNonEmpty(payload.CompanyID, agency.CompanyID),
		ProviderUser: payload.UserID,
		AppUserID:    appUserID,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    firstNonEmpty(payload.TokenType, "Bearer"),
		ExpiresAt:    payload.ExpiresAt(m.now()),
		Scope:        payload.Scope,
	}
	saved, err := m.store.SaveToken(ctx, rec)
	if err != nil {
		return models.TokenRecord{}, fmt.Errorf("store minted token: %w", err)
	}
	m.logger.Info("minted location token", "location_id", locationID, "expires_at", saved.ExpiresAt)
	return saved, nil
}

// StoreGrant persists the result of a first authorization (code
// exchange) as either the agency record or a location record.
func (m *Manager) StoreGrant(ctx context.Context, payload provider.TokenPayload, appUserID *int64) (models.TokenRecord, error) {
	level := models.LevelLocation
	if payload.UserType == provider.UserTypeCompany || payload.LocationID == "" {
		level = models.LevelAgency
	}
	rec := models.TokenRecord{
		Level:        level,
		LocationID:   payload.LocationID,
		CompanyID:    payload.CompanyID,
		ProviderUser: payload.UserID,
		AppUserID:    appUserID,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    firstNonEmpty(payload.TokenType, "Bearer"),
		ExpiresAt:    payload.ExpiresAt(m.now()),
		Scope:        payload.Scope,
	}
	return m.store.SaveToken(ctx, rec)
}

// PurgeExpired drops credentials past expiry with no refresh token.
// Wired to the daily maintenance tick.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.store.PurgeExpiredTokens(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("purged unrenewable tokens", "count", n)
	}
	return n, nil
}

func (m *Manager) scopeLock(scope models.TenantScope) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scope.String()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

func userTypeFor(level string) string {
	if level == models.LevelAgency {
		return provider.UserTypeCompany
	}
	return provider.UserTypeLocation
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
