// Package tokenmanager implements the broker's single most load-bearing
// component: it answers "give me a valid access token for tenant T,"
// combining CryptoBox, TokenStore, RateCoordinator, CircuitBreaker, and
// OAuthClient behind one call, with strict single-flight refresh semantics.
// The double-checked-locking shape is grounded in
// erauner12-toolbridge-api's internal/mcpserver/auth/broker.go GetToken,
// generalized from its map+mutex cache into a true per-tenant critical
// section since the teacher's version never guaranteed only one in-flight
// refresh per key.
package tokenmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/mcp-broker/internal/breaker"
	"github.com/sdpbridge/mcp-broker/internal/cryptobox"
	"github.com/sdpbridge/mcp-broker/internal/oauthclient"
	"github.com/sdpbridge/mcp-broker/internal/ratecoord"
	"github.com/sdpbridge/mcp-broker/internal/tenant"
	"github.com/sdpbridge/mcp-broker/internal/tokenstore"
)

// Outcome discriminates the three shapes get_access_token can return.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeNeedsReauth Outcome = "needs_reauth"
	OutcomeUnavailable Outcome = "unavailable"
)

// Reason further classifies an Unavailable outcome.
type Reason string

const (
	ReasonRefreshRateLimited Reason = "refresh_rate_limited"
	ReasonIdentityOpen       Reason = "identity_circuit_open"
	ReasonProviderRateLimit  Reason = "provider_rate_limited"
	ReasonProviderError      Reason = "provider_error"
)

// Result is the outcome of GetAccessToken.
type Result struct {
	Outcome    Outcome
	AccessToken string
	Reason     Reason
	RetryAfter time.Duration
}

var (
	ErrTenantUnknown = errors.New("tokenmanager: tenant not onboarded")
)

// Manager is the TokenManager façade. One instance serves every tenant.
type Manager struct {
	store    tokenstore.Store
	box      *cryptobox.Box
	coord    *ratecoord.Coordinator
	breakers *breaker.Manager
	oauth    *oauthclient.Client

	safetyMargin time.Duration

	mu       sync.Mutex
	tenantMu map[string]*sync.Mutex
}

// New builds a Manager over its five collaborators.
func New(store tokenstore.Store, box *cryptobox.Box, coord *ratecoord.Coordinator, breakers *breaker.Manager, oauth *oauthclient.Client) *Manager {
	return &Manager{
		store:        store,
		box:          box,
		coord:        coord,
		breakers:     breakers,
		oauth:        oauth,
		safetyMargin: oauthclient.DefaultSafetyMargin,
		tenantMu:     make(map[string]*sync.Mutex),
	}
}

// WithSafetyMargin overrides the default clock-skew safety margin.
func (m *Manager) WithSafetyMargin(d time.Duration) *Manager {
	m.safetyMargin = d
	return m
}

func (m *Manager) mutexFor(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.tenantMu[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		m.tenantMu[tenantID] = mu
	}
	return mu
}

// GetAccessToken implements the §4.6 algorithm. It never returns an access
// token whose expiry is within the safety margin of now (Testable Property
// 3), and guarantees at most one in-flight refresh per tenant (Testable
// Property 2) via the per-tenant mutex acquired below.
func (m *Manager) GetAccessToken(ctx context.Context, tenantID string) (Result, error) {
	rec, err := m.store.Get(ctx, tenantID)
	if err != nil {
		if err == tokenstore.ErrNotFound {
			return Result{}, ErrTenantUnknown
		}
		return Result{}, err
	}

	if r, ok := m.fresh(rec); ok {
		return r, nil
	}

	mu := m.mutexFor(tenantID)
	mu.Lock()
	defer mu.Unlock()

	// Double-checked locking: another goroutine may have refreshed while
	// we waited for the mutex.
	rec, err = m.store.Get(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}
	if r, ok := m.fresh(rec); ok {
		return r, nil
	}

	decision, err := m.coord.ReserveRefresh(ctx, tenantID)
	if err != nil || !decision.Allowed {
		return Result{Outcome: OutcomeUnavailable, Reason: ReasonRefreshRateLimited, RetryAfter: decision.RetryAfter}, nil
	}

	allowed, retryAfter, err := m.breakers.Allow(ctx, tenantID, breaker.TargetIdentity)
	if err != nil {
		return Result{}, err
	}
	if !allowed {
		return Result{Outcome: OutcomeUnavailable, Reason: ReasonIdentityOpen, RetryAfter: retryAfter}, nil
	}

	return m.doRefresh(ctx, tenantID, rec)
}

// fresh returns a usable Result if rec's access token is valid beyond the
// safety margin, without taking the refresh mutex.
func (m *Manager) fresh(rec *tokenstore.Record) (Result, bool) {
	if rec.NeedsReauth || !rec.HasRefreshToken() {
		return Result{Outcome: OutcomeNeedsReauth}, true
	}
	if len(rec.EncryptedAccessToken) == 0 {
		return Result{}, false
	}
	if time.Now().Add(m.safetyMargin).Before(rec.AccessTokenExpiresAt) {
		plain, err := m.box.Decrypt(rec.TenantID, rec.EncryptedAccessToken)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", rec.TenantID).Msg("tokenmanager: access token decryption failed")
			return Result{}, false
		}
		return Result{Outcome: OutcomeOK, AccessToken: string(plain)}, true
	}
	return Result{}, false
}

func (m *Manager) doRefresh(ctx context.Context, tenantID string, rec *tokenstore.Record) (Result, error) {
	refreshToken, err := m.box.Decrypt(tenantID, rec.EncryptedRefreshToken)
	if err != nil {
		return Result{}, fmt.Errorf("tokenmanager: refresh token decryption failed: %w", err)
	}
	clientSecret, err := m.box.Decrypt(tenantID, rec.EncryptedClientSecret)
	if err != nil {
		return Result{}, fmt.Errorf("tokenmanager: client secret decryption failed: %w", err)
	}

	toks, err := m.oauth.Refresh(ctx, tenant.DataCenter(rec.DataCenter), rec.ClientID, string(clientSecret), string(refreshToken))
	if err != nil {
		return m.handleRefreshError(ctx, tenantID, rec, err)
	}

	encAccess, err := m.box.Encrypt(tenantID, []byte(toks.AccessToken))
	if err != nil {
		return Result{}, err
	}
	rec.EncryptedAccessToken = encAccess
	rec.AccessTokenExpiresAt = toks.ExpiresAt
	if toks.RefreshToken != "" {
		encRefresh, err := m.box.Encrypt(tenantID, []byte(toks.RefreshToken))
		if err != nil {
			return Result{}, err
		}
		rec.EncryptedRefreshToken = encRefresh
	}
	rec.ConsecutiveFailures = 0
	rec.LastRefresh = time.Now()

	if err := m.store.Upsert(ctx, rec); err != nil {
		return Result{}, err
	}
	if err := m.breakers.RecordSuccess(ctx, tenantID, breaker.TargetIdentity); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("tokenmanager: failed to persist breaker success")
	}

	return Result{Outcome: OutcomeOK, AccessToken: toks.AccessToken}, nil
}

func (m *Manager) handleRefreshError(ctx context.Context, tenantID string, rec *tokenstore.Record, refreshErr error) (Result, error) {
	var provErr *oauthclient.ProviderError
	if errors.As(refreshErr, &provErr) {
		switch provErr.Reason {
		case oauthclient.ReasonInvalidGrant, oauthclient.ReasonInvalidCode, oauthclient.ReasonInvalidClient:
			rec.NeedsReauth = true
			if err := m.store.Upsert(ctx, rec); err != nil {
				return Result{}, err
			}
			return Result{Outcome: OutcomeNeedsReauth}, nil
		case oauthclient.ReasonRateLimited:
			if err := m.breakers.RecordFailure(ctx, tenantID, breaker.TargetIdentity); err != nil {
				log.Warn().Err(err).Str("tenant_id", tenantID).Msg("tokenmanager: failed to persist breaker failure")
			}
			return Result{Outcome: OutcomeUnavailable, Reason: ReasonProviderRateLimit, RetryAfter: provErr.RetryAfter}, nil
		default:
			if err := m.breakers.RecordFailure(ctx, tenantID, breaker.TargetIdentity); err != nil {
				log.Warn().Err(err).Str("tenant_id", tenantID).Msg("tokenmanager: failed to persist breaker failure")
			}
			return Result{Outcome: OutcomeUnavailable, Reason: ReasonProviderError}, nil
		}
	}

	// Network or 5xx: a genuine transient failure, counted against the
	// identity breaker.
	if err := m.breakers.RecordFailure(ctx, tenantID, breaker.TargetIdentity); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("tokenmanager: failed to persist breaker failure")
	}
	rec.ConsecutiveFailures++
	if err := m.store.Upsert(ctx, rec); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("tokenmanager: failed to persist failure count")
	}
	return Result{Outcome: OutcomeUnavailable, Reason: ReasonProviderError}, nil
}

// InvalidateAccessToken force-expires the cached access token, used by
// UpstreamAdapter after a 401 from the SaaS API. It does not itself trigger
// a refresh — the next GetAccessToken call decides that, still subject to
// the rate coordinator and breaker.
func (m *Manager) InvalidateAccessToken(ctx context.Context, tenantID string) error {
	mu := m.mutexFor(tenantID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	rec.AccessTokenExpiresAt = time.Time{}
	return m.store.Upsert(ctx, rec)
}

// Onboard completes an authorization-code exchange, creating the tenant's
// credential record for the first time. clientID is the identity
// provider's plaintext OAuth client id (not itself a secret, but required
// verbatim on every future refresh call); t.ID is its derived hash used as
// the storage key.
func (m *Manager) Onboard(ctx context.Context, t *tenant.Tenant, clientID, clientSecret string, toks oauthclient.Tokens) error {
	encRefresh, err := m.box.Encrypt(t.ID, []byte(toks.RefreshToken))
	if err != nil {
		return err
	}
	encAccess, err := m.box.Encrypt(t.ID, []byte(toks.AccessToken))
	if err != nil {
		return err
	}
	encSecret, err := m.box.Encrypt(t.ID, []byte(clientSecret))
	if err != nil {
		return err
	}

	scopes := make([]string, 0, len(t.Scopes))
	for s := range t.Scopes {
		scopes = append(scopes, string(s))
	}

	rec := &tokenstore.Record{
		TenantID:              t.ID,
		DataCenter:            string(t.DataCenter),
		BaseURL:               t.BaseURL,
		Instance:              t.Instance,
		ClientID:              clientID,
		EncryptedClientSecret: encSecret,
		Name:                  t.Name,
		Email:                 t.Email,
		EncryptedRefreshToken: encRefresh,
		EncryptedAccessToken:  encAccess,
		AccessTokenExpiresAt:  toks.ExpiresAt,
		Scopes:                scopes,
		LastRefresh:           time.Now(),
	}
	return m.store.Upsert(ctx, rec)
}

// TenantOf reconstructs a tenant.Tenant view from a stored record, for
// callers (ToolDispatcher, UpstreamAdapter) that need the tenant's base URL
// and scopes but not its credentials.
func TenantOf(rec *tokenstore.Record) *tenant.Tenant {
	scopes := make(map[tenant.Scope]struct{}, len(rec.Scopes))
	for _, s := range rec.Scopes {
		scopes[tenant.Scope(s)] = struct{}{}
	}
	return &tenant.Tenant{
		ID:         rec.TenantID,
		DataCenter: tenant.DataCenter(rec.DataCenter),
		BaseURL:    rec.BaseURL,
		Instance:   rec.Instance,
		Scopes:     scopes,
		Name:       rec.Name,
		Email:      rec.Email,
	}
}
