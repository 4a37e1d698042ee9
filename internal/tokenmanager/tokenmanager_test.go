package tokenmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sdpbridge/mcp-broker/internal/breaker"
	"github.com/sdpbridge/mcp-broker/internal/cryptobox"
	"github.com/sdpbridge/mcp-broker/internal/oauthclient"
	"github.com/sdpbridge/mcp-broker/internal/ratecoord"
	"github.com/sdpbridge/mcp-broker/internal/tenant"
	"github.com/sdpbridge/mcp-broker/internal/tokenstore"
)

func testBox(t *testing.T) *cryptobox.Box {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	box, err := cryptobox.New(key)
	require.NoError(t, err)
	return box
}

func setup(t *testing.T, refreshHandler http.HandlerFunc) (*Manager, *tokenstore.MemoryStore, string) {
	t.Helper()
	box := testBox(t)
	store := tokenstore.NewMemoryStore()
	coord := ratecoord.New(ratecoord.NewMemoryStore(), ratecoord.DefaultCallLimits())
	breakers := breaker.NewManager(&breaker.TokenStorePersister{Store: store})

	srv := httptest.NewServer(refreshHandler)
	t.Cleanup(srv.Close)

	hc := &http.Client{Transport: &redirectTransport{targetHost: srv.URL[len("http://"):]}}
	oauth := oauthclient.New(hc)

	mgr := New(store, box, coord, breakers, oauth)

	tenantID := "tenant-1"
	encRefresh, err := box.Encrypt(tenantID, []byte("initial-refresh"))
	require.NoError(t, err)
	encSecret, err := box.Encrypt(tenantID, []byte("client-secret"))
	require.NoError(t, err)

	rec := &tokenstore.Record{
		TenantID:              tenantID,
		DataCenter:            string(tenant.DataCenterUS),
		BaseURL:               "https://sdpondemand.manageengine.com",
		Instance:              "itdesk",
		ClientID:              "client-id",
		EncryptedClientSecret: encSecret,
		EncryptedRefreshToken: encRefresh,
	}
	require.NoError(t, store.Upsert(context.Background(), rec))
	return mgr, store, tenantID
}

type redirectTransport struct{ targetHost string }

func (t *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.targetHost
	return http.DefaultTransport.RoundTrip(req)
}

func TestGetAccessTokenRefreshesWhenColdThenCaches(t *testing.T) {
	var calls int32
	mgr, _, tenantID := setup(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600,"token_type":"Bearer"}`))
	})

	res, err := mgr.GetAccessToken(context.Background(), tenantID)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Equal(t, "fresh-token", res.AccessToken)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// Second call should hit the cache, not trigger another refresh.
	res2, err := mgr.GetAccessToken(context.Background(), tenantID)
	require.NoError(t, err)
	require.Equal(t, "fresh-token", res2.AccessToken)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetAccessTokenSingleFlightUnderConcurrency(t *testing.T) {
	var calls int32
	mgr, _, tenantID := setup(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600,"token_type":"Bearer"}`))
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := mgr.GetAccessToken(context.Background(), tenantID)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, res.Outcome)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "at most one refresh call should have reached the provider")
}

func TestGetAccessTokenInvalidGrantSetsNeedsReauth(t *testing.T) {
	mgr, store, tenantID := setup(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	res, err := mgr.GetAccessToken(context.Background(), tenantID)
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsReauth, res.Outcome)

	rec, err := store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	require.True(t, rec.NeedsReauth)
}

func TestGetAccessTokenUnknownTenant(t *testing.T) {
	mgr, _, _ := setup(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := mgr.GetAccessToken(context.Background(), "no-such-tenant")
	require.ErrorIs(t, err, ErrTenantUnknown)
}

func TestInvalidateAccessTokenForcesRefreshOnNextCall(t *testing.T) {
	var calls int32
	mgr, _, tenantID := setup(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600,"token_type":"Bearer"}`))
	})

	_, err := mgr.GetAccessToken(context.Background(), tenantID)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	require.NoError(t, mgr.InvalidateAccessToken(context.Background(), tenantID))

	// The first refresh still holds the rate coordinator's 180s slot; clear
	// it so the invalidated token is refreshed rather than rate-limited.
	require.NoError(t, mgr.coord.Reset(context.Background(), tenantID))

	_, err = mgr.GetAccessToken(context.Background(), tenantID)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
