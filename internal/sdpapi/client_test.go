package sdpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sdpbridge/mcp-broker/internal/breaker"
	"github.com/sdpbridge/mcp-broker/internal/brokererr"
	"github.com/sdpbridge/mcp-broker/internal/ratecoord"
	"github.com/sdpbridge/mcp-broker/internal/tenant"
	"github.com/sdpbridge/mcp-broker/internal/tokenmanager"
)

type fakeTokens struct {
	accessToken    string
	invalidated    int32
	getCalls       int32
}

func (f *fakeTokens) GetAccessToken(_ context.Context, _ string) (tokenmanager.Result, error) {
	atomic.AddInt32(&f.getCalls, 1)
	return tokenmanager.Result{Outcome: tokenmanager.OutcomeOK, AccessToken: f.accessToken}, nil
}

func (f *fakeTokens) InvalidateAccessToken(_ context.Context, _ string) error {
	atomic.AddInt32(&f.invalidated, 1)
	f.accessToken = f.accessToken + "-refreshed"
	return nil
}

type fakePersister struct{}

func (fakePersister) LoadBreaker(_ context.Context, _ string, _ breaker.Target) (breaker.Snapshot, error) {
	return breaker.Snapshot{State: breaker.StateClosed}, nil
}
func (fakePersister) SaveBreaker(_ context.Context, _ string, _ breaker.Target, _ breaker.Snapshot) error {
	return nil
}

func testTenant() *tenant.Tenant {
	return &tenant.Tenant{ID: "t1", DataCenter: tenant.DataCenterUS, BaseURL: "http://placeholder", Instance: "itdesk"}
}

func newTestClient(srv *httptest.Server, tokens TokenSource) *Client {
	return New(srv.Client(), tokens, ratecoord.New(ratecoord.NewMemoryStore(), ratecoord.DefaultCallLimits()), breaker.NewManager(fakePersister{}))
}

func TestAuthorizationHeaderUsesZohoScheme(t *testing.T) {
	var gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{"response_status":{"status_code":2000}}`))
	}))
	defer srv.Close()

	tokens := &fakeTokens{accessToken: "tok-abc"}
	c := newTestClient(srv, tokens)
	tn := testTenant()
	tn.BaseURL = srv.URL

	_, err := c.GetRequest(context.Background(), tn, "123")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(gotAuth, "Zoho-oauthtoken "))
	require.Equal(t, "tok-abc", strings.TrimPrefix(gotAuth, "Zoho-oauthtoken "))
	require.Equal(t, acceptHeader, gotAccept)
}

func TestSingle401RetrySucceeds(t *testing.T) {
	var attempt int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"response_status":{"status_code":2000}}`))
	}))
	defer srv.Close()

	tokens := &fakeTokens{accessToken: "stale"}
	c := newTestClient(srv, tokens)
	tn := testTenant()
	tn.BaseURL = srv.URL

	_, err := c.GetRequest(context.Background(), tn, "123")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&tokens.invalidated))
	require.EqualValues(t, 2, atomic.LoadInt32(&tokens.getCalls))
}

func TestSecond401PropagatesAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{accessToken: "stale"}
	c := newTestClient(srv, tokens)
	tn := testTenant()
	tn.BaseURL = srv.URL

	_, err := c.GetRequest(context.Background(), tn, "123")
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&tokens.invalidated), "must retry exactly once, not loop")
}

func TestRateLimitStatusCodePropagatesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response_status":{"status_code":4015,"messages":[{"message":"too many requests"}]}}`))
	}))
	defer srv.Close()

	tokens := &fakeTokens{accessToken: "tok"}
	c := newTestClient(srv, tokens)
	tn := testTenant()
	tn.BaseURL = srv.URL

	_, err := c.GetRequest(context.Background(), tn, "123")
	require.Error(t, err)
	var be *brokererr.Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, brokererr.KindRateLimited, be.Kind)
	require.Equal(t, float64(60), be.RetryAfter)
}
