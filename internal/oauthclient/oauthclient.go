// Package oauthclient performs the three stateless OAuth operations the
// broker needs against Zoho's accounts service: authorization-code
// exchange, refresh, and revoke. It holds no per-tenant state — that is
// internal/tokenmanager's job — and is grounded in
// erauner12-toolbridge-api's internal/mcpserver/auth/broker.go delegate
// call, generalized to SDP's multi-data-center accounts endpoints and
// response taxonomy instead of a single fixed issuer.
package oauthclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sdpbridge/mcp-broker/internal/tenant"
)

const (
	minExpiresIn = 60 * time.Second
	maxExpiresIn = 24 * time.Hour
	// DefaultSafetyMargin is how early an access token is treated as
	// expired, to absorb clock skew and in-flight request latency.
	DefaultSafetyMargin = 300 * time.Second
)

// Reason classifies a non-success response from the accounts endpoint.
type Reason string

const (
	ReasonInvalidCode     Reason = "invalid_code"
	ReasonInvalidClient   Reason = "invalid_client"
	ReasonInvalidGrant    Reason = "invalid_grant"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonUnknown         Reason = "unknown"
)

// ProviderError is a structured, expected failure from the identity
// provider. The TokenManager branches on Reason to decide whether to mark
// needs_reauth, count a breaker failure, or just propagate a retry delay.
type ProviderError struct {
	Reason     Reason
	RetryAfter time.Duration
	Raw        string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("oauthclient: provider error %s: %s", e.Reason, e.Raw)
}

// ErrNetwork wraps any transport-level failure (DNS, TLS, timeout,
// connection refused) talking to the accounts endpoint. The TokenManager
// counts it against the identity circuit breaker, as it does every refresh
// failure other than invalid_grant, invalid_code and invalid_client.
var ErrNetwork = errors.New("oauthclient: network error")

// Tokens is the result of a successful exchange or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string // empty if the provider did not rotate it
	ExpiresAt    time.Time
	Scope        string
	TokenType    string
}

// Client talks to Zoho's accounts service. It is safe for concurrent use;
// a single Client instance may serve every tenant since the endpoint is
// selected per call from the tenant's DataCenter.
type Client struct {
	httpClient *http.Client
}

// New builds a Client. A nil httpClient defaults to a client with a 15s
// timeout, matching the provider's documented response budget.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	Error        string `json:"error"`
}

// ExchangeCode performs the authorization_code grant, onboarding a tenant's
// initial refresh token.
func (c *Client) ExchangeCode(ctx context.Context, dc tenant.DataCenter, clientID, clientSecret, code, redirectURI string) (Tokens, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"code":          {code},
		"redirect_uri":  {redirectURI},
	}
	return c.doTokenRequest(ctx, dc, form)
}

// Refresh performs the refresh_token grant.
func (c *Client) Refresh(ctx context.Context, dc tenant.DataCenter, clientID, clientSecret, refreshToken string) (Tokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"refresh_token": {refreshToken},
	}
	return c.doTokenRequest(ctx, dc, form)
}

// Revoke invalidates a refresh token at the provider. It does not touch the
// broker's local credential record, and nothing in the broker calls it.
func (c *Client) Revoke(ctx context.Context, dc tenant.DataCenter, token string) error {
	tld, err := accountsBaseTLD(dc)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("https://accounts.zoho.%s/oauth/v2/token/revoke", tld)
	form := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, newFormBody(form))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}
	return nil
}

func accountsBaseTLD(dc tenant.DataCenter) (string, error) {
	u, err := dc.AccountsTokenURL()
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return "", err
	}
	host := parsed.Hostname()
	const prefix = "accounts.zoho."
	if len(host) <= len(prefix) {
		return "", fmt.Errorf("oauthclient: unexpected accounts host %q", host)
	}
	return host[len(prefix):], nil
}

func newFormBody(form url.Values) *strings.Reader {
	return strings.NewReader(form.Encode())
}

// doWithRetry issues req, retrying a bounded number of times only on
// connection-level failures (DNS, dial, TLS, timeout) — never on a
// completed response, however it is classified. This is the transport-level
// retry the identity provider's own flakiness warrants; it is unrelated to
// (and must never grow into) a retry-on-401 loop, which only TokenManager is
// allowed to decide.
func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	policy = backoff.WithContext(policy, req.Context())

	var resp *http.Response
	err := backoff.Retry(func() error {
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Body = body
		}
		r, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		resp = r
		return nil
	}, policy)
	return resp, err
}

func (c *Client) doTokenRequest(ctx context.Context, dc tenant.DataCenter, form url.Values) (Tokens, error) {
	endpoint, err := dc.AccountsTokenURL()
	if err != nil {
		return Tokens{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, newFormBody(form))
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.doWithRetry(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Tokens{}, &ProviderError{Reason: ReasonRateLimited, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Raw: string(body)}
	}
	if resp.StatusCode >= 500 {
		return Tokens{}, fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Tokens{}, &ProviderError{Reason: ReasonUnknown, Raw: string(body)}
	}

	if tr.Error != "" || tr.AccessToken == "" {
		return Tokens{}, classifyError(tr.Error, string(body))
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn < minExpiresIn {
		expiresIn = minExpiresIn
	}
	if expiresIn > maxExpiresIn {
		expiresIn = maxExpiresIn
	}

	return Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(expiresIn),
		Scope:        tr.Scope,
		TokenType:    tr.TokenType,
	}, nil
}

func classifyError(errCode, raw string) error {
	switch errCode {
	case "invalid_code":
		return &ProviderError{Reason: ReasonInvalidCode, Raw: raw}
	case "invalid_client":
		return &ProviderError{Reason: ReasonInvalidClient, Raw: raw}
	case "invalid_grant":
		return &ProviderError{Reason: ReasonInvalidGrant, Raw: raw}
	default:
		return &ProviderError{Reason: ReasonUnknown, Raw: raw}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 60 * time.Second
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(secs) * time.Second
}
