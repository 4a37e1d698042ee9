// Package sdpapi is the UpstreamAdapter: typed operations against the
// service-desk SaaS's v3 REST API, built on the input_data/response_status
// envelope the provider documents. Its request plumbing (correlation ids,
// structured logging per call, one-shot retry orchestration) is grounded in
// erauner12-toolbridge-api's internal/mcpserver/client/httpclient.go, but
// deliberately does NOT reproduce that file's internal 401-retry loop: here
// a 401 only invalidates the cached access token and asks TokenManager for
// a fresh one, which independently decides whether an actual refresh
// happens, so no HTTP client ever talks to the identity provider itself.
package sdpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/mcp-broker/internal/breaker"
	"github.com/sdpbridge/mcp-broker/internal/brokererr"
	"github.com/sdpbridge/mcp-broker/internal/ratecoord"
	"github.com/sdpbridge/mcp-broker/internal/tenant"
	"github.com/sdpbridge/mcp-broker/internal/tokenmanager"
)

const acceptHeader = "application/vnd.manageengine.sdp.v3+json"

// TokenSource is the subset of tokenmanager.Manager the adapter needs. It
// lets tests substitute a fake without constructing a full Manager.
type TokenSource interface {
	GetAccessToken(ctx context.Context, tenantID string) (tokenmanager.Result, error)
	InvalidateAccessToken(ctx context.Context, tenantID string) error
}

// Client is the UpstreamAdapter. One instance serves every tenant.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	coord      *ratecoord.Coordinator
	breakers   *breaker.Manager
	cache      *MetadataCache
}

// New builds a Client over its collaborators.
func New(httpClient *http.Client, tokens TokenSource, coord *ratecoord.Coordinator, breakers *breaker.Manager) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		coord:      coord,
		breakers:   breakers,
		cache:      NewMetadataCache(10 * time.Minute),
	}
}

// responseEnvelope is the common `response_status` wrapper every v3
// endpoint replies with.
type responseEnvelope struct {
	ResponseStatus struct {
		StatusCode int    `json:"status_code"`
		Status     string `json:"status"`
		Messages   []struct {
			StatusCode int    `json:"status_code"`
			Message    string `json:"message"`
			Type       string `json:"type"`
			Field      string `json:"field"`
		} `json:"messages"`
	} `json:"response_status"`
}

const statusCodeSuccess = 2000

// Provider-specific status codes §4.7/§7 classify by.
const (
	statusRateLimited        = 4015
	statusMandatoryFieldMiss = 4012
	statusNotFound           = 4007
	statusPermission         = 4002
	statusUpstreamServer     = 4004
	statusPermission7001     = 7001
)

// call executes one authenticated request against t's SDP instance.
// path is relative to t.RequestURL(), e.g. "requests" or "requests/123".
// query carries input_data (and get_total_count, etc.); body, if non-nil,
// is form-encoded as input_data for POST/PUT.
func (c *Client) call(ctx context.Context, t *tenant.Tenant, method, path string, query url.Values, body any) ([]byte, error) {
	resp, raw, err := c.doOnce(ctx, t, method, path, query, body)
	if err == nil {
		if resp.StatusCode == http.StatusUnauthorized {
			if invalidateErr := c.tokens.InvalidateAccessToken(ctx, t.ID); invalidateErr != nil {
				log.Warn().Err(invalidateErr).Str("tenant_id", t.ID).Msg("sdpapi: failed to invalidate access token after 401")
			}
			resp2, raw2, err2 := c.doOnce(ctx, t, method, path, query, body)
			if err2 != nil {
				return nil, err2
			}
			if resp2.StatusCode == http.StatusUnauthorized {
				return nil, brokererr.New(brokererr.KindUpstreamPermission, "upstream rejected credentials after refresh").WithFields(nil)
			}
			return c.parseEnvelope(ctx, t, resp2, raw2)
		}
		return c.parseEnvelope(ctx, t, resp, raw)
	}
	return nil, err
}

// doOnce performs exactly one HTTP round trip, handling auth header
// injection, correlation id, rate-coordinator call budget, and the
// API circuit breaker consultation that precedes any upstream call.
func (c *Client) doOnce(ctx context.Context, t *tenant.Tenant, method, path string, query url.Values, body any) (*http.Response, []byte, error) {
	allowed, retryAfter, err := c.breakers.Allow(ctx, t.ID, breaker.TargetAPI)
	if err != nil {
		return nil, nil, err
	}
	if !allowed {
		return nil, nil, brokererr.New(brokererr.KindCircuitOpen, "api circuit open for tenant").WithRetryAfter(retryAfter.Seconds())
	}

	decision, err := c.coord.RecordCall(ctx, t.ID)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Allowed {
		return nil, nil, brokererr.New(brokererr.KindRateLimited, "internal call budget exhausted").WithRetryAfter(decision.RetryAfter.Seconds())
	}

	tokRes, err := c.tokens.GetAccessToken(ctx, t.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("sdpapi: %w", err)
	}
	switch tokRes.Outcome {
	case tokenmanager.OutcomeNeedsReauth:
		return nil, nil, brokererr.New(brokererr.KindNeedsReauth, "tenant must complete oauth setup again")
	case tokenmanager.OutcomeUnavailable:
		return nil, nil, brokererr.New(brokererr.KindCircuitOpen, string(tokRes.Reason)).WithRetryAfter(tokRes.RetryAfter.Seconds())
	}

	reqURL := t.RequestURL() + "/" + path
	var bodyReader io.Reader
	if body != nil && (method == http.MethodPost || method == http.MethodPut) {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("sdpapi: encode body: %w", err)
		}
		form := url.Values{"input_data": {string(payload)}}
		bodyReader = bytes.NewReader([]byte(form.Encode()))
	} else if query != nil && len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", brokererr.New(brokererr.KindInternal, "request construction failed"), err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+tokRes.AccessToken)
	req.Header.Set("Accept", acceptHeader)
	correlationID := uuid.New().String()
	req.Header.Set("X-Correlation-ID", correlationID)

	logger := log.With().Str("method", method).Str("path", path).Str("tenant_id", t.ID).Str("correlation_id", correlationID).Logger()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("sdpapi: network error")
		if failErr := c.breakers.RecordFailure(ctx, t.ID, breaker.TargetAPI); failErr != nil {
			logger.Warn().Err(failErr).Msg("sdpapi: failed to persist breaker failure")
		}
		return nil, nil, fmt.Errorf("%w: %v", brokererr.New(brokererr.KindNetwork, "upstream request failed"), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", brokererr.New(brokererr.KindNetwork, "reading upstream response failed"), err)
	}

	logger.Debug().Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("sdpapi: request completed")
	return resp, raw, nil
}

// parseEnvelope classifies a completed HTTP response into success or a
// brokererr.Error, recording circuit-breaker outcomes as it goes.
func (c *Client) parseEnvelope(ctx context.Context, t *tenant.Tenant, resp *http.Response, raw []byte) ([]byte, error) {
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, brokererr.New(brokererr.KindRateLimited, "upstream returned 429").WithRetryAfter(retryAfter.Seconds())
	}

	var env responseEnvelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && env.ResponseStatus.StatusCode == statusCodeSuccess {
		if err := c.breakers.RecordSuccess(ctx, t.ID, breaker.TargetAPI); err != nil {
			log.Warn().Err(err).Str("tenant_id", t.ID).Msg("sdpapi: failed to persist breaker success")
		}
		return raw, nil
	}

	msgs := make([]string, 0, len(env.ResponseStatus.Messages))
	fields := make([]string, 0, len(env.ResponseStatus.Messages))
	for _, m := range env.ResponseStatus.Messages {
		msgs = append(msgs, m.Message)
		if m.Field != "" {
			fields = append(fields, m.Field)
		}
	}
	message := "upstream request failed"
	if len(msgs) > 0 {
		message = msgs[0]
	}

	statusCode := env.ResponseStatus.StatusCode

	switch {
	case statusCode == statusRateLimited:
		return nil, brokererr.New(brokererr.KindRateLimited, message).WithRetryAfter(60)
	case statusCode == statusNotFound:
		return nil, brokererr.New(brokererr.KindUpstreamNotFound, message)
	case statusCode == statusPermission || statusCode == statusPermission7001:
		return nil, brokererr.New(brokererr.KindUpstreamPermission, message)
	case statusCode == statusMandatoryFieldMiss:
		return nil, brokererr.New(brokererr.KindUpstreamValidation, message).WithFields(fields)
	case statusCode == statusUpstreamServer || resp.StatusCode >= 500:
		if err := c.breakers.RecordFailure(ctx, t.ID, breaker.TargetAPI); err != nil {
			log.Warn().Err(err).Str("tenant_id", t.ID).Msg("sdpapi: failed to persist breaker failure")
		}
		return nil, brokererr.New(brokererr.KindUpstreamServer, message)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, brokererr.New(brokererr.KindUpstreamPermission, "unauthorized")
	default:
		return nil, brokererr.New(brokererr.KindUpstreamValidation, message).WithFields(fields)
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 60 * time.Second
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 60 * time.Second
}
