// Package server implements C9, the Session & transport layer: it accepts
// long-lived SSE connections, carries JSON-RPC 2.0 frames in both
// directions, performs the MCP handshake, and routes tools/call requests
// into the ToolDispatcher (internal/mcpserver/tools) after resolving the
// caller's tenant from its session — never from the JSON-RPC payload.
//
// Its shape is grounded in erauner12-toolbridge-api's
// internal/mcpserver/server package (the JSON-RPC envelope, the HTTP
// server lifecycle), adapted from that repo's
// Streamable-HTTP-with-JWT transport to the SSE-carried JSON-RPC transport
// and header-pair tenant credentials §4.9/§6 specify — one transport,
// committed to, with no fallback (§9).
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/mcp-broker/internal/breaker"
	"github.com/sdpbridge/mcp-broker/internal/brokererr"
	"github.com/sdpbridge/mcp-broker/internal/cryptobox"
	"github.com/sdpbridge/mcp-broker/internal/mcpserver/tools"
	"github.com/sdpbridge/mcp-broker/internal/oauthclient"
	"github.com/sdpbridge/mcp-broker/internal/ratecoord"
	"github.com/sdpbridge/mcp-broker/internal/sdpapi"
	"github.com/sdpbridge/mcp-broker/internal/tenant"
	"github.com/sdpbridge/mcp-broker/internal/tokenmanager"
	"github.com/sdpbridge/mcp-broker/internal/tokenstore"
)

const serverProtocolVersion = "2025-03-26"

// Options configures an MCPServer's behavior; everything here maps onto an
// env var in internal/config.Config, kept separate so tests can construct
// an Options literal without depending on the config package.
type Options struct {
	ClientIDHeader     string
	ClientSecretHeader string
	IdleTimeout        time.Duration
	KeepAliveInterval  time.Duration
	ToolCallDeadline   time.Duration
	SSEWriteBufferMax  int
	AdminToken         string
}

// DefaultOptions returns the §4.9 defaults.
func DefaultOptions() Options {
	return Options{
		ClientIDHeader:     "x-sdp-client-id",
		ClientSecretHeader: "x-sdp-client-secret",
		IdleTimeout:        30 * time.Minute,
		KeepAliveInterval:  30 * time.Second,
		ToolCallDeadline:   60 * time.Second,
		SSEWriteBufferMax:  1 << 20,
		AdminToken:         "",
	}
}

// MCPServer wires together every component on the control-flow path in
// SPEC_FULL §2: SSETransport (this package) -> ToolDispatcher ->
// TokenManager -> UpstreamAdapter.
type MCPServer struct {
	opts Options

	store      tokenstore.Store
	box        *cryptobox.Box
	tokenMgr   *tokenmanager.Manager
	oauth      *oauthclient.Client
	client     *sdpapi.Client
	breakers   *breaker.Manager
	coord      *ratecoord.Coordinator
	registry   *tools.Registry
	sessionMgr *SessionManager

	httpServer *http.Server
}

// Deps bundles an MCPServer's collaborators, each already constructed by
// cmd/mcpbridge/main.go from internal/config.Config.
type Deps struct {
	Store    tokenstore.Store
	Box      *cryptobox.Box
	TokenMgr *tokenmanager.Manager
	OAuth    *oauthclient.Client
	Client   *sdpapi.Client
	Breakers *breaker.Manager
	Coord    *ratecoord.Coordinator
}

// New builds an MCPServer and its tool registry (§4.8: one registry serves
// every tenant, authorization is scope-based per call).
func New(ctx context.Context, deps Deps, opts Options) *MCPServer {
	registry := tools.NewRegistry()
	tools.RegisterAllTools(registry)

	return &MCPServer{
		opts:       opts,
		store:      deps.Store,
		box:        deps.Box,
		tokenMgr:   deps.TokenMgr,
		oauth:      deps.OAuth,
		client:     deps.Client,
		breakers:   deps.Breakers,
		coord:      deps.Coord,
		registry:   registry,
		sessionMgr: NewSessionManager(ctx, opts.IdleTimeout),
	}
}

// Router builds the HTTP route table (§4.9/§6).
func (s *MCPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/sse", s.handleSSE)
	r.Post("/message", s.handleMessage)
	r.Get("/health", s.handleHealth)
	r.Post("/oauth/setup", s.handleOAuthSetup)
	r.Get("/admin/tenants/{id}", s.requireAdmin(s.handleAdminGetTenant))
	r.Post("/admin/tenants/{id}/reset-breaker", s.requireAdmin(s.handleAdminResetBreaker))
	return r
}

// Serve starts the HTTP server on addr, optionally over TLS.
func (s *MCPServer) Serve(addr, certFile, keyFile string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 30 * time.Second,
		// WriteTimeout is intentionally unset: SSE streams stay open
		// indefinitely between keep-alives.
	}
	log.Info().Str("addr", addr).Msg("server: listening")
	if certFile != "" && keyFile != "" {
		return s.httpServer.ListenAndServeTLS(certFile, keyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and closes every live session,
// canceling their in-flight handlers (§5).
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.sessionMgr.Shutdown()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// --- tenant credential extraction (§4.9, §6) -------------------------------

// authenticate extracts the client id/secret header pair and resolves them
// to a tenant's stored record, verifying the presented secret against the
// encrypted one on file in constant time. The resolved tenant id is never
// taken from JSON-RPC payloads (§4.9) — only from here, at SSE open.
func (s *MCPServer) authenticate(r *http.Request) (*tokenstore.Record, error) {
	clientID := r.Header.Get(s.opts.ClientIDHeader)
	clientSecret := r.Header.Get(s.opts.ClientSecretHeader)
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("missing tenant credential headers")
	}

	tenantID := tenant.DeriveID(clientID)
	rec, err := s.store.Get(r.Context(), tenantID)
	if err != nil {
		return nil, fmt.Errorf("unknown tenant")
	}

	plain, err := s.box.Decrypt(tenantID, rec.EncryptedClientSecret)
	if err != nil {
		return nil, fmt.Errorf("unknown tenant")
	}
	if subtle.ConstantTimeCompare(plain, []byte(clientSecret)) != 1 {
		return nil, fmt.Errorf("unknown tenant")
	}
	return rec, nil
}

// --- GET /sse ---------------------------------------------------------------

func (s *MCPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	rec, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	session := s.sessionMgr.Create(context.Background(), rec.TenantID)
	stream, err := NewSSEStream(r.Context(), w, session.ID, s.opts.SSEWriteBufferMax)
	if err != nil {
		s.sessionMgr.Remove(session.ID)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	session.attachStream(stream)
	defer s.sessionMgr.Remove(session.ID)

	messageURL := fmt.Sprintf("/message?session=%s", session.ID)
	if err := stream.SendEndpoint(messageURL); err != nil {
		return
	}

	log.Info().Str("session_id", session.ID).Str("tenant_id", rec.TenantID).Msg("server: sse stream opened")

	keepAlive := time.NewTicker(s.opts.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-stream.Done():
			return
		case <-keepAlive.C:
			if err := stream.SendKeepAlive(); err != nil {
				return
			}
		}
	}
}

// --- POST /message ------------------------------------------------------

// handleMessage accepts one JSON-RPC frame (§4.9 POST /message) and
// acknowledges receipt immediately; the reply is emitted asynchronously as
// an SSE `message` event on the session's GET stream once the handler
// completes, preserving per-session ordering via Session.Submit.
func (s *MCPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}
	session, err := s.sessionMgr.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req JSONRPCRequest
	if decErr := json.NewDecoder(r.Body).Decode(&req); decErr != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.JSONRPC != "2.0" {
		http.Error(w, "invalid jsonrpc version", http.StatusBadRequest)
		return
	}

	session.touch()
	w.WriteHeader(http.StatusAccepted)

	session.Submit(func(ctx context.Context) {
		resp := s.dispatch(ctx, session, &req)
		if req.IsNotification() {
			return
		}
		stream := session.currentStream()
		if stream == nil {
			return
		}
		if err := stream.SendMessage(resp); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID).Msg("server: failed to emit reply")
		}
	})
}

// dispatch routes one JSON-RPC method to its handler, implementing the
// §4.9 MCP handshake (initialize, tools/list) plus tools/call and ping.
func (s *MCPServer) dispatch(ctx context.Context, session *Session, req *JSONRPCRequest) JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(ctx, session, req)
	case "tools/call":
		return s.handleToolsCall(ctx, session, req)
	case "ping":
		return newResult(req.ID, map[string]any{"status": "ok"})
	default:
		return newError(req.ID, MethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (s *MCPServer) handleInitialize(req *JSONRPCRequest) JSONRPCResponse {
	result := map[string]any{
		"protocolVersion": serverProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": "sdp-mcp-broker", "version": "1.0.0"},
	}
	return newResult(req.ID, result)
}

// resolveTenant loads a session's current tenant view from the store
// fresh on every call — tools/list and tools/call must reflect the
// tenant's live scopes and needs_reauth flag, not a snapshot taken at SSE
// open (§4.8: tools/list is a pure function of the registry and the
// tenant's current granted scopes).
func (s *MCPServer) resolveTenant(ctx context.Context, tenantID string) (*tenant.Tenant, bool, error) {
	rec, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	return tokenmanager.TenantOf(rec), rec.NeedsReauth, nil
}

func (s *MCPServer) handleToolsList(ctx context.Context, session *Session, req *JSONRPCRequest) JSONRPCResponse {
	t, _, err := s.resolveTenant(ctx, session.TenantID)
	if err != nil {
		return errorToResponse(req.ID, brokererr.New(brokererr.KindNeedsReauth, "tenant not onboarded"))
	}
	descriptors := s.registry.List(t.Scopes)
	return newResult(req.ID, map[string]any{"tools": descriptors})
}

func (s *MCPServer) handleToolsCall(ctx context.Context, session *Session, req *JSONRPCRequest) JSONRPCResponse {
	var callReq tools.CallRequest
	if err := json.Unmarshal(req.Params, &callReq); err != nil {
		return errorToResponse(req.ID, brokererr.New(brokererr.KindInvalidParams, "invalid tools/call params"))
	}

	t, needsReauth, err := s.resolveTenant(ctx, session.TenantID)
	if err != nil {
		return errorToResponse(req.ID, brokererr.New(brokererr.KindNeedsReauth, "tenant not onboarded"))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.ToolCallDeadline)
	defer cancel()

	logger := log.With().
		Str("session_id", session.ID).
		Str("tenant_id", t.ID).
		Str("method", req.Method).
		Str("tool", callReq.Name).
		Logger()

	toolCtx := &tools.ToolContext{Tenant: t, Client: s.client, Logger: &logger, NeedsReauth: needsReauth}

	result, callErr := s.registry.Call(callCtx, toolCtx, callReq)
	if callErr != nil {
		return errorToResponse(req.ID, callErr)
	}
	return newResult(req.ID, result)
}

// --- GET /health -----------------------------------------------------------

func (s *MCPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.sessionMgr.Count(),
	})
}

// --- POST /oauth/setup ------------------------------------------------------

// oauthSetupRequest is the §9-resolved onboarding shape: a dedicated HTTP
// endpoint completes the authorization-code exchange once; the MCP session
// authenticates thereafter with the tenant's client id/secret pair.
type oauthSetupRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	DataCenter   string `json:"data_center"`
	BaseURL      string `json:"base_url"`
	Instance     string `json:"instance"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	Name         string `json:"name"`
	Email        string `json:"email"`
}

func (s *MCPServer) handleOAuthSetup(w http.ResponseWriter, r *http.Request) {
	var req oauthSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	missing := requireFields(map[string]string{
		"client_id":     req.ClientID,
		"client_secret": req.ClientSecret,
		"data_center":   req.DataCenter,
		"base_url":      req.BaseURL,
		"instance":      req.Instance,
		"code":          req.Code,
	})
	if len(missing) > 0 {
		writeJSONError(w, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
		return
	}

	dc := tenant.DataCenter(strings.ToUpper(req.DataCenter))
	if !dc.Valid() {
		writeJSONError(w, http.StatusBadRequest, "invalid data_center")
		return
	}

	toks, err := s.oauth.ExchangeCode(r.Context(), dc, req.ClientID, req.ClientSecret, req.Code, req.RedirectURI)
	if err != nil {
		var provErr *oauthclient.ProviderError
		if ok := asProviderError(err, &provErr); ok {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("authorization code exchange failed: %s", provErr.Reason))
			return
		}
		writeJSONError(w, http.StatusBadGateway, "authorization code exchange failed")
		return
	}

	t := &tenant.Tenant{
		ID:         tenant.DeriveID(req.ClientID),
		DataCenter: dc,
		BaseURL:    req.BaseURL,
		Instance:   req.Instance,
		Scopes:     tenant.DefaultScopes(),
		Name:       req.Name,
		Email:      req.Email,
	}

	if err := s.tokenMgr.Onboard(r.Context(), t, req.ClientID, req.ClientSecret, toks); err != nil {
		log.Error().Err(err).Str("tenant_id", t.ID).Msg("server: onboarding persist failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to persist tenant credentials")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"tenant_id": t.ID, "data_center": string(dc)})
}

func asProviderError(err error, target **oauthclient.ProviderError) bool {
	pe, ok := err.(*oauthclient.ProviderError)
	if !ok {
		return false
	}
	*target = pe
	return true
}

func requireFields(fields map[string]string) []string {
	var missing []string
	for name, value := range fields {
		if value == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// --- /admin (supplemented operator surface) --------------------------------

// requireAdmin gates the operator endpoints behind a static bearer token;
// an empty AdminToken disables the surface entirely rather than accepting
// every request, since a broker operated without an admin token should not
// expose tenant breaker/rate state at all.
func (s *MCPServer) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			http.Error(w, "admin surface disabled", http.StatusNotFound)
			return
		}
		authHeader := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *MCPServer) handleAdminGetTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "tenant not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tenant_id":            rec.TenantID,
		"data_center":          rec.DataCenter,
		"needs_reauth":         rec.NeedsReauth,
		"last_refresh":         rec.LastRefresh,
		"consecutive_failures": rec.ConsecutiveFailures,
		"identity_breaker":     rec.IdentityBreaker.State,
		"api_breaker":          rec.APIBreaker.State,
	})
}

// handleAdminResetBreaker implements §4.3's reset(tenant) administrative
// override across both (tenant, target) breakers and the rate coordinator
// window, for an operator who has independently confirmed the upstream
// dependency recovered.
func (s *MCPServer) handleAdminResetBreaker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		http.Error(w, "tenant not found", http.StatusNotFound)
		return
	}
	if err := s.breakers.Reset(r.Context(), id, breaker.TargetIdentity); err != nil {
		http.Error(w, "failed to reset identity breaker", http.StatusInternalServerError)
		return
	}
	if err := s.breakers.Reset(r.Context(), id, breaker.TargetAPI); err != nil {
		http.Error(w, "failed to reset api breaker", http.StatusInternalServerError)
		return
	}
	if err := s.coord.Reset(r.Context(), id); err != nil {
		log.Warn().Err(err).Str("tenant_id", id).Msg("server: rate coordinator reset failed")
	}
	w.WriteHeader(http.StatusNoContent)
}
