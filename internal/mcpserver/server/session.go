package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/mcp-broker/internal/tenant"
)

// ErrSessionNotFound is returned by SessionManager.Get for an unknown or
// already-closed session id.
var ErrSessionNotFound = errors.New("server: session not found")

// Session is one live SSE connection (§3 Data Model). It is created on SSE
// open after tenant credential extraction and destroyed on close, idle
// timeout, or server shutdown. A session holds only the tenant id (a weak
// reference, per §9's one-directional ownership note) — never the
// credentials themselves, which remain TokenManager's.
type Session struct {
	ID              string
	TenantID        string
	ProtocolVersion string

	mu          sync.Mutex
	lastActive  time.Time
	initialized bool

	// inbox serializes JSON-RPC frames for this session: handlers run in
	// parallel across sessions but one-at-a-time within a session (§4.9,
	// §5), so that JSON-RPC id ordering on the reply stream matches the
	// order calls were issued.
	inbox chan func(context.Context)

	ctx    context.Context
	cancel context.CancelFunc

	stream *SSEStream
}

func newSession(parent context.Context, tenantID string) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		lastActive: time.Now(),
		inbox:      make(chan func(context.Context), 64),
		ctx:        ctx,
		cancel:     cancel,
	}
	go s.pump()
	return s
}

// pump is the cooperative single-task-per-session loop (§5 scheduling
// model): it drains inbox in order, running each submitted handler to
// completion before starting the next, so JSON-RPC replies for one session
// are always emitted in call order regardless of how long any individual
// tool call takes.
func (s *Session) pump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.inbox:
			fn(s.ctx)
		}
	}
}

// Submit enqueues fn to run on this session's pump goroutine. It never
// blocks the caller's own goroutine beyond the inbox being full, which
// would indicate a client issuing calls far faster than they can complete.
func (s *Session) Submit(fn func(context.Context)) {
	select {
	case s.inbox <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// Close cancels every in-flight handler of this session immediately (§5
// cancellation guarantee) and tears down its SSE stream if attached.
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

func (s *Session) attachStream(stream *SSEStream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
}

func (s *Session) currentStream() *SSEStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// SessionManager owns the sessions map (§9): created lazily, keyed by
// session id, and removed by Remove, by the idle reaper, or by Shutdown. It
// holds no tenant credential state itself — Sessions carry only a tenant
// id, and the TokenManager (reached through the sdpapi Client's
// TokenSource) is the sole owner of credentials.
type SessionManager struct {
	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager builds a SessionManager and starts its idle-reaper
// background loop, stopped when ctx is canceled.
func NewSessionManager(ctx context.Context, idleTimeout time.Duration) *SessionManager {
	sm := &SessionManager{idleTimeout: idleTimeout, sessions: make(map[string]*Session)}
	go sm.reapIdle(ctx)
	return sm
}

// Create starts a new session for tenantID, parented to the server's
// shutdown context so a process shutdown cancels every session's handlers.
func (sm *SessionManager) Create(parent context.Context, tenantID string) *Session {
	s := newSession(parent, tenantID)
	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()
	log.Info().Str("session_id", s.ID).Str("tenant_id", tenantID).Msg("server: session created")
	return s
}

// Get looks up a live session by id.
func (sm *SessionManager) Get(sessionID string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove closes and forgets a session.
func (sm *SessionManager) Remove(sessionID string) {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	sm.mu.Unlock()
	if ok {
		s.Close()
		log.Info().Str("session_id", sessionID).Msg("server: session removed")
	}
}

// Count reports the number of live sessions, for /health.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Shutdown closes every live session, canceling their handlers (§5: server
// shutdown is one of Session's three teardown triggers).
func (sm *SessionManager) Shutdown() {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (sm *SessionManager) reapIdle(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			sm.mu.RLock()
			var expired []string
			for id, s := range sm.sessions {
				if s.idleFor(now) > sm.idleTimeout {
					expired = append(expired, id)
				}
			}
			sm.mu.RUnlock()
			for _, id := range expired {
				log.Info().Str("session_id", id).Msg("server: idle session timeout")
				sm.Remove(id)
			}
		}
	}
}

// TenantResolver is the shape of MCPServer.resolveTenant: it returns the
// tenant view and its needs_reauth flag. MCPServer calls its own
// resolveTenant method, which uses tokenmanager.TenantOf directly; nothing
// in this package takes a TenantResolver value.
type TenantResolver func(ctx context.Context, tenantID string) (*tenant.Tenant, bool, error)
