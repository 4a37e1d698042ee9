package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
)

// SSEStream is one GET /sse connection (§4.9, §6). It emits the initial
// `endpoint` event, subsequent `message` events carrying JSON-RPC frames,
// and periodic keep-alive comments, and enforces the write-buffer
// back-pressure limit that closes a session too slow to drain.
type SSEStream struct {
	mu          sync.Mutex
	w           http.ResponseWriter
	flusher     http.Flusher
	eventID     int
	sessionID   string
	maxBuffered int
	buffered    int
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSSEStream writes the SSE response headers and returns a stream ready
// to carry the `endpoint` and `message` events described in §4.9/§6.
func NewSSEStream(ctx context.Context, w http.ResponseWriter, sessionID string, maxBufferedBytes int) (*SSEStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("server: streaming not supported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	streamCtx, cancel := context.WithCancel(ctx)
	return &SSEStream{
		w:           w,
		flusher:     flusher,
		sessionID:   sessionID,
		maxBuffered: maxBufferedBytes,
		ctx:         streamCtx,
		cancel:      cancel,
	}, nil
}

// SendEndpoint emits the initial `endpoint` event announcing the companion
// POST /message URL, the first frame §4.9 requires on every SSE open.
func (s *SSEStream) SendEndpoint(messageURL string) error {
	return s.writeEvent("endpoint", []byte(messageURL))
}

// SendMessage emits one JSON-RPC 2.0 frame as a `message` event.
func (s *SSEStream) SendMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.writeEvent("message", data)
}

// SendKeepAlive emits an SSE comment frame, §4.9's 30s-silence keep-alive.
func (s *SSEStream) SendKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("server: stream closed")
	}
	if _, err := fmt.Fprint(s.w, ":keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *SSEStream) writeEvent(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("server: stream closed")
	}

	s.buffered += len(data)
	if s.maxBuffered > 0 && s.buffered > s.maxBuffered {
		log.Warn().Str("session_id", s.sessionID).Int("buffered", s.buffered).Msg("server: sse write buffer exceeded, closing session")
		s.closeLocked()
		return fmt.Errorf("server: write buffer exceeded, session closed")
	}

	s.eventID++
	if _, err := fmt.Fprintf(s.w, "event: %s\nid: %d\ndata: %s\n\n", event, s.eventID, data); err != nil {
		return err
	}
	s.flusher.Flush()
	s.buffered -= len(data)
	return nil
}

// Close tears down the stream; the client is expected to reconnect (§4.9:
// disconnect is a normal close, no error-frame contract).
func (s *SSEStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *SSEStream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
}

// Done reports when the stream's context is canceled (client disconnect,
// server shutdown, or back-pressure close).
func (s *SSEStream) Done() <-chan struct{} {
	return s.ctx.Done()
}
