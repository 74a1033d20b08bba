// Package transport owns single websocket connection attempts. It never
// retries; reconnect decisions belong to the stream client.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
)

// Handler receives the lifecycle signals of one session. OnOpen fires at
// most once, OnFrame zero or more times after it, and OnClose exactly once
// as the last call. OnError, when present, comes right before OnClose.
type Handler interface {
	OnOpen()
	OnFrame(frame []byte)
	OnError(err error)
	OnClose()
}

// Session is a handle to one connection attempt.
type Session interface {
	// Close is idempotent and does not wait for the session to wind down.
	Close() error
}

// Dialer starts sessions. Handler callbacks run asynchronously, never inside
// Open: callers hold their own lock across Open and the handler takes that
// lock.
type Dialer interface {
	Open(ctx context.Context, url string, handler Handler) Session
}

// Config tunes the websocket dialer.
type Config struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
	Header           http.Header
}

// WebsocketDialer opens gorilla/websocket client sessions.
type WebsocketDialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewWebsocketDialer constructs a dialer.
func NewWebsocketDialer(cfg Config) *WebsocketDialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4 << 20
	}
	return &WebsocketDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Open starts dialing in the background and returns immediately.
func (d *WebsocketDialer) Open(ctx context.Context, url string, handler Handler) Session {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithCancel(ctx)
	s := &wsSession{
		cancel:  cancel,
		handler: handler,
		log:     pslog.Ctx(ctx).With("url", url),
	}
	go s.run(dialCtx, d, url)
	return s
}

type wsSession struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	cancel  context.CancelFunc
	handler Handler
	log     pslog.Logger
}

func (s *wsSession) run(ctx context.Context, d *WebsocketDialer, url string) {
	defer s.handler.OnClose()
	conn, resp, err := d.dialer.DialContext(ctx, url, d.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if !s.isClosed() {
			if resp != nil {
				err = &HandshakeError{Status: resp.StatusCode, Err: err}
			}
			s.handler.OnError(err)
		}
		return
	}
	conn.SetReadLimit(d.cfg.ReadLimit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.log.Debug("transport open")
	s.handler.OnOpen()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !s.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.handler.OnError(err)
			} else {
				s.log.Debug("transport closed", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.handler.OnFrame(data)
	}
}

func (s *wsSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements Session.
func (s *wsSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	s.cancel()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// HandshakeError reports a rejected websocket upgrade.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return "websocket handshake failed (" + http.StatusText(e.Status) + "): " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a handshake rejected with 404.
func IsNotFound(err error) bool {
	var hs *HandshakeError
	return errors.As(err, &hs) && hs.Status == http.StatusNotFound
}
