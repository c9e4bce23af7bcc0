package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/mcpwire/errors"
	"github.com/vinayprograms/mcpwire/logging"
)

// WebSocketSubprotocol is negotiated on every connection.
const WebSocketSubprotocol = "mcp"

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration

	// Header is sent with the opening handshake of a client transport.
	Header http.Header

	// Dialer overrides the client dialer. The subprotocol is always set.
	Dialer *websocket.Dialer

	Logger    *logging.Logger
	Validator Validator
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: DefaultMaxBodyBytes,
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketUpgrader creates an upgrader that accepts the mcp subprotocol.
// checkOrigin may be nil to accept same-host origins only.
func NewWebSocketUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{WebSocketSubprotocol},
		CheckOrigin:     checkOrigin,
	}
}

// WebSocketTransport carries one message per text frame. A client
// transport dials in Start; a server transport wraps an accepted connection.
type WebSocketTransport struct {
	state
	cfg WebSocketConfig
	url *url.URL

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	closing  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewWebSocketClientTransport creates a transport that dials u on Start.
func NewWebSocketClientTransport(u *url.URL, cfg WebSocketConfig) *WebSocketTransport {
	t := &WebSocketTransport{cfg: withWebSocketDefaults(cfg), url: u, done: make(chan struct{})}
	t.init(KindWebSocket, cfg.Logger)
	return t
}

// NewWebSocketTransport wraps an already upgraded connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	t := &WebSocketTransport{cfg: withWebSocketDefaults(cfg), conn: conn, done: make(chan struct{})}
	t.init(KindWebSocket, cfg.Logger)
	return t
}

func withWebSocketDefaults(cfg WebSocketConfig) WebSocketConfig {
	def := DefaultWebSocketConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.Validator == nil {
		cfg.Validator = DefaultValidator
	}
	return cfg
}

// Start dials (client transports) and begins reading.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	if err := t.markStarted(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrNotConnected
	}

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		var err error
		conn, err = t.dial(ctx)
		if err != nil {
			t.fail(err)
			t.abandon()
			return err
		}
		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()
	}

	conn.SetReadLimit(t.cfg.MaxMessageSize)
	t.log.Started(t.kind, map[string]interface{}{"subprotocol": conn.Subprotocol()})
	go t.readLoop(conn)
	if t.cfg.PingInterval > 0 {
		go t.pingLoop(conn)
	}
	return nil
}

func (t *WebSocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	if t.cfg.Dialer != nil {
		dialer = *t.cfg.Dialer
	}
	dialer.Subprotocols = []string{WebSocketSubprotocol}

	conn, resp, err := dialer.DialContext(ctx, t.url.String(), t.cfg.Header)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, errors.Unauthorized("websocket handshake rejected", errors.WithCause(err), errors.WithTransport(t.kind))
			}
			return nil, errors.Protocol(resp.StatusCode, "websocket handshake failed",
				errors.WithCause(err), errors.WithTransport(t.kind))
		}
		return nil, errors.Wrap(err, "dial websocket", errors.WithTransport(t.kind))
	}
	return conn, nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !t.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.fail(errors.Wrap(err, "read websocket", errors.WithTransport(t.kind)))
			}
			t.Close()
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg, derr := DecodeWith(data, t.cfg.Validator)
		if derr != nil {
			t.fail(derr)
			continue
		}
		t.deliver(msg, nil)
	}
}

func (t *WebSocketTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			t.writeMu.Unlock()
		}
	}
}

// Send writes msg as one text frame.
func (t *WebSocketTransport) Send(ctx context.Context, msg *Message) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil || !t.isStarted() || t.isClosed() || t.closing.Load() {
		return ErrNotConnected
	}

	_, end := t.traceSend(ctx, msg)
	data, err := Encode(msg)
	if err != nil {
		end(err)
		return err
	}

	t.writeMu.Lock()
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		err = errors.Wrap(err, "write websocket", errors.WithTransport(t.kind))
		t.fail(err)
	}
	end(err)
	return err
}

// Close sends a close frame, drops the connection and fires HandleClose.
func (t *WebSocketTransport) Close() error {
	t.closing.Store(true)
	t.doneOnce.Do(func() { close(t.done) })

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn != nil {
		t.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		conn.Close()
	}
	t.finish()
	return nil
}
