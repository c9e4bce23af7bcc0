// Package gateway exposes an MCP server to remote clients. Every SSE or
// WebSocket session gets its own upstream transport, usually a freshly
// spawned stdio child, and a Bridge relaying between the two.
package gateway

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vinayprograms/mcpwire/config"
	"github.com/vinayprograms/mcpwire/errors"
	"github.com/vinayprograms/mcpwire/logging"
	"github.com/vinayprograms/mcpwire/metrics"
	"github.com/vinayprograms/mcpwire/ratelimit"
	"github.com/vinayprograms/mcpwire/telemetry"
	"github.com/vinayprograms/mcpwire/transport"
)

// UpstreamFactory builds an unstarted transport to the served MCP server.
// It is called once per session.
type UpstreamFactory func(ctx context.Context) (transport.Transport, error)

// Options configures a Gateway.
type Options struct {
	SSEPath       string
	MessagesPath  string
	WebSocketPath string // empty disables WebSocket sessions
	MetricsPath   string // empty disables /metrics

	// SSE holds the per-session transport options. Its allow-lists also
	// guard WebSocket upgrades.
	SSE transport.SSEServerOptions

	// Limiter bounds new sessions per client IP. Nil means unlimited.
	Limiter *ratelimit.Limiter

	Upstream UpstreamFactory

	// StartAttempts and RetryBackoff bound upstream start retries per
	// session. See BridgeOptions.
	StartAttempts int
	RetryBackoff  time.Duration

	Tap    telemetry.Exporter
	Logger *logging.Logger
}

// OptionsFromConfig maps the [gateway] section onto Options.
func OptionsFromConfig(g config.GatewayConfig, upstream UpstreamFactory, tap telemetry.Exporter, log *logging.Logger) Options {
	return Options{
		SSEPath:       g.SSEPath,
		MessagesPath:  g.MessagesPath,
		WebSocketPath: g.WebSocketPath,
		MetricsPath:   g.MetricsPath,
		SSE: transport.SSEServerOptions{
			EnableDNSRebindingProtection: g.DNSRebindingProtection,
			AllowedHosts:                 g.AllowedHosts,
			AllowedOrigins:               g.AllowedOrigins,
			MaxBodyBytes:                 g.MaxBodyBytes,
			HeartbeatInterval:            g.Heartbeat,
		},
		Limiter:       ratelimit.New(g.SessionsPerMinute, time.Minute),
		Upstream:      upstream,
		StartAttempts: g.StartAttempts,
		RetryBackoff:  g.Backoff,
		Tap:           tap,
		Logger:        log,
	}
}

// Gateway routes SSE streams, their POSTs and WebSocket upgrades.
type Gateway struct {
	opts     Options
	log      *logging.Logger
	router   *gin.Engine
	upgrader *websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions map[string]*transport.SSEServerTransport
	bridges  map[*Bridge]struct{}
	wg       sync.WaitGroup
}

// New builds the router.
func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tap == nil {
		opts.Tap = telemetry.NewNoopExporter()
	}
	if opts.SSE.Logger == nil {
		opts.SSE.Logger = opts.Logger
	}

	g := &Gateway{
		opts:     opts,
		log:      opts.Logger.WithComponent("gateway"),
		sessions: make(map[string]*transport.SSEServerTransport),
		bridges:  make(map[*Bridge]struct{}),
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.upgrader = transport.NewWebSocketUpgrader(g.checkOrigin)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(g.log))
	r.GET(opts.SSEPath, g.handleSSE)
	r.POST(opts.MessagesPath, g.handleMessage)
	if opts.WebSocketPath != "" {
		r.GET(opts.WebSocketPath, g.handleWebSocket)
	}
	if opts.MetricsPath != "" {
		metrics.RegisterMetrics()
		r.GET(opts.MetricsPath, gin.WrapH(metrics.Handler()))
	}
	g.router = r
	return g
}

// Handler returns the HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.router }

// Sessions returns the number of open sessions.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bridges)
}

// Shutdown refuses new sessions, stops the open ones and waits for their
// handlers to return.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.opts.Limiter.Close()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit registers a session unless the gateway is shutting down.
func (g *Gateway) admit(b *Bridge, sse *transport.SSEServerTransport) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.bridges[b] = struct{}{}
	if sse != nil {
		g.sessions[sse.SessionID()] = sse
	}
	g.wg.Add(1)
	return true
}

func (g *Gateway) release(b *Bridge, sse *transport.SSEServerTransport) {
	g.mu.Lock()
	delete(g.bridges, b)
	if sse != nil {
		delete(g.sessions, sse.SessionID())
	}
	g.mu.Unlock()
	g.wg.Done()
}

func (g *Gateway) lookup(id string) *transport.SSEServerTransport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[id]
}

// allow applies the per-client session limit.
func (g *Gateway) allow(c *gin.Context) bool {
	ip := c.ClientIP()
	if g.opts.Limiter.Allow(ip) {
		return true
	}
	g.log.Warn("session rate limited", map[string]interface{}{"client_ip": ip})
	c.String(http.StatusTooManyRequests, "Too many sessions")
	return false
}

func (g *Gateway) handleSSE(c *gin.Context) {
	if !g.allow(c) {
		return
	}
	up, err := g.opts.Upstream(c.Request.Context())
	if err != nil {
		g.upstreamFailed(c, err)
		return
	}

	sse := transport.NewSSEServerTransport(g.opts.MessagesPath, c.Writer, c.Request, g.opts.SSE)
	b := NewBridge(sse, up, BridgeOptions{
		SessionID:     sse.SessionID(),
		Transport:     transport.KindSSEServer,
		Tap:           g.opts.Tap,
		Redial:        g.opts.Upstream,
		StartAttempts: g.opts.StartAttempts,
		RetryBackoff:  g.opts.RetryBackoff,
		Logger:        g.opts.Logger,
	})
	if !g.admit(b, sse) {
		up.Close()
		c.String(http.StatusServiceUnavailable, "shutting down")
		return
	}
	defer g.release(b, sse)

	if err := b.Run(g.ctx); err != nil {
		if c.Writer.Written() {
			g.log.Error("session failed", errors.Fields(err))
			return
		}
		g.upstreamFailed(c, err)
	}
}

func (g *Gateway) handleMessage(c *gin.Context) {
	id := c.Query("sessionId")
	if id == "" {
		c.String(http.StatusBadRequest, "Missing sessionId parameter")
		return
	}
	sse := g.lookup(id)
	if sse == nil {
		c.String(http.StatusNotFound, "Session not found")
		return
	}
	// Rejections are answered, logged and counted by the transport.
	sse.HandlePostMessage(c.Writer, c.Request, nil)
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	if host := c.Request.Host; g.opts.SSE.EnableDNSRebindingProtection &&
		len(g.opts.SSE.AllowedHosts) > 0 && !slices.Contains(g.opts.SSE.AllowedHosts, host) {
		g.log.SecurityWarning("websocket upgrade rejected", map[string]interface{}{"host": host})
		c.String(http.StatusForbidden, "Invalid Host header: "+host)
		return
	}
	if !g.allow(c) {
		return
	}

	up, err := g.opts.Upstream(c.Request.Context())
	if err != nil {
		g.upstreamFailed(c, err)
		return
	}
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already answered.
		up.Close()
		return
	}

	ws := transport.NewWebSocketTransport(conn, transport.WebSocketConfig{
		MaxMessageSize: g.opts.SSE.MaxBodyBytes,
		Logger:         g.opts.Logger,
	})
	b := NewBridge(ws, up, BridgeOptions{
		SessionID:     conn.RemoteAddr().String(),
		Transport:     transport.KindWebSocket,
		Tap:           g.opts.Tap,
		Redial:        g.opts.Upstream,
		StartAttempts: g.opts.StartAttempts,
		RetryBackoff:  g.opts.RetryBackoff,
		Logger:        g.opts.Logger,
	})
	if !g.admit(b, nil) {
		ws.Close()
		up.Close()
		return
	}
	defer g.release(b, nil)

	if err := b.Run(g.ctx); err != nil {
		g.log.Error("session failed", errors.Fields(err))
	}
}

// upstreamFailed answers a session whose upstream could not be built or
// started: 503 with Retry-After when a later attempt may succeed, 502
// otherwise.
func (g *Gateway) upstreamFailed(c *gin.Context, err error) {
	g.log.Error("upstream unavailable", errors.Fields(err))
	if errors.IsRetryable(err) {
		c.Header("Retry-After", "1")
		c.String(http.StatusServiceUnavailable, "upstream unavailable")
		return
	}
	c.String(http.StatusBadGateway, "upstream unavailable")
}

// checkOrigin applies AllowedOrigins when DNS rebinding protection is on.
// Otherwise requests without an Origin header or from the same host pass.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if g.opts.SSE.EnableDNSRebindingProtection && len(g.opts.SSE.AllowedOrigins) > 0 {
		return slices.Contains(g.opts.SSE.AllowedOrigins, origin)
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
