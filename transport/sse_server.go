package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/mcpwire/auth"
	"github.com/vinayprograms/mcpwire/errors"
	"github.com/vinayprograms/mcpwire/logging"
	"github.com/vinayprograms/mcpwire/metrics"
	"github.com/vinayprograms/mcpwire/telemetry"
)

// DefaultMaxBodyBytes caps a POSTed message.
const DefaultMaxBodyBytes = 4 * 1024 * 1024

// SSEServerOptions configures an SSEServerTransport.
type SSEServerOptions struct {
	// EnableDNSRebindingProtection turns on Host and Origin checks.
	EnableDNSRebindingProtection bool

	// AllowedHosts lists accepted Host headers. Empty accepts any.
	AllowedHosts []string

	// AllowedOrigins lists accepted Origin headers. Empty accepts any; a
	// request without an Origin header always passes.
	AllowedOrigins []string

	// MaxBodyBytes caps POST bodies. Default: DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// HeartbeatInterval sends SSE comments as keepalive (0 = disabled).
	HeartbeatInterval time.Duration

	// Logger receives transport logs. Default: WARN to stderr.
	Logger *logging.Logger

	// Validator checks POSTed messages. Default: DefaultValidator.
	Validator Validator
}

// SSEServerTransport serves one client over a server-sent event stream.
// Messages to the client are written as "message" events on the GET
// response; messages from the client arrive as POSTs that the router hands
// to HandlePostMessage.
//
// The GET handler must not return before the transport closes:
//
//	t := transport.NewSSEServerTransport("/messages", w, r, opts)
//	t.SetHandler(h)
//	if err := t.Start(r.Context()); err != nil {
//	    return
//	}
//	<-t.Done()
type SSEServerTransport struct {
	state
	opts SSEServerOptions

	w         http.ResponseWriter
	r         *http.Request
	endpoint  string
	sessionID string

	mu       sync.Mutex
	open     bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewSSEServerTransport creates a transport for the GET request r. The
// client will be told to POST to endpoint, a path relative to the server.
func NewSSEServerTransport(endpoint string, w http.ResponseWriter, r *http.Request, opts SSEServerOptions) *SSEServerTransport {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	t := &SSEServerTransport{
		opts:      opts,
		w:         w,
		r:         r,
		endpoint:  endpoint,
		sessionID: uuid.NewString(),
		done:      make(chan struct{}),
	}
	t.init(KindSSEServer, opts.Logger)
	return t
}

// SessionID identifies this stream. Routers use it to find the transport
// for a POST.
func (t *SSEServerTransport) SessionID() string { return t.sessionID }

// Done is closed when the transport closes.
func (t *SSEServerTransport) Done() <-chan struct{} { return t.done }

// EndpointURL returns the POST target announced to the client.
func (t *SSEServerTransport) EndpointURL() string {
	return endpointWithSession(t.endpoint, t.sessionID)
}

func endpointWithSession(endpoint, sessionID string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint + "?sessionId=" + url.QueryEscape(sessionID)
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	out := u.EscapedPath() + "?" + q.Encode()
	if u.Fragment != "" {
		out += "#" + u.EscapedFragment()
	}
	return out
}

// Start writes the stream headers and the endpoint event.
func (t *SSEServerTransport) Start(ctx context.Context) error {
	if err := t.markStarted(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrNotConnected
	}

	t.mu.Lock()
	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	t.w.WriteHeader(http.StatusOK)
	_, err := t.w.Write(EncodeEvent(EventEndpoint, []byte(t.EndpointURL())))
	if err == nil {
		err = http.NewResponseController(t.w).Flush()
	}
	if err != nil {
		t.mu.Unlock()
		werr := errors.Wrap(err, "open event stream",
			errors.WithTransport(t.kind), errors.WithSessionID(t.sessionID))
		t.fail(werr)
		t.Close()
		return werr
	}
	t.open = true
	t.mu.Unlock()

	metrics.SessionOpened(t.kind)
	t.log.Started(t.kind, map[string]interface{}{"session_id": t.sessionID})
	go t.watch()
	return nil
}

// watch closes the transport when the client goes away and sends
// heartbeats while the stream is open.
func (t *SSEServerTransport) watch() {
	var heartbeat <-chan time.Time
	if t.opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(t.opts.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	for {
		select {
		case <-t.r.Context().Done():
			t.Close()
			return
		case <-t.done:
			return
		case <-heartbeat:
			t.write([]byte(": heartbeat\n\n"))
		}
	}
}

func (t *SSEServerTransport) write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return ErrNotConnected
	}
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	return http.NewResponseController(t.w).Flush()
}

// Send writes msg as a "message" event.
func (t *SSEServerTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	open := t.open
	t.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	_, end := t.traceSend(ctx, msg)
	frame, err := EncodeMessageEvent(msg)
	if err != nil {
		end(err)
		return err
	}
	err = t.write(frame)
	if err != nil && err != ErrNotConnected {
		err = errors.Wrap(err, "write event",
			errors.WithTransport(t.kind), errors.WithSessionID(t.sessionID))
	}
	end(err)
	return err
}

// Close ends the stream and fires HandleClose once. The GET handler
// blocked on Done returns.
func (t *SSEServerTransport) Close() error {
	t.mu.Lock()
	wasOpen := t.open
	t.open = false
	t.mu.Unlock()
	t.doneOnce.Do(func() { close(t.done) })
	if wasOpen {
		metrics.SessionClosed(t.kind)
	}
	t.finish()
	return nil
}

// validateRequestHeaders applies the Host and Origin allow-lists.
func (t *SSEServerTransport) validateRequestHeaders(r *http.Request) error {
	if !t.opts.EnableDNSRebindingProtection {
		return nil
	}
	if len(t.opts.AllowedHosts) > 0 {
		host := r.Host
		if host == "" || !slices.Contains(t.opts.AllowedHosts, host) {
			return errors.Forbidden("Invalid Host header: "+host, errors.WithTransport(t.kind), errors.WithSessionID(t.sessionID))
		}
	}
	if len(t.opts.AllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" && !slices.Contains(t.opts.AllowedOrigins, origin) {
			return errors.Forbidden("Invalid Origin header: "+origin, errors.WithTransport(t.kind), errors.WithSessionID(t.sessionID))
		}
	}
	return nil
}

// HandlePostMessage processes one POSTed message. When a router has
// already read the body it passes it as parsedBody; otherwise the body is
// read from r, capped at MaxBodyBytes. Every rejection is answered, reported
// to the handler and returned; none of them closes the stream.
func (t *SSEServerTransport) HandlePostMessage(w http.ResponseWriter, r *http.Request, parsedBody json.RawMessage) (err error) {
	ctx := telemetry.ExtractContext(r.Context(), propagation.HeaderCarrier(r.Header))
	_, span := telemetry.GetTracer().StartInboundSpan(ctx, t.kind, t.sessionID)
	status := http.StatusAccepted
	defer func() {
		metrics.PostHandled(t.kind, status)
		telemetry.EndInboundSpan(span, status, err)
	}()

	t.mu.Lock()
	open := t.open
	t.mu.Unlock()
	if !open {
		status = http.StatusInternalServerError
		reply(w, status, "SSE connection not established")
		return errors.New(errors.ErrCodeNotConnected, "SSE connection not established",
			errors.WithTransport(t.kind), errors.WithSessionID(t.sessionID))
	}

	if verr := t.validateRequestHeaders(r); verr != nil {
		status = http.StatusForbidden
		reply(w, status, verr.Error())
		t.log.SecurityWarning("request rejected", map[string]interface{}{
			"session_id": t.sessionID,
			"reason":     verr.Error(),
		})
		t.fail(verr)
		return verr
	}

	body, rerr := t.readBody(w, r, parsedBody)
	if rerr != nil {
		status = http.StatusBadRequest
		reply(w, status, rerr.Error())
		t.fail(rerr)
		return rerr
	}

	msg, derr := DecodeWith(body, t.validator())
	if derr != nil {
		status = http.StatusBadRequest
		reply(w, status, "Invalid message: "+excerpt(body))
		werr := errors.Wrap(derr, "invalid message",
			errors.WithTransport(t.kind), errors.WithSessionID(t.sessionID))
		t.fail(werr)
		return werr
	}

	info := &MessageInfo{Headers: r.Header.Clone(), Auth: auth.InfoFromContext(r.Context())}
	t.deliver(msg, info)
	reply(w, status, "Accepted")
	return nil
}

func (t *SSEServerTransport) validator() Validator {
	if t.opts.Validator != nil {
		return t.opts.Validator
	}
	return DefaultValidator
}

func (t *SSEServerTransport) readBody(w http.ResponseWriter, r *http.Request, parsedBody json.RawMessage) ([]byte, error) {
	ct := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || mediaType != "application/json" {
		return nil, errors.InvalidInput("Unsupported content-type: "+ct,
			errors.WithTransport(t.kind), errors.WithSessionID(t.sessionID))
	}
	if parsedBody != nil {
		return parsedBody, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return nil, errors.TooLarge("request entity too large",
				errors.WithMetadata("limit", strconv.FormatInt(tooLarge.Limit, 10)),
				errors.WithTransport(t.kind), errors.WithSessionID(t.sessionID))
		}
		return nil, errors.Wrap(err, "read body",
			errors.WithTransport(t.kind), errors.WithSessionID(t.sessionID))
	}
	return body, nil
}

// maxEchoedBody caps how much of a rejected body is echoed back.
const maxEchoedBody = 256

func excerpt(body []byte) string {
	if len(body) <= maxEchoedBody {
		return string(body)
	}
	return string(body[:maxEchoedBody]) + "..."
}

func reply(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, text)
}
