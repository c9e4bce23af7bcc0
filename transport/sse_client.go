package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/mcpwire/auth"
	"github.com/vinayprograms/mcpwire/errors"
	"github.com/vinayprograms/mcpwire/logging"
	"github.com/vinayprograms/mcpwire/telemetry"
)

// ProtocolVersionHeader carries the negotiated protocol version.
const ProtocolVersionHeader = "mcp-protocol-version"

const errorSnippetBytes = 512

// SSEClientOptions configures an SSEClientTransport.
type SSEClientOptions struct {
	// HTTPClient performs the GET and POST requests. Default: http.DefaultClient.
	HTTPClient *http.Client

	// Headers are added to every request.
	Headers http.Header

	// AuthProvider supplies bearer tokens and handles 401 responses.
	AuthProvider auth.Provider

	// Logger receives transport logs. Default: WARN to stderr.
	Logger *logging.Logger

	// Validator checks inbound messages. Default: DefaultValidator.
	Validator Validator
}

// SSEClientTransport connects to an SSEServerTransport: it reads messages
// from the event stream and POSTs messages to the endpoint the server
// announces.
//
// Concurrent Send calls are independent requests and may reach the server
// in any order. Callers that need ordering must wait for one Send to return
// before issuing the next.
type SSEClientTransport struct {
	state
	url  *url.URL
	opts SSEClientOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu                  sync.Mutex
	endpoint            *url.URL
	protocolVersion     string
	resourceMetadataURL *url.URL
}

// NewSSEClientTransport creates a transport for the event stream at u.
func NewSSEClientTransport(u *url.URL, opts SSEClientOptions) *SSEClientTransport {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Validator == nil {
		opts.Validator = DefaultValidator
	}
	t := &SSEClientTransport{url: u, opts: opts}
	t.init(KindSSEClient, opts.Logger)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// SetProtocolVersion sets the version sent on every subsequent request.
func (t *SSEClientTransport) SetProtocolVersion(v string) {
	t.mu.Lock()
	t.protocolVersion = v
	t.mu.Unlock()
}

// Endpoint returns the announced POST target, or nil before the endpoint
// event has arrived.
func (t *SSEClientTransport) Endpoint() *url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endpoint == nil {
		return nil
	}
	u := *t.endpoint
	return &u
}

// ResourceMetadataURL returns the protected resource metadata location from
// the latest 401 challenge, if any.
func (t *SSEClientTransport) ResourceMetadataURL() *url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resourceMetadataURL
}

func (t *SSEClientTransport) commonHeaders(ctx context.Context) (http.Header, error) {
	h := make(http.Header)
	for k, vs := range t.opts.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if t.opts.AuthProvider != nil {
		tokens, err := t.opts.AuthProvider.Tokens(ctx)
		if err != nil {
			return nil, err
		}
		if tokens != nil && tokens.AccessToken != "" {
			h.Set("Authorization", "Bearer "+tokens.AccessToken)
		}
	}
	t.mu.Lock()
	if t.protocolVersion != "" {
		h.Set(ProtocolVersionHeader, t.protocolVersion)
	}
	t.mu.Unlock()
	return h, nil
}

// Start opens the event stream and returns once the endpoint event has
// arrived. Cancelling ctx abandons the attempt; the stream itself is bound
// to the transport and lives until Close.
func (t *SSEClientTransport) Start(ctx context.Context) error {
	if err := t.markStarted(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrNotConnected
	}
	if err := t.start(ctx); err != nil {
		t.cancel()
		t.abandon()
		return err
	}
	t.log.Started(t.kind, map[string]interface{}{"url": t.url.Redacted()})
	return nil
}

func (t *SSEClientTransport) start(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		resp, err := t.openStream(ctx)
		if err != nil {
			return t.startFailed(errors.Wrap(err, "open event stream", errors.WithTransport(t.kind)))
		}

		if resp.StatusCode == http.StatusUnauthorized {
			t.noteChallenge(resp)
			resp.Body.Close()
			if t.opts.AuthProvider == nil || attempt > 0 {
				return t.startFailed(errors.Unauthorized("event stream requires authorization", errors.WithTransport(t.kind)))
			}
			if err := t.authorize(ctx); err != nil {
				return t.startFailed(err)
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet := readSnippet(resp.Body)
			resp.Body.Close()
			return t.startFailed(errors.Protocol(resp.StatusCode,
				fmt.Sprintf("SSE error (HTTP %d): %s", resp.StatusCode, snippet), errors.WithTransport(t.kind)))
		}
		if resp.Body == nil || resp.Body == http.NoBody {
			return t.startFailed(errors.Protocol(resp.StatusCode, "SSE response has no body", errors.WithTransport(t.kind)))
		}
		if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
			resp.Body.Close()
			return t.startFailed(errors.Protocol(resp.StatusCode,
				"unexpected content type "+resp.Header.Get("Content-Type"), errors.WithTransport(t.kind)))
		}

		ready := make(chan error, 1)
		go t.readStream(resp.Body, ready)
		select {
		case err := <-ready:
			return err
		case <-ctx.Done():
			t.cancel()
			return errors.Wrap(ctx.Err(), "waiting for endpoint", errors.WithTransport(t.kind))
		}
	}
}

func (t *SSEClientTransport) startFailed(err error) error {
	t.fail(err)
	return err
}

func (t *SSEClientTransport) openStream(ctx context.Context) (*http.Response, error) {
	h, err := t.commonHeaders(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = h
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// A Start deadline must not cut the established stream, so ctx only
	// guards the connect phase.
	stop := context.AfterFunc(ctx, t.cancel)
	defer stop()
	return t.opts.HTTPClient.Do(req)
}

func (t *SSEClientTransport) noteChallenge(resp *http.Response) {
	rm := auth.ResourceMetadataURL(resp.Header.Get("WWW-Authenticate"))
	t.mu.Lock()
	t.resourceMetadataURL = rm
	t.mu.Unlock()
}

func (t *SSEClientTransport) authorize(ctx context.Context) error {
	res, err := t.opts.AuthProvider.Authorize(ctx, t.url, t.ResourceMetadataURL())
	if err != nil {
		return errors.Wrap(err, "authorize", errors.WithTransport(t.kind))
	}
	if res != auth.Authorized {
		return errors.Unauthorized("authorization did not complete", errors.WithTransport(t.kind))
	}
	return nil
}

// readStream consumes events until the stream ends. ready receives the
// outcome of waiting for the first endpoint event.
func (t *SSEClientTransport) readStream(body io.ReadCloser, ready chan<- error) {
	defer body.Close()
	er := NewEventReader(body)
	announced := false

	for {
		ev, err := er.Next()
		if err != nil {
			switch {
			case !announced && t.ctx.Err() != nil:
				ready <- errors.Wrap(t.ctx.Err(), "event stream closed", errors.WithTransport(t.kind))
			case !announced:
				opts := []errors.Option{errors.WithTransport(t.kind)}
				if err != io.EOF {
					opts = append(opts, errors.WithCause(err))
				}
				serr := errors.StreamEnded("SSE stream ended before endpoint event", opts...)
				t.fail(serr)
				ready <- serr
			default:
				if err != io.EOF && t.ctx.Err() == nil {
					t.fail(errors.Wrap(err, "read event stream", errors.WithTransport(t.kind)))
				}
				t.Close()
			}
			return
		}

		if ev.Event == EventEndpoint {
			ep, perr := t.resolveEndpoint(ev.Data)
			if perr != nil {
				t.fail(perr)
				if !announced {
					ready <- perr
					return
				}
				t.Close()
				return
			}
			t.mu.Lock()
			t.endpoint = ep
			t.mu.Unlock()
			if !announced {
				announced = true
				ready <- nil
			}
			continue
		}

		msg, derr := DecodeWith([]byte(ev.Data), t.opts.Validator)
		if derr != nil {
			t.fail(derr)
			continue
		}
		t.deliver(msg, nil)
	}
}

// resolveEndpoint resolves data against the stream URL and requires the
// result to share its origin.
func (t *SSEClientTransport) resolveEndpoint(data string) (*url.URL, error) {
	ep, err := t.url.Parse(strings.TrimSpace(data))
	if err != nil {
		return nil, errors.Decode("invalid endpoint "+data, errors.WithCause(err), errors.WithTransport(t.kind))
	}
	if origin(ep) != origin(t.url) {
		return nil, errors.Decode(fmt.Sprintf("endpoint origin does not match connection origin: %s", origin(ep)),
			errors.WithTransport(t.kind))
	}
	return ep, nil
}

func origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

// Send POSTs msg to the announced endpoint. A 401 triggers one
// authorization and one resend.
func (t *SSEClientTransport) Send(ctx context.Context, msg *Message) error {
	ep := t.Endpoint()
	if ep == nil || t.isClosed() {
		return ErrNotConnected
	}

	ctx, end := t.traceSend(ctx, msg)
	err := t.post(ctx, ep, msg)
	end(err)
	return err
}

func (t *SSEClientTransport) post(ctx context.Context, ep *url.URL, msg *Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	for attempt := 0; ; attempt++ {
		h, err := t.commonHeaders(ctx)
		if err != nil {
			return t.sendFailed(errors.Wrap(err, "read tokens", errors.WithTransport(t.kind)))
		}
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.String(), bytes.NewReader(body))
		if err != nil {
			return t.sendFailed(errors.Wrap(err, "build request", errors.WithTransport(t.kind)))
		}
		req.Header = h
		req.Header.Set("Content-Type", "application/json")
		telemetry.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := t.opts.HTTPClient.Do(req)
		if err != nil {
			return t.sendFailed(errors.Wrap(err, "POST to endpoint", errors.WithTransport(t.kind)))
		}

		if resp.StatusCode == http.StatusUnauthorized && t.opts.AuthProvider != nil && attempt == 0 {
			t.noteChallenge(resp)
			drain(resp.Body)
			if err := t.authorize(ctx); err != nil {
				return t.sendFailed(err)
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet := readSnippet(resp.Body)
			resp.Body.Close()
			text := fmt.Sprintf("Error POSTing to endpoint (HTTP %d): %s", resp.StatusCode, snippet)
			if resp.StatusCode == http.StatusUnauthorized {
				return t.sendFailed(errors.Unauthorized(text, errors.WithTransport(t.kind)))
			}
			return t.sendFailed(errors.Protocol(resp.StatusCode, text, errors.WithTransport(t.kind)))
		}
		drain(resp.Body)
		return nil
	}
}

func (t *SSEClientTransport) sendFailed(err error) error {
	t.fail(err)
	return err
}

// Close aborts the stream and in-flight requests and fires HandleClose once.
func (t *SSEClientTransport) Close() error {
	t.cancel()
	t.finish()
	return nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, errorSnippetBytes))
	return strings.TrimSpace(string(b))
}

func drain(rc io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(rc, 64*1024))
	rc.Close()
}
