package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/mcpwire/auth"
	"github.com/vinayprograms/mcpwire/errors"
	"github.com/vinayprograms/mcpwire/logging"
)

// streamWriter is a ResponseWriter that can be read while it is written.
type streamWriter struct {
	header http.Header

	mu      sync.Mutex
	code    int
	body    strings.Builder
	flushes int
}

func newStreamWriter() *streamWriter {
	return &streamWriter{header: make(http.Header)}
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.code == 0 {
		w.code = code
	}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *streamWriter) Flush() {
	w.mu.Lock()
	w.flushes++
	w.mu.Unlock()
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.body.String()
}

func (w *streamWriter) events(t *testing.T) []*Event {
	t.Helper()
	return readEvents(t, w.String())
}

func startSSEServer(t *testing.T, opts SSEServerOptions) (*SSEServerTransport, *streamWriter, *recorder) {
	t.Helper()
	w := newStreamWriter()
	r := httptest.NewRequest(http.MethodGet, "http://localhost:3000/sse", nil)
	opts.Logger = logging.Nop()
	tr := NewSSEServerTransport("/messages", w, r, opts)
	rec := newRecorder()
	tr.SetHandler(rec)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, w, rec
}

func postMessage(tr *SSEServerTransport, body, contentType string, edit func(*http.Request)) (*httptest.ResponseRecorder, error) {
	r := httptest.NewRequest(http.MethodPost, "http://localhost:3000/messages?sessionId="+tr.SessionID(), strings.NewReader(body))
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	if edit != nil {
		edit(r)
	}
	w := httptest.NewRecorder()
	err := tr.HandlePostMessage(w, r, nil)
	return w, err
}

const pingRequest = `{"jsonrpc":"2.0","id":1,"method":"ping"}`

func TestSSEServer_StartWritesEndpoint(t *testing.T) {
	tr, w, _ := startSSEServer(t, SSEServerOptions{})

	if w.code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if w.flushes == 0 {
		t.Error("endpoint event should be flushed")
	}

	events := w.events(t)
	if len(events) != 1 || events[0].Event != EventEndpoint {
		t.Fatalf("events = %+v", events)
	}
	want := "/messages?sessionId=" + tr.SessionID()
	if events[0].Data != want {
		t.Errorf("endpoint = %q, want %q", events[0].Data, want)
	}
	if tr.EndpointURL() != want {
		t.Errorf("EndpointURL() = %q", tr.EndpointURL())
	}
}

func TestSSEServer_SessionIDsAreUnique(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/sse", nil)
	a := NewSSEServerTransport("/messages", newStreamWriter(), r, SSEServerOptions{})
	b := NewSSEServerTransport("/messages", newStreamWriter(), r, SSEServerOptions{})
	if a.SessionID() == "" || a.SessionID() == b.SessionID() {
		t.Errorf("session ids %q and %q", a.SessionID(), b.SessionID())
	}
}

func TestEndpointWithSession(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"/messages", "/messages?sessionId=abc"},
		{"/messages#frag", "/messages?sessionId=abc#frag"},
		{"/messages?x=1", "/messages?sessionId=abc&x=1"},
		{"/api/v1/messages?x=1#top", "/api/v1/messages?sessionId=abc&x=1#top"},
	}
	for _, tt := range tests {
		if got := endpointWithSession(tt.endpoint, "abc"); got != tt.want {
			t.Errorf("endpointWithSession(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}

func TestSSEServer_PostAccepted(t *testing.T) {
	tr, _, rec := startSSEServer(t, SSEServerOptions{})

	resp, err := postMessage(tr, pingRequest, "application/json", func(r *http.Request) {
		r.Header.Set("X-Request-Tag", "t1")
	})
	if err != nil {
		t.Fatalf("HandlePostMessage: %v", err)
	}
	if resp.Code != http.StatusAccepted || resp.Body.String() != "Accepted" {
		t.Errorf("response = %d %q", resp.Code, resp.Body.String())
	}

	got := rec.waitMessage(t)
	if got.msg.Method() != "ping" {
		t.Errorf("message = %+v", got.msg)
	}
	if got.info == nil || got.info.Headers.Get("X-Request-Tag") != "t1" {
		t.Errorf("info = %+v", got.info)
	}
	if got.info.Auth != nil {
		t.Errorf("Auth = %+v, want nil without a principal", got.info.Auth)
	}
}

func TestSSEServer_PostCarriesAuthInfo(t *testing.T) {
	tr, _, rec := startSSEServer(t, SSEServerOptions{})
	principal := &auth.Info{Token: "tok", ClientID: "client-1", Scopes: []string{"read"}}

	_, err := postMessage(tr, pingRequest, "application/json; charset=utf-8", func(r *http.Request) {
		*r = *r.WithContext(auth.WithInfo(r.Context(), principal))
	})
	if err != nil {
		t.Fatalf("HandlePostMessage: %v", err)
	}
	if got := rec.waitMessage(t); got.info.Auth != principal {
		t.Errorf("Auth = %+v, want %+v", got.info.Auth, principal)
	}
}

func TestSSEServer_PostParsedBody(t *testing.T) {
	tr, _, rec := startSSEServer(t, SSEServerOptions{})

	r := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("ignored"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	if err := tr.HandlePostMessage(w, r, json.RawMessage(pingRequest)); err != nil {
		t.Fatalf("HandlePostMessage: %v", err)
	}
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d", w.Code)
	}
	if got := rec.waitMessage(t); got.msg.Method() != "ping" {
		t.Errorf("message = %+v", got.msg)
	}
}

func TestSSEServer_PostBeforeStart(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/sse", nil)
	tr := NewSSEServerTransport("/messages", newStreamWriter(), r, SSEServerOptions{Logger: logging.Nop()})
	rec := newRecorder()
	tr.SetHandler(rec)

	resp, err := postMessage(tr, pingRequest, "application/json", nil)
	if resp.Code != http.StatusInternalServerError || resp.Body.String() != "SSE connection not established" {
		t.Errorf("response = %d %q", resp.Code, resp.Body.String())
	}
	if !errors.Is(err, errors.ErrCodeNotConnected) {
		t.Errorf("error = %v", err)
	}
	rec.expectNoError(t)
}

func TestSSEServer_PostRejections(t *testing.T) {
	long := "{" + strings.Repeat("x", 4096)
	tests := []struct {
		name        string
		body        string
		contentType string
		maxBody     int64
		wantBody    string
		wantCode    errors.ErrorCode
	}{
		{"wrong content type", pingRequest, "text/plain", 0, "Unsupported content-type: text/plain", errors.ErrCodeInvalidInput},
		{"missing content type", pingRequest, "", 0, "Unsupported content-type: ", errors.ErrCodeInvalidInput},
		{"invalid json", `{bad`, "application/json", 0, "Invalid message: {bad", errors.ErrCodeDecode},
		{"invalid shape", `{"jsonrpc":"2.0"}`, "application/json", 0, `Invalid message: {"jsonrpc":"2.0"}`, errors.ErrCodeSchema},
		{"long invalid body is truncated", long, "application/json", 0, "Invalid message: " + long[:256] + "...", errors.ErrCodeDecode},
		{"too large", pingRequest, "application/json", 8, "request entity too large", errors.ErrCodeTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, rec := startSSEServer(t, SSEServerOptions{MaxBodyBytes: tt.maxBody})

			resp, err := postMessage(tr, tt.body, tt.contentType, nil)
			if resp.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.Code)
			}
			if resp.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", resp.Body.String(), tt.wantBody)
			}
			if !errors.Is(err, tt.wantCode) {
				t.Errorf("error = %v, want %s", err, tt.wantCode)
			}
			if got := rec.waitError(t); !errors.Is(got, tt.wantCode) {
				t.Errorf("HandleError(%v)", got)
			}

			// A rejected POST leaves the stream usable.
			if err := tr.Send(context.Background(), NewNotification("still open", nil)); err != nil {
				t.Errorf("Send after rejection: %v", err)
			}
		})
	}
}

func TestSSEServer_DNSRebindingProtection(t *testing.T) {
	opts := SSEServerOptions{
		EnableDNSRebindingProtection: true,
		AllowedHosts:                 []string{"localhost:3000"},
		AllowedOrigins:               []string{"http://localhost:3000"},
	}
	tests := []struct {
		name     string
		host     string
		origin   string
		wantCode int
		wantBody string
	}{
		{"allowed", "localhost:3000", "http://localhost:3000", http.StatusAccepted, "Accepted"},
		{"no origin", "localhost:3000", "", http.StatusAccepted, "Accepted"},
		{"bad host", "evil.example", "", http.StatusForbidden, "Invalid Host header: evil.example"},
		{"bad origin", "localhost:3000", "http://evil.example", http.StatusForbidden, "Invalid Origin header: http://evil.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, rec := startSSEServer(t, opts)
			resp, err := postMessage(tr, pingRequest, "application/json", func(r *http.Request) {
				r.Host = tt.host
				if tt.origin != "" {
					r.Header.Set("Origin", tt.origin)
				}
			})
			if resp.Code != tt.wantCode || resp.Body.String() != tt.wantBody {
				t.Errorf("response = %d %q, want %d %q", resp.Code, resp.Body.String(), tt.wantCode, tt.wantBody)
			}
			if tt.wantCode == http.StatusForbidden {
				if !errors.Is(err, errors.ErrCodeForbidden) {
					t.Errorf("error = %v, want FORBIDDEN", err)
				}
				rec.waitError(t)
			}
		})
	}
}

func TestSSEServer_ProtectionDisabledAcceptsAnyHost(t *testing.T) {
	tr, _, _ := startSSEServer(t, SSEServerOptions{AllowedHosts: []string{"localhost:3000"}})
	resp, _ := postMessage(tr, pingRequest, "application/json", func(r *http.Request) {
		r.Host = "evil.example"
	})
	if resp.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202 with protection disabled", resp.Code)
	}
}

func TestSSEServer_Send(t *testing.T) {
	tr, w, _ := startSSEServer(t, SSEServerOptions{})

	if err := tr.Send(context.Background(), NewResponse(NewIntID(1), json.RawMessage(`{}`))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	events := w.events(t)
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[1].Event != EventMessage {
		t.Errorf("event = %q", events[1].Event)
	}
	msg, err := Decode([]byte(events[1].Data))
	if err != nil || msg.Response == nil || msg.Response.ID != NewIntID(1) {
		t.Errorf("decoded = %+v, %v", msg, err)
	}
}

func TestSSEServer_Heartbeat(t *testing.T) {
	_, w, _ := startSSEServer(t, SSEServerOptions{HeartbeatInterval: 5 * time.Millisecond})
	waitFor(t, func() bool { return strings.Contains(w.String(), ": heartbeat\n\n") })

	// Heartbeats are comments and never surface as events.
	if events := w.events(t); len(events) != 1 {
		t.Errorf("events = %+v", events)
	}
}

func TestSSEServer_Close(t *testing.T) {
	tr, _, rec := startSSEServer(t, SSEServerOptions{})

	tr.Close()
	tr.Close()
	rec.waitClose(t)
	if rec.closeCount() != 1 {
		t.Errorf("HandleClose fired %d times", rec.closeCount())
	}
	waitClosed(t, tr.Done())
	if err := tr.Send(context.Background(), NewNotification("x", nil)); err != ErrNotConnected {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}
	resp, _ := postMessage(tr, pingRequest, "application/json", nil)
	if resp.Code != http.StatusInternalServerError {
		t.Errorf("POST after Close = %d, want 500", resp.Code)
	}
}

func TestSSEServer_ClientDisconnectCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "/sse", nil).WithContext(ctx)
	tr := NewSSEServerTransport("/messages", newStreamWriter(), r, SSEServerOptions{Logger: logging.Nop()})
	rec := newRecorder()
	tr.SetHandler(rec)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cancel()
	rec.waitClose(t)
	waitClosed(t, tr.Done())
}

func TestSSEServer_StartTwice(t *testing.T) {
	tr, _, _ := startSSEServer(t, SSEServerOptions{})
	if err := tr.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}
