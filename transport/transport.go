package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/vinayprograms/mcpwire/auth"
	"github.com/vinayprograms/mcpwire/errors"
	"github.com/vinayprograms/mcpwire/logging"
	"github.com/vinayprograms/mcpwire/metrics"
	"github.com/vinayprograms/mcpwire/telemetry"
)

// Usage errors.
var (
	ErrAlreadyStarted = errors.New(errors.ErrCodeAlreadyStarted, "transport already started")
	ErrNotConnected   = errors.New(errors.ErrCodeNotConnected, "not connected")
)

// Transport moves messages between two peers.
//
// A transport is started at most once. Once closed it stays closed: Send
// returns ErrNotConnected and the handler's HandleClose has fired exactly
// once.
type Transport interface {
	// SetHandler installs the callbacks. It may be called before or after Start.
	SetHandler(h Handler)

	// Start opens the channel. A second call returns ErrAlreadyStarted.
	Start(ctx context.Context) error

	// Send delivers one message to the peer.
	Send(ctx context.Context, msg *Message) error

	// Close shuts the transport down.
	Close() error
}

// Handler receives transport events. A transport invokes its handler from
// one goroutine at a time in arrival order, except the SSE server transport,
// which delivers on the goroutine of each POST request.
type Handler interface {
	HandleMessage(msg *Message, info *MessageInfo)
	HandleError(err error)
	HandleClose()
}

// MessageInfo carries request context for messages that arrived over HTTP.
type MessageInfo struct {
	Headers http.Header
	Auth    *auth.Info
}

// HandlerFuncs adapts optional functions to Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	OnMessage func(msg *Message, info *MessageInfo)
	OnError   func(err error)
	OnClose   func()
}

func (h HandlerFuncs) HandleMessage(msg *Message, info *MessageInfo) {
	if h.OnMessage != nil {
		h.OnMessage(msg, info)
	}
}

func (h HandlerFuncs) HandleError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h HandlerFuncs) HandleClose() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

// Transport kinds, used in logs, metrics and error context.
const (
	KindStdioServer = "stdio_server"
	KindStdioClient = "stdio_client"
	KindSSEServer   = "sse_server"
	KindSSEClient   = "sse_client"
	KindWebSocket   = "websocket"
	KindInMemory    = "inmemory"
)

func defaultLogger() *logging.Logger {
	l := logging.New()
	l.SetLevel(logging.LevelWarn)
	return l
}

// state is the lifecycle and callback plumbing shared by every transport.
type state struct {
	kind string
	log  *logging.Logger

	mu      sync.Mutex
	handler Handler
	started bool
	closed  bool
}

func (s *state) init(kind string, log *logging.Logger) {
	if log == nil {
		log = defaultLogger()
	}
	s.kind = kind
	s.log = log.WithComponent(kind)
}

// SetHandler installs the transport's callbacks.
func (s *state) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *state) current() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return HandlerFuncs{}
	}
	return s.handler
}

func (s *state) markStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	return nil
}

func (s *state) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *state) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *state) deliver(msg *Message, info *MessageInfo) {
	kind := msg.Kind()
	metrics.MessageReceived(s.kind, kind)
	s.log.MessageReceived(s.kind, kind)
	s.current().HandleMessage(msg, info)
}

func (s *state) fail(err error) {
	metrics.TransportError(s.kind, string(errors.Code(err)))
	s.log.TransportError(s.kind, err)
	s.current().HandleError(err)
}

// finish moves the transport to closed and fires HandleClose once. The
// handler may call Close again from HandleClose.
func (s *state) finish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.log.Closed(s.kind)
	s.current().HandleClose()
}

// abandon moves the transport to closed without firing HandleClose. It is
// used when Start fails.
func (s *state) abandon() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// traceSend opens a send span and returns the function that ends it.
func (s *state) traceSend(ctx context.Context, msg *Message) (context.Context, func(err error)) {
	start := time.Now()
	kind := msg.Kind()
	ctx, span := telemetry.GetTracer().StartSendSpan(ctx, s.kind, kind, msg.Method())
	return ctx, func(err error) {
		telemetry.EndSpan(span, err)
		if err != nil {
			return
		}
		metrics.MessageSent(s.kind, kind)
		s.log.MessageSent(s.kind, kind, time.Since(start))
	}
}

type inbound struct {
	msg *Message
	err error
}

// drainBuffer removes every complete message from buf. A line that fails to
// decode becomes an error item and draining continues with the next line.
func drainBuffer(buf *ReadBuffer) []inbound {
	var items []inbound
	for {
		msg, err := buf.ReadMessage()
		if err != nil {
			items = append(items, inbound{err: err})
			continue
		}
		if msg == nil {
			return items
		}
		items = append(items, inbound{msg: msg})
	}
}

// dispatch hands drained items to the handler in order, stopping once the
// transport has closed.
func (s *state) dispatch(items []inbound) {
	for _, it := range items {
		if s.isClosed() {
			return
		}
		if it.err != nil {
			s.fail(it.err)
			continue
		}
		s.deliver(it.msg, nil)
	}
}
