package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/mcpwire/errors"
	"github.com/vinayprograms/mcpwire/logging"
	"github.com/vinayprograms/mcpwire/telemetry"
	"github.com/vinayprograms/mcpwire/transport"
)

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	// SessionID tags logs and tap records.
	SessionID string

	// Transport names the client-facing transport kind in tap records.
	Transport string

	// Tap records every relayed message. Default: discard.
	Tap telemetry.Exporter

	// Redial builds a replacement upstream when a start fails with a
	// retryable error. Nil disables retries.
	Redial UpstreamFactory

	// StartAttempts bounds upstream starts when Redial is set. Default: 3.
	StartAttempts int

	// RetryBackoff is the wait before the first retry and doubles after
	// each one. Default: 500ms.
	RetryBackoff time.Duration

	Logger *logging.Logger
}

// Bridge relays messages between a client-facing transport and the
// upstream server transport. When either side closes, both are closed.
type Bridge struct {
	down transport.Transport
	up   transport.Transport
	opts BridgeOptions
	log  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// NewBridge links down (the client side) to up (the server side).
func NewBridge(down, up transport.Transport, opts BridgeOptions) *Bridge {
	if opts.Tap == nil {
		opts.Tap = telemetry.NewNoopExporter()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.StartAttempts <= 0 {
		opts.StartAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	b := &Bridge{
		down: down,
		up:   up,
		opts: opts,
		log:  opts.Logger.WithComponent("bridge"),
		done: make(chan struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Done is closed once the bridge has stopped.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Run starts the upstream transport, then the client-facing one, and
// blocks until either side closes or ctx is canceled. Retryable upstream
// start failures go through Redial first; a final start failure stops the
// bridge and is returned.
func (b *Bridge) Run(ctx context.Context) error {
	b.down.SetHandler(b.relay(b.upstream, telemetry.DirectionUpstream))

	if err := b.startUpstream(ctx); err != nil {
		b.Stop()
		return errors.Wrap(err, "start upstream", errors.WithSessionID(b.opts.SessionID))
	}
	b.opts.Tap.LogEvent("session_opened", map[string]interface{}{
		"session_id": b.opts.SessionID,
		"transport":  b.opts.Transport,
	})
	b.log.Info("session opened", map[string]interface{}{"session_id": b.opts.SessionID})
	if err := b.down.Start(ctx); err != nil {
		b.Stop()
		return errors.Wrap(err, "start session", errors.WithSessionID(b.opts.SessionID))
	}

	select {
	case <-b.done:
	case <-ctx.Done():
		b.Stop()
	}
	return nil
}

// startUpstream starts the upstream, replacing it through Redial while the
// failure is retryable and attempts remain.
func (b *Bridge) startUpstream(ctx context.Context) error {
	backoff := b.opts.RetryBackoff
	for attempt := 1; ; attempt++ {
		up := b.upstream()
		up.SetHandler(b.relay(b.client, telemetry.DirectionDownstream))
		err := up.Start(ctx)
		if err == nil {
			return nil
		}
		if b.opts.Redial == nil || attempt >= b.opts.StartAttempts || !errors.IsRetryable(err) {
			return err
		}
		fields := errors.Fields(err)
		fields["session_id"] = b.opts.SessionID
		fields["attempt"] = attempt
		fields["backoff"] = backoff.String()
		b.log.Warn("upstream start failed, retrying", fields)
		// The failed transport must not stop the bridge when it closes.
		up.SetHandler(nil)
		up.Close()

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		case <-b.done:
			return err
		}
		backoff *= 2

		next, derr := b.opts.Redial(ctx)
		if derr != nil {
			return derr
		}
		b.mu.Lock()
		stopped := b.stopped
		if !stopped {
			b.up = next
		}
		b.mu.Unlock()
		if stopped {
			next.Close()
			return err
		}
	}
}

func (b *Bridge) upstream() transport.Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.up
}

// Stop closes both transports. It is safe to call more than once, including
// from the transports' own close callbacks.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.cancel()
	close(b.done)
	b.down.Close()
	b.upstream().Close()
	b.opts.Tap.LogEvent("session_closed", map[string]interface{}{
		"session_id": b.opts.SessionID,
		"transport":  b.opts.Transport,
	})
	b.log.Info("session closed", map[string]interface{}{"session_id": b.opts.SessionID})
}

// relay forwards what one side receives to the side target returns.
func (b *Bridge) relay(target func() transport.Transport, direction string) transport.Handler {
	return transport.HandlerFuncs{
		OnMessage: func(msg *transport.Message, _ *transport.MessageInfo) {
			b.record(msg, direction)
			if err := target().Send(b.ctx, msg); err != nil && !errors.Is(err, errors.ErrCodeNotConnected) {
				b.log.Warn("relay failed", map[string]interface{}{
					"session_id": b.opts.SessionID,
					"direction":  direction,
					"method":     msg.Method(),
					"error":      err.Error(),
				})
			}
		},
		OnError: func(err error) {
			b.log.Warn("transport error", map[string]interface{}{
				"session_id": b.opts.SessionID,
				"direction":  direction,
				"error":      err.Error(),
			})
		},
		OnClose: b.Stop,
	}
}

func (b *Bridge) client() transport.Transport { return b.down }

func (b *Bridge) record(msg *transport.Message, direction string) {
	payload, err := transport.Encode(msg)
	if err != nil {
		return
	}
	b.opts.Tap.LogMessage(telemetry.Record{
		SessionID: b.opts.SessionID,
		Transport: b.opts.Transport,
		Direction: direction,
		Kind:      msg.Kind(),
		Method:    msg.Method(),
		Size:      len(payload),
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
