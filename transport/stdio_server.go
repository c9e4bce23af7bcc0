package transport

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/vinayprograms/mcpwire/errors"
	"github.com/vinayprograms/mcpwire/logging"
)

// StdioServerOption configures a StdioServerTransport.
type StdioServerOption func(*StdioServerTransport)

// WithServerLogger sets the transport's logger.
func WithServerLogger(l *logging.Logger) StdioServerOption {
	return func(t *StdioServerTransport) { t.init(KindStdioServer, l) }
}

// WithServerValidator sets the validator applied to inbound lines.
func WithServerValidator(v Validator) StdioServerOption {
	return func(t *StdioServerTransport) { t.buf.Validator = v }
}

// StdioServerTransport serves one peer over an input and an output stream,
// normally the process's own stdin and stdout.
type StdioServerTransport struct {
	state

	in  *SharedReader
	out io.Writer

	bufMu sync.Mutex
	buf   ReadBuffer
	sub   *Subscription

	writeMu sync.Mutex
}

// NewStdioServerTransport creates a server transport reading in and writing
// out. Nil streams default to os.Stdin and os.Stdout.
func NewStdioServerTransport(in io.Reader, out io.Writer, opts ...StdioServerOption) *StdioServerTransport {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	t := &StdioServerTransport{in: Shared(in), out: out}
	t.init(KindStdioServer, nil)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start subscribes to the input stream.
func (t *StdioServerTransport) Start(ctx context.Context) error {
	if err := t.markStarted(); err != nil {
		return err
	}
	t.log.Started(t.kind, nil)
	sub := t.in.Attach(t.onData, t.onEnd)
	t.bufMu.Lock()
	t.sub = sub
	t.bufMu.Unlock()
	if t.isClosed() {
		sub.Detach()
	}
	return nil
}

func (t *StdioServerTransport) onData(chunk []byte) {
	t.bufMu.Lock()
	t.buf.Append(chunk)
	items := drainBuffer(&t.buf)
	t.bufMu.Unlock()
	t.dispatch(items)
}

func (t *StdioServerTransport) onEnd(err error) {
	if err != nil {
		t.fail(errors.Wrap(err, "read input", errors.WithTransport(t.kind)))
	}
	t.Close()
}

// Send writes msg as one line. Concurrent calls never interleave frames.
func (t *StdioServerTransport) Send(ctx context.Context, msg *Message) error {
	if t.isClosed() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "send", errors.WithTransport(t.kind))
	}
	_, end := t.traceSend(ctx, msg)
	line, err := EncodeLine(msg)
	if err != nil {
		end(err)
		return err
	}

	t.writeMu.Lock()
	_, err = t.out.Write(line)
	t.writeMu.Unlock()
	if err != nil {
		err = errors.Wrap(err, "write output", errors.WithTransport(t.kind))
	}
	end(err)
	return err
}

// Close detaches from the input stream, discards buffered input and fires
// HandleClose. The underlying streams stay open.
func (t *StdioServerTransport) Close() error {
	t.bufMu.Lock()
	sub := t.sub
	t.buf.Clear()
	t.bufMu.Unlock()
	if sub != nil {
		sub.Detach()
	}
	t.finish()
	return nil
}
