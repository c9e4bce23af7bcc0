package transport

import (
	"bytes"
	"io"
	"sync"
)

// StderrMode selects what happens to a child's diagnostic stream.
type StderrMode string

const (
	// StderrInherit passes the child's stderr through to ours.
	StderrInherit StderrMode = "inherit"
	// StderrPipe captures stderr for the caller to read.
	StderrPipe StderrMode = "pipe"
	// StderrOverlapped captures stderr like StderrPipe. The distinction only
	// matters to platforms with overlapped I/O.
	StderrOverlapped StderrMode = "overlapped"
)

func (m StderrMode) captured() bool {
	return m == StderrPipe || m == StderrOverlapped
}

// DefaultStderrBufferSize caps captured stderr that nobody has read yet.
const DefaultStderrBufferSize = 64 * 1024

// stderrBuffer is a bounded pipe. Writes block once limit bytes are
// pending until a reader drains them or the buffer closes, so an unread
// child stalls on its own stderr instead of growing our memory. It exists
// before the child is spawned, so a reader may attach at any time.
type stderrBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	limit  int
	closed bool
}

func newStderrBuffer(limit int) *stderrBuffer {
	if limit <= 0 {
		limit = DefaultStderrBufferSize
	}
	b := &stderrBuffer{limit: limit}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *stderrBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for len(p) > 0 {
		for b.buf.Len() >= b.limit && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			return n, io.ErrClosedPipe
		}
		chunk := p
		if room := b.limit - b.buf.Len(); len(chunk) > room {
			chunk = chunk[:room]
		}
		b.buf.Write(chunk)
		n += len(chunk)
		p = p[len(chunk):]
		b.cond.Broadcast()
	}
	return n, nil
}

func (b *stderrBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.buf.Len() == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.buf.Len() == 0 {
		return 0, io.EOF
	}
	n, err := b.buf.Read(p)
	b.cond.Broadcast()
	return n, err
}

// Len returns the bytes waiting for a reader.
func (b *stderrBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Close ends the stream for readers once buffered data is consumed and
// fails blocked writers.
func (b *stderrBuffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}
