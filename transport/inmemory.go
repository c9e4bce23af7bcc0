package transport

import (
	"context"
	"sync"
)

// InMemoryTransport is one end of an in-process pair. Messages sent before
// the peer starts are queued and delivered on its Start.
type InMemoryTransport struct {
	state

	mu    sync.Mutex
	peer  *InMemoryTransport
	queue []*Message
	live  bool
}

// NewInMemoryPair returns two linked transports.
func NewInMemoryPair() (*InMemoryTransport, *InMemoryTransport) {
	a, b := &InMemoryTransport{}, &InMemoryTransport{}
	a.init(KindInMemory, nil)
	b.init(KindInMemory, nil)
	a.peer, b.peer = b, a
	return a, b
}

// Start delivers any queued messages.
func (t *InMemoryTransport) Start(ctx context.Context) error {
	if err := t.markStarted(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrNotConnected
	}
	for {
		t.mu.Lock()
		queued := t.queue
		t.queue = nil
		if len(queued) == 0 {
			t.live = true
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		for _, msg := range queued {
			t.deliver(msg, nil)
		}
	}
}

// Send hands msg to the peer's handler on the calling goroutine.
func (t *InMemoryTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil || t.isClosed() {
		return ErrNotConnected
	}
	if kind := msg.Kind(); kind == "" {
		_, err := Encode(msg)
		return err
	}

	_, end := t.traceSend(ctx, msg)
	peer.receive(msg)
	end(nil)
	return nil
}

func (t *InMemoryTransport) receive(msg *Message) {
	if t.isClosed() {
		return
	}
	t.mu.Lock()
	if !t.live {
		t.queue = append(t.queue, msg)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.deliver(msg, nil)
}

// Close closes both ends.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	peer := t.peer
	t.peer = nil
	t.queue = nil
	t.mu.Unlock()
	t.finish()
	if peer != nil {
		peer.Close()
	}
	return nil
}
