package transport

import (
	"io"
	"reflect"
	"sync"
	"sync/atomic"
)

const readChunkSize = 32 * 1024

// SharedReader fans one input stream out to any number of subscribers.
// Reading starts with the first subscriber and pauses whenever the last
// one detaches, so several transports can take turns on the same stream.
// Bytes read while no subscriber is attached are kept for the next one.
type SharedReader struct {
	r io.Reader

	mu      sync.Mutex
	cond    *sync.Cond
	subs    []*Subscription
	pending [][]byte
	running bool
	paused  bool
	done    bool
	err     error

	// deliverMu orders deliveries from the pump against pending flushes.
	deliverMu sync.Mutex
}

// Subscription is one attachment to a SharedReader.
type Subscription struct {
	sr     *SharedReader
	onData func([]byte)
	onEnd  func(error)
	active atomic.Bool
}

var sharedReaders = struct {
	sync.Mutex
	m map[io.Reader]*SharedReader
}{m: make(map[io.Reader]*SharedReader)}

// Shared returns the process-wide SharedReader for r, creating it on first
// use. Readers whose dynamic type is not comparable get a private instance.
func Shared(r io.Reader) *SharedReader {
	if !reflect.TypeOf(r).Comparable() {
		return newSharedReader(r)
	}
	sharedReaders.Lock()
	defer sharedReaders.Unlock()
	if sr, ok := sharedReaders.m[r]; ok {
		return sr
	}
	sr := newSharedReader(r)
	sharedReaders.m[r] = sr
	return sr
}

func newSharedReader(r io.Reader) *SharedReader {
	sr := &SharedReader{r: r}
	sr.cond = sync.NewCond(&sr.mu)
	return sr
}

// Attach subscribes onData to every chunk read from now on and onEnd to
// the end of the stream (nil error on EOF). Chunks read while nobody was
// attached are delivered first.
func (sr *SharedReader) Attach(onData func([]byte), onEnd func(error)) *Subscription {
	sub := &Subscription{sr: sr, onData: onData, onEnd: onEnd}
	sub.active.Store(true)

	sr.deliverMu.Lock()
	defer sr.deliverMu.Unlock()

	sr.mu.Lock()
	pending := sr.pending
	sr.pending = nil
	sr.subs = append(sr.subs, sub)
	done, endErr := sr.done, sr.err
	if !sr.running && !done {
		sr.running = true
		go sr.pump()
	}
	sr.cond.Broadcast()
	sr.mu.Unlock()

	for _, chunk := range pending {
		sub.data(chunk)
	}
	if done {
		sub.end(endErr)
	}
	return sub
}

// Detach removes the subscription. Reading pauses when no subscription
// remains. Detach is idempotent.
func (sub *Subscription) Detach() {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	sr := sub.sr
	sr.mu.Lock()
	for i, s := range sr.subs {
		if s == sub {
			sr.subs = append(sr.subs[:i], sr.subs[i+1:]...)
			break
		}
	}
	sr.mu.Unlock()
}

// Listeners returns the number of attached subscriptions.
func (sr *SharedReader) Listeners() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.subs)
}

// Paused reports whether the pump is waiting for a subscriber.
func (sr *SharedReader) Paused() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.paused
}

func (sub *Subscription) data(chunk []byte) {
	if sub.active.Load() && sub.onData != nil {
		sub.onData(chunk)
	}
}

func (sub *Subscription) end(err error) {
	if sub.active.Load() && sub.onEnd != nil {
		sub.onEnd(err)
	}
}

func (sr *SharedReader) pump() {
	buf := make([]byte, readChunkSize)
	for {
		sr.mu.Lock()
		for len(sr.subs) == 0 {
			sr.paused = true
			sr.cond.Wait()
		}
		sr.paused = false
		sr.mu.Unlock()

		n, err := sr.r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sr.dispatch(chunk)
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			sr.stop(err)
			return
		}
	}
}

func (sr *SharedReader) dispatch(chunk []byte) {
	sr.deliverMu.Lock()
	defer sr.deliverMu.Unlock()

	sr.mu.Lock()
	if len(sr.subs) == 0 {
		sr.pending = append(sr.pending, chunk)
		sr.mu.Unlock()
		return
	}
	subs := append([]*Subscription(nil), sr.subs...)
	sr.mu.Unlock()

	for _, sub := range subs {
		sub.data(chunk)
	}
}

func (sr *SharedReader) stop(err error) {
	sr.deliverMu.Lock()
	defer sr.deliverMu.Unlock()

	sr.mu.Lock()
	sr.done = true
	sr.err = err
	subs := append([]*Subscription(nil), sr.subs...)
	sr.mu.Unlock()

	if reflect.TypeOf(sr.r).Comparable() {
		sharedReaders.Lock()
		if cur, ok := sharedReaders.m[sr.r]; ok && cur == sr {
			delete(sharedReaders.m, sr.r)
		}
		sharedReaders.Unlock()
	}

	for _, sub := range subs {
		sub.end(err)
	}
}
