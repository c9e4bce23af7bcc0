package transport

import (
	"bytes"
)

// ReadBuffer reassembles newline-delimited messages from arbitrary chunks.
// It is not safe for concurrent use.
type ReadBuffer struct {
	// Validator checks each decoded line. Nil means DefaultValidator.
	Validator Validator

	buf []byte
}

// Append adds a chunk to the end of the buffer.
func (b *ReadBuffer) Append(chunk []byte) {
	b.buf = append(b.buf, chunk...)
}

// ReadMessage removes and decodes the first complete line. It returns
// (nil, nil) when no complete line is buffered. A line that fails to decode
// is consumed and its error returned, so the next call continues with the
// following line. Blank lines are skipped.
func (b *ReadBuffer) ReadMessage() (*Message, error) {
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			return nil, nil
		}
		line := bytes.TrimSuffix(b.buf[:i], []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			b.consume(i + 1)
			continue
		}

		v := b.Validator
		if v == nil {
			v = DefaultValidator
		}
		msg, err := DecodeWith(line, v)
		b.consume(i + 1)
		return msg, err
	}
}

// Len returns the number of buffered bytes.
func (b *ReadBuffer) Len() int { return len(b.buf) }

// Clear discards buffered bytes.
func (b *ReadBuffer) Clear() { b.buf = nil }

func (b *ReadBuffer) consume(n int) {
	rest := len(b.buf) - n
	if rest == 0 {
		b.buf = b.buf[:0]
		return
	}
	copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
}
