package transport

import (
	"testing"

	"github.com/vinayprograms/mcpwire/errors"
)

func TestReadBuffer_Empty(t *testing.T) {
	var b ReadBuffer
	msg, err := b.ReadMessage()
	if msg != nil || err != nil {
		t.Errorf("ReadMessage() = %v, %v; want nil, nil", msg, err)
	}
}

func TestReadBuffer_PartialChunks(t *testing.T) {
	var b ReadBuffer
	line := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"

	for i := 0; i < len(line)-1; i++ {
		b.Append([]byte{line[i]})
		if msg, err := b.ReadMessage(); msg != nil || err != nil {
			t.Fatalf("message produced before newline at byte %d", i)
		}
	}
	b.Append([]byte("\n"))
	msg, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Method() != "ping" {
		t.Errorf("Method() = %q", msg.Method())
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d after consuming the only line", b.Len())
	}
}

func TestReadBuffer_SeveralPerChunk(t *testing.T) {
	var b ReadBuffer
	b.Append([]byte(`{"jsonrpc":"2.0","method":"a"}` + "\n" + `{"jsonrpc":"2.0","method":"b"}` + "\n" + `{"jsonrpc":"2.0","met`))

	var got []string
	for {
		msg, err := b.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if msg == nil {
			break
		}
		got = append(got, msg.Method())
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("methods = %v, want [a b]", got)
	}
	if b.Len() != len(`{"jsonrpc":"2.0","met`) {
		t.Errorf("Len() = %d, partial line should stay buffered", b.Len())
	}

	b.Append([]byte(`hod":"c"}` + "\n"))
	msg, err := b.ReadMessage()
	if err != nil || msg.Method() != "c" {
		t.Errorf("ReadMessage() = %v, %v", msg, err)
	}
}

func TestReadBuffer_CRLF(t *testing.T) {
	var b ReadBuffer
	b.Append([]byte(`{"jsonrpc":"2.0","method":"x"}` + "\r\n"))
	msg, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Method() != "x" {
		t.Errorf("Method() = %q", msg.Method())
	}
}

func TestReadBuffer_SkipsBlankLines(t *testing.T) {
	var b ReadBuffer
	b.Append([]byte("\n\r\n  \n" + `{"jsonrpc":"2.0","method":"x"}` + "\n"))
	msg, err := b.ReadMessage()
	if err != nil || msg == nil || msg.Method() != "x" {
		t.Errorf("ReadMessage() = %v, %v", msg, err)
	}
}

func TestReadBuffer_BadLineThenGood(t *testing.T) {
	var b ReadBuffer
	b.Append([]byte("{invalid json}\n" + `{"jsonrpc":"1.0","method":"x"}` + "\n" + `{"jsonrpc":"2.0","method":"ok"}` + "\n"))

	_, err := b.ReadMessage()
	if !errors.Is(err, errors.ErrCodeDecode) {
		t.Errorf("first line error = %v, want DECODE_FAILED", err)
	}
	_, err = b.ReadMessage()
	if !errors.Is(err, errors.ErrCodeSchema) {
		t.Errorf("second line error = %v, want SCHEMA_INVALID", err)
	}
	msg, err := b.ReadMessage()
	if err != nil || msg.Method() != "ok" {
		t.Errorf("third line = %v, %v", msg, err)
	}
}

func TestReadBuffer_Clear(t *testing.T) {
	var b ReadBuffer
	b.Append([]byte(`{"jsonrpc":"2.0","method":"x"}` + "\n"))
	b.Clear()
	if b.Len() != 0 {
		t.Errorf("Len() = %d after Clear", b.Len())
	}
	if msg, err := b.ReadMessage(); msg != nil || err != nil {
		t.Errorf("ReadMessage() after Clear = %v, %v", msg, err)
	}
}

func TestReadBuffer_Validator(t *testing.T) {
	b := ReadBuffer{Validator: ValidatorFunc(func(*Envelope) error { return nil })}
	b.Append([]byte(`{"method":"lenient"}` + "\n"))
	msg, err := b.ReadMessage()
	if err != nil || msg.Method() != "lenient" {
		t.Errorf("ReadMessage() = %v, %v", msg, err)
	}
}
