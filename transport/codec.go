package transport

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vinayprograms/mcpwire/errors"
)

// Envelope is a parsed JSON-RPC object before it is classified into a
// Message. Absent members are nil; a JSON null member holds "null".
type Envelope struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// Validator accepts or rejects a parsed envelope.
type Validator interface {
	Validate(env *Envelope) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(env *Envelope) error

// Validate calls f(env).
func (f ValidatorFunc) Validate(env *Envelope) error { return f(env) }

// DefaultValidator enforces JSON-RPC 2.0 message shape.
var DefaultValidator Validator = ValidatorFunc(validateEnvelope)

type wireError struct {
	Code    *json.Number    `json:"code"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func validateEnvelope(env *Envelope) error {
	if env.JSONRPC == nil || *env.JSONRPC != Version {
		return fmt.Errorf("jsonrpc must be %q", Version)
	}
	if len(env.Params) > 0 && env.Params[0] != '{' && env.Params[0] != '[' {
		return fmt.Errorf("params must be an object or an array")
	}
	if env.Method != nil {
		if *env.Method == "" {
			return fmt.Errorf("method must not be empty")
		}
		if env.Result != nil || env.Error != nil {
			return fmt.Errorf("request must not carry result or error")
		}
		return nil
	}
	if env.ID == nil {
		return fmt.Errorf("message has neither method nor id")
	}
	if (env.Result == nil) == (env.Error == nil) {
		return fmt.Errorf("response must carry exactly one of result or error")
	}
	if env.Error != nil {
		var we wireError
		dec := json.NewDecoder(bytes.NewReader(env.Error))
		dec.UseNumber()
		if err := dec.Decode(&we); err != nil {
			return fmt.Errorf("invalid error object: %w", err)
		}
		if we.Code == nil {
			return fmt.Errorf("error object needs a code")
		}
		if _, err := we.Code.Int64(); err != nil {
			return fmt.Errorf("error code must be an integer")
		}
		if we.Message == nil {
			return fmt.Errorf("error object needs a message")
		}
	}
	return nil
}

// Decode parses one serialized message using DefaultValidator.
func Decode(data []byte) (*Message, error) {
	return DecodeWith(data, DefaultValidator)
}

// DecodeWith parses one serialized message. Malformed JSON yields a
// DECODE_FAILED error; a value of the wrong shape yields SCHEMA_INVALID.
func DecodeWith(data []byte, v Validator) (*Message, error) {
	if !json.Valid(data) {
		var scratch interface{}
		cause := json.Unmarshal(data, &scratch)
		if cause == nil {
			cause = fmt.Errorf("invalid JSON")
		}
		return nil, errors.Decode("invalid JSON", errors.WithCause(cause))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Schema("invalid message", errors.WithCause(err))
	}
	if v != nil {
		if err := v.Validate(&env); err != nil {
			return nil, errors.Schema("invalid message", errors.WithCause(err))
		}
	}
	msg, err := env.message()
	if err != nil {
		return nil, errors.Schema("invalid message", errors.WithCause(err))
	}
	return msg, nil
}

func (env *Envelope) message() (*Message, error) {
	if env.Method != nil {
		if env.ID == nil {
			return NewNotification(*env.Method, env.Params), nil
		}
		var id ID
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return nil, err
		}
		return NewRequest(id, *env.Method, env.Params), nil
	}

	if env.ID == nil {
		return nil, fmt.Errorf("response without id")
	}
	var id ID
	if err := json.Unmarshal(env.ID, &id); err != nil {
		return nil, err
	}
	switch {
	case env.Error != nil && env.Result == nil:
		var rpcErr Error
		if err := json.Unmarshal(env.Error, &rpcErr); err != nil {
			return nil, fmt.Errorf("invalid error object: %w", err)
		}
		return NewErrorResponse(id, &rpcErr), nil
	case env.Result != nil && env.Error == nil:
		return NewResponse(id, env.Result), nil
	}
	return nil, fmt.Errorf("response must carry exactly one of result or error")
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// checkParams applies the decoder's params rule to outbound messages.
func checkParams(params json.RawMessage) error {
	p := bytes.TrimSpace(params)
	if len(p) > 0 && p[0] != '{' && p[0] != '[' {
		return errors.InvalidInput("params must be an object or an array")
	}
	return nil
}

func toWire(msg *Message) (*wireMessage, error) {
	switch msg.Kind() {
	case KindRequest:
		r := msg.Request
		if !r.ID.IsValid() || r.Method == "" {
			return nil, errors.InvalidInput("request needs an id and a method")
		}
		if err := checkParams(r.Params); err != nil {
			return nil, err
		}
		return &wireMessage{JSONRPC: Version, ID: &r.ID, Method: r.Method, Params: r.Params}, nil
	case KindNotification:
		n := msg.Notification
		if n.Method == "" {
			return nil, errors.InvalidInput("notification needs a method")
		}
		if err := checkParams(n.Params); err != nil {
			return nil, err
		}
		return &wireMessage{JSONRPC: Version, Method: n.Method, Params: n.Params}, nil
	case KindResponse:
		r := msg.Response
		if !r.ID.IsValid() {
			return nil, errors.InvalidInput("response needs an id")
		}
		if (len(r.Result) == 0) == (r.Error == nil) {
			return nil, errors.InvalidInput("response must carry exactly one of result or error")
		}
		return &wireMessage{JSONRPC: Version, ID: &r.ID, Result: r.Result, Error: r.Error}, nil
	}
	return nil, errors.InvalidInput("message must hold exactly one of request, response or notification")
}

// EncodeLine serializes msg as compact JSON followed by a newline.
func EncodeLine(msg *Message) ([]byte, error) {
	w, err := toWire(msg)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, errors.InvalidInput("encode message", errors.WithCause(err))
	}
	return buf.Bytes(), nil
}

// Encode serializes msg as compact JSON without a trailing newline.
func Encode(msg *Message) ([]byte, error) {
	line, err := EncodeLine(msg)
	if err != nil {
		return nil, err
	}
	return line[:len(line)-1], nil
}

// EncodeEvent renders one server-sent event. Multi-line data is split
// across data fields.
func EncodeEvent(event string, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteByte('\n')
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// EncodeMessageEvent renders msg as a "message" event.
func EncodeMessageEvent(msg *Message) ([]byte, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return EncodeEvent(EventMessage, data), nil
}
