package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC version carried by every message.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ID is a request identifier: an integer or a string. The zero value is
// not a valid identifier.
type ID struct {
	str   string
	num   int64
	isStr bool
	valid bool
}

// NewIntID returns a numeric request ID.
func NewIntID(n int64) ID {
	return ID{num: n, valid: true}
}

// NewStringID returns a string request ID.
func NewStringID(s string) ID {
	return ID{str: s, isStr: true, valid: true}
}

// IsValid reports whether the ID was set.
func (id ID) IsValid() bool { return id.valid }

// IsString reports whether the ID holds a string.
func (id ID) IsString() bool { return id.isStr }

// Raw returns the underlying int64 or string, or nil for the zero ID.
func (id ID) Raw() interface{} {
	switch {
	case !id.valid:
		return nil
	case id.isStr:
		return id.str
	default:
		return id.num
	}
}

func (id ID) String() string {
	switch {
	case !id.valid:
		return "<nil>"
	case id.isStr:
		return strconv.Quote(id.str)
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON encodes the ID as a JSON number or string.
func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.valid:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return strconv.AppendInt(nil, id.num, 10), nil
	}
}

// UnmarshalJSON accepts a JSON string or an integral number.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NewStringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be a string or an integer, got %s", data)
	}
	*id = NewIntID(n)
	return nil
}

// Request is a call that expects a response.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

// Notification is a one-way message.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response answers a Request. Exactly one of Result and Error is set.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *Error
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is exactly one of a Request, a Response or a Notification.
type Message struct {
	Request      *Request
	Response     *Response
	Notification *Notification
}

// Message kinds as reported by Kind.
const (
	KindRequest      = "request"
	KindResponse     = "response"
	KindNotification = "notification"
)

// Kind names the variant held by m, or "" when m holds none or several.
func (m *Message) Kind() string {
	if m == nil {
		return ""
	}
	n := 0
	kind := ""
	if m.Request != nil {
		n++
		kind = KindRequest
	}
	if m.Response != nil {
		n++
		kind = KindResponse
	}
	if m.Notification != nil {
		n++
		kind = KindNotification
	}
	if n != 1 {
		return ""
	}
	return kind
}

// Method returns the method of a request or notification.
func (m *Message) Method() string {
	switch {
	case m == nil:
		return ""
	case m.Request != nil:
		return m.Request.Method
	case m.Notification != nil:
		return m.Notification.Method
	}
	return ""
}

// NewRequest builds a request message.
func NewRequest(id ID, method string, params json.RawMessage) *Message {
	return &Message{Request: &Request{ID: id, Method: method, Params: params}}
}

// NewNotification builds a notification message.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{Notification: &Notification{Method: method, Params: params}}
}

// NewResponse builds a successful response. A nil result encodes as null.
func NewResponse(id ID, result json.RawMessage) *Message {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Message{Response: &Response{ID: id, Result: result}}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, rpcErr *Error) *Message {
	return &Message{Response: &Response{ID: id, Error: rpcErr}}
}
