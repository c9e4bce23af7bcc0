package transport

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

// SSE event names.
const (
	EventEndpoint = "endpoint"
	EventMessage  = "message"
)

const maxEventLine = 16 * 1024 * 1024

// Event is one dispatched server-sent event.
type Event struct {
	ID    string
	Event string
	Data  string
	Retry time.Duration
}

// EventReader parses a text/event-stream body.
type EventReader struct {
	scanner *bufio.Scanner
	lastID  string
	first   bool
}

// NewEventReader returns a reader of events from r.
func NewEventReader(r io.Reader) *EventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxEventLine)
	sc.Split(scanEventLines)
	return &EventReader{scanner: sc, first: true}
}

// Next returns the next event with a non-empty data buffer. It returns
// io.EOF when the stream ends; a partially received event is discarded.
func (er *EventReader) Next() (*Event, error) {
	var (
		data    strings.Builder
		hasData bool
		event   string
		retry   time.Duration
	)
	for er.scanner.Scan() {
		line := er.scanner.Text()
		if er.first {
			line = strings.TrimPrefix(line, "\ufeff")
			er.first = false
		}

		if line == "" {
			if !hasData {
				event = ""
				continue
			}
			if event == "" {
				event = EventMessage
			}
			return &Event{ID: er.lastID, Event: event, Data: data.String(), Retry: retry}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			event = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				er.lastID = value
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 63); err == nil {
				retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := er.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// LastEventID returns the most recent id field seen.
func (er *EventReader) LastEventID() string { return er.lastID }

// scanEventLines splits on CRLF, LF or a lone CR.
func scanEventLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if !atEOF {
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
