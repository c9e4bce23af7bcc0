package transport

import (
	"io"
	"strings"
	"testing"
	"time"
)

func readEvents(t *testing.T, input string) []*Event {
	t.Helper()
	er := NewEventReader(strings.NewReader(input))
	var events []*Event
	for {
		ev, err := er.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		events = append(events, ev)
	}
}

func TestEventReader_Basic(t *testing.T) {
	events := readEvents(t, "event: endpoint\ndata: /messages?sessionId=1\n\nevent: message\ndata: {}\n\n")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Event != EventEndpoint || events[0].Data != "/messages?sessionId=1" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Event != EventMessage || events[1].Data != "{}" {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestEventReader_DefaultsToMessage(t *testing.T) {
	events := readEvents(t, "data: hello\n\n")
	if len(events) != 1 || events[0].Event != EventMessage {
		t.Errorf("events = %+v", events)
	}
}

func TestEventReader_MultiLineData(t *testing.T) {
	events := readEvents(t, "data: a\ndata: b\ndata:c\n\n")
	if len(events) != 1 || events[0].Data != "a\nb\nc" {
		t.Errorf("events = %+v", events)
	}
}

func TestEventReader_LineEndings(t *testing.T) {
	for name, input := range map[string]string{
		"crlf": "event: x\r\ndata: 1\r\n\r\n",
		"cr":   "event: x\rdata: 1\r\r",
		"lf":   "event: x\ndata: 1\n\n",
	} {
		t.Run(name, func(t *testing.T) {
			events := readEvents(t, input)
			if len(events) != 1 || events[0].Event != "x" || events[0].Data != "1" {
				t.Errorf("events = %+v", events)
			}
		})
	}
}

func TestEventReader_CommentsAndUnknownFields(t *testing.T) {
	events := readEvents(t, ": heartbeat\n\n: note\nfoo: bar\ndata: x\n\n")
	if len(events) != 1 || events[0].Data != "x" {
		t.Errorf("events = %+v", events)
	}
}

func TestEventReader_EventWithoutDataIsSkipped(t *testing.T) {
	events := readEvents(t, "event: endpoint\n\ndata: y\n\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Event != EventMessage {
		t.Errorf("event name leaked from the empty event: %q", events[0].Event)
	}
}

func TestEventReader_IDAndRetry(t *testing.T) {
	er := NewEventReader(strings.NewReader("id: 42\nretry: 1500\ndata: x\n\ndata: y\n\n"))
	ev, err := er.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.ID != "42" || ev.Retry != 1500*time.Millisecond {
		t.Errorf("event = %+v", ev)
	}
	ev, _ = er.Next()
	if ev.ID != "42" {
		t.Errorf("last event id should carry over, got %q", ev.ID)
	}
	if er.LastEventID() != "42" {
		t.Errorf("LastEventID() = %q", er.LastEventID())
	}
}

func TestEventReader_PartialEventDiscarded(t *testing.T) {
	events := readEvents(t, "data: complete\n\ndata: partial")
	if len(events) != 1 || events[0].Data != "complete" {
		t.Errorf("events = %+v", events)
	}
}

func TestEventReader_ByteOrderMark(t *testing.T) {
	events := readEvents(t, "\ufeffevent: endpoint\ndata: /m\n\n")
	if len(events) != 1 || events[0].Event != EventEndpoint {
		t.Errorf("events = %+v", events)
	}
}

func TestEventReader_ReadsEncodedEvents(t *testing.T) {
	frame, err := EncodeMessageEvent(NewRequest(NewIntID(9), "tools/list", nil))
	if err != nil {
		t.Fatalf("EncodeMessageEvent: %v", err)
	}
	events := readEvents(t, string(frame))
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	msg, err := Decode([]byte(events[0].Data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Request == nil || msg.Request.ID != NewIntID(9) {
		t.Errorf("decoded = %+v", msg)
	}
}
