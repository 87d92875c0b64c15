package signal

import (
	"reflect"
	"testing"
)

func TestEventParserCoalescesDataLines(t *testing.T) {
	p := &EventParser{}
	events := p.Feed([]byte("event: message\ndata: line1\ndata: line2\n\n"))
	want := []Event{{Type: "message", Data: "line1\nline2"}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("got %+v, want %+v", events, want)
	}
}

func TestEventParserIgnoresCommentsAndDefaultsType(t *testing.T) {
	p := &EventParser{}
	events := p.Feed([]byte(":keep-alive\ndata: hi\n\n"))
	if len(events) != 1 || events[0].Type != "message" || events[0].Data != "hi" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestEventParserRetainsPartialTrailingBlock(t *testing.T) {
	p := &EventParser{}
	events := p.Feed([]byte("data: incomplete"))
	if len(events) != 0 {
		t.Fatalf("expected no events from a partial block, got %+v", events)
	}
	events = p.Feed([]byte(" message\n\n"))
	if len(events) != 1 || events[0].Data != "incomplete message" {
		t.Fatalf("expected the partial block to complete across reads, got %+v", events)
	}
}

func TestEventParserHandlesMultipleEventsInOneChunk(t *testing.T) {
	p := &EventParser{}
	events := p.Feed([]byte("data: a\n\ndata: b\n\n"))
	if len(events) != 2 || events[0].Data != "a" || events[1].Data != "b" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
