package signal

import "strings"

// Event is one parsed server-sent event.
type Event struct {
	Type string
	Data string
}

// EventParser incrementally reconstructs SSE events from bytes arriving in
// arbitrary chunks. Feed never drops bytes across reads: an incomplete
// trailing block stays in buf until the next Feed call completes it.
// Grounded on the spec's event-stream parsing contract (§4.5, Testable
// Property 3): blank-line-delimited events, "data:" lines coalesced with
// "\n", ":"-prefixed comment lines ignored, event type defaults to
// "message".
type EventParser struct {
	buf strings.Builder
}

func (p *EventParser) Feed(chunk []byte) []Event {
	p.buf.Write(chunk)
	raw := p.buf.String()

	var events []Event
	for {
		idx := strings.Index(raw, "\n\n")
		if idx == -1 {
			break
		}
		block := raw[:idx]
		raw = raw[idx+2:]
		if ev, ok := parseBlock(block); ok {
			events = append(events, ev)
		}
	}

	p.buf.Reset()
	p.buf.WriteString(raw)
	return events
}

func parseBlock(block string) (Event, bool) {
	var dataLines []string
	evType := "message"
	saw := false

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			saw = true
		case strings.HasPrefix(line, "event:"):
			evType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			saw = true
		}
	}
	if !saw {
		return Event{}, false
	}
	return Event{Type: evType, Data: strings.Join(dataLines, "\n")}, true
}
