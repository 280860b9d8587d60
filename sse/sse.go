// Package sse implements a stateful, line-oriented Server-Sent Events
// decoder (spec §4.2). It accepts arbitrary byte chunks and maintains a
// carry buffer across chunk boundaries so callers never need to align
// reads on line or event boundaries.
package sse

import (
	"fmt"
	"strings"
)

// Event is one decoded {event-type, data} pair. Type defaults to
// "message" when the stream never sent an explicit `event:` line.
type Event struct {
	Type string
	Data string
	ID   string
}

// Parser is a single SSE decode session. It is not safe for concurrent use
// by multiple goroutines; a single producer task owns it, matching the
// event stream's single-producer contract.
type Parser struct {
	carry []byte

	curType string
	curData []string
	curID   string
	hasAny  bool
}

// New returns an empty Parser ready to receive chunks.
func New() *Parser {
	return &Parser{}
}

// Feed appends chunk to the carry buffer, decodes as many complete lines as
// are available, and returns the events completed by a blank line within
// this chunk. On malformed framing within a single line, Feed returns the
// events successfully decoded so far plus a non-nil error; the parser
// remains usable for subsequent Feed calls (spec: "does not crash").
func (p *Parser) Feed(chunk []byte) ([]Event, error) {
	p.carry = append(p.carry, chunk...)

	var events []Event
	var firstErr error

	for {
		idx, lineLen := findLineEnd(p.carry)
		if idx < 0 {
			break
		}
		line := string(p.carry[:idx])
		p.carry = p.carry[idx+lineLen:]

		ev, emitted, err := p.consumeLine(line)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if emitted {
			events = append(events, ev)
		}
	}

	return events, firstErr
}

// findLineEnd locates the first line terminator (CR, LF, or CRLF) in buf,
// returning the index of the terminator's start and its byte length, or
// (-1, 0) if no terminator is present yet.
func findLineEnd(buf []byte) (int, int) {
	for i, b := range buf {
		switch b {
		case '\n':
			return i, 1
		case '\r':
			if i+1 < len(buf) && buf[i+1] == '\n' {
				return i, 2
			}
			// A lone CR at the very end of the buffer might still be
			// the first byte of a CRLF split across chunks; only treat
			// it as a terminator once we know the next byte (if any)
			// is not '\n'. If it's the last byte seen so far, wait.
			if i+1 == len(buf) {
				return -1, 0
			}
			return i, 1
		}
	}
	return -1, 0
}

// consumeLine interprets a single decoded line per the field grammar.
func (p *Parser) consumeLine(line string) (Event, bool, error) {
	if line == "" {
		// Blank line: dispatch the accumulated event.
		if !p.hasAny {
			return Event{}, false, nil
		}
		evType := p.curType
		if evType == "" {
			evType = "message"
		}
		ev := Event{Type: evType, Data: strings.Join(p.curData, "\n"), ID: p.curID}
		p.curType = ""
		p.curData = nil
		p.hasAny = false
		return ev, true, nil
	}

	if strings.HasPrefix(line, ":") {
		// Comment line, ignored.
		return Event{}, false, nil
	}

	field, value, err := splitField(line)
	if err != nil {
		return Event{}, false, err
	}
	p.hasAny = true

	switch field {
	case "event":
		p.curType = value
	case "data":
		p.curData = append(p.curData, value)
	case "id":
		p.curID = value
	case "retry":
		// Recognized and ignored: no reconnection policy lives here.
	default:
		return Event{}, false, fmt.Errorf("sse: unrecognized field %q", field)
	}
	return Event{}, false, nil
}

// splitField splits "field: value" or "field:value" per the SSE grammar,
// which strips at most one leading space after the colon.
func splitField(line string) (string, string, error) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		// A field name with no colon is valid per the spec and carries
		// an empty value; still must be a recognized field name.
		return line, "", nil
	}
	field := line[:colon]
	value := line[colon+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value, nil
}
