// Package sse reads and writes text/event-stream bodies.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// maxLine bounds a single event-stream line.
const maxLine = 1 << 20

// Event is one dispatched server-sent event.
type Event struct {
	ID    string
	Event string
	Data  string
}

// Reader parses an event stream. Comment lines and unknown fields are
// skipped; multiple data lines are joined with "\n".
type Reader struct {
	scanner *bufio.Scanner
	lastID  string
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Reader{scanner: scanner}
}

// Next returns the next event. It returns io.EOF once the stream ends; a
// trailing event without its blank-line terminator is dropped.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    strings.Builder
		hasData bool
		hasName bool
	)

	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		if line == "" {
			if !hasData && !hasName {
				continue
			}
			ev.ID = r.lastID
			ev.Data = data.String()
			if ev.Event == "" {
				ev.Event = "message"
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Event = value
			hasName = true
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
			}
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
