package chatstream

import (
	"strings"

	"github.com/tidwall/gjson"
)

// MaxBraceCapture bounds how many characters an unclosed brace capture may
// hold before it is released as literal text.
const MaxBraceCapture = 1000

// EventKind distinguishes classifier output.
type EventKind int

const (
	// EventText carries assistant prose in Frame.Content.
	EventText EventKind = iota
	// EventStatus carries an agent/tool status object.
	EventStatus
)

// Event is one classified fragment of the stream.
type Event struct {
	Kind  EventKind
	Frame Frame
}

// Classifier separates the two grammars sharing one text stream: whole
// assistant frames terminated by newlines, and inline status objects found by
// brace balance anywhere in the stream.
type Classifier struct {
	line  strings.Builder
	brace strings.Builder

	capturing  bool
	depth      int
	inString   bool
	escaped    bool
	braceRunes int

	events []Event
}

// NewClassifier returns an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Feed classifies the next piece of decoded text and returns the events it
// completed. Incomplete lines and open captures carry over to the next call.
func (c *Classifier) Feed(text string) []Event {
	for _, r := range text {
		if !c.capturing {
			if r == '{' {
				c.startCapture()
				continue
			}
			c.line.WriteRune(r)
			continue
		}

		c.brace.WriteRune(r)
		c.braceRunes++
		c.track(r)

		if c.depth == 0 {
			c.closeCapture()
			continue
		}
		if c.braceRunes > MaxBraceCapture {
			c.spill()
		}
	}
	c.drainLines(false)
	return c.take()
}

// Flush releases everything still buffered as the most literal reading:
// an open capture becomes text, and the trailing partial line is processed.
func (c *Classifier) Flush() []Event {
	if c.capturing {
		c.spill()
	}
	c.drainLines(true)
	return c.take()
}

func (c *Classifier) take() []Event {
	out := c.events
	c.events = nil
	return out
}

func (c *Classifier) startCapture() {
	c.capturing = true
	c.brace.Reset()
	c.brace.WriteByte('{')
	c.depth = 1
	c.inString = false
	c.escaped = false
	c.braceRunes = 1
}

// track updates brace balance, ignoring braces inside JSON string literals.
func (c *Classifier) track(r rune) {
	if c.inString {
		switch {
		case c.escaped:
			c.escaped = false
		case r == '\\':
			c.escaped = true
		case r == '"':
			c.inString = false
		}
		return
	}
	switch r {
	case '"':
		c.inString = true
	case '{':
		c.depth++
	case '}':
		c.depth--
	}
}

func (c *Classifier) closeCapture() {
	raw := c.brace.String()
	c.capturing = false
	c.brace.Reset()

	if f, ok := parseFrame(raw); ok && f.Role.IsStatus() {
		// Prose that arrived before the status object is shown before it.
		c.drainLines(true)
		c.events = append(c.events, Event{Kind: EventStatus, Frame: f})
		return
	}
	c.line.WriteString(raw)
}

// spill moves the capture buffer into the line buffer untouched.
func (c *Classifier) spill() {
	c.line.WriteString(c.brace.String())
	c.brace.Reset()
	c.capturing = false
}

// drainLines processes every complete line of the line buffer. With all set,
// the trailing partial line is processed too.
func (c *Classifier) drainLines(all bool) {
	s := c.line.String()
	if s == "" {
		return
	}

	rest := ""
	if !all {
		idx := strings.LastIndexByte(s, '\n')
		if idx < 0 {
			return
		}
		rest = s[idx+1:]
		s = s[:idx]
	}
	c.line.Reset()
	c.line.WriteString(rest)

	for _, l := range strings.Split(s, "\n") {
		c.processLine(l)
	}
}

func (c *Classifier) processLine(l string) {
	l = strings.TrimRight(l, "\r")
	trimmed := strings.TrimSpace(l)
	if trimmed == "" {
		return
	}

	if f, ok := parseFrame(trimmed); ok {
		switch {
		case f.Role == RoleAssistant:
			c.events = append(c.events, Event{Kind: EventText, Frame: f})
			return
		case f.Role.IsStatus():
			c.events = append(c.events, Event{Kind: EventStatus, Frame: f})
			return
		}
	}
	c.events = append(c.events, Event{Kind: EventText, Frame: Frame{Role: RoleAssistant, Content: l}})
}

// parseFrame probes raw as a JSON object carrying a role. Any failure means
// "not a frame"; callers fall back to treating raw as text.
func parseFrame(raw string) (Frame, bool) {
	if raw == "" || raw[0] != '{' || !gjson.Valid(raw) {
		return Frame{}, false
	}
	res := gjson.Parse(raw)
	if !res.IsObject() {
		return Frame{}, false
	}
	role := res.Get("role")
	if role.Type != gjson.String {
		return Frame{}, false
	}
	content := res.Get("content")
	if Role(role.String()) == RoleAssistant && !content.Exists() {
		return Frame{}, false
	}
	return Frame{
		Role:      Role(role.String()),
		Content:   content.String(),
		SessionID: res.Get("sessionId").String(),
		Tool:      res.Get("tool").String(),
	}, true
}
