package backend

import (
	"strings"

	"solar_portal/chatstream"
)

// LineEmitter turns a stream of token deltas into assistant frames cut at
// newline boundaries. Each frame keeps its trailing newline, so the decoder
// concatenates consecutive frames without inserting separators.
type LineEmitter struct {
	emit Emit
	buf  strings.Builder
}

// NewLineEmitter returns an emitter writing to emit.
func NewLineEmitter(emit Emit) *LineEmitter {
	return &LineEmitter{emit: emit}
}

// Write buffers delta and emits every completed line.
func (l *LineEmitter) Write(delta string) error {
	l.buf.WriteString(delta)
	pending := l.buf.String()

	cut := strings.LastIndexByte(pending, '\n')
	if cut < 0 {
		return nil
	}

	out, rest := pending[:cut+1], pending[cut+1:]
	l.buf.Reset()
	l.buf.WriteString(rest)
	for line := range strings.SplitAfterSeq(out, "\n") {
		if line == "" {
			continue
		}
		if err := l.emit(chatstream.Frame{Role: chatstream.RoleAssistant, Content: line}); err != nil {
			return err
		}
	}
	return nil
}

// Flush emits whatever partial line is buffered.
func (l *LineEmitter) Flush() error {
	if l.buf.Len() == 0 {
		return nil
	}
	line := l.buf.String()
	l.buf.Reset()
	return l.emit(chatstream.Frame{Role: chatstream.RoleAssistant, Content: line})
}
