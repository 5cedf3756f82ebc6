package chatstream

import (
	"regexp"
	"strings"
	"time"
)

// Assembler builds the ordered message list. At most one assistant message
// is open for appending; a status message closes it.
type Assembler struct {
	msgs []Message
	open bool
	now  func() time.Time
}

// NewAssembler returns an empty assembler stamping messages with now.
func NewAssembler(now func() time.Time) *Assembler {
	if now == nil {
		now = time.Now
	}
	return &Assembler{now: now}
}

// AppendText adds assistant prose, coalescing with the open assistant message.
func (a *Assembler) AppendText(text string) {
	if text == "" {
		return
	}
	if a.open && len(a.msgs) > 0 && a.msgs[len(a.msgs)-1].Role == RoleAssistant {
		last := &a.msgs[len(a.msgs)-1]
		last.Content = JoinFragments(last.Content, text)
		return
	}
	a.msgs = append(a.msgs, Message{Role: RoleAssistant, Content: text, Timestamp: a.now()})
	a.open = true
}

// AddStatus appends a transient agent/tool line.
func (a *Assembler) AddStatus(role Role, content, tool string) {
	a.msgs = append(a.msgs, Message{Role: role, Content: content, Tool: tool, Timestamp: a.now()})
	a.open = false
}

// AppendError appends a failure message.
func (a *Assembler) AppendError(content string) {
	a.msgs = append(a.msgs, Message{Role: RoleError, Content: content, Timestamp: a.now()})
	a.open = false
}

// AppendNotice appends a neutral assistant line that nothing coalesces into.
func (a *Assembler) AppendNotice(content string) {
	a.msgs = append(a.msgs, Message{Role: RoleAssistant, Content: content, Timestamp: a.now()})
	a.open = false
}

// DropTransient removes all agent/tool messages.
func (a *Assembler) DropTransient() {
	kept := a.msgs[:0]
	for _, m := range a.msgs {
		if !m.Role.IsStatus() {
			kept = append(kept, m)
		}
	}
	a.msgs = kept
	a.open = false
}

// Messages returns a snapshot of the list.
func (a *Assembler) Messages() []Message {
	return cloneMessages(a.msgs)
}

var orderedListItem = regexp.MustCompile(`^\d+[.)] `)

// JoinFragments concatenates two assistant fragments so that Markdown block
// elements do not merge into the preceding paragraph.
func JoinFragments(prev, next string) string {
	if prev == "" {
		return next
	}
	if strings.HasSuffix(prev, "\n") || strings.HasPrefix(next, "\n") {
		return prev + next
	}
	if startsBlock(next) || endsSentence(prev) {
		return prev + "\n\n" + next
	}
	if isSpace(prev[len(prev)-1]) || isSpace(next[0]) {
		return prev + next
	}
	return prev + " " + next
}

func startsBlock(s string) bool {
	t := strings.TrimLeft(s, " \t")
	switch {
	case strings.HasPrefix(t, "#"),
		strings.HasPrefix(t, "```"),
		strings.HasPrefix(t, "- "),
		strings.HasPrefix(t, "* "),
		strings.HasPrefix(t, "+ "),
		strings.HasPrefix(t, "!["):
		return true
	}
	return orderedListItem.MatchString(t)
}

func endsSentence(s string) bool {
	t := strings.TrimRight(s, " \t")
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', ':', '?':
		return true
	}
	return false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t'
}
