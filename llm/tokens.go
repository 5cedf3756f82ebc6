package llm

import (
	"fmt"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"
)

// messageOverhead approximates the per-message role and framing tokens.
const messageOverhead = 4

// TokenCounter counts prompt tokens.
type TokenCounter interface {
	CountTokens(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter returns a counter using the model's encoding, falling
// back to cl100k_base for unknown models.
func NewTiktokenCounter(model string) (TokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tokenizer: %w", err)
		}
	}
	return tiktokenCounter{enc: enc}, nil
}

func (c tiktokenCounter) CountTokens(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// RuneCounter estimates four characters per token. It needs no tokenizer
// download.
type RuneCounter struct{}

func (RuneCounter) CountTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

func countMessage(c TokenCounter, m openai.ChatCompletionMessage) int {
	n := c.CountTokens(m.Content) + messageOverhead
	for _, tc := range m.ToolCalls {
		n += c.CountTokens(tc.Function.Name) + c.CountTokens(tc.Function.Arguments)
	}
	return n
}

// Clip trims msgs to maxTokens, keeping the first system message (if any)
// and as many of the newest messages as fit. The newest message is always
// kept. A non-positive maxTokens disables clipping.
func Clip(c TokenCounter, msgs []openai.ChatCompletionMessage, maxTokens int) []openai.ChatCompletionMessage {
	if maxTokens <= 0 || len(msgs) == 0 {
		return msgs
	}

	var head []openai.ChatCompletionMessage
	rest := msgs
	if msgs[0].Role == openai.ChatMessageRoleSystem {
		head, rest = msgs[:1], msgs[1:]
	}
	if len(rest) == 0 {
		return msgs
	}

	budget := maxTokens
	for _, m := range head {
		budget -= countMessage(c, m)
	}

	start := len(rest) - 1
	budget -= countMessage(c, rest[start])
	for start > 0 {
		n := countMessage(c, rest[start-1])
		if n > budget {
			break
		}
		budget -= n
		start--
	}
	// A kept tool result needs the assistant message that requested it.
	for start < len(rest)-1 && rest[start].Role == openai.ChatMessageRoleTool {
		start++
	}

	out := make([]openai.ChatCompletionMessage, 0, len(head)+len(rest)-start)
	out = append(out, head...)
	return append(out, rest[start:]...)
}
