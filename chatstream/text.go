package chatstream

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// textDecoder turns byte chunks into UTF-8 text. A multi-byte sequence cut
// at a chunk boundary is held back until the rest of it arrives.
type textDecoder struct {
	tr      transform.Transformer
	pending []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{tr: unicode.UTF8.NewDecoder()}
}

// decode converts p (plus any held-back bytes). With atEOF set, an incomplete
// tail is emitted as U+FFFD instead of being held.
func (t *textDecoder) decode(p []byte, atEOF bool) string {
	src := p
	if len(t.pending) > 0 {
		src = append(t.pending, p...)
		t.pending = nil
	}
	if len(src) == 0 {
		return ""
	}

	// Every invalid byte may expand to a 3-byte replacement rune.
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	var out strings.Builder
	for {
		nDst, nSrc, err := t.tr.Transform(dst, src, atEOF)
		out.Write(dst[:nDst])
		src = src[nSrc:]

		switch err {
		case nil:
			return out.String()
		case transform.ErrShortSrc:
			t.pending = append([]byte(nil), src...)
			return out.String()
		case transform.ErrShortDst:
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, 2*len(dst))
			}
		default:
			// The UTF-8 decoder only reports the two conditions above; keep the
			// bytes visible rather than dropping them.
			out.WriteString(strings.ToValidUTF8(string(src), "�"))
			return out.String()
		}
	}
}
