package chatstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

const readChunkSize = 4096

// Decoder reconstructs typed chat messages from a response byte stream.
// A Decoder handles one response; create a fresh one per turn.
type Decoder struct {
	text *textDecoder
	cls  *Classifier
	asm  *Assembler

	sessionID    string
	cancelNotice string
	done         bool
	log          *zap.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithClock sets the timestamp source for new messages.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) { d.asm.now = now }
}

// WithCancelNotice appends notice as an assistant line when the stream is cancelled.
func WithCancelNotice(notice string) Option {
	return func(d *Decoder) { d.cancelNotice = notice }
}

// WithLogger sets the logger (default: no-op).
func WithLogger(l *zap.Logger) Option {
	return func(d *Decoder) { d.log = l }
}

// NewDecoder returns a decoder with empty state.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		text: newTextDecoder(),
		cls:  NewClassifier(),
		asm:  NewAssembler(time.Now),
		log:  zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Write feeds a raw chunk of the response body. It never fails; malformed
// input degrades to plain text.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.done {
		return 0, errors.New("chatstream: write after finish")
	}
	d.apply(d.cls.Feed(d.text.decode(p, false)))
	return len(p), nil
}

// Close marks successful end of stream: buffered text is flushed and
// transient status messages are removed.
func (d *Decoder) Close() error {
	if d.finish() {
		d.asm.DropTransient()
	}
	return nil
}

// Cancel ends the stream after a user abort. No error message is added.
func (d *Decoder) Cancel() {
	if d.finish() {
		d.asm.DropTransient()
		if d.cancelNotice != "" {
			d.asm.AppendNotice(d.cancelNotice)
		}
	}
}

// Fail ends the stream after a failure and appends a single error message.
func (d *Decoder) Fail(msg string) {
	if d.finish() {
		d.asm.DropTransient()
		d.asm.AppendError(msg)
	}
}

// finish flushes all buffers once; it reports false if already finished.
func (d *Decoder) finish() bool {
	if d.done {
		return false
	}
	d.done = true
	tail := d.text.decode(nil, true)
	d.apply(d.cls.Feed(tail))
	d.apply(d.cls.Flush())
	return true
}

func (d *Decoder) apply(events []Event) {
	for _, ev := range events {
		if d.sessionID == "" && ev.Frame.SessionID != "" {
			d.sessionID = ev.Frame.SessionID
		}
		switch ev.Kind {
		case EventStatus:
			d.log.Debug("status event", zap.String("role", string(ev.Frame.Role)), zap.String("tool", ev.Frame.Tool))
			d.asm.AddStatus(ev.Frame.Role, ev.Frame.Content, ev.Frame.Tool)
		default:
			d.asm.AppendText(ev.Frame.Content)
		}
	}
}

// Messages returns a snapshot of the decoded messages.
func (d *Decoder) Messages() []Message {
	return d.asm.Messages()
}

// SessionID returns the first session id seen in the stream, if any.
func (d *Decoder) SessionID() string {
	return d.sessionID
}

// Decode reads r until EOF, calling onUpdate with a snapshot after every
// chunk and once more when the stream ends. Cancelling ctx stops the loop
// promptly; the returned error then satisfies errors.Is(err, context.Canceled)
// and no error message is recorded. Read failures record a single
// "connection interrupted" message.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, onUpdate func([]Message)) error {
	notify := func() {
		if onUpdate != nil {
			onUpdate(d.Messages())
		}
	}

	// Unblock a pending Read when the caller aborts.
	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return d.abort(err, notify)
		}

		n, err := r.Read(buf)
		if n > 0 {
			d.Write(buf[:n])
			notify()
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			d.Close()
			notify()
			return nil
		case ctx.Err() != nil:
			return d.abort(ctx.Err(), notify)
		default:
			d.log.Warn("chat stream read failed", zap.Error(err))
			d.Fail(MsgConnectionInterrupted)
			notify()
			return fmt.Errorf("read chat stream: %w", err)
		}
	}
}

func (d *Decoder) abort(err error, notify func()) error {
	if errors.Is(err, context.Canceled) {
		d.Cancel()
	} else {
		d.Fail(MsgConnectionInterrupted)
	}
	notify()
	return err
}
