package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMaxBufferSize bounds the unresolved tail. Overflow truncates
	// from the front: this is a lossy backpressure valve, not a correctness
	// guarantee. Truncation never cuts inside a span the scanner still
	// considers a live JSON candidate; if the live span alone exceeds the
	// limit it is abandoned (downgraded to plain text) first.
	DefaultMaxBufferSize = 1 << 20

	// DefaultMinTextLength is the threshold above which buffered plain text
	// is emitted without waiting for a completion phrase.
	DefaultMinTextLength = 80
)

// TextCompletionStrategy decides whether buffered plain text should be
// emitted as a message on its own. This is inherently heuristic: the default
// is best-effort, not a correctness guarantee.
type TextCompletionStrategy interface {
	Substantial(text string) bool
}

// PhraseStrategy is the default strategy: text is substantial when it
// reaches MinLength or contains one of the completion phrases.
type PhraseStrategy struct {
	MinLength int
	Phrases   []string
}

// DefaultPhrases are markers that usually end an agent's textual answer.
var DefaultPhrases = []string{"completed", "error occurred", "finished"}

func (p PhraseStrategy) Substantial(text string) bool {
	minLength := p.MinLength
	if minLength <= 0 {
		minLength = DefaultMinTextLength
	}
	if len(text) >= minLength {
		return true
	}
	lower := strings.ToLower(text)
	phrases := p.Phrases
	if phrases == nil {
		phrases = DefaultPhrases
	}
	for _, phrase := range phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Options configures a Buffer. The zero value is usable.
type Options struct {
	MaxBufferSize int
	// PreserveCursorCodes keeps cursor-movement and clear sequences in the
	// text instead of stripping them. Color/SGR codes are always stripped.
	PreserveCursorCodes bool
	Completion          TextCompletionStrategy
	Logger              *slog.Logger
	// DisableQueue skips the internal message queue for callers that
	// consume the slices returned by AddChunk/AddBytes directly. Without
	// it, an undrained queue grows for the life of the buffer.
	DisableQueue bool
}

// Buffer accumulates raw output chunks from a subprocess and reassembles
// structured messages across arbitrary chunk boundaries: split UTF-8 code
// points, split ANSI escape sequences, and JSON objects split mid-token.
// Not safe for concurrent use; each subprocess pipe gets its own Buffer.
type Buffer struct {
	opts Options

	buf         []byte // decoded, escape-stripped unresolved tail
	deadLen     int    // prefix of buf known to be plain text, never rescanned
	liveStart   int    // start of an unbalanced JSON candidate, -1 when none
	pendingUTF8 []byte // trailing incomplete multi-byte sequence
	heldEscape  []byte // trailing incomplete ANSI escape sequence

	queue []ParsedMessage

	totalBytes      int64
	completedCount  int
	incompleteCount int
	droppedBytes    int64
	lastProcessedAt time.Time
}

// NewBuffer creates a Buffer with the given options.
func NewBuffer(opts Options) *Buffer {
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	if opts.Completion == nil {
		opts.Completion = PhraseStrategy{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Buffer{opts: opts, liveStart: -1}
}

// AddChunk feeds one chunk of text and returns the messages newly completed
// by this call. An empty chunk is a no-op.
func (b *Buffer) AddChunk(chunk string) []ParsedMessage {
	if chunk == "" {
		return nil
	}
	return b.ingest([]byte(chunk))
}

// AddBytes feeds one chunk of raw bytes. A trailing incomplete multi-byte
// UTF-8 sequence is held back until more bytes arrive; interior invalid
// bytes are replaced, never an error.
func (b *Buffer) AddBytes(chunk []byte) []ParsedMessage {
	if len(chunk) == 0 {
		return nil
	}
	b.totalBytes += int64(len(chunk))

	data := chunk
	if len(b.pendingUTF8) > 0 {
		data = append(b.pendingUTF8, chunk...)
		b.pendingUTF8 = nil
	}

	if tail := incompleteTailLen(data); tail > 0 {
		b.pendingUTF8 = append([]byte(nil), data[len(data)-tail:]...)
		data = data[:len(data)-tail]
	}
	if len(data) == 0 {
		b.lastProcessedAt = time.Now()
		return nil
	}
	if !utf8.Valid(data) {
		data = []byte(strings.ToValidUTF8(string(data), "�"))
	}
	return b.process(data)
}

func (b *Buffer) ingest(chunk []byte) []ParsedMessage {
	b.totalBytes += int64(len(chunk))
	return b.process(chunk)
}

func (b *Buffer) process(chunk []byte) []ParsedMessage {
	text, hold := stripEscapes(b.heldEscape, chunk, b.opts.PreserveCursorCodes)
	b.heldEscape = hold
	b.buf = append(b.buf, text...)

	emitted := b.scan()
	b.enforceLimit()
	b.lastProcessedAt = time.Now()

	if !b.opts.DisableQueue {
		b.queue = append(b.queue, emitted...)
	}
	for _, msg := range emitted {
		if msg.IsComplete {
			b.completedCount++
		} else {
			b.incompleteCount++
		}
	}
	return emitted
}

// scan walks the buffer for balanced top-level JSON objects and substantial
// plain text, consuming what it emits. Failed parse spans are folded into
// the dead-text prefix and never re-attempted.
func (b *Buffer) scan() []ParsedMessage {
	var emitted []ParsedMessage
	b.liveStart = -1

	for {
		rel := bytes.IndexByte(b.buf[b.deadLen:], '{')
		if rel < 0 {
			b.deadLen = len(b.buf)
			break
		}
		start := b.deadLen + rel

		end, balanced := scanObject(b.buf, start)
		if !balanced {
			b.liveStart = start
			break
		}

		span := b.buf[start:end]
		var obj map[string]any
		if err := json.Unmarshal(span, &obj); err != nil {
			// Balanced braces but not JSON: plain text from here on.
			b.deadLen = end
			continue
		}

		// Text preceding a consumed object is complete by construction;
		// emit it unless it is only whitespace.
		if pre := strings.TrimSpace(string(b.buf[:start])); pre != "" {
			emitted = append(emitted, textMessage(pre, true))
		}
		emitted = append(emitted, classifyObject(string(span), obj))

		b.buf = append(b.buf[:0], b.buf[end:]...)
		b.deadLen = 0
	}

	// No live JSON candidate: trailing text may stand on its own.
	if b.liveStart < 0 {
		if text := strings.TrimSpace(string(b.buf)); text != "" && b.opts.Completion.Substantial(text) {
			emitted = append(emitted, textMessage(text, true))
			b.buf = b.buf[:0]
			b.deadLen = 0
		}
	}
	return emitted
}

func (b *Buffer) enforceLimit() {
	maxSize := b.opts.MaxBufferSize
	if len(b.buf) <= maxSize {
		return
	}
	over := len(b.buf) - maxSize

	// Drop oldest dead text first; the live span is protected.
	deadRegion := len(b.buf)
	if b.liveStart >= 0 {
		deadRegion = b.liveStart
	}
	drop := over
	if drop > deadRegion {
		drop = deadRegion
	}
	if drop > 0 {
		b.buf = append(b.buf[:0], b.buf[drop:]...)
		b.droppedBytes += int64(drop)
		b.deadLen -= drop
		if b.deadLen < 0 {
			b.deadLen = 0
		}
		if b.liveStart >= 0 {
			b.liveStart -= drop
		}
		over -= drop
	}

	if over > 0 {
		// The live span alone exceeds the limit: abandon it.
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.droppedBytes += int64(over)
		b.liveStart = -1
		b.deadLen = len(b.buf)
	}

	b.opts.Logger.Warn("stream buffer overflow, oldest data truncated",
		"droppedBytes", b.droppedBytes, "maxBufferSize", maxSize)
}

// State returns a read-only snapshot.
func (b *Buffer) State() BufferState {
	return BufferState{
		Buffer:              string(b.buf),
		TotalBytesProcessed: b.totalBytes,
		IncompleteMessages:  b.incompleteCount,
		CompletedMessages:   b.completedCount,
		HasIncompleteUTF8:   len(b.pendingUTF8) > 0,
		DroppedBytes:        b.droppedBytes,
		LastProcessedAt:     b.lastProcessedAt,
	}
}

// IsWaitingForData reports whether the buffer holds an unbalanced JSON span
// or an incomplete UTF-8 or ANSI sequence.
func (b *Buffer) IsWaitingForData() bool {
	return b.liveStart >= 0 || len(b.heldEscape) > 0 || len(b.pendingUTF8) > 0
}

// HasCompletedMessages reports whether the queue is non-empty.
func (b *Buffer) HasCompletedMessages() bool {
	return len(b.queue) > 0
}

// CompletedMessages drains and returns the queued messages.
func (b *Buffer) CompletedMessages() []ParsedMessage {
	msgs := b.queue
	b.queue = nil
	return msgs
}

// NextMessage pops the oldest queued message, or nil when the queue is empty.
func (b *Buffer) NextMessage() *ParsedMessage {
	if len(b.queue) == 0 {
		return nil
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	return &msg
}

// ForceCompletion flushes whatever remains in the buffer as one message with
// IsComplete=false, so trailing output is never silently lost on process
// exit or timeout. Returns nil when there was nothing to flush.
func (b *Buffer) ForceCompletion() *ParsedMessage {
	remainder := string(b.buf)
	if len(b.pendingUTF8) > 0 {
		remainder += strings.ToValidUTF8(string(b.pendingUTF8), "�")
	}
	b.buf = b.buf[:0]
	b.deadLen = 0
	b.liveStart = -1
	b.pendingUTF8 = nil
	b.heldEscape = nil

	text := strings.TrimSpace(remainder)
	if text == "" {
		return nil
	}
	msg := textMessage(text, false)
	if !b.opts.DisableQueue {
		b.queue = append(b.queue, msg)
	}
	b.incompleteCount++
	return &msg
}

// Reset clears all buffer state, counters included.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.deadLen = 0
	b.liveStart = -1
	b.pendingUTF8 = nil
	b.heldEscape = nil
	b.queue = nil
	b.totalBytes = 0
	b.completedCount = 0
	b.incompleteCount = 0
	b.droppedBytes = 0
}

// scanObject scans a brace-balanced span starting at buf[start] == '{',
// respecting quoted strings and backslash escapes. Returns the exclusive
// end index, or balanced=false when the span is still open.
func scanObject(buf []byte, start int) (end int, balanced bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// incompleteTailLen returns how many trailing bytes of data form the start
// of a multi-byte UTF-8 sequence that is not yet complete.
func incompleteTailLen(data []byte) int {
	for i := 1; i <= utf8.UTFMax && i <= len(data); i++ {
		c := data[len(data)-i]
		if c < 0x80 {
			return 0
		}
		if c&0xc0 == 0xc0 {
			// Leading byte: does the sequence have all its bytes?
			var size int
			switch {
			case c&0xe0 == 0xc0:
				size = 2
			case c&0xf0 == 0xe0:
				size = 3
			case c&0xf8 == 0xf0:
				size = 4
			default:
				return 0 // invalid leading byte, let decoding replace it
			}
			if i < size {
				return i
			}
			return 0
		}
		// Continuation byte, keep scanning backwards.
	}
	return 0
}
