package stream

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// Parser converts raw upstream chunks into events.
//
// Feed may return events together with an error; events come first in the
// stream. Once a parser has produced a done event it ignores further input.
// Flush is called on clean end-of-stream and ends with a done event unless
// one was already produced.
type Parser interface {
	Feed(chunk []byte) ([]Event, error)
	Flush() ([]Event, error)
}

// NewParser returns a fresh parser for f. FormatAuto falls back to SSE;
// callers that know the content type should use Resolve first.
func NewParser(f Format) Parser {
	switch f {
	case FormatPlain:
		return newPlainParser()
	case FormatJSONL:
		return &jsonlParser{lines: newLineBuffer(FormatJSONL)}
	default:
		return &sseParser{lines: newLineBuffer(FormatSSE)}
	}
}

// lineBuffer accumulates bytes and yields complete, UTF-8 sanitized lines.
// Splitting on '\n' never cuts a multi-byte sequence, so characters split
// across chunks are reassembled before decoding.
type lineBuffer struct {
	format Format
	buf    []byte
}

func newLineBuffer(f Format) *lineBuffer {
	return &lineBuffer{format: f}
}

func (b *lineBuffer) feed(chunk []byte) ([]string, error) {
	b.buf = append(b.buf, chunk...)

	var (
		lines []string
		off   int
	)
	for {
		i := bytes.IndexByte(b.buf[off:], '\n')
		if i < 0 {
			break
		}
		line := b.buf[off : off+i]
		off += i + 1
		if len(line) > MaxLineSize {
			return lines, b.tooLong(len(line))
		}
		lines = append(lines, decodeLine(bytes.TrimSuffix(line, []byte{'\r'})))
	}

	n := copy(b.buf, b.buf[off:])
	b.buf = b.buf[:n]
	if len(b.buf) > MaxLineSize {
		return lines, b.tooLong(len(b.buf))
	}
	return lines, nil
}

// rest returns the unterminated tail and empties the buffer.
func (b *lineBuffer) rest() (string, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	line := decodeLine(bytes.TrimSuffix(b.buf, []byte{'\r'}))
	b.buf = b.buf[:0]
	return line, true
}

func (b *lineBuffer) discard() { b.buf = nil }

func (b *lineBuffer) tooLong(n int) error {
	return &ProtocolError{
		Format: b.format,
		Msg:    fmt.Sprintf("frame of %d bytes exceeds limit of %d", n, MaxLineSize),
	}
}

// decodeLine replaces invalid UTF-8 with U+FFFD.
func decodeLine(line []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(line)
	if err != nil {
		return string(bytes.ToValidUTF8(line, []byte("�")))
	}
	return string(out)
}
