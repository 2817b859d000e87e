package stream

import (
	"errors"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// plainParser forwards decoded text verbatim. Incomplete trailing UTF-8
// sequences are held back until the next chunk completes them.
type plainParser struct {
	dec     transform.Transformer
	pending []byte
	done    bool
}

func newPlainParser() *plainParser {
	return &plainParser{dec: unicode.UTF8.NewDecoder()}
}

func (p *plainParser) Feed(chunk []byte) ([]Event, error) {
	if p.done || len(chunk) == 0 {
		return nil, nil
	}
	text, err := p.decode(chunk, false)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	return []Event{Delta(text)}, nil
}

func (p *plainParser) Flush() ([]Event, error) {
	if p.done {
		return nil, nil
	}
	p.done = true

	var events []Event
	if len(p.pending) > 0 {
		text, err := p.decode(nil, true)
		if err != nil {
			return nil, err
		}
		if text != "" {
			events = append(events, Delta(text))
		}
	}
	return append(events, Done()), nil
}

func (p *plainParser) decode(chunk []byte, atEOF bool) (string, error) {
	src := append(p.pending, chunk...)
	// Every invalid byte may expand to a 3-byte U+FFFD.
	dst := make([]byte, 3*len(src)+utf8.UTFMax)

	nDst, nSrc, err := p.dec.Transform(dst, src, atEOF)
	if err != nil && !errors.Is(err, transform.ErrShortSrc) {
		return "", &ProtocolError{Format: FormatPlain, Msg: err.Error()}
	}
	p.pending = append(p.pending[:0:0], src[nSrc:]...)
	return string(dst[:nDst]), nil
}
