package stream

import (
	"errors"
	"fmt"
	"io"
)

const readChunkSize = 4096

// Reader pulls events from an upstream body through a Parser.
//
// Next returns events in the order their bytes arrived. After the done event
// it returns io.EOF. A read failure before done is returned as an error and
// no done event is synthesized.
type Reader struct {
	src    io.ReadCloser
	parser Parser
	buf    []byte

	pending []Event
	eof     bool
	done    bool
	err     error
}

// NewReader wraps body with parser. The Reader owns body and closes it on Close.
func NewReader(body io.ReadCloser, parser Parser) *Reader {
	return &Reader{
		src:    body,
		parser: parser,
		buf:    make([]byte, readChunkSize),
	}
}

// Next returns the next event.
func (r *Reader) Next() (Event, error) {
	for {
		if len(r.pending) > 0 {
			ev := r.pending[0]
			r.pending = r.pending[1:]
			if ev.Kind == KindDone {
				r.done = true
				r.pending = nil
			}
			return ev, nil
		}
		if r.done {
			return Event{}, io.EOF
		}
		if r.err != nil {
			return Event{}, r.err
		}
		if r.eof {
			// Parsers end Flush with done; this only guards a misbehaving one.
			r.pending = append(r.pending, Done())
			continue
		}
		r.fill()
	}
}

func (r *Reader) fill() {
	n, err := r.src.Read(r.buf)
	if n > 0 {
		events, perr := r.parser.Feed(r.buf[:n])
		r.pending = append(r.pending, events...)
		if perr != nil {
			r.err = perr
			return
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		r.eof = true
		events, perr := r.parser.Flush()
		r.pending = append(r.pending, events...)
		if perr != nil {
			r.err = perr
		}
	default:
		r.err = fmt.Errorf("stream: read upstream: %w", err)
	}
}

// Close releases the upstream body.
func (r *Reader) Close() error {
	return r.src.Close()
}
