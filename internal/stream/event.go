// Package stream normalizes upstream completion streams.
//
// Upstreams answer in one of three framings: plain text, Server-Sent Events
// with OpenAI-style JSON payloads, or JSON-Lines. A Parser turns raw chunks of
// one framing into a single canonical Event sequence that always ends with
// exactly one done event on a clean close. Parsers are stateful and must be
// constructed fresh for every stream.
package stream

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"
)

// Kind tags an Event.
type Kind string

const (
	KindDelta Kind = "delta"
	KindTool  Kind = "tool"
	KindDone  Kind = "done"
)

// Event is one normalized stream unit.
type Event struct {
	Kind Kind
	// Text is the primary content of a delta.
	Text string
	// Reasoning is the optional reasoning side channel of a delta.
	Reasoning string
	// Tool is the raw tool payload of a tool event.
	Tool json.RawMessage
}

// Delta returns a delta event carrying text.
func Delta(text string) Event { return Event{Kind: KindDelta, Text: text} }

// Done returns the terminal event.
func Done() Event { return Event{Kind: KindDone} }

// Format names an upstream framing.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatPlain Format = "plain"
	FormatSSE   Format = "sse"
	FormatJSONL Format = "jsonl"
)

// MaxLineSize bounds a single SSE or JSON-Lines frame.
const MaxLineSize = 1 << 20

// ParseFormat validates a configured framing name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatAuto, nil
	case FormatAuto, FormatPlain, FormatSSE, FormatJSONL:
		return f, nil
	case "text":
		return FormatPlain, nil
	case "ndjson", "jsonlines":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("stream: unknown format %q; must be one of: auto, plain, sse, jsonl", s)
	}
}

// Detect picks a framing from an upstream Content-Type. Unknown or missing
// types are treated as SSE, the OpenAI-compatible default.
func Detect(contentType string) Format {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mt {
	case "text/event-stream":
		return FormatSSE
	case "application/x-ndjson", "application/jsonl", "application/x-jsonlines", "application/jsonlines":
		return FormatJSONL
	case "text/plain":
		return FormatPlain
	default:
		return FormatSSE
	}
}

// Resolve returns the configured framing, or the detected one for FormatAuto.
func Resolve(configured Format, contentType string) Format {
	if configured == "" || configured == FormatAuto {
		return Detect(contentType)
	}
	return configured
}

// ProtocolError reports a framing violation the parser cannot recover from.
type ProtocolError struct {
	Format Format
	Msg    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream: %s: %s", e.Format, e.Msg)
}

// UpstreamError is an error object the upstream sent in-band, after the
// response headers were already committed.
type UpstreamError struct {
	Message string
	Details json.RawMessage
}

func (e *UpstreamError) Error() string {
	return "stream: upstream error: " + e.Message
}
