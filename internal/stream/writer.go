package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Output selects how normalized events are written to the client.
type Output string

const (
	// OutputSSE re-wraps events as named SSE events (token, reasoning, tool,
	// done, error).
	OutputSSE Output = "sse"
	// OutputText writes delta text only; a clean close marks completion.
	OutputText Output = "text"
)

// ParseOutput validates a configured output mode.
func ParseOutput(s string) (Output, error) {
	switch o := Output(strings.ToLower(strings.TrimSpace(s))); o {
	case "", OutputSSE:
		return OutputSSE, nil
	case OutputText, "plain":
		return OutputText, nil
	default:
		return "", fmt.Errorf("stream: unknown output %q; must be one of: sse, text", s)
	}
}

// ContentType returns the response Content-Type for o.
func (o Output) ContentType() string {
	if o == OutputText {
		return "text/plain; charset=utf-8"
	}
	return "text/event-stream"
}

type textPayload struct {
	Text string `json:"text"`
}

// Writer emits events in the chosen output framing and flushes after each.
type Writer struct {
	w    *bufio.Writer
	mode Output

	deltas int
	bytes  int
}

// NewWriter returns a Writer over w.
func NewWriter(w *bufio.Writer, mode Output) *Writer {
	return &Writer{w: w, mode: mode}
}

// Deltas returns the number of delta events written.
func (w *Writer) Deltas() int { return w.deltas }

// TextBytes returns the number of content bytes written.
func (w *Writer) TextBytes() int { return w.bytes }

// WriteEvent writes one event.
func (w *Writer) WriteEvent(ev Event) error {
	switch ev.Kind {
	case KindDelta:
		w.deltas++
		w.bytes += len(ev.Text)
		if w.mode == OutputText {
			if ev.Text == "" {
				return nil
			}
			if _, err := w.w.WriteString(ev.Text); err != nil {
				return err
			}
			return w.w.Flush()
		}
		if ev.Reasoning != "" {
			if err := w.writeJSON("reasoning", textPayload{Text: ev.Reasoning}); err != nil {
				return err
			}
		}
		if ev.Text != "" {
			if err := w.writeJSON("token", textPayload{Text: ev.Text}); err != nil {
				return err
			}
		}
		return w.w.Flush()

	case KindTool:
		if w.mode == OutputText {
			return nil
		}
		if err := w.writeRaw("tool", ev.Tool); err != nil {
			return err
		}
		return w.w.Flush()

	case KindDone:
		if w.mode == OutputText {
			return w.w.Flush()
		}
		if err := w.writeRaw("done", []byte("{}")); err != nil {
			return err
		}
		return w.w.Flush()
	}
	return nil
}

// WriteError reports a mid-stream failure. body is a JSON error envelope.
// No done event follows, so consumers see the stream end without completion.
func (w *Writer) WriteError(body []byte) error {
	if w.mode == OutputText {
		return w.w.Flush()
	}
	if err := w.writeRaw("error", body); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *Writer) writeJSON(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.writeRaw(event, data)
}

func (w *Writer) writeRaw(event string, data []byte) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	if bytes.ContainsAny(data, "\r\n") {
		var buf bytes.Buffer
		if json.Compact(&buf, data) == nil {
			data = buf.Bytes()
		} else {
			data = []byte(strings.NewReplacer("\r", "", "\n", " ").Replace(string(data)))
		}
	}
	_, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
