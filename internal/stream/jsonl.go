package stream

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// jsonlParser reads one JSON object per line, discriminated by "type":
//
//	{"type":"tool", ...}                       tool side channel
//	{"type":"done"}                            terminal
//	{"type":"error","message":"..."}           in-band failure
//	{"content":"...","reasoning":"..."}        anything else is a delta
//
// Lines that are not JSON objects, and objects with none of the known
// fields, are forwarded verbatim as text.
type jsonlParser struct {
	lines *lineBuffer
	done  bool
}

// jsonlFields are the keys that make an untyped object a delta, possibly empty.
var jsonlFields = []string{"content", "delta", "text", "reasoning"}

func (p *jsonlParser) Feed(chunk []byte) ([]Event, error) {
	if p.done {
		return nil, nil
	}
	lines, err := p.lines.feed(chunk)
	events, herr := p.handle(lines)
	if herr != nil || p.done {
		return events, herr
	}
	return events, err
}

func (p *jsonlParser) Flush() ([]Event, error) {
	if p.done {
		return nil, nil
	}
	var events []Event
	if line, ok := p.lines.rest(); ok {
		var err error
		if events, err = p.handle([]string{line}); err != nil {
			return events, err
		}
	}
	if !p.done {
		p.done = true
		events = append(events, Done())
	}
	return events, nil
}

func (p *jsonlParser) handle(lines []string) ([]Event, error) {
	var events []Event
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !gjson.Valid(line) {
			events = append(events, Delta(line))
			continue
		}

		doc := gjson.Parse(line)
		if !doc.IsObject() {
			events = append(events, Delta(line))
			continue
		}
		switch doc.Get("type").String() {
		case "done":
			p.done = true
			p.lines.discard()
			return append(events, Done()), nil
		case "tool":
			tool := doc.Get("tool")
			if !tool.Exists() {
				tool = doc
			}
			events = append(events, Event{Kind: KindTool, Tool: json.RawMessage(tool.Raw)})
		case "error":
			msg := doc.Get("message").String()
			if msg == "" {
				msg = doc.Get("error.message").String()
			}
			if msg == "" {
				msg = line
			}
			return events, &UpstreamError{Message: msg, Details: json.RawMessage(doc.Raw)}
		default:
			ev := Event{
				Kind:      KindDelta,
				Text:      firstString(doc, []string{"content", "delta", "text"}),
				Reasoning: doc.Get("reasoning").String(),
			}
			switch {
			case ev.Text != "" || ev.Reasoning != "":
				events = append(events, ev)
			case !doc.Get("type").Exists() && !hasAny(doc, jsonlFields):
				// Unrecognized object: pass it through like invalid JSON.
				events = append(events, Delta(line))
			}
		}
	}
	return events, nil
}

func hasAny(doc gjson.Result, keys []string) bool {
	for _, k := range keys {
		if doc.Get(k).Exists() {
			return true
		}
	}
	return false
}
