package stream

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

const doneMarker = "[DONE]"

// contentPaths are tried in order to find the delta text of a payload.
var contentPaths = []string{
	"choices.0.delta.content",
	"choices.0.message.content",
	"choices.0.text",
}

var reasoningPaths = []string{
	"choices.0.delta.reasoning",
	"choices.0.delta.reasoning_content",
	"choices.0.message.reasoning",
}

// sseParser reads OpenAI-style "data:" lines. Other SSE fields (event, id,
// retry, comments) carry nothing the gateway forwards.
type sseParser struct {
	lines *lineBuffer
	done  bool
}

func (p *sseParser) Feed(chunk []byte) ([]Event, error) {
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

func (p *sseParser) Flush() ([]Event, error) {
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

func (p *sseParser) handle(lines []string) ([]Event, error) {
	var events []Event
	for _, line := range lines {
		payload, ok := dataPayload(line)
		if !ok {
			continue
		}
		if strings.TrimSpace(payload) == doneMarker {
			p.done = true
			p.lines.discard()
			return append(events, Done()), nil
		}
		ev, ok, err := payloadEvent(payload)
		if err != nil {
			return events, err
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// dataPayload strips the "data:" field name and one optional space.
func dataPayload(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(rest, " "), true
}

// payloadEvent interprets one data payload. Invalid JSON is forwarded as raw
// text so no chunk is dropped silently.
func payloadEvent(payload string) (Event, bool, error) {
	if payload == "" {
		return Event{}, false, nil
	}
	if !gjson.Valid(payload) {
		return Delta(payload), true, nil
	}

	doc := gjson.Parse(payload)
	if err := inBandError(doc); err != nil {
		return Event{}, false, err
	}
	ev := Event{
		Kind:      KindDelta,
		Text:      firstString(doc, contentPaths),
		Reasoning: firstString(doc, reasoningPaths),
	}
	if ev.Text == "" && ev.Reasoning == "" {
		return Event{}, false, nil
	}
	return ev, true, nil
}

// inBandError recognizes {"error":{...}} objects sent without choices.
func inBandError(doc gjson.Result) error {
	e := doc.Get("error")
	if !e.Exists() || e.Type == gjson.Null || doc.Get("choices").Exists() {
		return nil
	}
	if e.Type == gjson.String {
		return &UpstreamError{Message: e.Str}
	}
	msg := e.Get("message").String()
	if msg == "" {
		msg = e.Raw
	}
	return &UpstreamError{Message: msg, Details: json.RawMessage(e.Raw)}
}

func firstString(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
