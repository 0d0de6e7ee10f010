// Package toolparse scans streamed model text for tool invocation markup.
//
// A tool call has the form
//
//	<read_file>
//	<path>src/a.ts</path>
//	</read_file>
//
// and may be split across any number of chunks. Only tags naming a known tool open a call; any
// other angle-bracketed text is prose. A parameter value ends only at its own exact closing tag,
// so values may contain arbitrary markup.
package toolparse

import (
	"sort"
	"strings"
)

// State is the scanner position relative to tool markup.
type State int

const (
	// StateOutside means no tool tag is open.
	StateOutside State = iota
	// StateInsideTag means a tool tag is open and its body is being accumulated.
	StateInsideTag
	// StateTagClosing means the body ends with a partial closing tag for the open tool.
	StateTagClosing
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOutside:
		return "outside"
	case StateInsideTag:
		return "inside-tag"
	case StateTagClosing:
		return "tag-closing"
	default:
		return "invalid"
	}
}

// EventKind discriminates scanner events.
type EventKind int

const (
	// EventProse carries display text outside any tool tag.
	EventProse EventKind = iota
	// EventToolStart fires once when a known tool's opening tag completes.
	EventToolStart
	// EventToolPartial carries the parameters parsed so far for the open tool.
	EventToolPartial
	// EventToolComplete fires when the open tool's closing tag is seen.
	EventToolComplete
	// EventToolIncomplete fires on Close when a tool tag never closed.
	EventToolIncomplete
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventProse:
		return "prose"
	case EventToolStart:
		return "tool_start"
	case EventToolPartial:
		return "tool_partial"
	case EventToolComplete:
		return "tool_complete"
	case EventToolIncomplete:
		return "tool_incomplete"
	default:
		return "invalid"
	}
}

// Event is one scanner output.
type Event struct {
	Params map[string]string // tool events
	Text   string            // prose
	Tool   string            // tool events
	Param  string            // parameter still being filled, partial only
	Kind   EventKind
}

// Snapshot is the complete scanner state. Feed is a pure function of a Snapshot and input.
type Snapshot struct {
	known   map[string]struct{}
	pending string // outside: held '<' prefix; inside: tool body so far
	tool    string
	partial string // signature of the last partial event, suppresses duplicates
	state   State
}

// NewSnapshot creates an outside-state snapshot recognizing the given tool names.
func NewSnapshot(toolNames []string) Snapshot {
	known := make(map[string]struct{}, len(toolNames))
	for _, name := range toolNames {
		known[name] = struct{}{}
	}
	return Snapshot{known: known}
}

// State returns the scanner position.
func (s Snapshot) State() State {
	return s.state
}

// Tool returns the open tool name, or "".
func (s Snapshot) Tool() string {
	return s.tool
}

// Reset returns a fresh snapshot with the same known tools.
func (s Snapshot) Reset() Snapshot {
	return Snapshot{known: s.known}
}

// Feed advances the scanner over text and returns the new state and the events it produced.
func Feed(s Snapshot, text string) (Snapshot, []Event) {
	var events []Event
	buf := s.pending + text
	s.pending = ""

	for {
		if s.state == StateOutside {
			var done bool
			s, buf, events, done = s.scanOutside(buf, events)
			if done {
				return s, coalesce(events)
			}
			continue
		}

		var done bool
		s, buf, events, done = s.scanInside(buf, events)
		if done {
			return s, coalesce(events)
		}
	}
}

// Close ends the input. Held prose is flushed and an open tool becomes EventToolIncomplete.
func Close(s Snapshot) (Snapshot, []Event) {
	var events []Event
	switch s.state {
	case StateOutside:
		if s.pending != "" {
			events = append(events, Event{Kind: EventProse, Text: s.pending})
		}
	default:
		body := parseBody(s.pending, s.tool)
		events = append(events, Event{Kind: EventToolIncomplete, Tool: s.tool, Params: body.params, Param: body.open})
	}
	return s.Reset(), events
}

func (s Snapshot) scanOutside(buf string, events []Event) (Snapshot, string, []Event, bool) {
	for {
		i := strings.IndexByte(buf, '<')
		if i < 0 {
			if buf != "" {
				events = append(events, Event{Kind: EventProse, Text: buf})
			}
			return s, "", events, true
		}
		if i > 0 {
			events = append(events, Event{Kind: EventProse, Text: buf[:i]})
			buf = buf[i:]
		}

		end := strings.IndexByte(buf, '>')
		if end < 0 {
			if s.couldOpenTool(buf[1:]) {
				s.pending = buf
				return s, "", events, true
			}
			events = append(events, Event{Kind: EventProse, Text: "<"})
			buf = buf[1:]
			continue
		}

		name := buf[1:end]
		if _, ok := s.known[name]; ok {
			events = append(events, Event{Kind: EventToolStart, Tool: name})
			s.state = StateInsideTag
			s.tool = name
			s.partial = ""
			return s, buf[end+1:], events, false
		}
		events = append(events, Event{Kind: EventProse, Text: "<"})
		buf = buf[1:]
	}
}

func (s Snapshot) scanInside(buf string, events []Event) (Snapshot, string, []Event, bool) {
	body := parseBody(buf, s.tool)
	if body.closeAt >= 0 {
		events = append(events, Event{Kind: EventToolComplete, Tool: s.tool, Params: body.params})
		rest := buf[body.closeAt+len(closingTag(s.tool)):]
		s.state = StateOutside
		s.tool = ""
		s.partial = ""
		return s, rest, events, false
	}

	s.pending = buf
	if body.closing {
		s.state = StateTagClosing
	} else {
		s.state = StateInsideTag
	}
	if sig := body.signature(); sig != s.partial {
		s.partial = sig
		events = append(events, Event{Kind: EventToolPartial, Tool: s.tool, Params: body.params, Param: body.open})
	}
	return s, "", events, true
}

// couldOpenTool reports whether rest, the text after '<', may still grow into a known opening tag.
func (s Snapshot) couldOpenTool(rest string) bool {
	for name := range s.known {
		if strings.HasPrefix(name, rest) {
			return true
		}
	}
	return false
}

type parsedBody struct {
	params  map[string]string
	open    string
	closeAt int
	closing bool
}

func (b parsedBody) signature() string {
	keys := make([]string, 0, len(b.params))
	for k := range b.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(b.open)
	for _, k := range keys {
		sb.WriteByte(0)
		sb.WriteString(k)
		sb.WriteByte(0)
		sb.WriteString(b.params[k])
	}
	return sb.String()
}

func closingTag(name string) string {
	return "</" + name + ">"
}

// parseBody scans a tool body. The tool's closing tag counts only between parameters.
func parseBody(body, tool string) parsedBody {
	out := parsedBody{params: make(map[string]string), closeAt: -1}
	closeTool := closingTag(tool)
	pos := 0

	for pos < len(body) {
		k := strings.IndexByte(body[pos:], '<')
		if k < 0 {
			return out
		}
		k += pos
		rest := body[k:]
		if strings.HasPrefix(rest, closeTool) {
			out.closeAt = k
			return out
		}
		if strings.HasPrefix(closeTool, rest) {
			out.closing = true
			return out
		}
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return out
		}
		name := rest[1:end]
		if !isParamName(name) {
			pos = k + 1
			continue
		}
		valueStart := k + end + 1
		closeParam := closingTag(name)
		idx := strings.Index(body[valueStart:], closeParam)
		if idx < 0 {
			out.open = name
			out.params[name] = trimValue(name, trimPartialSuffix(body[valueStart:], closeParam))
			return out
		}
		out.params[name] = trimValue(name, body[valueStart:valueStart+idx])
		pos = valueStart + idx + len(closeParam)
	}
	return out
}

func isParamName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c == '_' || c == '-' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

// trimPartialSuffix drops a trailing fragment of tag so previews never show "</con".
func trimPartialSuffix(value, tag string) string {
	for n := len(tag) - 1; n > 0; n-- {
		if strings.HasSuffix(value, tag[:n]) {
			return value[:len(value)-n]
		}
	}
	return value
}

// trimValue keeps file content verbatim apart from the newline that follows the opening tag.
func trimValue(name, value string) string {
	if name == "content" {
		value = strings.TrimPrefix(value, "\n")
		return strings.TrimSuffix(value, "\n")
	}
	return strings.TrimSpace(value)
}

func coalesce(events []Event) []Event {
	if len(events) < 2 {
		return events
	}
	out := events[:1]
	for _, ev := range events[1:] {
		last := &out[len(out)-1]
		if ev.Kind == EventProse && last.Kind == EventProse {
			last.Text += ev.Text
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Parser is a stateful convenience wrapper around Feed.
type Parser struct {
	snap Snapshot
}

// NewParser creates a parser recognizing the given tool names.
func NewParser(toolNames []string) *Parser {
	return &Parser{snap: NewSnapshot(toolNames)}
}

// Feed advances the parser over text.
func (p *Parser) Feed(text string) []Event {
	var events []Event
	p.snap, events = Feed(p.snap, text)
	return events
}

// Close ends the input.
func (p *Parser) Close() []Event {
	var events []Event
	p.snap, events = Close(p.snap)
	return events
}

// Reset discards all scanner state.
func (p *Parser) Reset() {
	p.snap = p.snap.Reset()
}

// State returns the scanner position.
func (p *Parser) State() State {
	return p.snap.state
}

// InTag reports whether a tool tag is open.
func (p *Parser) InTag() bool {
	return p.snap.state != StateOutside
}

// Tool returns the open tool name, or "".
func (p *Parser) Tool() string {
	return p.snap.tool
}
