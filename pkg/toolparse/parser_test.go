package toolparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTools = []string{"read_file", "write_to_file", "attempt_completion"}

func feedAll(p *Parser, chunks ...string) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, p.Feed(c)...)
	}
	return events
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func prose(events []Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Kind == EventProse {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

func completed(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == EventToolComplete {
			out = append(out, ev)
		}
	}
	return out
}

func TestSingleChunkTool(t *testing.T) {
	p := NewParser(testTools)
	events := p.Feed("Let me look.\n<read_file>\n<path>a.ts</path>\n</read_file>")

	require.Len(t, events, 3)
	assert.Equal(t, EventProse, events[0].Kind)
	assert.Equal(t, "Let me look.\n", events[0].Text)
	assert.Equal(t, EventToolStart, events[1].Kind)
	assert.Equal(t, EventToolComplete, events[2].Kind)
	assert.Equal(t, map[string]string{"path": "a.ts"}, events[2].Params)
	assert.Equal(t, StateOutside, p.State())
}

func TestTagSplitAcrossChunks(t *testing.T) {
	p := NewParser(testTools)
	var events []Event

	events = append(events, p.Feed("Reading <re")...)
	assert.Equal(t, StateOutside, p.State())
	assert.Equal(t, "Reading ", prose(events), "held prefix must not be shown")

	events = append(events, p.Feed("ad_fi")...)
	events = append(events, p.Feed("le><pa")...)
	assert.Equal(t, StateInsideTag, p.State())
	assert.Equal(t, "read_file", p.Tool())

	events = append(events, p.Feed("th>src/")...)
	events = append(events, p.Feed("a.ts</path></read_")...)
	assert.Equal(t, StateTagClosing, p.State())

	events = append(events, p.Feed("file> done")...)
	assert.Equal(t, StateOutside, p.State())

	done := completed(events)
	require.Len(t, done, 1)
	assert.Equal(t, "src/a.ts", done[0].Params["path"])
	assert.Equal(t, "Reading  done", prose(events))
}

func TestTrailingTextAfterCloseIsProse(t *testing.T) {
	p := NewParser(testTools)
	events := p.Feed("<read_file><path>x</path></read_file>and then more")
	assert.Equal(t, []EventKind{EventToolStart, EventToolComplete, EventProse}, kinds(events))
	assert.Equal(t, "and then more", events[2].Text)
}

func TestAngleBracketsInsideValues(t *testing.T) {
	p := NewParser(testTools)
	body := "func f() { if a < b && c > d { return \"</read_file>\" } }"
	events := feedAll(p,
		"<write_to_file>\n<path>f.go</path>\n<content>\n",
		body[:20],
		body[20:],
		"\n</content>\n</write_to_file>",
	)

	done := completed(events)
	require.Len(t, done, 1)
	assert.Equal(t, "write_to_file", done[0].Tool)
	assert.Equal(t, body, done[0].Params["content"])
	assert.Equal(t, "f.go", done[0].Params["path"])
}

func TestUnknownTagsAreProse(t *testing.T) {
	p := NewParser(testTools)
	events := feedAll(p, "use <div> and a <", " b, or <thinking>hmm</thinking>")
	assert.Empty(t, completed(events))
	assert.Equal(t, "use <div> and a < b, or <thinking>hmm</thinking>", prose(events))
	assert.Equal(t, StateOutside, p.State())
}

func TestSequentialToolsKeepOrder(t *testing.T) {
	p := NewParser(testTools)
	events := feedAll(p,
		"<read_file><path>1.ts</path></read_file>\n",
		"<read_file><path>2.ts</path></read_",
		"file><attempt_completion><result>ok</result></attempt_completion>",
	)

	done := completed(events)
	require.Len(t, done, 3)
	assert.Equal(t, "1.ts", done[0].Params["path"])
	assert.Equal(t, "2.ts", done[1].Params["path"])
	assert.Equal(t, "attempt_completion", done[2].Tool)
	assert.Equal(t, "ok", done[2].Params["result"])
}

func TestPartialUpdatesTrackOpenParam(t *testing.T) {
	p := NewParser(testTools)
	var partials []Event
	for _, c := range []string{"<write_to_file><path>a.txt</path><content>hel", "lo</con", "tent>"} {
		for _, ev := range p.Feed(c) {
			if ev.Kind == EventToolPartial {
				partials = append(partials, ev)
			}
		}
	}

	require.Len(t, partials, 3)
	assert.Equal(t, "content", partials[0].Param)
	assert.Equal(t, "hel", partials[0].Params["content"])
	assert.Equal(t, "hello", partials[1].Params["content"], "partial closing tag is not shown")
	assert.Equal(t, "", partials[2].Param)
	assert.Equal(t, "hello", partials[2].Params["content"])
}

func TestDuplicatePartialsSuppressed(t *testing.T) {
	p := NewParser(testTools)
	p.Feed("<read_file><path>a</path>")
	events := p.Feed("\n")
	assert.Empty(t, events)
}

func TestCloseReportsIncompleteTool(t *testing.T) {
	p := NewParser(testTools)
	p.Feed("<write_to_file><path>a.txt</path><content>half")

	events := p.Close()
	require.Len(t, events, 1)
	assert.Equal(t, EventToolIncomplete, events[0].Kind)
	assert.Equal(t, "write_to_file", events[0].Tool)
	assert.Equal(t, "half", events[0].Params["content"])
	assert.Equal(t, StateOutside, p.State())
}

func TestCloseFlushesHeldPrefix(t *testing.T) {
	p := NewParser(testTools)
	assert.Equal(t, "see ", prose(p.Feed("see <rea")))
	events := p.Close()
	require.Len(t, events, 1)
	assert.Equal(t, "<rea", events[0].Text)
}

func TestFeedIsPure(t *testing.T) {
	start := NewSnapshot(testTools)
	mid, _ := Feed(start, "<read_file><path>a")

	again, first := Feed(mid, "</path></read_file>")
	_, second := Feed(mid, "</path></read_file>")

	assert.Equal(t, first, second)
	assert.Equal(t, StateOutside, again.State())
	assert.Equal(t, StateInsideTag, mid.State())
	assert.Equal(t, StateOutside, start.State())
}

func TestReset(t *testing.T) {
	p := NewParser(testTools)
	p.Feed("<read_file><path>a")
	require.True(t, p.InTag())
	p.Reset()
	assert.False(t, p.InTag())
	assert.Equal(t, "plain", prose(p.Feed("plain")))
}
