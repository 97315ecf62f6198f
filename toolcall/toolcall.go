// Package toolcall splits assistant text into narration and tool calls.
//
// Calls are separated by a line containing only Delimiter. A segment is a
// call when its first line is exactly the name of a known tool; the rest of
// the segment is the call's argument blob, passed to the tool verbatim.
package toolcall

import "strings"

// Delimiter separates segments of assistant output.
const Delimiter = "###"

type Kind int

const (
	KindNarration Kind = iota
	KindCall
)

// Segment is one delimited piece of assistant output.
type Segment struct {
	Kind Kind
	// Name and Args are set for calls.
	Name string
	Args string
	// Text is the trimmed segment, for narration and calls alike.
	Text string
}

// Parse splits text into segments in order. known reports whether a name
// belongs to a registered tool. Blank segments are skipped.
func Parse(text string, known func(name string) bool) []Segment {
	var segments []Segment
	for _, raw := range split(text) {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		name, args, _ := strings.Cut(trimmed, "\n")
		name = strings.TrimSuffix(name, "\r")
		if known != nil && known(name) {
			segments = append(segments, Segment{Kind: KindCall, Name: name, Args: args, Text: trimmed})
			continue
		}
		segments = append(segments, Segment{Kind: KindNarration, Text: trimmed})
	}
	return segments
}

// split cuts text at delimiter lines. A trailing carriage return on the
// delimiter line is tolerated.
func split(text string) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for _, line := range strings.SplitAfter(text, "\n") {
		if strings.TrimRight(line, "\r\n") == Delimiter {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteString(line)
	}
	return append(parts, cur.String())
}

// Calls returns only the call segments, in order.
func Calls(segments []Segment) []Segment {
	var calls []Segment
	for _, s := range segments {
		if s.Kind == KindCall {
			calls = append(calls, s)
		}
	}
	return calls
}
