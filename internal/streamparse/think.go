// Package streamparse contains incremental parsers for agent CLI output
// streams. The parsers are fed arbitrary text fragments and must behave
// identically regardless of where fragment boundaries fall.
package streamparse

import "strings"

type SegmentType string

const (
	SegmentText     SegmentType = "text"
	SegmentThinking SegmentType = "thinking"
)

type Segment struct {
	Type    SegmentType
	Content string
}

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// ThinkTagParser splits a text stream into plain-text and thinking segments
// delimited by <think>...</think>. Content inside an open think block is
// emitted as soon as it arrives; a fragment ending mid-tag is buffered until
// the next feed resolves it.
type ThinkTagParser struct {
	buf      strings.Builder
	thinking bool
}

func NewThinkTagParser() *ThinkTagParser {
	return &ThinkTagParser{}
}

// Feed consumes the next fragment and returns zero or more fully-determined
// segments.
func (p *ThinkTagParser) Feed(text string) []Segment {
	if text == "" {
		return nil
	}
	p.buf.WriteString(text)
	pending := p.buf.String()
	p.buf.Reset()

	var out []Segment
	for pending != "" {
		tag := thinkOpenTag
		segType := SegmentText
		if p.thinking {
			tag = thinkCloseTag
			segType = SegmentThinking
		}

		if idx := strings.Index(pending, tag); idx >= 0 {
			if idx > 0 {
				out = append(out, Segment{Type: segType, Content: pending[:idx]})
			}
			pending = pending[idx+len(tag):]
			p.thinking = !p.thinking
			continue
		}

		// No complete tag. Hold back a trailing partial tag, emit the rest.
		held := partialSuffix(pending, tag)
		emit := pending[:len(pending)-len(held)]
		if emit != "" {
			out = append(out, Segment{Type: segType, Content: emit})
		}
		p.buf.WriteString(held)
		break
	}
	return out
}

// Flush resolves any buffered suffix at end-of-stream. A dangling partial tag
// is treated as ordinary content of the current segment type.
func (p *ThinkTagParser) Flush() []Segment {
	pending := p.buf.String()
	p.buf.Reset()
	if pending == "" {
		return nil
	}
	segType := SegmentText
	if p.thinking {
		segType = SegmentThinking
	}
	return []Segment{{Type: segType, Content: pending}}
}

// partialSuffix returns the longest suffix of s that is a strict prefix of
// tag, so the caller can hold it back until more input arrives.
func partialSuffix(s, tag string) string {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
