package streamparse

import "strings"

const (
	funcOpenPrefix  = "<function="
	funcCloseTag    = "</function>"
	paramOpenPrefix = "<parameter="
	paramCloseTag   = "</parameter>"
	bulletMarker    = "●" // ●
)

// ToolParam is one named argument of a tool call, in stream order.
type ToolParam struct {
	Key   string
	Value string
}

// ToolCall is a fully-parsed tool invocation extracted from the stream.
type ToolCall struct {
	Name   string
	Params []ToolParam
}

// Input returns the parameters as a map. Later duplicates win.
func (c ToolCall) Input() map[string]string {
	m := make(map[string]string, len(c.Params))
	for _, p := range c.Params {
		m[p.Key] = p.Value
	}
	return m
}

// ToolCallParser extracts tool-call pseudo-syntax of the form
//
//	● <function=Name><parameter=key>value</parameter>...</function>
//
// from a text stream. The terminator is frequently absent: a call is also
// considered complete when non-markup text follows its parameters, or when
// Flush is called at end-of-stream. Parameter values are captured verbatim.
type ToolCallParser struct {
	pending string

	cur      *ToolCall
	paramKey string
	paramVal strings.Builder
	inParam  bool
}

func NewToolCallParser() *ToolCallParser {
	return &ToolCallParser{}
}

// Feed consumes the next fragment. It returns the fragment's prose (input
// with recognized tool-call markup stripped) and any calls that became
// complete during this feed.
func (p *ToolCallParser) Feed(text string) (string, []ToolCall) {
	if text == "" {
		return "", nil
	}
	p.pending += text

	var filtered strings.Builder
	var done []ToolCall

	for p.pending != "" {
		switch {
		case p.inParam:
			if !p.consumeParamValue() {
				return filtered.String(), done
			}
		case p.cur != nil:
			completed, needMore := p.consumeCallBody()
			if completed != nil {
				done = append(done, *completed)
			}
			if needMore {
				return filtered.String(), done
			}
		default:
			if !p.consumeProse(&filtered) {
				return filtered.String(), done
			}
		}
	}
	return filtered.String(), done
}

// Flush force-completes whatever is still open at end-of-stream. An
// unterminated parameter keeps the value captured so far; an unterminated
// call is still returned with the parameters collected before truncation.
func (p *ToolCallParser) Flush() []ToolCall {
	var done []ToolCall
	if p.inParam {
		p.paramVal.WriteString(p.pending)
		p.pending = ""
		p.closeParam()
	}
	if p.cur != nil {
		done = append(done, *p.cur)
		p.cur = nil
	}
	return done
}

// consumeProse moves prose from pending into filtered until a function tag
// opens. Returns false when more input is needed.
func (p *ToolCallParser) consumeProse(filtered *strings.Builder) bool {
	idx := strings.Index(p.pending, funcOpenPrefix)
	if idx < 0 {
		held := partialSuffix(p.pending, funcOpenPrefix)
		emit := p.pending[:len(p.pending)-len(held)]
		filtered.WriteString(emit)
		p.pending = held
		return false
	}

	name, rest, ok := tagArgument(p.pending[idx:], funcOpenPrefix)
	if !ok {
		// Opening tag split across feeds: emit the prose, keep the tag.
		filtered.WriteString(stripTrailingBullet(p.pending[:idx]))
		p.pending = p.pending[idx:]
		return false
	}

	filtered.WriteString(stripTrailingBullet(p.pending[:idx]))
	p.cur = &ToolCall{Name: name}
	p.pending = rest
	return true
}

// consumeCallBody handles the region between parameters of an open call.
// Returns the call if it completed, and whether more input is needed.
func (p *ToolCallParser) consumeCallBody() (*ToolCall, bool) {
	body := strings.TrimLeft(p.pending, " \t\r\n")

	if strings.HasPrefix(body, funcCloseTag) {
		p.pending = body[len(funcCloseTag):]
		return p.takeCall(), false
	}
	if strings.HasPrefix(body, paramOpenPrefix) {
		key, rest, ok := tagArgument(body, paramOpenPrefix)
		if !ok {
			p.pending = body
			return nil, true
		}
		p.paramKey = key
		p.paramVal.Reset()
		p.inParam = true
		p.pending = rest
		return nil, false
	}
	if body == "" || couldBeTagPrefix(body, paramOpenPrefix) || couldBeTagPrefix(body, funcCloseTag) {
		p.pending = body
		return nil, true
	}

	// Non-markup text after the parameters: the call is complete and the
	// remaining text is prose again.
	p.pending = body
	return p.takeCall(), false
}

// consumeParamValue accumulates a parameter value until its closing tag.
// Returns false when more input is needed.
func (p *ToolCallParser) consumeParamValue() bool {
	idx := strings.Index(p.pending, paramCloseTag)
	if idx < 0 {
		held := partialSuffix(p.pending, paramCloseTag)
		p.paramVal.WriteString(p.pending[:len(p.pending)-len(held)])
		p.pending = held
		return false
	}
	p.paramVal.WriteString(p.pending[:idx])
	p.pending = p.pending[idx+len(paramCloseTag):]
	p.closeParam()
	return true
}

func (p *ToolCallParser) closeParam() {
	if p.cur != nil {
		p.cur.Params = append(p.cur.Params, ToolParam{Key: p.paramKey, Value: p.paramVal.String()})
	}
	p.paramKey = ""
	p.paramVal.Reset()
	p.inParam = false
}

func (p *ToolCallParser) takeCall() *ToolCall {
	call := p.cur
	p.cur = nil
	return call
}

// tagArgument parses `<prefix>arg>` returning the argument and the remainder.
// ok is false when the closing '>' has not arrived yet.
func tagArgument(s, prefix string) (arg, rest string, ok bool) {
	body := s[len(prefix):]
	end := strings.IndexByte(body, '>')
	if end < 0 {
		return "", "", false
	}
	return body[:end], body[end+1:], true
}

// couldBeTagPrefix reports whether all of s is a strict prefix of tag, i.e.
// the next feed could still turn it into that tag.
func couldBeTagPrefix(s, tag string) bool {
	return len(s) < len(tag) && strings.HasPrefix(tag, s)
}

// stripTrailingBullet removes a trailing "● " marker left over once its
// function tag has been recognized.
func stripTrailingBullet(s string) string {
	trimmed := strings.TrimRight(s, " \t")
	if strings.HasSuffix(trimmed, bulletMarker) {
		return trimmed[:len(trimmed)-len(bulletMarker)]
	}
	return s
}
