// Package xmlstream incrementally parses a fixed set of XML-like tags out of
// a stream of text fragments. Tag boundaries may be split across fragments;
// malformed input never fails, it degrades to text.
package xmlstream

import (
	"regexp"
	"strings"
)

// Kind is the type of a parser event.
type Kind int

const (
	Start Kind = iota
	Text
	End
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "start"
	case Text:
		return "text"
	case End:
		return "end"
	}
	return "unknown"
}

// Event is emitted as tags open, accumulate text, and close.
// Text outside any element carries Index -1.
type Event struct {
	Kind  Kind
	Tag   string
	Attrs map[string]string
	Index int
	Text  string
}

// maxPending bounds how much of an unfinished tag is held back waiting for
// its closing '>' before it is released as text.
const maxPending = 8 << 10

type element struct {
	tag   string
	index int
	depth int
}

// Parser is a resumable tag parser. It is not safe for concurrent use.
type Parser struct {
	tags        map[string]bool
	selfNesting map[string]bool
	pending     string
	stack       []*element
	next        int
}

// Option configures a Parser.
type Option func(*Parser)

// WithSelfNesting lets the given tags contain themselves. A nested open tag
// of the same name is kept as text of the outer element and the outer element
// only ends once every nested open has been closed.
func WithSelfNesting(tags ...string) Option {
	return func(p *Parser) {
		for _, t := range tags {
			p.selfNesting[t] = true
		}
	}
}

// New returns a parser that recognizes tags. Any other markup is text.
func New(tags []string, opts ...Option) *Parser {
	p := &Parser{
		tags:        make(map[string]bool, len(tags)),
		selfNesting: map[string]bool{},
	}
	for _, t := range tags {
		p.tags[t] = true
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Depth is the number of currently open elements.
func (p *Parser) Depth() int { return len(p.stack) }

// Feed consumes the next fragment and returns the events it completes.
func (p *Parser) Feed(fragment string) []Event {
	p.pending += fragment
	var evs []Event
	for p.pending != "" {
		lt := strings.IndexByte(p.pending, '<')
		if lt < 0 {
			evs = p.text(evs, p.pending)
			p.pending = ""
			break
		}
		if lt > 0 {
			evs = p.text(evs, p.pending[:lt])
			p.pending = p.pending[lt:]
		}

		name, closing, nameEnd, terminated := readName(p.pending)
		if !terminated {
			if p.prefixOfTag(name) && len(p.pending) < maxPending {
				break
			}
			evs = p.text(evs, "<")
			p.pending = p.pending[1:]
			continue
		}
		if !p.tags[name] {
			evs = p.text(evs, "<")
			p.pending = p.pending[1:]
			continue
		}

		end := scanTagEnd(p.pending, nameEnd)
		if end < 0 {
			if len(p.pending) < maxPending {
				break
			}
			evs = p.text(evs, "<")
			p.pending = p.pending[1:]
			continue
		}
		raw := p.pending[:end+1]
		p.pending = p.pending[end+1:]
		if closing {
			evs = p.closeTag(evs, name, raw)
		} else {
			evs = p.openTag(evs, name, raw, raw[nameEnd:end])
		}
	}
	return evs
}

// Close flushes held-back input as text and ends every element still open,
// innermost first.
func (p *Parser) Close() []Event {
	var evs []Event
	if p.pending != "" {
		evs = p.text(evs, p.pending)
		p.pending = ""
	}
	for i := len(p.stack) - 1; i >= 0; i-- {
		el := p.stack[i]
		evs = append(evs, Event{Kind: End, Tag: el.tag, Index: el.index})
	}
	p.stack = nil
	return evs
}

func (p *Parser) text(evs []Event, s string) []Event {
	if s == "" {
		return evs
	}
	ev := Event{Kind: Text, Index: -1, Text: s}
	if top := p.top(); top != nil {
		ev.Tag, ev.Index = top.tag, top.index
	}
	// Coalesce with a directly preceding text event for the same element.
	if n := len(evs); n > 0 && evs[n-1].Kind == Text && evs[n-1].Index == ev.Index {
		evs[n-1].Text += s
		return evs
	}
	return append(evs, ev)
}

func (p *Parser) top() *element {
	if len(p.stack) == 0 {
		return nil
	}
	return p.stack[len(p.stack)-1]
}

func (p *Parser) nearest(tag string) int {
	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i].tag == tag {
			return i
		}
	}
	return -1
}

func (p *Parser) openTag(evs []Event, name, raw, body string) []Event {
	body = strings.TrimSpace(body)
	selfClosing := strings.HasSuffix(body, "/")
	if selfClosing {
		body = strings.TrimSuffix(body, "/")
	}

	if p.selfNesting[name] {
		if i := p.nearest(name); i >= 0 {
			if !selfClosing {
				p.stack[i].depth++
			}
			return p.text(evs, raw)
		}
	}

	idx := p.next
	p.next++
	attrs := parseAttrs(body)
	evs = append(evs, Event{Kind: Start, Tag: name, Attrs: attrs, Index: idx})
	if selfClosing {
		return append(evs, Event{Kind: End, Tag: name, Index: idx})
	}
	p.stack = append(p.stack, &element{tag: name, index: idx})
	return evs
}

func (p *Parser) closeTag(evs []Event, name, raw string) []Event {
	i := p.nearest(name)
	if i < 0 {
		return evs
	}
	el := p.stack[i]
	if el.depth > 0 {
		el.depth--
		return p.text(evs, raw)
	}
	for j := len(p.stack) - 1; j > i; j-- {
		evs = append(evs, Event{Kind: End, Tag: p.stack[j].tag, Index: p.stack[j].index})
	}
	p.stack = p.stack[:i]
	return append(evs, Event{Kind: End, Tag: el.tag, Index: el.index})
}

func (p *Parser) prefixOfTag(name string) bool {
	for t := range p.tags {
		if strings.HasPrefix(t, name) {
			return true
		}
	}
	return false
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' || c == ':' || c == '.' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// readName reads the tag name following '<' (and an optional '/').
// terminated reports whether a byte after the name is available; the name
// only counts if that byte is whitespace, '/' or '>'.
func readName(s string) (name string, closing bool, end int, terminated bool) {
	i := 1
	if i < len(s) && s[i] == '/' {
		closing = true
		i++
	}
	start := i
	for i < len(s) && isNameByte(s[i]) {
		i++
	}
	name = s[start:i]
	if i >= len(s) {
		return name, closing, i, false
	}
	switch s[i] {
	case ' ', '\t', '\n', '\r', '>':
	case '/':
		if closing {
			return "", closing, i, true
		}
	default:
		return "", closing, i, true
	}
	return name, closing, i, true
}

// scanTagEnd finds the '>' closing the tag, skipping quoted attribute values.
func scanTagEnd(s string, from int) int {
	var quote byte
	for i := from; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return i
		}
	}
	return -1
}

var attrRe = regexp.MustCompile(`([A-Za-z_:][-\w:.]*)(?:\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'=<>` + "`" + `]+)))?`)

func parseAttrs(body string) map[string]string {
	matches := attrRe.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(matches))
	for _, m := range matches {
		switch {
		case m[2] != "":
			attrs[m[1]] = m[2]
		case m[3] != "":
			attrs[m[1]] = m[3]
		default:
			attrs[m[1]] = m[4]
		}
	}
	return attrs
}
