package itc

import (
	"fmt"
	"strconv"
	"strings"
)

// Encode renders a stamp as the compact text form embedded in field 3
// of an event line: "<id>|<event>", e.g. "(1,0)|(3,1,0)". This encoding
// is opaque outside this package; nothing else interprets its grammar.
func Encode(s Stamp) string {
	var b strings.Builder
	encodeID(&b, s.ID)
	b.WriteByte('|')
	encodeEvent(&b, s.Event)
	return b.String()
}

func encodeID(b *strings.Builder, i *ID) {
	switch {
	case idIsZero(i):
		b.WriteByte('0')
	case idIsOne(i):
		b.WriteByte('1')
	default:
		b.WriteByte('(')
		encodeID(b, i.l)
		b.WriteByte(',')
		encodeID(b, i.r)
		b.WriteByte(')')
	}
}

func encodeEvent(b *strings.Builder, e *Event) {
	if e.leaf {
		b.WriteString(strconv.FormatInt(e.n, 10))
		return
	}
	b.WriteByte('(')
	b.WriteString(strconv.FormatInt(e.base, 10))
	b.WriteByte(',')
	encodeEvent(b, e.l)
	b.WriteByte(',')
	encodeEvent(b, e.r)
	b.WriteByte(')')
}

// Decode parses the text form produced by Encode. It never partially
// parses: any malformed input returns an error and a zero Stamp.
func Decode(text string) (Stamp, error) {
	p := &parser{s: text}
	id, err := p.parseID()
	if err != nil {
		return Stamp{}, err
	}
	if err := p.expect('|'); err != nil {
		return Stamp{}, err
	}
	ev, err := p.parseEvent()
	if err != nil {
		return Stamp{}, err
	}
	if p.pos != len(p.s) {
		return Stamp{}, fmt.Errorf("itc: trailing data at byte %d in %q", p.pos, text)
	}
	return Stamp{ID: id, Event: ev}, nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) expect(c byte) error {
	if p.pos >= len(p.s) || p.s[p.pos] != c {
		return fmt.Errorf("itc: expected %q at byte %d in %q", c, p.pos, p.s)
	}
	p.pos++
	return nil
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.s) {
		return 0, false
	}
	return p.s[p.pos], true
}

func (p *parser) parseID() (*ID, error) {
	c, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("itc: unexpected end of input parsing id")
	}
	switch c {
	case '0':
		p.pos++
		return idZeroLeaf, nil
	case '1':
		p.pos++
		return idOneLeaf, nil
	case '(':
		p.pos++
		l, err := p.parseID()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		r, err := p.parseID()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return &ID{l: l, r: r}, nil
	default:
		return nil, fmt.Errorf("itc: unexpected byte %q at %d parsing id", c, p.pos)
	}
}

func (p *parser) parseEvent() (*Event, error) {
	c, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("itc: unexpected end of input parsing event")
	}
	if c == '(' {
		p.pos++
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		l, err := p.parseEvent()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		r, err := p.parseEvent()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return &Event{base: n, l: l, r: r}, nil
	}
	n, err := p.parseInt()
	if err != nil {
		return nil, err
	}
	return EventLeaf(n), nil
}

func (p *parser) parseInt() (int64, error) {
	start := p.pos
	if p.pos < len(p.s) && p.s[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == start {
		return 0, fmt.Errorf("itc: expected integer at byte %d in %q", start, p.s)
	}
	n, err := strconv.ParseInt(p.s[start:p.pos], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("itc: invalid integer at byte %d in %q: %w", start, p.s, err)
	}
	return n, nil
}
