package cophylike

import (
	"fmt"
	"strconv"
	"strings"
)

type newickParser struct {
	s   string
	pos int
}

//ReadTree will parse a newick string into a tree of nodes
func ReadTree(nwk string) (*Node, error) {
	p := &newickParser{s: strings.TrimSpace(nwk)}
	root, err := p.node()
	if err != nil {
		return nil, err
	}
	p.space()
	if p.pos < len(p.s) && p.s[p.pos] == ';' {
		p.pos++
	}
	p.space()
	if p.pos != len(p.s) {
		return nil, p.errorf("trailing characters")
	}
	return root, nil
}

func (p *newickParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: newick offset %d: %s", ErrMalformedTree, p.pos, fmt.Sprintf(format, args...))
}

func (p *newickParser) space() {
	for p.pos < len(p.s) && strings.ContainsRune(" \t\r\n", rune(p.s[p.pos])) {
		p.pos++
	}
}

func (p *newickParser) node() (*Node, error) {
	n := new(Node)
	p.space()
	if p.pos < len(p.s) && p.s[p.pos] == '(' {
		p.pos++
		for {
			c, err := p.node()
			if err != nil {
				return nil, err
			}
			n.AddChild(c)
			p.space()
			if p.pos >= len(p.s) {
				return nil, p.errorf("unbalanced parentheses")
			}
			if p.s[p.pos] == ',' {
				p.pos++
				continue
			}
			if p.s[p.pos] == ')' {
				p.pos++
				break
			}
			return nil, p.errorf("unexpected %q", p.s[p.pos])
		}
	}
	p.space()
	n.NAME = p.label()
	p.space()
	if p.pos < len(p.s) && p.s[p.pos] == ':' {
		p.pos++
		p.space()
		start := p.pos
		for p.pos < len(p.s) && !strings.ContainsRune("(),:; \t\r\n", rune(p.s[p.pos])) {
			p.pos++
		}
		l, err := strconv.ParseFloat(p.s[start:p.pos], 64)
		if err != nil {
			return nil, p.errorf("bad branch length %q", p.s[start:p.pos])
		}
		n.LEN = l
	}
	return n, nil
}

func (p *newickParser) label() string {
	if p.pos < len(p.s) && p.s[p.pos] == '\'' {
		end := strings.IndexByte(p.s[p.pos+1:], '\'')
		if end >= 0 {
			l := p.s[p.pos+1 : p.pos+1+end]
			p.pos += end + 2
			return l
		}
	}
	start := p.pos
	for p.pos < len(p.s) && !strings.ContainsRune("(),:; \t\r\n", rune(p.s[p.pos])) {
		p.pos++
	}
	return p.s[start:p.pos]
}
