package match

import (
	"regexp"
	"strings"
)

// Compile parses a match expression.
//
// A comparison names a layer and a field path, an operator and a literal:
//
//	TCP.flags.syn == 1 and IP.src == '10.0.0.1'
//	RPC.procedure in [1, 3] or not NFS
//	IP.src == re('^192\.168\.')
//	NFS.attr_request & 0x4000000000000000 != 0
//	62 in NFS.attributes
//
// Layer and field names are case-insensitive; field names are the yaml
// names of the layer's fields. A field path running through a list matches
// when any element matches. A bare layer name tests for the layer, a bare
// field for a non-zero value. Syntax errors wrap core.ErrParse.
func Compile(expr string) (*Predicate, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, errorf("unexpected %s", t)
	}
	return &Predicate{expr: expr, root: root}, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(expr string) *Predicate {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(k tokenKind) bool {
	if p.peek().kind == k {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != k {
		return t, errorf("expected %s, got %s", what, t)
	}
	return t, nil
}

func (p *parser) or() (node, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.accept(tokOr) {
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = orNode{l, r}
	}
	return l, nil
}

func (p *parser) and() (node, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.accept(tokAnd) {
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = andNode{l, r}
	}
	return l, nil
}

func (p *parser) unary() (node, error) {
	switch p.peek().kind {
	case tokNot:
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return notNode{x}, nil
	case tokLParen:
		p.next()
		x, err := p.or()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return x, nil
	case tokNumber, tokString, tokTrue, tokFalse:
		return p.contains()
	}
	return p.comparison()
}

// contains parses "<literal> [not] in <field>".
func (p *parser) contains() (node, error) {
	lit, err := p.literal()
	if err != nil {
		return nil, err
	}
	negate := p.accept(tokNot)
	if _, err := p.expect(tokIn, "'in'"); err != nil {
		return nil, err
	}
	ref, err := p.field()
	if err != nil {
		return nil, err
	}
	return containsNode{lit: lit, rhs: operand{ref: ref}, negate: negate}, nil
}

func (p *parser) comparison() (node, error) {
	ref, err := p.field()
	if err != nil {
		return nil, err
	}
	lhs := operand{ref: ref}
	if p.accept(tokAmp) {
		m, err := p.literal()
		if err != nil {
			return nil, err
		}
		if m.kind == litStr {
			return nil, errorf("mask of %s must be a number", ref)
		}
		lhs.mask = &m.num
	}

	switch t := p.peek(); t.kind {
	case tokOp:
		p.next()
		if p.peek().kind == tokIdent && strings.EqualFold(p.peek().text, "re") {
			return p.regex(lhs, t.text)
		}
		lit, err := p.literal()
		if err != nil {
			return nil, err
		}
		return cmpNode{lhs: lhs, op: t.text, lit: lit}, nil
	case tokIn:
		p.next()
		list, err := p.list()
		if err != nil {
			return nil, err
		}
		return inListNode{lhs: lhs, list: list}, nil
	case tokNot:
		if p.toks[p.pos+1].kind != tokIn {
			break
		}
		p.pos += 2
		list, err := p.list()
		if err != nil {
			return nil, err
		}
		return inListNode{lhs: lhs, list: list, negate: true}, nil
	}
	return truthNode{lhs: lhs}, nil
}

// regex parses "re('<pattern>')" after a comparison operator.
func (p *parser) regex(lhs operand, op string) (node, error) {
	p.next()
	if op != "==" && op != "!=" {
		return nil, errorf("regular expression needs == or !=, got %s", op)
	}
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	t, err := p.expect(tokString, "pattern string")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(t.text)
	if err != nil {
		return nil, errorf("pattern %q: %v", t.text, err)
	}
	return regexNode{lhs: lhs, re: re, negate: op == "!="}, nil
}

func (p *parser) field() (fieldRef, error) {
	t, err := p.expect(tokIdent, "layer name")
	if err != nil {
		return fieldRef{}, err
	}
	ref := fieldRef{layer: t.text}
	for p.accept(tokDot) {
		t, err := p.expect(tokIdent, "field name")
		if err != nil {
			return fieldRef{}, err
		}
		ref.path = append(ref.path, t.text)
	}
	return ref, nil
}

func (p *parser) list() ([]literal, error) {
	if _, err := p.expect(tokLBracket, "'['"); err != nil {
		return nil, err
	}
	var out []literal
	if p.accept(tokRBracket) {
		return out, nil
	}
	for {
		l, err := p.literal()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
		if p.accept(tokRBracket) {
			return out, nil
		}
		if _, err := p.expect(tokComma, "',' or ']'"); err != nil {
			return nil, err
		}
		if p.accept(tokRBracket) {
			return out, nil
		}
	}
}

func (p *parser) literal() (literal, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		n, err := parseNumber(t.text)
		if err != nil {
			return literal{}, err
		}
		return literal{kind: litNum, num: n}, nil
	case tokString:
		return literal{kind: litStr, str: t.text}, nil
	case tokTrue:
		return literal{kind: litBool, num: number{mag: 1}}, nil
	case tokFalse:
		return literal{kind: litBool}, nil
	}
	return literal{}, errorf("expected a literal, got %s", t)
}
