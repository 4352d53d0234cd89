package match

import (
	"math"
	"reflect"
	"regexp"
	"strings"

	"firestige.xyz/pktt/internal/core"
)

// Predicate is a compiled match expression. It holds no state and may be
// evaluated against any number of packets.
type Predicate struct {
	expr string
	root node
}

// String returns the source expression.
func (p *Predicate) String() string { return p.expr }

// Eval reports whether pkt satisfies the expression. Fields the packet does
// not have make their comparison false.
func (p *Predicate) Eval(pkt *core.Packet) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return p.root.eval(pkt)
}

type node interface {
	eval(pkt *core.Packet) bool
}

type andNode struct{ l, r node }

func (n andNode) eval(pkt *core.Packet) bool { return n.l.eval(pkt) && n.r.eval(pkt) }

type orNode struct{ l, r node }

func (n orNode) eval(pkt *core.Packet) bool { return n.l.eval(pkt) || n.r.eval(pkt) }

type notNode struct{ x node }

func (n notNode) eval(pkt *core.Packet) bool { return !n.x.eval(pkt) }

type litKind int

const (
	litNum litKind = iota
	litStr
	litBool
)

type literal struct {
	kind litKind
	num  number
	str  string
}

func (l literal) String() string {
	if l.kind == litStr {
		return "'" + l.str + "'"
	}
	return l.num.String()
}

// compare orders v against l. ok is false when the two are not comparable.
func (l literal) compare(v reflect.Value) (c int, ok bool) {
	switch l.kind {
	case litStr:
		s, ok := toString(v)
		if !ok {
			return 0, false
		}
		return strings.Compare(s, l.str), true
	default:
		if k := v.Kind(); k == reflect.Float32 || k == reflect.Float64 {
			f, g := v.Float(), l.num.float()
			switch {
			case math.IsNaN(f):
				return 0, false
			case f < g:
				return -1, true
			case f > g:
				return 1, true
			}
			return 0, true
		}
		n, ok := toNumber(v)
		if !ok {
			return 0, false
		}
		return n.cmp(l.num), true
	}
}

// operand selects the candidates of a comparison, optionally masked.
type operand struct {
	ref  fieldRef
	mask *number
}

func (o operand) values(pkt *core.Packet) []reflect.Value {
	vals := o.ref.values(pkt)
	if o.mask == nil {
		return vals
	}
	out := vals[:0:0]
	for _, v := range vals {
		n, ok := toNumber(v)
		if !ok {
			continue
		}
		out = append(out, reflect.ValueOf(n.bits()&o.mask.bits()))
	}
	return out
}

// cmpNode compares a field with a literal. The comparison holds when any
// candidate satisfies it, except != which holds when no candidate equals the
// literal.
type cmpNode struct {
	lhs operand
	op  string
	lit literal
}

func (n cmpNode) eval(pkt *core.Packet) bool {
	vals := n.lhs.values(pkt)
	if len(vals) == 0 {
		return false
	}
	if n.op == "!=" {
		for _, v := range vals {
			if c, ok := n.lit.compare(v); ok && c == 0 {
				return false
			}
		}
		return true
	}
	for _, v := range vals {
		c, ok := n.lit.compare(v)
		if !ok {
			continue
		}
		switch n.op {
		case "==":
			if c == 0 {
				return true
			}
		case "<":
			if c < 0 {
				return true
			}
		case ">":
			if c > 0 {
				return true
			}
		case "<=":
			if c <= 0 {
				return true
			}
		case ">=":
			if c >= 0 {
				return true
			}
		}
	}
	return false
}

// regexNode searches the text of a field. Negated, it holds when no
// candidate matches.
type regexNode struct {
	lhs    operand
	re     *regexp.Regexp
	negate bool
}

func (n regexNode) eval(pkt *core.Packet) bool {
	vals := n.lhs.values(pkt)
	if len(vals) == 0 {
		return false
	}
	for _, v := range vals {
		if s, ok := text(v); ok && n.re.MatchString(s) {
			return !n.negate
		}
	}
	return n.negate
}

// inListNode holds when a candidate equals one of the listed literals.
type inListNode struct {
	lhs    operand
	list   []literal
	negate bool
}

func (n inListNode) eval(pkt *core.Packet) bool {
	vals := n.lhs.values(pkt)
	if len(vals) == 0 {
		return false
	}
	for _, v := range vals {
		for _, l := range n.list {
			if c, ok := l.compare(v); ok && c == 0 {
				return !n.negate
			}
		}
	}
	return n.negate
}

// containsNode holds when the literal is an element of a list field, or a
// substring of a text field.
type containsNode struct {
	lit    literal
	rhs    operand
	negate bool
}

func (n containsNode) eval(pkt *core.Packet) bool {
	vals := n.rhs.values(pkt)
	if len(vals) == 0 {
		return false
	}
	for _, v := range vals {
		if n.lit.kind == litStr {
			if s, ok := toString(v); ok && strings.Contains(s, n.lit.str) {
				return !n.negate
			}
			continue
		}
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			for i := 0; i < v.Len(); i++ {
				if c, ok := n.lit.compare(v.Index(i)); ok && c == 0 {
					return !n.negate
				}
			}
			continue
		}
		if c, ok := n.lit.compare(v); ok && c == 0 {
			return !n.negate
		}
	}
	return n.negate
}

// truthNode tests a bare field for a non-zero value, or a bare layer name
// for presence.
type truthNode struct{ lhs operand }

func (n truthNode) eval(pkt *core.Packet) bool {
	if len(n.lhs.ref.path) == 0 && n.lhs.mask == nil {
		return n.lhs.ref.present(pkt)
	}
	for _, v := range n.lhs.values(pkt) {
		if truthy(v) {
			return true
		}
	}
	return false
}
