package match

import (
	"fmt"
	"strings"

	"firestige.xyz/pktt/internal/core"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp // == != < > <= >=
	tokAnd
	tokOr
	tokNot
	tokIn
	tokTrue
	tokFalse
	tokDot
	tokComma
	tokAmp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q at %d", t.text, t.pos)
}

var keywords = map[string]tokenKind{
	"and":   tokAnd,
	"or":    tokOr,
	"not":   tokNot,
	"in":    tokIn,
	"true":  tokTrue,
	"false": tokFalse,
}

var punct = map[byte]tokenKind{
	'<': tokOp, '>': tokOp, '.': tokDot, ',': tokComma, '&': tokAmp,
	'(': tokLParen, ')': tokRParen, '[': tokLBracket, ']': tokRBracket,
}

func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrParse)
}

// lex splits an expression into tokens.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'' || c == '"':
			s, n, err := lexString(src[i:], false)
			if err != nil {
				return nil, errorf("%v at %d", err, i)
			}
			toks = append(toks, token{tokString, s, i})
			i += n
		case (c == 'r' || c == 'R') && i+1 < len(src) && (src[i+1] == '\'' || src[i+1] == '"'):
			s, n, err := lexString(src[i+1:], true)
			if err != nil {
				return nil, errorf("%v at %d", err, i)
			}
			toks = append(toks, token{tokString, s, i})
			i += n + 1
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			j := i + 1
			for j < len(src) && isIdent(src[j]) {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdent(src[j]) {
				j++
			}
			word := src[i:j]
			kind, ok := keywords[strings.ToLower(word)]
			if !ok {
				kind = tokIdent
			}
			toks = append(toks, token{kind, word, i})
			i = j
		default:
			if i+1 < len(src) {
				switch two := src[i : i+2]; two {
				case "==", "!=", "<=", ">=":
					toks = append(toks, token{tokOp, two, i})
					i += 2
					continue
				case "&&":
					toks = append(toks, token{tokAnd, two, i})
					i += 2
					continue
				case "||":
					toks = append(toks, token{tokOr, two, i})
					i += 2
					continue
				}
			}
			kind, ok := punct[c]
			if !ok {
				return nil, errorf("unexpected %q at %d", c, i)
			}
			toks = append(toks, token{kind, string(c), i})
			i++
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// lexString reads a quoted string starting at s[0] and returns its value
// and the number of bytes consumed. Unknown escapes keep their backslash;
// raw strings keep every backslash.
func lexString(s string, raw bool) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\' && i+1 < len(s):
			i++
			if raw {
				if s[i] != quote {
					b.WriteByte('\\')
				}
				b.WriteByte(s[i])
				continue
			}
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case quote, '\\':
				b.WriteByte(s[i])
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool { return c == '_' || (c|0x20 >= 'a' && c|0x20 <= 'z') }

func isIdent(c byte) bool { return isIdentStart(c) || isDigit(c) }
