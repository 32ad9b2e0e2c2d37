// Package expr implements the expression grammar shared by node keys and
// schema patterns: head(arg1,...,argn), parsing, and canonical rendering.
//
// Canonicalization is idempotent and whitespace-insensitive: two textual
// variants of the same expression always render to the same storage key.
package expr

import (
	"fmt"
	"strings"

	"depgraph/internal/depgrapherr"
)

// ConstKind distinguishes the two admissible constant shapes.
type ConstKind int

const (
	// ConstString is a quoted UTF-8 string constant.
	ConstString ConstKind = iota
	// ConstInt is a natural-number literal (no sign, no leading zeros other
	// than the literal "0" itself).
	ConstInt
)

// Const is a tagged-union constant value: either a string or a natural
// number. It never represents floats or negative numbers.
type Const struct {
	Kind ConstKind
	Str  string // valid when Kind == ConstString
	Int  string // valid when Kind == ConstInt; kept as text to preserve exact digits
}

// String renders a Const the way it would appear inside a constant head or
// argument position, i.e. single-quoted for strings, bare for integers.
func (c Const) String() string {
	if c.Kind == ConstInt {
		return c.Int
	}
	return quoteString(c.Str)
}

// Equal reports whether two constants denote the same value.
func (c Const) Equal(o Const) bool {
	return c.Kind == o.Kind && c.Str == o.Str && c.Int == o.Int
}

// ArgKind distinguishes a variable argument from a constant argument.
type ArgKind int

const (
	ArgVar ArgKind = iota
	ArgConst
)

// Arg is one positional argument of an expression: either a variable
// reference by name, or a constant value.
type Arg struct {
	Kind  ArgKind
	Name  string // valid when Kind == ArgVar
	Const Const  // valid when Kind == ArgConst
}

// IsVar reports whether this argument is a variable.
func (a Arg) IsVar() bool { return a.Kind == ArgVar }

// Expression is a parsed head(args...) term. Args is nil (not empty-non-nil)
// for a constant head.
type Expression struct {
	Head string
	Args []Arg
}

// Arity returns the number of arguments; 0 for a constant head.
func (e Expression) Arity() int { return len(e.Args) }

// IsConcrete reports whether the expression has no variable arguments.
func (e Expression) IsConcrete() bool {
	for _, a := range e.Args {
		if a.IsVar() {
			return false
		}
	}
	return true
}

var identStart = func(r byte) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

var identCont = func(r byte) bool {
	return identStart(r) || (r >= '0' && r <= '9')
}

// Parse parses s as an expression. It accepts both single- and
// double-quoted string constants; double-quoted input is decoded
// identically to single-quoted input and re-canonicalizes to single-quote
// form.
func Parse(s string) (Expression, error) {
	p := &parser{src: s}
	p.skipSpace()
	e, err := p.parseExpression()
	if err != nil {
		return Expression{}, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return Expression{}, &depgrapherr.InvalidExpression{
			Expression: s,
			Reason:     fmt.Sprintf("trailing garbage at byte %d", p.pos),
		}
	}
	return e, nil
}

// Canonicalize parses s and renders it back out in canonical form. It is
// idempotent: Canonicalize(Canonicalize(s)) == Canonicalize(s).
func Canonicalize(s string) (string, error) {
	e, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Render(e), nil
}

// Render produces the canonical serialization of e: head, then "(args)"
// with comma-no-space separators, omitted entirely when arity is 0.
func Render(e Expression) string {
	if len(e.Args) == 0 {
		return e.Head
	}
	var b strings.Builder
	b.WriteString(e.Head)
	b.WriteByte('(')
	for i, a := range e.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		if a.IsVar() {
			b.WriteString(a.Name)
		} else {
			b.WriteString(a.Const.String())
		}
	}
	b.WriteByte(')')
	return b.String()
}

func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

type parser struct {
	src string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) fail(reason string) error {
	return &depgrapherr.InvalidExpression{Expression: p.src, Reason: reason}
}

func (p *parser) parseExpression() (Expression, error) {
	head, err := p.parseIdent()
	if err != nil {
		return Expression{}, err
	}
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != '(' {
		return Expression{Head: head}, nil
	}
	p.pos++ // consume '('
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == ')' {
		return Expression{}, p.fail("empty argument list")
	}
	var args []Arg
	for {
		p.skipSpace()
		a, err := p.parseArg()
		if err != nil {
			return Expression{}, err
		}
		args = append(args, a)
		p.skipSpace()
		if p.pos >= len(p.src) {
			return Expression{}, p.fail("unbalanced parentheses")
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
			continue
		case ')':
			p.pos++
			return Expression{Head: head, Args: args}, nil
		default:
			return Expression{}, p.fail(fmt.Sprintf("expected ',' or ')' at byte %d", p.pos))
		}
	}
}

func (p *parser) parseIdent() (string, error) {
	start := p.pos
	if p.pos >= len(p.src) || !identStart(p.src[p.pos]) {
		return "", p.fail(fmt.Sprintf("expected identifier at byte %d", p.pos))
	}
	p.pos++
	for p.pos < len(p.src) && identCont(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos], nil
}

func (p *parser) parseArg() (Arg, error) {
	if p.pos >= len(p.src) {
		return Arg{}, p.fail("unexpected end of input in argument list")
	}
	switch c := p.src[p.pos]; {
	case c == '\'' || c == '"':
		s, err := p.parseQuoted(c)
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgConst, Const: Const{Kind: ConstString, Str: s}}, nil
	case c >= '0' && c <= '9':
		lit, err := p.parseNatural()
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgConst, Const: Const{Kind: ConstInt, Int: lit}}, nil
	case identStart(c):
		name, err := p.parseIdent()
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgVar, Name: name}, nil
	default:
		return Arg{}, p.fail(fmt.Sprintf("unexpected character %q at byte %d", c, p.pos))
	}
}

func (p *parser) parseQuoted(quote byte) (string, error) {
	p.pos++ // consume opening quote
	var b strings.Builder
	for {
		if p.pos >= len(p.src) {
			return "", p.fail("unterminated string literal")
		}
		c := p.src[p.pos]
		if c == quote {
			p.pos++
			return b.String(), nil
		}
		if c == '\\' {
			p.pos++
			if p.pos >= len(p.src) {
				return "", p.fail("unterminated escape sequence")
			}
			switch p.src[p.pos] {
			case '\'':
				b.WriteByte('\'')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				return "", p.fail(fmt.Sprintf("invalid escape sequence '\\%c'", p.src[p.pos]))
			}
			p.pos++
			continue
		}
		b.WriteByte(c)
		p.pos++
	}
}

func (p *parser) parseNatural() (string, error) {
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	lit := p.src[start:p.pos]
	if len(lit) > 1 && lit[0] == '0' {
		return "", p.fail(fmt.Sprintf("natural number literal %q has a leading zero", lit))
	}
	// Reject a literal immediately followed by '.', which would make it a
	// float — floats are not accepted as constants.
	if p.pos < len(p.src) && p.src[p.pos] == '.' {
		return "", p.fail("floating point literals are not accepted as constants")
	}
	return lit, nil
}
