package predicate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/contextframe/contextframe/pkg/cferrs"
)

// Parse compiles a filter string into an expression tree. Parse errors
// carry E_INVALID_PREDICATE.
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, cferrs.New(cferrs.CodeInvalidPredicate, false, "empty predicate")
	}
	p := &parser{lex: &lexer{input: input}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, p.errf("unexpected %s after expression", p.cur.describe())
	}
	return expr, nil
}

type parser struct {
	lex *lexer
	cur token
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) errf(format string, args ...any) error {
	return cferrs.New(cferrs.CodeInvalidPredicate, false, format, args...)
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokKeyword && p.cur.text == "OR" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokKeyword && p.cur.text == "AND" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.cur.kind == tokKeyword && p.cur.text == "NOT" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{Inner: inner}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Expr, error) {
	switch p.cur.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, p.errf("expected ), got %s", p.cur.describe())
		}
		return expr, p.advance()
	case tokIdent:
		return p.parsePredicate()
	default:
		return nil, p.errf("expected identifier or (, got %s", p.cur.describe())
	}
}

// parsePredicate handles everything that starts with an identifier:
// comparisons, contains, IS [NOT] NULL, IN, LIKE. The lexer delivers
// dotted references as one token; the trailing segment "contains"
// switches to the membership form.
func (p *parser) parsePredicate() (Expr, error) {
	parts := strings.Split(p.cur.text, ".")
	if err := p.advance(); err != nil {
		return nil, err
	}

	if parts[len(parts)-1] == "contains" {
		ident, err := identFromParts(parts[:len(parts)-1])
		if err != nil {
			return nil, err
		}
		return p.parseContains(ident)
	}

	ident, err := identFromParts(parts)
	if err != nil {
		return nil, err
	}

	switch {
	case p.cur.kind == tokOp:
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &Compare{Col: ident, Op: op, Lit: lit}, nil

	case p.cur.kind == tokKeyword && p.cur.text == "IS":
		if err := p.advance(); err != nil {
			return nil, err
		}
		negated := false
		if p.cur.kind == tokKeyword && p.cur.text == "NOT" {
			negated = true
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if p.cur.kind != tokKeyword || p.cur.text != "NULL" {
			return nil, p.errf("expected NULL, got %s", p.cur.describe())
		}
		return &NullCheck{Col: ident, Negated: negated}, p.advance()

	case p.cur.kind == tokKeyword && p.cur.text == "IN":
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokLParen {
			return nil, p.errf("expected ( after IN, got %s", p.cur.describe())
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		var values []Literal
		for {
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			values = append(values, lit)
			if p.cur.kind == tokComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		if p.cur.kind != tokRParen {
			return nil, p.errf("expected ) to close IN list, got %s", p.cur.describe())
		}
		return &In{Col: ident, Values: values}, p.advance()

	case p.cur.kind == tokKeyword && p.cur.text == "LIKE":
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokString {
			return nil, p.errf("LIKE requires a string pattern, got %s", p.cur.describe())
		}
		like := &Like{Col: ident, Pattern: p.cur.text, re: compileLike(p.cur.text)}
		return like, p.advance()

	default:
		return nil, p.errf("expected operator after %s, got %s", ident, p.cur.describe())
	}
}

func identFromParts(parts []string) (Ident, error) {
	switch len(parts) {
	case 1:
		return Ident{Column: parts[0]}, nil
	case 2:
		return Ident{Column: parts[0], Field: parts[1]}, nil
	default:
		return Ident{}, cferrs.New(cferrs.CodeInvalidPredicate, false,
			"identifier %s nests too deep", strings.Join(parts, "."))
	}
}

func (p *parser) parseContains(ident Ident) (Expr, error) {
	if p.cur.kind != tokLParen {
		return nil, p.errf("expected ( after contains, got %s", p.cur.describe())
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind != tokString {
		return nil, p.errf("contains requires a string literal, got %s", p.cur.describe())
	}
	value := p.cur.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind != tokRParen {
		return nil, p.errf("expected ) to close contains, got %s", p.cur.describe())
	}
	return &Contains{Col: ident, Value: value}, p.advance()
}

func (p *parser) parseLiteral() (Literal, error) {
	switch p.cur.kind {
	case tokString:
		lit := Literal{Str: p.cur.text}
		if n, err := strconv.ParseFloat(p.cur.text, 64); err == nil {
			lit.Num, lit.IsNum = n, true
		}
		return lit, p.advance()
	case tokNumber:
		n, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return Literal{}, p.errf("bad number %q", p.cur.text)
		}
		return Literal{Str: p.cur.text, Num: n, IsNum: true}, p.advance()
	default:
		return Literal{}, p.errf("expected literal, got %s", p.cur.describe())
	}
}

// compileLike translates a SQL LIKE pattern (% and _ wildcards) into an
// anchored regexp.
func compileLike(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}
