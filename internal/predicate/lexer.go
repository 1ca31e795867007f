package predicate

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/contextframe/contextframe/pkg/cferrs"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp     // = != < <= > >=
	tokLParen
	tokRParen
	tokComma
	tokKeyword // AND OR NOT IS NULL IN LIKE
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true,
	"IS": true, "NULL": true, "IN": true, "LIKE": true,
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) errf(format string, args ...any) error {
	return cferrs.New(cferrs.CodeInvalidPredicate, false,
		"at offset %d: "+format, append([]any{l.pos}, args...)...)
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case c == '\'':
		return l.lexString()
	case c == '=', c == '<', c == '>', c == '!':
		return l.lexOp()
	case c >= '0' && c <= '9' || c == '-' && l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9':
		return l.lexNumber()
	case isIdentStart(c):
		return l.lexIdent()
	default:
		return token{}, l.errf("unexpected character %q", string(c))
	}
}

func (l *lexer) lexString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, l.errf("unterminated string literal")
}

func (l *lexer) lexOp() (token, error) {
	start := l.pos
	c := l.input[l.pos]
	l.pos++
	two := func(second byte) bool {
		if l.pos < len(l.input) && l.input[l.pos] == second {
			l.pos++
			return true
		}
		return false
	}
	switch c {
	case '=':
		return token{kind: tokOp, text: "=", pos: start}, nil
	case '!':
		if two('=') {
			return token{kind: tokOp, text: "!=", pos: start}, nil
		}
		return token{}, l.errf("expected != ")
	case '<':
		if two('=') {
			return token{kind: tokOp, text: "<=", pos: start}, nil
		}
		return token{kind: tokOp, text: "<", pos: start}, nil
	case '>':
		if two('=') {
			return token{kind: tokOp, text: ">=", pos: start}, nil
		}
		return token{kind: tokOp, text: ">", pos: start}, nil
	}
	return token{}, l.errf("unexpected operator %q", string(c))
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	seenDot := false
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '.' && !seenDot {
			seenDot = true
			l.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		l.pos++
	}
	return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}, nil
}

// lexIdent scans an identifier. Dots join segments so nested references
// (relationships.type, custom_metadata.value, tags.contains) arrive as a
// single token.
func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if isIdentPart(c) {
			l.pos++
			continue
		}
		if c == '.' && l.pos+1 < len(l.input) && isIdentStart(l.input[l.pos+1]) {
			l.pos++
			continue
		}
		break
	}
	text := l.input[start:l.pos]
	if !strings.Contains(text, ".") && keywords[strings.ToUpper(text)] {
		return token{kind: tokKeyword, text: strings.ToUpper(text), pos: start}, nil
	}
	return token{kind: tokIdent, text: text, pos: start}, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func (t token) describe() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	default:
		return fmt.Sprintf("%q", t.text)
	}
}
