package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// lexer tokenizes a single expression. The grammar is deliberately small:
// literals, identifiers ($-prefixed namespaces included), member access,
// indexing, calls, arithmetic, comparisons, logical operators and ternary.
type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) tokens() ([]token, error) {
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c >= '0' && c <= '9':
		return l.lexNumber()
	case isIdentStart(rune(c)):
		return l.lexIdent()
	}

	// Two-character operators first.
	if l.pos+1 < len(l.src) {
		switch l.src[l.pos : l.pos+2] {
		case "==":
			l.pos += 2
			return token{kind: tokEq, pos: start, text: "=="}, nil
		case "!=":
			l.pos += 2
			return token{kind: tokNotEq, pos: start, text: "!="}, nil
		case "<=":
			l.pos += 2
			return token{kind: tokLtEq, pos: start, text: "<="}, nil
		case ">=":
			l.pos += 2
			return token{kind: tokGtEq, pos: start, text: ">="}, nil
		case "&&":
			l.pos += 2
			return token{kind: tokAnd, pos: start, text: "&&"}, nil
		case "||":
			l.pos += 2
			return token{kind: tokOr, pos: start, text: "||"}, nil
		}
	}

	l.pos++
	switch c {
	case '+':
		return token{kind: tokPlus, pos: start, text: "+"}, nil
	case '-':
		return token{kind: tokMinus, pos: start, text: "-"}, nil
	case '*':
		return token{kind: tokStar, pos: start, text: "*"}, nil
	case '/':
		return token{kind: tokSlash, pos: start, text: "/"}, nil
	case '%':
		return token{kind: tokPercent, pos: start, text: "%"}, nil
	case '(':
		return token{kind: tokLParen, pos: start, text: "("}, nil
	case ')':
		return token{kind: tokRParen, pos: start, text: ")"}, nil
	case '[':
		return token{kind: tokLBracket, pos: start, text: "["}, nil
	case ']':
		return token{kind: tokRBracket, pos: start, text: "]"}, nil
	case ',':
		return token{kind: tokComma, pos: start, text: ","}, nil
	case '.':
		return token{kind: tokDot, pos: start, text: "."}, nil
	case '?':
		return token{kind: tokQuestion, pos: start, text: "?"}, nil
	case ':':
		return token{kind: tokColon, pos: start, text: ":"}, nil
	case '<':
		return token{kind: tokLt, pos: start, text: "<"}, nil
	case '>':
		return token{kind: tokGt, pos: start, text: ">"}, nil
	case '!':
		return token{kind: tokBang, pos: start, text: "!"}, nil
	}

	return token{}, fmt.Errorf("unexpected character %q at position %d", string(c), start)
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case quote:
			l.pos++
			return token{kind: tokString, pos: start, text: sb.String()}, nil
		case '\\':
			if l.pos+1 >= len(l.src) {
				return token{}, fmt.Errorf("unterminated escape at position %d", l.pos)
			}
			l.pos++
			switch l.src[l.pos] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\':
				sb.WriteByte('\\')
			case '\'':
				sb.WriteByte('\'')
			case '"':
				sb.WriteByte('"')
			default:
				return token{}, fmt.Errorf("unknown escape \\%s at position %d", string(l.src[l.pos]), l.pos)
			}
			l.pos++
		default:
			sb.WriteByte(c)
			l.pos++
		}
	}
	return token{}, fmt.Errorf("unterminated string starting at position %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' && l.pos+1 < len(l.src) &&
		l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9' {
		l.pos++
		for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
			l.pos++
		}
	}
	text := l.src[start:l.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, fmt.Errorf("invalid number %q at position %d", text, start)
	}
	return token{kind: tokNumber, pos: start, num: n}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	l.pos++
	for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
		l.pos++
	}
	text := l.src[start:l.pos]
	switch text {
	case "true":
		return token{kind: tokTrue, pos: start, text: text}, nil
	case "false":
		return token{kind: tokFalse, pos: start, text: text}, nil
	case "null":
		return token{kind: tokNull, pos: start, text: text}, nil
	}
	return token{kind: tokIdent, pos: start, text: text}, nil
}

func isIdentStart(r rune) bool {
	return r == '$' || r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
