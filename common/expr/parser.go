package expr

import "fmt"

// Operator precedence, lowest first. Ternary sits below everything and is
// right-associative; postfix access binds tightest.
const (
	precNone = iota
	precTernary
	precOr
	precAnd
	precEquality
	precCompare
	precAdditive
	precMultiplicative
	precUnary
)

func binaryPrec(k tokenKind) int {
	switch k {
	case tokOr:
		return precOr
	case tokAnd:
		return precAnd
	case tokEq, tokNotEq:
		return precEquality
	case tokLt, tokLtEq, tokGt, tokGtEq:
		return precCompare
	case tokPlus, tokMinus:
		return precAdditive
	case tokStar, tokSlash, tokPercent:
		return precMultiplicative
	}
	return precNone
}

type parser struct {
	toks []token
	pos  int
}

// Parse compiles an expression string into an evaluable form. The source is
// the bare expression without the {{ }} delimiters.
func Parse(src string) (*Expr, error) {
	toks, err := newLexer(src).tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr(precTernary)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %s at position %d", p.peek(), p.peek().pos)
	}
	return &Expr{src: src, root: root}, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) advance() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	tok := p.peek()
	if tok.kind != k {
		return token{}, fmt.Errorf("expected %s but found %s at position %d", what, tok, tok.pos)
	}
	return p.advance(), nil
}

func (p *parser) parseExpr(minPrec int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()

		// Ternary is handled outside the binary loop: it is right-associative
		// and has the lowest precedence.
		if tok.kind == tokQuestion && minPrec <= precTernary {
			p.advance()
			whenTrue, err := p.parseExpr(precTernary)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokColon, "':'"); err != nil {
				return nil, err
			}
			whenFalse, err := p.parseExpr(precTernary)
			if err != nil {
				return nil, err
			}
			left = &ternaryNode{at: tok.pos, cond: left, whenTrue: whenTrue, whenFalse: whenFalse}
			continue
		}

		prec := binaryPrec(tok.kind)
		if prec == precNone || prec < minPrec {
			return left, nil
		}
		p.advance()
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{at: tok.pos, op: tok.kind, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	tok := p.peek()
	if tok.kind == tokMinus || tok.kind == tokBang {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{at: tok.pos, op: tok.kind, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		switch tok.kind {
		case tokDot:
			p.advance()
			field, err := p.expect(tokIdent, "field name")
			if err != nil {
				return nil, err
			}
			expr = &memberNode{at: tok.pos, target: expr, field: field.text}
		case tokLBracket:
			p.advance()
			idx, err := p.parseExpr(precTernary)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			expr = &indexNode{at: tok.pos, target: expr, index: idx}
		default:
			return expr, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.advance()
	switch tok.kind {
	case tokNumber:
		return &literalNode{at: tok.pos, val: tok.num}, nil
	case tokString:
		return &literalNode{at: tok.pos, val: tok.text}, nil
	case tokTrue:
		return &literalNode{at: tok.pos, val: true}, nil
	case tokFalse:
		return &literalNode{at: tok.pos, val: false}, nil
	case tokNull:
		return &literalNode{at: tok.pos, val: nil}, nil
	case tokLParen:
		inner, err := p.parseExpr(precTernary)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		// A bare identifier followed by '(' is a function call. Namespaces
		// like $env and $credentials are also called this way.
		if p.peek().kind == tokLParen {
			p.advance()
			var args []node
			if p.peek().kind != tokRParen {
				for {
					arg, err := p.parseExpr(precTernary)
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.peek().kind != tokComma {
						break
					}
					p.advance()
				}
			}
			if _, err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			return &callNode{at: tok.pos, name: tok.text, args: args}, nil
		}
		return &identNode{at: tok.pos, name: tok.text}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression at position %d", tok.pos)
	}
	return nil, fmt.Errorf("unexpected token %s at position %d", tok, tok.pos)
}
