package expr

import "fmt"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent // includes $-prefixed namespaces like $json
	tokTrue
	tokFalse
	tokNull

	tokPlus     // +
	tokMinus    // -
	tokStar     // *
	tokSlash    // /
	tokPercent  // %
	tokLParen   // (
	tokRParen   // )
	tokLBracket // [
	tokRBracket // ]
	tokComma    // ,
	tokDot      // .
	tokQuestion // ?
	tokColon    // :
	tokEq       // ==
	tokNotEq    // !=
	tokLt       // <
	tokLtEq     // <=
	tokGt       // >
	tokGtEq     // >=
	tokAnd      // &&
	tokOr       // ||
	tokBang     // !
)

type token struct {
	kind tokenKind
	pos  int
	text string  // identifiers and strings (decoded)
	num  float64 // numbers
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokNumber:
		return fmt.Sprintf("number %v", t.num)
	case tokString:
		return fmt.Sprintf("string %q", t.text)
	case tokIdent:
		return t.text
	default:
		return t.text
	}
}
