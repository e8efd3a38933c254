package expr

// node is a parsed expression node. Evaluation walks the tree directly;
// there is no compilation step because workflow expressions are short and
// parsed once per placeholder occurrence.
type node interface {
	pos() int
}

type literalNode struct {
	at  int
	val interface{} // nil, bool, float64 or string
}

type identNode struct {
	at   int
	name string // may be $-prefixed ($json, $env, $loop, ...)
}

type memberNode struct {
	at     int
	target node
	field  string
}

type indexNode struct {
	at     int
	target node
	index  node
}

type callNode struct {
	at   int
	name string
	args []node
}

type unaryNode struct {
	at      int
	op      tokenKind // tokMinus or tokBang
	operand node
}

type binaryNode struct {
	at    int
	op    tokenKind
	left  node
	right node
}

type ternaryNode struct {
	at        int
	cond      node
	whenTrue  node
	whenFalse node
}

func (n *literalNode) pos() int { return n.at }
func (n *identNode) pos() int   { return n.at }
func (n *memberNode) pos() int  { return n.at }
func (n *indexNode) pos() int   { return n.at }
func (n *callNode) pos() int    { return n.at }
func (n *unaryNode) pos() int   { return n.at }
func (n *binaryNode) pos() int  { return n.at }
func (n *ternaryNode) pos() int { return n.at }
