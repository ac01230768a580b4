package sigma

import (
	"fmt"
	"strings"
)

// NodeKind is the type of a condition tree node.
type NodeKind string

// Condition node kinds.
const (
	NodeAnd  NodeKind = "and"
	NodeOr   NodeKind = "or"
	NodeNot  NodeKind = "not"
	NodeAtom NodeKind = "atom"
)

// Node is one node of a parsed detection condition tree. Atom nodes carry the
// search identifier they reference; quantified forms ("1 of selection_*")
// normalize to OR/AND over the matching identifiers at evaluation time, but
// parse as a single atom with the pattern as identifier.
type Node struct {
	Kind       NodeKind
	Identifier string // set for NodeAtom
	Children   []*Node
}

// Identifiers returns all identifiers referenced by the tree.
func (n *Node) Identifiers() []string {
	if n == nil {
		return nil
	}
	if n.Kind == NodeAtom {
		return []string{n.Identifier}
	}
	var ids []string
	for _, c := range n.Children {
		ids = append(ids, c.Identifiers()...)
	}
	return ids
}

// Shape returns the normalized structural signature of the tree: operator
// paths with atoms reduced to a placeholder. Two conditions with the same
// boolean structure produce the same multiset of paths regardless of the
// identifiers involved.
func (n *Node) Shape() []string {
	var paths []string
	n.shape("", &paths)
	return paths
}

func (n *Node) shape(prefix string, out *[]string) {
	if n == nil {
		return
	}
	if n.Kind == NodeAtom {
		*out = append(*out, prefix+"/·")
		return
	}
	p := prefix + "/" + string(n.Kind)
	for _, c := range n.Children {
		c.shape(p, out)
	}
}

// condParser is a recursive-descent parser over the Sigma condition grammar:
//
//	expr   := term (("and"|"or") term)*
//	term   := "not" term | "(" expr ")" | quant | IDENT
//	quant  := ("1"|"all"|"any") "of" (IDENT|PATTERN|"them")
type condParser struct {
	tokens []string
	pos    int
}

// ParseCondition parses a detection condition expression into a tree.
// Operator precedence follows the Sigma spec: NOT binds tightest, then AND,
// then OR.
func ParseCondition(expr string) (*Node, error) {
	tokens := tokenize(expr)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	p := &condParser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q", p.tokens[p.pos])
	}
	return node, nil
}

func tokenize(expr string) []string {
	expr = strings.ReplaceAll(expr, "(", " ( ")
	expr = strings.ReplaceAll(expr, ")", " ) ")
	// Aggregation suffix (| count() ...) is out of scope for shape comparison.
	if i := strings.Index(expr, "|"); i >= 0 {
		expr = expr[:i]
	}
	return strings.Fields(expr)
}

func (p *condParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *condParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *condParser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for strings.EqualFold(p.peek(), "or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Node{Kind: NodeOr, Children: children}, nil
}

func (p *condParser) parseAnd() (*Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for strings.EqualFold(p.peek(), "and") {
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Node{Kind: NodeAnd, Children: children}, nil
}

func (p *condParser) parseTerm() (*Node, error) {
	tok := p.peek()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of condition")
	case strings.EqualFold(tok, "not"):
		p.next()
		child, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: NodeNot, Children: []*Node{child}}, nil
	case tok == "(":
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	case tok == "1" || strings.EqualFold(tok, "all") || strings.EqualFold(tok, "any"):
		p.next()
		if !strings.EqualFold(p.next(), "of") {
			return nil, fmt.Errorf("expected 'of' after quantifier %q", tok)
		}
		target := p.next()
		if target == "" {
			return nil, fmt.Errorf("expected identifier after 'of'")
		}
		return &Node{Kind: NodeAtom, Identifier: target}, nil
	case strings.EqualFold(tok, "and"), strings.EqualFold(tok, "or"), tok == ")":
		return nil, fmt.Errorf("unexpected token %q", tok)
	default:
		p.next()
		return &Node{Kind: NodeAtom, Identifier: tok}, nil
	}
}
