package translate

import (
	"fmt"

	"github.com/cyql-db/cyql/ast"
	"github.com/cyql-db/cyql/errs"
)

// NewID is a Params placeholder the executor resolves at execution
// time into a freshly generated node/edge id. Every occurrence sharing
// the same Key within one row's execution resolves to the identical
// value, so a relationship created in the same CREATE clause as its
// endpoints links to the id actually inserted for them.
type NewID struct{ Key string }

// RowRef is a Params placeholder resolved against the current input
// row (the MATCH/UNWIND binding the executor is iterating), used when
// a CREATE/MERGE/SET/DELETE statement must reference a variable bound
// by an earlier read phase.
type RowRef struct{ Variable string }

func translateCreate(c *Context, cl *ast.CreateClause) ([]*Statement, error) {
	var stmts []*Statement
	for _, chain := range cl.Patterns {
		if err := validateCreatePattern(chain); err != nil {
			return nil, err
		}
		nodeKeys := make([]string, len(chain.Nodes))
		for i, n := range chain.Nodes {
			key, isNew, err := c.createNodeKey(n)
			if err != nil {
				return nil, err
			}
			nodeKeys[i] = key
			if isNew {
				stmt, err := c.buildNodeInsert(key, n)
				if err != nil {
					return nil, err
				}
				stmts = append(stmts, stmt)
			}
		}
		for i, e := range chain.Edges {
			key := fmt.Sprintf("_anon_e%d", c.freshEdgeSeq())
			if e.Variable != "" {
				key = e.Variable
				c.Bindings[e.Variable] = &Binding{Kind: BindEdge, Expr: key}
			}
			srcKey, tgtKey := nodeKeys[i], nodeKeys[i+1]
			if e.Dir == ast.DirLeft {
				srcKey, tgtKey = tgtKey, srcKey
			}
			stmt, err := c.buildEdgeInsert(key, srcKey, tgtKey, e)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}

func validateCreatePattern(chain *ast.PatternChain) error {
	for _, e := range chain.Edges {
		if e.VarLength {
			return &errs.SemanticError{Message: "CREATE does not support variable-length relationships"}
		}
		if e.Dir == ast.DirNone {
			return &errs.SemanticError{Message: "CREATE requires a directed relationship"}
		}
		if len(e.Types) != 1 {
			return &errs.SemanticError{Message: "CREATE requires exactly one relationship type"}
		}
	}
	return nil
}

func (c *Context) freshEdgeSeq() int {
	c.aliasSeq++
	return c.aliasSeq
}

// createNodeKey returns the binding key for a node in a CREATE pattern:
// the existing row-bound key if the variable already refers to a
// MATCHed node, or a fresh NewID key if this CREATE introduces it.
func (c *Context) createNodeKey(n *ast.NodePattern) (key string, isNew bool, err error) {
	if n.Variable != "" {
		if b, ok := c.Bindings[n.Variable]; ok {
			if b.Kind != BindNode {
				return "", false, &errs.SemanticError{Message: fmt.Sprintf("%q is already bound to a non-node value", n.Variable)}
			}
			return n.Variable, false, nil
		}
	}
	key = n.Variable
	if key == "" {
		key = fmt.Sprintf("_anon_n%d", c.freshEdgeSeq())
	}
	c.Bindings[key] = &Binding{Kind: BindNode, Expr: key}
	return key, true, nil
}

// LabelsParam is a Params placeholder the executor JSON-encodes into
// the nodes.label column's text representation.
type LabelsParam struct{ Labels []string }

func (c *Context) buildNodeInsert(key string, n *ast.NodePattern) (*Statement, error) {
	mark := len(c.Params)
	propsSQL, err := c.mapLiteralOrEmpty(n.Props)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf("INSERT INTO nodes (id, label, properties) VALUES (?, ?, %s)", propsSQL)
	params := append([]any{NewID{Key: key}, LabelsParam{Labels: n.Labels}}, c.Params[mark:]...)
	c.Params = c.Params[:mark]
	return &Statement{SQL: sql, Params: params, Kind: KindCreate, Binds: []BoundVar{{Name: key, Kind: BindNode}}}, nil
}

func (c *Context) buildEdgeInsert(key, srcKey, tgtKey string, e *ast.EdgePattern) (*Statement, error) {
	mark := len(c.Params)
	propsSQL, err := c.mapLiteralOrEmpty(e.Props)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf("INSERT INTO edges (id, source_id, target_id, type, properties) VALUES (?, ?, ?, ?, %s)", propsSQL)
	params := append([]any{NewID{Key: key}, RowOrNewRef{Key: srcKey}, RowOrNewRef{Key: tgtKey}, e.Types[0]}, c.Params[mark:]...)
	c.Params = c.Params[:mark]
	return &Statement{SQL: sql, Params: params, Kind: KindCreate, Binds: []BoundVar{{Name: key, Kind: BindEdge}}}, nil
}

// RowOrNewRef is a Params placeholder: the executor resolves Key against
// the ids it has generated earlier in this same statement batch before
// falling back to a variable bound by an outer read phase.
type RowOrNewRef struct{ Key string }

// mapLiteralOrEmpty lowers a property map via the ordinary expression
// path (so parameters and literals work exactly as in WHERE/RETURN).
func (c *Context) mapLiteralOrEmpty(m *ast.MapLiteral) (string, error) {
	if m == nil {
		return "'{}'", nil
	}
	return c.lowerMapLiteral(m)
}
