package translate

import (
	"fmt"

	"github.com/cyql-db/cyql/ast"
	"github.com/cyql-db/cyql/errs"
)

// IndexedIDRef is a Params placeholder resolved at execution time by
// indexing into a list value from the current row and lifting the
// indexed element's node/edge id: the executor-side counterpart of a
// `list[i]` DELETE target (§4.4 shape 5), used when the collection
// being deleted from was produced by an earlier WITH collect(...)
// rather than being a plain bound variable.
type IndexedIDRef struct {
	List  any // a resolvable placeholder (typically RowRef) for the list value
	Index any // int, RowRef, or ParamRef for the index
}

// translateDelete lowers DELETE/DETACH DELETE targets into DELETE
// statements. A plain DELETE on a node is guarded by a KindDeleteGuard
// probe: the row-store schema cascades edge deletion on node removal
// (so the rows would disappear either way), but Cypher DELETE without
// DETACH must fail loudly when relationships remain rather than
// silently detach them.
func translateDelete(c *Context, cl *ast.DeleteClause) ([]*Statement, error) {
	var stmts []*Statement
	for _, target := range cl.Targets {
		switch t := target.(type) {
		case *ast.Variable:
			b := c.variable(t.Name)
			if b == nil {
				return nil, &errs.SemanticError{Message: "variable \"" + t.Name + "\" is not bound"}
			}
			ref, err := c.targetRef(t.Name)
			if err != nil {
				return nil, err
			}
			if b.Kind != BindNode && b.Kind != BindEdge {
				return nil, &errs.SemanticError{Message: "DELETE target \"" + t.Name + "\" must be a node or relationship"}
			}
			stmts = append(stmts, c.emitDelete(ref, b.Kind == BindNode, cl.Detach)...)
		case *ast.IndexExpr:
			ref, isNode, err := c.indexedDeleteRef(t)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, c.emitDelete(ref, isNode, cl.Detach)...)
		default:
			return nil, &errs.SemanticError{Message: "DELETE target must be a bound variable or list index"}
		}
	}
	return stmts, nil
}

// emitDelete appends the guard (if applicable) and delete statements for
// one resolved node/edge id reference.
func (c *Context) emitDelete(ref any, isNode, detach bool) []*Statement {
	if !isNode {
		return []*Statement{{SQL: "DELETE FROM edges WHERE id = ?", Params: []any{ref}, Kind: KindDelete}}
	}
	var stmts []*Statement
	if detach {
		stmts = append(stmts, &Statement{
			SQL: "DELETE FROM edges WHERE source_id = ? OR target_id = ?", Params: []any{ref, ref}, Kind: KindDelete,
		})
	} else {
		stmts = append(stmts, &Statement{
			SQL: "SELECT COUNT(*) AS n FROM edges WHERE source_id = ? OR target_id = ?", Params: []any{ref, ref}, Kind: KindDeleteGuard,
		})
	}
	stmts = append(stmts, &Statement{SQL: "DELETE FROM nodes WHERE id = ?", Params: []any{ref}, Kind: KindDelete})
	return stmts
}

// indexedDeleteRef resolves a `list[i]` DELETE target: the list must be
// a bound BindValue variable (typically a WITH-carried collect() result,
// already flushed to a RowRef by the time a mutating clause runs), and
// the index must be a constant, a parameter, or another row-bound
// variable. Element kind defaults to node when the list's origin wasn't
// tracked (the overwhelmingly common DELETE-collected-nodes case).
func (c *Context) indexedDeleteRef(t *ast.IndexExpr) (ref any, isNode bool, err error) {
	vr, ok := t.List.(*ast.Variable)
	if !ok {
		return nil, false, &errs.SemanticError{Message: "DELETE list index target must index a bound variable"}
	}
	listRef, err := c.targetRef(vr.Name)
	if err != nil {
		return nil, false, err
	}
	idxRef, err := c.lowerIndexOperand(t.Index)
	if err != nil {
		return nil, false, err
	}
	kind := BindNode
	if k, ok := c.ListElementKinds[vr.Name]; ok {
		kind = k
	}
	return IndexedIDRef{List: listRef, Index: idxRef}, kind == BindNode, nil
}

// lowerIndexOperand resolves a DELETE list index to an executor
// placeholder: a constant int, a query parameter, or another row-bound
// scalar variable.
func (c *Context) lowerIndexOperand(e ast.Expression) (any, error) {
	switch v := e.(type) {
	case *ast.IntLiteral:
		return int(v.Value), nil
	case *ast.Parameter:
		return ParamRef{Name: v.Name}, nil
	case *ast.Variable:
		b := c.variable(v.Name)
		if b == nil {
			return nil, &errs.SemanticError{Message: fmt.Sprintf("variable %q is not bound", v.Name)}
		}
		if b.HasLiteral {
			return b.Literal, nil
		}
		return nil, &errs.SemanticError{Message: fmt.Sprintf("variable %q cannot be used as a DELETE list index here", v.Name)}
	default:
		return nil, &errs.SemanticError{Message: "unsupported expression as a DELETE list index"}
	}
}
