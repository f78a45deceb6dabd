package translate

import (
	"fmt"

	"github.com/cyql-db/cyql/ast"
	"github.com/cyql-db/cyql/errs"
)

// translateMerge lowers MERGE into a grouped probe/insert/on-create/
// on-match statement sequence the executor drives as shape #6/#7: run
// the probe, and run exactly one of {insert + ON CREATE SET} or
// {ON MATCH SET} depending on whether it found a row.
//
// Only the two pattern shapes the spec actually describes are
// supported: a single node, or a single relationship between two
// (possibly already-bound, possibly new) node endpoints. Longer MERGE
// chains are rejected rather than guessed at.
func translateMerge(c *Context, cl *ast.MergeClause) ([]*Statement, error) {
	chain := cl.Pattern
	switch {
	case len(chain.Edges) == 0 && len(chain.Nodes) == 1:
		return c.mergeNode(chain.Nodes[0], cl.OnCreate, cl.OnMatch)
	case len(chain.Edges) == 1 && len(chain.Nodes) == 2:
		return c.mergeRelationship(chain, cl.OnCreate, cl.OnMatch)
	default:
		return nil, &errs.SemanticError{Message: "MERGE supports only a single node or a single relationship pattern"}
	}
}

// mergeNode emits one merge group that finds-or-creates a node by
// label+property match, binding n.Variable to whichever id resulted.
func (c *Context) mergeNode(n *ast.NodePattern, onCreate, onMatch []*ast.SetItem) ([]*Statement, error) {
	key := n.Variable
	if key == "" {
		key = fmt.Sprintf("_anon_merge%d", c.freshEdgeSeq())
	}
	group := c.freshMergeGroup()

	probeAlias := c.freshAlias("m")
	probeB := &Builder{}
	probeB.SetFrom(fmt.Sprintf("nodes %s", probeAlias))
	probeB.SetSelect([]string{probeAlias + ".id AS id"})
	mark := len(c.Params)
	for _, l := range n.Labels {
		p := c.addParam(l)
		probeB.AddWhere(fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s.label) WHERE json_each.value = %s)", probeAlias, p))
	}
	if n.Props != nil {
		for i, k := range n.Props.Keys {
			val, err := c.lowerExpr(n.Props.Values[i], Scalar)
			if err != nil {
				return nil, err
			}
			probeB.AddWhere(fmt.Sprintf("json_extract(%s.properties, '$.%s') = %s", probeAlias, jsonPathKey(k), val))
		}
	}
	probeParams := append([]any{}, c.Params[mark:]...)
	c.Params = c.Params[:mark]
	probeStmt := &Statement{SQL: probeB.String(), Params: probeParams, Kind: KindMergeProbe, MergeGroup: group, MergePhase: MergeProbe}

	insertStmt, err := c.buildNodeInsert(key, n)
	if err != nil {
		return nil, err
	}
	insertStmt.Kind = KindMergeInsert
	insertStmt.MergeGroup = group
	insertStmt.MergePhase = MergeInsert

	c.Bindings[key] = &Binding{Kind: BindNode, Expr: key}

	stmts := []*Statement{probeStmt, insertStmt}
	onCreateStmts, err := c.mergeSideEffects(onCreate, group, MergeOnCreate)
	if err != nil {
		return nil, err
	}
	onMatchStmts, err := c.mergeSideEffects(onMatch, group, MergeOnMatch)
	if err != nil {
		return nil, err
	}
	stmts = append(stmts, onCreateStmts...)
	stmts = append(stmts, onMatchStmts...)
	return stmts, nil
}

func (c *Context) mergeSideEffects(items []*ast.SetItem, group int, phase MergePhase) ([]*Statement, error) {
	stmts, err := translateSet(c, items)
	if err != nil {
		return nil, err
	}
	for _, s := range stmts {
		s.MergeGroup = group
		s.MergePhase = phase
	}
	return stmts, nil
}

// mergeRelationship finds-or-creates each endpoint not already bound,
// then finds-or-creates the edge itself between their (now resolved)
// ids.
func (c *Context) mergeRelationship(chain *ast.PatternChain, onCreate, onMatch []*ast.SetItem) ([]*Statement, error) {
	edge := chain.Edges[0]
	if edge.VarLength {
		return nil, &errs.SemanticError{Message: "MERGE does not support variable-length relationships"}
	}
	if len(edge.Types) != 1 {
		return nil, &errs.SemanticError{Message: "MERGE requires exactly one relationship type"}
	}

	var stmts []*Statement
	srcKey, err := c.mergeEndpointKey(chain.Nodes[0], &stmts)
	if err != nil {
		return nil, err
	}
	tgtKey, err := c.mergeEndpointKey(chain.Nodes[1], &stmts)
	if err != nil {
		return nil, err
	}
	if edge.Dir == ast.DirLeft {
		srcKey, tgtKey = tgtKey, srcKey
	}

	srcRef, err := c.targetRef(srcKey)
	if err != nil {
		return nil, err
	}
	tgtRef, err := c.targetRef(tgtKey)
	if err != nil {
		return nil, err
	}

	edgeKey := edge.Variable
	if edgeKey == "" {
		edgeKey = fmt.Sprintf("_anon_merge%d", c.freshEdgeSeq())
	}
	group := c.freshMergeGroup()

	probeB := &Builder{}
	probeB.SetFrom("edges e")
	probeB.SetSelect([]string{"e.id AS id"})
	probeB.AddWhere("e.source_id = ?")
	probeB.AddWhere("e.target_id = ?")
	probeB.AddWhere("e.type = ?")
	mark := len(c.Params)
	if edge.Props != nil {
		for i, k := range edge.Props.Keys {
			val, err := c.lowerExpr(edge.Props.Values[i], Scalar)
			if err != nil {
				return nil, err
			}
			probeB.AddWhere(fmt.Sprintf("json_extract(e.properties, '$.%s') = %s", jsonPathKey(k), val))
		}
	}
	extraParams := append([]any{}, c.Params[mark:]...)
	c.Params = c.Params[:mark]
	probeParams := append([]any{srcRef, tgtRef, edge.Types[0]}, extraParams...)
	probeStmt := &Statement{SQL: probeB.String(), Params: probeParams, Kind: KindMergeProbe, MergeGroup: group, MergePhase: MergeProbe}

	insertStmt, err := c.buildEdgeInsert(edgeKey, srcKey, tgtKey, edge)
	if err != nil {
		return nil, err
	}
	insertStmt.Kind = KindMergeInsert
	insertStmt.MergeGroup = group
	insertStmt.MergePhase = MergeInsert

	c.Bindings[edgeKey] = &Binding{Kind: BindEdge, Expr: edgeKey}

	stmts = append(stmts, probeStmt, insertStmt)
	onCreateStmts, err := c.mergeSideEffects(onCreate, group, MergeOnCreate)
	if err != nil {
		return nil, err
	}
	onMatchStmts, err := c.mergeSideEffects(onMatch, group, MergeOnMatch)
	if err != nil {
		return nil, err
	}
	stmts = append(stmts, onCreateStmts...)
	stmts = append(stmts, onMatchStmts...)
	return stmts, nil
}

// mergeEndpointKey returns the binding key to use for a relationship
// endpoint: the existing key if it is already bound (MATCH or an
// earlier part of this same MERGE), or a freshly emitted find-or-create
// merge group (appended to *stmts) otherwise.
func (c *Context) mergeEndpointKey(n *ast.NodePattern, stmts *[]*Statement) (string, error) {
	if n.Variable != "" {
		if b, ok := c.Bindings[n.Variable]; ok {
			if b.Kind != BindNode {
				return "", &errs.SemanticError{Message: fmt.Sprintf("%q is already bound to a non-node value", n.Variable)}
			}
			return n.Variable, nil
		}
	}
	sub, err := c.mergeNode(n, nil, nil)
	if err != nil {
		return "", err
	}
	*stmts = append(*stmts, sub...)
	key := n.Variable
	if key == "" {
		// mergeNode always binds under the same synthesized key it used
		// internally; recover it from the insert statement's Binds.
		for _, s := range sub {
			if s.MergePhase == MergeInsert {
				key = s.Binds[0].Name
			}
		}
	}
	return key, nil
}
