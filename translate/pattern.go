package translate

import (
	"fmt"

	"github.com/cyql-db/cyql/ast"
	"github.com/cyql-db/cyql/errs"
)

// registerPattern walks one pattern chain, registering a NodeReg for
// every node and a RelPattern for every edge. Nodes already bound by an
// earlier clause are reused rather than re-registered, which is how a
// later MATCH can extend a variable introduced earlier.
func (c *Context) registerPattern(chain *ast.PatternChain, optional bool) error {
	if len(chain.Nodes) == 0 {
		return &errs.SemanticError{Message: "empty pattern"}
	}
	firstAlias, firstIsNew := c.lookupOrRegisterNode(chain.Nodes[0], optional)
	if chain.Nodes[0].Props != nil {
		if pp := c.propsCondition(firstAlias, chain.Nodes[0].Props); pp != "" {
			c.addWhere(pp, optional, firstAlias)
		}
	}
	prevAlias := firstAlias
	prevVar := chain.Nodes[0].Variable

	for i, edge := range chain.Edges {
		nextNode := chain.Nodes[i+1]

		if edge.VarLength {
			nextAlias, err := c.registerVarLengthEdge(prevAlias, prevVar, edge, nextNode, optional)
			if err != nil {
				return err
			}
			prevAlias = nextAlias
			prevVar = nextNode.Variable
			continue
		}

		nextAlias, nextIsNew := c.lookupOrRegisterNode(nextNode, optional)
		if nextNode.Props != nil {
			if pp := c.propsCondition(nextAlias, nextNode.Props); pp != "" {
				c.addWhere(pp, optional, nextAlias)
			}
		}

		edgeAlias := c.freshAlias("e")
		edgeIsNew := true
		if edge.Variable != "" {
			if b, ok := c.Bindings[edge.Variable]; ok && b.Kind == BindEdge {
				edgeAlias = b.Alias
				edgeIsNew = false
			} else {
				c.Bindings[edge.Variable] = &Binding{Kind: BindEdge, Alias: edgeAlias}
			}
		}

		rp := &RelPattern{
			SourceVar: prevVar, TargetVar: nextNode.Variable, EdgeVar: edge.Variable,
			SourceIsNew: false, TargetIsNew: nextIsNew, EdgeIsNew: edgeIsNew,
			Optional: optional, Edge: edge, FirstInChain: i == 0 && firstIsNew,
		}
		c.Rels = append(c.Rels, rp)
		c.relAliases = append(c.relAliases, relAliasSet{src: prevAlias, tgt: nextAlias, edge: edgeAlias})

		if edge.Props != nil {
			if pp := c.propsCondition(edgeAlias, edge.Props); pp != "" {
				c.addWhere(pp, optional, edgeAlias)
			}
		}

		if n, ok := c.Nodes[prevAlias]; ok {
			n.Standalone = false
		}
		if n, ok := c.Nodes[nextAlias]; ok {
			n.Standalone = false
		}

		prevAlias = nextAlias
		prevVar = nextNode.Variable
	}
	return nil
}

// relAliasSet keeps the resolved SQL aliases for a RelPattern entry in
// parallel with c.Rels, since RelPattern itself only stores variable
// names (which may be empty for anonymous endpoints).
type relAliasSet struct{ src, tgt, edge string }

func (c *Context) propsCondition(alias string, m *ast.MapLiteral) string {
	conds := make([]string, len(m.Keys))
	for i, k := range m.Keys {
		val, err := c.lowerExpr(m.Values[i], Scalar)
		if err != nil {
			continue
		}
		conds[i] = fmt.Sprintf("json_extract(%s.properties, '$.%s') = %s", alias, k, val)
	}
	out := ""
	for i, cnd := range conds {
		if i > 0 {
			out += " AND "
		}
		out += cnd
	}
	return out
}

func (c *Context) addWhere(cond string, optional bool, guardAlias string) {
	if cond == "" {
		return
	}
	if optional {
		c.OptionalWhere = append(c.OptionalWhere, OptionalCond{GuardAlias: guardAlias, Cond: cond})
	} else {
		c.RequiredWhere = append(c.RequiredWhere, rawExpr{sql: cond})
	}
}

// rawExpr wraps a pre-rendered SQL condition string as an Expression so
// it can travel through c.RequiredWhere's slot type alongside parsed
// AST expressions produced by a clause's own WHERE; lowerExpr never
// runs on it because callers type-switch it out before lowering.
// The embedded (always nil) ast.Expression supplies the unexported
// exprNode method, which a type outside package ast cannot declare.
type rawExpr struct {
	ast.Expression
	sql string
}

func (c *Context) buildJoins(b *Builder) error {
	labelWhere := func(alias string, n *ast.NodePattern) {
		for _, l := range n.Labels {
			p := c.addParam(l)
			b.AddWhere(fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s.label) WHERE json_each.value = %s)", alias, p))
		}
	}

	joined := make(map[string]bool)

	if c.SubqueryFrom != "" {
		// A WITH boundary collapsed all prior pattern state into one
		// nested SELECT; this phase's own Nodes/Rels (if any) only cover
		// patterns re-matched after the WITH and join against it.
		b.SetFrom(fmt.Sprintf("(%s) w", c.SubqueryFrom))
	}

	for i, rp := range c.Rels {
		aliases := c.relAliases[i]
		srcAlias, tgtAlias, edgeAlias := aliases.src, aliases.tgt, aliases.edge

		if !joined[srcAlias] {
			if b.from == "" {
				b.SetFrom(fmt.Sprintf("nodes %s", srcAlias))
			} else {
				b.AddJoin(fmt.Sprintf("CROSS JOIN nodes %s", srcAlias))
			}
			if n, ok := c.findNodeByAlias(srcAlias); ok {
				labelWhere(srcAlias, n.Pattern)
			}
			joined[srcAlias] = true
		}

		joinKind := "INNER JOIN"
		if rp.Optional {
			joinKind = "LEFT JOIN"
		}

		srcCol, tgtCol := "source_id", "target_id"
		undirected := rp.Edge.Dir == ast.DirNone
		if rp.Edge.Dir == ast.DirLeft {
			srcCol, tgtCol = "target_id", "source_id"
		}

		// Undirected patterns accept either orientation (§4.3.2): the edge
		// may bind to src through either column, so the join condition
		// disjuncts both, and the target's column is picked with the
		// opposite of whichever one matched src.
		if undirected {
			b.AddJoin(fmt.Sprintf("%s edges %s ON (%s.source_id = %s.id OR %s.target_id = %s.id)",
				joinKind, edgeAlias, edgeAlias, srcAlias, edgeAlias, srcAlias))
		} else {
			b.AddJoin(fmt.Sprintf("%s edges %s ON %s.%s = %s.id", joinKind, edgeAlias, edgeAlias, srcCol, srcAlias))
		}
		joined[edgeAlias] = true

		// The type filter goes into the ON clause of an optional join and
		// into WHERE for a required one, next to the label filters.
		typeCond := ""
		if len(rp.Edge.Types) == 1 {
			typeCond = fmt.Sprintf("%s.type = %s", edgeAlias, c.addParam(rp.Edge.Types[0]))
		} else if len(rp.Edge.Types) > 1 {
			phs := make([]string, len(rp.Edge.Types))
			for j, t := range rp.Edge.Types {
				phs[j] = c.addParam(t)
			}
			typeCond = fmt.Sprintf("%s.type IN (%s)", edgeAlias, joinCSV(phs))
		}
		if typeCond != "" && rp.Optional {
			b.AddJoin("AND " + typeCond)
		} else if typeCond != "" {
			b.AddWhere(typeCond)
		}

		if tgtAlias == "" {
			continue // anonymous, un-referenced target: no join needed beyond the edge row
		}
		tgtExpr := fmt.Sprintf("%s.%s", edgeAlias, tgtCol)
		if undirected {
			tgtExpr = fmt.Sprintf("CASE WHEN %s.source_id = %s.id THEN %s.target_id ELSE %s.source_id END",
				edgeAlias, srcAlias, edgeAlias, edgeAlias)
		}
		if !joined[tgtAlias] {
			b.AddJoin(fmt.Sprintf("%s nodes %s ON %s.id = %s", joinKind, tgtAlias, tgtAlias, tgtExpr))
			if n, ok := c.findNodeByAlias(tgtAlias); ok {
				labelWhere(tgtAlias, n.Pattern)
			}
			joined[tgtAlias] = true
		} else {
			b.AddJoin(fmt.Sprintf("AND %s.id = %s", tgtAlias, tgtExpr))
		}
	}

	c.buildVarLenJoins(b, joined)

	for _, se := range c.standaloneEdges {
		if joined[se.alias] {
			continue
		}
		if b.from == "" {
			b.SetFrom(fmt.Sprintf("edges %s", se.alias))
		} else {
			b.AddJoin(fmt.Sprintf("CROSS JOIN edges %s", se.alias))
		}
		joined[se.alias] = true
	}

	// Standalone node patterns not covered by any relationship or
	// variable-length join: cross join (required) or LEFT JOIN with a
	// trivial ON (optional), per §4.3.2 step 3.
	for alias, reg := range c.Nodes {
		if joined[alias] {
			continue
		}
		if reg.Optional {
			if b.from == "" {
				b.SetFrom(fmt.Sprintf("nodes %s", alias))
			} else {
				b.AddJoin(fmt.Sprintf("LEFT JOIN nodes %s ON 1=1", alias))
			}
		} else {
			if b.from == "" {
				b.SetFrom(fmt.Sprintf("nodes %s", alias))
			} else {
				b.AddJoin(fmt.Sprintf("CROSS JOIN nodes %s", alias))
			}
		}
		labelWhere(alias, reg.Pattern)
		joined[alias] = true
	}

	for _, cond := range c.RequiredWhere {
		if r, ok := cond.(rawExpr); ok {
			b.AddWhere(r.sql)
			continue
		}
		s, err := c.lowerExpr(cond, Scalar)
		if err != nil {
			return err
		}
		b.AddWhere(s)
	}
	for _, oc := range c.OptionalWhere {
		b.AddWhere(fmt.Sprintf("(%s.id IS NULL OR %s)", oc.GuardAlias, oc.Cond))
	}
	return nil
}

func (c *Context) findNodeByAlias(alias string) (*NodeReg, bool) {
	n, ok := c.Nodes[alias]
	return n, ok
}

func joinCSV(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
