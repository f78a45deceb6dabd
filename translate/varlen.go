package translate

import (
	"fmt"

	"github.com/cyql-db/cyql/ast"
)

// VarLenReg is a variable-length relationship hop compiled to a
// recursive CTE that enumerates (start_id, end_id, depth, edge_ids)
// tuples reachable within the hop range, with edge-uniqueness enforced
// by excluding already-traversed edge ids from the next step.
type VarLenReg struct {
	CTEName              string
	SourceAlias, TargetAlias string
	MinHops              int
	MaxHops              int
	Optional             bool
	Edge                 *ast.EdgePattern
}

func (c *Context) registerVarLengthEdge(prevAlias, prevVar string, edge *ast.EdgePattern, nextNode *ast.NodePattern, optional bool) (string, error) {
	nextAlias, _ := c.lookupOrRegisterNode(nextNode, optional)

	minHops := edge.MinHops
	if minHops == 0 {
		minHops = 1
	}
	maxHops := c.Cfg.MaxHops
	if edge.MaxHops != nil {
		maxHops = *edge.MaxHops
	}

	cteName := c.freshCTEName()

	srcCol, tgtCol := "source_id", "target_id"
	if edge.Dir == ast.DirLeft {
		srcCol, tgtCol = "target_id", "source_id"
	}

	typeFilter := ""
	if len(edge.Types) == 1 {
		typeFilter = fmt.Sprintf(" AND type = %s", c.addParam(edge.Types[0]))
	} else if len(edge.Types) > 1 {
		phs := make([]string, len(edge.Types))
		for i, t := range edge.Types {
			phs[i] = c.addParam(t)
		}
		typeFilter = fmt.Sprintf(" AND type IN (%s)", joinCSV(phs))
	}

	base := fmt.Sprintf(
		"SELECT %s AS start_id, %s AS end_id, 1 AS depth, json_array(id) AS edge_ids FROM edges WHERE 1=1%s",
		srcCol, tgtCol, typeFilter)

	// The recursive step repeats the type filter against its own edge
	// alias, with its own placeholder values.
	recTypeFilter := ""
	if len(edge.Types) == 1 {
		recTypeFilter = fmt.Sprintf(" AND e.type = %s", c.addParam(edge.Types[0]))
	} else if len(edge.Types) > 1 {
		phs := make([]string, len(edge.Types))
		for i, t := range edge.Types {
			phs[i] = c.addParam(t)
		}
		recTypeFilter = fmt.Sprintf(" AND e.type IN (%s)", joinCSV(phs))
	}

	rec := fmt.Sprintf(
		"SELECT %s.start_id, e.%s, %s.depth + 1, json_insert(%s.edge_ids, '$[#]', e.id) "+
			"FROM %s %s JOIN edges e ON e.%s = %s.end_id "+
			"WHERE %s.depth < %d%s AND NOT EXISTS (SELECT 1 FROM json_each(%s.edge_ids) WHERE json_each.value = e.id)",
		cteName, tgtCol, cteName, cteName,
		cteName, cteName, srcCol, cteName,
		cteName, maxHops, recTypeFilter, cteName)

	fragment := fmt.Sprintf("%s(start_id, end_id, depth, edge_ids) AS (%s UNION ALL %s)", cteName, base, rec)

	c.VarLens = append(c.VarLens, &VarLenReg{
		CTEName:     cteName,
		SourceAlias: prevAlias,
		TargetAlias: nextAlias,
		MinHops:     minHops,
		MaxHops:     maxHops,
		Optional:    optional,
		Edge:        edge,
	})
	c.varlenCTEs = append(c.varlenCTEs, fragment)

	if edge.Variable != "" {
		c.Bindings[edge.Variable] = &Binding{Kind: BindVarLengthEdge, CTEName: cteName}
	}
	if n, ok := c.Nodes[prevAlias]; ok {
		n.Standalone = false
	}
	if n, ok := c.Nodes[nextAlias]; ok {
		n.Standalone = false
	}
	return nextAlias, nil
}

// buildVarLenJoins adds the recursive CTEs and their joining conditions
// to b after buildJoins has established the fixed-length join graph.
func (c *Context) buildVarLenJoins(b *Builder, joined map[string]bool) {
	for i, vl := range c.VarLens {
		b.AddCTE(c.varlenCTEs[i])

		if !joined[vl.SourceAlias] {
			if b.from == "" {
				b.SetFrom(fmt.Sprintf("nodes %s", vl.SourceAlias))
			} else {
				b.AddJoin(fmt.Sprintf("CROSS JOIN nodes %s", vl.SourceAlias))
			}
			joined[vl.SourceAlias] = true
		}

		joinKind := "INNER JOIN"
		if vl.Optional {
			joinKind = "LEFT JOIN"
		}
		pathAlias := vl.CTEName + "_m"
		b.AddJoin(fmt.Sprintf(
			"%s %s %s ON %s.start_id = %s.id AND %s.depth BETWEEN %d AND %d",
			joinKind, vl.CTEName, pathAlias, pathAlias, vl.SourceAlias, pathAlias, vl.MinHops, vl.MaxHops))

		if vl.TargetAlias != "" && !joined[vl.TargetAlias] {
			b.AddJoin(fmt.Sprintf("%s nodes %s ON %s.id = %s.end_id", joinKind, vl.TargetAlias, vl.TargetAlias, pathAlias))
			joined[vl.TargetAlias] = true
		}
	}
}
