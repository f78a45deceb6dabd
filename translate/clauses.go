package translate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cyql-db/cyql/ast"
	"github.com/cyql-db/cyql/errs"
)

// StatementKind tells the executor what a Statement does and how its
// result (if any) should be consumed.
type StatementKind int

const (
	KindRead       StatementKind = iota // a SELECT driving MATCH/WITH/RETURN/UNWIND
	KindCreate                          // INSERT for CREATE
	KindMergeProbe                      // SELECT used to decide CREATE vs SET branch
	KindMergeInsert
	KindSet
	KindDelete
	KindDeleteGuard
)

// Statement is one parameterized SQL statement plus the metadata the
// executor needs to drive it: which bound variables it reads, and
// which variables (if any) it introduces for later statements.
type Statement struct {
	SQL    string
	Params []any
	Kind   StatementKind
	// ReturnColumns names the projected output columns, in order, for
	// every KindRead statement: the query's final RETURN, and the reads
	// flushed before a mutating clause, whose columns the executor binds
	// for later statements.
	ReturnColumns []string
	// ReturnKinds is the BindingKind of each ReturnColumns entry, in the
	// same order: the executor needs it to tell a node/edge column
	// (whose value is a JSON blob carrying "_nf_id") from a plain scalar
	// column when resolving a later RowRef against this row.
	ReturnKinds []BindingKind
	// Binds lists the variable names (and their node/edge/value kind)
	// this statement makes available to subsequent statements.
	Binds []BoundVar

	// MergeGroup, when nonzero, ties this statement to the other
	// statements of the same MERGE: exactly one probe, one insert, and
	// the ON CREATE / ON MATCH SET statements. The executor runs the
	// probe first and only one of {insert+on_create, on_match}.
	MergeGroup int
	MergePhase MergePhase
}

// MergePhase distinguishes the statements belonging to one MergeGroup.
type MergePhase int

const (
	MergeNone MergePhase = iota
	MergeProbe
	MergeInsert
	MergeOnCreate
	MergeOnMatch
)

// BoundVar describes one variable surviving past a Statement boundary.
type BoundVar struct {
	Name string
	Kind BindingKind
}

// Plan is the ordered result of translating one Cypher query.
type Plan struct {
	Statements []*Statement
}

// Translate lowers a parsed query into an execution plan. Each clause
// in sequence either extends the current MATCH/CREATE planning context
// or, for RETURN, terminates it into a Statement; a WITH emits no
// Statement and nests the context so far into the next one's FROM.
func Translate(q *ast.Query, cfg Config) (*Plan, error) {
	if len(q.Clauses) == 1 {
		if u, ok := q.Clauses[0].(*ast.UnionClause); ok {
			return translateUnion(u, cfg)
		}
	}

	plan := &Plan{}
	c := NewContext(cfg)

	for _, clause := range q.Clauses {
		switch cl := clause.(type) {
		case *ast.MatchClause:
			if err := translateMatch(c, cl); err != nil {
				return nil, err
			}
		case *ast.CreateClause:
			if err := c.flushIfPending(plan); err != nil {
				return nil, err
			}
			stmts, err := translateCreate(c, cl)
			if err != nil {
				return nil, err
			}
			plan.Statements = append(plan.Statements, stmts...)
		case *ast.MergeClause:
			if err := c.flushIfPending(plan); err != nil {
				return nil, err
			}
			stmts, err := translateMerge(c, cl)
			if err != nil {
				return nil, err
			}
			plan.Statements = append(plan.Statements, stmts...)
		case *ast.SetClause:
			if err := c.flushIfPending(plan); err != nil {
				return nil, err
			}
			stmts, err := translateSet(c, cl.Items)
			if err != nil {
				return nil, err
			}
			plan.Statements = append(plan.Statements, stmts...)
		case *ast.DeleteClause:
			if err := c.flushIfPending(plan); err != nil {
				return nil, err
			}
			stmts, err := translateDelete(c, cl)
			if err != nil {
				return nil, err
			}
			plan.Statements = append(plan.Statements, stmts...)
		case *ast.UnwindClause:
			if err := translateUnwind(c, cl); err != nil {
				return nil, err
			}
		case *ast.CallClause:
			if err := translateCall(c, cl); err != nil {
				return nil, err
			}
		case *ast.WithClause:
			nc, err := nestWith(c, cl)
			if err != nil {
				return nil, err
			}
			c = nc
		case *ast.ReturnClause:
			stmt, err := translateProjection(c, cl.Items, cl.Distinct, cl.OrderBy, cl.Skip, cl.Limit, nil)
			if err != nil {
				return nil, err
			}
			plan.Statements = append(plan.Statements, stmt)
		default:
			return nil, &errs.SemanticError{Message: fmt.Sprintf("unsupported clause %T", clause)}
		}
	}

	return plan, nil
}

func translateUnion(u *ast.UnionClause, cfg Config) (*Plan, error) {
	left, err := Translate(u.Left, cfg)
	if err != nil {
		return nil, err
	}
	right, err := Translate(u.Right, cfg)
	if err != nil {
		return nil, err
	}
	if len(left.Statements) != 1 || len(right.Statements) != 1 {
		return nil, &errs.SemanticError{Message: "UNION operands must each be a single RETURN query"}
	}
	op := "UNION"
	if u.All {
		op = "UNION ALL"
	}
	ls, rs := left.Statements[0], right.Statements[0]
	if len(ls.ReturnColumns) != len(rs.ReturnColumns) {
		return nil, &errs.SemanticError{Message: "UNION operands must return the same number of columns"}
	}
	params := append(append([]any{}, ls.Params...), rs.Params...)
	sql := fmt.Sprintf("%s %s %s", ls.SQL, op, rs.SQL)
	return &Plan{Statements: []*Statement{{
		SQL: sql, Params: params, Kind: KindRead, ReturnColumns: ls.ReturnColumns, ReturnKinds: ls.ReturnKinds,
	}}}, nil
}

// translateMatch registers every pattern chain in the clause, then
// enforces relationship-uniqueness: within a connected group of chains
// (chains sharing a named node endpoint), distinct edge variables must
// bind to distinct edges. Chains are grouped by a single overlap pass
// rather than full transitive union-find, which covers the common
// comma-separated-pattern case without the bookkeeping of a proper
// union-find over node variables.
func translateMatch(c *Context, cl *ast.MatchClause) error {
	var components [][]string
	var componentNodes []map[string]bool

	for _, chain := range cl.Patterns {
		before := len(c.relAliases)
		if err := c.registerPattern(chain, cl.Optional); err != nil {
			return err
		}
		edgeAliases := make([]string, 0, len(chain.Edges))
		for _, a := range c.relAliases[before:] {
			edgeAliases = append(edgeAliases, a.edge)
		}
		nodes := map[string]bool{}
		for _, n := range chain.Nodes {
			if n.Variable != "" {
				nodes[n.Variable] = true
			}
		}
		merged := false
		for i, cn := range componentNodes {
			overlap := false
			for v := range nodes {
				if cn[v] {
					overlap = true
					break
				}
			}
			if overlap {
				components[i] = append(components[i], edgeAliases...)
				for v := range nodes {
					cn[v] = true
				}
				merged = true
				break
			}
		}
		if !merged {
			components = append(components, edgeAliases)
			componentNodes = append(componentNodes, nodes)
		}
	}

	for _, edges := range components {
		for i := 0; i < len(edges); i++ {
			for j := i + 1; j < len(edges); j++ {
				c.addWhere(fmt.Sprintf("%s.id <> %s.id", edges[i], edges[j]), cl.Optional, edges[i])
			}
		}
	}

	if cl.Where != nil {
		c.RequiredWhere = append(c.RequiredWhere, cl.Where)
	}
	return nil
}

func translateUnwind(c *Context, cl *ast.UnwindClause) error {
	src, err := c.lowerExpr(cl.Source, Scalar)
	if err != nil {
		return err
	}
	alias := c.freshAlias("u")
	c.Unwinds = append(c.Unwinds, &UnwindReg{Alias: alias, As: cl.As, Source: cl.Source})
	c.Bindings[cl.As] = &Binding{Kind: BindValue, Expr: alias + ".value"}
	_ = src
	return nil
}

func translateCall(c *Context, cl *ast.CallClause) error {
	c.Calls = append(c.Calls, &CallReg{Procedure: cl.Procedure, Yield: cl.Yield, Where: cl.Where})
	if cl.Yield != "" {
		c.Bindings[cl.Yield] = &Binding{Kind: BindValue, Expr: "value"}
	}
	return nil
}

// addUnwindCallJoins appends this context's pending UNWIND json_each
// joins and CALL procedure rows onto b. Shared by every SELECT-shaped
// statement a context can produce: a flushed read, a WITH's nested
// subquery, and a terminal RETURN.
func (c *Context) addUnwindCallJoins(b *Builder) error {
	for _, u := range c.Unwinds {
		src, err := c.lowerExpr(u.Source, Scalar)
		if err != nil {
			return err
		}
		join := fmt.Sprintf("CROSS JOIN json_each(%s) %s", src, u.Alias)
		if b.from == "" {
			b.SetFrom(fmt.Sprintf("json_each(%s) %s", src, u.Alias))
		} else {
			b.AddJoin(join)
		}
	}
	for _, call := range c.Calls {
		name, rows := builtinProcedure(call.Procedure)
		if name == "" {
			return &errs.SemanticError{Message: fmt.Sprintf("unknown procedure %q", call.Procedure)}
		}
		if b.from == "" {
			b.SetFrom(fmt.Sprintf("(%s) %s", rows, call.Yield))
		} else {
			b.AddJoin(fmt.Sprintf("CROSS JOIN (%s) %s", rows, call.Yield))
		}
	}
	return nil
}

// ProjectedColumn names one output column of a SELECT this context
// built, and the binding kind it should carry forward as (BindValue for
// any expression other than a bare node/edge variable passthrough).
type ProjectedColumn struct {
	Name string
	Kind BindingKind

	// HasElementKind marks a collect()ed list column whose elements are
	// known to be node- or edge-shaped (ElementKind holds which); used
	// to pick a table for a later `DELETE list[i]` target.
	HasElementKind bool
	ElementKind    BindingKind
}

// buildSelectSQL renders the current read phase (joins, pending
// UNWIND/CALL rows, and the given projection/modifiers) as one SELECT.
// It does not wrap the result as a Statement: a terminal RETURN uses it
// directly, a WITH nests it as a FROM-subquery for the next phase, and
// an implicit flush ahead of a mutating clause uses a synthetic '*'
// projection.
func (c *Context) buildSelectSQL(
	items []*ast.ProjectionItem, distinct bool,
	orderBy []*ast.OrderItem, skip, limit ast.Expression, where ast.Expression,
) (sql string, cols []ProjectedColumn, err error) {
	// buildJoins runs last (see below): lowering the projection/where/
	// order-by below can still materialize a fresh node/edge alias for a
	// flush-rebound or WITH-carried variable (e.g. a bare "RETURN n"),
	// and that alias only gets its FROM/JOIN entry if buildJoins sees
	// the registration. Builder's setters just accumulate regardless of
	// call order, so this is safe: String() always emits FROM/JOIN
	// ahead of WHERE/SELECT in fixed order.
	b := &Builder{}
	b.SetDistinct(distinct)

	var selectCols []string
	hasAgg := false
	for _, it := range items {
		if it.Star {
			names := make([]string, 0, len(c.Bindings))
			for name, bind := range c.Bindings {
				if bind.Kind != BindNode && bind.Kind != BindEdge && bind.Kind != BindValue {
					continue
				}
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				bind := c.Bindings[name]
				s, err := c.lowerExpr(&ast.Variable{Name: name}, Projection)
				if err != nil {
					return "", nil, err
				}
				selectCols = append(selectCols, fmt.Sprintf("%s AS %s", s, quoteIdent(name)))
				cols = append(cols, ProjectedColumn{Name: name, Kind: bind.Kind})
			}
			continue
		}
		s, err := c.lowerExpr(it.Expr, Projection)
		if err != nil {
			return "", nil, err
		}
		alias := it.Alias
		if alias == "" {
			alias = defaultProjectionName(it.Expr)
		}
		selectCols = append(selectCols, fmt.Sprintf("%s AS %s", s, quoteIdent(alias)))
		kind := BindValue
		if vr, ok := it.Expr.(*ast.Variable); ok {
			if pb := c.variable(vr.Name); pb != nil && (pb.Kind == BindNode || pb.Kind == BindEdge) {
				kind = pb.Kind
			}
		}
		pc := ProjectedColumn{Name: alias, Kind: kind}
		if fc, ok := it.Expr.(*ast.FunctionCall); ok {
			if IsAggregate(fc.Name) {
				hasAgg = true
			}
			if strings.EqualFold(fc.Name, "collect") && len(fc.Args) == 1 {
				if vr, ok := fc.Args[0].(*ast.Variable); ok {
					if eb := c.variable(vr.Name); eb != nil && (eb.Kind == BindNode || eb.Kind == BindEdge) {
						pc.HasElementKind = true
						pc.ElementKind = eb.Kind
					}
				}
			}
		}
		cols = append(cols, pc)
	}
	b.SetSelect(selectCols)

	if hasAgg {
		for _, it := range items {
			if it.Star {
				continue
			}
			if fc, ok := it.Expr.(*ast.FunctionCall); ok && IsAggregate(fc.Name) {
				continue
			}
			s, err := c.lowerExpr(it.Expr, Projection)
			if err != nil {
				return "", nil, err
			}
			b.AddGroupBy(s)
		}
	}

	if where != nil {
		cond, err := c.lowerExpr(where, Scalar)
		if err != nil {
			return "", nil, err
		}
		b.AddWhere(cond)
	}

	for _, o := range orderBy {
		s, err := c.lowerExpr(o.Expr, Scalar)
		if err != nil {
			return "", nil, err
		}
		if o.Desc {
			s += " DESC"
		}
		b.AddOrderBy(s)
	}
	if skip != nil {
		s, err := c.lowerExpr(skip, Scalar)
		if err != nil {
			return "", nil, err
		}
		b.SetOffset(s)
	}
	if limit != nil {
		s, err := c.lowerExpr(limit, Scalar)
		if err != nil {
			return "", nil, err
		}
		b.SetLimit(s)
	}

	if err := c.buildJoins(b); err != nil {
		return "", nil, err
	}
	if err := c.addUnwindCallJoins(b); err != nil {
		return "", nil, err
	}

	return b.String(), cols, nil
}

func columnNames(cols []ProjectedColumn) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func columnKinds(cols []ProjectedColumn) []BindingKind {
	kinds := make([]BindingKind, len(cols))
	for i, c := range cols {
		kinds[i] = c.Kind
	}
	return kinds
}

// translateProjection renders the current read phase as a terminal
// RETURN Statement.
func translateProjection(
	c *Context, items []*ast.ProjectionItem, distinct bool,
	orderBy []*ast.OrderItem, skip, limit ast.Expression, where ast.Expression,
) (*Statement, error) {
	sql, cols, err := c.buildSelectSQL(items, distinct, orderBy, skip, limit, where)
	if err != nil {
		return nil, err
	}
	return &Statement{SQL: sql, Params: c.Params, Kind: KindRead, ReturnColumns: columnNames(cols), ReturnKinds: columnKinds(cols)}, nil
}

// flushIfPending flushes the read phase into plan ahead of a mutating
// clause, if this context has unflushed pattern/iteration state.
func (c *Context) flushIfPending(plan *Plan) error {
	if !c.pendingRead() {
		return nil
	}
	stmt, err := c.flushRead()
	if err != nil {
		return err
	}
	plan.Statements = append(plan.Statements, stmt)
	return nil
}

// pendingRead reports whether this context has accumulated pattern,
// iteration, or WITH-nested state (MATCH/UNWIND/CALL/WITH) that has not
// yet been rendered into a Statement.
func (c *Context) pendingRead() bool {
	if c.SubqueryFrom != "" {
		return true
	}
	for _, b := range c.Bindings {
		if b.CarriedJSON != "" {
			return true
		}
	}
	return len(c.Nodes) > 0 || len(c.Rels) > 0 || len(c.Unwinds) > 0 || len(c.Calls) > 0
}

// flushRead renders the current read phase as a Statement (a '*'
// projection of every bound node/edge/value variable) and rebinds each
// one against that statement's own row, so the mutating statements that
// follow resolve ids via RowRef against whatever the executor reads
// back per row. A later RETURN/WITH in the same query then re-joins
// fresh against the table by that same id rather than replaying joins
// built before the mutation ran, which is how it observes the mutation.
func (c *Context) flushRead() (*Statement, error) {
	sql, cols, err := c.buildSelectSQL([]*ast.ProjectionItem{{Star: true}}, false, nil, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	stmt := &Statement{SQL: sql, Params: c.Params, Kind: KindRead, ReturnColumns: columnNames(cols), ReturnKinds: columnKinds(cols)}

	c.Params = nil
	c.Nodes = make(map[string]*NodeReg)
	c.Rels = nil
	c.relAliases = nil
	c.VarLens = nil
	c.varlenCTEs = nil
	c.standaloneEdges = nil
	c.RequiredWhere = nil
	c.OptionalWhere = nil
	c.Unwinds = nil
	c.Calls = nil
	c.SubqueryFrom = ""

	for _, pc := range cols {
		c.Bindings[pc.Name] = &Binding{Kind: pc.Kind, HasLiteral: true, Literal: RowRef{Variable: pc.Name}}
		if pc.HasElementKind {
			c.ListElementKinds[pc.Name] = pc.ElementKind
		}
	}
	return stmt, nil
}

// nestWith finishes the current read phase as a nested FROM-subquery
// and returns the context for the clauses that follow: per §4.3.3, a
// WITH pushes its projection forward without emitting a Statement of
// its own, since its SQL only ever appears embedded in the next phase.
// A carried node/edge variable resolves through its JSON-shaped column
// (CarriedJSON); a carried scalar resolves through a plain column ref.
func nestWith(c *Context, cl *ast.WithClause) (*Context, error) {
	sql, cols, err := c.buildSelectSQL(cl.Items, cl.Distinct, cl.OrderBy, cl.Skip, cl.Limit, cl.Where)
	if err != nil {
		return nil, err
	}

	nc := NewContext(c.Cfg)
	nc.Params = append([]any{}, c.Params...)
	nc.SubqueryFrom = sql

	for _, pc := range cols {
		colRef := "w." + quoteIdent(pc.Name)
		if pc.Kind == BindNode || pc.Kind == BindEdge {
			nc.Bindings[pc.Name] = &Binding{Kind: pc.Kind, CarriedJSON: colRef}
		} else {
			nc.Bindings[pc.Name] = &Binding{Kind: BindValue, Expr: colRef}
		}
		if pc.HasElementKind {
			nc.ListElementKinds[pc.Name] = pc.ElementKind
		}
	}
	return nc, nil
}

func defaultProjectionName(e ast.Expression) string {
	switch v := e.(type) {
	case *ast.Variable:
		return v.Name
	case *ast.PropertyAccess:
		if vr, ok := v.Target.(*ast.Variable); ok {
			return vr.Name + "_" + v.Prop
		}
		return v.Prop
	case *ast.FunctionCall:
		return strings.ToLower(v.Name)
	default:
		return "expr"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// builtinProcedure maps a supported CALL target to a row-producing
// subquery text. Only the two catalog procedures named by the query
// surface are implemented; anything else is an unknown-procedure error.
func builtinProcedure(name string) (string, string) {
	switch strings.ToLower(name) {
	case "db.labels":
		return name, "SELECT DISTINCT json_each.value AS value FROM nodes, json_each(nodes.label)"
	case "db.relationshiptypes":
		return name, "SELECT DISTINCT type AS value FROM edges"
	default:
		return "", ""
	}
}
