// Package translate lowers a Cypher ast.Query into an ordered sequence
// of parameterized SQL statements against the two-table (nodes, edges)
// schema, plus the executor-facing shape metadata needed to drive
// multi-phase queries.
package translate

import (
	"fmt"

	"github.com/cyql-db/cyql/ast"
	"github.com/cyql-db/cyql/errs"
)

// BindingKind classifies what a bound query variable refers to.
type BindingKind int

const (
	BindNode BindingKind = iota
	BindEdge
	BindPath
	BindVarLengthEdge
	BindValue // a plain scalar/list/map bound via WITH/UNWIND
)

// Binding is the planning-context record for one bound variable name.
type Binding struct {
	Kind    BindingKind
	Alias   string // SQL table alias ("n0", "e1", ...) for node/edge binds
	CTEName string // recursive CTE name, for BindVarLengthEdge
	Expr    string // SQL expression text, for BindValue (e.g. json_each alias ".value")

	// HasLiteral marks a binding seeded by the executor from an earlier
	// phase's concrete row value (a carried-forward UNWIND element, or a
	// node/edge id resolved by an earlier read phase) rather than one
	// produced by lowering a pattern or expression in this query. A
	// seeded node/edge binding starts with Alias == "" and gets a fresh
	// table join the first time the pattern matcher encounters it again
	// (see lookupOrRegisterNode); a seeded BindValue is substituted as a
	// fresh parameter at every reference.
	HasLiteral bool
	Literal    any

	// CarriedJSON is set on a node/edge variable projected forward across
	// a WITH boundary: the SQL expression (a column of the WITH's nested
	// subquery) holding that variable's already-shaped JSON value
	// (properties merged with "_nf_id"). Property reads and id() lower
	// directly against it; a pattern that re-matches the variable
	// materializes a fresh table join constrained by its extracted id,
	// same as a HasLiteral binding.
	CarriedJSON string
}

// RelPattern is one registered relationship link in traversal order.
type RelPattern struct {
	SourceVar, TargetVar, EdgeVar string
	SourceIsNew, TargetIsNew     bool
	EdgeIsNew                    bool
	Optional                     bool
	Edge                         *ast.EdgePattern
	FirstInChain                 bool
}

// NodeReg is a registered node pattern's constraints, keyed by alias.
type NodeReg struct {
	Variable string
	Alias    string
	Optional bool
	Pattern  *ast.NodePattern
	Standalone bool // not an endpoint of any relationship pattern
}

// UnwindReg is a registered UNWIND source to be CROSS JOINed via
// json_each.
type UnwindReg struct {
	Alias  string // json_each alias, e.g. "u0"
	As     string // bound variable name
	Source ast.Expression
}

// CallReg is a registered CALL procedure binding.
type CallReg struct {
	Procedure string
	Yield     string
	Where     ast.Expression
}

// OptionalCond is a WHERE fragment that must be skipped (treated as
// satisfied) for rows where an optional pattern failed to match, i.e.
// where GuardAlias.id IS NULL.
type OptionalCond struct {
	GuardAlias string
	Cond       string
}

// WithScope captures everything a WITH clause carries forward into the
// next SELECT: projections, and pipeline modifiers.
type WithScope struct {
	Items    []*ast.ProjectionItem
	Distinct bool
	OrderBy  []*ast.OrderItem
	Skip     ast.Expression
	Limit    ast.Expression
	Where    ast.Expression
}

// Context is the per-query, single-threaded mutable planning state
// threaded explicitly through every translate_* entry point -- there is
// no global or thread-local state.
type Context struct {
	Cfg Config

	Bindings map[string]*Binding
	Nodes    map[string]*NodeReg // alias -> node registration
	Rels     []*RelPattern
	relAliases []relAliasSet // resolved SQL aliases, parallel to Rels
	VarLens  []*VarLenReg
	varlenCTEs []string // rendered CTE fragments, parallel to VarLens
	standaloneEdges []standaloneEdge

	RequiredWhere []ast.Expression
	OptionalWhere []OptionalCond // guarded with "<guardAlias>.id IS NULL OR ..." at emission

	Unwinds []*UnwindReg
	Calls   []*CallReg

	// SubqueryFrom, set after a WITH boundary, is the rendered inner
	// SELECT (without its own params re-lowered -- its placeholders are
	// already reflected in this Context's Params prefix) that buildJoins
	// uses as the base FROM in place of iterating Nodes/Rels, since a
	// WITH collapses all prior pattern state into one nested SELECT.
	SubqueryFrom string

	// With is not assigned by the translator: a WITH clause is carried
	// forward through SubqueryFrom and the next Context's Bindings.
	With *WithScope

	// ListElementKinds records, for a BindValue variable holding a
	// collect()ed list, whether its elements are node or edge shaped
	// values -- needed to pick the right table for a later `DELETE
	// list[i]` target, since the column itself carries no static type.
	ListElementKinds map[string]BindingKind

	aliasSeq int
	anonSeq  int
	cteSeq   int
	mergeSeq int

	Params []any // positional parameter values, in emission order
}

// Config carries the query-independent knobs (§9 Open Questions: the
// unbounded variable-length hop cap).
type Config struct {
	MaxHops int
}

// DefaultConfig is used when the caller does not override MaxHops.
func DefaultConfig() Config {
	return Config{MaxHops: 10}
}

// NewContext creates an empty per-query planning context.
func NewContext(cfg Config) *Context {
	return &Context{
		Cfg:              cfg,
		Bindings:         make(map[string]*Binding),
		Nodes:            make(map[string]*NodeReg),
		ListElementKinds: make(map[string]BindingKind),
	}
}

// SeedBinding is one variable the executor carries into a later
// translation phase: a node/edge id resolved by an earlier read phase,
// or a scalar/list/map value from an UNWIND the executor is driving in
// Go rather than in SQL.
type SeedBinding struct {
	Kind    BindingKind
	Literal any
}

// NewSeededContext creates a planning context pre-populated with
// executor-resolved bindings, for translating the clauses that follow
// a multi-phase boundary (a mutation driven per MATCH-bound row, or an
// UNWIND the executor is iterating directly).
func NewSeededContext(cfg Config, seed map[string]SeedBinding) *Context {
	c := NewContext(cfg)
	for name, sb := range seed {
		c.Bindings[name] = &Binding{Kind: sb.Kind, HasLiteral: true, Literal: sb.Literal}
	}
	return c
}

func (c *Context) freshAlias(prefix string) string {
	c.aliasSeq++
	return fmt.Sprintf("%s%d", prefix, c.aliasSeq)
}

func (c *Context) freshCTEName() string {
	c.cteSeq++
	return fmt.Sprintf("path_%d", c.cteSeq)
}

func (c *Context) freshMergeGroup() int {
	c.mergeSeq++
	return c.mergeSeq
}

// addParam appends v to the positional parameter vector and returns its
// placeholder ("?").
func (c *Context) addParam(v any) string {
	c.Params = append(c.Params, v)
	return "?"
}

// lookupOrRegisterNode returns the existing binding for a node variable,
// or registers a fresh one. Anonymous nodes (Variable == "") always get
// a fresh synthetic alias and are never shared.
func (c *Context) lookupOrRegisterNode(n *ast.NodePattern, optional bool) (alias string, isNew bool) {
	if n.Variable != "" {
		if b, ok := c.Bindings[n.Variable]; ok && b.Kind == BindNode {
			if b.Alias != "" {
				return b.Alias, false
			}
			if b.needsMaterialize() {
				alias = c.materializeAlias(b, n.Variable, optional)
				return alias, true
			}
		}
	}
	alias = c.freshAlias("n")
	if n.Variable != "" {
		c.Bindings[n.Variable] = &Binding{Kind: BindNode, Alias: alias}
	}
	c.Nodes[alias] = &NodeReg{Variable: n.Variable, Alias: alias, Optional: optional, Pattern: n, Standalone: true}
	return alias, true
}

// needsMaterialize reports whether a node/edge binding has an identity
// to join on but no table alias yet in this phase: a WITH-carried JSON
// value, an executor-seeded literal id, or a not-yet-inserted NewID key
// (CREATE/MERGE introduced the variable but nothing read it back).
func (b *Binding) needsMaterialize() bool {
	return b.Alias == "" && (b.CarriedJSON != "" || b.HasLiteral || b.Expr != "")
}

// materializeAlias gives a seeded, WITH-carried, or freshly-inserted
// node/edge binding a real table join in this phase, constrained to the
// id it already carries.
func (c *Context) materializeAlias(b *Binding, name string, optional bool) string {
	prefix := "n"
	if b.Kind == BindEdge {
		prefix = "e"
	}
	alias := c.freshAlias(prefix)
	var idExpr string
	switch {
	case b.CarriedJSON != "":
		idExpr = fmt.Sprintf("json_extract(%s, '$._nf_id')", b.CarriedJSON)
	case b.HasLiteral:
		idExpr = c.addParam(b.Literal)
	case b.Expr != "":
		idExpr = c.addParam(NewID{Key: b.Expr})
	default:
		idExpr = "NULL"
	}
	c.addWhere(fmt.Sprintf("%s.id = %s", alias, idExpr), optional, alias)
	b.Alias = alias
	if b.Kind == BindNode {
		c.Nodes[alias] = &NodeReg{Variable: name, Alias: alias, Optional: optional, Pattern: &ast.NodePattern{}, Standalone: true}
	} else {
		c.standaloneEdges = append(c.standaloneEdges, standaloneEdge{alias: alias})
	}
	return alias
}

// variable returns the binding for name, or nil if unbound.
func (c *Context) variable(name string) *Binding {
	return c.Bindings[name]
}

// targetRef resolves a bound variable to the executor-facing id
// placeholder used by mutating statements: a RowRef when the variable
// came from an earlier read phase (it carries a SQL alias), or a NewID
// when it was introduced earlier in this same statement batch (it
// carries an id key instead).
func (c *Context) targetRef(name string) (any, error) {
	b := c.variable(name)
	if b == nil {
		return nil, &errs.SemanticError{Message: fmt.Sprintf("variable %q is not bound", name)}
	}
	switch {
	case b.HasLiteral:
		return b.Literal, nil
	case b.Alias != "":
		return RowRef{Variable: name}, nil
	case b.CarriedJSON != "":
		return nil, &errs.SemanticError{Message: fmt.Sprintf("variable %q must be read again before it can be modified here", name)}
	case b.Expr != "":
		return NewID{Key: b.Expr}, nil
	default:
		return nil, &errs.SemanticError{Message: fmt.Sprintf("variable %q has no resolvable identity", name)}
	}
}
