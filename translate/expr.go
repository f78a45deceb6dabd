package translate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cyql-db/cyql/ast"
	"github.com/cyql-db/cyql/errs"
	"github.com/cyql-db/cyql/token"
)

// Mode selects how an expression is lowered: Scalar mode yields a raw
// SQL scalar (for WHERE, arithmetic, comparisons, function arguments);
// Projection mode preserves JSON typing for values that flow straight
// into a result column (bare node/edge variables, property access).
type Mode int

const (
	Scalar Mode = iota
	Projection
)

// lowerExpr lowers e into a SQL fragment under mode. Sub-expressions
// that need raw scalars (arithmetic operands, function arguments,
// comparison sides) always recurse in Scalar mode regardless of the
// caller's mode.
func (c *Context) lowerExpr(e ast.Expression, mode Mode) (string, error) {
	switch v := e.(type) {
	case *ast.IntLiteral:
		// Integer literals are inlined to preserve integer arithmetic,
		// per the translator contract.
		return strconv.FormatInt(v.Value, 10), nil
	case *ast.FloatLiteral:
		return c.addParam(v.Value), nil
	case *ast.StringLiteral:
		return c.addParam(v.Value), nil
	case *ast.BoolLiteral:
		if v.Value {
			return "1", nil
		}
		return "0", nil
	case *ast.NullLiteral:
		return "NULL", nil
	case *ast.Parameter:
		return c.addParam(ParamRef{Name: v.Name}), nil
	case *ast.ListLiteral:
		return c.lowerListLiteral(v)
	case *ast.MapLiteral:
		return c.lowerMapLiteral(v)
	case *ast.Variable:
		return c.lowerVariable(v, mode)
	case *ast.PropertyAccess:
		return c.lowerPropertyAccess(v, mode)
	case *ast.BinaryExpr:
		return c.lowerBinaryExpr(v)
	case *ast.UnaryExpr:
		return c.lowerUnaryExpr(v)
	case *ast.Comparison:
		return c.lowerComparison(v, mode)
	case *ast.IsNullExpr:
		return c.lowerIsNull(v, mode)
	case *ast.InExpr:
		return c.lowerIn(v)
	case *ast.StringPredicate:
		return c.lowerStringPredicate(v)
	case *ast.FunctionCall:
		return c.lowerFunctionCall(v, mode)
	case *ast.CaseExpr:
		return c.lowerCase(v)
	case *ast.ListComprehension:
		return c.lowerListComprehension(v)
	case *ast.ListPredicate:
		return c.lowerListPredicate(v)
	case *ast.LabelPredicate:
		return c.lowerLabelPredicate(v)
	case *ast.IndexExpr:
		return c.lowerIndex(v)
	case *ast.SliceExpr:
		return c.lowerSlice(v)
	case *ast.ExistsPattern:
		return c.lowerExistsPattern(v)
	default:
		return "", &errs.SemanticError{Message: fmt.Sprintf("unsupported expression type %T", e)}
	}
}

// ParamRef marks a named user parameter so the executor can resolve it
// against the caller-supplied parameter map at bind time.
type ParamRef struct{ Name string }

func (c *Context) lowerListLiteral(v *ast.ListLiteral) (string, error) {
	parts := make([]string, len(v.Items))
	for i, it := range v.Items {
		s, err := c.lowerExpr(it, Scalar)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return fmt.Sprintf("json_array(%s)", strings.Join(parts, ", ")), nil
}

func (c *Context) lowerMapLiteral(v *ast.MapLiteral) (string, error) {
	parts := make([]string, 0, len(v.Keys)*2)
	for i, k := range v.Keys {
		kp := c.addParam(k) // the key's placeholder precedes the value's in the text
		s, err := c.lowerExpr(v.Values[i], Scalar)
		if err != nil {
			return "", err
		}
		parts = append(parts, kp, s)
	}
	return fmt.Sprintf("json_object(%s)", strings.Join(parts, ", ")), nil
}

// lowerVariable handles a bare bound variable: a node/edge projects as
// the identity-preserving JSON object; anything else is the SQL
// identity of the binding (id column, unwind value expr, ...).
func (c *Context) lowerVariable(v *ast.Variable, mode Mode) (string, error) {
	b := c.variable(v.Name)
	if b == nil {
		return "", &errs.SemanticError{Message: fmt.Sprintf("variable %q is not bound", v.Name)}
	}
	switch b.Kind {
	case BindNode, BindEdge:
		if b.Alias == "" && b.CarriedJSON != "" {
			if mode == Projection {
				return b.CarriedJSON, nil
			}
			return fmt.Sprintf("json_extract(%s, '$._nf_id')", b.CarriedJSON), nil
		}
		if b.needsMaterialize() {
			c.materializeAlias(b, v.Name, false)
		}
		if mode == Projection {
			// _nf_id rides inside the JSON value, so it survives
			// UNION/GROUP BY;
			// _nf_label/_nf_type ride along so row shaping can
			// synthesize the public id+label/id+type fields without a
			// second round trip to the store.
			tagKey, tagExpr := "$._nf_label", fmt.Sprintf("json(coalesce(%s.label,'[]'))", b.Alias)
			if b.Kind == BindEdge {
				tagKey, tagExpr = "$._nf_type", fmt.Sprintf("%s.type", b.Alias)
			}
			return fmt.Sprintf(
				"CASE WHEN %s.id IS NULL THEN NULL ELSE json_set(json_set(coalesce(%s.properties,'{}'),'$._nf_id',%s.id),'%s',%s) END",
				b.Alias, b.Alias, b.Alias, tagKey, tagExpr), nil
		}
		return b.Alias + ".id", nil
	case BindValue:
		if b.HasLiteral {
			return c.addParam(b.Literal), nil
		}
		return b.Expr, nil
	default:
		return "", &errs.SemanticError{Message: fmt.Sprintf("variable %q cannot be used as a scalar here", v.Name)}
	}
}

// resolveAlias returns the SQL alias backing a node/edge variable,
// materializing a fresh table join for a seeded (cross-phase) binding
// that hasn't been referenced by a pattern in this phase yet.
func (c *Context) resolveAlias(name string) (string, error) {
	b := c.variable(name)
	if b == nil || (b.Kind != BindNode && b.Kind != BindEdge) {
		return "", &errs.SemanticError{Message: fmt.Sprintf("variable %q is not a bound node or relationship", name)}
	}
	if b.Alias != "" {
		return b.Alias, nil
	}
	if !b.needsMaterialize() {
		return "", &errs.SemanticError{Message: fmt.Sprintf("variable %q is not bound", name)}
	}
	return c.materializeAlias(b, name, false), nil
}

// standaloneEdge is a bare edge variable materialized by resolveAlias
// outside of any relationship pattern (rare: an edge carried across a
// phase boundary and referenced only by property, never re-matched).
type standaloneEdge struct{ alias string }

func (c *Context) lowerPropertyAccess(v *ast.PropertyAccess, mode Mode) (string, error) {
	if vr, ok := v.Target.(*ast.Variable); ok {
		if b := c.variable(vr.Name); b != nil && (b.Kind == BindNode || b.Kind == BindEdge) {
			path := "$." + jsonPathKey(v.Prop)
			if b.Alias == "" && b.CarriedJSON != "" {
				if mode == Projection {
					return fmt.Sprintf("(%s -> '%s')", b.CarriedJSON, path), nil
				}
				return fmt.Sprintf("json_extract(%s, '%s')", b.CarriedJSON, path), nil
			}
			if b.needsMaterialize() {
				c.materializeAlias(b, vr.Name, false)
			}
			if mode == Projection {
				return fmt.Sprintf("(%s.properties -> '%s')", b.Alias, path), nil
			}
			return fmt.Sprintf("json_extract(%s.properties, '%s')", b.Alias, path), nil
		}
	}
	// Chained access on a map-valued expression.
	target, err := c.lowerExpr(v.Target, Scalar)
	if err != nil {
		return "", err
	}
	path := "$." + jsonPathKey(v.Prop)
	if mode == Projection {
		return fmt.Sprintf("(%s -> '%s')", target, path), nil
	}
	return fmt.Sprintf("json_extract(%s, '%s')", target, path), nil
}

// jsonPathKey is safe to inline because the parser guarantees property
// names are identifier-shaped tokens, never raw user input.
func jsonPathKey(name string) string {
	return name
}

func (c *Context) lowerBinaryExpr(v *ast.BinaryExpr) (string, error) {
	left, err := c.lowerExpr(v.Left, Scalar)
	if err != nil {
		return "", err
	}
	right, err := c.lowerExpr(v.Right, Scalar)
	if err != nil {
		return "", err
	}
	switch v.Op {
	case token.AND:
		return fmt.Sprintf("(%s AND %s)", left, right), nil
	case token.OR:
		return fmt.Sprintf("(%s OR %s)", left, right), nil
	case token.XOR:
		return fmt.Sprintf("((%s <> 0) <> (%s <> 0))", left, right), nil
	case token.CARET:
		return fmt.Sprintf("POWER(%s, %s)", left, right), nil
	case token.PLUS:
		if isListExpr(v.Left) || isListExpr(v.Right) {
			return fmt.Sprintf(
				"(SELECT json_group_array(value) FROM (SELECT value FROM json_each(%s) UNION ALL SELECT value FROM json_each(%s)))",
				left, right), nil
		}
		return fmt.Sprintf("(%s + %s)", left, right), nil
	case token.MINUS:
		return fmt.Sprintf("(%s - %s)", left, right), nil
	case token.ASTERISK:
		return fmt.Sprintf("(%s * %s)", left, right), nil
	case token.SLASH:
		return fmt.Sprintf("(%s / %s)", left, right), nil
	case token.PERCENT:
		return fmt.Sprintf("(%s %% %s)", left, right), nil
	default:
		return "", &errs.SemanticError{Message: "unsupported binary operator"}
	}
}

func isListExpr(e ast.Expression) bool {
	switch e.(type) {
	case *ast.ListLiteral, *ast.ListComprehension:
		return true
	default:
		return false
	}
}

func (c *Context) lowerUnaryExpr(v *ast.UnaryExpr) (string, error) {
	right, err := c.lowerExpr(v.Right, Scalar)
	if err != nil {
		return "", err
	}
	switch v.Op {
	case token.MINUS:
		return fmt.Sprintf("(-%s)", right), nil
	case token.NOT:
		return fmt.Sprintf("(NOT %s)", right), nil
	default:
		return "", &errs.SemanticError{Message: "unsupported unary operator"}
	}
}

func (c *Context) lowerComparison(v *ast.Comparison, mode Mode) (string, error) {
	left, err := c.lowerExpr(v.Left, Scalar)
	if err != nil {
		return "", err
	}
	right, err := c.lowerExpr(v.Right, Scalar)
	if err != nil {
		return "", err
	}
	op := map[token.Type]string{
		token.EQ: "=", token.NEQ: "<>", token.LT: "<",
		token.GT: ">", token.LTE: "<=", token.GTE: ">=",
	}[v.Op]
	cmp := fmt.Sprintf("(%s %s %s)", left, op, right)
	if mode == Projection {
		return fmt.Sprintf("(CASE WHEN %s THEN json('true') ELSE json('false') END)", cmp), nil
	}
	return cmp, nil
}

func (c *Context) lowerIsNull(v *ast.IsNullExpr, mode Mode) (string, error) {
	target, err := c.lowerExpr(v.Target, Scalar)
	if err != nil {
		return "", err
	}
	op := "IS NULL"
	if v.Not {
		op = "IS NOT NULL"
	}
	cmp := fmt.Sprintf("(%s %s)", target, op)
	if mode == Projection {
		return fmt.Sprintf("(CASE WHEN %s THEN json('true') ELSE json('false') END)", cmp), nil
	}
	return cmp, nil
}

func (c *Context) lowerIn(v *ast.InExpr) (string, error) {
	left, err := c.lowerExpr(v.Left, Scalar)
	if err != nil {
		return "", err
	}
	list, err := c.lowerExpr(v.Right, Scalar)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = %s)", list, left), nil
}

func (c *Context) lowerStringPredicate(v *ast.StringPredicate) (string, error) {
	left, err := c.lowerExpr(v.Left, Scalar)
	if err != nil {
		return "", err
	}
	right, err := c.lowerExpr(v.Right, Scalar)
	if err != nil {
		return "", err
	}
	switch v.Kind {
	case token.CONTAINS:
		return fmt.Sprintf("(instr(%s, %s) > 0)", left, right), nil
	case token.STARTS:
		return fmt.Sprintf("(substr(%s, 1, length(%s)) = %s)", left, right, right), nil
	case token.ENDS:
		return fmt.Sprintf("(substr(%s, -length(%s)) = %s)", left, right, right), nil
	default:
		return "", &errs.SemanticError{Message: "unsupported string predicate"}
	}
}

func (c *Context) lowerIndex(v *ast.IndexExpr) (string, error) {
	list, err := c.lowerExpr(v.List, Scalar)
	if err != nil {
		return "", err
	}
	idx, err := c.lowerExpr(v.Index, Scalar)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("json_extract(%s, '$[' || cast(%s as int) || ']')", list, idx), nil
}

func (c *Context) lowerSlice(v *ast.SliceExpr) (string, error) {
	list, err := c.lowerExpr(v.List, Scalar)
	if err != nil {
		return "", err
	}
	from := "0"
	if v.From != nil {
		from, err = c.lowerExpr(v.From, Scalar)
		if err != nil {
			return "", err
		}
	}
	var toClause string
	if v.To != nil {
		to, err := c.lowerExpr(v.To, Scalar)
		if err != nil {
			return "", err
		}
		toClause = fmt.Sprintf(" AND json_each.key < %s", to)
	}
	return fmt.Sprintf(
		"(SELECT json_group_array(json_each.value) FROM json_each(%s) WHERE json_each.key >= %s%s)",
		list, from, toClause), nil
}

func (c *Context) lowerLabelPredicate(v *ast.LabelPredicate) (string, error) {
	alias, err := c.resolveAlias(v.Var)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(v.Labels))
	for i, l := range v.Labels {
		p := c.addParam(l)
		parts[i] = fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s.label) WHERE json_each.value = %s)", alias, p)
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

func (c *Context) lowerExistsPattern(v *ast.ExistsPattern) (string, error) {
	chain := v.Pattern
	if len(chain.Edges) != 1 {
		return "", &errs.SemanticError{Message: "EXISTS(pattern) supports a single relationship hop"}
	}
	src := chain.Nodes[0]
	dst := chain.Nodes[1]
	edge := chain.Edges[0]

	srcAlias, err := c.resolveAlias(src.Variable)
	if err != nil {
		return "", err
	}

	var typePred string
	if len(edge.Types) == 1 {
		typePred = fmt.Sprintf("e.type = %s", c.addParam(edge.Types[0]))
	} else if len(edge.Types) > 1 {
		ph := make([]string, len(edge.Types))
		for i, t := range edge.Types {
			ph[i] = c.addParam(t)
		}
		typePred = fmt.Sprintf("e.type IN (%s)", strings.Join(ph, ", "))
	}

	endpointPred := func(srcCol, dstCol string) string {
		preds := []string{fmt.Sprintf("e.%s = %s.id", srcCol, srcAlias)}
		if dst.Variable != "" {
			if dstAlias, err := c.resolveAlias(dst.Variable); err == nil {
				preds = append(preds, fmt.Sprintf("e.%s = %s.id", dstCol, dstAlias))
			}
		}
		if typePred != "" {
			preds = append(preds, typePred)
		}
		return "(" + strings.Join(preds, " AND ") + ")"
	}

	var cond string
	switch edge.Dir {
	case ast.DirRight:
		cond = endpointPred("source_id", "target_id")
	case ast.DirLeft:
		cond = endpointPred("target_id", "source_id")
	default:
		// Undirected: accept either orientation, per §4.3.2.
		cond = endpointPred("source_id", "target_id") + " OR " + endpointPred("target_id", "source_id")
	}

	return fmt.Sprintf("EXISTS (SELECT 1 FROM edges e WHERE %s)", cond), nil
}
