package translate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cyql-db/cyql/ast"
	"github.com/cyql-db/cyql/errs"
	"github.com/cyql-db/cyql/token"
)

// translateSet lowers a SET clause (or an ON CREATE/ON MATCH item list)
// into one UPDATE statement per item, keyed to the executor-resolved
// identity of the variable each item targets.
func translateSet(c *Context, items []*ast.SetItem) ([]*Statement, error) {
	stmts := make([]*Statement, 0, len(items))
	for _, item := range items {
		stmt, err := c.translateSetItem(item)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func (c *Context) translateSetItem(item *ast.SetItem) (*Statement, error) {
	b := c.variable(item.Variable)
	if b == nil || (b.Kind != BindNode && b.Kind != BindEdge) {
		return nil, &errs.SemanticError{Message: fmt.Sprintf("SET target %q is not a bound node or relationship", item.Variable)}
	}
	table := "nodes"
	if b.Kind == BindEdge {
		table = "edges"
	}
	ref, err := c.targetRef(item.Variable)
	if err != nil {
		return nil, err
	}

	switch item.Kind {
	case ast.SetProperty:
		return c.setProperty(table, item, ref)
	case ast.SetReplace:
		return c.setReplace(table, item, ref)
	case ast.SetMerge:
		return c.setMerge(table, item, ref)
	case ast.SetLabels:
		if b.Kind != BindNode {
			return nil, &errs.SemanticError{Message: "labels can only be set on a node"}
		}
		return c.setLabels(item, ref)
	default:
		return nil, &errs.SemanticError{Message: "unsupported SET form"}
	}
}

func (c *Context) setProperty(table string, item *ast.SetItem, ref any) (*Statement, error) {
	var params []any
	valSQL, err := lowerSetScalar(item.Variable, item.Value, &params)
	if err != nil {
		return nil, err
	}
	key := jsonPathKey(item.Property)
	sql := fmt.Sprintf(
		"UPDATE %s SET properties = CASE WHEN (%s) IS NULL THEN json_remove(coalesce(properties,'{}'), '$.%s') ELSE json_set(coalesce(properties,'{}'), '$.%s', (%s)) END WHERE id = ?",
		table, valSQL, key, key, valSQL)
	// The CASE expression repeats valSQL, so its params (and placeholders)
	// must appear twice, once per occurrence, before the trailing id ref.
	all := append(append([]any{}, params...), params...)
	all = append(all, ref)
	return &Statement{SQL: sql, Params: all, Kind: KindSet}, nil
}

func (c *Context) setReplace(table string, item *ast.SetItem, ref any) (*Statement, error) {
	m, ok := item.Value.(*ast.MapLiteral)
	if !ok {
		return nil, &errs.SemanticError{Message: "'n = {...}' requires a map literal"}
	}
	var params []any
	objSQL, err := lowerSetMapLiteral(item.Variable, m, &params)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(
		"UPDATE %s SET properties = (SELECT json_group_object(key, value) FROM json_each(%s) WHERE value IS NOT NULL) WHERE id = ?",
		table, objSQL)
	params = append(params, ref)
	return &Statement{SQL: sql, Params: params, Kind: KindSet}, nil
}

func (c *Context) setMerge(table string, item *ast.SetItem, ref any) (*Statement, error) {
	m, ok := item.Value.(*ast.MapLiteral)
	if !ok {
		return nil, &errs.SemanticError{Message: "'n += {...}' requires a map literal"}
	}
	var params []any
	objSQL, err := lowerSetMapLiteral(item.Variable, m, &params)
	if err != nil {
		return nil, err
	}
	// json_patch follows RFC 7396 merge-patch semantics: a null value in
	// the patch removes the corresponding key, which is exactly the
	// "null values remove keys" rule this clause form calls for.
	sql := fmt.Sprintf("UPDATE %s SET properties = json_patch(coalesce(properties,'{}'), %s) WHERE id = ?", table, objSQL)
	params = append(params, ref)
	return &Statement{SQL: sql, Params: params, Kind: KindSet}, nil
}

func (c *Context) setLabels(item *ast.SetItem, ref any) (*Statement, error) {
	sql := "UPDATE nodes SET label = (SELECT json_group_array(DISTINCT value) FROM " +
		"(SELECT value FROM json_each(label) UNION SELECT value FROM json_each(?))) WHERE id = ?"
	return &Statement{SQL: sql, Params: []any{LabelsParam{Labels: item.Labels}, ref}, Kind: KindSet}, nil
}

// lowerSetScalar lowers a SET right-hand-side expression standing
// outside of any FROM clause: the only table in scope is the row being
// updated, so property access on the variable being assigned reads the
// unqualified `properties` column. Any other variable reference is
// rejected -- a SET expression may only describe the target's own
// current value plus literals, parameters, and scalar functions.
func lowerSetScalar(selfVar string, e ast.Expression, params *[]any) (string, error) {
	switch v := e.(type) {
	case *ast.IntLiteral:
		return strconv.FormatInt(v.Value, 10), nil
	case *ast.FloatLiteral:
		*params = append(*params, v.Value)
		return "?", nil
	case *ast.StringLiteral:
		*params = append(*params, v.Value)
		return "?", nil
	case *ast.BoolLiteral:
		if v.Value {
			return "1", nil
		}
		return "0", nil
	case *ast.NullLiteral:
		return "NULL", nil
	case *ast.Parameter:
		*params = append(*params, ParamRef{Name: v.Name})
		return "?", nil
	case *ast.PropertyAccess:
		if vr, ok := v.Target.(*ast.Variable); ok && vr.Name == selfVar {
			return fmt.Sprintf("json_extract(properties, '$.%s')", jsonPathKey(v.Prop)), nil
		}
		return "", &errs.SemanticError{Message: "SET expression may only reference the variable being assigned"}
	case *ast.BinaryExpr:
		left, err := lowerSetScalar(selfVar, v.Left, params)
		if err != nil {
			return "", err
		}
		right, err := lowerSetScalar(selfVar, v.Right, params)
		if err != nil {
			return "", err
		}
		op, ok := map[token.Type]string{
			token.PLUS: "+", token.MINUS: "-", token.ASTERISK: "*",
			token.SLASH: "/", token.PERCENT: "%", token.AND: "AND", token.OR: "OR",
		}[v.Op]
		if !ok {
			return "", &errs.SemanticError{Message: "unsupported operator in SET expression"}
		}
		return fmt.Sprintf("(%s %s %s)", left, op, right), nil
	case *ast.UnaryExpr:
		right, err := lowerSetScalar(selfVar, v.Right, params)
		if err != nil {
			return "", err
		}
		if v.Op == token.MINUS {
			return fmt.Sprintf("(-%s)", right), nil
		}
		return fmt.Sprintf("(NOT %s)", right), nil
	case *ast.FunctionCall:
		name := strings.ToLower(v.Name)
		args := make([]string, len(v.Args))
		for i, a := range v.Args {
			s, err := lowerSetScalar(selfVar, a, params)
			if err != nil {
				return "", err
			}
			args[i] = s
		}
		switch name {
		case "coalesce":
			return fmt.Sprintf("coalesce(%s)", strings.Join(args, ", ")), nil
		case "toupper":
			return fmt.Sprintf("upper(%s)", args[0]), nil
		case "tolower":
			return fmt.Sprintf("lower(%s)", args[0]), nil
		case "tostring":
			return fmt.Sprintf("cast(%s as text)", args[0]), nil
		case "tointeger":
			return fmt.Sprintf("cast(%s as integer)", args[0]), nil
		case "tofloat":
			return fmt.Sprintf("cast(%s as real)", args[0]), nil
		default:
			return "", &errs.SemanticError{Message: fmt.Sprintf("function %q is not usable in a SET expression", v.Name)}
		}
	case *ast.CaseExpr:
		var sb strings.Builder
		sb.WriteString("(CASE")
		for _, w := range v.Whens {
			cond, err := lowerSetScalar(selfVar, w.Cond, params)
			if err != nil {
				return "", err
			}
			res, err := lowerSetScalar(selfVar, w.Result, params)
			if err != nil {
				return "", err
			}
			sb.WriteString(fmt.Sprintf(" WHEN %s THEN %s", cond, res))
		}
		if v.Else != nil {
			els, err := lowerSetScalar(selfVar, v.Else, params)
			if err != nil {
				return "", err
			}
			sb.WriteString(" ELSE " + els)
		}
		sb.WriteString(" END)")
		return sb.String(), nil
	default:
		return "", &errs.SemanticError{Message: "unsupported expression in SET"}
	}
}

// lowerSetMapLiteral lowers a `{...}` map literal for SET/MERGE forms
// using the same self-only variable scope as lowerSetScalar.
func lowerSetMapLiteral(selfVar string, m *ast.MapLiteral, params *[]any) (string, error) {
	parts := make([]string, 0, len(m.Keys)*2)
	for i, k := range m.Keys {
		*params = append(*params, k)
		s, err := lowerSetScalar(selfVar, m.Values[i], params)
		if err != nil {
			return "", err
		}
		parts = append(parts, "?", s)
	}
	return fmt.Sprintf("json_object(%s)", strings.Join(parts, ", ")), nil
}
