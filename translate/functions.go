package translate

import (
	"fmt"
	"strings"

	"github.com/cyql-db/cyql/ast"
	"github.com/cyql-db/cyql/errs"
	"github.com/cyql-db/cyql/token"
)

// aggregateFns names the functions that require GROUP BY semantics
// from the enclosing projection; the clause lowerer consults this to
// decide whether a RETURN/WITH needs a GROUP BY at all.
var aggregateFns = map[string]bool{
	"count": true, "collect": true, "sum": true, "avg": true,
	"min": true, "max": true, "percentilecont": true, "percentiledisc": true,
	"stdev": true, "stdevp": true,
}

func IsAggregate(name string) bool {
	return aggregateFns[strings.ToLower(name)]
}

func (c *Context) lowerFunctionCall(v *ast.FunctionCall, mode Mode) (string, error) {
	name := strings.ToLower(v.Name)

	// id()/labels()/type() operate on a bound
	// node/edge variable and read structural columns directly.
	switch name {
	case "id":
		return c.lowerIdentityFn(v)
	case "labels":
		return c.lowerLabelsFn(v)
	case "type":
		return c.lowerTypeFn(v)
	case "properties":
		return c.lowerPropertiesFn(v)
	case "count":
		return c.lowerCount(v)
	case "collect":
		return c.lowerCollect(v)
	case "size":
		return c.lowerSizeFn(v)
	}
	if aggregateFns[name] {
		return c.lowerSimpleAggregate(name, v)
	}

	args := make([]string, len(v.Args))
	for i, a := range v.Args {
		s, err := c.lowerExpr(a, Scalar)
		if err != nil {
			return "", err
		}
		args[i] = s
	}

	switch name {
	case "tostring":
		return fmt.Sprintf("cast(%s as text)", args[0]), nil
	case "tointeger":
		return fmt.Sprintf("cast(%s as integer)", args[0]), nil
	case "tofloat":
		return fmt.Sprintf("cast(%s as real)", args[0]), nil
	case "toupper":
		return fmt.Sprintf("upper(%s)", args[0]), nil
	case "tolower":
		return fmt.Sprintf("lower(%s)", args[0]), nil
	case "trim":
		return fmt.Sprintf("trim(%s)", args[0]), nil
	case "ltrim":
		return fmt.Sprintf("ltrim(%s)", args[0]), nil
	case "rtrim":
		return fmt.Sprintf("rtrim(%s)", args[0]), nil
	case "replace":
		return fmt.Sprintf("replace(%s, %s, %s)", args[0], args[1], args[2]), nil
	case "substring":
		if len(args) == 2 {
			return fmt.Sprintf("substr(%s, %s + 1)", args[0], args[1]), nil
		}
		return fmt.Sprintf("substr(%s, %s + 1, %s)", args[0], args[1], args[2]), nil
	case "left":
		return fmt.Sprintf("substr(%s, 1, %s)", args[0], args[1]), nil
	case "right":
		return fmt.Sprintf("substr(%s, -%s)", args[0], args[1]), nil
	case "reverse":
		return fmt.Sprintf("(SELECT group_concat(value, '') FROM (SELECT value FROM json_each(json_array(%s)) ORDER BY key DESC))", args[0]), nil
	case "split":
		return fmt.Sprintf("(SELECT json_group_array(value) FROM json_each('[\"' || replace(%s, %s, '\",\"') || '\"]'))", args[0], args[1]), nil
	case "abs":
		return fmt.Sprintf("abs(%s)", args[0]), nil
	case "ceil":
		return fmt.Sprintf("(CAST(%s AS INT) + (%s > CAST(%s AS INT)))", args[0], args[0], args[0]), nil
	case "floor":
		return fmt.Sprintf("CAST(%s AS INT)", args[0]), nil
	case "round":
		return fmt.Sprintf("round(%s)", args[0]), nil
	case "sqrt":
		return fmt.Sprintf("sqrt(%s)", args[0]), nil
	case "sign":
		return fmt.Sprintf("(CASE WHEN %s > 0 THEN 1 WHEN %s < 0 THEN -1 ELSE 0 END)", args[0], args[0]), nil
	case "rand":
		return "(abs(random()) / 9223372036854775807.0)", nil
	case "coalesce":
		return fmt.Sprintf("coalesce(%s)", strings.Join(args, ", ")), nil
	case "keys":
		return fmt.Sprintf("(SELECT json_group_array(key) FROM json_each(%s))", args[0]), nil
	case "range":
		if len(args) == 2 {
			return fmt.Sprintf(
				"(SELECT json_group_array(value) FROM (WITH RECURSIVE seq(value) AS (SELECT %s UNION ALL SELECT value+1 FROM seq WHERE value < %s) SELECT value FROM seq))",
				args[0], args[1]), nil
		}
		return fmt.Sprintf(
			"(SELECT json_group_array(value) FROM (WITH RECURSIVE seq(value) AS (SELECT %s UNION ALL SELECT value+%s FROM seq WHERE (%s > 0 AND value+%s <= %s) OR (%s < 0 AND value+%s >= %s)) SELECT value FROM seq))",
			args[0], args[2], args[2], args[2], args[1], args[2], args[2], args[1]), nil
	case "head":
		return fmt.Sprintf("json_extract(%s, '$[0]')", args[0]), nil
	case "last":
		return fmt.Sprintf("json_extract(%s, '$[' || (json_array_length(%s)-1) || ']')", args[0], args[0]), nil
	case "tail":
		return fmt.Sprintf("(SELECT json_group_array(value) FROM json_each(%s) WHERE key > 0)", args[0]), nil
	default:
		return "", &errs.SemanticError{Message: fmt.Sprintf("unknown function %q", v.Name)}
	}
}

func (c *Context) fnTargetVariable(v *ast.FunctionCall, fn string) (*ast.Variable, error) {
	if len(v.Args) != 1 {
		return nil, &errs.SemanticError{Message: fmt.Sprintf("%s() takes exactly one argument", fn)}
	}
	vr, ok := v.Args[0].(*ast.Variable)
	if !ok {
		return nil, &errs.SemanticError{Message: fmt.Sprintf("%s() requires a bound node or relationship variable", fn)}
	}
	return vr, nil
}

func (c *Context) lowerIdentityFn(v *ast.FunctionCall) (string, error) {
	vr, err := c.fnTargetVariable(v, "id")
	if err != nil {
		return "", err
	}
	alias, err := c.resolveAlias(vr.Name)
	if err != nil {
		return "", err
	}
	return alias + ".id", nil
}

func (c *Context) lowerLabelsFn(v *ast.FunctionCall) (string, error) {
	vr, err := c.fnTargetVariable(v, "labels")
	if err != nil {
		return "", err
	}
	alias, err := c.resolveAlias(vr.Name)
	if err != nil {
		return "", err
	}
	return alias + ".label", nil
}

func (c *Context) lowerTypeFn(v *ast.FunctionCall) (string, error) {
	vr, err := c.fnTargetVariable(v, "type")
	if err != nil {
		return "", err
	}
	alias, err := c.resolveAlias(vr.Name)
	if err != nil {
		return "", err
	}
	return alias + ".type", nil
}

func (c *Context) lowerPropertiesFn(v *ast.FunctionCall) (string, error) {
	vr, err := c.fnTargetVariable(v, "properties")
	if err != nil {
		return "", err
	}
	alias, err := c.resolveAlias(vr.Name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("coalesce(%s.properties, '{}')", alias), nil
}

func (c *Context) lowerSizeFn(v *ast.FunctionCall) (string, error) {
	if len(v.Args) != 1 {
		return "", &errs.SemanticError{Message: "size() takes exactly one argument"}
	}
	arg, err := c.lowerExpr(v.Args[0], Scalar)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("json_array_length(%s)", arg), nil
}

func (c *Context) lowerCount(v *ast.FunctionCall) (string, error) {
	if len(v.Args) == 1 {
		if vr, ok := v.Args[0].(*ast.Variable); ok && vr.Name == "*" {
			return "COUNT(*)", nil
		}
	}
	arg, err := c.lowerExpr(v.Args[0], Scalar)
	if err != nil {
		return "", err
	}
	if v.Distinct {
		return fmt.Sprintf("COUNT(DISTINCT %s)", arg), nil
	}
	return fmt.Sprintf("COUNT(%s)", arg), nil
}

func (c *Context) lowerCollect(v *ast.FunctionCall) (string, error) {
	arg, err := c.lowerExpr(v.Args[0], Projection)
	if err != nil {
		return "", err
	}
	if v.Distinct {
		return fmt.Sprintf("json_group_array(DISTINCT %s)", arg), nil
	}
	return fmt.Sprintf("json_group_array(%s)", arg), nil
}

func (c *Context) lowerSimpleAggregate(name string, v *ast.FunctionCall) (string, error) {
	arg, err := c.lowerExpr(v.Args[0], Scalar)
	if err != nil {
		return "", err
	}
	sqlFn := map[string]string{
		"sum": "SUM", "avg": "AVG", "min": "MIN", "max": "MAX",
		"stdev": "STDEV_SAMP", "stdevp": "STDEV_POP",
		"percentilecont": "PERCENTILE_CONT", "percentiledisc": "PERCENTILE_DISC",
	}[name]
	if v.Distinct {
		return fmt.Sprintf("%s(DISTINCT %s)", sqlFn, arg), nil
	}
	return fmt.Sprintf("%s(%s)", sqlFn, arg), nil
}

func (c *Context) lowerCase(v *ast.CaseExpr) (string, error) {
	var sb strings.Builder
	sb.WriteString("(CASE")
	if v.Test != nil {
		test, err := c.lowerExpr(v.Test, Scalar)
		if err != nil {
			return "", err
		}
		sb.WriteString(" " + test)
	}
	for _, w := range v.Whens {
		cond, err := c.lowerExpr(w.Cond, Scalar)
		if err != nil {
			return "", err
		}
		res, err := c.lowerExpr(w.Result, Scalar)
		if err != nil {
			return "", err
		}
		sb.WriteString(fmt.Sprintf(" WHEN %s THEN %s", cond, res))
	}
	if v.Else != nil {
		els, err := c.lowerExpr(v.Else, Scalar)
		if err != nil {
			return "", err
		}
		sb.WriteString(" ELSE " + els)
	}
	sb.WriteString(" END)")
	return sb.String(), nil
}

// lowerListComprehension and lowerListPredicate both iterate a list via
// json_each inside a correlated subquery; the loop variable is bound as
// a BindValue binding for the duration of the sub-lowering, then
// removed so it can't leak into the enclosing scope.
func (c *Context) withLoopVar(name, expr string, fn func() (string, error)) (string, error) {
	prev, had := c.Bindings[name]
	c.Bindings[name] = &Binding{Kind: BindValue, Expr: expr}
	res, err := fn()
	if had {
		c.Bindings[name] = prev
	} else {
		delete(c.Bindings, name)
	}
	return res, err
}

func (c *Context) lowerListComprehension(v *ast.ListComprehension) (string, error) {
	list, err := c.lowerExpr(v.List, Scalar)
	if err != nil {
		return "", err
	}
	alias := c.freshAlias("lc")
	var where, mapExpr string
	var werr, merr error
	_, err = c.withLoopVar(v.Var, alias+".value", func() (string, error) {
		if v.Where != nil {
			where, werr = c.lowerExpr(v.Where, Scalar)
		}
		if v.Map != nil {
			mapExpr, merr = c.lowerExpr(v.Map, Scalar)
		} else {
			mapExpr = alias + ".value"
		}
		return "", nil
	})
	if err != nil {
		return "", err
	}
	if werr != nil {
		return "", werr
	}
	if merr != nil {
		return "", merr
	}
	whereClause := ""
	if where != "" {
		whereClause = " WHERE " + where
	}
	return fmt.Sprintf("(SELECT json_group_array(%s) FROM json_each(%s) %s%s)", mapExpr, list, alias, whereClause), nil
}

func (c *Context) lowerListPredicate(v *ast.ListPredicate) (string, error) {
	list, err := c.lowerExpr(v.List, Scalar)
	if err != nil {
		return "", err
	}
	alias := c.freshAlias("lp")
	var cond string
	var cerr error
	_, err = c.withLoopVar(v.Var, alias+".value", func() (string, error) {
		cond, cerr = c.lowerExpr(v.Where, Scalar)
		return "", nil
	})
	if err != nil {
		return "", err
	}
	if cerr != nil {
		return "", cerr
	}
	switch v.Kind {
	case token.ALL:
		return fmt.Sprintf("(NOT EXISTS (SELECT 1 FROM json_each(%s) %s WHERE NOT (%s)))", list, alias, cond), nil
	case token.ANY:
		return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) %s WHERE %s)", list, alias, cond), nil
	case token.NONE:
		return fmt.Sprintf("(NOT EXISTS (SELECT 1 FROM json_each(%s) %s WHERE %s))", list, alias, cond), nil
	case token.SINGLE:
		return fmt.Sprintf("((SELECT COUNT(*) FROM json_each(%s) %s WHERE %s) = 1)", list, alias, cond), nil
	default:
		return "", &errs.SemanticError{Message: "unsupported list predicate"}
	}
}
