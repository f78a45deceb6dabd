package translate

import "strings"

// Builder accumulates the clauses of a single SELECT in lockstep with
// its positional parameter vector, emitting the final SQL text only
// when String is called. This mirrors the small SQL-assembly builders
// the design favors over ad-hoc string concatenation scattered across
// the planner.
type Builder struct {
	ctes    []string // fully-formed "name AS (...)" fragments, in dependency order
	selects []string
	from    string
	joins   []string
	wheres  []string
	groupBy []string
	orderBy []string
	limit   string
	offset  string
	distinct bool
}

func (b *Builder) AddCTE(fragment string) { b.ctes = append(b.ctes, fragment) }
func (b *Builder) SetFrom(expr string)     { b.from = expr }
func (b *Builder) AddJoin(fragment string) { b.joins = append(b.joins, fragment) }
func (b *Builder) AddWhere(cond string) {
	if cond != "" {
		b.wheres = append(b.wheres, cond)
	}
}
func (b *Builder) SetSelect(cols []string) { b.selects = cols }
func (b *Builder) AddGroupBy(expr string)  { b.groupBy = append(b.groupBy, expr) }
func (b *Builder) AddOrderBy(expr string)  { b.orderBy = append(b.orderBy, expr) }
func (b *Builder) SetLimit(expr string)    { b.limit = expr }
func (b *Builder) SetOffset(expr string)   { b.offset = expr }
func (b *Builder) SetDistinct(v bool)      { b.distinct = v }

// String renders the accumulated parts into one SQL statement.
func (b *Builder) String() string {
	var sb strings.Builder
	if len(b.ctes) > 0 {
		sb.WriteString("WITH RECURSIVE ")
		sb.WriteString(strings.Join(b.ctes, ", "))
		sb.WriteString(" ")
	}
	sb.WriteString("SELECT ")
	if b.distinct {
		sb.WriteString("DISTINCT ")
	}
	if len(b.selects) == 0 {
		sb.WriteString("1")
	} else {
		sb.WriteString(strings.Join(b.selects, ", "))
	}
	if b.from != "" {
		sb.WriteString(" FROM ")
		sb.WriteString(b.from)
	}
	for _, j := range b.joins {
		sb.WriteString(" ")
		sb.WriteString(j)
	}
	if len(b.wheres) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.wheres, " AND "))
	}
	if len(b.groupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(b.groupBy, ", "))
	}
	if len(b.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(b.orderBy, ", "))
	}
	if b.limit != "" {
		sb.WriteString(" LIMIT ")
		sb.WriteString(b.limit)
	}
	if b.offset != "" {
		sb.WriteString(" OFFSET ")
		sb.WriteString(b.offset)
	}
	return sb.String()
}
