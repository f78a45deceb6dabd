// Package parser implements a recursive-descent parser for Cypher.
package parser

import (
	"fmt"
	"strconv"

	"github.com/cyql-db/cyql/ast"
	"github.com/cyql-db/cyql/lexer"
	"github.com/cyql-db/cyql/token"
)

// ParseError describes a grammar rule violation. It is never thrown:
// Parse returns it as a plain value.
type ParseError struct {
	Message string
	Pos     int
	Line    int
	Column  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s (line %d, column %d)", e.Message, e.Line, e.Column)
}

// Operator precedence levels, lowest to highest.
const (
	_ int = iota
	LOWEST
	OR_PREC
	XOR_PREC
	AND_PREC
	NOT_PREC
	COMPARE
	ADD_SUB
	MUL_DIV
	POW
	UNARY
	INDEX_CALL
)

var precedences = map[token.Type]int{
	token.OR:       OR_PREC,
	token.XOR:      XOR_PREC,
	token.AND:      AND_PREC,
	token.EQ:       COMPARE,
	token.NEQ:      COMPARE,
	token.LT:       COMPARE,
	token.GT:       COMPARE,
	token.LTE:      COMPARE,
	token.GTE:      COMPARE,
	token.IN:       COMPARE,
	token.IS:       COMPARE,
	token.CONTAINS: COMPARE,
	token.STARTS:   COMPARE,
	token.ENDS:     COMPARE,
	token.PLUS:     ADD_SUB,
	token.MINUS:    ADD_SUB,
	token.ASTERISK: MUL_DIV,
	token.SLASH:    MUL_DIV,
	token.PERCENT:  MUL_DIV,
	token.CARET:    POW,
	token.LBRACKET: INDEX_CALL,
	token.DOT:      INDEX_CALL,
}

type (
	prefixParseFn func() ast.Expression
	infixParseFn  func(ast.Expression) ast.Expression
)

// Parser is a hand-written recursive-descent Cypher parser. It never
// panics and never partially mutates its result: Parse returns either a
// complete *ast.Query or a single *ParseError.
type Parser struct {
	toks []token.Token // fully materialized so the parser can backtrack
	idx  int           // index of cur within toks
	cur  token.Token
	pk   token.Token

	err *ParseError

	prefixFns map[token.Type]prefixParseFn
	infixFns  map[token.Type]infixParseFn

	anonCounter int // synthesizes variables for anonymous chained nodes, per parser instance
}

// New creates a Parser reading tokens from l. The lexer is drained
// up front so prefix handlers can backtrack (save/restore idx) when
// disambiguating grammar, e.g. `(v:Label)` as a label predicate vs a
// grouped expression.
func New(l *lexer.Lexer) *Parser {
	p := &Parser{}
	for {
		t := l.NextToken()
		p.toks = append(p.toks, t)
		if t.Type == token.EOF {
			break
		}
	}
	p.prefixFns = make(map[token.Type]prefixParseFn)
	p.infixFns = make(map[token.Type]infixParseFn)

	p.registerPrefix(token.IDENT, p.parseIdentifierOrFunctionCall)
	p.registerPrefix(token.PARAM, p.parseParameter)
	p.registerPrefix(token.INT, p.parseIntLiteral)
	p.registerPrefix(token.FLOAT, p.parseFloatLiteral)
	p.registerPrefix(token.STRING, p.parseStringLiteral)
	p.registerPrefix(token.TRUE, p.parseBoolLiteral)
	p.registerPrefix(token.FALSE, p.parseBoolLiteral)
	p.registerPrefix(token.NULL, p.parseNullLiteral)
	p.registerPrefix(token.LBRACKET, p.parseBracketExpr)
	p.registerPrefix(token.LBRACE, p.parseMapLiteralExpr)
	p.registerPrefix(token.LPAREN, p.parseParenOrPatternExpr)
	p.registerPrefix(token.MINUS, p.parseUnaryExpr)
	p.registerPrefix(token.NOT, p.parseUnaryExpr)
	p.registerPrefix(token.CASE, p.parseCaseExpr)
	p.registerPrefix(token.EXISTS, p.parseExistsExpr)
	p.registerPrefix(token.ALL, p.parseListPredicate)
	p.registerPrefix(token.ANY, p.parseListPredicate)
	p.registerPrefix(token.NONE, p.parseListPredicate)
	p.registerPrefix(token.SINGLE, p.parseListPredicate)

	for t := range precedences {
		switch t {
		case token.LBRACKET:
			p.registerInfix(t, p.parseIndexOrSlice)
		case token.DOT:
			p.registerInfix(t, p.parsePropertyAccess)
		case token.IN:
			p.registerInfix(t, p.parseInExpr)
		case token.IS:
			p.registerInfix(t, p.parseIsExpr)
		case token.CONTAINS, token.STARTS, token.ENDS:
			p.registerInfix(t, p.parseStringPredicate)
		case token.EQ, token.NEQ, token.LT, token.GT, token.LTE, token.GTE:
			p.registerInfix(t, p.parseComparison)
		case token.AND, token.OR, token.XOR, token.PLUS, token.MINUS,
			token.ASTERISK, token.SLASH, token.PERCENT, token.CARET:
			p.registerInfix(t, p.parseBinaryExpr)
		}
	}

	p.idx = 0
	p.cur = p.toks[0]
	p.pk = p.tokAt(1)
	return p
}

func (p *Parser) registerPrefix(t token.Type, fn prefixParseFn) { p.prefixFns[t] = fn }
func (p *Parser) registerInfix(t token.Type, fn infixParseFn)   { p.infixFns[t] = fn }

// tokAt returns toks[i], clamped to the trailing EOF token.
func (p *Parser) tokAt(i int) token.Token {
	if i >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[i]
}

func (p *Parser) nextToken() {
	if p.idx < len(p.toks)-1 {
		p.idx++
	}
	p.cur = p.tokAt(p.idx)
	p.pk = p.tokAt(p.idx + 1)
}

// mark/reset support bounded backtracking for grammar disambiguation.
func (p *Parser) mark() int { return p.idx }
func (p *Parser) reset(m int) {
	p.idx = m
	p.cur = p.tokAt(p.idx)
	p.pk = p.tokAt(p.idx + 1)
}

func (p *Parser) fail(format string, a ...any) {
	if p.err != nil {
		return
	}
	p.err = &ParseError{
		Message: fmt.Sprintf(format, a...),
		Pos:     p.cur.Pos,
		Line:    p.cur.Line,
		Column:  p.cur.Column,
	}
}

func (p *Parser) failed() bool { return p.err != nil }

func (p *Parser) curIs(t token.Type) bool  { return p.cur.Type == t }
func (p *Parser) peekIs(t token.Type) bool { return p.pk.Type == t }

// expect advances past t if cur matches, else records an error.
func (p *Parser) expect(t token.Type, what string) bool {
	if p.curIs(t) {
		p.nextToken()
		return true
	}
	p.fail("expected %s, found %q", what, p.cur.Literal)
	return false
}

func (p *Parser) peekPrecedence() int {
	if pr, ok := precedences[p.pk.Type]; ok {
		return pr
	}
	return LOWEST
}

// Parse parses a full query (possibly with UNION branches) and returns
// either the AST or the single parse error encountered.
func Parse(input string) (*ast.Query, *ParseError) {
	l := lexer.New(input)
	p := New(l)
	if lerr := l.Err(); lerr != nil {
		return nil, &ParseError{Message: lerr.Message, Pos: lerr.Pos, Line: lerr.Line, Column: lerr.Column}
	}
	q := p.parseTopLevel()
	if p.err != nil {
		return nil, p.err
	}
	return q, nil
}

func (p *Parser) parseTopLevel() *ast.Query {
	left := p.parseSingleQuery()
	if p.failed() {
		return nil
	}
	for p.curIs(token.UNION) {
		p.nextToken()
		all := false
		if p.curIs(token.ALL) {
			all = true
			p.nextToken()
		}
		right := p.parseSingleQuery()
		if p.failed() {
			return nil
		}
		left = &ast.Query{Clauses: []ast.Clause{&ast.UnionClause{Left: left, Right: right, All: all}}}
	}
	if !p.curIs(token.EOF) {
		p.fail("unexpected token %q", p.cur.Literal)
		return nil
	}
	return left
}

func (p *Parser) parseSingleQuery() *ast.Query {
	q := &ast.Query{}
	for !p.curIs(token.EOF) && !p.curIs(token.UNION) && !p.failed() {
		c := p.parseClause()
		if p.failed() {
			return nil
		}
		q.Clauses = append(q.Clauses, c)
	}
	return q
}

func (p *Parser) parseClause() ast.Clause {
	switch p.cur.Type {
	case token.MATCH:
		return p.parseMatch(false)
	case token.OPTIONAL:
		p.nextToken()
		if !p.expect(token.MATCH, "MATCH after OPTIONAL") {
			return nil
		}
		return p.parseMatchBody(true)
	case token.CREATE:
		return p.parseCreate()
	case token.MERGE:
		return p.parseMerge()
	case token.SET:
		return p.parseSet()
	case token.DELETE:
		return p.parseDelete(false)
	case token.DETACH:
		p.nextToken()
		if !p.expect(token.DELETE, "DELETE after DETACH") {
			return nil
		}
		return p.parseDeleteBody(true)
	case token.RETURN:
		return p.parseReturn()
	case token.WITH:
		return p.parseWith()
	case token.UNWIND:
		return p.parseUnwind()
	case token.CALL:
		return p.parseCall()
	default:
		p.fail("expected a clause, found %q", p.cur.Literal)
		return nil
	}
}

// ---------------------------------------------------------------------
// MATCH / OPTIONAL MATCH
// ---------------------------------------------------------------------

func (p *Parser) parseMatch(optional bool) ast.Clause {
	p.nextToken() // consume MATCH
	return p.parseMatchBody(optional)
}

func (p *Parser) parseMatchBody(optional bool) ast.Clause {
	mc := &ast.MatchClause{Optional: optional}
	mc.Patterns = append(mc.Patterns, p.parsePatternChain())
	for p.curIs(token.COMMA) {
		p.nextToken()
		mc.Patterns = append(mc.Patterns, p.parsePatternChain())
	}
	if p.failed() {
		return nil
	}
	if p.curIs(token.WHERE) {
		p.nextToken()
		mc.Where = p.parseExpression(LOWEST)
	}
	return mc
}

// ---------------------------------------------------------------------
// CREATE
// ---------------------------------------------------------------------

func (p *Parser) parseCreate() ast.Clause {
	p.nextToken()
	cc := &ast.CreateClause{}
	cc.Patterns = append(cc.Patterns, p.parsePatternChain())
	for p.curIs(token.COMMA) {
		p.nextToken()
		cc.Patterns = append(cc.Patterns, p.parsePatternChain())
	}
	if p.failed() {
		return nil
	}
	for _, pat := range cc.Patterns {
		for _, e := range pat.Edges {
			if e.VarLength {
				p.fail("CREATE does not support variable-length relationships")
				return nil
			}
			if e.Dir == ast.DirNone {
				p.fail("CREATE requires a directed relationship")
				return nil
			}
			if len(e.Types) != 1 {
				p.fail("CREATE requires exactly one relationship type")
				return nil
			}
		}
	}
	return cc
}

// ---------------------------------------------------------------------
// MERGE
// ---------------------------------------------------------------------

func (p *Parser) parseMerge() ast.Clause {
	p.nextToken()
	mc := &ast.MergeClause{Pattern: p.parsePatternChain()}
	if p.failed() {
		return nil
	}
	for p.curIs(token.IDENT) && isOnKeyword(p.cur.Literal) {
		p.nextToken()
		switch {
		case p.curIs(token.CREATE):
			p.nextToken()
			if !p.expect(token.SET, "SET after ON CREATE") {
				return nil
			}
			mc.OnCreate = p.parseSetItems()
		case p.curIs(token.MATCH):
			p.nextToken()
			if !p.expect(token.SET, "SET after ON MATCH") {
				return nil
			}
			mc.OnMatch = p.parseSetItems()
		default:
			p.fail("expected CREATE or MATCH after ON")
			return nil
		}
		if p.failed() {
			return nil
		}
	}
	return mc
}

func isOnKeyword(lit string) bool { return upperEq(lit, "ON") }

func upperEq(s, want string) bool {
	if len(s) != len(want) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c != want[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------
// SET
// ---------------------------------------------------------------------

func (p *Parser) parseSet() ast.Clause {
	p.nextToken()
	items := p.parseSetItems()
	if p.failed() {
		return nil
	}
	return &ast.SetClause{Items: items}
}

func (p *Parser) parseSetItems() []*ast.SetItem {
	var items []*ast.SetItem
	items = append(items, p.parseSetItem())
	for p.curIs(token.COMMA) {
		p.nextToken()
		items = append(items, p.parseSetItem())
	}
	return items
}

func (p *Parser) parseSetItem() *ast.SetItem {
	if !p.curIs(token.IDENT) {
		p.fail("expected variable in SET")
		return nil
	}
	v := p.cur.Literal
	p.nextToken()

	switch p.cur.Type {
	case token.DOT:
		p.nextToken()
		if !p.curIs(token.IDENT) {
			p.fail("expected property name after '.'")
			return nil
		}
		prop := p.cur.Literal
		p.nextToken()
		if !p.expect(token.EQ, "'=' in SET") {
			return nil
		}
		val := p.parseExpression(LOWEST)
		return &ast.SetItem{Variable: v, Kind: ast.SetProperty, Property: prop, Value: val}
	case token.EQ:
		p.nextToken()
		val := p.parseExpression(LOWEST)
		return &ast.SetItem{Variable: v, Kind: ast.SetReplace, Value: val}
	case token.PLUSEQ:
		p.nextToken()
		val := p.parseExpression(LOWEST)
		return &ast.SetItem{Variable: v, Kind: ast.SetMerge, Value: val}
	case token.COLON:
		var labels []string
		for p.curIs(token.COLON) {
			p.nextToken()
			if !p.curIs(token.IDENT) {
				p.fail("expected label after ':'")
				return nil
			}
			labels = append(labels, p.cur.Literal)
			p.nextToken()
		}
		return &ast.SetItem{Variable: v, Kind: ast.SetLabels, Labels: labels}
	default:
		p.fail("expected '.', '=', '+=' or ':' in SET item")
		return nil
	}
}

// ---------------------------------------------------------------------
// DELETE / DETACH DELETE
// ---------------------------------------------------------------------

func (p *Parser) parseDelete(detach bool) ast.Clause {
	p.nextToken()
	return p.parseDeleteBody(detach)
}

func (p *Parser) parseDeleteBody(detach bool) ast.Clause {
	dc := &ast.DeleteClause{Detach: detach}
	for {
		e := p.parseExpression(LOWEST)
		if p.failed() {
			return nil
		}
		if !isDeletable(e) {
			p.fail("DELETE target must be a variable or an indexing expression resolving to a bound value")
			return nil
		}
		dc.Targets = append(dc.Targets, e)
		if !p.curIs(token.COMMA) {
			break
		}
		p.nextToken()
	}
	return dc
}

func isDeletable(e ast.Expression) bool {
	switch e.(type) {
	case *ast.Variable, *ast.IndexExpr:
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------
// RETURN / WITH
// ---------------------------------------------------------------------

func (p *Parser) parseReturn() ast.Clause {
	p.nextToken()
	rc := &ast.ReturnClause{}
	if p.curIs(token.DISTINCT) {
		rc.Distinct = true
		p.nextToken()
	}
	rc.Items = p.parseProjectionItems()
	if p.failed() {
		return nil
	}
	p.parseOrderSkipLimit(&rc.OrderBy, &rc.Skip, &rc.Limit)
	return rc
}

func (p *Parser) parseWith() ast.Clause {
	p.nextToken()
	wc := &ast.WithClause{}
	if p.curIs(token.DISTINCT) {
		wc.Distinct = true
		p.nextToken()
	}
	wc.Items = p.parseProjectionItems()
	if p.failed() {
		return nil
	}
	if p.curIs(token.WHERE) {
		p.nextToken()
		wc.Where = p.parseExpression(LOWEST)
	}
	p.parseOrderSkipLimit(&wc.OrderBy, &wc.Skip, &wc.Limit)
	return wc
}

func (p *Parser) parseProjectionItems() []*ast.ProjectionItem {
	var items []*ast.ProjectionItem
	for {
		if p.curIs(token.ASTERISK) {
			items = append(items, &ast.ProjectionItem{Star: true})
			p.nextToken()
		} else {
			e := p.parseExpression(LOWEST)
			if p.failed() {
				return nil
			}
			alias := ""
			if p.curIs(token.AS) {
				p.nextToken()
				if !p.curIs(token.IDENT) {
					p.fail("expected alias after AS")
					return nil
				}
				alias = p.cur.Literal
				p.nextToken()
			}
			items = append(items, &ast.ProjectionItem{Expr: e, Alias: alias})
		}
		if !p.curIs(token.COMMA) {
			break
		}
		p.nextToken()
	}
	return items
}

func (p *Parser) parseOrderSkipLimit(order *[]*ast.OrderItem, skip, limit *ast.Expression) {
	if p.curIs(token.ORDER) {
		p.nextToken()
		if !p.expect(token.BY, "BY after ORDER") {
			return
		}
		for {
			e := p.parseExpression(LOWEST)
			if p.failed() {
				return
			}
			desc := false
			if p.curIs(token.DESC) {
				desc = true
				p.nextToken()
			} else if p.curIs(token.ASC) {
				p.nextToken()
			}
			*order = append(*order, &ast.OrderItem{Expr: e, Desc: desc})
			if !p.curIs(token.COMMA) {
				break
			}
			p.nextToken()
		}
	}
	if p.curIs(token.SKIP) {
		p.nextToken()
		*skip = p.parseExpression(LOWEST)
	}
	if p.curIs(token.LIMIT) {
		p.nextToken()
		*limit = p.parseExpression(LOWEST)
	}
}

// ---------------------------------------------------------------------
// UNWIND
// ---------------------------------------------------------------------

func (p *Parser) parseUnwind() ast.Clause {
	p.nextToken()
	src := p.parseExpression(LOWEST)
	if p.failed() {
		return nil
	}
	if !p.expect(token.AS, "AS in UNWIND") {
		return nil
	}
	if !p.curIs(token.IDENT) {
		p.fail("expected variable after AS")
		return nil
	}
	name := p.cur.Literal
	p.nextToken()
	return &ast.UnwindClause{Source: src, As: name}
}

// ---------------------------------------------------------------------
// CALL
// ---------------------------------------------------------------------

func (p *Parser) parseCall() ast.Clause {
	p.nextToken()
	if !p.curIs(token.IDENT) {
		p.fail("expected procedure name after CALL")
		return nil
	}
	name := p.cur.Literal
	p.nextToken()
	for p.curIs(token.DOT) {
		p.nextToken()
		if !p.curIs(token.IDENT) {
			p.fail("expected identifier after '.' in procedure name")
			return nil
		}
		name += "." + p.cur.Literal
		p.nextToken()
	}
	if !p.expect(token.LPAREN, "'(' after procedure name") {
		return nil
	}
	if !p.expect(token.RPAREN, "')' closing procedure call") {
		return nil
	}
	cc := &ast.CallClause{Procedure: name}
	if p.curIs(token.YIELD) {
		p.nextToken()
		if !p.curIs(token.IDENT) {
			p.fail("expected yield name")
			return nil
		}
		cc.Yield = p.cur.Literal
		p.nextToken()
		if p.curIs(token.WHERE) {
			p.nextToken()
			cc.Where = p.parseExpression(LOWEST)
		}
	}
	return cc
}

// ---------------------------------------------------------------------
// Patterns
// ---------------------------------------------------------------------

func (p *Parser) freshAnonVar() string {
	p.anonCounter++
	return fmt.Sprintf("_anon%d", p.anonCounter)
}

func (p *Parser) parsePatternChain() *ast.PatternChain {
	chain := &ast.PatternChain{}

	// `identifier = (...)` path assignment.
	if p.curIs(token.IDENT) && p.peekIs(token.EQ) {
		chain.PathVar = p.cur.Literal
		p.nextToken()
		p.nextToken()
	}

	n := p.parseNodePattern()
	if p.failed() {
		return nil
	}
	chain.Nodes = append(chain.Nodes, n)

	for p.curIs(token.MINUS) || p.curIs(token.ARROW_L) {
		e := p.parseEdgePattern()
		if p.failed() {
			return nil
		}
		next := p.parseNodePattern()
		if p.failed() {
			return nil
		}
		if next.Variable == "" {
			next.Variable = p.freshAnonVar()
		}
		chain.Edges = append(chain.Edges, e)
		chain.Nodes = append(chain.Nodes, next)
	}
	return chain
}

func (p *Parser) parseNodePattern() *ast.NodePattern {
	if !p.expect(token.LPAREN, "'(' to start a node pattern") {
		return nil
	}
	n := &ast.NodePattern{}
	if p.curIs(token.IDENT) {
		n.Variable = p.cur.Literal
		p.nextToken()
	}
	for p.curIs(token.COLON) {
		p.nextToken()
		if !p.curIs(token.IDENT) {
			p.fail("expected label after ':'")
			return nil
		}
		n.Labels = append(n.Labels, p.cur.Literal)
		p.nextToken()
	}
	if p.curIs(token.LBRACE) {
		n.Props = p.parseMapLiteral()
		if p.failed() {
			return nil
		}
	}
	if !p.expect(token.RPAREN, "')' to close a node pattern") {
		return nil
	}
	return n
}

func (p *Parser) parseEdgePattern() *ast.EdgePattern {
	e := &ast.EdgePattern{Dir: ast.DirNone}

	leftArrow := false
	if p.curIs(token.ARROW_L) {
		leftArrow = true
		p.nextToken()
	} else if !p.expect(token.MINUS, "'-' to start a relationship pattern") {
		return nil
	}

	if p.curIs(token.LBRACKET) {
		p.nextToken()
		if p.curIs(token.IDENT) {
			e.Variable = p.cur.Literal
			p.nextToken()
		}
		if p.curIs(token.COLON) {
			p.nextToken()
			e.Types = append(e.Types, p.parseIdentOrKeyword())
			for p.curIs(token.PIPE) {
				p.nextToken()
				if p.curIs(token.COLON) { // tolerate optional colon after '|'
					p.nextToken()
				}
				e.Types = append(e.Types, p.parseIdentOrKeyword())
			}
		}
		if p.curIs(token.ASTERISK) {
			e.VarLength = true
			p.nextToken()
			p.parseHopRange(e)
		}
		if p.curIs(token.LBRACE) {
			e.Props = p.parseMapLiteral()
			if p.failed() {
				return nil
			}
		}
		if !p.expect(token.RBRACKET, "']' to close a relationship pattern") {
			return nil
		}
	}

	if leftArrow {
		if !p.expect(token.MINUS, "'-' to close a left-pointing relationship") {
			return nil
		}
		e.Dir = ast.DirLeft
	} else if p.curIs(token.ARROW_R) {
		p.nextToken()
		e.Dir = ast.DirRight
	} else if p.expect(token.MINUS, "'-' to close a relationship pattern") {
		e.Dir = ast.DirNone
	}
	return e
}

// parseHopRange parses what follows `*`: nothing, N, N.., ..M, or N..M.
func (p *Parser) parseHopRange(e *ast.EdgePattern) {
	e.MinHops = 1
	if p.curIs(token.INT) {
		n, _ := strconv.Atoi(p.cur.Literal)
		p.nextToken()
		if p.curIs(token.DOT) {
			p.nextToken()
			if !p.expect(token.DOT, "'..' in hop range") {
				return
			}
			e.MinHops = n
			if p.curIs(token.INT) {
				m, _ := strconv.Atoi(p.cur.Literal)
				p.nextToken()
				e.MaxHops = &m
			}
			return
		}
		e.MinHops = n
		e.MaxHops = &n
		return
	}
	if p.curIs(token.DOT) {
		p.nextToken()
		if !p.expect(token.DOT, "'..' in hop range") {
			return
		}
		e.MinHops = 1
		if p.curIs(token.INT) {
			m, _ := strconv.Atoi(p.cur.Literal)
			p.nextToken()
			e.MaxHops = &m
		}
		return
	}
	// bare `*`: min=1, unbounded
}

func (p *Parser) parseIdentOrKeyword() string {
	// Labels/types accept reserved words too, preserving original casing;
	// any other token (a string, number or punctuation) is rejected.
	if p.cur.Type != token.IDENT && !token.IsKeyword(p.cur.Type) {
		p.fail("expected a label or type name")
		return ""
	}
	lit := p.cur.Literal
	p.nextToken()
	return lit
}

func (p *Parser) parseMapLiteral() *ast.MapLiteral {
	if !p.expect(token.LBRACE, "'{' to start a map literal") {
		return nil
	}
	m := &ast.MapLiteral{}
	if p.curIs(token.RBRACE) {
		p.nextToken()
		return m
	}
	for {
		key := p.parseIdentOrKeyword()
		if p.failed() {
			return nil
		}
		if !p.expect(token.COLON, "':' in map literal") {
			return nil
		}
		val := p.parseExpression(LOWEST)
		if p.failed() {
			return nil
		}
		m.Keys = append(m.Keys, key)
		m.Values = append(m.Values, val)
		if !p.curIs(token.COMMA) {
			break
		}
		p.nextToken()
	}
	if !p.expect(token.RBRACE, "'}' to close a map literal") {
		return nil
	}
	return m
}

// ---------------------------------------------------------------------
// Expressions (Pratt parser)
// ---------------------------------------------------------------------

func (p *Parser) parseExpression(precedence int) ast.Expression {
	fn, ok := p.prefixFns[p.cur.Type]
	if !ok {
		p.fail("unexpected token %q in expression", p.cur.Literal)
		return nil
	}
	left := fn()
	if p.failed() {
		return nil
	}
	for !p.curIs(token.EOF) && precedence < p.peekPrecedenceForCur() {
		if p.curIs(token.DOT) && p.peekIs(token.DOT) {
			break // '..' of a slice, not a property access
		}
		infix, ok := p.infixFns[p.cur.Type]
		if !ok {
			break
		}
		left = infix(left)
		if p.failed() {
			return nil
		}
	}
	return left
}

// peekPrecedenceForCur returns the precedence of the *current* token,
// used because infix handlers consume their operator themselves (cur is
// the operator when deciding whether to continue).
func (p *Parser) peekPrecedenceForCur() int {
	if pr, ok := precedences[p.cur.Type]; ok {
		return pr
	}
	return LOWEST
}

func (p *Parser) parseIdentifierOrFunctionCall() ast.Expression {
	name := p.cur.Literal
	p.nextToken()
	if p.curIs(token.LPAREN) {
		return p.parseFunctionCallArgs(name)
	}
	return &ast.Variable{Name: name}
}

func (p *Parser) parseFunctionCallArgs(name string) ast.Expression {
	p.nextToken() // consume (
	fc := &ast.FunctionCall{Name: name}
	if p.curIs(token.DISTINCT) {
		fc.Distinct = true
		p.nextToken()
	}
	if p.curIs(token.ASTERISK) && name == "count" {
		p.nextToken()
		fc.Args = []ast.Expression{&ast.Variable{Name: "*"}}
	} else if !p.curIs(token.RPAREN) {
		for {
			a := p.parseExpression(LOWEST)
			if p.failed() {
				return nil
			}
			fc.Args = append(fc.Args, a)
			if !p.curIs(token.COMMA) {
				break
			}
			p.nextToken()
		}
	}
	if !p.expect(token.RPAREN, "')' to close function call") {
		return nil
	}
	return fc
}

func (p *Parser) parseParameter() ast.Expression {
	name := p.cur.Literal
	p.nextToken()
	return &ast.Parameter{Name: name}
}

func (p *Parser) parseIntLiteral() ast.Expression {
	n, err := strconv.ParseInt(p.cur.Literal, 10, 64)
	if err != nil {
		p.fail("invalid integer literal %q", p.cur.Literal)
		return nil
	}
	p.nextToken()
	return &ast.IntLiteral{Value: n}
}

func (p *Parser) parseFloatLiteral() ast.Expression {
	f, err := strconv.ParseFloat(p.cur.Literal, 64)
	if err != nil {
		p.fail("invalid float literal %q", p.cur.Literal)
		return nil
	}
	p.nextToken()
	return &ast.FloatLiteral{Value: f}
}

func (p *Parser) parseStringLiteral() ast.Expression {
	s := p.cur.Literal
	p.nextToken()
	return &ast.StringLiteral{Value: s}
}

func (p *Parser) parseBoolLiteral() ast.Expression {
	v := p.curIs(token.TRUE)
	p.nextToken()
	return &ast.BoolLiteral{Value: v}
}

func (p *Parser) parseNullLiteral() ast.Expression {
	p.nextToken()
	return &ast.NullLiteral{}
}

func (p *Parser) parseUnaryExpr() ast.Expression {
	op := p.cur.Type
	if op == token.MINUS {
		p.nextToken()
		return &ast.UnaryExpr{Op: token.MINUS, Right: p.parseExpression(UNARY)}
	}
	p.nextToken() // NOT
	return &ast.UnaryExpr{Op: token.NOT, Right: p.parseExpression(NOT_PREC)}
}

// parseBracketExpr disambiguates list literal vs list comprehension by
// lookahead for `IDENT IN` immediately inside `[`.
func (p *Parser) parseBracketExpr() ast.Expression {
	p.nextToken() // consume [
	if p.curIs(token.IDENT) && p.peekIs(token.IN) {
		v := p.cur.Literal
		p.nextToken()
		p.nextToken() // consume IN
		list := p.parseExpression(LOWEST)
		if p.failed() {
			return nil
		}
		lc := &ast.ListComprehension{Var: v, List: list}
		if p.curIs(token.WHERE) {
			p.nextToken()
			lc.Where = p.parseExpression(LOWEST)
		}
		if p.curIs(token.PIPE) {
			p.nextToken()
			lc.Map = p.parseExpression(LOWEST)
		}
		if !p.expect(token.RBRACKET, "']' to close list comprehension") {
			return nil
		}
		return lc
	}
	ll := &ast.ListLiteral{}
	if !p.curIs(token.RBRACKET) {
		for {
			e := p.parseExpression(LOWEST)
			if p.failed() {
				return nil
			}
			ll.Items = append(ll.Items, e)
			if !p.curIs(token.COMMA) {
				break
			}
			p.nextToken()
		}
	}
	if !p.expect(token.RBRACKET, "']' to close list literal") {
		return nil
	}
	return ll
}

func (p *Parser) parseMapLiteralExpr() ast.Expression {
	return p.parseMapLiteral()
}

// parseParenOrPatternExpr disambiguates a grouped expression from an
// inline pattern used in EXISTS(...) bodies: `(var:Label)` used as a
// boolean label predicate, vs `(expr)`.
func (p *Parser) parseParenOrPatternExpr() ast.Expression {
	// Label predicate: (v:L1:L2) with nothing else inside.
	if p.peekIs(token.IDENT) {
		save := p.mark()
		p.nextToken() // consume (
		if p.curIs(token.IDENT) {
			v := p.cur.Literal
			p.nextToken()
			if p.curIs(token.COLON) {
				var labels []string
				for p.curIs(token.COLON) {
					p.nextToken()
					if !p.curIs(token.IDENT) {
						break
					}
					labels = append(labels, p.cur.Literal)
					p.nextToken()
				}
				if p.curIs(token.RPAREN) && len(labels) > 0 {
					p.nextToken()
					return &ast.LabelPredicate{Var: v, Labels: labels}
				}
			}
		}
		p.reset(save)
	}
	p.nextToken() // consume (
	e := p.parseExpression(LOWEST)
	if p.failed() {
		return nil
	}
	if !p.expect(token.RPAREN, "')' to close grouped expression") {
		return nil
	}
	return e
}

func (p *Parser) parseCaseExpr() ast.Expression {
	p.nextToken() // consume CASE
	ce := &ast.CaseExpr{}
	if !p.curIs(token.WHEN) {
		ce.Test = p.parseExpression(LOWEST)
		if p.failed() {
			return nil
		}
	}
	for p.curIs(token.WHEN) {
		p.nextToken()
		cond := p.parseExpression(LOWEST)
		if p.failed() {
			return nil
		}
		if !p.expect(token.THEN, "THEN in CASE") {
			return nil
		}
		result := p.parseExpression(LOWEST)
		if p.failed() {
			return nil
		}
		ce.Whens = append(ce.Whens, &ast.WhenClause{Cond: cond, Result: result})
	}
	if p.curIs(token.ELSE) {
		p.nextToken()
		ce.Else = p.parseExpression(LOWEST)
		if p.failed() {
			return nil
		}
	}
	if !p.expect(token.END, "END to close CASE") {
		return nil
	}
	return ce
}

func (p *Parser) parseExistsExpr() ast.Expression {
	p.nextToken() // consume EXISTS
	if !p.expect(token.LPAREN, "'(' after EXISTS") {
		return nil
	}
	chain := p.parsePatternChain()
	if p.failed() {
		return nil
	}
	if !p.expect(token.RPAREN, "')' to close EXISTS") {
		return nil
	}
	return &ast.ExistsPattern{Pattern: chain}
}

func (p *Parser) parseListPredicate() ast.Expression {
	kind := p.cur.Type
	p.nextToken()
	if !p.expect(token.LPAREN, "'(' after list predicate") {
		return nil
	}
	if !p.curIs(token.IDENT) {
		p.fail("expected variable in list predicate")
		return nil
	}
	v := p.cur.Literal
	p.nextToken()
	if !p.expect(token.IN, "IN in list predicate") {
		return nil
	}
	list := p.parseExpression(LOWEST)
	if p.failed() {
		return nil
	}
	lp := &ast.ListPredicate{Kind: kind, Var: v, List: list}
	if p.curIs(token.WHERE) {
		p.nextToken()
		lp.Where = p.parseExpression(LOWEST)
	}
	if !p.expect(token.RPAREN, "')' to close list predicate") {
		return nil
	}
	return lp
}

func (p *Parser) parseIndexOrSlice(left ast.Expression) ast.Expression {
	p.nextToken() // consume [
	if p.curIs(token.DOT) {
		p.nextToken()
		p.nextToken() // consume '..'
		to := p.parseExpression(LOWEST)
		if !p.expect(token.RBRACKET, "']' to close slice") {
			return nil
		}
		return &ast.SliceExpr{List: left, To: to}
	}
	first := p.parseExpression(LOWEST)
	if p.failed() {
		return nil
	}
	if p.curIs(token.DOT) {
		p.nextToken()
		p.nextToken() // consume second '.'
		var to ast.Expression
		if !p.curIs(token.RBRACKET) {
			to = p.parseExpression(LOWEST)
		}
		if !p.expect(token.RBRACKET, "']' to close slice") {
			return nil
		}
		return &ast.SliceExpr{List: left, From: first, To: to}
	}
	if !p.expect(token.RBRACKET, "']' to close index") {
		return nil
	}
	return &ast.IndexExpr{List: left, Index: first}
}

func (p *Parser) parsePropertyAccess(left ast.Expression) ast.Expression {
	p.nextToken() // consume .
	prop := p.parseIdentOrKeyword()
	if p.failed() {
		return nil
	}
	return &ast.PropertyAccess{Target: left, Prop: prop}
}

func (p *Parser) parseInExpr(left ast.Expression) ast.Expression {
	p.nextToken() // consume IN
	right := p.parseExpression(COMPARE)
	return &ast.InExpr{Left: left, Right: right}
}

func (p *Parser) parseIsExpr(left ast.Expression) ast.Expression {
	p.nextToken() // consume IS
	not := false
	if p.curIs(token.NOT) {
		not = true
		p.nextToken()
	}
	if !p.expect(token.NULL, "NULL after IS [NOT]") {
		return nil
	}
	return &ast.IsNullExpr{Target: left, Not: not}
}

func (p *Parser) parseStringPredicate(left ast.Expression) ast.Expression {
	kind := p.cur.Type
	p.nextToken()
	if kind == token.STARTS || kind == token.ENDS {
		if !p.expect(token.WITH, "WITH after STARTS/ENDS") {
			return nil
		}
	}
	right := p.parseExpression(COMPARE)
	return &ast.StringPredicate{Kind: kind, Left: left, Right: right}
}

func (p *Parser) parseComparison(left ast.Expression) ast.Expression {
	op := p.cur.Type
	p.nextToken()
	right := p.parseExpression(COMPARE)
	return &ast.Comparison{Op: op, Left: left, Right: right}
}

func (p *Parser) parseBinaryExpr(left ast.Expression) ast.Expression {
	op := p.cur.Type
	prec := p.peekPrecedenceForCur()
	p.nextToken()
	right := p.parseExpression(prec)
	return &ast.BinaryExpr{Op: op, Left: left, Right: right}
}
