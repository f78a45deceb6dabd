package translate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cyql-db/cyql/errs"
	"github.com/cyql-db/cyql/parser"
)

func mustTranslate(t *testing.T, cypher string) *Plan {
	t.Helper()
	q, perr := parser.Parse(cypher)
	require.Nil(t, perr, "parse error: %v", perr)
	plan, err := Translate(q, DefaultConfig())
	require.NoError(t, err)
	return plan
}

func TestReturnStarColumnOrderIsDeterministic(t *testing.T) {
	cypher := `MATCH (a:Person), (b:Person), (c:Person) RETURN *`
	var first []string
	for i := 0; i < 20; i++ {
		plan := mustTranslate(t, cypher)
		last := plan.Statements[len(plan.Statements)-1]
		if first == nil {
			first = last.ReturnColumns
			continue
		}
		require.Equal(t, first, last.ReturnColumns, "RETURN * column order must not depend on map iteration order")
	}
}

func TestBareReturnAfterSetMaterializesJoin(t *testing.T) {
	// A bare "RETURN n" on a flush-rebound variable (no WHERE clause
	// referencing n first) only gets a correct FROM/JOIN entry if
	// buildJoins runs after projection lowering has had a chance to
	// materialize n's alias.
	plan := mustTranslate(t, `MATCH (n:Counter) SET n.value = 2 RETURN n`)
	last := plan.Statements[len(plan.Statements)-1]
	require.Equal(t, KindRead, last.Kind)
	require.Contains(t, last.SQL, "FROM nodes")
	require.Contains(t, last.SQL, "WHERE", "a materialized alias must be constrained by its own id filter, not left dangling")
}

func TestReturnKindsAlignWithReturnColumns(t *testing.T) {
	plan := mustTranslate(t, `MATCH (n:Person) RETURN n.name AS name, n AS node`)
	last := plan.Statements[len(plan.Statements)-1]
	require.Equal(t, []string{"name", "node"}, last.ReturnColumns)
	require.Equal(t, []BindingKind{BindValue, BindNode}, last.ReturnKinds)
}

func TestCreateRelationshipEmitsNewIDAndRowOrNewRef(t *testing.T) {
	plan := mustTranslate(t, `CREATE (a:Person)-[r:KNOWS]->(b:Person)`)
	require.Len(t, plan.Statements, 3) // two node inserts, one edge insert
	edgeStmt := plan.Statements[2]
	require.Equal(t, KindCreate, edgeStmt.Kind)
	foundNewID, foundSrcRef, foundTgtRef := false, false, false
	for _, p := range edgeStmt.Params {
		switch v := p.(type) {
		case NewID:
			if v.Key == "r" {
				foundNewID = true
			}
		case RowOrNewRef:
			if v.Key == "a" {
				foundSrcRef = true
			}
			if v.Key == "b" {
				foundTgtRef = true
			}
		}
	}
	require.True(t, foundNewID, "edge insert must place a fresh id under its own variable's key")
	require.True(t, foundSrcRef)
	require.True(t, foundTgtRef)
}

func TestMergeGroupHasProbeInsertAndSideEffects(t *testing.T) {
	plan := mustTranslate(t, `MERGE (n:City {name: "Turin"}) ON CREATE SET n.founded = 1 ON MATCH SET n.visited = 1`)
	require.NotEmpty(t, plan.Statements)
	group := plan.Statements[0].MergeGroup
	require.NotZero(t, group)

	var sawProbe, sawInsert, sawOnCreate, sawOnMatch bool
	for _, st := range plan.Statements {
		require.Equal(t, group, st.MergeGroup, "every statement from one MERGE must share its MergeGroup")
		switch st.MergePhase {
		case MergeProbe:
			sawProbe = true
		case MergeInsert:
			sawInsert = true
		case MergeOnCreate:
			sawOnCreate = true
		case MergeOnMatch:
			sawOnMatch = true
		}
	}
	require.True(t, sawProbe)
	require.True(t, sawInsert)
	require.True(t, sawOnCreate)
	require.True(t, sawOnMatch)
}

func TestDeleteNodeWithoutDetachEmitsGuard(t *testing.T) {
	plan := mustTranslate(t, `MATCH (n:Person) DELETE n`)
	var sawGuard, sawDelete bool
	guardBeforeDelete := false
	for _, st := range plan.Statements {
		if st.Kind == KindDeleteGuard {
			sawGuard = true
		}
		if st.Kind == KindDelete && strings.Contains(st.SQL, "FROM nodes") {
			sawDelete = true
			guardBeforeDelete = sawGuard
		}
	}
	require.True(t, sawGuard)
	require.True(t, sawDelete)
	require.True(t, guardBeforeDelete, "the guard must run before the node delete it protects")
}

func TestDetachDeleteSkipsGuard(t *testing.T) {
	plan := mustTranslate(t, `MATCH (n:Person) DETACH DELETE n`)
	for _, st := range plan.Statements {
		require.NotEqual(t, KindDeleteGuard, st.Kind, "DETACH DELETE must not guard against the relationships it's about to remove")
	}
}

func TestDeleteListIndexTargetsIndexedIDRef(t *testing.T) {
	plan := mustTranslate(t, `MATCH (n:Person) WITH collect(n) AS ns DELETE ns[0]`)
	var found bool
	for _, st := range plan.Statements {
		for _, p := range st.Params {
			if ref, ok := p.(IndexedIDRef); ok {
				found = true
				require.Equal(t, 0, ref.Index)
			}
		}
	}
	require.True(t, found, "DELETE on a collect()ed list index must compile to an IndexedIDRef placeholder")
}

func TestUnboundVariableInReturnIsSemanticError(t *testing.T) {
	q, perr := parser.Parse(`MATCH (n:Person) RETURN m`)
	require.Nil(t, perr)
	_, err := Translate(q, DefaultConfig())
	require.Error(t, err)
	var semErr *errs.SemanticError
	require.ErrorAs(t, err, &semErr)
}
