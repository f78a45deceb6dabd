package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cyql-db/cyql/parser"
	"github.com/cyql-db/cyql/store"
	"github.com/cyql-db/cyql/translate"
)

func mustPlan(t *testing.T, cypher string, cfg translate.Config) *translate.Plan {
	t.Helper()
	q, perr := parser.Parse(cypher)
	require.Nil(t, perr, "parse error: %v", perr)
	plan, err := translate.Translate(q, cfg)
	require.NoError(t, err)
	return plan
}

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateThenReturnNode(t *testing.T) {
	db := openDB(t)
	cfg := translate.DefaultConfig()
	ctx := context.Background()

	plan := mustPlan(t, `CREATE (n:Person {name: "Ada", age: 30})`, cfg)
	_, _, err := Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)

	plan = mustPlan(t, `MATCH (n:Person) RETURN n.name AS name, n`, cfg)
	rows, cols, err := Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"name", "n"}, cols)
	require.Len(t, rows, 1)
	require.Equal(t, "Ada", rows[0]["name"])

	node, ok := rows[0]["n"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Ada", node["name"])
	require.Equal(t, float64(30), node["age"])
	require.Equal(t, "Person", node["label"])
	require.NotEmpty(t, node["id"])
}

func TestCreateRelationshipAndMatch(t *testing.T) {
	db := openDB(t)
	cfg := translate.DefaultConfig()
	ctx := context.Background()

	plan := mustPlan(t, `CREATE (a:Person {name: "Ada"})-[:KNOWS {since: 1843}]->(b:Person {name: "Babbage"})`, cfg)
	_, _, err := Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)

	plan = mustPlan(t, `MATCH (a:Person)-[r:KNOWS]->(b:Person) RETURN a.name AS a, r.since AS since, b.name AS b`, cfg)
	rows, _, err := Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Ada", rows[0]["a"])
	require.Equal(t, "Babbage", rows[0]["b"])
	require.Equal(t, float64(1843), rows[0]["since"])
}

func TestSetAndReturnUpdatedProperty(t *testing.T) {
	db := openDB(t)
	cfg := translate.DefaultConfig()
	ctx := context.Background()

	plan := mustPlan(t, `CREATE (n:Counter {value: 1})`, cfg)
	_, _, err := Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)

	plan = mustPlan(t, `MATCH (n:Counter) SET n.value = 2 RETURN n.value AS value`, cfg)
	rows, _, err := Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, float64(2), rows[0]["value"])
}

func TestDeleteNodeWithoutRelationships(t *testing.T) {
	db := openDB(t)
	cfg := translate.DefaultConfig()
	ctx := context.Background()

	plan := mustPlan(t, `CREATE (n:Temp)`, cfg)
	_, _, err := Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)

	plan = mustPlan(t, `MATCH (n:Temp) DELETE n`, cfg)
	_, _, err = Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)

	plan = mustPlan(t, `MATCH (n:Temp) RETURN n`, cfg)
	rows, _, err := Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDeleteNodeWithRelationshipsRequiresDetach(t *testing.T) {
	db := openDB(t)
	cfg := translate.DefaultConfig()
	ctx := context.Background()

	plan := mustPlan(t, `CREATE (a:Person)-[:KNOWS]->(b:Person)`, cfg)
	_, _, err := Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)

	plan = mustPlan(t, `MATCH (a:Person) DELETE a`, cfg)
	_, _, err = Execute(ctx, db, plan, nil, nil)
	require.Error(t, err)

	plan = mustPlan(t, `MATCH (a:Person) DETACH DELETE a`, cfg)
	_, _, err = Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)
}

func TestMergeCreatesOnceAndMatchesAfter(t *testing.T) {
	db := openDB(t)
	cfg := translate.DefaultConfig()
	ctx := context.Background()

	plan := mustPlan(t, `MERGE (n:City {name: "Turin"}) ON CREATE SET n.founded = true ON MATCH SET n.visited = true RETURN n`, cfg)
	rows, _, err := Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	node := rows[0]["n"].(map[string]any)
	// Booleans round-trip through SQLite as 0/1 JSON numbers, not JSON
	// booleans; the store layer makes no attempt to tag them.
	require.Equal(t, float64(1), node["founded"])
	require.Nil(t, node["visited"])

	rows, _, err = Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	node = rows[0]["n"].(map[string]any)
	require.Equal(t, float64(1), node["visited"])

	plan = mustPlan(t, `MATCH (n:City) RETURN n`, cfg)
	rows, _, err = Execute(ctx, db, plan, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1, "MERGE must not create a duplicate on the second run")
}

func TestParamRefResolvesUserParameter(t *testing.T) {
	db := openDB(t)
	cfg := translate.DefaultConfig()
	ctx := context.Background()

	plan := mustPlan(t, `CREATE (n:Person {name: $name})`, cfg)
	_, _, err := Execute(ctx, db, plan, map[string]any{"name": "Grace"}, nil)
	require.NoError(t, err)

	plan = mustPlan(t, `MATCH (n:Person {name: $name}) RETURN n.name AS name`, cfg)
	rows, _, err := Execute(ctx, db, plan, map[string]any{"name": "Grace"}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Grace", rows[0]["name"])
}
