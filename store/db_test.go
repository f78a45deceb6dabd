package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchema(t *testing.T) {
	db, err := Open("", nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(context.Background(),
		`INSERT INTO nodes (id, label, properties) VALUES (?, ?, ?)`,
		[]any{"n1", `["Person"]`, `{"name":"Ada"}`})
	require.NoError(t, err)

	rows, cols, err := db.Query(context.Background(), `SELECT id, label, properties FROM nodes WHERE id = ?`, []any{"n1"})
	require.NoError(t, err)
	require.Equal(t, []string{"id", "label", "properties"}, cols)
	require.Len(t, rows, 1)
	require.Equal(t, "n1", rows[0]["id"])
}

func TestEdgeCascadeOnNodeDelete(t *testing.T) {
	db, err := Open("", nil)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.Exec(ctx, `INSERT INTO nodes (id, label, properties) VALUES (?, '[]', '{}')`, []any{"a"})
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO nodes (id, label, properties) VALUES (?, '[]', '{}')`, []any{"b"})
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO edges (id, type, source_id, target_id, properties) VALUES (?, 'KNOWS', ?, ?, '{}')`,
		[]any{"e1", "a", "b"})
	require.NoError(t, err)

	_, err = db.Exec(ctx, `DELETE FROM nodes WHERE id = ?`, []any{"a"})
	require.NoError(t, err)

	rows, _, err := db.Query(ctx, `SELECT id FROM edges WHERE id = ?`, []any{"e1"})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRegistryReturnsSameHandle(t *testing.T) {
	reg := NewRegistry(func(env, project string) string { return "" }, nil)
	defer reg.Close()

	db1, err := reg.Get("prod", "app")
	require.NoError(t, err)
	db2, err := reg.Get("prod", "app")
	require.NoError(t, err)
	require.Same(t, db1, db2)

	db3, err := reg.Get("prod", "other")
	require.NoError(t, err)
	require.NotSame(t, db1, db3)
}
