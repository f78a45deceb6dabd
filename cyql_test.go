package cyql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecuteCreateAndReturn(t *testing.T) {
	db, err := Open("")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	result := db.Execute(ctx, `CREATE (n:Person {name: "Ada"})`, nil)
	require.Nil(t, result.Error)
	require.NotNil(t, result.Meta)

	result = db.Execute(ctx, `MATCH (n:Person) RETURN n.name AS name`, nil)
	require.Nil(t, result.Error)
	require.Len(t, result.Data, 1)
	require.Equal(t, "Ada", result.Data[0]["name"])
	require.Equal(t, 1, result.Meta.Count)
}

func TestExecuteParseErrorIncludesPosition(t *testing.T) {
	db, err := Open("")
	require.NoError(t, err)
	defer db.Close()

	result := db.Execute(context.Background(), `MATCH (n RETURN n`, nil)
	require.NotNil(t, result.Error)
	require.Nil(t, result.Data)
	require.NotNil(t, result.Error.Line)
	require.NotNil(t, result.Error.Column)
}

func TestExecuteSemanticErrorHasNoPosition(t *testing.T) {
	db, err := Open("")
	require.NoError(t, err)
	defer db.Close()

	result := db.Execute(context.Background(), `MATCH (n) RETURN m`, nil)
	require.NotNil(t, result.Error)
	require.Nil(t, result.Error.Position)
	require.Nil(t, result.Error.Line)
}

func TestWithMaxHopsOption(t *testing.T) {
	db, err := Open("", WithMaxHops(3))
	require.NoError(t, err)
	defer db.Close()
	require.Equal(t, 3, db.cfg.MaxHops)
}
