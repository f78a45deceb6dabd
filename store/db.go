// Package store is the row-store adapter: a thin database/sql wrapper
// around the two-table (nodes, edges) SQLite schema the translate
// package addresses by generated SQL text. It knows nothing about
// Cypher -- it only runs parameterized statements and hands back rows
// as generic column maps for the exec package to shape.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cyql-db/cyql/errs"
)

// DB is one open handle to a SQLite-backed graph store.
type DB struct {
	sqlDB  *sql.DB
	logger *zap.Logger
	path   string
}

// Open creates (if needed) and opens the schema at path. An empty path
// opens a private in-memory database. logger may be nil, in which case
// a no-op logger is used.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	sqlDB, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, &errs.StoreError{Message: "failed to open database", Cause: err}
	}
	// The schema's FK cascades (ON DELETE CASCADE) are the only thing
	// enforcing detach semantics at the store layer; SQLite ignores
	// foreign keys unless a connection explicitly turns them on, and a
	// pooled *sql.DB may open more than one connection.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec(schemaDDL); err != nil {
		sqlDB.Close()
		return nil, &errs.StoreError{Message: "failed to initialize schema", Cause: err}
	}
	logger.Debug("opened store", zap.String("path", path))
	return &DB{sqlDB: sqlDB, logger: logger, path: path}, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.sqlDB.Close()
}

// Exec runs a non-row-returning statement (INSERT/UPDATE/DELETE).
func (db *DB) Exec(ctx context.Context, query string, args []any) (sql.Result, error) {
	db.logger.Debug("exec", zap.String("sql", query), zap.Int("nargs", len(args)))
	res, err := db.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, &errs.StoreError{Message: "statement failed", Cause: err}
	}
	return res, nil
}

// Query runs a row-returning statement and collects every row into a
// column-name -> value map, preserving the statement's column order
// alongside each row so callers don't have to re-derive it.
func (db *DB) Query(ctx context.Context, query string, args []any) (rows []map[string]any, cols []string, err error) {
	db.logger.Debug("query", zap.String("sql", query), zap.Int("nargs", len(args)))
	rset, err := db.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, &errs.StoreError{Message: "query failed", Cause: err}
	}
	defer rset.Close()

	cols, err = rset.Columns()
	if err != nil {
		return nil, nil, &errs.StoreError{Message: "failed to read result columns", Cause: err}
	}

	for rset.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rset.Scan(ptrs...); err != nil {
			return nil, nil, &errs.StoreError{Message: "failed to scan row", Cause: err}
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		rows = append(rows, row)
	}
	if err := rset.Err(); err != nil {
		return nil, nil, &errs.StoreError{Message: "error iterating rows", Cause: err}
	}
	return rows, cols, nil
}

func (db *DB) String() string {
	return fmt.Sprintf("store.DB(%s)", db.path)
}
