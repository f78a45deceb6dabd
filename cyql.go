// Package cyql is the public entry point: it parses, translates, and
// executes a Cypher query against a SQLite-backed graph store, and
// normalizes every failure mode (lex, parse, translate, store) into the
// single Result shape external callers see.
package cyql

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cyql-db/cyql/errs"
	"github.com/cyql-db/cyql/exec"
	"github.com/cyql-db/cyql/parser"
	"github.com/cyql-db/cyql/store"
	"github.com/cyql-db/cyql/translate"
)

// DB is one open graph database: a store handle plus the translation
// config (max variable-length hop count, logger) queries run under.
type DB struct {
	store  *store.DB
	cfg    translate.Config
	logger *zap.Logger
}

// Option configures a DB at Open time.
type Option func(*DB)

// WithMaxHops bounds the hop count a variable-length relationship
// (*min..max*) may expand to; see translate.Config.MaxHops.
func WithMaxHops(n int) Option {
	return func(db *DB) { db.cfg.MaxHops = n }
}

// WithLogger attaches a zap logger; Open uses zap.NewNop() if omitted.
func WithLogger(logger *zap.Logger) Option {
	return func(db *DB) { db.logger = logger }
}

// Open creates (or opens) the SQLite-backed store at path -- an empty
// path opens a private in-memory database, useful for tests -- and
// returns a DB ready to Execute queries against it.
func Open(path string, opts ...Option) (*DB, error) {
	db := &DB{cfg: translate.DefaultConfig(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(db)
	}
	s, err := store.Open(path, db.logger)
	if err != nil {
		return nil, err
	}
	db.store = s
	return db, nil
}

// Close releases the underlying store handle.
func (db *DB) Close() error {
	return db.store.Close()
}

// Result is the shape every Execute call returns: exactly one of the
// success or failure fields is populated, matching the public Query API
// contract so HTTP/RPC front ends can marshal it directly.
type Result struct {
	Data  []map[string]any `json:"data,omitempty"`
	Meta  *Meta            `json:"meta,omitempty"`
	Error *ResultError     `json:"error,omitempty"`
}

// Meta carries bookkeeping about a successful execution.
type Meta struct {
	Count  int   `json:"count"`
	TimeMs int64 `json:"time_ms"`
}

// ResultError is the normalized shape of any failure: Position/Line/
// Column are populated for parse errors and omitted for everything
// downstream of a successful parse. Message never repeats SQL text,
// table/column names, or file paths (see translate/errs doc comments).
type ResultError struct {
	Message  string `json:"message"`
	Position *int   `json:"position,omitempty"`
	Line     *int   `json:"line,omitempty"`
	Column   *int   `json:"column,omitempty"`
}

// Execute parses, translates, and runs cypher with the given named
// parameters, returning a Result that is always safe to marshal back to
// the caller regardless of where execution failed.
func (db *DB) Execute(ctx context.Context, cypher string, params map[string]any) Result {
	start := time.Now()
	db.logger.Debug("execute", zap.Int("query_len", len(cypher)))

	query, perr := parser.Parse(cypher)
	if perr != nil {
		return errorResult(perr.Message, &perr.Pos, &perr.Line, &perr.Column)
	}

	plan, err := translate.Translate(query, db.cfg)
	if err != nil {
		return resultFromError(err)
	}

	rows, _, err := exec.Execute(ctx, db.store, plan, params, db.logger)
	if err != nil {
		return resultFromError(err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	return Result{
		Data: rows,
		Meta: &Meta{Count: len(rows), TimeMs: time.Since(start).Milliseconds()},
	}
}

func resultFromError(err error) Result {
	switch e := err.(type) {
	case *errs.SemanticError:
		return errorResult(e.Message, nil, nil, nil)
	case *errs.StoreError:
		return errorResult(e.Message, nil, nil, nil)
	case *errs.InvariantError:
		return errorResult(e.Message, nil, nil, nil)
	default:
		return errorResult(err.Error(), nil, nil, nil)
	}
}

func errorResult(message string, pos, line, col *int) Result {
	return Result{Error: &ResultError{Message: message, Position: pos, Line: line, Column: col}}
}
