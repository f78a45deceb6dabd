// Package exec drives a translate.Plan against a store.DB: it resolves
// the Params placeholders the translator leaves behind (NewID, RowRef,
// RowOrNewRef, ParamRef, LabelsParam, IndexedIDRef), runs each
// statement in the right multi-phase order, and shapes raw rows back
// into Cypher-typed values.
package exec

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cyql-db/cyql/errs"
	"github.com/cyql-db/cyql/store"
	"github.com/cyql-db/cyql/translate"
)

// rowContext is one in-flight row flowing through the statement
// sequence: the current value of every bound variable, its kind (so a
// later RowRef knows whether to unwrap a node/edge JSON blob into a
// bare id or pass a scalar through untouched), and the ids generated so
// far for this row's NewID keys.
type rowContext struct {
	values map[string]any
	kinds  map[string]translate.BindingKind
	newIDs map[string]string
}

func newRowContext() *rowContext {
	return &rowContext{
		values: map[string]any{},
		kinds:  map[string]translate.BindingKind{},
		newIDs: map[string]string{},
	}
}

func (r *rowContext) clone() *rowContext {
	nc := newRowContext()
	for k, v := range r.values {
		nc.values[k] = v
	}
	for k, v := range r.kinds {
		nc.kinds[k] = v
	}
	for k, v := range r.newIDs {
		nc.newIDs[k] = v
	}
	return nc
}

// Execute drives plan to completion against db, returning the shaped
// rows and column names of the query's terminal RETURN. A plan whose last
// statement is not a read (a query ending in a mutation) returns no rows.
// userParams is the caller-supplied named parameter map.
func Execute(ctx context.Context, db *store.DB, plan *translate.Plan, userParams map[string]any, logger *zap.Logger) (rows []map[string]any, cols []string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gen := []*rowContext{newRowContext()}
	var lastCols []string
	var lastKinds []translate.BindingKind
	var lastRows []map[string]any

	stmts := plan.Statements
	for i := 0; i < len(stmts); i++ {
		st := stmts[i]

		if st.MergeGroup != 0 {
			group, next := collectMergeGroup(stmts, i)
			newGen := make([]*rowContext, 0, len(gen))
			for _, rc := range gen {
				nrc, err := runMergeGroup(ctx, db, group, rc, userParams, logger)
				if err != nil {
					return nil, nil, err
				}
				newGen = append(newGen, nrc)
			}
			gen = newGen
			i = next - 1
			continue
		}

		switch st.Kind {
		case translate.KindRead:
			var newGen []*rowContext
			var allRows []map[string]any
			for _, rc := range gen {
				params, err := resolveParams(st.Params, rc, userParams)
				if err != nil {
					return nil, nil, err
				}
				rawRows, _, err := db.Query(ctx, st.SQL, params)
				if err != nil {
					return nil, nil, err
				}
				for _, raw := range rawRows {
					allRows = append(allRows, raw)
					nrc := rc.clone()
					for j, name := range st.ReturnColumns {
						nrc.values[name] = raw[name]
						if j < len(st.ReturnKinds) {
							nrc.kinds[name] = st.ReturnKinds[j]
						}
					}
					newGen = append(newGen, nrc)
				}
			}
			gen = newGen
			lastCols = st.ReturnColumns
			lastKinds = st.ReturnKinds
			lastRows = allRows

		case translate.KindDeleteGuard:
			for _, rc := range gen {
				params, err := resolveParams(st.Params, rc, userParams)
				if err != nil {
					return nil, nil, err
				}
				rawRows, _, err := db.Query(ctx, st.SQL, params)
				if err != nil {
					return nil, nil, err
				}
				if len(rawRows) > 0 {
					if n, ok := asInt64(rawRows[0]["n"]); ok && n > 0 {
						return nil, nil, &errs.SemanticError{Message: "cannot delete a node that still has relationships; use DETACH DELETE"}
					}
				}
			}

		default: // KindCreate, KindSet, KindDelete
			for _, rc := range gen {
				params, err := resolveParams(st.Params, rc, userParams)
				if err != nil {
					return nil, nil, err
				}
				if _, err := db.Exec(ctx, st.SQL, params); err != nil {
					return nil, nil, err
				}
				for _, bv := range st.Binds {
					if id, ok := rc.newIDs[bv.Name]; ok {
						rc.values[bv.Name] = id
						rc.kinds[bv.Name] = bv.Kind
					}
				}
			}
		}
	}

	if len(stmts) == 0 || stmts[len(stmts)-1].Kind != translate.KindRead {
		return nil, nil, nil
	}
	shaped, err := shapeRows(lastRows, lastCols, lastKinds)
	if err != nil {
		return nil, nil, err
	}
	return shaped, lastCols, nil
}

// collectMergeGroup returns the contiguous run of statements sharing
// stmts[start]'s MergeGroup, and the index just past it.
func collectMergeGroup(stmts []*translate.Statement, start int) ([]*translate.Statement, int) {
	group := stmts[start].MergeGroup
	end := start
	for end < len(stmts) && stmts[end].MergeGroup == group {
		end++
	}
	return stmts[start:end], end
}

// runMergeGroup executes one MERGE's probe/insert/on_create/on_match
// sequence for a single row: run the probe, then exactly one of
// {insert + ON CREATE SET} or {ON MATCH SET}, caching whichever id
// resulted under the key the insert statement's Binds names so any
// later plain NewID reference to that key (ON CREATE/ON MATCH SET,
// or a subsequent statement in the same row) resolves to it.
func runMergeGroup(ctx context.Context, db *store.DB, group []*translate.Statement, rc *rowContext, userParams map[string]any, logger *zap.Logger) (*rowContext, error) {
	var probe, insert *translate.Statement
	var onCreate, onMatch []*translate.Statement
	for _, st := range group {
		switch st.MergePhase {
		case translate.MergeProbe:
			probe = st
		case translate.MergeInsert:
			insert = st
		case translate.MergeOnCreate:
			onCreate = append(onCreate, st)
		case translate.MergeOnMatch:
			onMatch = append(onMatch, st)
		}
	}
	if probe == nil || insert == nil || len(insert.Binds) == 0 {
		return nil, &errs.InvariantError{Message: "malformed MERGE statement group"}
	}
	key := insert.Binds[0].Name

	probeParams, err := resolveParams(probe.Params, rc, userParams)
	if err != nil {
		return nil, err
	}
	probeRows, _, err := db.Query(ctx, probe.SQL, probeParams)
	if err != nil {
		return nil, err
	}

	if len(probeRows) > 0 {
		id, _ := probeRows[0]["id"].(string)
		rc.newIDs[key] = id
		rc.values[key] = id
		rc.kinds[key] = insert.Binds[0].Kind
		for _, st := range onMatch {
			if err := runSingleRowStatement(ctx, db, st, rc, userParams); err != nil {
				return nil, err
			}
		}
		return rc, nil
	}

	insertParams, err := resolveParams(insert.Params, rc, userParams)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(ctx, insert.SQL, insertParams); err != nil {
		return nil, err
	}
	rc.values[key] = rc.newIDs[key]
	rc.kinds[key] = insert.Binds[0].Kind
	for _, st := range onCreate {
		if err := runSingleRowStatement(ctx, db, st, rc, userParams); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

func runSingleRowStatement(ctx context.Context, db *store.DB, st *translate.Statement, rc *rowContext, userParams map[string]any) error {
	params, err := resolveParams(st.Params, rc, userParams)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, st.SQL, params)
	return err
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// newUUID is a seam over uuid.New so tests never depend on real
// randomness beyond asserting distinctness/format.
var newUUID = func() string { return uuid.New().String() }
