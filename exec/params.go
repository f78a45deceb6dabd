package exec

import (
	"encoding/json"
	"fmt"

	"github.com/cyql-db/cyql/errs"
	"github.com/cyql-db/cyql/translate"
)

// resolveParams turns one Statement's Params slice -- a mix of literal
// SQL values and the translator's placeholder types -- into a slice of
// concrete driver-ready values, given the row currently flowing through
// the plan and the caller-supplied named parameters.
func resolveParams(params []any, rc *rowContext, userParams map[string]any) ([]any, error) {
	out := make([]any, len(params))
	for i, p := range params {
		v, err := resolveParam(p, rc, userParams)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func resolveParam(p any, rc *rowContext, userParams map[string]any) (any, error) {
	switch v := p.(type) {
	case translate.NewID:
		if id, ok := rc.newIDs[v.Key]; ok {
			return id, nil
		}
		id := newUUID()
		rc.newIDs[v.Key] = id
		return id, nil

	case translate.RowOrNewRef:
		if id, ok := rc.newIDs[v.Key]; ok {
			return id, nil
		}
		return resolveRowValue(v.Key, rc)

	case translate.RowRef:
		return resolveRowValue(v.Variable, rc)

	case translate.ParamRef:
		val, ok := userParams[v.Name]
		if !ok {
			return nil, &errs.SemanticError{Message: fmt.Sprintf("missing parameter $%s", v.Name)}
		}
		return coerceParamValue(val)

	case translate.LabelsParam:
		b, err := json.Marshal(v.Labels)
		if err != nil {
			return nil, &errs.InvariantError{Message: "failed to encode labels"}
		}
		return string(b), nil

	case translate.IndexedIDRef:
		return resolveIndexedIDRef(v, rc, userParams)

	default:
		return v, nil
	}
}

// resolveRowValue looks up name in the current row and, for node/edge
// bindings, lifts the id out of the carried JSON blob rather than
// handing the whole blob to the driver.
func resolveRowValue(name string, rc *rowContext) (any, error) {
	val, ok := rc.values[name]
	if !ok {
		return nil, &errs.SemanticError{Message: fmt.Sprintf("variable %q is not bound", name)}
	}
	kind, hasKind := rc.kinds[name]
	if !hasKind || (kind != translate.BindNode && kind != translate.BindEdge) {
		return val, nil
	}
	return extractNfID(val)
}

// extractNfID pulls the "_nf_id" field out of a node/edge JSON blob
// (the raw column value returned by the driver, as string or []byte).
func extractNfID(val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	raw, err := toJSONBytes(val)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &errs.InvariantError{Message: "failed to decode node/relationship value"}
	}
	id, _ := obj["_nf_id"].(string)
	return id, nil
}

func toJSONBytes(val any) ([]byte, error) {
	switch t := val.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, &errs.InvariantError{Message: "unexpected node/relationship value shape"}
	}
}

func resolveIndexedIDRef(v translate.IndexedIDRef, rc *rowContext, userParams map[string]any) (any, error) {
	listVal, err := resolveParam(v.List, rc, userParams)
	if err != nil {
		return nil, err
	}
	raw, err := toJSONBytes(listVal)
	if err != nil {
		return nil, err
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, &errs.InvariantError{Message: "failed to decode collected list"}
	}

	idxVal, err := resolveParam(v.Index, rc, userParams)
	if err != nil {
		return nil, err
	}
	idx, err := coerceIndex(idxVal)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		idx += len(list)
	}
	if idx < 0 || idx >= len(list) {
		return nil, &errs.SemanticError{Message: "list index out of range"}
	}

	var obj map[string]any
	if err := json.Unmarshal(list[idx], &obj); err != nil {
		return nil, &errs.InvariantError{Message: "failed to decode collected list element"}
	}
	id, _ := obj["_nf_id"].(string)
	return id, nil
}

func coerceIndex(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, &errs.SemanticError{Message: "list index must be an integer"}
	}
}

// coerceParamValue normalizes a user-supplied parameter value into
// something the sqlite3 driver accepts directly: bool becomes 0/1, and
// maps/slices are JSON-encoded since the schema stores properties as
// JSON text.
func coerceParamValue(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, &errs.InvariantError{Message: "failed to encode parameter value"}
		}
		return string(b), nil
	default:
		return v, nil
	}
}
