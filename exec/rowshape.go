package exec

import (
	"encoding/json"

	"github.com/cyql-db/cyql/errs"
	"github.com/cyql-db/cyql/translate"
)

// shapeRows converts raw store rows (driver-native scalars plus JSON
// blobs for node/edge columns) into the public Cypher value shapes
// described by the query's ReturnColumns/ReturnKinds: node and edge
// columns become maps carrying a synthesized "id" and "label"/"type"
// alongside their properties; everything else passes through the
// generic JSON-ish scalar shaping (nested lists/maps decoded, not left
// as opaque JSON text).
func shapeRows(raw []map[string]any, cols []string, kinds []translate.BindingKind) ([]map[string]any, error) {
	out := make([]map[string]any, len(raw))
	for i, r := range raw {
		shaped := make(map[string]any, len(cols))
		for j, name := range cols {
			kind := translate.BindValue
			if j < len(kinds) {
				kind = kinds[j]
			}
			v, err := shapeValue(r[name], kind)
			if err != nil {
				return nil, err
			}
			shaped[name] = v
		}
		out[i] = shaped
	}
	return out, nil
}

func shapeValue(v any, kind translate.BindingKind) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case translate.BindNode:
		return shapeEntity(v, "label")
	case translate.BindEdge:
		return shapeEntity(v, "type")
	default:
		return shapeScalar(v)
	}
}

// shapeEntity decodes a node/edge JSON blob, lifts "_nf_id" into "id",
// lifts the hidden "_nf_label"/"_nf_type" tag into tagKey (collapsing a
// single-element label array to a bare string), and returns the
// remaining properties flattened into the same map.
func shapeEntity(v any, tagKey string) (map[string]any, error) {
	raw, err := toJSONBytes(v)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &errs.InvariantError{Message: "failed to decode node/relationship value"}
	}
	id, _ := obj["_nf_id"].(string)
	delete(obj, "_nf_id")

	hiddenKey := "_nf_label"
	if tagKey == "type" {
		hiddenKey = "_nf_type"
	}
	tag := obj[hiddenKey]
	delete(obj, hiddenKey)
	if tagKey == "label" {
		if arr, ok := tag.([]any); ok && len(arr) == 1 {
			tag = arr[0]
		}
	}

	obj["id"] = id
	obj[tagKey] = tag
	return obj, nil
}

// shapeScalar decodes JSON text emitted by the translator's JSON-typed
// projections (a property read through `->`, a json_* list or object,
// a json('true') boolean) back into native Go values. Text is decoded
// whenever it parses as JSON, so a plain string column such as "42"
// also comes back as a number; text that does not parse, driver-native
// numbers and nil pass through untouched.
func shapeScalar(v any) (any, error) {
	switch t := v.(type) {
	case []byte:
		return decodeIfJSON(t)
	case string:
		return decodeIfJSON([]byte(t))
	case int64:
		return t, nil
	case float64:
		return t, nil
	default:
		return v, nil
	}
}

func decodeIfJSON(raw []byte) (any, error) {
	if len(raw) == 0 {
		return string(raw), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw), nil
	}
	return v, nil
}
