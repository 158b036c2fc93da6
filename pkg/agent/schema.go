package agent

import (
	"math"
	"reflect"
	"sort"
)

// inferSchema describes a decoded JSON value (the output of json.Unmarshal
// into interface{}) as a JSON schema. Array items are merged across elements
// and object properties are required only when every sample carries them.
func inferSchema(v interface{}) map[string]interface{} {
	schema := map[string]interface{}{"$schema": "http://json-schema.org/schema#"}
	for k, val := range inferNode(v) {
		schema[k] = val
	}
	return schema
}

func inferNode(v interface{}) map[string]interface{} {
	switch x := v.(type) {
	case nil:
		return map[string]interface{}{"type": "null"}
	case bool:
		return map[string]interface{}{"type": "boolean"}
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return map[string]interface{}{"type": "integer"}
		}
		return map[string]interface{}{"type": "number"}
	case string:
		return map[string]interface{}{"type": "string"}
	case []interface{}:
		node := map[string]interface{}{"type": "array"}
		var items map[string]interface{}
		for _, elem := range x {
			if items == nil {
				items = inferNode(elem)
				continue
			}
			items = mergeSchemas(items, inferNode(elem))
		}
		if items != nil {
			node["items"] = items
		}
		return node
	case map[string]interface{}:
		props := make(map[string]interface{}, len(x))
		required := make([]string, 0, len(x))
		for k, val := range x {
			props[k] = inferNode(val)
			required = append(required, k)
		}
		sort.Strings(required)
		node := map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			node["required"] = required
		}
		return node
	default:
		return map[string]interface{}{}
	}
}

func mergeSchemas(a, b map[string]interface{}) map[string]interface{} {
	ta, _ := a["type"].(string)
	tb, _ := b["type"].(string)

	switch {
	case ta != "" && ta == tb && ta == "object":
		return mergeObjects(a, b)
	case ta != "" && ta == tb && ta == "array":
		out := map[string]interface{}{"type": "array"}
		ia, okA := a["items"].(map[string]interface{})
		ib, okB := b["items"].(map[string]interface{})
		switch {
		case okA && okB:
			out["items"] = mergeSchemas(ia, ib)
		case okA:
			out["items"] = ia
		case okB:
			out["items"] = ib
		}
		return out
	case ta != "" && ta == tb:
		return a
	case (ta == "integer" && tb == "number") || (ta == "number" && tb == "integer"):
		return map[string]interface{}{"type": "number"}
	}

	var options []interface{}
	for _, s := range []map[string]interface{}{a, b} {
		if anyOf, ok := s["anyOf"].([]interface{}); ok {
			options = append(options, anyOf...)
			continue
		}
		options = append(options, s)
	}
	deduped := make([]interface{}, 0, len(options))
	for _, opt := range options {
		seen := false
		for _, existing := range deduped {
			if reflect.DeepEqual(existing, opt) {
				seen = true
				break
			}
		}
		if !seen {
			deduped = append(deduped, opt)
		}
	}
	return map[string]interface{}{"anyOf": deduped}
}

func mergeObjects(a, b map[string]interface{}) map[string]interface{} {
	pa, _ := a["properties"].(map[string]interface{})
	pb, _ := b["properties"].(map[string]interface{})
	props := make(map[string]interface{}, len(pa)+len(pb))
	for k, v := range pa {
		props[k] = v
	}
	for k, v := range pb {
		if existing, ok := props[k].(map[string]interface{}); ok {
			props[k] = mergeSchemas(existing, v.(map[string]interface{}))
			continue
		}
		props[k] = v
	}

	inB := make(map[string]bool)
	for _, k := range requiredList(b) {
		inB[k] = true
	}
	required := []string{}
	for _, k := range requiredList(a) {
		if inB[k] {
			required = append(required, k)
		}
	}

	out := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func requiredList(s map[string]interface{}) []string {
	required, _ := s["required"].([]string)
	return required
}
