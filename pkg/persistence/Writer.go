// Package persistence with the narrow interface through which the servient
// records property values. Any time-series or SQL store can sit behind it;
// the servient only ever calls these three methods and treats every failure
// as non-fatal.
package persistence

// Writer records property values and structured data
type Writer interface {
	// WritePoint records a single datum under a bucket and key.
	// Must accept any JSON-encodable value.
	WritePoint(bucket string, key string, value interface{}) error

	// ExecuteQuery runs a store specific query and returns tabular rows
	ExecuteQuery(query string) ([]map[string]interface{}, error)

	// InsertData inserts a structured tuple into a table
	InsertData(table string, tuple map[string]interface{}) error
}

// FlattenValue expands a nested map value into dotted leaf keys, so a write
// of {"a": {"b": 1}} under key "prop" records "prop.a.b" = 1. Non-map values
// map to the key itself.
func FlattenValue(key string, value interface{}) map[string]interface{} {
	flat := make(map[string]interface{})
	flattenInto(flat, key, value)
	return flat
}

func flattenInto(flat map[string]interface{}, prefix string, value interface{}) {
	asMap, isMap := value.(map[string]interface{})
	if !isMap {
		flat[prefix] = value
		return
	}
	for key, sub := range asMap {
		flattenInto(flat, prefix+"."+key, sub)
	}
}
