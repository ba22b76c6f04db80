package database

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ColumnKind is the advisory value kind of a table column.
type ColumnKind string

// Column kinds. Mixed kinds across rows collapse to KindText.
const (
	KindInt      ColumnKind = "int"
	KindFloat    ColumnKind = "float"
	KindText     ColumnKind = "text"
	KindBool     ColumnKind = "bool"
	KindDateTime ColumnKind = "datetime"
)

// Column is one advisory schema column.
type Column struct {
	Name string     `json:"name"`
	Kind ColumnKind `json:"kind"`
}

// Schema is the advisory column shape of a table, refreshed from the most
// recent writes and never enforced.
type Schema []Column

// InferSchema derives an advisory schema from a batch of rows: the union of
// top-level keys, each with the common value kind, degrading to text when
// rows disagree. Column order is lexicographic for stability.
func InferSchema(rows []*Row) (Schema, error) {
	kinds := map[string]ColumnKind{}
	for _, r := range rows {
		var content map[string]any
		if err := json.Unmarshal(r.Content, &content); err != nil {
			return nil, fmt.Errorf("database: row %q is not a json object: %w", r.RowID, err)
		}
		for name, v := range content {
			k := kindOf(v)
			if prev, ok := kinds[name]; ok && prev != k {
				kinds[name] = KindText
				continue
			}
			kinds[name] = k
		}
	}
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	schema := make(Schema, 0, len(names))
	for _, name := range names {
		schema = append(schema, Column{Name: name, Kind: kinds[name]})
	}
	return schema, nil
}

func kindOf(v any) ColumnKind {
	switch t := v.(type) {
	case bool:
		return KindBool
	case float64:
		if t == float64(int64(t)) {
			return KindInt
		}
		return KindFloat
	default:
		return KindText
	}
}
