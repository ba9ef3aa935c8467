package sync

import (
	"strings"
)

// dbtTypeMapping is the fixed external-type table. Lookups are
// case-insensitive with the base type extracted before any "(".
var dbtTypeMapping = map[string]string{
	// String types
	"string":            "string",
	"text":              "string",
	"varchar":           "string",
	"char":              "string",
	"character varying": "string",
	// Numeric types
	"integer": "integer",
	"int":     "integer",
	"bigint":  "integer",
	"smallint": "integer",
	"int64":   "integer",
	"int32":   "integer",
	"number":  "number",
	"numeric": "number",
	"decimal": "number",
	"float":   "number",
	"double":  "number",
	"real":    "number",
	"float64": "number",
	// Boolean
	"boolean": "boolean",
	"bool":    "boolean",
	// Date/time (represented as strings in JSON)
	"date":          "string",
	"datetime":      "string",
	"timestamp":     "string",
	"timestamp_ntz": "string",
	"timestamp_tz":  "string",
	"time":          "string",
	// Other
	"json":    "object",
	"jsonb":   "object",
	"array":   "array",
	"variant": "object",
	"object":  "object",
}

// MapColumnType converts an external column type to its JSON Schema type.
// Unknown types fall back to string.
func MapColumnType(dataType string) string {
	base := strings.ToLower(strings.TrimSpace(dataType))
	if idx := strings.Index(base, "("); idx >= 0 {
		base = strings.TrimSpace(base[:idx])
	}
	if base == "" {
		return "string"
	}
	if mapped, ok := dbtTypeMapping[base]; ok {
		return mapped
	}
	return "string"
}

// ColumnsToJSONSchema converts dbt column definitions to a JSON Schema
// object document suitable for the diff engine.
func ColumnsToJSONSchema(columns map[string]map[string]any) map[string]any {
	properties := map[string]any{}
	for name, info := range columns {
		prop := map[string]any{"type": MapColumnType(stringField(info, "data_type"))}
		if description := stringField(info, "description"); description != "" {
			prop["description"] = description
		}
		properties[name] = prop
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   []any{},
	}
}
