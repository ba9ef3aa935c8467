package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapColumnType(t *testing.T) {
	cases := map[string]string{
		"VARCHAR(255)":      "string",
		"text":              "string",
		"character varying": "string",
		"INT":               "integer",
		"bigint":            "integer",
		"int64":             "integer",
		"NUMERIC(10,2)":     "number",
		"double":            "number",
		"float64":           "number",
		"BOOLEAN":           "boolean",
		"bool":              "boolean",
		"TIMESTAMP_NTZ":     "string",
		"date":              "string",
		"jsonb":             "object",
		"variant":           "object",
		"array":             "array",
		"geography":         "string", // unknown types degrade to string
		"":                  "string",
	}
	for input, want := range cases {
		assert.Equal(t, want, MapColumnType(input), input)
	}
}

func TestColumnsToJSONSchema(t *testing.T) {
	doc := ColumnsToJSONSchema(map[string]map[string]any{
		"id":    {"data_type": "bigint", "description": "primary key"},
		"total": {"data_type": "numeric(10,2)"},
	})
	assert.Equal(t, "object", doc["type"])
	props := doc["properties"].(map[string]any)
	id := props["id"].(map[string]any)
	assert.Equal(t, "integer", id["type"])
	assert.Equal(t, "primary key", id["description"])
	total := props["total"].(map[string]any)
	assert.Equal(t, "number", total["type"])
	assert.Empty(t, doc["required"])
}

func TestNodeFQNAndMeta(t *testing.T) {
	node := map[string]any{
		"database": "Warehouse",
		"schema":   "Analytics",
		"name":     "Orders",
		"meta": map[string]any{
			"tessera": map[string]any{
				"owner_team":         "data-platform",
				"owner_user":         "alice@corp.com",
				"compatibility_mode": "full",
				"consumers":          []any{map[string]any{"team": "marketing", "purpose": "attribution"}},
				"freshness":          map[string]any{"max_staleness_minutes": float64(60)},
			},
		},
	}
	assert.Equal(t, "warehouse.analytics.orders", NodeFQN(node))

	meta := ExtractMeta(node)
	assert.Equal(t, "data-platform", meta.OwnerTeam)
	assert.Equal(t, "alice@corp.com", meta.OwnerUser)
	assert.Equal(t, "full", meta.CompatibilityMode)
	assert.Len(t, meta.Consumers, 1)
	assert.NotNil(t, meta.Freshness)
	assert.Nil(t, meta.Volume)

	assert.Equal(t, MetaConfig{}, ExtractMeta(map[string]any{"name": "bare"}))
}
