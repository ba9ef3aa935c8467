package sync

import (
	"strings"
)

// ExtractGuarantees maps the dbt tests that depend on a node onto the
// guarantees object:
//
//	not_null            -> nullability[col] = "never"
//	accepted_values     -> accepted_values[col] = values
//	unique/relationships, dbt_utils.*, dbt_expectations.*, other namespaced
//	                    -> custom entries with structured type info
//	singular tests (no test_metadata) -> custom entries carrying their SQL
//
// Singular tests express business-logic assertions; removing one is a
// breaking change, so their SQL is preserved for consumers to read.
// Returns nil when no tests reference the node.
func ExtractGuarantees(nodeID string, allNodes map[string]map[string]any) map[string]any {
	nullability := map[string]any{}
	acceptedValues := map[string]any{}
	var custom []map[string]any

	for testID, testNode := range allNodes {
		if stringField(testNode, "resource_type") != "test" {
			continue
		}
		if !dependsOnNode(testNode, nodeID) {
			continue
		}

		testMeta, _ := testNode["test_metadata"].(map[string]any)
		testName := stringField(testMeta, "name")
		kwargs, _ := testMeta["kwargs"].(map[string]any)

		columnName := stringField(kwargs, "column_name")
		if columnName == "" {
			columnName = stringField(testNode, "column_name")
		}

		switch {
		case testName == "not_null" && columnName != "":
			nullability[columnName] = "never"
		case testName == "accepted_values" && columnName != "":
			if values := stringList(kwargs["values"]); len(values) > 0 {
				acceptedValues[columnName] = values
			}
		case testName == "unique" || testName == "relationships":
			custom = append(custom, customTest(testName, columnName, kwargs))
		case strings.HasPrefix(testName, "dbt_utils.") || strings.HasPrefix(testName, "dbt_expectations."):
			custom = append(custom, customTest(testName, columnName, kwargs))
		case testMeta != nil && stringField(testMeta, "namespace") != "":
			custom = append(custom, customTest(stringField(testMeta, "namespace")+"."+testName, columnName, kwargs))
		case testMeta == nil:
			// Singular test: a SQL file in tests/ with no generic metadata.
			name := testID
			if idx := strings.LastIndex(testID, "."); idx >= 0 {
				name = testID[idx+1:]
			}
			sql := stringField(testNode, "compiled_code")
			if sql == "" {
				sql = stringField(testNode, "raw_code")
			}
			custom = append(custom, map[string]any{
				"type":        "singular",
				"name":        name,
				"description": stringField(testNode, "description"),
				"sql":         sql,
			})
		}
	}

	if len(nullability) == 0 && len(acceptedValues) == 0 && len(custom) == 0 {
		return nil
	}
	guarantees := map[string]any{}
	if len(nullability) > 0 {
		guarantees["nullability"] = nullability
	}
	if len(acceptedValues) > 0 {
		guarantees["accepted_values"] = acceptedValues
	}
	if len(custom) > 0 {
		guarantees["custom"] = custom
	}
	return guarantees
}

// MergeMetaGuarantees folds meta.tessera freshness/volume SLAs into the
// extracted guarantees, allocating the object when tests produced none.
func MergeMetaGuarantees(guarantees map[string]any, meta MetaConfig) map[string]any {
	if meta.Freshness == nil && meta.Volume == nil {
		return guarantees
	}
	if guarantees == nil {
		guarantees = map[string]any{}
	}
	if meta.Freshness != nil {
		guarantees["freshness"] = meta.Freshness
	}
	if meta.Volume != nil {
		guarantees["volume"] = meta.Volume
	}
	return guarantees
}

func customTest(testType, column string, kwargs map[string]any) map[string]any {
	entry := map[string]any{"type": testType, "config": kwargs}
	if column != "" {
		entry["column"] = column
	} else {
		entry["column"] = nil
	}
	return entry
}

func dependsOnNode(testNode map[string]any, nodeID string) bool {
	for _, dep := range dependsOn(testNode) {
		if dep == nodeID {
			return true
		}
	}
	return false
}
