package schema

import (
	"fmt"
)

var knownTypes = map[string]struct{}{
	"null":    {},
	"boolean": {},
	"integer": {},
	"number":  {},
	"string":  {},
	"array":   {},
	"object":  {},
}

// ValidateDocument checks that a schema document has the JSON-Schema-like
// shape the differ expects. It returns the list of problems found; an empty
// list means the document is acceptable.
func ValidateDocument(doc map[string]any) []string {
	var problems []string
	if doc == nil {
		return []string{"schema document must be a JSON object"}
	}
	validateNode(doc, "", &problems)
	return problems
}

func validateNode(doc map[string]any, path string, problems *[]string) {
	at := func(segment string) string {
		if path == "" {
			return segment
		}
		return path + "." + segment
	}

	if raw, ok := doc["type"]; ok {
		t, isString := raw.(string)
		if !isString {
			*problems = append(*problems, fmt.Sprintf("%s: type must be a string", at("type")))
		} else if _, known := knownTypes[t]; !known {
			*problems = append(*problems, fmt.Sprintf("%s: unknown type %q", at("type"), t))
		}
	}

	if raw, ok := doc["required"]; ok {
		list, isList := raw.([]any)
		if !isList {
			if _, isStrings := raw.([]string); !isStrings {
				*problems = append(*problems, fmt.Sprintf("%s: required must be a list of strings", at("required")))
			}
		} else {
			for i, entry := range list {
				if _, isString := entry.(string); !isString {
					*problems = append(*problems, fmt.Sprintf("%s[%d]: required entries must be strings", at("required"), i))
				}
			}
		}
	}

	if raw, ok := doc["properties"]; ok {
		props, isMap := raw.(map[string]any)
		if !isMap {
			*problems = append(*problems, fmt.Sprintf("%s: properties must be an object", at("properties")))
		} else {
			for name, sub := range props {
				subDoc, isMap := sub.(map[string]any)
				if !isMap {
					*problems = append(*problems, fmt.Sprintf("%s.%s: property schema must be an object", at("properties"), name))
					continue
				}
				validateNode(subDoc, at("properties")+"."+name, problems)
			}
		}
	}

	if raw, ok := doc["items"]; ok {
		items, isMap := raw.(map[string]any)
		if !isMap {
			*problems = append(*problems, fmt.Sprintf("%s: items must be an object", at("items")))
		} else {
			validateNode(items, at("items"), problems)
		}
	}
}
