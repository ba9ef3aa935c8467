package sync

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"tessera/apperr"
	"tessera/models"
)

// graphQLScalars maps GraphQL scalar names to JSON Schema types.
var graphQLScalars = map[string]string{
	"String":  "string",
	"ID":      "string",
	"Int":     "integer",
	"Float":   "number",
	"Boolean": "boolean",
}

const graphQLDepthLimit = 3

// GraphQLRequest ingests a GraphQL surface as graphql_query assets.
type GraphQLRequest struct {
	Introspection    map[string]any
	SchemaName       string
	OwnerTeamName    string
	PublishContracts bool
	DryRun           bool
}

// OperationImport describes one imported query or mutation.
type OperationImport struct {
	FQN       string `json:"fqn"`
	Kind      string `json:"kind"`
	Field     string `json:"field"`
	HasSchema bool   `json:"has_schema"`
}

// GraphQLResult reports the ingest outcome.
type GraphQLResult struct {
	Status             string            `json:"status"`
	DryRun             bool              `json:"dry_run"`
	AssetsCreated      int               `json:"assets_created"`
	AssetsUpdated      int               `json:"assets_updated"`
	ContractsPublished int               `json:"contracts_published"`
	Operations         []OperationImport `json:"operations"`
	Warnings           []string          `json:"warnings"`
}

// ImportGraphQL converts an introspection result's root query and mutation
// fields into assets, with each field's return type mapped to a JSON Schema.
func (s *Service) ImportGraphQL(ctx context.Context, req GraphQLRequest) (*GraphQLResult, error) {
	schemaDoc := introspectionSchema(req.Introspection)
	if schemaDoc == nil {
		return nil, apperr.New(apperr.Validation, "introspection result has no __schema")
	}

	team, err := s.teamByName(ctx, req.OwnerTeamName)
	if err != nil {
		return nil, err
	}

	schemaName := slug(req.SchemaName)
	if schemaName == "" {
		schemaName = "default"
	}

	types := map[string]map[string]any{}
	if rawTypes, ok := schemaDoc["types"].([]any); ok {
		for _, rawType := range rawTypes {
			if typed, ok := rawType.(map[string]any); ok {
				if name := stringField(typed, "name"); name != "" {
					types[name] = typed
				}
			}
		}
	}

	rootName := func(key string) string {
		root, _ := schemaDoc[key].(map[string]any)
		return stringField(root, "name")
	}

	result := &GraphQLResult{Status: "success", DryRun: req.DryRun, Operations: []OperationImport{}, Warnings: []string{}}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ingestRoot := func(kind, typeName string) error {
			if typeName == "" {
				return nil
			}
			root, ok := types[typeName]
			if !ok {
				return nil
			}
			fields, _ := root["fields"].([]any)
			for _, rawField := range fields {
				field, ok := rawField.(map[string]any)
				if !ok {
					continue
				}
				fieldName := stringField(field, "name")
				if fieldName == "" || strings.HasPrefix(fieldName, "__") {
					continue
				}
				fqn := strings.ToLower(fmt.Sprintf("graphql.%s.%s_%s", schemaName, kind, slug(fieldName)))
				fieldType, _ := field["type"].(map[string]any)
				operationSchema := graphQLTypeToSchema(fieldType, types, 0)

				result.Operations = append(result.Operations, OperationImport{
					FQN:       fqn,
					Kind:      kind,
					Field:     fieldName,
					HasSchema: operationSchema != nil,
				})
				if req.DryRun {
					continue
				}

				metadata := map[string]any{
					"source":         "graphql",
					"schema_name":    schemaName,
					"operation_kind": kind,
					"field":          fieldName,
					"description":    stringField(field, "description"),
				}
				asset, created, err := s.upsertImportedAsset(tx, fqn, models.DefaultEnvironment, models.ResourceGraphQLQuery, team, metadata)
				if err != nil {
					return err
				}
				if created {
					result.AssetsCreated++
				} else {
					result.AssetsUpdated++
				}

				if req.PublishContracts && operationSchema != nil {
					published, warning, err := s.publishImportedContract(tx, asset, operationSchema)
					if err != nil {
						return err
					}
					if published {
						result.ContractsPublished++
					}
					if warning != "" {
						appendCapped(&result.Warnings, fmt.Sprintf("%s: %s", fqn, warning))
					}
				}
			}
			return nil
		}

		if err := ingestRoot("query", rootName("queryType")); err != nil {
			return err
		}
		return ingestRoot("mutation", rootName("mutationType"))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// introspectionSchema accepts both {"data": {"__schema": ...}} and a bare
// {"__schema": ...} payload.
func introspectionSchema(raw map[string]any) map[string]any {
	if data, ok := raw["data"].(map[string]any); ok {
		if doc, ok := data["__schema"].(map[string]any); ok {
			return doc
		}
	}
	if doc, ok := raw["__schema"].(map[string]any); ok {
		return doc
	}
	return nil
}

// graphQLTypeToSchema maps a type reference to a JSON Schema document.
// NON_NULL wrappers unwrap, LIST becomes array, objects expand their fields
// to a bounded depth, and unknown kinds degrade to string.
func graphQLTypeToSchema(typeRef map[string]any, types map[string]map[string]any, depth int) map[string]any {
	if typeRef == nil {
		return nil
	}
	kind := stringField(typeRef, "kind")
	name := stringField(typeRef, "name")
	ofType, _ := typeRef["ofType"].(map[string]any)

	switch kind {
	case "NON_NULL":
		return graphQLTypeToSchema(ofType, types, depth)
	case "LIST":
		items := graphQLTypeToSchema(ofType, types, depth)
		if items == nil {
			items = map[string]any{"type": "object"}
		}
		return map[string]any{"type": "array", "items": items}
	case "SCALAR":
		if mapped, ok := graphQLScalars[name]; ok {
			return map[string]any{"type": mapped}
		}
		return map[string]any{"type": "string"}
	case "ENUM":
		doc := map[string]any{"type": "string"}
		if typed, ok := types[name]; ok {
			if rawValues, ok := typed["enumValues"].([]any); ok {
				var values []any
				for _, rawValue := range rawValues {
					if entry, ok := rawValue.(map[string]any); ok {
						if v := stringField(entry, "name"); v != "" {
							values = append(values, v)
						}
					}
				}
				if len(values) > 0 {
					doc["enum"] = values
				}
			}
		}
		return doc
	case "OBJECT":
		if depth >= graphQLDepthLimit {
			return map[string]any{"type": "object"}
		}
		typed, ok := types[name]
		if !ok {
			return map[string]any{"type": "object"}
		}
		properties := map[string]any{}
		fields, _ := typed["fields"].([]any)
		for _, rawField := range fields {
			field, ok := rawField.(map[string]any)
			if !ok {
				continue
			}
			fieldName := stringField(field, "name")
			if fieldName == "" || strings.HasPrefix(fieldName, "__") {
				continue
			}
			fieldType, _ := field["type"].(map[string]any)
			if sub := graphQLTypeToSchema(fieldType, types, depth+1); sub != nil {
				properties[fieldName] = sub
			}
		}
		return map[string]any{"type": "object", "properties": properties, "required": []any{}}
	default:
		return map[string]any{"type": "string"}
	}
}
