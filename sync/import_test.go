package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/apperr"
	"tessera/models"
)

func petStoreSpec() map[string]any {
	petSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":   map[string]any{"type": "integer"},
			"name": map[string]any{"type": "string"},
		},
		"required": []any{"id", "name"},
	}
	return map[string]any{
		"openapi": "3.0.0",
		"info":    map[string]any{"title": "Pet Store API"},
		"paths": map[string]any{
			"/pets": map[string]any{
				"get": map[string]any{
					"operationId": "listPets",
					"responses": map[string]any{
						"200": map[string]any{
							"content": map[string]any{
								"application/json": map[string]any{
									"schema": map[string]any{
										"type":  "array",
										"items": map[string]any{"$ref": "#/components/schemas/Pet"},
									},
								},
							},
						},
					},
				},
				"post": map[string]any{
					"operationId": "createPet",
					"requestBody": map[string]any{
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{"$ref": "#/components/schemas/Pet"},
							},
						},
					},
				},
			},
		},
		"components": map[string]any{
			"schemas": map[string]any{"Pet": petSchema},
		},
	}
}

func TestImportOpenAPIDryRun(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	seedTeam(t, db, "api-team")

	result, err := svc.ImportOpenAPI(context.Background(), OpenAPIRequest{
		Spec:          petStoreSpec(),
		OwnerTeamName: "api-team",
		DryRun:        true,
	})
	require.NoError(t, err)
	assert.Len(t, result.Endpoints, 2)
	assert.Zero(t, result.AssetsCreated)

	var count int64
	require.NoError(t, db.Model(&models.Asset{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestImportOpenAPICreatesAssetsAndContracts(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	seedTeam(t, db, "api-team")

	result, err := svc.ImportOpenAPI(context.Background(), OpenAPIRequest{
		Spec:             petStoreSpec(),
		OwnerTeamName:    "api-team",
		PublishContracts: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.AssetsCreated)
	assert.Equal(t, 2, result.ContractsPublished)

	var assets []models.Asset
	require.NoError(t, db.Find(&assets).Error)
	require.Len(t, assets, 2)
	for _, asset := range assets {
		assert.Equal(t, models.ResourceAPIEndpoint, asset.ResourceType)
		var contract models.Contract
		require.NoError(t, db.First(&contract, "asset_id = ? AND status = ?", asset.ID, models.ContractActive).Error)
		assert.Equal(t, "1.0.0", contract.Version)
		// $ref targets are inlined into the stored schema.
		doc := models.JSONMap(contract.SchemaDef)
		assert.NotContains(t, doc, "$ref")
	}
}

func TestImportOpenAPIErrors(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	seedTeam(t, db, "api-team")

	_, err := svc.ImportOpenAPI(context.Background(), OpenAPIRequest{
		Spec:          map[string]any{"swagger": "2.0"},
		OwnerTeamName: "api-team",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	_, err = svc.ImportOpenAPI(context.Background(), OpenAPIRequest{
		Spec:          petStoreSpec(),
		OwnerTeamName: "missing-team",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func sampleIntrospection() map[string]any {
	typeRef := func(kind, name string) map[string]any {
		return map[string]any{"kind": kind, "name": name}
	}
	return map[string]any{
		"data": map[string]any{
			"__schema": map[string]any{
				"queryType":    map[string]any{"name": "Query"},
				"mutationType": map[string]any{"name": "Mutation"},
				"types": []any{
					map[string]any{
						"kind": "OBJECT",
						"name": "Query",
						"fields": []any{
							map[string]any{"name": "user", "type": typeRef("OBJECT", "User")},
							map[string]any{"name": "userCount", "type": typeRef("SCALAR", "Int")},
						},
					},
					map[string]any{
						"kind": "OBJECT",
						"name": "Mutation",
						"fields": []any{
							map[string]any{"name": "createUser", "type": typeRef("OBJECT", "User")},
						},
					},
					map[string]any{
						"kind": "OBJECT",
						"name": "User",
						"fields": []any{
							map[string]any{"name": "id", "type": typeRef("SCALAR", "ID")},
							map[string]any{"name": "name", "type": typeRef("SCALAR", "String")},
							map[string]any{"name": "role", "type": typeRef("ENUM", "Role")},
						},
					},
					map[string]any{
						"kind": "ENUM",
						"name": "Role",
						"enumValues": []any{
							map[string]any{"name": "ADMIN"},
							map[string]any{"name": "MEMBER"},
						},
					},
				},
			},
		},
	}
}

func TestImportGraphQLCreatesOperations(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	seedTeam(t, db, "api-team")

	result, err := svc.ImportGraphQL(context.Background(), GraphQLRequest{
		Introspection:    sampleIntrospection(),
		SchemaName:       "main",
		OwnerTeamName:    "api-team",
		PublishContracts: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.AssetsCreated)
	assert.Equal(t, 3, result.ContractsPublished)

	var user models.Asset
	require.NoError(t, db.First(&user, "fqn = ?", "graphql.main.query_user").Error)
	assert.Equal(t, models.ResourceGraphQLQuery, user.ResourceType)

	var contract models.Contract
	require.NoError(t, db.First(&contract, "asset_id = ? AND status = ?", user.ID, models.ContractActive).Error)
	doc := models.JSONMap(contract.SchemaDef)
	assert.Equal(t, "object", doc["type"])
	props := doc["properties"].(map[string]any)
	assert.Contains(t, props, "id")
	role := props["role"].(map[string]any)
	assert.Equal(t, "string", role["type"])
	assert.Len(t, role["enum"], 2)
}

func TestImportGraphQLRejectsMissingSchema(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	seedTeam(t, db, "api-team")

	_, err := svc.ImportGraphQL(context.Background(), GraphQLRequest{
		Introspection: map[string]any{"data": map[string]any{}},
		OwnerTeamName: "api-team",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestImportGraphQLDryRun(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	seedTeam(t, db, "api-team")

	result, err := svc.ImportGraphQL(context.Background(), GraphQLRequest{
		Introspection: sampleIntrospection(),
		OwnerTeamName: "api-team",
		DryRun:        true,
	})
	require.NoError(t, err)
	assert.Len(t, result.Operations, 3)

	var count int64
	require.NoError(t, db.Model(&models.Asset{}).Count(&count).Error)
	assert.Zero(t, count)
}
