package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tessera/apperr"
	"tessera/contracts"
	"tessera/journal"
	"tessera/models"
	"tessera/schema"
)

var openAPIMethods = []string{"get", "post", "put", "patch", "delete"}

// OpenAPIRequest ingests a REST surface as api_endpoint assets.
type OpenAPIRequest struct {
	Spec             map[string]any
	OwnerTeamName    string
	Environment      string
	PublishContracts bool
	DryRun           bool
}

// EndpointImport describes one imported operation.
type EndpointImport struct {
	FQN       string `json:"fqn"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Operation string `json:"operation_id,omitempty"`
	HasSchema bool   `json:"has_schema"`
}

// OpenAPIResult reports the ingest outcome.
type OpenAPIResult struct {
	Status             string           `json:"status"`
	DryRun             bool             `json:"dry_run"`
	AssetsCreated      int              `json:"assets_created"`
	AssetsUpdated      int              `json:"assets_updated"`
	ContractsPublished int              `json:"contracts_published"`
	Endpoints          []EndpointImport `json:"endpoints"`
	Warnings           []string         `json:"warnings"`
}

// ImportOpenAPI converts an OpenAPI 3.x document's paths into assets, one
// per (path, method), with the JSON response or request schema as contract.
func (s *Service) ImportOpenAPI(ctx context.Context, req OpenAPIRequest) (*OpenAPIResult, error) {
	version := stringField(req.Spec, "openapi")
	if !strings.HasPrefix(version, "3") {
		return nil, apperr.New(apperr.Validation, "unsupported OpenAPI version %q (3.x required)", version)
	}
	info, _ := req.Spec["info"].(map[string]any)
	title := stringField(info, "title")
	paths, _ := req.Spec["paths"].(map[string]any)
	if len(paths) == 0 {
		return &OpenAPIResult{Status: "success", DryRun: req.DryRun, Endpoints: []EndpointImport{}, Warnings: []string{}}, nil
	}

	team, err := s.teamByName(ctx, req.OwnerTeamName)
	if err != nil {
		return nil, err
	}

	components := map[string]any{}
	if c, ok := req.Spec["components"].(map[string]any); ok {
		if schemas, ok := c["schemas"].(map[string]any); ok {
			components = schemas
		}
	}

	environment := req.Environment
	if environment == "" {
		environment = models.DefaultEnvironment
	}

	result := &OpenAPIResult{Status: "success", DryRun: req.DryRun, Endpoints: []EndpointImport{}, Warnings: []string{}}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for path, rawItem := range paths {
			item, ok := rawItem.(map[string]any)
			if !ok {
				continue
			}
			for _, method := range openAPIMethods {
				op, ok := item[method].(map[string]any)
				if !ok {
					continue
				}
				fqn := endpointFQN(title, method, path)
				schemaDoc := resolveOperationSchema(op, method, components)

				result.Endpoints = append(result.Endpoints, EndpointImport{
					FQN:       fqn,
					Method:    strings.ToUpper(method),
					Path:      path,
					Operation: stringField(op, "operationId"),
					HasSchema: schemaDoc != nil,
				})
				if req.DryRun {
					continue
				}

				metadata := map[string]any{
					"source":       "openapi",
					"api_title":    title,
					"http_method":  strings.ToUpper(method),
					"http_path":    path,
					"operation_id": stringField(op, "operationId"),
					"summary":      stringField(op, "summary"),
				}
				asset, created, err := s.upsertImportedAsset(tx, fqn, environment, models.ResourceAPIEndpoint, team, metadata)
				if err != nil {
					return err
				}
				if created {
					result.AssetsCreated++
				} else {
					result.AssetsUpdated++
				}

				if req.PublishContracts && schemaDoc != nil {
					published, warning, err := s.publishImportedContract(tx, asset, schemaDoc)
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
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// endpointFQN derives a governed name: lower("api.{title}.{method}_{path}")
// with non-identifier characters collapsed.
func endpointFQN(title, method, path string) string {
	return strings.ToLower(fmt.Sprintf("api.%s.%s_%s", slug(title), method, slug(path)))
}

func slug(s string) string {
	trimmed := strings.Trim(strings.TrimSpace(s), "/")
	if trimmed == "" {
		return "root"
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(trimmed) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// resolveOperationSchema picks the JSON schema governing an operation: the
// 200 (else 201) response body for reads, the request body (falling back to
// the response) for writes.
func resolveOperationSchema(op map[string]any, method string, components map[string]any) map[string]any {
	fromContent := func(m map[string]any) map[string]any {
		content, _ := m["content"].(map[string]any)
		appJSON, _ := content["application/json"].(map[string]any)
		doc, _ := appJSON["schema"].(map[string]any)
		if doc == nil {
			return nil
		}
		return resolveRefs(doc, components, map[string]struct{}{})
	}
	responseSchema := func() map[string]any {
		responses, _ := op["responses"].(map[string]any)
		for _, code := range []string{"200", "201"} {
			if resp, ok := responses[code].(map[string]any); ok {
				if doc := fromContent(resp); doc != nil {
					return doc
				}
			}
		}
		return nil
	}
	if method != "get" {
		if body, ok := op["requestBody"].(map[string]any); ok {
			if doc := fromContent(body); doc != nil {
				return doc
			}
		}
	}
	return responseSchema()
}

// resolveRefs inlines local component references so stored contracts are
// self-contained. Cycles break by returning a bare object.
func resolveRefs(doc map[string]any, components map[string]any, seen map[string]struct{}) map[string]any {
	if ref := stringField(doc, "$ref"); ref != "" {
		name := strings.TrimPrefix(ref, "#/components/schemas/")
		if _, cyclic := seen[name]; cyclic {
			return map[string]any{"type": "object"}
		}
		target, ok := components[name].(map[string]any)
		if !ok {
			return map[string]any{"type": "object"}
		}
		seen[name] = struct{}{}
		resolved := resolveRefs(target, components, seen)
		delete(seen, name)
		return resolved
	}
	out := map[string]any{}
	for key, value := range doc {
		switch typed := value.(type) {
		case map[string]any:
			out[key] = resolveRefs(typed, components, seen)
		default:
			out[key] = value
		}
	}
	if props, ok := out["properties"].(map[string]any); ok {
		resolvedProps := map[string]any{}
		for name, sub := range props {
			if subDoc, ok := sub.(map[string]any); ok {
				resolvedProps[name] = resolveRefs(subDoc, components, seen)
			} else {
				resolvedProps[name] = sub
			}
		}
		out["properties"] = resolvedProps
	}
	return out
}

func (s *Service) teamByName(ctx context.Context, name string) (*models.Team, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.New(apperr.BadRequest, "owner_team is required")
	}
	var team models.Team
	err := s.db.WithContext(ctx).
		Where("LOWER(name) = ? AND deleted_at IS NULL", normalize(name)).First(&team).Error
	if err != nil {
		return nil, apperr.New(apperr.NotFound, "team %q not found", name)
	}
	return &team, nil
}

func (s *Service) upsertImportedAsset(tx *gorm.DB, fqn, environment, resourceType string, team *models.Team, metadata map[string]any) (*models.Asset, bool, error) {
	now := s.now().UTC()
	existing, err := assetByFQN(tx, fqn)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		existing.Metadata = models.JSON(metadata)
		existing.OwnerTeamID = team.ID
		existing.ResourceType = resourceType
		existing.UpdatedAt = now
		if err := tx.Save(existing).Error; err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	asset := &models.Asset{
		ID:           uuid.New(),
		FQN:          fqn,
		Environment:  environment,
		ResourceType: resourceType,
		OwnerTeamID:  team.ID,
		Metadata:     models.JSON(metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.Create(asset).Error; err != nil {
		return nil, false, err
	}
	return asset, true, nil
}

// publishImportedContract publishes v1.0.0 for fresh assets and minor bumps
// for compatible changes; breaking changes are skipped with a warning.
func (s *Service) publishImportedContract(tx *gorm.DB, asset *models.Asset, schemaDoc map[string]any) (bool, string, error) {
	if problems := schema.ValidateDocument(schemaDoc); len(problems) > 0 {
		return false, fmt.Sprintf("invalid schema: %v", problems), nil
	}
	active, err := contracts.ActiveContract(tx, asset.ID)
	if err != nil {
		return false, "", err
	}
	version := "1.0.0"
	mode := models.CompatBackward
	if active != nil {
		oldSchema := map[string]any{}
		if err := models.DecodeJSON(active.SchemaDef, &oldSchema); err != nil {
			return false, "", err
		}
		diff := schema.Diff(oldSchema, schemaDoc)
		if !diff.HasChanges() {
			return false, "", nil
		}
		compatible, _ := schema.CheckCompatibility(oldSchema, schemaDoc, active.CompatibilityMode)
		if !compatible {
			return false, "breaking schema change; publish skipped", nil
		}
		version = schema.BumpMinor(active.Version)
		mode = active.CompatibilityMode
		active.Status = models.ContractDeprecated
		active.UpdatedAt = s.now().UTC()
		if err := tx.Save(active).Error; err != nil {
			return false, "", err
		}
	}
	now := s.now().UTC()
	contract := &models.Contract{
		ID:                uuid.New(),
		AssetID:           asset.ID,
		Version:           version,
		SchemaDef:         models.JSON(schemaDoc),
		SchemaFormat:      models.DefaultSchemaFormat,
		CompatibilityMode: mode,
		Status:            models.ContractActive,
		PublishedBy:       asset.OwnerTeamID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := tx.Create(contract).Error; err != nil {
		return false, "", err
	}
	journal.BestEffort(tx, journal.Entry{
		EventType:   "contract_published",
		AssetID:     &asset.ID,
		ContractID:  &contract.ID,
		ActorTeamID: &asset.OwnerTeamID,
		Details:     map[string]any{"version": version, "source": "import"},
	})
	return true, "", nil
}
