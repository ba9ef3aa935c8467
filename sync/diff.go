package sync

import (
	"context"
	"fmt"

	"tessera/contracts"
	"tessera/models"
	"tessera/schema"
)

// Per-model change classifications in a diff preview.
const (
	DiffNew       = "new"
	DiffModified  = "modified"
	DiffUnchanged = "unchanged"
)

// Schema-change classifications.
const (
	SchemaChangeNone       = "none"
	SchemaChangeCompatible = "compatible"
	SchemaChangeBreaking   = "breaking"
)

// DiffItem describes one manifest entry in a preview.
type DiffItem struct {
	FQN               string                  `json:"fqn"`
	NodeID            string                  `json:"node_id"`
	ChangeType        string                  `json:"change_type"`
	OwnerTeam         string                  `json:"owner_team,omitempty"`
	ConsumersDeclared int                     `json:"consumers_declared"`
	ConsumersFromRefs int                     `json:"consumers_from_refs"`
	HasSchema         bool                    `json:"has_schema"`
	SchemaChangeType  string                  `json:"schema_change_type,omitempty"`
	BreakingChanges   []schema.BreakingChange `json:"breaking_changes"`
}

// DiffResult is the CI dry-run response. Blocking drives PR checks.
type DiffResult struct {
	Status     string         `json:"status"`
	Summary    map[string]int `json:"summary"`
	Blocking   bool           `json:"blocking"`
	Models     []DiffItem     `json:"models"`
	Warnings   []string       `json:"warnings"`
	MetaErrors []string       `json:"meta_errors"`
}

// Diff previews what applying the manifest would change, without writes.
// fail_on_breaking drives the blocking flag used by CI to fail PRs.
func (s *Service) Diff(ctx context.Context, manifestRaw map[string]any, failOnBreaking bool) (*DiffResult, error) {
	manifest := ParseManifest(manifestRaw)
	db := s.db.WithContext(ctx)
	teamCache := map[string]*models.Team{}

	type manifestEntry struct {
		nodeID string
		node   map[string]any
	}
	entries := map[string]manifestEntry{}
	for nodeID, node := range manifest.Nodes {
		if modelLike(node) {
			entries[NodeFQN(node)] = manifestEntry{nodeID: nodeID, node: node}
		}
	}
	for sourceID, source := range manifest.Sources {
		entries[NodeFQN(source)] = manifestEntry{nodeID: sourceID, node: source}
	}

	var existingAssets []models.Asset
	if err := db.Where("deleted_at IS NULL").Find(&existingAssets).Error; err != nil {
		return nil, err
	}
	existingByFQN := map[string]*models.Asset{}
	for i := range existingAssets {
		existingByFQN[existingAssets[i].FQN] = &existingAssets[i]
	}

	result := &DiffResult{
		Models:     []DiffItem{},
		Warnings:   []string{},
		MetaErrors: []string{},
	}

	for fqn, entry := range entries {
		meta := ExtractMeta(entry.node)
		columns := columnMap(entry.node)
		hasSchema := len(columns) > 0

		consumersFromRefs := 0
		for otherFQN, other := range entries {
			if otherFQN == fqn {
				continue
			}
			for _, dep := range dependsOn(other.node) {
				if dep == entry.nodeID {
					consumersFromRefs++
					break
				}
			}
		}

		if meta.OwnerTeam != "" && lookupTeam(db, teamCache, meta.OwnerTeam) == nil {
			result.MetaErrors = append(result.MetaErrors,
				fmt.Sprintf("%s: owner_team '%s' not found", fqn, meta.OwnerTeam))
		}
		for _, consumer := range meta.Consumers {
			if teamNameValue := stringField(consumer, "team"); teamNameValue != "" {
				if lookupTeam(db, teamCache, teamNameValue) == nil {
					result.MetaErrors = append(result.MetaErrors,
						fmt.Sprintf("%s: consumer team '%s' not found", fqn, teamNameValue))
				}
			}
		}

		item := DiffItem{
			FQN:               fqn,
			NodeID:            entry.nodeID,
			OwnerTeam:         meta.OwnerTeam,
			ConsumersDeclared: len(meta.Consumers),
			ConsumersFromRefs: consumersFromRefs,
			HasSchema:         hasSchema,
			BreakingChanges:   []schema.BreakingChange{},
		}

		existing := existingByFQN[fqn]
		if existing == nil {
			item.ChangeType = DiffNew
			result.Models = append(result.Models, item)
			continue
		}

		active, err := contracts.ActiveContract(db, existing.ID)
		if err != nil {
			return nil, err
		}
		if active == nil || !hasSchema {
			if hasSchema {
				item.ChangeType = DiffModified
			} else {
				item.ChangeType = DiffUnchanged
			}
			result.Models = append(result.Models, item)
			continue
		}

		proposed := ColumnsToJSONSchema(columns)
		oldSchema := map[string]any{}
		if err := models.DecodeJSON(active.SchemaDef, &oldSchema); err != nil {
			return nil, err
		}
		diff := schema.Diff(oldSchema, proposed)
		compatible, breaking := schema.CheckCompatibility(oldSchema, proposed, active.CompatibilityMode)

		switch {
		case !diff.HasChanges():
			item.SchemaChangeType = SchemaChangeNone
			item.ChangeType = DiffUnchanged
		case compatible:
			item.SchemaChangeType = SchemaChangeCompatible
			item.ChangeType = DiffModified
		default:
			item.SchemaChangeType = SchemaChangeBreaking
			item.ChangeType = DiffModified
			item.BreakingChanges = breaking
		}
		result.Models = append(result.Models, item)
	}

	// Assets known to the service but missing from the manifest.
	for fqn, asset := range existingByFQN {
		if _, ok := entries[fqn]; ok {
			continue
		}
		metadata := models.JSONMap(asset.Metadata)
		if metadata["dbt_node_id"] != nil || metadata["dbt_source_id"] != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s: asset in Tessera but missing from manifest (deleted?)", fqn))
		}
	}

	summary := map[string]int{"new": 0, "modified": 0, "unchanged": 0, "breaking": 0}
	for _, item := range result.Models {
		summary[item.ChangeType]++
		if item.SchemaChangeType == SchemaChangeBreaking {
			summary["breaking"]++
		}
	}
	result.Summary = summary

	hasBreaking := summary["breaking"] > 0
	switch {
	case hasBreaking:
		result.Status = "breaking_changes_detected"
	case summary["new"] > 0 || summary["modified"] > 0:
		result.Status = "changes_detected"
	default:
		result.Status = "clean"
	}
	result.Blocking = (hasBreaking && failOnBreaking) || len(result.MetaErrors) > 0
	return result, nil
}

// ImpactItem is one model's comparison against its registered contract.
type ImpactItem struct {
	FQN             string                  `json:"fqn"`
	NodeID          string                  `json:"node_id"`
	HasContract     bool                    `json:"has_contract"`
	ContractVersion string                  `json:"contract_version,omitempty"`
	SafeToPublish   bool                    `json:"safe_to_publish"`
	BreakingChanges []schema.BreakingChange `json:"breaking_changes"`
}

// ImpactResult summarizes manifest impact against existing contracts.
type ImpactResult struct {
	Status               string       `json:"status"`
	TotalModels          int          `json:"total_models"`
	ModelsWithContracts  int          `json:"models_with_contracts"`
	BreakingChangesCount int          `json:"breaking_changes_count"`
	Results              []ImpactItem `json:"results"`
}

// Impact checks every manifest model's proposed schema against the asset's
// active contract. This is the primary CI integration point.
func (s *Service) Impact(ctx context.Context, manifestRaw map[string]any) (*ImpactResult, error) {
	manifest := ParseManifest(manifestRaw)
	db := s.db.WithContext(ctx)

	result := &ImpactResult{Results: []ImpactItem{}}
	check := func(nodeID string, node map[string]any) error {
		fqn := NodeFQN(node)
		item := ImpactItem{
			FQN:             fqn,
			NodeID:          nodeID,
			SafeToPublish:   true,
			BreakingChanges: []schema.BreakingChange{},
		}
		asset, err := assetByFQN(db, fqn)
		if err != nil {
			return err
		}
		if asset != nil {
			active, err := contracts.ActiveContract(db, asset.ID)
			if err != nil {
				return err
			}
			if active != nil {
				item.HasContract = true
				item.ContractVersion = active.Version
				columns := columnMap(node)
				if len(columns) > 0 {
					proposed := ColumnsToJSONSchema(columns)
					oldSchema := map[string]any{}
					if err := models.DecodeJSON(active.SchemaDef, &oldSchema); err != nil {
						return err
					}
					compatible, breaking := schema.CheckCompatibility(oldSchema, proposed, active.CompatibilityMode)
					item.SafeToPublish = compatible
					if len(breaking) > 0 {
						item.BreakingChanges = breaking
					}
				}
			}
		}
		result.Results = append(result.Results, item)
		return nil
	}

	for nodeID, node := range manifest.Nodes {
		if !modelLike(node) {
			continue
		}
		if err := check(nodeID, node); err != nil {
			return nil, err
		}
	}
	for sourceID, source := range manifest.Sources {
		if err := check(sourceID, source); err != nil {
			return nil, err
		}
	}

	result.TotalModels = len(result.Results)
	for _, item := range result.Results {
		if item.HasContract {
			result.ModelsWithContracts++
		}
		if !item.SafeToPublish {
			result.BreakingChangesCount++
		}
	}
	result.Status = "success"
	if result.BreakingChangesCount > 0 {
		result.Status = "breaking_changes_detected"
	}
	return result, nil
}
