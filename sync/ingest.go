package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tessera/apperr"
	"tessera/contracts"
	"tessera/journal"
	"tessera/models"
	"tessera/observability"
	"tessera/observability/logging"
	"tessera/schema"
)

const warningCap = 20

// Service runs the ingestion pipelines.
type Service struct {
	db      *gorm.DB
	now     func() time.Time
	log     *slog.Logger
	metrics *observability.ServiceMetrics
}

// New constructs the sync service.
func New(db *gorm.DB) *Service {
	return &Service{
		db:      db,
		now:     time.Now,
		log:     logging.Component("sync"),
		metrics: observability.Service(),
	}
}

// UploadRequest is one manifest ingestion invocation.
type UploadRequest struct {
	Manifest               map[string]any
	OwnerTeamID            *uuid.UUID
	ConflictMode           string
	AutoPublishContracts   bool
	AutoCreateProposals    bool
	AutoRegisterConsumers  bool
	InferConsumersFromRefs bool
}

// UploadResult reports exact counts and capped warning lists per category.
type UploadResult struct {
	Status       string         `json:"status"`
	ConflictMode string         `json:"conflict_mode"`
	Assets       EntityCounts   `json:"assets"`
	Contracts    PublishCounts  `json:"contracts"`
	Proposals    ProposalCounts `json:"proposals"`
	Registrations struct {
		Created int `json:"created"`
	} `json:"registrations"`
	GuaranteesExtracted  int      `json:"guarantees_extracted"`
	OwnershipWarnings    []string `json:"ownership_warnings"`
	ContractWarnings     []string `json:"contract_warnings"`
	RegistrationWarnings []string `json:"registration_warnings"`
	Conflicts            []string `json:"conflicts,omitempty"`
}

// EntityCounts breaks down per-asset outcomes.
type EntityCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// PublishCounts counts auto-published contracts.
type PublishCounts struct {
	Published int `json:"published"`
}

// ProposalCounts counts auto-created proposals with capped detail rows.
type ProposalCounts struct {
	Created int              `json:"created"`
	Details []map[string]any `json:"details"`
}

// pendingEntity carries one node or source through the pipeline phases.
type pendingEntity struct {
	nodeID     string
	fqn        string
	node       map[string]any
	meta       MetaConfig
	asset      *models.Asset
	existing   bool
	columns    map[string]map[string]any
	guarantees map[string]any
	teamID     uuid.UUID
	userID     *uuid.UUID
	dependsOn  []string
	active     *models.Contract
}

// Upload ingests a dbt manifest: upserts assets, extracts guarantees from
// tests, auto-publishes compatible contracts, creates proposals for breaking
// changes, and registers consumers — all in one transaction.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	mode := req.ConflictMode
	if mode == "" {
		mode = ConflictIgnore
	}
	if mode != ConflictOverwrite && mode != ConflictIgnore && mode != ConflictFail {
		return nil, apperr.New(apperr.BadRequest,
			"invalid conflict_mode: %s (use 'overwrite', 'ignore', or 'fail')", mode)
	}

	manifest := ParseManifest(req.Manifest)
	result := &UploadResult{
		Status:               "success",
		ConflictMode:         mode,
		OwnershipWarnings:    []string{},
		ContractWarnings:     []string{},
		RegistrationWarnings: []string{},
	}
	result.Proposals.Details = []map[string]any{}

	// node id -> FQN for dependency resolution, across nodes and sources.
	nodeIDToFQN := map[string]string{}
	for nodeID, node := range manifest.Nodes {
		if modelLike(node) {
			nodeIDToFQN[nodeID] = NodeFQN(node)
		}
	}
	for sourceID, source := range manifest.Sources {
		nodeIDToFQN[sourceID] = NodeFQN(source)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		teamCache := map[string]*models.Team{}
		userCache := map[string]*models.User{}

		var entities []*pendingEntity
		var conflicts []string

		process := func(nodeID string, node map[string]any, resourceType string, deps []string) error {
			fqn := NodeFQN(node)
			existing, err := assetByFQN(tx, fqn)
			if err != nil {
				return err
			}
			if existing != nil {
				switch mode {
				case ConflictFail:
					conflicts = append(conflicts, fqn)
					return nil
				case ConflictIgnore:
					result.Assets.Skipped++
					return nil
				}
			}

			meta := ExtractMeta(node)
			teamID := req.OwnerTeamID
			var userID *uuid.UUID
			if meta.OwnerTeam != "" {
				team := lookupTeam(tx, teamCache, meta.OwnerTeam)
				if team != nil {
					teamID = &team.ID
				} else {
					appendCapped(&result.OwnershipWarnings,
						fmt.Sprintf("%s: owner_team '%s' not found, using default", fqn, meta.OwnerTeam))
				}
			}
			if meta.OwnerUser != "" {
				user := lookupUser(tx, userCache, meta.OwnerUser)
				if user != nil {
					userID = &user.ID
				} else {
					appendCapped(&result.OwnershipWarnings,
						fmt.Sprintf("%s: owner_user '%s' not found", fqn, meta.OwnerUser))
				}
			}
			if teamID == nil {
				appendCapped(&result.OwnershipWarnings,
					fmt.Sprintf("%s: no owner_team_id provided and no meta.tessera.owner_team set, skipping", fqn))
				result.Assets.Skipped++
				return nil
			}

			guarantees := ExtractGuarantees(nodeID, manifest.Nodes)
			if guarantees != nil {
				result.GuaranteesExtracted++
			}
			guarantees = MergeMetaGuarantees(guarantees, meta)

			columns := columnMap(node)
			metadata := entityMetadata(nodeID, node, resourceType, deps, nodeIDToFQN, guarantees, meta)

			entity := &pendingEntity{
				nodeID:     nodeID,
				fqn:        fqn,
				node:       node,
				meta:       meta,
				columns:    columns,
				guarantees: guarantees,
				teamID:     *teamID,
				userID:     userID,
			}
			if req.InferConsumersFromRefs {
				entity.dependsOn = deps
			}

			now := s.now().UTC()
			if existing != nil {
				existing.Metadata = models.JSON(metadata)
				existing.OwnerTeamID = *teamID
				if userID != nil {
					existing.OwnerUserID = userID
				}
				existing.ResourceType = resourceType
				existing.UpdatedAt = now
				if err := tx.Save(existing).Error; err != nil {
					return err
				}
				result.Assets.Updated++
				s.metrics.RecordIngest("asset", "updated")
				entity.asset = existing
				entity.existing = true
				active, err := contracts.ActiveContract(tx, existing.ID)
				if err != nil {
					return err
				}
				entity.active = active
			} else {
				asset := &models.Asset{
					ID:           uuid.New(),
					FQN:          fqn,
					Environment:  models.DefaultEnvironment,
					ResourceType: resourceType,
					OwnerTeamID:  *teamID,
					OwnerUserID:  userID,
					Metadata:     models.JSON(metadata),
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if err := tx.Create(asset).Error; err != nil {
					return err
				}
				result.Assets.Created++
				s.metrics.RecordIngest("asset", "created")
				entity.asset = asset
			}
			entities = append(entities, entity)
			return nil
		}

		for nodeID, node := range manifest.Nodes {
			if !modelLike(node) {
				continue
			}
			if err := process(nodeID, node, stringField(node, "resource_type"), dependsOn(node)); err != nil {
				return err
			}
		}
		for sourceID, source := range manifest.Sources {
			if err := process(sourceID, source, models.ResourceSource, nil); err != nil {
				return err
			}
		}

		if mode == ConflictFail && len(conflicts) > 0 {
			if len(conflicts) > warningCap {
				conflicts = conflicts[:warningCap]
			}
			return apperr.New(apperr.Conflict, "found %d existing assets", len(conflicts)).
				WithDetails(map[string]any{"conflicts": conflicts})
		}

		if req.AutoPublishContracts {
			s.autoPublish(tx, entities, result)
		}
		if req.AutoRegisterConsumers {
			s.autoRegister(tx, entities, nodeIDToFQN, teamCache, result)
		}
		if req.AutoCreateProposals {
			if err := s.autoPropose(tx, entities, result); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// autoPublish publishes v1.0.0 for assets without a contract and
// minor-bumped versions for compatible changes. Breaking changes are left
// for the proposals phase.
func (s *Service) autoPublish(tx *gorm.DB, entities []*pendingEntity, result *UploadResult) {
	for _, entity := range entities {
		if len(entity.columns) == 0 {
			continue
		}
		schemaDef := ColumnsToJSONSchema(entity.columns)
		if problems := schema.ValidateDocument(schemaDef); len(problems) > 0 {
			appendCapped(&result.ContractWarnings,
				fmt.Sprintf("%s: invalid schema generated from columns: %v", entity.fqn, problems))
			continue
		}

		mode := models.CompatBackward
		if entity.meta.CompatibilityMode != "" {
			candidate := models.CompatibilityMode(entity.meta.CompatibilityMode)
			if candidate.Valid() {
				mode = candidate
			} else {
				appendCapped(&result.ContractWarnings,
					fmt.Sprintf("%s: unknown compatibility_mode, defaulting to backward", entity.fqn))
			}
		} else if entity.active != nil {
			mode = entity.active.CompatibilityMode
		}

		if entity.active == nil {
			if err := s.publishContract(tx, entity, schemaDef, "1.0.0", mode); err != nil {
				appendCapped(&result.ContractWarnings,
					fmt.Sprintf("%s: failed to publish contract: %v", entity.fqn, err))
				continue
			}
			result.Contracts.Published++
			s.metrics.RecordIngest("contract", "published")
			continue
		}

		oldSchema := map[string]any{}
		if err := models.DecodeJSON(entity.active.SchemaDef, &oldSchema); err != nil {
			appendCapped(&result.ContractWarnings,
				fmt.Sprintf("%s: unreadable active contract schema: %v", entity.fqn, err))
			continue
		}
		compatible, _ := schema.CheckCompatibility(oldSchema, schemaDef, entity.active.CompatibilityMode)
		if !compatible {
			// Breaking change: handled by the proposals branch.
			continue
		}
		version := schema.BumpMinor(entity.active.Version)
		entity.active.Status = models.ContractDeprecated
		entity.active.UpdatedAt = s.now().UTC()
		if err := tx.Save(entity.active).Error; err != nil {
			appendCapped(&result.ContractWarnings,
				fmt.Sprintf("%s: failed to deprecate contract: %v", entity.fqn, err))
			continue
		}
		if err := s.publishContract(tx, entity, schemaDef, version, mode); err != nil {
			appendCapped(&result.ContractWarnings,
				fmt.Sprintf("%s: failed to publish contract: %v", entity.fqn, err))
			continue
		}
		result.Contracts.Published++
		s.metrics.RecordIngest("contract", "published")
	}
}

func (s *Service) publishContract(tx *gorm.DB, entity *pendingEntity, schemaDef map[string]any, version string, mode models.CompatibilityMode) error {
	now := s.now().UTC()
	contract := &models.Contract{
		ID:                uuid.New(),
		AssetID:           entity.asset.ID,
		Version:           version,
		SchemaDef:         models.JSON(schemaDef),
		SchemaFormat:      models.DefaultSchemaFormat,
		CompatibilityMode: mode,
		Guarantees:        models.JSON(entity.guarantees),
		Status:            models.ContractActive,
		PublishedBy:       entity.asset.OwnerTeamID,
		PublishedByUserID: entity.asset.OwnerUserID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := tx.Create(contract).Error; err != nil {
		return err
	}
	journal.BestEffort(tx, journal.Entry{
		EventType:   "contract_published",
		AssetID:     &entity.asset.ID,
		ContractID:  &contract.ID,
		ActorTeamID: &entity.asset.OwnerTeamID,
		Details:     map[string]any{"version": version, "source": "dbt_sync"},
	})
	// Later phases compare against the fresh contract.
	entity.active = contract
	return nil
}

// autoRegister creates registrations from depends_on refs and from
// meta.tessera.consumers declarations.
func (s *Service) autoRegister(tx *gorm.DB, entities []*pendingEntity, nodeIDToFQN map[string]string, teamCache map[string]*models.Team, result *UploadResult) {
	fqnToEntity := map[string]*pendingEntity{}
	for _, entity := range entities {
		fqnToEntity[entity.fqn] = entity
	}

	register := func(contractID, consumerTeamID uuid.UUID) bool {
		var existing models.Registration
		err := tx.Where("contract_id = ? AND consumer_team_id = ?", contractID, consumerTeamID).
			First(&existing).Error
		if err == nil {
			return false
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false
		}
		now := s.now().UTC()
		reg := &models.Registration{
			ID:             uuid.New(),
			ContractID:     contractID,
			ConsumerTeamID: consumerTeamID,
			Status:         models.RegistrationActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(reg).Error; err != nil {
			return false
		}
		return true
	}

	for _, entity := range entities {
		// From refs: register this asset's team on each upstream contract.
		for _, depNodeID := range entity.dependsOn {
			upstreamFQN, ok := nodeIDToFQN[depNodeID]
			if !ok {
				continue
			}
			var upstream *models.Asset
			if up, ok := fqnToEntity[upstreamFQN]; ok {
				upstream = up.asset
			} else {
				found, err := assetByFQN(tx, upstreamFQN)
				if err != nil || found == nil {
					continue
				}
				upstream = found
			}
			active, err := contracts.ActiveContract(tx, upstream.ID)
			if err != nil || active == nil {
				continue
			}
			if register(active.ID, entity.teamID) {
				result.Registrations.Created++
				s.metrics.RecordIngest("registration", "created")
			}
		}

		// From meta.tessera.consumers: register declared teams on this
		// asset's active contract.
		for _, consumer := range entity.meta.Consumers {
			teamNameValue := stringField(consumer, "team")
			if teamNameValue == "" {
				continue
			}
			team := lookupTeam(tx, teamCache, teamNameValue)
			if team == nil {
				appendCapped(&result.RegistrationWarnings,
					fmt.Sprintf("%s: consumer team '%s' not found", entity.fqn, teamNameValue))
				continue
			}
			active, err := contracts.ActiveContract(tx, entity.asset.ID)
			if err != nil {
				continue
			}
			if active == nil {
				appendCapped(&result.RegistrationWarnings,
					fmt.Sprintf("%s: no active contract for '%s'", entity.fqn, teamNameValue))
				continue
			}
			if register(active.ID, team.ID) {
				result.Registrations.Created++
				s.metrics.RecordIngest("registration", "created")
			}
		}
	}
}

// autoPropose creates proposals for existing assets whose new column schema
// breaks the active contract.
func (s *Service) autoPropose(tx *gorm.DB, entities []*pendingEntity, result *UploadResult) error {
	for _, entity := range entities {
		if !entity.existing || entity.active == nil || len(entity.columns) == 0 {
			continue
		}
		proposed := ColumnsToJSONSchema(entity.columns)
		oldSchema := map[string]any{}
		if err := models.DecodeJSON(entity.active.SchemaDef, &oldSchema); err != nil {
			continue
		}
		diff := schema.Diff(oldSchema, proposed)
		compatible, breaking := schema.CheckCompatibility(oldSchema, proposed, entity.active.CompatibilityMode)
		if compatible || len(breaking) == 0 {
			continue
		}

		now := s.now().UTC()
		proposal := &models.Proposal{
			ID:                 uuid.New(),
			AssetID:            entity.asset.ID,
			ProposedSchema:     models.JSON(proposed),
			ProposedGuarantees: models.JSON(entity.guarantees),
			ChangeType:         diff.ChangeType,
			BreakingChanges:    models.JSON(breaking),
			ProposedBy:         entity.teamID,
			ProposedByUserID:   entity.userID,
			Status:             models.ProposalPending,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.Create(proposal).Error; err != nil {
			return err
		}
		journal.BestEffort(tx, journal.Entry{
			EventType:   "proposal_created",
			AssetID:     &entity.asset.ID,
			ProposalID:  &proposal.ID,
			ActorTeamID: &entity.teamID,
			ActorUserID: entity.userID,
			Details: map[string]any{
				"change_type":    diff.ChangeType,
				"breaking_count": len(breaking),
				"source":         "dbt_sync",
			},
		})
		result.Proposals.Created++
		s.metrics.RecordIngest("proposal", "created")
		if len(result.Proposals.Details) < warningCap {
			result.Proposals.Details = append(result.Proposals.Details, map[string]any{
				"proposal_id":            proposal.ID.String(),
				"asset_id":               entity.asset.ID.String(),
				"asset_fqn":              entity.fqn,
				"change_type":            diff.ChangeType,
				"breaking_changes_count": len(breaking),
			})
		}
	}
	return nil
}

func entityMetadata(nodeID string, node map[string]any, resourceType string, deps []string, nodeIDToFQN map[string]string, guarantees map[string]any, meta MetaConfig) map[string]any {
	columns := map[string]any{}
	for name, info := range columnMap(node) {
		columns[name] = map[string]any{
			"description": stringField(info, "description"),
			"data_type":   info["data_type"],
		}
	}
	var dependsOnFQNs []string
	for _, dep := range deps {
		if fqn, ok := nodeIDToFQN[dep]; ok {
			dependsOnFQNs = append(dependsOnFQNs, fqn)
		}
	}
	metadata := map[string]any{
		"resource_type": resourceType,
		"description":   stringField(node, "description"),
		"columns":       columns,
	}
	if resourceType == models.ResourceSource {
		metadata["dbt_source_id"] = nodeID
	} else {
		metadata["dbt_node_id"] = nodeID
		metadata["tags"] = node["tags"]
		metadata["path"] = stringField(node, "path")
		metadata["depends_on"] = dependsOnFQNs
	}
	if guarantees != nil {
		metadata["guarantees"] = guarantees
	}
	if len(meta.Consumers) > 0 {
		metadata["tessera_consumers"] = meta.Consumers
	}
	return metadata
}

func assetByFQN(tx *gorm.DB, fqn string) (*models.Asset, error) {
	var asset models.Asset
	err := tx.Where("fqn = ? AND deleted_at IS NULL", fqn).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func lookupTeam(tx *gorm.DB, cache map[string]*models.Team, name string) *models.Team {
	key := normalize(name)
	if cached, ok := cache[key]; ok {
		return cached
	}
	var team models.Team
	err := tx.Where("LOWER(name) = ? AND deleted_at IS NULL", key).First(&team).Error
	if err != nil {
		cache[key] = nil
		return nil
	}
	cache[key] = &team
	return &team
}

func lookupUser(tx *gorm.DB, cache map[string]*models.User, email string) *models.User {
	key := normalize(email)
	if cached, ok := cache[key]; ok {
		return cached
	}
	var user models.User
	err := tx.Where("LOWER(email) = ? AND deactivated_at IS NULL", key).First(&user).Error
	if err != nil {
		cache[key] = nil
		return nil
	}
	cache[key] = &user
	return &user
}

func appendCapped(list *[]string, warning string) {
	if len(*list) < warningCap {
		*list = append(*list, warning)
	}
}
