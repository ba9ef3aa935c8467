package contracts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tessera/apperr"
	"tessera/journal"
	"tessera/models"
	"tessera/observability/logging"
	"tessera/schema"
	"tessera/webhooks"
)

// Publish decision actions.
const (
	ActionPublished       = "published"
	ActionProposalCreated = "proposal_created"
	ActionForcePublished  = "force_published"
)

// Service drives the contract publication workflow.
type Service struct {
	db    *gorm.DB
	hooks *webhooks.Dispatcher
	now   func() time.Time
	log   *slog.Logger
}

// New constructs the contract service. hooks may be nil in tests.
func New(db *gorm.DB, hooks *webhooks.Dispatcher) *Service {
	return &Service{
		db:    db,
		hooks: hooks,
		now:   time.Now,
		log:   logging.Component("contracts"),
	}
}

// PublishRequest carries everything needed to publish a contract version.
type PublishRequest struct {
	AssetID           uuid.UUID
	Version           string
	Schema            map[string]any
	SchemaFormat      string
	CompatibilityMode models.CompatibilityMode
	Guarantees        map[string]any
	PublishedBy       uuid.UUID
	PublishedByUserID *uuid.UUID
	Force             bool
}

// Decision is the outcome of a publish call.
type Decision struct {
	Action          string                  `json:"action"`
	Contract        *models.Contract        `json:"contract,omitempty"`
	Proposal        *models.Proposal        `json:"proposal,omitempty"`
	BreakingChanges []schema.BreakingChange `json:"breaking_changes,omitempty"`
	Warning         string                  `json:"warning,omitempty"`
}

// Publish runs the publish decision tree inside one transaction. The asset
// row is locked for the duration so concurrent publishes against the same
// asset serialize and at most one version ends up active.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (*Decision, error) {
	if problems := schema.ValidateDocument(req.Schema); len(problems) > 0 {
		return nil, apperr.New(apperr.Validation, "invalid schema document").WithDetails(problems)
	}
	if strings.TrimSpace(req.Version) == "" {
		return nil, apperr.New(apperr.BadRequest, "version is required")
	}
	mode := req.CompatibilityMode
	if mode == "" {
		mode = models.CompatBackward
	}
	if !mode.Valid() {
		return nil, apperr.New(apperr.BadRequest, "unknown compatibility mode %q", req.CompatibilityMode)
	}
	format := req.SchemaFormat
	if format == "" {
		format = models.DefaultSchemaFormat
	}

	var decision *Decision
	var fired []webhooks.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		asset, err := lockAsset(tx, req.AssetID)
		if err != nil {
			return err
		}

		active, err := ActiveContract(tx, asset.ID)
		if err != nil {
			return err
		}

		if active != nil {
			if err := requireGreaterVersion(active.Version, req.Version); err != nil {
				return err
			}
		}

		if active == nil {
			contract, err := s.insertActive(tx, asset, req, mode, format)
			if err != nil {
				return err
			}
			decision = &Decision{Action: ActionPublished, Contract: contract}
			fired = append(fired, s.publishedEvent(tx, asset, contract, nil))
			return nil
		}

		oldSchema := map[string]any{}
		if err := models.DecodeJSON(active.SchemaDef, &oldSchema); err != nil {
			return err
		}
		result := schema.Diff(oldSchema, req.Schema)
		breaking := result.BreakingFor(active.CompatibilityMode)

		if len(breaking) == 0 || req.Force {
			if err := deprecate(tx, active, s.now()); err != nil {
				return err
			}
			contract, err := s.insertActive(tx, asset, req, mode, format)
			if err != nil {
				return err
			}
			decision = &Decision{Action: ActionPublished, Contract: contract}
			if req.Force && len(breaking) > 0 {
				decision.Action = ActionForcePublished
				decision.BreakingChanges = breaking
				decision.Warning = "published despite breaking changes (force=true)"
			}
			fired = append(fired, s.publishedEvent(tx, asset, contract, nil))
			return nil
		}

		proposal, err := s.createProposal(tx, asset, req, result, breaking)
		if err != nil {
			return err
		}
		decision = &Decision{Action: ActionProposalCreated, Proposal: proposal, BreakingChanges: breaking}
		fired = append(fired, s.proposalCreatedEvent(tx, asset, active, proposal, req.Version, breaking))
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, event := range fired {
		s.hooks.Fire(event)
	}
	return decision, nil
}

func (s *Service) insertActive(tx *gorm.DB, asset *models.Asset, req PublishRequest, mode models.CompatibilityMode, format string) (*models.Contract, error) {
	now := s.now().UTC()
	contract := &models.Contract{
		ID:                uuid.New(),
		AssetID:           asset.ID,
		Version:           strings.TrimSpace(req.Version),
		SchemaDef:         models.JSON(req.Schema),
		SchemaFormat:      format,
		CompatibilityMode: mode,
		Guarantees:        models.JSON(req.Guarantees),
		Status:            models.ContractActive,
		PublishedBy:       req.PublishedBy,
		PublishedByUserID: req.PublishedByUserID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := tx.Create(contract).Error; err != nil {
		return nil, err
	}
	journal.BestEffort(tx, journal.Entry{
		EventType:   "contract_published",
		AssetID:     &asset.ID,
		ContractID:  &contract.ID,
		ActorTeamID: &req.PublishedBy,
		ActorUserID: req.PublishedByUserID,
		Details:     map[string]any{"version": contract.Version},
	})
	return contract, nil
}

func (s *Service) createProposal(tx *gorm.DB, asset *models.Asset, req PublishRequest, result schema.Result, breaking []schema.BreakingChange) (*models.Proposal, error) {
	now := s.now().UTC()
	proposal := &models.Proposal{
		ID:                 uuid.New(),
		AssetID:            asset.ID,
		ProposedSchema:     models.JSON(req.Schema),
		ProposedGuarantees: models.JSON(req.Guarantees),
		ChangeType:         result.ChangeType,
		BreakingChanges:    models.JSON(breaking),
		ProposedBy:         req.PublishedBy,
		ProposedByUserID:   req.PublishedByUserID,
		Status:             models.ProposalPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.Create(proposal).Error; err != nil {
		return nil, err
	}
	journal.BestEffort(tx, journal.Entry{
		EventType:   "proposal_created",
		AssetID:     &asset.ID,
		ProposalID:  &proposal.ID,
		ActorTeamID: &req.PublishedBy,
		ActorUserID: req.PublishedByUserID,
		Details: map[string]any{
			"change_type":     result.ChangeType,
			"breaking_count":  len(breaking),
			"target_version":  strings.TrimSpace(req.Version),
		},
	})
	return proposal, nil
}

func (s *Service) publishedEvent(tx *gorm.DB, asset *models.Asset, contract *models.Contract, fromProposal *uuid.UUID) webhooks.Event {
	return webhooks.Event{
		Event:     webhooks.EventContractPublished,
		Timestamp: s.now().UTC(),
		Payload: webhooks.ContractPublishedPayload{
			ContractID:       contract.ID,
			AssetID:          asset.ID,
			AssetFQN:         asset.FQN,
			Version:          contract.Version,
			ProducerTeamID:   contract.PublishedBy,
			ProducerTeamName: teamName(tx, contract.PublishedBy),
			FromProposalID:   fromProposal,
		},
	}
}

func (s *Service) proposalCreatedEvent(tx *gorm.DB, asset *models.Asset, active *models.Contract, proposal *models.Proposal, version string, breaking []schema.BreakingChange) webhooks.Event {
	changes := make([]webhooks.BreakingChangeSummary, 0, len(breaking))
	for _, c := range breaking {
		changes = append(changes, webhooks.BreakingChangeSummary{
			ChangeType: string(c.Kind),
			Path:       c.Path,
			Message:    c.Message,
		})
	}
	var impacted []webhooks.ImpactedConsumer
	if active != nil {
		var regs []models.Registration
		if err := tx.Where("contract_id = ? AND status = ?", active.ID, models.RegistrationActive).Find(&regs).Error; err == nil {
			for _, reg := range regs {
				impacted = append(impacted, webhooks.ImpactedConsumer{
					TeamID:        reg.ConsumerTeamID,
					TeamName:      teamName(tx, reg.ConsumerTeamID),
					PinnedVersion: reg.PinnedVersion,
				})
			}
		}
	}
	return webhooks.Event{
		Event:     webhooks.EventProposalCreated,
		Timestamp: s.now().UTC(),
		Payload: webhooks.ProposalCreatedPayload{
			ProposalID:        proposal.ID,
			AssetID:           asset.ID,
			AssetFQN:          asset.FQN,
			ProducerTeamID:    proposal.ProposedBy,
			ProducerTeamName:  teamName(tx, proposal.ProposedBy),
			ProposedVersion:   version,
			BreakingChanges:   changes,
			ImpactedConsumers: impacted,
		},
	}
}

// Get loads a single contract.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	var contract models.Contract
	if err := s.db.WithContext(ctx).First(&contract, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "contract %s not found", id)
		}
		return nil, err
	}
	return &contract, nil
}

// ListFilter narrows contract listings.
type ListFilter struct {
	AssetID *uuid.UUID
	Status  models.ContractStatus
	Version string
	TeamID  *uuid.UUID
	Limit   int
	Offset  int
}

// List returns contracts matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]models.Contract, error) {
	query := s.db.WithContext(ctx).Model(&models.Contract{}).Order("created_at DESC")
	if filter.AssetID != nil {
		query = query.Where("asset_id = ?", *filter.AssetID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Version != "" {
		query = query.Where("version = ?", filter.Version)
	}
	if filter.TeamID != nil {
		query = query.Where("published_by = ?", *filter.TeamID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var contracts []models.Contract
	if err := query.Find(&contracts).Error; err != nil {
		return nil, err
	}
	return contracts, nil
}

// UpdateGuarantees replaces the guarantees object on an active contract.
// Deprecated or withdrawn contracts are immutable.
func (s *Service) UpdateGuarantees(ctx context.Context, id uuid.UUID, guarantees map[string]any) (*models.Contract, error) {
	var updated *models.Contract
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var contract models.Contract
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&contract, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "contract %s not found", id)
			}
			return err
		}
		if contract.Status != models.ContractActive {
			return apperr.New(apperr.BadRequest, "cannot update guarantees on a %s contract", contract.Status)
		}
		contract.Guarantees = models.JSON(guarantees)
		contract.UpdatedAt = s.now().UTC()
		if err := tx.Save(&contract).Error; err != nil {
			return err
		}
		journal.BestEffort(tx, journal.Entry{
			EventType:  "contract_guarantees_updated",
			AssetID:    &contract.AssetID,
			ContractID: &contract.ID,
		})
		updated = &contract
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Deprecate explicitly retires an active contract.
func (s *Service) Deprecate(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	var updated *models.Contract
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var contract models.Contract
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&contract, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "contract %s not found", id)
			}
			return err
		}
		if contract.Status != models.ContractActive {
			return apperr.New(apperr.BadRequest, "contract is already %s", contract.Status)
		}
		if err := deprecate(tx, &contract, s.now()); err != nil {
			return err
		}
		journal.BestEffort(tx, journal.Entry{
			EventType:  "contract_deprecated",
			AssetID:    &contract.AssetID,
			ContractID: &contract.ID,
		})
		updated = &contract
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Register records a consumer team's dependence on a contract.
// (contract, consumer_team) is unique while the registration is active.
func (s *Service) Register(ctx context.Context, contractID, consumerTeamID uuid.UUID, pinnedVersion string) (*models.Registration, error) {
	var created *models.Registration
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var contract models.Contract
		if err := tx.First(&contract, "id = ?", contractID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "contract %s not found", contractID)
			}
			return err
		}
		var existing models.Registration
		err := tx.Where("contract_id = ? AND consumer_team_id = ? AND status = ?",
			contractID, consumerTeamID, models.RegistrationActive).First(&existing).Error
		if err == nil {
			return apperr.New(apperr.Conflict, "team is already registered on this contract")
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := s.now().UTC()
		reg := &models.Registration{
			ID:             uuid.New(),
			ContractID:     contractID,
			ConsumerTeamID: consumerTeamID,
			PinnedVersion:  pinnedVersion,
			Status:         models.RegistrationActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(reg).Error; err != nil {
			return err
		}
		journal.BestEffort(tx, journal.Entry{
			EventType:   "registration_created",
			AssetID:     &contract.AssetID,
			ContractID:  &contract.ID,
			ActorTeamID: &consumerTeamID,
		})
		created = reg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ListRegistrations returns all registrations on a contract.
func (s *Service) ListRegistrations(ctx context.Context, contractID uuid.UUID) ([]models.Registration, error) {
	var contract models.Contract
	if err := s.db.WithContext(ctx).First(&contract, "id = ?", contractID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "contract %s not found", contractID)
		}
		return nil, err
	}
	var regs []models.Registration
	if err := s.db.WithContext(ctx).Where("contract_id = ?", contractID).Order("created_at").Find(&regs).Error; err != nil {
		return nil, err
	}
	return regs, nil
}

// ActiveContract returns the asset's single active contract, or nil.
func ActiveContract(tx *gorm.DB, assetID uuid.UUID) (*models.Contract, error) {
	var contract models.Contract
	err := tx.Where("asset_id = ? AND status = ?", assetID, models.ContractActive).First(&contract).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &contract, nil
}

func lockAsset(tx *gorm.DB, assetID uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND deleted_at IS NULL", assetID).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.NotFound, "asset %s not found", assetID)
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func deprecate(tx *gorm.DB, contract *models.Contract, now time.Time) error {
	contract.Status = models.ContractDeprecated
	contract.UpdatedAt = now.UTC()
	return tx.Save(contract).Error
}

// requireGreaterVersion enforces monotonically increasing versions. Semver
// pairs compare numerically; when either side is not semver the only
// available comparison is string equality, so equal strings are rejected and
// distinct strings pass.
func requireGreaterVersion(current, next string) error {
	cmp, comparable := schema.CompareVersions(next, current)
	if comparable && cmp <= 0 {
		return apperr.New(apperr.BadRequest, "version %s must be greater than current active %s", next, current)
	}
	return nil
}

func teamName(tx *gorm.DB, teamID uuid.UUID) string {
	var team models.Team
	if err := tx.First(&team, "id = ?", teamID).Error; err != nil {
		return ""
	}
	return team.Name
}
