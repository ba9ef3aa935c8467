package proposals

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
	"tessera/contracts"
	"tessera/journal"
	"tessera/models"
	"tessera/observability"
	"tessera/observability/logging"
	"tessera/schema"
	"tessera/webhooks"
)

// Service drives the proposal lifecycle and acknowledgment workflow.
type Service struct {
	db      *gorm.DB
	hooks   *webhooks.Dispatcher
	now     func() time.Time
	log     *slog.Logger
	metrics *observability.ServiceMetrics
}

// New constructs the proposal service. hooks may be nil in tests.
func New(db *gorm.DB, hooks *webhooks.Dispatcher) *Service {
	return &Service{
		db:      db,
		hooks:   hooks,
		now:     time.Now,
		log:     logging.Component("proposals"),
		metrics: observability.Service(),
	}
}

// Get loads a proposal.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Proposal, error) {
	var proposal models.Proposal
	if err := s.db.WithContext(ctx).First(&proposal, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "proposal %s not found", id)
		}
		return nil, err
	}
	return &proposal, nil
}

// ListFilter narrows proposal listings.
type ListFilter struct {
	Status     models.ProposalStatus
	AssetID    *uuid.UUID
	ProposedBy *uuid.UUID
	Limit      int
	Offset     int
}

// List returns proposals matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]models.Proposal, error) {
	query := s.db.WithContext(ctx).Model(&models.Proposal{}).Order("created_at DESC")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.AssetID != nil {
		query = query.Where("asset_id = ?", *filter.AssetID)
	}
	if filter.ProposedBy != nil {
		query = query.Where("proposed_by = ?", *filter.ProposedBy)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var proposals []models.Proposal
	if err := query.Find(&proposals).Error; err != nil {
		return nil, err
	}
	return proposals, nil
}

// AckRequest records one consumer team's response.
type AckRequest struct {
	ProposalID        uuid.UUID
	ConsumerTeamID    uuid.UUID
	UserID            *uuid.UUID
	Response          models.AckResponse
	MigrationDeadline *time.Time
	Notes             string
}

// AckResult reports the acknowledgment and the proposal state it produced.
type AckResult struct {
	Acknowledgment *models.Acknowledgment `json:"acknowledgment"`
	Proposal       *models.Proposal       `json:"proposal"`
	PendingTeams   []uuid.UUID            `json:"pending_teams"`
}

// Acknowledge inserts an acknowledgment and applies the auto-approval rule in
// the same transaction. The proposal row is locked so concurrent
// acknowledgments serialize and the derived outcome reads a consistent set.
func (s *Service) Acknowledge(ctx context.Context, req AckRequest) (*AckResult, error) {
	switch req.Response {
	case models.AckApproved, models.AckBlocked, models.AckNeedsChanges:
	default:
		return nil, apperr.New(apperr.BadRequest, "unknown acknowledgment response %q", req.Response)
	}

	var result *AckResult
	var fired []webhooks.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		proposal, err := lockProposal(tx, req.ProposalID)
		if err != nil {
			return err
		}
		if proposal.Status.Terminal() {
			return apperr.New(apperr.BadRequest, "proposal is %s; acknowledgments are closed", proposal.Status)
		}

		var existing models.Acknowledgment
		err = tx.Where("proposal_id = ? AND consumer_team_id = ?", proposal.ID, req.ConsumerTeamID).First(&existing).Error
		if err == nil {
			return apperr.New(apperr.Conflict, "team has already acknowledged this proposal")
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		ack := &models.Acknowledgment{
			ID:                   uuid.New(),
			ProposalID:           proposal.ID,
			ConsumerTeamID:       req.ConsumerTeamID,
			AcknowledgedByUserID: req.UserID,
			Response:             req.Response,
			MigrationDeadline:    req.MigrationDeadline,
			Notes:                req.Notes,
			CreatedAt:            s.now().UTC(),
		}
		if err := tx.Create(ack).Error; err != nil {
			return err
		}
		journal.BestEffort(tx, journal.Entry{
			EventType:   "proposal_acknowledged",
			AssetID:     &proposal.AssetID,
			ProposalID:  &proposal.ID,
			ActorTeamID: &req.ConsumerTeamID,
			ActorUserID: req.UserID,
			Details:     map[string]any{"response": req.Response},
		})

		registered, acks, err := consensusSets(tx, proposal)
		if err != nil {
			return err
		}
		outcome := DeriveOutcome(registered, acks)

		asset, err := loadAsset(tx, proposal.AssetID)
		if err != nil {
			return err
		}

		pending := pendingTeams(registered, acks)
		fired = append(fired, webhooks.Event{
			Event:     webhooks.EventProposalAcknowledged,
			Timestamp: s.now().UTC(),
			Payload: webhooks.AcknowledgmentPayload{
				ProposalID:        proposal.ID,
				AssetID:           proposal.AssetID,
				AssetFQN:          asset.FQN,
				ConsumerTeamID:    req.ConsumerTeamID,
				ConsumerTeamName:  teamName(tx, req.ConsumerTeamID),
				Response:          string(req.Response),
				MigrationDeadline: req.MigrationDeadline,
				Notes:             req.Notes,
				PendingCount:      len(pending),
				AcknowledgedCount: len(acks),
			},
		})

		if outcome != models.ProposalPending {
			if err := s.transition(tx, proposal, outcome, &req.ConsumerTeamID, req.UserID); err != nil {
				return err
			}
			fired = append(fired, s.statusEvent(tx, proposal, asset, statusEventType(outcome), &req.ConsumerTeamID))
		}

		result = &AckResult{Acknowledgment: ack, Proposal: proposal, PendingTeams: pending}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, event := range fired {
		s.hooks.Fire(event)
	}
	return result, nil
}

// Withdraw is the producer's explicit terminal transition.
func (s *Service) Withdraw(ctx context.Context, id uuid.UUID, actorTeam *uuid.UUID, actorUser *uuid.UUID) (*models.Proposal, error) {
	return s.terminal(ctx, id, models.ProposalWithdrawn, webhooks.EventProposalWithdrawn, actorTeam, actorUser)
}

// Force approves a pending proposal without consumer consensus. Callers must
// have verified admin or ownership first.
func (s *Service) Force(ctx context.Context, id uuid.UUID, actorTeam *uuid.UUID, actorUser *uuid.UUID) (*models.Proposal, error) {
	return s.terminal(ctx, id, models.ProposalApproved, webhooks.EventProposalForceApproved, actorTeam, actorUser)
}

// Expire is the producer's manual expiry transition.
func (s *Service) Expire(ctx context.Context, id uuid.UUID, actorTeam *uuid.UUID, actorUser *uuid.UUID) (*models.Proposal, error) {
	return s.terminal(ctx, id, models.ProposalExpired, webhooks.EventProposalExpired, actorTeam, actorUser)
}

func (s *Service) terminal(ctx context.Context, id uuid.UUID, next models.ProposalStatus, eventType webhooks.EventType, actorTeam, actorUser *uuid.UUID) (*models.Proposal, error) {
	var updated *models.Proposal
	var fired []webhooks.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		proposal, err := lockProposal(tx, id)
		if err != nil {
			return err
		}
		if proposal.Status.Terminal() {
			return apperr.New(apperr.BadRequest, "proposal is already %s", proposal.Status)
		}
		if err := s.transition(tx, proposal, next, actorTeam, actorUser); err != nil {
			return err
		}
		asset, err := loadAsset(tx, proposal.AssetID)
		if err != nil {
			return err
		}
		fired = append(fired, s.statusEvent(tx, proposal, asset, eventType, actorTeam))
		updated = proposal
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, event := range fired {
		s.hooks.Fire(event)
	}
	return updated, nil
}

// SweepExpired transitions pending proposals whose expires_at has passed and
// whose auto_expire flag is set. Returns the number expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now().UTC()
	var due []models.Proposal
	err := s.db.WithContext(ctx).
		Where("status = ? AND auto_expire = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			models.ProposalPending, true, now).
		Find(&due).Error
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range due {
		if _, err := s.Expire(ctx, due[i].ID, nil, nil); err != nil {
			// Already resolved concurrently; skip.
			if errors.Is(err, apperr.ErrBadRequest) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// PublishFrom publishes the proposed schema of an approved proposal as the
// asset's new active contract. The proposal stays approved.
func (s *Service) PublishFrom(ctx context.Context, id uuid.UUID, version string, publishedBy uuid.UUID, publishedByUser *uuid.UUID) (*models.Contract, error) {
	if strings.TrimSpace(version) == "" {
		return nil, apperr.New(apperr.BadRequest, "version is required")
	}
	var published *models.Contract
	var fired []webhooks.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		proposal, err := lockProposal(tx, id)
		if err != nil {
			return err
		}
		if proposal.Status != models.ProposalApproved {
			return apperr.New(apperr.BadRequest, "proposal is %s; only approved proposals can be published", proposal.Status)
		}

		asset, err := lockPublishableAsset(tx, proposal.AssetID)
		if err != nil {
			return err
		}

		active, err := contracts.ActiveContract(tx, asset.ID)
		if err != nil {
			return err
		}
		mode := models.CompatBackward
		now := s.now().UTC()
		if active != nil {
			if cmp, comparable := schema.CompareVersions(version, active.Version); comparable && cmp <= 0 {
				return apperr.New(apperr.BadRequest, "version %s must be greater than current active %s", version, active.Version)
			}
			mode = active.CompatibilityMode
			active.Status = models.ContractDeprecated
			active.UpdatedAt = now
			if err := tx.Save(active).Error; err != nil {
				return err
			}
		}

		contract := &models.Contract{
			ID:                uuid.New(),
			AssetID:           asset.ID,
			Version:           strings.TrimSpace(version),
			SchemaDef:         proposal.ProposedSchema,
			SchemaFormat:      models.DefaultSchemaFormat,
			CompatibilityMode: mode,
			Guarantees:        proposal.ProposedGuarantees,
			Status:            models.ContractActive,
			PublishedBy:       publishedBy,
			PublishedByUserID: publishedByUser,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.Create(contract).Error; err != nil {
			return err
		}
		journal.BestEffort(tx, journal.Entry{
			EventType:   "contract_published",
			AssetID:     &asset.ID,
			ProposalID:  &proposal.ID,
			ContractID:  &contract.ID,
			ActorTeamID: &publishedBy,
			ActorUserID: publishedByUser,
			Details:     map[string]any{"version": contract.Version, "from_proposal": proposal.ID.String()},
		})

		proposalID := proposal.ID
		fired = append(fired, webhooks.Event{
			Event:     webhooks.EventContractPublished,
			Timestamp: now,
			Payload: webhooks.ContractPublishedPayload{
				ContractID:       contract.ID,
				AssetID:          asset.ID,
				AssetFQN:         asset.FQN,
				Version:          contract.Version,
				ProducerTeamID:   publishedBy,
				ProducerTeamName: teamName(tx, publishedBy),
				FromProposalID:   &proposalID,
			},
		})
		published = contract
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, event := range fired {
		s.hooks.Fire(event)
	}
	return published, nil
}

// StatusView is the enriched read model for a proposal.
type StatusView struct {
	Proposal         *models.Proposal        `json:"proposal"`
	ProposerTeam     string                  `json:"proposer_team"`
	AssetFQN         string                  `json:"asset_fqn"`
	Acknowledgments  []models.Acknowledgment `json:"acknowledgments"`
	PendingConsumers []uuid.UUID             `json:"pending_consumers"`
	BreakingChanges  []map[string]any        `json:"breaking_changes"`
}

// Status assembles the enriched proposal view: proposer info, acknowledgment
// list, pending consumers, and the recorded breaking changes.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	proposal, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	asset, err := loadAsset(db, proposal.AssetID)
	if err != nil {
		return nil, err
	}
	registered, acks, err := consensusSets(db, proposal)
	if err != nil {
		return nil, err
	}
	var ackRows []models.Acknowledgment
	if err := db.Where("proposal_id = ?", proposal.ID).Order("created_at").Find(&ackRows).Error; err != nil {
		return nil, err
	}
	var breaking []map[string]any
	if err := models.DecodeJSON(proposal.BreakingChanges, &breaking); err != nil {
		return nil, err
	}
	return &StatusView{
		Proposal:         proposal,
		ProposerTeam:     teamName(db, proposal.ProposedBy),
		AssetFQN:         asset.FQN,
		Acknowledgments:  ackRows,
		PendingConsumers: pendingTeams(registered, acks),
		BreakingChanges:  breaking,
	}, nil
}

// transition applies a validated state change and stamps resolution.
func (s *Service) transition(tx *gorm.DB, proposal *models.Proposal, next models.ProposalStatus, actorTeam, actorUser *uuid.UUID) error {
	if err := ValidateTransition(proposal.Status, next); err != nil {
		return apperr.Wrap(apperr.BadRequest, err, "invalid proposal transition")
	}
	now := s.now().UTC()
	proposal.Status = next
	proposal.ResolvedAt = &now
	proposal.UpdatedAt = now
	if err := tx.Save(proposal).Error; err != nil {
		return err
	}
	journal.BestEffort(tx, journal.Entry{
		EventType:   "proposal_" + string(next),
		AssetID:     &proposal.AssetID,
		ProposalID:  &proposal.ID,
		ActorTeamID: actorTeam,
		ActorUserID: actorUser,
	})
	s.metrics.RecordTransition(string(next))
	return nil
}

func (s *Service) statusEvent(tx *gorm.DB, proposal *models.Proposal, asset *models.Asset, eventType webhooks.EventType, actorTeam *uuid.UUID) webhooks.Event {
	payload := webhooks.ProposalStatusPayload{
		ProposalID:  proposal.ID,
		AssetID:     proposal.AssetID,
		AssetFQN:    asset.FQN,
		Status:      string(proposal.Status),
		ActorTeamID: actorTeam,
	}
	if actorTeam != nil {
		payload.ActorTeamName = teamName(tx, *actorTeam)
	}
	return webhooks.Event{Event: eventType, Timestamp: s.now().UTC(), Payload: payload}
}

func statusEventType(status models.ProposalStatus) webhooks.EventType {
	switch status {
	case models.ProposalApproved:
		return webhooks.EventProposalApproved
	case models.ProposalRejected:
		return webhooks.EventProposalRejected
	case models.ProposalWithdrawn:
		return webhooks.EventProposalWithdrawn
	default:
		return webhooks.EventProposalExpired
	}
}

// consensusSets computes R (active registrations against the asset's current
// active contract) and A (all acknowledgments on the proposal). Registrations
// follow contracts, not proposals.
func consensusSets(tx *gorm.DB, proposal *models.Proposal) (map[string]struct{}, map[string]models.AckResponse, error) {
	registered := map[string]struct{}{}
	active, err := contracts.ActiveContract(tx, proposal.AssetID)
	if err != nil {
		return nil, nil, err
	}
	if active != nil {
		var regs []models.Registration
		if err := tx.Where("contract_id = ? AND status = ?", active.ID, models.RegistrationActive).Find(&regs).Error; err != nil {
			return nil, nil, err
		}
		for _, reg := range regs {
			registered[reg.ConsumerTeamID.String()] = struct{}{}
		}
	}

	acks := map[string]models.AckResponse{}
	var ackRows []models.Acknowledgment
	if err := tx.Where("proposal_id = ?", proposal.ID).Find(&ackRows).Error; err != nil {
		return nil, nil, err
	}
	for _, ack := range ackRows {
		acks[ack.ConsumerTeamID.String()] = ack.Response
	}
	return registered, acks, nil
}

func pendingTeams(registered map[string]struct{}, acks map[string]models.AckResponse) []uuid.UUID {
	var pending []uuid.UUID
	for team := range registered {
		if _, ok := acks[team]; !ok {
			if id, err := uuid.Parse(team); err == nil {
				pending = append(pending, id)
			}
		}
	}
	return pending
}

func lockProposal(tx *gorm.DB, id uuid.UUID) (*models.Proposal, error) {
	var proposal models.Proposal
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&proposal, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.NotFound, "proposal %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &proposal, nil
}

func loadAsset(tx *gorm.DB, id uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	err := tx.First(&asset, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.NotFound, "asset %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func lockPublishableAsset(tx *gorm.DB, id uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&asset, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.NotFound, "asset %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func teamName(tx *gorm.DB, teamID uuid.UUID) string {
	var team models.Team
	if err := tx.First(&team, "id = ?", teamID).Error; err != nil {
		return ""
	}
	return team.Name
}
