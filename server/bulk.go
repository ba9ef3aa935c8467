package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"tessera/apperr"
	"tessera/auth"
	"tessera/models"
	"tessera/proposals"
)

// bulkItemResult reports one item of a bulk request.
type bulkItemResult struct {
	Success bool       `json:"success"`
	Index   int        `json:"index"`
	ID      *uuid.UUID `json:"id,omitempty"`
	Error   string     `json:"error,omitempty"`
	Details any        `json:"details,omitempty"`
}

// bulkResponse is the shared bulk response shape.
type bulkResponse struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Results   []bulkItemResult `json:"results"`
}

// BulkRegistrations creates registrations with per-item reporting.
// skip_duplicates reports uniqueness violations as skipped successes.
func (s *Server) BulkRegistrations(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Registrations []struct {
			ContractID     uuid.UUID `json:"contract_id"`
			ConsumerTeamID uuid.UUID `json:"consumer_team_id"`
			PinnedVersion  string    `json:"pinned_version"`
		} `json:"registrations"`
		SkipDuplicates bool `json:"skip_duplicates"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	resp := bulkResponse{Total: len(req.Registrations), Results: []bulkItemResult{}}
	for i, item := range req.Registrations {
		if err := actor.MustOwnTeam(item.ConsumerTeamID); err != nil {
			resp.Failed++
			resp.Results = append(resp.Results, bulkItemResult{Index: i, Error: apperr.AsError(err).Message})
			continue
		}
		reg, err := s.contracts.Register(r.Context(), item.ContractID, item.ConsumerTeamID, item.PinnedVersion)
		if err != nil {
			if req.SkipDuplicates && apperr.KindOf(err) == apperr.Conflict {
				existingID := s.existingRegistrationID(r, item.ContractID, item.ConsumerTeamID)
				resp.Succeeded++
				resp.Results = append(resp.Results, bulkItemResult{
					Success: true,
					Index:   i,
					ID:      existingID,
					Details: map[string]any{"skipped": true, "reason": "duplicate"},
				})
				continue
			}
			resp.Failed++
			resp.Results = append(resp.Results, bulkItemResult{Index: i, Error: apperr.AsError(err).Message})
			continue
		}
		resp.Succeeded++
		resp.Results = append(resp.Results, bulkItemResult{Success: true, Index: i, ID: &reg.ID})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) existingRegistrationID(r *http.Request, contractID, teamID uuid.UUID) *uuid.UUID {
	var reg models.Registration
	err := s.db.WithContext(r.Context()).
		Where("contract_id = ? AND consumer_team_id = ? AND status = ?", contractID, teamID, models.RegistrationActive).
		First(&reg).Error
	if err != nil {
		return nil
	}
	return &reg.ID
}

// BulkAssets creates assets with per-item reporting.
func (s *Server) BulkAssets(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Assets         []assetPayload `json:"assets"`
		SkipDuplicates bool           `json:"skip_duplicates"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	resp := bulkResponse{Total: len(req.Assets), Results: []bulkItemResult{}}
	for i, item := range req.Assets {
		id, err := s.createAssetItem(r, actor, item, req.SkipDuplicates, &resp, i)
		if err != nil {
			resp.Failed++
			resp.Results = append(resp.Results, bulkItemResult{Index: i, Error: apperr.AsError(err).Message})
			continue
		}
		if id != nil {
			resp.Succeeded++
			resp.Results = append(resp.Results, bulkItemResult{Success: true, Index: i, ID: id})
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// createAssetItem handles one bulk asset; a nil return with nil error means
// the item was already appended (duplicate-skip path).
func (s *Server) createAssetItem(r *http.Request, actor *auth.Actor, item assetPayload, skipDuplicates bool, resp *bulkResponse, index int) (*uuid.UUID, error) {
	fqn := strings.ToLower(strings.TrimSpace(item.FQN))
	if fqn == "" {
		return nil, badRequestf("fqn is required")
	}
	if err := actor.MustOwnTeam(item.OwnerTeamID); err != nil {
		return nil, err
	}
	environment := item.Environment
	if environment == "" {
		environment = models.DefaultEnvironment
	}

	db := s.db.WithContext(r.Context())
	var existing models.Asset
	if err := db.Where("fqn = ? AND environment = ? AND deleted_at IS NULL", fqn, environment).First(&existing).Error; err == nil {
		if skipDuplicates {
			resp.Succeeded++
			resp.Results = append(resp.Results, bulkItemResult{
				Success: true,
				Index:   index,
				ID:      &existing.ID,
				Details: map[string]any{"skipped": true, "reason": "duplicate"},
			})
			return nil, nil
		}
		return nil, apperr.New(apperr.Conflict, "asset %q already exists in %s", fqn, environment)
	}

	if _, err := s.loadTeamTx(db, item.OwnerTeamID); err != nil {
		return nil, err
	}
	if err := s.checkOwnerUser(db, item.OwnerUserID, item.OwnerTeamID); err != nil {
		return nil, err
	}
	resourceType := item.ResourceType
	if resourceType == "" {
		resourceType = models.ResourceModel
	}
	now := s.now().UTC()
	asset := models.Asset{
		ID:            uuid.New(),
		FQN:           fqn,
		Environment:   environment,
		ResourceType:  resourceType,
		OwnerTeamID:   item.OwnerTeamID,
		OwnerUserID:   item.OwnerUserID,
		GuaranteeMode: item.GuaranteeMode,
		Metadata:      models.JSON(item.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.Create(&asset).Error; err != nil {
		return nil, err
	}
	return &asset.ID, nil
}

// BulkAcknowledgments records acknowledgments across proposals.
// continue_on_error defaults to true; when false, processing stops at the
// first failure.
func (s *Server) BulkAcknowledgments(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Acknowledgments []struct {
			ProposalID        uuid.UUID `json:"proposal_id"`
			ConsumerTeamID    uuid.UUID `json:"consumer_team_id"`
			Response          string    `json:"response"`
			MigrationDeadline string    `json:"migration_deadline"`
			Notes             string    `json:"notes"`
		} `json:"acknowledgments"`
		ContinueOnError *bool `json:"continue_on_error"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	continueOnError := true
	if req.ContinueOnError != nil {
		continueOnError = *req.ContinueOnError
	}

	resp := bulkResponse{Total: len(req.Acknowledgments), Results: []bulkItemResult{}}
	for i, item := range req.Acknowledgments {
		fail := func(err error) {
			resp.Failed++
			resp.Results = append(resp.Results, bulkItemResult{Index: i, Error: apperr.AsError(err).Message})
		}

		teamID := item.ConsumerTeamID
		if teamID == uuid.Nil && actor.TeamID != nil {
			teamID = *actor.TeamID
		}
		if err := actor.MustOwnTeam(teamID); err != nil {
			fail(err)
			if !continueOnError {
				break
			}
			continue
		}
		deadline, err := parseTimePtr(item.MigrationDeadline)
		if err != nil {
			fail(err)
			if !continueOnError {
				break
			}
			continue
		}
		result, err := s.proposals.Acknowledge(r.Context(), proposals.AckRequest{
			ProposalID:        item.ProposalID,
			ConsumerTeamID:    teamID,
			UserID:            actor.UserID,
			Response:          models.AckResponse(item.Response),
			MigrationDeadline: deadline,
			Notes:             item.Notes,
		})
		if err != nil {
			fail(err)
			if !continueOnError {
				break
			}
			continue
		}
		resp.Succeeded++
		resp.Results = append(resp.Results, bulkItemResult{
			Success: true,
			Index:   i,
			ID:      &result.Acknowledgment.ID,
			Details: map[string]any{"proposal_status": result.Proposal.Status},
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}
