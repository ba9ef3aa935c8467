package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"tessera/auth"
	"tessera/models"
	"tessera/proposals"
)

// ListProposals lists proposals with filters.
func (s *Server) ListProposals(w http.ResponseWriter, r *http.Request) {
	filter := proposals.ListFilter{
		Limit:  intQuery(r, "limit", 100),
		Offset: intQuery(r, "offset", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = models.ProposalStatus(status)
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("asset_id")); raw != "" {
		assetID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, badRequestf("invalid asset_id %q", raw))
			return
		}
		filter.AssetID = &assetID
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("proposed_by")); raw != "" {
		teamID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, badRequestf("invalid proposed_by %q", raw))
			return
		}
		filter.ProposedBy = &teamID
	}
	rows, err := s.proposals.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// GetProposal reads one proposal.
func (s *Server) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	proposal, err := s.proposals.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proposal)
}

// ProposalStatus returns the enriched proposal view.
func (s *Server) ProposalStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.proposals.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// AcknowledgeProposal records a consumer team's response and triggers the
// auto-approval rule.
func (s *Server) AcknowledgeProposal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		ConsumerTeamID    uuid.UUID `json:"consumer_team_id"`
		Response          string    `json:"response"`
		MigrationDeadline string    `json:"migration_deadline"`
		Notes             string    `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	teamID := req.ConsumerTeamID
	if teamID == uuid.Nil {
		if actor.TeamID == nil {
			s.writeError(w, badRequestf("consumer_team_id is required"))
			return
		}
		teamID = *actor.TeamID
	}
	if err := actor.MustOwnTeam(teamID); err != nil {
		s.writeError(w, err)
		return
	}
	deadline, err := parseTimePtr(req.MigrationDeadline)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.proposals.Acknowledge(r.Context(), proposals.AckRequest{
		ProposalID:        id,
		ConsumerTeamID:    teamID,
		UserID:            actor.UserID,
		Response:          models.AckResponse(req.Response),
		MigrationDeadline: deadline,
		Notes:             req.Notes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

// WithdrawProposal is the producer's explicit terminal.
func (s *Server) WithdrawProposal(w http.ResponseWriter, r *http.Request) {
	s.producerTransition(w, r, func(actor *auth.Actor, id uuid.UUID) (*models.Proposal, error) {
		return s.proposals.Withdraw(r.Context(), id, actor.TeamID, actor.UserID)
	}, false)
}

// ForceProposal force-approves; admin or proposal owner only.
func (s *Server) ForceProposal(w http.ResponseWriter, r *http.Request) {
	s.producerTransition(w, r, func(actor *auth.Actor, id uuid.UUID) (*models.Proposal, error) {
		return s.proposals.Force(r.Context(), id, actor.TeamID, actor.UserID)
	}, false)
}

// ExpireProposal manually expires a pending proposal.
func (s *Server) ExpireProposal(w http.ResponseWriter, r *http.Request) {
	s.producerTransition(w, r, func(actor *auth.Actor, id uuid.UUID) (*models.Proposal, error) {
		return s.proposals.Expire(r.Context(), id, actor.TeamID, actor.UserID)
	}, false)
}

// producerTransition wraps the shared pattern: load, authorize against the
// proposing team, apply.
func (s *Server) producerTransition(w http.ResponseWriter, r *http.Request, apply func(*auth.Actor, uuid.UUID) (*models.Proposal, error), allowConsumers bool) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	proposal, err := s.proposals.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !allowConsumers {
		if err := actor.MustOwnTeam(proposal.ProposedBy); err != nil {
			s.writeError(w, err)
			return
		}
	}
	updated, err := apply(actor, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

// PublishFromProposal publishes an approved proposal's schema.
func (s *Server) PublishFromProposal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	proposal, err := s.proposals.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := actor.MustOwnTeam(proposal.ProposedBy); err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Version string `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	publishedBy := proposal.ProposedBy
	contract, err := s.proposals.PublishFrom(r.Context(), id, req.Version, publishedBy, actor.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"action":   "published",
		"contract": contract,
	})
}
