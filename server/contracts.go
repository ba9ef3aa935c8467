package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"tessera/auth"
	"tessera/cache"
	"tessera/contracts"
	"tessera/models"
)

// ListAssetContracts lists every contract version for an asset.
func (s *Server) ListAssetContracts(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.loadAsset(r, id, includeDeleted(r)); err != nil {
		s.writeError(w, err)
		return
	}
	filter := contracts.ListFilter{AssetID: &id}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = models.ContractStatus(status)
	}
	if version := r.URL.Query().Get("version"); version != "" {
		filter.Version = version
	}
	rows, err := s.contracts.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// PublishContract runs the publish decision tree for an asset.
func (s *Server) PublishContract(w http.ResponseWriter, r *http.Request) {
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
	asset, err := s.loadAsset(r, id, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := actor.MustOwnTeam(asset.OwnerTeamID); err != nil {
		s.writeError(w, err)
		return
	}

	var req struct {
		Version           string         `json:"version"`
		Schema            map[string]any `json:"schema"`
		SchemaFormat      string         `json:"schema_format"`
		CompatibilityMode string         `json:"compatibility_mode"`
		Guarantees        map[string]any `json:"guarantees"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		force, _ = strconv.ParseBool(raw)
	}
	publishedByUser := actor.UserID
	if raw := strings.TrimSpace(r.URL.Query().Get("published_by")); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, badRequestf("invalid published_by %q", raw))
			return
		}
		publishedByUser = &userID
	}

	decision, err := s.contracts.Publish(r.Context(), contracts.PublishRequest{
		AssetID:           asset.ID,
		Version:           req.Version,
		Schema:            req.Schema,
		SchemaFormat:      req.SchemaFormat,
		CompatibilityMode: models.CompatibilityMode(req.CompatibilityMode),
		Guarantees:        req.Guarantees,
		PublishedBy:       asset.OwnerTeamID,
		PublishedByUserID: publishedByUser,
		Force:             force,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, decision)
}

// ListContracts is the cross-asset listing with filters.
func (s *Server) ListContracts(w http.ResponseWriter, r *http.Request) {
	filter := contracts.ListFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = models.ContractStatus(status)
	}
	if version := r.URL.Query().Get("version"); version != "" {
		filter.Version = version
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("asset_id")); raw != "" {
		assetID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, badRequestf("invalid asset_id %q", raw))
			return
		}
		filter.AssetID = &assetID
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("published_by")); raw != "" {
		teamID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, badRequestf("invalid published_by %q", raw))
			return
		}
		filter.TeamID = &teamID
	}
	filter.Limit = intQuery(r, "limit", 100)
	filter.Offset = intQuery(r, "offset", 0)

	rows, err := s.contracts.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// GetContract reads one contract through the cache.
func (s *Server) GetContract(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	key := cache.ContractKey(id.String())
	var cached models.Contract
	if s.cache.Get(r.Context(), key, &cached) {
		s.writeJSON(w, http.StatusOK, &cached)
		return
	}
	contract, err := s.contracts.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Set(r.Context(), key, contract)
	s.writeJSON(w, http.StatusOK, contract)
}

// UpdateGuarantees replaces guarantees on an active contract.
func (s *Server) UpdateGuarantees(w http.ResponseWriter, r *http.Request) {
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
	contract, err := s.contracts.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := actor.MustOwnTeam(contract.PublishedBy); err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Guarantees map[string]any `json:"guarantees"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.contracts.UpdateGuarantees(r.Context(), id, req.Guarantees)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Delete(r.Context(), cache.ContractKey(id.String()))
	s.writeJSON(w, http.StatusOK, updated)
}

// ListContractRegistrations lists registrations on a contract.
func (s *Server) ListContractRegistrations(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	regs, err := s.contracts.ListRegistrations(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, regs)
}

// CreateRegistration registers a consumer team on a contract.
func (s *Server) CreateRegistration(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		ContractID     uuid.UUID `json:"contract_id"`
		ConsumerTeamID uuid.UUID `json:"consumer_team_id"`
		PinnedVersion  string    `json:"pinned_version"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := actor.MustOwnTeam(req.ConsumerTeamID); err != nil {
		s.writeError(w, err)
		return
	}
	reg, err := s.contracts.Register(r.Context(), req.ContractID, req.ConsumerTeamID, req.PinnedVersion)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, reg)
}

// ListRegistrations lists registrations with optional filters.
func (s *Server) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	query := s.db.WithContext(r.Context()).Model(&models.Registration{}).Order("created_at DESC")
	if raw := strings.TrimSpace(r.URL.Query().Get("contract_id")); raw != "" {
		contractID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, badRequestf("invalid contract_id %q", raw))
			return
		}
		query = query.Where("contract_id = ?", contractID)
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("consumer_team_id")); raw != "" {
		teamID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, badRequestf("invalid consumer_team_id %q", raw))
			return
		}
		query = query.Where("consumer_team_id = ?", teamID)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	var regs []models.Registration
	if err := query.Find(&regs).Error; err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, regs)
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
