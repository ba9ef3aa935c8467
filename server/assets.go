package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tessera/apperr"
	"tessera/auth"
	"tessera/cache"
	"tessera/models"
	"tessera/schema"
)

// ListAssets filters by owner team, environment, and resource type.
func (s *Server) ListAssets(w http.ResponseWriter, r *http.Request) {
	query := s.db.WithContext(r.Context()).Model(&models.Asset{}).Order("fqn")
	if !includeDeleted(r) {
		query = query.Where("deleted_at IS NULL")
	}
	if owner := strings.TrimSpace(r.URL.Query().Get("owner_team_id")); owner != "" {
		teamID, err := uuid.Parse(owner)
		if err != nil {
			s.writeError(w, badRequestf("invalid owner_team_id %q", owner))
			return
		}
		query = query.Where("owner_team_id = ?", teamID)
	}
	if env := strings.TrimSpace(r.URL.Query().Get("environment")); env != "" {
		query = query.Where("environment = ?", env)
	}
	if rt := strings.TrimSpace(r.URL.Query().Get("resource_type")); rt != "" {
		query = query.Where("resource_type = ?", rt)
	}
	var assets []models.Asset
	if err := query.Find(&assets).Error; err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assets)
}

// SearchAssets performs substring search on FQN. q must be 1-100 chars.
func (s *Server) SearchAssets(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) < 1 || len(q) > 100 {
		s.writeError(w, badRequestf("q must be between 1 and 100 characters"))
		return
	}
	key := cache.SearchKey(strings.ToLower(q))
	var cached []models.Asset
	if s.cache.Get(r.Context(), key, &cached) {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}
	var assets []models.Asset
	err := s.db.WithContext(r.Context()).
		Where("fqn LIKE ? AND deleted_at IS NULL", "%"+strings.ToLower(q)+"%").
		Order("fqn").Limit(100).Find(&assets).Error
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Set(r.Context(), key, assets)
	s.writeJSON(w, http.StatusOK, assets)
}

type assetPayload struct {
	FQN           string         `json:"fqn"`
	Environment   string         `json:"environment"`
	ResourceType  string         `json:"resource_type"`
	OwnerTeamID   uuid.UUID      `json:"owner_team_id"`
	OwnerUserID   *uuid.UUID     `json:"owner_user_id"`
	GuaranteeMode string         `json:"guarantee_mode"`
	Metadata      map[string]any `json:"metadata"`
}

// CreateAsset creates a governed asset, enforcing owner invariants: the
// owner user (when set) must be active and belong to the owner team.
func (s *Server) CreateAsset(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req assetPayload
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	fqn := strings.ToLower(strings.TrimSpace(req.FQN))
	if fqn == "" {
		s.writeError(w, badRequestf("fqn is required"))
		return
	}
	if err := actor.MustOwnTeam(req.OwnerTeamID); err != nil {
		s.writeError(w, err)
		return
	}
	environment := req.Environment
	if environment == "" {
		environment = models.DefaultEnvironment
	}
	resourceType := req.ResourceType
	if resourceType == "" {
		resourceType = models.ResourceModel
	}

	var asset models.Asset
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadTeamTx(tx, req.OwnerTeamID); err != nil {
			return err
		}
		if err := s.checkOwnerUser(tx, req.OwnerUserID, req.OwnerTeamID); err != nil {
			return err
		}
		var existing models.Asset
		err := tx.Where("fqn = ? AND environment = ? AND deleted_at IS NULL", fqn, environment).First(&existing).Error
		if err == nil {
			return apperr.New(apperr.Conflict, "asset %q already exists in %s", fqn, environment)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := s.now().UTC()
		asset = models.Asset{
			ID:            uuid.New(),
			FQN:           fqn,
			Environment:   environment,
			ResourceType:  resourceType,
			OwnerTeamID:   req.OwnerTeamID,
			OwnerUserID:   req.OwnerUserID,
			GuaranteeMode: req.GuaranteeMode,
			Metadata:      models.JSON(req.Metadata),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.Create(&asset).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, asset)
}

// GetAsset fetches one asset through the cache.
func (s *Server) GetAsset(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	withDeleted := includeDeleted(r)
	key := cache.AssetKey(id.String())
	if !withDeleted {
		var cached models.Asset
		if s.cache.Get(r.Context(), key, &cached) {
			s.writeJSON(w, http.StatusOK, &cached)
			return
		}
	}
	asset, err := s.loadAsset(r, id, withDeleted)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !withDeleted {
		s.cache.Set(r.Context(), key, asset)
	}
	s.writeJSON(w, http.StatusOK, asset)
}

// UpdateAsset updates ownership and metadata, re-enforcing owner invariants.
func (s *Server) UpdateAsset(w http.ResponseWriter, r *http.Request) {
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
		OwnerTeamID   *uuid.UUID     `json:"owner_team_id"`
		OwnerUserID   *uuid.UUID     `json:"owner_user_id"`
		GuaranteeMode *string        `json:"guarantee_mode"`
		Metadata      map[string]any `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var asset *models.Asset
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.loadAssetTx(tx, id, false)
		if err != nil {
			return err
		}
		if err := actor.MustOwnTeam(loaded.OwnerTeamID); err != nil {
			return err
		}
		ownerTeam := loaded.OwnerTeamID
		if req.OwnerTeamID != nil {
			if _, err := s.loadTeamTx(tx, *req.OwnerTeamID); err != nil {
				return err
			}
			ownerTeam = *req.OwnerTeamID
			loaded.OwnerTeamID = ownerTeam
		}
		if req.OwnerUserID != nil {
			if err := s.checkOwnerUser(tx, req.OwnerUserID, ownerTeam); err != nil {
				return err
			}
			loaded.OwnerUserID = req.OwnerUserID
		} else if req.OwnerTeamID != nil && loaded.OwnerUserID != nil {
			// Team moved without a new owner user: re-check the invariant.
			if err := s.checkOwnerUser(tx, loaded.OwnerUserID, ownerTeam); err != nil {
				return err
			}
		}
		if req.GuaranteeMode != nil {
			loaded.GuaranteeMode = *req.GuaranteeMode
		}
		if req.Metadata != nil {
			loaded.Metadata = models.JSON(req.Metadata)
		}
		loaded.UpdatedAt = s.now().UTC()
		asset = loaded
		return tx.Save(loaded).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Delete(r.Context(), cache.AssetKey(id.String()))
	s.cache.InvalidatePattern(r.Context(), cache.MakeKey("search", "*"))
	s.writeJSON(w, http.StatusOK, asset)
}

// DeleteAsset soft-deletes; contracts and registrations remain readable.
func (s *Server) DeleteAsset(w http.ResponseWriter, r *http.Request) {
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
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		asset, err := s.loadAssetTx(tx, id, false)
		if err != nil {
			return err
		}
		if err := actor.MustOwnTeam(asset.OwnerTeamID); err != nil {
			return err
		}
		now := s.now().UTC()
		asset.DeletedAt = &now
		asset.UpdatedAt = now
		return tx.Save(asset).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Delete(r.Context(), cache.AssetKey(id.String()))
	s.cache.InvalidatePattern(r.Context(), cache.MakeKey("search", "*"))
	w.WriteHeader(http.StatusNoContent)
}

// checkOwnerUser enforces the ownership invariant: an owner user must be an
// active member of the owner team.
func (s *Server) checkOwnerUser(tx *gorm.DB, ownerUserID *uuid.UUID, ownerTeamID uuid.UUID) error {
	if ownerUserID == nil {
		return nil
	}
	user, err := s.loadUserTx(tx, *ownerUserID)
	if err != nil {
		return err
	}
	if !user.Active() {
		return badRequestf("owner user %s is deactivated", user.Email)
	}
	if user.TeamID == nil || *user.TeamID != ownerTeamID {
		return badRequestf("owner user %s does not belong to the owner team", user.Email)
	}
	return nil
}

func (s *Server) loadAsset(r *http.Request, id uuid.UUID, withDeleted bool) (*models.Asset, error) {
	return s.loadAssetTx(s.db.WithContext(r.Context()), id, withDeleted)
}

func (s *Server) loadAssetTx(tx *gorm.DB, id uuid.UUID, withDeleted bool) (*models.Asset, error) {
	query := tx.Where("id = ?", id)
	if !withDeleted {
		query = query.Where("deleted_at IS NULL")
	}
	var asset models.Asset
	err := query.First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.NotFound, "asset %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// AssetImpact dry-runs a schema change against the asset's active contract
// and lists the impacted consumer teams.
func (s *Server) AssetImpact(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Schema map[string]any `json:"schema"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if problems := schema.ValidateDocument(req.Schema); len(problems) > 0 {
		s.writeError(w, apperr.New(apperr.Validation, "invalid schema document").WithDetails(problems))
		return
	}

	db := s.db.WithContext(r.Context())
	asset, err := s.loadAssetTx(db, id, false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var active models.Contract
	err = db.Where("asset_id = ? AND status = ?", asset.ID, models.ContractActive).First(&active).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"asset_id":     asset.ID,
			"has_contract": false,
			"compatible":   true,
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	oldSchema := map[string]any{}
	if err := models.DecodeJSON(active.SchemaDef, &oldSchema); err != nil {
		s.writeError(w, err)
		return
	}
	result := schema.Diff(oldSchema, req.Schema)
	breaking := result.BreakingFor(active.CompatibilityMode)

	var regs []models.Registration
	if err := db.Where("contract_id = ? AND status = ?", active.ID, models.RegistrationActive).Find(&regs).Error; err != nil {
		s.writeError(w, err)
		return
	}
	consumers := make([]map[string]any, 0, len(regs))
	for _, reg := range regs {
		entry := map[string]any{"team_id": reg.ConsumerTeamID}
		var team models.Team
		if err := db.First(&team, "id = ?", reg.ConsumerTeamID).Error; err == nil {
			entry["team_name"] = team.Name
		}
		if reg.PinnedVersion != "" {
			entry["pinned_version"] = reg.PinnedVersion
		}
		consumers = append(consumers, entry)
	}

	if breaking == nil {
		breaking = []schema.BreakingChange{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"asset_id":           asset.ID,
		"has_contract":       true,
		"contract_version":   active.Version,
		"change_type":        result.ChangeType,
		"compatible":         len(breaking) == 0,
		"breaking_changes":   breaking,
		"impacted_consumers": consumers,
	})
}
