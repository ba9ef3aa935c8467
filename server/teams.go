package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tessera/apperr"
	"tessera/auth"
	"tessera/models"
)

type teamPayload struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// ListTeams returns teams, optionally filtered by name substring.
func (s *Server) ListTeams(w http.ResponseWriter, r *http.Request) {
	query := s.db.WithContext(r.Context()).Model(&models.Team{}).Order("name")
	if !includeDeleted(r) {
		query = query.Where("deleted_at IS NULL")
	}
	if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
		query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(name)+"%")
	}
	var teams []models.Team
	if err := query.Find(&teams).Error; err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, teams)
}

// CreateTeam creates a team with a case-insensitively unique name.
func (s *Server) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var req teamPayload
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.writeError(w, badRequestf("name is required"))
		return
	}

	var team models.Team
	err := s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var existing models.Team
		err := tx.Where("LOWER(name) = ? AND deleted_at IS NULL", strings.ToLower(name)).First(&existing).Error
		if err == nil {
			return apperr.New(apperr.Conflict, "team %q already exists", name)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := s.now().UTC()
		team = models.Team{
			ID:        uuid.New(),
			Name:      name,
			Metadata:  models.JSON(req.Metadata),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Create(&team).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, team)
}

// GetTeam fetches one team.
func (s *Server) GetTeam(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	team, err := s.loadTeam(r, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, team)
}

// UpdateTeam updates name or metadata. The actor must own the team.
func (s *Server) UpdateTeam(w http.ResponseWriter, r *http.Request) {
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
	if err := actor.MustOwnTeam(id); err != nil {
		s.writeError(w, err)
		return
	}

	var req struct {
		Name     *string        `json:"name"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var team *models.Team
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.loadTeamTx(tx, id)
		if err != nil {
			return err
		}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return badRequestf("name cannot be empty")
			}
			var other models.Team
			err := tx.Where("LOWER(name) = ? AND id <> ? AND deleted_at IS NULL", strings.ToLower(name), id).First(&other).Error
			if err == nil {
				return apperr.New(apperr.Conflict, "team %q already exists", name)
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			loaded.Name = name
		}
		if req.Metadata != nil {
			loaded.Metadata = models.JSON(req.Metadata)
		}
		loaded.UpdatedAt = s.now().UTC()
		team = loaded
		return tx.Save(loaded).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, team)
}

// DeleteTeam soft-deletes a team.
func (s *Server) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		team, err := s.loadTeamTx(tx, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		team.DeletedAt = &now
		team.UpdatedAt = now
		return tx.Save(team).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadTeam(r *http.Request, id uuid.UUID) (*models.Team, error) {
	return s.loadTeamTx(s.db.WithContext(r.Context()), id)
}

func (s *Server) loadTeamTx(tx *gorm.DB, id uuid.UUID) (*models.Team, error) {
	var team models.Team
	err := tx.Where("id = ? AND deleted_at IS NULL", id).First(&team).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.NotFound, "team %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func includeDeleted(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("include_deleted")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func parseTimePtr(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, badRequestf("invalid timestamp %q (RFC3339 expected)", raw)
	}
	utc := t.UTC()
	return &utc, nil
}
