package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tessera/apperr"
	"tessera/auth"
	"tessera/models"
)

// userView hides the password hash from API responses.
type userView struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	TeamID        *uuid.UUID `json:"team_id,omitempty"`
	DeactivatedAt any        `json:"deactivated_at,omitempty"`
	CreatedAt     any        `json:"created_at"`
}

func viewUser(u *models.User) userView {
	view := userView{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		TeamID:    u.TeamID,
		CreatedAt: u.CreatedAt,
	}
	if u.DeactivatedAt != nil {
		view.DeactivatedAt = u.DeactivatedAt
	}
	return view
}

// ListUsers filters by email, name, or team.
func (s *Server) ListUsers(w http.ResponseWriter, r *http.Request) {
	query := s.db.WithContext(r.Context()).Model(&models.User{}).Order("email")
	if email := strings.TrimSpace(r.URL.Query().Get("email")); email != "" {
		query = query.Where("LOWER(email) LIKE ?", "%"+strings.ToLower(email)+"%")
	}
	if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
		query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(name)+"%")
	}
	if team := strings.TrimSpace(r.URL.Query().Get("team_id")); team != "" {
		teamID, err := uuid.Parse(team)
		if err != nil {
			s.writeError(w, badRequestf("invalid team_id %q", team))
			return
		}
		query = query.Where("team_id = ?", teamID)
	}
	var users []models.User
	if err := query.Find(&users).Error; err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]userView, 0, len(users))
	for i := range users {
		views = append(views, viewUser(&users[i]))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// CreateUser creates a user with a unique email.
func (s *Server) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string     `json:"email"`
		Name     string     `json:"name"`
		Password string     `json:"password"`
		Role     string     `json:"role"`
		TeamID   *uuid.UUID `json:"team_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		s.writeError(w, badRequestf("email is required"))
		return
	}
	role := req.Role
	if role == "" {
		role = models.RoleUser
	}
	switch role {
	case models.RoleAdmin, models.RoleTeamAdmin, models.RoleUser:
	default:
		s.writeError(w, badRequestf("unknown role %q", role))
		return
	}

	var user models.User
	err := s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var existing models.User
		err := tx.Where("LOWER(email) = ?", strings.ToLower(email)).First(&existing).Error
		if err == nil {
			return apperr.New(apperr.Conflict, "user %q already exists", email)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if req.TeamID != nil {
			if _, err := s.loadTeamTx(tx, *req.TeamID); err != nil {
				return err
			}
		}
		now := s.now().UTC()
		user = models.User{
			ID:        uuid.New(),
			Email:     email,
			Name:      strings.TrimSpace(req.Name),
			Role:      role,
			TeamID:    req.TeamID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if req.Password != "" {
			hash, err := auth.HashPassword(req.Password)
			if err != nil {
				return err
			}
			user.PasswordHash = hash
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, viewUser(&user))
}

// GetUser fetches one user.
func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	user, err := s.loadUser(r, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewUser(user))
}

// UpdateUser updates profile fields, role, or team membership.
func (s *Server) UpdateUser(w http.ResponseWriter, r *http.Request) {
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
		Name     *string    `json:"name"`
		Role     *string    `json:"role"`
		TeamID   *uuid.UUID `json:"team_id"`
		Password *string    `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Role != nil && !actor.IsAdmin() {
		s.writeError(w, apperr.New(apperr.Forbidden, "only admins may change roles"))
		return
	}

	var user *models.User
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.loadUserTx(tx, id)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() {
			if actor.UserID == nil || *actor.UserID != loaded.ID {
				return apperr.New(apperr.Forbidden, "cannot update another user")
			}
		}
		if req.Name != nil {
			loaded.Name = strings.TrimSpace(*req.Name)
		}
		if req.Role != nil {
			switch *req.Role {
			case models.RoleAdmin, models.RoleTeamAdmin, models.RoleUser:
				loaded.Role = *req.Role
			default:
				return badRequestf("unknown role %q", *req.Role)
			}
		}
		if req.TeamID != nil {
			if _, err := s.loadTeamTx(tx, *req.TeamID); err != nil {
				return err
			}
			loaded.TeamID = req.TeamID
		}
		if req.Password != nil && *req.Password != "" {
			hash, err := auth.HashPassword(*req.Password)
			if err != nil {
				return err
			}
			loaded.PasswordHash = hash
		}
		loaded.UpdatedAt = s.now().UTC()
		user = loaded
		return tx.Save(loaded).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewUser(user))
}

// DeactivateUser timestamps the user out of active duty. Deactivated users
// cannot remain active asset owners, so their ownerships are cleared.
func (s *Server) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		user, err := s.loadUserTx(tx, id)
		if err != nil {
			return err
		}
		if user.DeactivatedAt != nil {
			return badRequestf("user is already deactivated")
		}
		now := s.now().UTC()
		user.DeactivatedAt = &now
		user.UpdatedAt = now
		if err := tx.Save(user).Error; err != nil {
			return err
		}
		return tx.Model(&models.Asset{}).
			Where("owner_user_id = ?", user.ID).
			Update("owner_user_id", nil).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReactivateUser undoes deactivation.
func (s *Server) ReactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var user *models.User
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.loadUserTx(tx, id)
		if err != nil {
			return err
		}
		if loaded.DeactivatedAt == nil {
			return badRequestf("user is not deactivated")
		}
		loaded.DeactivatedAt = nil
		loaded.UpdatedAt = s.now().UTC()
		user = loaded
		return tx.Save(loaded).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewUser(user))
}

func (s *Server) loadUser(r *http.Request, id uuid.UUID) (*models.User, error) {
	return s.loadUserTx(s.db.WithContext(r.Context()), id)
}

func (s *Server) loadUserTx(tx *gorm.DB, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := tx.First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.NotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
