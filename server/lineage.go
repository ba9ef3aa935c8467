package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tessera/apperr"
	"tessera/auth"
	"tessera/models"
)

const (
	defaultLineageDepth = 3
	maxLineageDepth     = 10
)

// ListDependencies returns the directed edges touching an asset.
func (s *Server) ListDependencies(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	db := s.db.WithContext(r.Context())
	if _, err := s.loadAssetTx(db, id, includeDeleted(r)); err != nil {
		s.writeError(w, err)
		return
	}
	var edges []models.AssetDependency
	if err := db.Where("downstream_id = ? OR upstream_id = ?", id, id).Order("created_at").Find(&edges).Error; err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, edges)
}

// AddDependency records a directed edge. Self-loops and duplicate edges are
// rejected.
func (s *Server) AddDependency(w http.ResponseWriter, r *http.Request) {
	downstreamID, err := parseID(r, "id")
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
		UpstreamID uuid.UUID `json:"upstream_id"`
		Kind       string    `json:"kind"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.UpstreamID == downstreamID {
		s.writeError(w, badRequestf("an asset cannot depend on itself"))
		return
	}

	var edge models.AssetDependency
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		downstream, err := s.loadAssetTx(tx, downstreamID, false)
		if err != nil {
			return err
		}
		if err := actor.MustOwnTeam(downstream.OwnerTeamID); err != nil {
			return err
		}
		if _, err := s.loadAssetTx(tx, req.UpstreamID, false); err != nil {
			return err
		}
		var existing models.AssetDependency
		err = tx.Where("downstream_id = ? AND upstream_id = ?", downstreamID, req.UpstreamID).First(&existing).Error
		if err == nil {
			return apperr.New(apperr.Conflict, "dependency already exists")
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		kind := req.Kind
		if kind == "" {
			kind = "data"
		}
		edge = models.AssetDependency{
			ID:           uuid.New(),
			DownstreamID: downstreamID,
			UpstreamID:   req.UpstreamID,
			Kind:         kind,
			CreatedAt:    s.now().UTC(),
		}
		return tx.Create(&edge).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, edge)
}

// RemoveDependency deletes an edge.
func (s *Server) RemoveDependency(w http.ResponseWriter, r *http.Request) {
	assetID, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	depID, err := parseID(r, "dep_id")
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
		asset, err := s.loadAssetTx(tx, assetID, false)
		if err != nil {
			return err
		}
		if err := actor.MustOwnTeam(asset.OwnerTeamID); err != nil {
			return err
		}
		var edge models.AssetDependency
		err = tx.Where("id = ? AND downstream_id = ?", depID, assetID).First(&edge).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.NotFound, "dependency %s not found", depID)
		}
		if err != nil {
			return err
		}
		return tx.Delete(&edge).Error
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lineageNode is one hop in the transitive view.
type lineageNode struct {
	AssetID uuid.UUID `json:"asset_id"`
	FQN     string    `json:"fqn"`
	Depth   int       `json:"depth"`
	Deleted bool      `json:"deleted,omitempty"`
}

// Lineage walks upstream and downstream edges to a bounded depth. Dependency
// edges form a DAG only by convention, so traversal cycle-breaks with a
// visited set. Soft-deleted assets appear only with include_deleted.
func (s *Server) Lineage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	withDeleted := includeDeleted(r)
	db := s.db.WithContext(r.Context())
	asset, err := s.loadAssetTx(db, id, withDeleted)
	if err != nil {
		s.writeError(w, err)
		return
	}

	depth := defaultLineageDepth
	if raw := r.URL.Query().Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, badRequestf("invalid depth %q", raw))
			return
		}
		depth = parsed
	}
	if depth > maxLineageDepth {
		depth = maxLineageDepth
	}

	upstream, err := s.walkLineage(db, id, depth, true, withDeleted)
	if err != nil {
		s.writeError(w, err)
		return
	}
	downstream, err := s.walkLineage(db, id, depth, false, withDeleted)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"asset_id":   asset.ID,
		"fqn":        asset.FQN,
		"depth":      depth,
		"upstream":   upstream,
		"downstream": downstream,
	})
}

func (s *Server) walkLineage(db *gorm.DB, start uuid.UUID, maxDepth int, upstream bool, withDeleted bool) ([]lineageNode, error) {
	visited := map[uuid.UUID]struct{}{start: {}}
	frontier := []uuid.UUID{start}
	nodes := []lineageNode{}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var edges []models.AssetDependency
		query := db.Model(&models.AssetDependency{})
		if upstream {
			query = query.Where("downstream_id IN ?", frontier)
		} else {
			query = query.Where("upstream_id IN ?", frontier)
		}
		if err := query.Find(&edges).Error; err != nil {
			return nil, err
		}

		var next []uuid.UUID
		for _, edge := range edges {
			target := edge.UpstreamID
			if !upstream {
				target = edge.DownstreamID
			}
			if _, seen := visited[target]; seen {
				continue
			}
			visited[target] = struct{}{}

			var asset models.Asset
			if err := db.First(&asset, "id = ?", target).Error; err != nil {
				continue
			}
			if asset.DeletedAt != nil && !withDeleted {
				continue
			}
			nodes = append(nodes, lineageNode{
				AssetID: asset.ID,
				FQN:     asset.FQN,
				Depth:   depth,
				Deleted: asset.DeletedAt != nil,
			})
			next = append(next, target)
		}
		frontier = next
	}
	return nodes, nil
}
