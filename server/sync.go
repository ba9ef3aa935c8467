package server

import (
	"net/http"

	"github.com/google/uuid"

	"tessera/sync"
)

// SyncDbtUpload ingests a dbt manifest.
func (s *Server) SyncDbtUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Manifest               map[string]any `json:"manifest"`
		OwnerTeamID            *uuid.UUID     `json:"owner_team_id"`
		ConflictMode           string         `json:"conflict_mode"`
		AutoPublishContracts   bool           `json:"auto_publish_contracts"`
		AutoCreateProposals    bool           `json:"auto_create_proposals"`
		AutoRegisterConsumers  bool           `json:"auto_register_consumers"`
		InferConsumersFromRefs bool           `json:"infer_consumers_from_refs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.sync.Upload(r.Context(), sync.UploadRequest{
		Manifest:               req.Manifest,
		OwnerTeamID:            req.OwnerTeamID,
		ConflictMode:           req.ConflictMode,
		AutoPublishContracts:   req.AutoPublishContracts,
		AutoCreateProposals:    req.AutoCreateProposals,
		AutoRegisterConsumers:  req.AutoRegisterConsumers,
		InferConsumersFromRefs: req.InferConsumersFromRefs,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// SyncDbtDiff previews a manifest without writes; CI uses blocking.
func (s *Server) SyncDbtDiff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Manifest       map[string]any `json:"manifest"`
		FailOnBreaking *bool          `json:"fail_on_breaking"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	failOnBreaking := true
	if req.FailOnBreaking != nil {
		failOnBreaking = *req.FailOnBreaking
	}
	result, err := s.sync.Diff(r.Context(), req.Manifest, failOnBreaking)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// SyncDbtImpact compares manifest schemas to active contracts.
func (s *Server) SyncDbtImpact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Manifest map[string]any `json:"manifest"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.sync.Impact(r.Context(), req.Manifest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// SyncOpenAPI ingests REST endpoints as assets.
func (s *Server) SyncOpenAPI(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Spec             map[string]any `json:"spec"`
		OwnerTeam        string         `json:"owner_team"`
		Environment      string         `json:"environment"`
		PublishContracts bool           `json:"publish_contracts"`
		DryRun           bool           `json:"dry_run"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.sync.ImportOpenAPI(r.Context(), sync.OpenAPIRequest{
		Spec:             req.Spec,
		OwnerTeamName:    req.OwnerTeam,
		Environment:      req.Environment,
		PublishContracts: req.PublishContracts,
		DryRun:           req.DryRun,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// SyncGraphQL ingests GraphQL operations as assets.
func (s *Server) SyncGraphQL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Introspection    map[string]any `json:"introspection"`
		SchemaName       string         `json:"schema_name"`
		OwnerTeam        string         `json:"owner_team"`
		PublishContracts bool           `json:"publish_contracts"`
		DryRun           bool           `json:"dry_run"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.sync.ImportGraphQL(r.Context(), sync.GraphQLRequest{
		Introspection:    req.Introspection,
		SchemaName:       req.SchemaName,
		OwnerTeamName:    req.OwnerTeam,
		PublishContracts: req.PublishContracts,
		DryRun:           req.DryRun,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// SyncPush exports database state to git-friendly YAML.
func (s *Server) SyncPush(w http.ResponseWriter, r *http.Request) {
	result, err := s.sync.Push(r.Context(), s.settings.GitSyncPath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// SyncPull imports YAML state back into the database.
func (s *Server) SyncPull(w http.ResponseWriter, r *http.Request) {
	result, err := s.sync.Pull(r.Context(), s.settings.GitSyncPath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
