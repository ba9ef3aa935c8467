package server

import (
	"net/http"

	"tessera/audits"
	"tessera/auth"
	"tessera/models"
)

// ReportAudit appends one quality run for an asset.
func (s *Server) ReportAudit(w http.ResponseWriter, r *http.Request) {
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
		Status            string                   `json:"status"`
		GuaranteesChecked int                      `json:"guarantees_checked"`
		GuaranteesPassed  int                      `json:"guarantees_passed"`
		GuaranteesFailed  int                      `json:"guarantees_failed"`
		TriggeredBy       string                   `json:"triggered_by"`
		RunID             string                   `json:"run_id"`
		Details           map[string]any           `json:"details"`
		GuaranteeResults  []audits.GuaranteeResult `json:"guarantee_results"`
		RunAt             string                   `json:"run_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	runAt, err := parseTimePtr(req.RunAt)
	if err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.audits.Record(r.Context(), audits.Report{
		AssetID:          id,
		Status:           models.AuditRunStatus(req.Status),
		Checked:          req.GuaranteesChecked,
		Passed:           req.GuaranteesPassed,
		Failed:           req.GuaranteesFailed,
		TriggeredBy:      req.TriggeredBy,
		RunID:            req.RunID,
		Details:          req.Details,
		GuaranteeResults: req.GuaranteeResults,
		RunAt:            runAt,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, run)
}

// AuditHistory lists recent runs with filters.
func (s *Server) AuditHistory(w http.ResponseWriter, r *http.Request) {
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

	filter := audits.HistoryFilter{
		Status:      models.AuditRunStatus(r.URL.Query().Get("status")),
		TriggeredBy: r.URL.Query().Get("triggered_by"),
		Limit:       intQuery(r, "limit", 50),
	}
	items, total, err := s.audits.History(r.Context(), id, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"asset_id":   asset.ID,
		"asset_fqn":  asset.FQN,
		"total_runs": total,
		"runs":       items,
	})
}

// AuditTrends returns the windowed aggregation and alerts.
func (s *Server) AuditTrends(w http.ResponseWriter, r *http.Request) {
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
	trends, err := s.audits.Trends(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trends)
}
