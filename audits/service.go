package audits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tessera/apperr"
	"tessera/contracts"
	"tessera/models"
)

// Size caps on reported details.
const (
	maxDetailsBytes          = 100 * 1024
	maxGuaranteeMetaBytes    = 10 * 1024
	maxGuaranteeResultCount  = 1000
	maxHistoryLimit          = 500
	defaultHistoryLimit      = 50
)

// GuaranteeResult is one per-guarantee outcome inside a run report.
type GuaranteeResult struct {
	GuaranteeID string         `json:"guarantee_id"`
	Passed      bool           `json:"passed"`
	Message     string         `json:"message,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Report is the write-path input for one quality run.
type Report struct {
	AssetID          uuid.UUID
	Status           models.AuditRunStatus
	Checked          int
	Passed           int
	Failed           int
	TriggeredBy      string
	RunID            string
	Details          map[string]any
	GuaranteeResults []GuaranteeResult
	RunAt            *time.Time
}

// Service tracks audit runs and aggregates trends.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs the audit service.
func New(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// Record validates and inserts one audit run. The contract reference
// snapshots the asset's currently active contract, which may be absent.
func (s *Service) Record(ctx context.Context, report Report) (*models.AuditRun, error) {
	switch report.Status {
	case models.AuditPassed, models.AuditFailed, models.AuditPartial:
	default:
		return nil, apperr.New(apperr.BadRequest, "unknown audit status %q", report.Status)
	}
	if len(report.GuaranteeResults) > maxGuaranteeResultCount {
		return nil, apperr.New(apperr.Validation, "at most %d guarantee results per run", maxGuaranteeResultCount)
	}
	for _, gr := range report.GuaranteeResults {
		if len(models.JSON(gr.Metadata)) > maxGuaranteeMetaBytes {
			return nil, apperr.New(apperr.Validation, "guarantee %s metadata exceeds %d bytes", gr.GuaranteeID, maxGuaranteeMetaBytes)
		}
	}

	details := map[string]any{}
	for k, v := range report.Details {
		details[k] = v
	}
	if len(report.GuaranteeResults) > 0 {
		details["guarantee_results"] = report.GuaranteeResults
	}
	encoded := models.JSON(details)
	if len(encoded) > maxDetailsBytes {
		return nil, apperr.New(apperr.Validation, "details exceed %d bytes serialized", maxDetailsBytes)
	}

	checked, passed, failed := report.Checked, report.Passed, report.Failed
	if len(report.GuaranteeResults) > 0 && checked == 0 {
		checked = len(report.GuaranteeResults)
		passed, failed = 0, 0
		for _, gr := range report.GuaranteeResults {
			if gr.Passed {
				passed++
			} else {
				failed++
			}
		}
	}

	runAt := s.now().UTC()
	if report.RunAt != nil {
		runAt = report.RunAt.UTC()
	}

	var run *models.AuditRun
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var asset models.Asset
		err := tx.Where("id = ? AND deleted_at IS NULL", report.AssetID).First(&asset).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.NotFound, "asset %s not found", report.AssetID)
		}
		if err != nil {
			return err
		}

		active, err := contracts.ActiveContract(tx, asset.ID)
		if err != nil {
			return err
		}
		var contractID *uuid.UUID
		if active != nil {
			contractID = &active.ID
		}

		run = &models.AuditRun{
			ID:                uuid.New(),
			AssetID:           asset.ID,
			ContractID:        contractID,
			Status:            report.Status,
			GuaranteesChecked: checked,
			GuaranteesPassed:  passed,
			GuaranteesFailed:  failed,
			TriggeredBy:       report.TriggeredBy,
			RunID:             report.RunID,
			Details:           encoded,
			RunAt:             runAt,
			CreatedAt:         s.now().UTC(),
		}
		return tx.Create(run).Error
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// HistoryFilter narrows the run history listing.
type HistoryFilter struct {
	Status      models.AuditRunStatus
	TriggeredBy string
	Limit       int
}

// HistoryItem is one row of the run history view.
type HistoryItem struct {
	Run              models.AuditRun `json:"run"`
	ContractVersion  string          `json:"contract_version,omitempty"`
	FailedGuarantees []string        `json:"failed_guarantees"`
}

// History returns recent runs for an asset, newest first.
func (s *Service) History(ctx context.Context, assetID uuid.UUID, filter HistoryFilter) ([]HistoryItem, int64, error) {
	db := s.db.WithContext(ctx)
	if err := requireAsset(db, assetID); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := db.Model(&models.AuditRun{}).Where("asset_id = ?", assetID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.TriggeredBy != "" {
		query = query.Where("triggered_by = ?", filter.TriggeredBy)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []models.AuditRun
	if err := query.Order("run_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, 0, err
	}

	versions := map[uuid.UUID]string{}
	var contractIDs []uuid.UUID
	for _, run := range runs {
		if run.ContractID != nil {
			contractIDs = append(contractIDs, *run.ContractID)
		}
	}
	if len(contractIDs) > 0 {
		var rows []models.Contract
		if err := db.Where("id IN ?", contractIDs).Find(&rows).Error; err != nil {
			return nil, 0, err
		}
		for _, row := range rows {
			versions[row.ID] = row.Version
		}
	}

	items := make([]HistoryItem, 0, len(runs))
	for _, run := range runs {
		run.RunAt = run.RunAt.UTC()
		item := HistoryItem{Run: run, FailedGuarantees: failedGuaranteeIDs(run.Details)}
		if run.ContractID != nil {
			item.ContractVersion = versions[*run.ContractID]
		}
		items = append(items, item)
	}
	return items, total, nil
}

// TrendPeriod aggregates one window of runs.
type TrendPeriod struct {
	TotalRuns            int              `json:"total_runs"`
	Passed               int              `json:"passed"`
	Failed               int              `json:"failed"`
	Partial              int              `json:"partial"`
	FailureRate          float64          `json:"failure_rate"`
	MostFailedGuarantees []GuaranteeCount `json:"most_failed_guarantees"`
}

// GuaranteeCount pairs a guarantee id with its failure count.
type GuaranteeCount struct {
	GuaranteeID  string `json:"guarantee_id"`
	FailureCount int    `json:"failure_count"`
}

// Trends is the windowed aggregation response.
type Trends struct {
	AssetID  uuid.UUID      `json:"asset_id"`
	AssetFQN string         `json:"asset_fqn"`
	LastRun  map[string]any `json:"last_run,omitempty"`
	Last24h  TrendPeriod    `json:"last_24h"`
	Last7d   TrendPeriod    `json:"last_7d"`
	Last30d  TrendPeriod    `json:"last_30d"`
	Alerts   []string       `json:"alerts"`
}

// Trends computes the 24h/7d/30d aggregation and its alerts.
func (s *Service) Trends(ctx context.Context, assetID uuid.UUID) (*Trends, error) {
	db := s.db.WithContext(ctx)
	var asset models.Asset
	err := db.Where("id = ? AND deleted_at IS NULL", assetID).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.NotFound, "asset %s not found", assetID)
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	cutoff30d := now.Add(-30 * 24 * time.Hour)
	var runs []models.AuditRun
	if err := db.Where("asset_id = ? AND run_at >= ?", assetID, cutoff30d).
		Order("run_at DESC").Find(&runs).Error; err != nil {
		return nil, err
	}

	cutoff24h := now.Add(-24 * time.Hour)
	cutoff7d := now.Add(-7 * 24 * time.Hour)
	var runs24h, runs7d []models.AuditRun
	for _, run := range runs {
		at := run.RunAt.UTC()
		if !at.Before(cutoff24h) {
			runs24h = append(runs24h, run)
		}
		if !at.Before(cutoff7d) {
			runs7d = append(runs7d, run)
		}
	}

	trend24h := computePeriod(runs24h)
	trend7d := computePeriod(runs7d)
	trend30d := computePeriod(runs)

	out := &Trends{
		AssetID:  assetID,
		AssetFQN: asset.FQN,
		Last24h:  trend24h,
		Last7d:   trend7d,
		Last30d:  trend30d,
		Alerts:   []string{},
	}
	if len(runs) > 0 {
		latest := runs[0]
		out.LastRun = map[string]any{
			"id":                latest.ID.String(),
			"status":            string(latest.Status),
			"run_at":            latest.RunAt.UTC().Format(time.RFC3339),
			"triggered_by":      latest.TriggeredBy,
			"guarantees_failed": latest.GuaranteesFailed,
		}
	}

	if trend24h.FailureRate > 0.5 && trend24h.TotalRuns >= 3 {
		out.Alerts = append(out.Alerts, fmt.Sprintf(
			"High failure rate in last 24h: %.0f%% (%d/%d runs failed)",
			trend24h.FailureRate*100, trend24h.Failed+trend24h.Partial, trend24h.TotalRuns))
	}
	if trend7d.TotalRuns >= 5 && trend30d.TotalRuns >= 10 && trend7d.FailureRate > trend30d.FailureRate*1.5 {
		out.Alerts = append(out.Alerts, fmt.Sprintf(
			"Failure rate trending up: %.0f%% (7d) vs %.0f%% (30d)",
			trend7d.FailureRate*100, trend30d.FailureRate*100))
	}
	if len(trend7d.MostFailedGuarantees) > 0 {
		top := trend7d.MostFailedGuarantees[0]
		if top.FailureCount >= 5 {
			out.Alerts = append(out.Alerts, fmt.Sprintf(
				"Guarantee '%s' failed %d times in last 7 days", top.GuaranteeID, top.FailureCount))
		}
	}
	if len(runs) > 0 && runs[0].Status == models.AuditFailed {
		out.Alerts = append(out.Alerts, "Most recent audit run failed")
	}
	return out, nil
}

func computePeriod(runs []models.AuditRun) TrendPeriod {
	period := TrendPeriod{TotalRuns: len(runs), MostFailedGuarantees: []GuaranteeCount{}}
	failures := map[string]int{}
	for _, run := range runs {
		switch run.Status {
		case models.AuditPassed:
			period.Passed++
		case models.AuditFailed:
			period.Failed++
		case models.AuditPartial:
			period.Partial++
		}
		for _, gid := range failedGuaranteeIDs(run.Details) {
			failures[gid]++
		}
	}
	if period.TotalRuns > 0 {
		period.FailureRate = float64(period.Failed+period.Partial) / float64(period.TotalRuns)
	}
	ids := make([]string, 0, len(failures))
	for gid := range failures {
		ids = append(ids, gid)
	}
	sort.Slice(ids, func(i, j int) bool {
		if failures[ids[i]] != failures[ids[j]] {
			return failures[ids[i]] > failures[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > 10 {
		ids = ids[:10]
	}
	for _, gid := range ids {
		period.MostFailedGuarantees = append(period.MostFailedGuarantees, GuaranteeCount{GuaranteeID: gid, FailureCount: failures[gid]})
	}
	return period
}

func failedGuaranteeIDs(details []byte) []string {
	decoded := struct {
		GuaranteeResults []GuaranteeResult `json:"guarantee_results"`
	}{}
	if err := models.DecodeJSON(details, &decoded); err != nil {
		return []string{}
	}
	failed := []string{}
	for _, gr := range decoded.GuaranteeResults {
		if !gr.Passed {
			id := gr.GuaranteeID
			if id == "" {
				id = "unknown"
			}
			failed = append(failed, id)
		}
	}
	return failed
}

func requireAsset(db *gorm.DB, assetID uuid.UUID) error {
	var asset models.Asset
	err := db.Where("id = ? AND deleted_at IS NULL", assetID).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.NotFound, "asset %s not found", assetID)
	}
	return err
}
