package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tessera/apperr"
	"tessera/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedTeam(t *testing.T, db *gorm.DB, name string) *models.Team {
	t.Helper()
	now := time.Now()
	team := &models.Team{ID: uuid.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.Create(team).Error)
	return team
}

func ordersColumns(withTotal bool) map[string]any {
	columns := map[string]any{
		"id":     map[string]any{"data_type": "bigint"},
		"status": map[string]any{"data_type": "varchar(16)"},
	}
	if withTotal {
		columns["total"] = map[string]any{"data_type": "numeric(10,2)"}
	}
	return columns
}

func sampleManifest(withTotal bool) map[string]any {
	return map[string]any{
		"nodes": map[string]any{
			"model.analytics.orders": map[string]any{
				"resource_type": "model",
				"database":      "warehouse",
				"schema":        "analytics",
				"name":          "orders",
				"columns":       ordersColumns(withTotal),
				"meta": map[string]any{
					"tessera": map[string]any{
						"owner_team":         "data-platform",
						"compatibility_mode": "backward",
						"consumers":          []any{map[string]any{"team": "marketing"}},
						"freshness":          map[string]any{"max_staleness_minutes": float64(60)},
					},
				},
			},
			"model.analytics.revenue": map[string]any{
				"resource_type": "model",
				"database":      "warehouse",
				"schema":        "analytics",
				"name":          "revenue",
				"columns": map[string]any{
					"amount": map[string]any{"data_type": "double"},
				},
				"depends_on": map[string]any{"nodes": []any{"model.analytics.orders"}},
			},
			"test.analytics.not_null_orders_id": map[string]any{
				"resource_type": "test",
				"test_metadata": map[string]any{
					"name":   "not_null",
					"kwargs": map[string]any{"column_name": "id"},
				},
				"depends_on": map[string]any{"nodes": []any{"model.analytics.orders"}},
			},
			"test.analytics.accepted_values_orders_status": map[string]any{
				"resource_type": "test",
				"test_metadata": map[string]any{
					"name": "accepted_values",
					"kwargs": map[string]any{
						"column_name": "status",
						"values":      []any{"open", "closed"},
					},
				},
				"depends_on": map[string]any{"nodes": []any{"model.analytics.orders"}},
			},
			"test.analytics.assert_totals_consistent": map[string]any{
				"resource_type": "test",
				"raw_code":      "select 1 from orders where total < 0",
				"description":   "totals must be non-negative",
				"depends_on":    map[string]any{"nodes": []any{"model.analytics.orders"}},
			},
		},
		"sources": map[string]any{
			"source.analytics.raw_orders": map[string]any{
				"database": "warehouse",
				"schema":   "raw",
				"name":     "orders_raw",
				"columns": map[string]any{
					"payload": map[string]any{"data_type": "jsonb"},
				},
			},
		},
	}
}

func fullUpload(teamID uuid.UUID, manifest map[string]any, mode string) UploadRequest {
	return UploadRequest{
		Manifest:               manifest,
		OwnerTeamID:            &teamID,
		ConflictMode:           mode,
		AutoPublishContracts:   true,
		AutoCreateProposals:    true,
		AutoRegisterConsumers:  true,
		InferConsumersFromRefs: true,
	}
}

func TestUploadCreatesEverything(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	defaultTeam := seedTeam(t, db, "platform-default")
	producer := seedTeam(t, db, "data-platform")
	seedTeam(t, db, "marketing")

	result, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictIgnore))
	require.NoError(t, err)

	assert.Equal(t, 3, result.Assets.Created)
	assert.Equal(t, 0, result.Assets.Updated)
	assert.Equal(t, 3, result.Contracts.Published)
	assert.Equal(t, 1, result.GuaranteesExtracted)
	assert.Equal(t, 0, result.Proposals.Created)
	// One registration inferred from refs, one declared via meta consumers.
	assert.Equal(t, 2, result.Registrations.Created)
	assert.Empty(t, result.OwnershipWarnings)
	assert.Empty(t, result.ContractWarnings)
	assert.Empty(t, result.RegistrationWarnings)

	var orders models.Asset
	require.NoError(t, db.First(&orders, "fqn = ?", "warehouse.analytics.orders").Error)
	assert.Equal(t, producer.ID, orders.OwnerTeamID)

	var contract models.Contract
	require.NoError(t, db.First(&contract, "asset_id = ? AND status = ?", orders.ID, models.ContractActive).Error)
	assert.Equal(t, "1.0.0", contract.Version)
	assert.Equal(t, models.CompatBackward, contract.CompatibilityMode)

	guarantees := models.JSONMap(contract.Guarantees)
	assert.Contains(t, guarantees, "nullability")
	assert.Contains(t, guarantees, "accepted_values")
	assert.Contains(t, guarantees, "custom")
	assert.Contains(t, guarantees, "freshness")
	nullability := guarantees["nullability"].(map[string]any)
	assert.Equal(t, "never", nullability["id"])
}

func TestUploadIgnoreIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	defaultTeam := seedTeam(t, db, "platform-default")
	seedTeam(t, db, "data-platform")
	seedTeam(t, db, "marketing")

	_, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictIgnore))
	require.NoError(t, err)

	var assetsBefore, contractsBefore int64
	require.NoError(t, db.Model(&models.Asset{}).Count(&assetsBefore).Error)
	require.NoError(t, db.Model(&models.Contract{}).Count(&contractsBefore).Error)

	second, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictIgnore))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Assets.Created)
	assert.Equal(t, 3, second.Assets.Skipped)

	var assetsAfter, contractsAfter int64
	require.NoError(t, db.Model(&models.Asset{}).Count(&assetsAfter).Error)
	require.NoError(t, db.Model(&models.Contract{}).Count(&contractsAfter).Error)
	assert.Equal(t, assetsBefore, assetsAfter)
	assert.Equal(t, contractsBefore, contractsAfter)
}

func TestUploadFailModeReportsConflicts(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	defaultTeam := seedTeam(t, db, "platform-default")
	seedTeam(t, db, "data-platform")
	seedTeam(t, db, "marketing")

	_, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictIgnore))
	require.NoError(t, err)

	_, err = svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictFail))
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestUploadOverwriteCreatesProposalOnBreakingChange(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	defaultTeam := seedTeam(t, db, "platform-default")
	seedTeam(t, db, "data-platform")
	seedTeam(t, db, "marketing")

	_, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictIgnore))
	require.NoError(t, err)

	// Dropping a column is breaking under backward compatibility.
	result, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(false), ConflictOverwrite))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Assets.Updated)
	assert.Equal(t, 1, result.Proposals.Created)
	require.Len(t, result.Proposals.Details, 1)
	assert.Equal(t, "warehouse.analytics.orders", result.Proposals.Details[0]["asset_fqn"])
	assert.Equal(t, "major", result.Proposals.Details[0]["change_type"])

	var proposal models.Proposal
	require.NoError(t, db.First(&proposal).Error)
	assert.Equal(t, models.ProposalPending, proposal.Status)

	// The active contract is untouched by the breaking branch.
	var orders models.Asset
	require.NoError(t, db.First(&orders, "fqn = ?", "warehouse.analytics.orders").Error)
	var active models.Contract
	require.NoError(t, db.First(&active, "asset_id = ? AND status = ?", orders.ID, models.ContractActive).Error)
	assert.Equal(t, "1.0.0", active.Version)
}

func TestUploadOverwriteBumpsMinorOnCompatibleChange(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	defaultTeam := seedTeam(t, db, "platform-default")
	seedTeam(t, db, "data-platform")
	seedTeam(t, db, "marketing")

	_, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(false), ConflictIgnore))
	require.NoError(t, err)

	// Adding a column is compatible under backward compatibility.
	result, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictOverwrite))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Proposals.Created)
	assert.GreaterOrEqual(t, result.Contracts.Published, 1)

	var orders models.Asset
	require.NoError(t, db.First(&orders, "fqn = ?", "warehouse.analytics.orders").Error)
	var active models.Contract
	require.NoError(t, db.First(&active, "asset_id = ? AND status = ?", orders.ID, models.ContractActive).Error)
	assert.Equal(t, "1.1.0", active.Version)
}

func TestUploadWarnsOnUnknownOwnerAndConsumer(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	defaultTeam := seedTeam(t, db, "platform-default")
	// Neither data-platform nor marketing exist: ownership falls back to
	// the default team and the consumer registration is warned about.

	result, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictIgnore))
	require.NoError(t, err)
	assert.NotEmpty(t, result.OwnershipWarnings)
	assert.NotEmpty(t, result.RegistrationWarnings)

	var orders models.Asset
	require.NoError(t, db.First(&orders, "fqn = ?", "warehouse.analytics.orders").Error)
	assert.Equal(t, defaultTeam.ID, orders.OwnerTeamID)
}

func TestUploadRejectsUnknownConflictMode(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	team := seedTeam(t, db, "platform-default")
	_, err := svc.Upload(context.Background(), UploadRequest{
		Manifest:     sampleManifest(true),
		OwnerTeamID:  &team.ID,
		ConflictMode: "merge",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestDiffPreview(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	defaultTeam := seedTeam(t, db, "platform-default")
	seedTeam(t, db, "data-platform")
	seedTeam(t, db, "marketing")

	// Before any upload everything is new.
	preview, err := svc.Diff(context.Background(), sampleManifest(true), true)
	require.NoError(t, err)
	assert.Equal(t, "changes_detected", preview.Status)
	assert.Equal(t, 3, preview.Summary["new"])
	assert.False(t, preview.Blocking)

	_, err = svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictIgnore))
	require.NoError(t, err)

	// Unchanged manifest previews clean.
	preview, err = svc.Diff(context.Background(), sampleManifest(true), true)
	require.NoError(t, err)
	assert.Equal(t, "clean", preview.Status)
	assert.False(t, preview.Blocking)

	// A breaking change blocks when fail_on_breaking is set.
	preview, err = svc.Diff(context.Background(), sampleManifest(false), true)
	require.NoError(t, err)
	assert.Equal(t, "breaking_changes_detected", preview.Status)
	assert.Equal(t, 1, preview.Summary["breaking"])
	assert.True(t, preview.Blocking)

	// ... and does not block when it is not.
	preview, err = svc.Diff(context.Background(), sampleManifest(false), false)
	require.NoError(t, err)
	assert.False(t, preview.Blocking)
}

func TestDiffPreviewMetaErrorsBlock(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	seedTeam(t, db, "platform-default")
	// data-platform missing: meta.tessera.owner_team cannot resolve.

	preview, err := svc.Diff(context.Background(), sampleManifest(true), false)
	require.NoError(t, err)
	assert.NotEmpty(t, preview.MetaErrors)
	assert.True(t, preview.Blocking)
}

func TestDiffPreviewWarnsOnDeletedAssets(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	defaultTeam := seedTeam(t, db, "platform-default")
	seedTeam(t, db, "data-platform")
	seedTeam(t, db, "marketing")

	_, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictIgnore))
	require.NoError(t, err)

	empty := map[string]any{"nodes": map[string]any{}, "sources": map[string]any{}}
	preview, err := svc.Diff(context.Background(), empty, true)
	require.NoError(t, err)
	assert.NotEmpty(t, preview.Warnings)
}

func TestImpact(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	defaultTeam := seedTeam(t, db, "platform-default")
	seedTeam(t, db, "data-platform")
	seedTeam(t, db, "marketing")

	_, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictIgnore))
	require.NoError(t, err)

	impact, err := svc.Impact(context.Background(), sampleManifest(false))
	require.NoError(t, err)
	assert.Equal(t, "breaking_changes_detected", impact.Status)
	assert.Equal(t, 3, impact.TotalModels)
	assert.Equal(t, 3, impact.ModelsWithContracts)
	assert.Equal(t, 1, impact.BreakingChangesCount)

	var unsafe *ImpactItem
	for i := range impact.Results {
		if !impact.Results[i].SafeToPublish {
			unsafe = &impact.Results[i]
		}
	}
	require.NotNil(t, unsafe)
	assert.Equal(t, "warehouse.analytics.orders", unsafe.FQN)
	assert.NotEmpty(t, unsafe.BreakingChanges)
}
