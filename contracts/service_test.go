package contracts

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
	"tessera/schema"
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
	team := &models.Team{ID: uuid.New(), Name: name, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, db.Create(team).Error)
	return team
}

func seedAsset(t *testing.T, db *gorm.DB, team *models.Team, fqn string) *models.Asset {
	t.Helper()
	asset := &models.Asset{
		ID:           uuid.New(),
		FQN:          fqn,
		Environment:  models.DefaultEnvironment,
		ResourceType: models.ResourceModel,
		OwnerTeamID:  team.ID,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, db.Create(asset).Error)
	return asset
}

func ordersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":    map[string]any{"type": "integer"},
			"total": map[string]any{"type": "number"},
		},
		"required": []any{"id"},
	}
}

func ordersSchemaWithCreatedAt() map[string]any {
	doc := ordersSchema()
	props := doc["properties"].(map[string]any)
	props["created_at"] = map[string]any{"type": "string"}
	return doc
}

func ordersSchemaWithoutTotal() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "integer"},
		},
		"required": []any{"id"},
	}
}

func TestPublishFirstContract(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db, nil)
	team := seedTeam(t, db, "data-platform")
	asset := seedAsset(t, db, team, "warehouse.analytics.orders")

	decision, err := svc.Publish(context.Background(), PublishRequest{
		AssetID:           asset.ID,
		Version:           "1.0.0",
		Schema:            ordersSchema(),
		CompatibilityMode: models.CompatBackward,
		PublishedBy:       team.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionPublished, decision.Action)
	require.NotNil(t, decision.Contract)
	assert.Equal(t, models.ContractActive, decision.Contract.Status)
	assert.Equal(t, "1.0.0", decision.Contract.Version)
}

func TestPublishCompatibleMinorDeprecatesPrevious(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db, nil)
	team := seedTeam(t, db, "data-platform")
	asset := seedAsset(t, db, team, "warehouse.analytics.orders")

	_, err := svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "1.0.0", Schema: ordersSchema(),
		CompatibilityMode: models.CompatBackward, PublishedBy: team.ID,
	})
	require.NoError(t, err)

	decision, err := svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "1.1.0", Schema: ordersSchemaWithCreatedAt(),
		CompatibilityMode: models.CompatBackward, PublishedBy: team.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionPublished, decision.Action)

	rows, err := svc.List(context.Background(), ListFilter{AssetID: &asset.ID})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byVersion := map[string]models.ContractStatus{}
	for _, row := range rows {
		byVersion[row.Version] = row.Status
	}
	assert.Equal(t, models.ContractDeprecated, byVersion["1.0.0"])
	assert.Equal(t, models.ContractActive, byVersion["1.1.0"])
}

func TestPublishBreakingCreatesProposal(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db, nil)
	team := seedTeam(t, db, "data-platform")
	asset := seedAsset(t, db, team, "warehouse.analytics.orders")

	_, err := svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "1.0.0", Schema: ordersSchema(),
		CompatibilityMode: models.CompatBackward, PublishedBy: team.ID,
	})
	require.NoError(t, err)

	decision, err := svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "2.0.0", Schema: ordersSchemaWithoutTotal(),
		CompatibilityMode: models.CompatBackward, PublishedBy: team.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionProposalCreated, decision.Action)
	require.NotNil(t, decision.Proposal)
	assert.Equal(t, models.ProposalPending, decision.Proposal.Status)
	require.Len(t, decision.BreakingChanges, 1)
	assert.Equal(t, schema.PropertyRemoved, decision.BreakingChanges[0].Kind)
	assert.Equal(t, "properties.total", decision.BreakingChanges[0].Path)

	// No new contract row was written.
	var count int64
	require.NoError(t, db.Model(&models.Contract{}).Where("asset_id = ?", asset.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestPublishForceOverridesBreaking(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db, nil)
	team := seedTeam(t, db, "data-platform")
	asset := seedAsset(t, db, team, "warehouse.analytics.orders")

	_, err := svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "1.0.0", Schema: ordersSchema(),
		CompatibilityMode: models.CompatBackward, PublishedBy: team.ID,
	})
	require.NoError(t, err)

	decision, err := svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "2.0.0", Schema: ordersSchemaWithoutTotal(),
		CompatibilityMode: models.CompatBackward, PublishedBy: team.ID, Force: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionForcePublished, decision.Action)
	assert.NotEmpty(t, decision.Warning)
	assert.NotEmpty(t, decision.BreakingChanges)
	require.NotNil(t, decision.Contract)
	assert.Equal(t, models.ContractActive, decision.Contract.Status)
}

func TestPublishRejectsNonIncreasingVersion(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db, nil)
	team := seedTeam(t, db, "data-platform")
	asset := seedAsset(t, db, team, "warehouse.analytics.orders")

	_, err := svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "1.1.0", Schema: ordersSchema(),
		CompatibilityMode: models.CompatBackward, PublishedBy: team.ID,
	})
	require.NoError(t, err)

	for _, version := range []string{"1.1.0", "1.0.9"} {
		_, err = svc.Publish(context.Background(), PublishRequest{
			AssetID: asset.ID, Version: version, Schema: ordersSchemaWithCreatedAt(),
			CompatibilityMode: models.CompatBackward, PublishedBy: team.ID,
		})
		require.Error(t, err, version)
		assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
	}
}

func TestPublishValidatesSchemaDocument(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db, nil)
	team := seedTeam(t, db, "data-platform")
	asset := seedAsset(t, db, team, "warehouse.analytics.orders")

	_, err := svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "1.0.0",
		Schema:      map[string]any{"type": "object", "properties": "nope"},
		PublishedBy: team.ID,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestUpdateGuaranteesActiveOnly(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db, nil)
	team := seedTeam(t, db, "data-platform")
	asset := seedAsset(t, db, team, "warehouse.analytics.orders")

	first, err := svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "1.0.0", Schema: ordersSchema(),
		CompatibilityMode: models.CompatBackward, PublishedBy: team.ID,
	})
	require.NoError(t, err)

	updated, err := svc.UpdateGuarantees(context.Background(), first.Contract.ID, map[string]any{
		"freshness": map[string]any{"max_staleness_minutes": 60},
	})
	require.NoError(t, err)
	guarantees := models.JSONMap(updated.Guarantees)
	assert.Contains(t, guarantees, "freshness")

	// Deprecate via a new version, then the old row is immutable.
	_, err = svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "1.1.0", Schema: ordersSchemaWithCreatedAt(),
		CompatibilityMode: models.CompatBackward, PublishedBy: team.ID,
	})
	require.NoError(t, err)

	_, err = svc.UpdateGuarantees(context.Background(), first.Contract.ID, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db, nil)
	producer := seedTeam(t, db, "data-platform")
	consumer := seedTeam(t, db, "marketing")
	asset := seedAsset(t, db, producer, "warehouse.analytics.orders")

	decision, err := svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "1.0.0", Schema: ordersSchema(),
		CompatibilityMode: models.CompatBackward, PublishedBy: producer.ID,
	})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), decision.Contract.ID, consumer.ID, "")
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), decision.Contract.ID, consumer.ID, "")
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestExplicitDeprecate(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db, nil)
	team := seedTeam(t, db, "data-platform")
	asset := seedAsset(t, db, team, "warehouse.analytics.orders")

	decision, err := svc.Publish(context.Background(), PublishRequest{
		AssetID: asset.ID, Version: "1.0.0", Schema: ordersSchema(),
		CompatibilityMode: models.CompatBackward, PublishedBy: team.ID,
	})
	require.NoError(t, err)

	updated, err := svc.Deprecate(context.Background(), decision.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContractDeprecated, updated.Status)

	// A deprecated contract can never be deprecated (or reactivated) again.
	_, err = svc.Deprecate(context.Background(), decision.Contract.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}
