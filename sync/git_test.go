package sync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/apperr"
	"tessera/models"
)

func TestPushRequiresConfiguredPath(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	_, err := svc.Push(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestPushPullRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	svc := New(db)
	defaultTeam := seedTeam(t, db, "platform-default")
	seedTeam(t, db, "data-platform")
	seedTeam(t, db, "marketing")

	_, err := svc.Upload(context.Background(), fullUpload(defaultTeam.ID, sampleManifest(true), ConflictIgnore))
	require.NoError(t, err)

	dir := t.TempDir()
	pushed, err := svc.Push(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, pushed.Exported.Teams)
	assert.Equal(t, 3, pushed.Exported.Assets)
	assert.Equal(t, 3, pushed.Exported.Contracts)

	files, err := filepath.Glob(filepath.Join(dir, "assets", "*.yaml"))
	require.NoError(t, err)
	assert.Len(t, files, 3)

	// Import into a fresh database.
	fresh := setupTestDB(t)
	freshSvc := New(fresh)
	pulled, err := freshSvc.Pull(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, pulled.Imported.Teams)
	assert.Equal(t, 3, pulled.Imported.Assets)
	assert.Equal(t, 3, pulled.Imported.Contracts)
	assert.Empty(t, pulled.Warnings)

	var orders models.Asset
	require.NoError(t, fresh.First(&orders, "fqn = ?", "warehouse.analytics.orders").Error)
	var active models.Contract
	require.NoError(t, fresh.First(&active, "asset_id = ? AND status = ?", orders.ID, models.ContractActive).Error)
	assert.Equal(t, "1.0.0", active.Version)

	// Pulling again is idempotent at the entity-set level.
	again, err := freshSvc.Pull(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Imported.Assets)
	var assetCount int64
	require.NoError(t, fresh.Model(&models.Asset{}).Count(&assetCount).Error)
	assert.EqualValues(t, 3, assetCount)
}
