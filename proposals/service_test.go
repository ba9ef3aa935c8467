package proposals

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
	"tessera/contracts"
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

type fixture struct {
	db        *gorm.DB
	svc       *Service
	contracts *contracts.Service
	producer  *models.Team
	asset     *models.Asset
	active    *models.Contract
	proposal  *models.Proposal
}

// newFixture publishes v1.1.0 and creates a pending breaking proposal
// against it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	f := &fixture{
		db:        db,
		svc:       New(db, nil),
		contracts: contracts.New(db, nil),
	}
	now := time.Now()
	f.producer = &models.Team{ID: uuid.New(), Name: "data-platform", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.Create(f.producer).Error)
	f.asset = &models.Asset{
		ID: uuid.New(), FQN: "warehouse.analytics.orders",
		Environment: models.DefaultEnvironment, ResourceType: models.ResourceModel,
		OwnerTeamID: f.producer.ID, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.Create(f.asset).Error)

	decision, err := f.contracts.Publish(context.Background(), contracts.PublishRequest{
		AssetID: f.asset.ID, Version: "1.1.0",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":    map[string]any{"type": "integer"},
				"total": map[string]any{"type": "number"},
			},
			"required": []any{"id"},
		},
		CompatibilityMode: models.CompatBackward,
		PublishedBy:       f.producer.ID,
	})
	require.NoError(t, err)
	f.active = decision.Contract

	breaking, err := f.contracts.Publish(context.Background(), contracts.PublishRequest{
		AssetID: f.asset.ID, Version: "2.0.0",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "integer"},
			},
			"required": []any{"id"},
		},
		CompatibilityMode: models.CompatBackward,
		PublishedBy:       f.producer.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, breaking.Proposal)
	f.proposal = breaking.Proposal
	return f
}

func (f *fixture) registerConsumer(t *testing.T, name string) *models.Team {
	t.Helper()
	now := time.Now()
	team := &models.Team{ID: uuid.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.db.Create(team).Error)
	_, err := f.contracts.Register(context.Background(), f.active.ID, team.ID, "")
	require.NoError(t, err)
	return team
}

func (f *fixture) ack(t *testing.T, team *models.Team, response models.AckResponse) *AckResult {
	t.Helper()
	result, err := f.svc.Acknowledge(context.Background(), AckRequest{
		ProposalID:     f.proposal.ID,
		ConsumerTeamID: team.ID,
		Response:       response,
	})
	require.NoError(t, err)
	return result
}

func TestDeriveOutcome(t *testing.T) {
	set := func(teams ...string) map[string]struct{} {
		out := map[string]struct{}{}
		for _, team := range teams {
			out[team] = struct{}{}
		}
		return out
	}

	// Empty R stays pending even with approvals on record.
	assert.Equal(t, models.ProposalPending,
		DeriveOutcome(set(), map[string]models.AckResponse{"x": models.AckApproved}))

	// Any blocked rejects immediately.
	assert.Equal(t, models.ProposalRejected,
		DeriveOutcome(set("a", "b"), map[string]models.AckResponse{"a": models.AckBlocked}))

	// All registered consumers acknowledged, none blocked.
	assert.Equal(t, models.ProposalApproved,
		DeriveOutcome(set("a", "b"), map[string]models.AckResponse{
			"a": models.AckApproved,
			"b": models.AckNeedsChanges,
		}))

	// Missing acknowledgment keeps it pending.
	assert.Equal(t, models.ProposalPending,
		DeriveOutcome(set("a", "b"), map[string]models.AckResponse{"a": models.AckApproved}))

	// Outside-R acknowledgments do not satisfy the condition.
	assert.Equal(t, models.ProposalPending,
		DeriveOutcome(set("a"), map[string]models.AckResponse{"z": models.AckApproved}))
}

func TestAutoApprovalAfterAllConsumersAck(t *testing.T) {
	f := newFixture(t)
	one := f.registerConsumer(t, "marketing")
	two := f.registerConsumer(t, "finance")

	result := f.ack(t, one, models.AckApproved)
	assert.Equal(t, models.ProposalPending, result.Proposal.Status)
	assert.Len(t, result.PendingTeams, 1)

	result = f.ack(t, two, models.AckApproved)
	assert.Equal(t, models.ProposalApproved, result.Proposal.Status)
	assert.Empty(t, result.PendingTeams)
	require.NotNil(t, result.Proposal.ResolvedAt)
}

func TestBlockedRejectsImmediately(t *testing.T) {
	f := newFixture(t)
	one := f.registerConsumer(t, "marketing")
	two := f.registerConsumer(t, "finance")

	f.ack(t, one, models.AckApproved)
	result := f.ack(t, two, models.AckBlocked)
	assert.Equal(t, models.ProposalRejected, result.Proposal.Status)

	// Publishing a rejected proposal fails.
	_, err := f.svc.PublishFrom(context.Background(), f.proposal.ID, "2.0.0", f.producer.ID, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestOutsiderAckRecordsOpinionOnly(t *testing.T) {
	f := newFixture(t)
	registered := f.registerConsumer(t, "marketing")

	now := time.Now()
	outsider := &models.Team{ID: uuid.New(), Name: "random-team", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.db.Create(outsider).Error)

	// The outsider's approval alone does not approve.
	result := f.ack(t, outsider, models.AckApproved)
	assert.Equal(t, models.ProposalPending, result.Proposal.Status)

	// The registered consumer completes the set.
	result = f.ack(t, registered, models.AckApproved)
	assert.Equal(t, models.ProposalApproved, result.Proposal.Status)
}

func TestNoConsumersStaysPending(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	outsider := &models.Team{ID: uuid.New(), Name: "passer-by", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.db.Create(outsider).Error)

	result := f.ack(t, outsider, models.AckApproved)
	assert.Equal(t, models.ProposalPending, result.Proposal.Status)
}

func TestDuplicateAckConflicts(t *testing.T) {
	f := newFixture(t)
	consumer := f.registerConsumer(t, "marketing")
	// A second registered consumer keeps the proposal pending after the
	// first acknowledgment.
	f.registerConsumer(t, "finance")

	f.ack(t, consumer, models.AckNeedsChanges)
	_, err := f.svc.Acknowledge(context.Background(), AckRequest{
		ProposalID:     f.proposal.ID,
		ConsumerTeamID: consumer.ID,
		Response:       models.AckApproved,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestTerminalProposalRejectsFurtherActivity(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Withdraw(context.Background(), f.proposal.ID, &f.producer.ID, nil)
	require.NoError(t, err)

	now := time.Now()
	team := &models.Team{ID: uuid.New(), Name: "late-team", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.db.Create(team).Error)

	_, err = f.svc.Acknowledge(context.Background(), AckRequest{
		ProposalID:     f.proposal.ID,
		ConsumerTeamID: team.ID,
		Response:       models.AckApproved,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))

	_, err = f.svc.Force(context.Background(), f.proposal.ID, &f.producer.ID, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))

	_, err = f.svc.Expire(context.Background(), f.proposal.ID, &f.producer.ID, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestForceApproves(t *testing.T) {
	f := newFixture(t)
	updated, err := f.svc.Force(context.Background(), f.proposal.ID, &f.producer.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalApproved, updated.Status)
}

func TestPublishFromApprovedProposal(t *testing.T) {
	f := newFixture(t)
	consumer := f.registerConsumer(t, "marketing")
	f.ack(t, consumer, models.AckApproved)

	contract, err := f.svc.PublishFrom(context.Background(), f.proposal.ID, "2.0.0", f.producer.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", contract.Version)
	assert.Equal(t, models.ContractActive, contract.Status)
	// The proposer's mode carries over from the deprecated active contract.
	assert.Equal(t, models.CompatBackward, contract.CompatibilityMode)

	var old models.Contract
	require.NoError(t, f.db.First(&old, "id = ?", f.active.ID).Error)
	assert.Equal(t, models.ContractDeprecated, old.Status)

	// The proposal stays approved after publishing (C1 holds).
	proposal, err := f.svc.Get(context.Background(), f.proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalApproved, proposal.Status)

	var activeCount int64
	require.NoError(t, f.db.Model(&models.Contract{}).
		Where("asset_id = ? AND status = ?", f.asset.ID, models.ContractActive).
		Count(&activeCount).Error)
	assert.EqualValues(t, 1, activeCount)
}

func TestPublishFromRequiresGreaterVersion(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Force(context.Background(), f.proposal.ID, &f.producer.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.PublishFrom(context.Background(), f.proposal.ID, "1.1.0", f.producer.ID, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, f.db.Model(&models.Proposal{}).
		Where("id = ?", f.proposal.ID).
		Updates(map[string]any{"expires_at": &past, "auto_expire": true}).Error)

	expired, err := f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	proposal, err := f.svc.Get(context.Background(), f.proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalExpired, proposal.Status)
}

func TestStatusView(t *testing.T) {
	f := newFixture(t)
	consumer := f.registerConsumer(t, "marketing")
	other := f.registerConsumer(t, "finance")
	f.ack(t, consumer, models.AckApproved)

	view, err := f.svc.Status(context.Background(), f.proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, "data-platform", view.ProposerTeam)
	assert.Equal(t, "warehouse.analytics.orders", view.AssetFQN)
	assert.Len(t, view.Acknowledgments, 1)
	require.Len(t, view.PendingConsumers, 1)
	assert.Equal(t, other.ID, view.PendingConsumers[0])
	assert.NotEmpty(t, view.BreakingChanges)
}
