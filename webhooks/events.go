package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies an outbound notification kind.
type EventType string

// All webhook event types.
const (
	EventProposalCreated       EventType = "proposal.created"
	EventProposalAcknowledged  EventType = "proposal.acknowledged"
	EventProposalApproved      EventType = "proposal.approved"
	EventProposalRejected      EventType = "proposal.rejected"
	EventProposalWithdrawn     EventType = "proposal.withdrawn"
	EventProposalExpired       EventType = "proposal.expired"
	EventProposalForceApproved EventType = "proposal.force_approved"
	EventContractPublished     EventType = "contract.published"
)

// Event is the envelope serialized as the POST body.
type Event struct {
	Event     EventType `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// BreakingChangeSummary is the wire form of one breaking change.
type BreakingChangeSummary struct {
	ChangeType string `json:"change_type"`
	Path       string `json:"path"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

// ImpactedConsumer names a consumer team affected by a proposal.
type ImpactedConsumer struct {
	TeamID        uuid.UUID `json:"team_id"`
	TeamName      string    `json:"team_name"`
	PinnedVersion string    `json:"pinned_version,omitempty"`
}

// ProposalCreatedPayload accompanies proposal.created events.
type ProposalCreatedPayload struct {
	ProposalID       uuid.UUID               `json:"proposal_id"`
	AssetID          uuid.UUID               `json:"asset_id"`
	AssetFQN         string                  `json:"asset_fqn"`
	ProducerTeamID   uuid.UUID               `json:"producer_team_id"`
	ProducerTeamName string                  `json:"producer_team_name"`
	ProposedVersion  string                  `json:"proposed_version"`
	BreakingChanges  []BreakingChangeSummary `json:"breaking_changes"`
	ImpactedConsumers []ImpactedConsumer     `json:"impacted_consumers"`
}

// AcknowledgmentPayload accompanies proposal.acknowledged events.
type AcknowledgmentPayload struct {
	ProposalID        uuid.UUID  `json:"proposal_id"`
	AssetID           uuid.UUID  `json:"asset_id"`
	AssetFQN          string     `json:"asset_fqn"`
	ConsumerTeamID    uuid.UUID  `json:"consumer_team_id"`
	ConsumerTeamName  string     `json:"consumer_team_name"`
	Response          string     `json:"response"`
	MigrationDeadline *time.Time `json:"migration_deadline,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	PendingCount      int        `json:"pending_count"`
	AcknowledgedCount int        `json:"acknowledged_count"`
}

// ProposalStatusPayload accompanies proposal status-change events. The
// approved and force_approved events share this shape and differ only in the
// envelope's event field.
type ProposalStatusPayload struct {
	ProposalID    uuid.UUID  `json:"proposal_id"`
	AssetID       uuid.UUID  `json:"asset_id"`
	AssetFQN      string     `json:"asset_fqn"`
	Status        string     `json:"status"`
	ActorTeamID   *uuid.UUID `json:"actor_team_id,omitempty"`
	ActorTeamName string     `json:"actor_team_name,omitempty"`
}

// ContractPublishedPayload accompanies contract.published events.
type ContractPublishedPayload struct {
	ContractID       uuid.UUID  `json:"contract_id"`
	AssetID          uuid.UUID  `json:"asset_id"`
	AssetFQN         string     `json:"asset_fqn"`
	Version          string     `json:"version"`
	ProducerTeamID   uuid.UUID  `json:"producer_team_id"`
	ProducerTeamName string     `json:"producer_team_name"`
	FromProposalID   *uuid.UUID `json:"from_proposal_id,omitempty"`
}
