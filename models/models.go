package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONB is a raw JSON column. It round-trips through the API as JSON rather
// than base64 and stores as jsonb (postgres) or text (sqlite).
type JSONB []byte

// MarshalJSON emits the stored document verbatim.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw document.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*j = nil
		return nil
	}
	*j = append((*j)[:0], data...)
	return nil
}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	return nil
}

// Role enumerations for persistence.
const (
	RoleAdmin     = "admin"
	RoleTeamAdmin = "team_admin"
	RoleUser      = "user"
)

// ContractStatus represents the lifecycle state of a published contract.
type ContractStatus string

// All contract statuses.
const (
	ContractActive     ContractStatus = "active"
	ContractDeprecated ContractStatus = "deprecated"
	ContractWithdrawn  ContractStatus = "withdrawn"
)

// ProposalStatus represents a state in the breaking-change approval workflow.
type ProposalStatus string

// All proposal statuses. Pending is the only non-terminal state.
const (
	ProposalPending   ProposalStatus = "pending"
	ProposalApproved  ProposalStatus = "approved"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalWithdrawn ProposalStatus = "withdrawn"
	ProposalExpired   ProposalStatus = "expired"
)

// Terminal reports whether the proposal status admits no further transitions.
func (s ProposalStatus) Terminal() bool {
	return s != ProposalPending
}

// AckResponse captures a consumer team's reaction to a proposal.
type AckResponse string

// Enumerated acknowledgment responses.
const (
	AckApproved     AckResponse = "approved"
	AckBlocked      AckResponse = "blocked"
	AckNeedsChanges AckResponse = "needs_changes"
)

// RegistrationStatus captures the lifecycle of a consumer registration.
type RegistrationStatus string

// Enumerated registration statuses.
const (
	RegistrationActive  RegistrationStatus = "active"
	RegistrationRevoked RegistrationStatus = "revoked"
)

// AuditRunStatus captures the outcome of a data-quality run.
type AuditRunStatus string

// Enumerated audit run statuses.
const (
	AuditPassed  AuditRunStatus = "passed"
	AuditFailed  AuditRunStatus = "failed"
	AuditPartial AuditRunStatus = "partial"
)

// DeliveryStatus captures the state of an outbound webhook notification.
type DeliveryStatus string

// Enumerated webhook delivery statuses.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// CompatibilityMode selects which schema changes count as breaking.
type CompatibilityMode string

// Enumerated compatibility modes.
const (
	CompatBackward CompatibilityMode = "backward"
	CompatForward  CompatibilityMode = "forward"
	CompatFull     CompatibilityMode = "full"
	CompatNone     CompatibilityMode = "none"
)

// Valid reports whether the mode is one of the recognised values.
func (m CompatibilityMode) Valid() bool {
	switch m {
	case CompatBackward, CompatForward, CompatFull, CompatNone:
		return true
	}
	return false
}

// Resource types governed by the service.
const (
	ResourceModel        = "model"
	ResourceSource       = "source"
	ResourceSeed         = "seed"
	ResourceSnapshot     = "snapshot"
	ResourceKafkaTopic   = "kafka_topic"
	ResourceAPIEndpoint  = "api_endpoint"
	ResourceGraphQLQuery = "graphql_query"
)

// DefaultEnvironment is applied to assets created without one.
const DefaultEnvironment = "production"

// DefaultSchemaFormat tags contract schema documents.
const DefaultSchemaFormat = "json_schema"

// Team groups producers and consumers. Names are unique case-insensitively.
type Team struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"size:255;uniqueIndex"`
	Metadata  JSONB     `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time `gorm:"index"`
}

// User stores authenticated personnel information.
type User struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Email         string     `gorm:"size:255;uniqueIndex"`
	Name          string     `gorm:"size:255"`
	PasswordHash  string     `gorm:"size:512"`
	Role          string     `gorm:"size:32;index"`
	TeamID        *uuid.UUID `gorm:"type:uuid;index"`
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the user may act or own resources.
func (u *User) Active() bool {
	return u != nil && u.DeactivatedAt == nil
}

// APIKey stores hashed bearer credentials with their granted scopes.
type APIKey struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	KeyHash    string    `gorm:"size:128;uniqueIndex"`
	Name       string    `gorm:"size:255"`
	TeamID     uuid.UUID `gorm:"type:uuid;index"`
	Scopes     JSONB     `gorm:"type:jsonb"`
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Asset is the governed dataset or endpoint.
type Asset struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	FQN           string     `gorm:"size:512;uniqueIndex:uniq_assets_fqn_env"`
	Environment   string     `gorm:"size:64;uniqueIndex:uniq_assets_fqn_env"`
	ResourceType  string     `gorm:"size:64;index"`
	OwnerTeamID   uuid.UUID  `gorm:"type:uuid;index"`
	OwnerUserID   *uuid.UUID `gorm:"type:uuid"`
	GuaranteeMode string     `gorm:"size:32"`
	Metadata      JSONB      `gorm:"type:jsonb"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time `gorm:"index"`
}

// AssetDependency is a directed edge between two assets. Self-loops are
// rejected at the service layer; (downstream, upstream) is unique.
type AssetDependency struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	DownstreamID uuid.UUID `gorm:"type:uuid;index;uniqueIndex:uniq_asset_dep_edge"`
	UpstreamID   uuid.UUID `gorm:"type:uuid;index;uniqueIndex:uniq_asset_dep_edge"`
	Kind         string    `gorm:"size:64"`
	CreatedAt    time.Time
}

// Contract is a versioned schema plus guarantees attached to one asset.
type Contract struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey"`
	AssetID           uuid.UUID         `gorm:"type:uuid;index"`
	Version           string            `gorm:"size:64"`
	SchemaDef         JSONB             `gorm:"type:jsonb"`
	SchemaFormat      string            `gorm:"size:32"`
	CompatibilityMode CompatibilityMode `gorm:"size:16"`
	Guarantees        JSONB             `gorm:"type:jsonb"`
	Status            ContractStatus    `gorm:"size:16;index"`
	PublishedBy       uuid.UUID         `gorm:"type:uuid;index"`
	PublishedByUserID *uuid.UUID        `gorm:"type:uuid"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Registration records a consumer team's dependence on a contract.
type Registration struct {
	ID             uuid.UUID          `gorm:"type:uuid;primaryKey"`
	ContractID     uuid.UUID          `gorm:"type:uuid;index"`
	ConsumerTeamID uuid.UUID          `gorm:"type:uuid;index"`
	PinnedVersion  string             `gorm:"size:64"`
	Status         RegistrationStatus `gorm:"size:16;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Proposal is a pending breaking change awaiting consumer acknowledgment.
type Proposal struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey"`
	AssetID            uuid.UUID      `gorm:"type:uuid;index"`
	ProposedSchema     JSONB          `gorm:"type:jsonb"`
	ProposedGuarantees JSONB          `gorm:"type:jsonb"`
	ChangeType         string         `gorm:"size:16"`
	BreakingChanges    JSONB          `gorm:"type:jsonb"`
	ProposedBy         uuid.UUID      `gorm:"type:uuid;index"`
	ProposedByUserID   *uuid.UUID     `gorm:"type:uuid"`
	Status             ProposalStatus `gorm:"size:16;index"`
	ExpiresAt          *time.Time
	AutoExpire         bool
	ResolvedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Acknowledgment is one consumer team's response to one proposal.
// (proposal, consumer_team) is unique.
type Acknowledgment struct {
	ID                   uuid.UUID   `gorm:"type:uuid;primaryKey"`
	ProposalID           uuid.UUID   `gorm:"type:uuid;index;uniqueIndex:uniq_ack_proposal_team"`
	ConsumerTeamID       uuid.UUID   `gorm:"type:uuid;index;uniqueIndex:uniq_ack_proposal_team"`
	AcknowledgedByUserID *uuid.UUID  `gorm:"type:uuid"`
	Response             AckResponse `gorm:"size:16"`
	MigrationDeadline    *time.Time
	Notes                string `gorm:"size:1024"`
	CreatedAt            time.Time
}

// AuditRun is an append-only record of a data-quality test execution.
type AuditRun struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey"`
	AssetID           uuid.UUID      `gorm:"type:uuid;index"`
	ContractID        *uuid.UUID     `gorm:"type:uuid;index"`
	Status            AuditRunStatus `gorm:"size:16;index"`
	GuaranteesChecked int
	GuaranteesPassed  int
	GuaranteesFailed  int
	TriggeredBy       string    `gorm:"size:64;index"`
	RunID             string    `gorm:"size:128"`
	Details           JSONB     `gorm:"type:jsonb"`
	RunAt             time.Time `gorm:"index"`
	CreatedAt         time.Time
}

// AuditEvent is the append-only journal of state-changing operations.
type AuditEvent struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EventType   string     `gorm:"size:64;index"`
	AssetID     *uuid.UUID `gorm:"type:uuid;index"`
	ProposalID  *uuid.UUID `gorm:"type:uuid;index"`
	ContractID  *uuid.UUID `gorm:"type:uuid"`
	ActorTeamID *uuid.UUID `gorm:"type:uuid"`
	ActorUserID *uuid.UUID `gorm:"type:uuid"`
	Details     JSONB      `gorm:"type:jsonb"`
	CreatedAt   time.Time
}

// WebhookDelivery records one outbound HTTP notification attempt sequence.
type WebhookDelivery struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	EventType      string         `gorm:"size:64;index"`
	Payload        JSONB          `gorm:"type:jsonb"`
	URL            string         `gorm:"size:1024"`
	Status         DeliveryStatus `gorm:"size:16;index"`
	Attempts       int
	LastError      string `gorm:"size:1024"`
	LastStatusCode int
	LastAttemptAt  *time.Time
	DeliveredAt    *time.Time
	CreatedAt      time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// JSON marshals v for storage in a jsonb column. A nil input stays nil so the
// column remains NULL rather than the JSON literal "null".
func JSON(v any) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// DecodeJSON unmarshals a jsonb column into out. Empty columns are left
// untouched.
func DecodeJSON(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// JSONMap decodes a jsonb column into a generic map, returning an empty map
// for NULL columns.
func JSONMap(data []byte) map[string]any {
	out := map[string]any{}
	if len(data) == 0 {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Team{},
		&User{},
		&APIKey{},
		&Asset{},
		&AssetDependency{},
		&Contract{},
		&Registration{},
		&Proposal{},
		&Acknowledgment{},
		&AuditRun{},
		&AuditEvent{},
		&WebhookDelivery{},
		&IdempotencyKey{},
	)
}
