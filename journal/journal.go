// Package journal appends AuditEvent rows inside the caller's transaction.
// The journal is observability-only: readers must not build behaviour on it.
package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tessera/models"
)

// Entry describes one state-changing operation.
type Entry struct {
	EventType   string
	AssetID     *uuid.UUID
	ProposalID  *uuid.UUID
	ContractID  *uuid.UUID
	ActorTeamID *uuid.UUID
	ActorUserID *uuid.UUID
	Details     any
}

// Append writes the entry. Failures are swallowed by BestEffort callers;
// Append itself reports them so transactional writers can decide.
func Append(tx *gorm.DB, entry Entry) error {
	event := models.AuditEvent{
		ID:          uuid.New(),
		EventType:   entry.EventType,
		AssetID:     entry.AssetID,
		ProposalID:  entry.ProposalID,
		ContractID:  entry.ContractID,
		ActorTeamID: entry.ActorTeamID,
		ActorUserID: entry.ActorUserID,
		Details:     models.JSON(entry.Details),
		CreatedAt:   time.Now().UTC(),
	}
	return tx.Create(&event).Error
}

// BestEffort appends the entry and discards any failure; journal writes never
// block the primary transaction's success.
func BestEffort(tx *gorm.DB, entry Entry) {
	_ = Append(tx, entry)
}
