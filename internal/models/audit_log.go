package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEntry is one link of the append-only audit hash chain. Entries are never
// updated or deleted once written.
type AuditEntry struct {
	Seq          uint64         `gorm:"primaryKey;autoIncrement:false" json:"seq"`
	Timestamp    time.Time      `gorm:"not null;index;precision:6" json:"timestamp"`
	EventType    string         `gorm:"type:varchar(64);not null;index" json:"event_type"`
	ActorType    string         `gorm:"type:varchar(16);not null;index:idx_audit_actor" json:"actor_type"`
	ActorID      string         `gorm:"type:varchar(64);index:idx_audit_actor" json:"actor_id"`
	ResourceType string         `gorm:"type:varchar(32);not null;index:idx_audit_resource" json:"resource_type"`
	ResourceID   string         `gorm:"type:varchar(64);index:idx_audit_resource" json:"resource_id"`
	SessionID    *string        `gorm:"type:varchar(36);index" json:"session_id,omitempty"`
	Outcome      string         `gorm:"type:varchar(32);not null" json:"outcome"`
	Context      datatypes.JSON `gorm:"type:json" json:"context,omitempty"`
	PrevHash     string         `gorm:"type:char(64);not null" json:"prev_hash"`
	Hash         string         `gorm:"type:char(64);not null;uniqueIndex" json:"hash"`
}
