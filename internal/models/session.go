package models

import (
	"time"

	"gorm.io/datatypes"
)

// SessionStatus enumerates the broker session lifecycle states.
type SessionStatus string

const (
	SessionPending    SessionStatus = "PENDING"
	SessionActive     SessionStatus = "ACTIVE"
	SessionTerminated SessionStatus = "TERMINATED"
	SessionFailed     SessionStatus = "FAILED"
	SessionExpired    SessionStatus = "EXPIRED"
)

// Connection types recorded once a session leaves PENDING.
const (
	ConnectionDirect = "direct"
	ConnectionRelay  = "relay"
)

// IsTerminal reports whether the status can no longer change.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionTerminated, SessionFailed, SessionExpired:
		return true
	default:
		return false
	}
}

// IsLive reports whether the session holds an address allocation.
func (s SessionStatus) IsLive() bool {
	return s == SessionPending || s == SessionActive
}

// Session is one brokered attempt to connect a client to a host. Rows are never deleted.
type Session struct {
	ID                string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID            string         `gorm:"type:varchar(64);not null;index" json:"user_id"`
	HostID            string         `gorm:"type:varchar(36);not null;index" json:"host_id"`
	OrgID             string         `gorm:"type:varchar(36);not null;index" json:"org_id"`
	GatewayID         string         `gorm:"type:varchar(64);not null;index" json:"gateway_id"`
	Status            SessionStatus  `gorm:"type:varchar(16);not null;index" json:"status"`
	ClientPublicKey   string         `gorm:"type:varchar(64);not null" json:"client_public_key"`
	HostPublicKey     *string        `gorm:"type:varchar(64)" json:"host_public_key,omitempty"`
	ClientAddress     string         `gorm:"type:varchar(45);not null" json:"client_address"`
	HostAddress       string         `gorm:"type:varchar(45);not null" json:"host_address"`
	RelayEndpoint     string         `gorm:"type:varchar(255)" json:"relay_endpoint,omitempty"`
	RelayPublicKey    string         `gorm:"type:varchar(64)" json:"relay_public_key,omitempty"`
	ConnectionType    string         `gorm:"type:varchar(16)" json:"connection_type,omitempty"`
	MaxDurationSecs   int64          `gorm:"not null;default:0" json:"max_duration_seconds"`
	CreatedAt         time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	EndedAt           *time.Time     `gorm:"index" json:"ended_at,omitempty"`
	LastHeartbeatAt   *time.Time     `gorm:"index" json:"last_heartbeat_at,omitempty"`
	TerminationReason *string        `gorm:"type:varchar(64)" json:"termination_reason,omitempty"`
	Metadata          datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
}
