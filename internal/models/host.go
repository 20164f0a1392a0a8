package models

import "time"

// HostStatus reflects host agent presence.
type HostStatus string

const (
	HostOnline  HostStatus = "ONLINE"
	HostOffline HostStatus = "OFFLINE"
)

// Host is a GPU machine running the host agent.
type Host struct {
	BaseModel

	OrgID           string     `gorm:"type:varchar(36);not null;index" json:"org_id"`
	Name            string     `gorm:"not null" json:"name"`
	Status          HostStatus `gorm:"type:varchar(16);not null;default:OFFLINE;index" json:"status"`
	PublicEndpoint  string     `gorm:"type:varchar(255)" json:"public_endpoint,omitempty"`
	Load            float64    `gorm:"not null;default:0" json:"load"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	AgentTokenHash  string     `gorm:"not null" json:"-"`
}
