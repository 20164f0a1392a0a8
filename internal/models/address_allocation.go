package models

import "time"

// AddressAllocation binds a session to its overlay address pair. The Live* columns
// carry the address while the allocation is held and are cleared on release, so the
// unique indexes reject two live allocations of one address.
type AddressAllocation struct {
	SessionID         string     `gorm:"primaryKey;type:varchar(36)" json:"session_id"`
	ClientAddress     string     `gorm:"type:varchar(45);not null" json:"client_address"`
	HostAddress       string     `gorm:"type:varchar(45);not null" json:"host_address"`
	RelayID           string     `gorm:"type:varchar(64);not null;index" json:"relay_id"`
	LiveClientAddress *string    `gorm:"type:varchar(45);uniqueIndex" json:"-"`
	LiveHostAddress   *string    `gorm:"type:varchar(45);uniqueIndex" json:"-"`
	AllocatedAt       time.Time  `gorm:"not null" json:"allocated_at"`
	ReleasedAt        *time.Time `gorm:"index" json:"released_at,omitempty"`
}
