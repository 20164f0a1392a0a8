package models

import "time"

// TunnelCredential is a relay access token scoped to exactly one session.
// The token itself is never stored, only its identifier.
type TunnelCredential struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)" json:"tunnel_id"`
	SessionID    string     `gorm:"type:varchar(36);not null;index" json:"session_id"`
	UserID       string     `gorm:"type:varchar(64);not null;index" json:"user_id"`
	HostID       string     `gorm:"type:varchar(36);not null" json:"host_id"`
	GatewayID    string     `gorm:"type:varchar(64);not null" json:"gateway_id"`
	Protocol     string     `gorm:"type:varchar(16);not null" json:"protocol"`
	IssuedAt     time.Time  `gorm:"not null" json:"issued_at"`
	ExpiresAt    time.Time  `gorm:"not null;index" json:"expires_at"`
	Revoked      bool       `gorm:"not null;default:false;index" json:"revoked"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `gorm:"type:varchar(32)" json:"revoke_reason,omitempty"`
}
