package models

// Gateway is a relay instance that owns one partition of the overlay address pool.
type Gateway struct {
	ID             string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name           string `json:"name"`
	Endpoint       string `gorm:"type:varchar(255);not null" json:"endpoint"`
	PublicKey      string `gorm:"type:varchar(64);not null" json:"public_key"`
	TokenHash      string `gorm:"not null" json:"-"`
	PartitionIndex int    `gorm:"not null;index" json:"partition_index"`
	Enabled        bool   `gorm:"not null;default:true" json:"enabled"`
}
