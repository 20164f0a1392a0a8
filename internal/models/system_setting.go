package models

import "time"

// SystemSetting is a key/value row for broker state that must outlive a
// restart, such as the pool layout and the audit verification checkpoint.
type SystemSetting struct {
	Key       string    `gorm:"primaryKey;type:varchar(128)" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
