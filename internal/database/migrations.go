package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/models"
)

// AutoMigrate creates or updates the database schema for all broker models.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}

	if err := db.AutoMigrate(
		&models.Organization{},
		&models.Membership{},
		&models.Host{},
		&models.Gateway{},
		&models.Session{},
		&models.AddressAllocation{},
		&models.TunnelCredential{},
		&models.AuditEntry{},
		&models.CacheEntry{},
		&models.SystemSetting{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
