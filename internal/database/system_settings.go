package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/gpubroker/internal/models"
)

const (
	// AuditCheckpointSetting records the highest audit sequence proven intact.
	AuditCheckpointSetting = "audit.verified_through"
	// PoolLayoutSetting records the address pool layout allocations were made from.
	PoolLayoutSetting = "pool.layout"
)

// ErrPoolLayoutChanged is returned when the configured pool no longer matches live allocations.
var ErrPoolLayoutChanged = errors.New("system settings: address pool layout changed while allocations are live")

// GetSystemSetting returns the stored value for key, or "" when it was never set.
func GetSystemSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("system settings: db is nil")
	}

	var setting models.SystemSetting
	err := db.WithContext(ctx).Take(&setting, "key = ?", key).Error
	if err == nil {
		return setting.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return "", fmt.Errorf("system settings: get %q: %w", key, err)
}

// UpsertSystemSetting writes value under key, replacing any previous value.
func UpsertSystemSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	if db == nil {
		return fmt.Errorf("system settings: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("system settings: key is required")
	}

	record := models.SystemSetting{Key: key, Value: value}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("system settings: upsert %q: %w", key, err)
	}
	return nil
}

// AuditCheckpoint returns the last audit sequence recorded as verified, or zero.
func AuditCheckpoint(ctx context.Context, db *gorm.DB) (uint64, error) {
	raw, err := GetSystemSetting(ctx, db, AuditCheckpointSetting)
	if err != nil || strings.TrimSpace(raw) == "" {
		return 0, err
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("system settings: parse audit checkpoint: %w", err)
	}
	return seq, nil
}

// SetAuditCheckpoint stores the last verified audit sequence.
func SetAuditCheckpoint(ctx context.Context, db *gorm.DB, seq uint64) error {
	return UpsertSystemSetting(ctx, db, AuditCheckpointSetting, strconv.FormatUint(seq, 10))
}

// EnsurePoolLayout stores the pool layout and refuses a layout change while
// allocations made under the previous layout are still live.
func EnsurePoolLayout(ctx context.Context, db *gorm.DB, layout string) error {
	layout = strings.TrimSpace(layout)
	if layout == "" {
		return fmt.Errorf("system settings: pool layout is empty")
	}

	current, err := GetSystemSetting(ctx, db, PoolLayoutSetting)
	if err != nil {
		return err
	}
	if current == layout {
		return nil
	}

	if current != "" {
		var live int64
		if err := db.WithContext(ctx).Model(&models.AddressAllocation{}).
			Where("released_at IS NULL").Count(&live).Error; err != nil {
			return fmt.Errorf("system settings: count live allocations: %w", err)
		}
		if live > 0 {
			return fmt.Errorf("%w: %s -> %s (%d live)", ErrPoolLayoutChanged, current, layout, live)
		}
	}

	return UpsertSystemSetting(ctx, db, PoolLayoutSetting, layout)
}
