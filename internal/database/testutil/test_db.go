package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/database"
)

// TestDBOption customises MustOpenTestDB.
type TestDBOption func(*testDBConfig)

type testDBConfig struct {
	autoMigrate bool
	poolLayout  string
	seed        []any
}

// WithAutoMigrate applies the broker schema after opening.
func WithAutoMigrate() TestDBOption {
	return func(cfg *testDBConfig) { cfg.autoMigrate = true }
}

// WithPoolLayout records an address pool layout as if a previous run had allocated from it.
// Implies WithAutoMigrate.
func WithPoolLayout(layout string) TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.autoMigrate = true
		cfg.poolLayout = layout
	}
}

// WithSeed inserts records, in order, once the schema exists. Implies WithAutoMigrate.
func WithSeed(records ...any) TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.autoMigrate = true
		cfg.seed = append(cfg.seed, records...)
	}
}

// MustOpenTestDB opens an isolated in-memory SQLite database, closed via t.Cleanup.
func MustOpenTestDB(t *testing.T, opts ...TestDBOption) *gorm.DB {
	t.Helper()

	var cfg testDBConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := database.Open(database.Config{Driver: "sqlite"})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if cfg.autoMigrate {
		require.NoError(t, database.AutoMigrate(db))
	}
	if cfg.poolLayout != "" {
		require.NoError(t, database.EnsurePoolLayout(context.Background(), db, cfg.poolLayout))
	}
	for _, record := range cfg.seed {
		require.NoError(t, db.Create(record).Error, "seed %T", record)
	}

	return db
}
