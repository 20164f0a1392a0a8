package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/gpubroker/internal/database/testutil"
	"github.com/charlesng35/gpubroker/internal/models"
	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
)

func TestGatewaySyncAndAuthenticate(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	ctx := context.Background()

	svc, err := NewGatewayService(ctx, db)
	require.NoError(t, err)
	require.Empty(t, svc.List())

	specs := []GatewaySpec{
		{ID: "gw-a", Endpoint: "a.example.net:51820", PublicKey: testKey(3), Token: "secret-a"},
		{ID: " gw-b ", Endpoint: "b.example.net:51820", PublicKey: testKey(4), Token: "secret-b"},
	}
	require.NoError(t, svc.Sync(ctx, specs))

	pool := svc.PoolGateways()
	require.Equal(t, []PoolGateway{{ID: "gw-a", PartitionIndex: 0}, {ID: "gw-b", PartitionIndex: 1}}, pool)

	gw, err := svc.Authenticate("gw-b", "secret-b")
	require.NoError(t, err)
	require.Equal(t, "b.example.net:51820", gw.Endpoint)

	_, err = svc.Authenticate("gw-b", "secret-a")
	require.ErrorIs(t, err, apperrors.ErrUnauthenticated)

	// Dropping gw-a disables it; a fresh registry only loads enabled gateways.
	require.NoError(t, svc.Sync(ctx, specs[1:]))
	_, ok := svc.Gateway("gw-a")
	require.False(t, ok)

	reloaded, err := NewGatewayService(ctx, db)
	require.NoError(t, err)
	require.Len(t, reloaded.List(), 1)

	var disabled models.Gateway
	require.NoError(t, db.Take(&disabled, "id = ?", "gw-a").Error)
	require.False(t, disabled.Enabled)
}

func TestGatewaySyncRejectsInvalidSpecs(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	ctx := context.Background()
	svc, err := NewGatewayService(ctx, db)
	require.NoError(t, err)

	require.Error(t, svc.Sync(ctx, []GatewaySpec{{ID: "gw-a", Endpoint: "a:1", PublicKey: "bad", Token: "t"}}))
	require.Error(t, svc.Sync(ctx, []GatewaySpec{
		{ID: "gw-a", Endpoint: "a:1", PublicKey: testKey(3), Token: "t"},
		{ID: "gw-a", Endpoint: "b:1", PublicKey: testKey(4), Token: "t"},
	}))
}

func TestGatewayServiceLoadsStoredRegistry(t *testing.T) {
	stored := &models.Gateway{
		ID:             "gw-stored",
		Endpoint:       "stored.example.net:51820",
		PublicKey:      testKey(5),
		TokenHash:      "unused",
		PartitionIndex: 0,
		Enabled:        true,
	}
	db := testutil.MustOpenTestDB(t, testutil.WithSeed(stored))

	svc, err := NewGatewayService(context.Background(), db)
	require.NoError(t, err)

	gw, ok := svc.Gateway("gw-stored")
	require.True(t, ok)
	require.Equal(t, "stored.example.net:51820", gw.Endpoint)
	require.Equal(t, []PoolGateway{{ID: "gw-stored", PartitionIndex: 0}}, svc.PoolGateways())
}
