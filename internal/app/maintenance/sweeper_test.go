package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	"github.com/charlesng35/gpubroker/internal/database"
	testutil "github.com/charlesng35/gpubroker/internal/database/testutil"
	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/internal/services"
)

type countingJob struct {
	calls int
	n     int
	err   error
}

func (c *countingJob) ExpireStaleSessions(context.Context) (int, error) { return c.run() }
func (c *countingJob) SweepPresence(context.Context) (int, error)       { return c.run() }
func (c *countingJob) SweepExpired(context.Context) (int, error)        { return c.run() }

func (c *countingJob) run() (int, error) {
	c.calls++
	return c.n, c.err
}

func appendEntries(t *testing.T, audit *services.AuditService, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := audit.Append(context.Background(), services.AuditEvent{
			EventType:    services.AuditSessionCreated,
			Actor:        auditctx.System,
			ResourceType: services.ResourceSession,
			ResourceID:   "sess-1",
			Outcome:      services.OutcomeSuccess,
		})
		require.NoError(t, err)
	}
}

func TestSweeperRunOnceAggregatesErrors(t *testing.T) {
	sessions := &countingJob{n: 2}
	hosts := &countingJob{err: errors.New("db locked")}
	tunnels := &countingJob{err: errors.New("disk full")}

	sweeper := NewSweeper(nil,
		WithSessionExpiry(sessions),
		WithHostPresence(hosts),
		WithTunnelGC(tunnels),
	)

	err := sweeper.RunOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), JobHostPresence)
	require.Contains(t, err.Error(), "db locked")
	require.Contains(t, err.Error(), "disk full")
	require.Equal(t, 1, sessions.calls)
	require.Equal(t, 1, hosts.calls)
	require.Equal(t, 1, tunnels.calls)
}

func TestSweeperVerifiesChainIncrementally(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	audit, err := services.NewAuditService(db)
	require.NoError(t, err)
	ctx := context.Background()

	sweeper := NewSweeper(db, WithChainVerification(audit))

	appendEntries(t, audit, 3)
	require.NoError(t, sweeper.RunOnce(ctx))
	checkpoint, err := database.AuditCheckpoint(ctx, db)
	require.NoError(t, err)
	require.Equal(t, uint64(3), checkpoint)

	// Nothing new: the checkpoint stays put.
	require.NoError(t, sweeper.RunOnce(ctx))

	appendEntries(t, audit, 2)
	require.NoError(t, db.Model(&models.AuditEntry{}).Where("seq = ?", 5).
		Update("outcome", services.OutcomeFailure).Error)

	err = sweeper.RunOnce(ctx)
	require.ErrorIs(t, err, ErrChainBroken)

	checkpoint, err = database.AuditCheckpoint(ctx, db)
	require.NoError(t, err)
	require.Equal(t, uint64(3), checkpoint)
}

func TestSweeperStartAndStop(t *testing.T) {
	sweeper := NewSweeper(nil, WithSessionExpiry(&countingJob{}), WithSweepInterval(time.Hour))
	require.NoError(t, sweeper.Start())
	select {
	case <-sweeper.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	// No jobs enabled: nothing is scheduled.
	require.NoError(t, NewSweeper(nil).Start())
	require.NoError(t, NewSweeper(nil).RunOnce(context.Background()))
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	sweeper := NewSweeper(db, WithChainVerification(audit), WithAuditSchedule("not a schedule"))
	require.Error(t, sweeper.Start())
}

type purgeCounter struct{ calls int }

func (p *purgeCounter) PurgeExpired(context.Context) (int64, error) {
	p.calls++
	return 3, nil
}

func TestSweeperPurgesCache(t *testing.T) {
	purger := &purgeCounter{}
	sweeper := NewSweeper(nil, WithCacheGC(purger))
	require.NoError(t, sweeper.RunOnce(context.Background()))
	require.Equal(t, 1, purger.calls)
}
