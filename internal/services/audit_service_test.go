package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	"github.com/charlesng35/gpubroker/internal/database/testutil"
	"github.com/charlesng35/gpubroker/internal/models"
)

func newTestAuditService(t *testing.T) (*AuditService, *gorm.DB) {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewAuditService(db, WithAuditBatchSize(3))
	require.NoError(t, err)
	return svc, db
}

func appendN(t *testing.T, svc *AuditService, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.Append(context.Background(), AuditEvent{
			EventType:    AuditSessionCreated,
			Actor:        auditctx.Actor{Type: auditctx.ActorUser, ID: "user-1"},
			ResourceType: ResourceSession,
			ResourceID:   "sess-1",
			SessionID:    "sess-1",
			Outcome:      OutcomeSuccess,
			Context:      map[string]any{"i": i, "nested": map[string]any{"b": true, "a": "x"}},
		})
		require.NoError(t, err)
	}
}

func TestAuditAppendLinksEntries(t *testing.T) {
	svc, db := newTestAuditService(t)
	appendN(t, svc, 3)

	var entries []models.AuditEntry
	require.NoError(t, db.Order("seq ASC").Find(&entries).Error)
	require.Len(t, entries, 3)

	require.Equal(t, uint64(1), entries[0].Seq)
	require.Equal(t, GenesisHash, entries[0].PrevHash)
	require.Equal(t, entries[0].Hash, entries[1].PrevHash)
	require.Equal(t, entries[1].Hash, entries[2].PrevHash)
	require.Len(t, entries[2].Hash, 64)
}

func TestAuditVerifyChainAfterRoundTrip(t *testing.T) {
	svc, db := newTestAuditService(t)
	appendN(t, svc, 7)

	// A fresh service reads the head and every hash back from the store.
	reloaded, err := NewAuditService(db, WithAuditBatchSize(2))
	require.NoError(t, err)

	result, err := reloaded.VerifyChain(context.Background(), ChainRange{})
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Nil(t, result.BrokenAt)
	require.Equal(t, 7, result.Checked)
	require.Equal(t, uint64(7), result.HeadSeq)

	partial, err := reloaded.VerifyChain(context.Background(), ChainRange{FromSeq: 4, ToSeq: 6})
	require.NoError(t, err)
	require.True(t, partial.Valid)
	require.Equal(t, 3, partial.Checked)

	_, err = reloaded.Append(context.Background(), AuditEvent{EventType: AuditTunnelCreated, ResourceType: ResourceTunnel, Outcome: OutcomeSuccess})
	require.NoError(t, err)
	result, err = reloaded.VerifyChain(context.Background(), ChainRange{})
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, 8, result.Checked)
}

func TestAuditVerifyChainDetectsTampering(t *testing.T) {
	svc, db := newTestAuditService(t)
	appendN(t, svc, 5)

	require.NoError(t, db.Model(&models.AuditEntry{}).Where("seq = ?", 3).
		Update("outcome", OutcomeFailure).Error)

	result, err := svc.VerifyChain(context.Background(), ChainRange{})
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.NotNil(t, result.BrokenAt)
	require.Equal(t, uint64(3), *result.BrokenAt)
	require.Equal(t, 2, result.Checked)
}

func TestAuditVerifyChainDetectsGap(t *testing.T) {
	svc, db := newTestAuditService(t)
	appendN(t, svc, 5)

	require.NoError(t, db.Where("seq = ?", 4).Delete(&models.AuditEntry{}).Error)

	result, err := svc.VerifyChain(context.Background(), ChainRange{})
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, uint64(4), *result.BrokenAt)
}

func TestAuditRecordRollsBackOnFailure(t *testing.T) {
	svc, db := newTestAuditService(t)
	appendN(t, svc, 1)

	boom := errors.New("state change failed")
	_, err := svc.Record(context.Background(), AuditEvent{
		EventType:    AuditSessionActivated,
		ResourceType: ResourceSession,
		Outcome:      OutcomeSuccess,
	}, func(tx *gorm.DB) error {
		require.NoError(t, tx.Create(&models.Organization{Name: "rolled-back"}).Error)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var orgs int64
	require.NoError(t, db.Model(&models.Organization{}).Count(&orgs).Error)
	require.Zero(t, orgs)

	entry, err := svc.Append(context.Background(), AuditEvent{EventType: AuditSessionFailed, ResourceType: ResourceSession, Outcome: OutcomeFailure})
	require.NoError(t, err)
	require.Equal(t, uint64(2), entry.Seq)

	result, err := svc.VerifyChain(context.Background(), ChainRange{})
	require.NoError(t, err)
	require.True(t, result.Valid)
}

func TestAuditConcurrentAppendsStayContiguous(t *testing.T) {
	svc, _ := newTestAuditService(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Append(context.Background(), AuditEvent{EventType: AuditTunnelCreated, ResourceType: ResourceTunnel, Outcome: OutcomeSuccess})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	result, err := svc.VerifyChain(context.Background(), ChainRange{})
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, 20, result.Checked)
}

func TestAuditAppendRequiresEventAndOutcome(t *testing.T) {
	svc, _ := newTestAuditService(t)

	_, err := svc.Append(context.Background(), AuditEvent{Outcome: OutcomeSuccess})
	require.Error(t, err)
	_, err = svc.Append(context.Background(), AuditEvent{EventType: AuditSessionCreated})
	require.Error(t, err)
}

func TestAuditQueryIteratesAcrossPages(t *testing.T) {
	svc, _ := newTestAuditService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sessionID := "sess-a"
		if i%2 == 1 {
			sessionID = "sess-b"
		}
		_, err := svc.Append(ctx, AuditEvent{
			EventType:    AuditSessionCreated,
			ResourceType: ResourceSession,
			ResourceID:   sessionID,
			SessionID:    sessionID,
			Outcome:      OutcomeSuccess,
		})
		require.NoError(t, err)
	}

	var seqs []uint64
	for entry, err := range svc.Query(ctx, AuditQuery{SessionID: "sess-a", PageSize: 1}) {
		require.NoError(t, err)
		seqs = append(seqs, entry.Seq)
	}
	require.Equal(t, []uint64{1, 3, 5}, seqs)

	// Restart after a cursor and stop early.
	seqs = nil
	for entry, err := range svc.Query(ctx, AuditQuery{AfterSeq: 2}) {
		require.NoError(t, err)
		seqs = append(seqs, entry.Seq)
		if len(seqs) == 2 {
			break
		}
	}
	require.Equal(t, []uint64{3, 4}, seqs)
}

func TestAuditPageReturnsCursor(t *testing.T) {
	svc, _ := newTestAuditService(t)
	appendN(t, svc, 5)
	ctx := context.Background()

	page, err := svc.Page(ctx, AuditQuery{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.NotNil(t, page.NextAfterSeq)
	require.Equal(t, uint64(2), *page.NextAfterSeq)

	page, err = svc.Page(ctx, AuditQuery{PageSize: 2, AfterSeq: 4})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	require.Nil(t, page.NextAfterSeq)
}

func TestAuditTimestampsUseInjectedClock(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	svc, err := NewAuditService(db, WithAuditClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	entry, err := svc.Append(context.Background(), AuditEvent{EventType: AuditSessionCreated, ResourceType: ResourceSession, Outcome: OutcomeSuccess})
	require.NoError(t, err)
	require.True(t, entry.Timestamp.Equal(fixed.Truncate(time.Microsecond)))

	result, err := svc.VerifyChain(context.Background(), ChainRange{})
	require.NoError(t, err)
	require.True(t, result.Valid)
}
