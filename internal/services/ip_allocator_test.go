package services

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
)

func newTestAllocator(t *testing.T, blockSize int, gateways ...PoolGateway) *IPAllocator {
	t.Helper()
	if len(gateways) == 0 {
		gateways = []PoolGateway{{ID: "gw-a", PartitionIndex: 0}}
	}
	alloc, err := NewIPAllocator("100.64.0.0/16", blockSize, gateways)
	require.NoError(t, err)
	return alloc
}

func TestAllocateSkipsGatewayPairAndIsIdempotent(t *testing.T) {
	alloc := newTestAllocator(t, 256)

	first, err := alloc.Allocate("sess-1")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("100.64.0.2"), first.ClientAddr)
	require.Equal(t, netip.MustParseAddr("100.64.0.3"), first.HostAddr)
	require.Equal(t, "gw-a", first.GatewayID)

	again, err := alloc.Allocate("sess-1")
	require.NoError(t, err)
	require.Equal(t, first, again)

	gwAddr, ok := alloc.GatewayAddress("gw-a")
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("100.64.0.0"), gwAddr)
}

func TestAllocateBlocksFollowPartitionIndex(t *testing.T) {
	alloc := newTestAllocator(t, 256,
		PoolGateway{ID: "gw-b", PartitionIndex: 2},
		PoolGateway{ID: "gw-a", PartitionIndex: 0},
	)

	first, err := alloc.Allocate("s1")
	require.NoError(t, err)
	second, err := alloc.Allocate("s2")
	require.NoError(t, err)

	// Round-robin across partitions in index order.
	require.Equal(t, "gw-a", first.GatewayID)
	require.Equal(t, "gw-b", second.GatewayID)
	require.Equal(t, netip.MustParseAddr("100.64.2.2"), second.ClientAddr)
	require.Contains(t, alloc.Layout(), "gw-b@100.64.2.0")
}

func TestAllocatePoolExhausted(t *testing.T) {
	// Block of 8 addresses: 4 pairs, pair 0 reserved.
	alloc := newTestAllocator(t, 8)

	for i := 0; i < 3; i++ {
		_, err := alloc.Allocate(fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}

	_, err := alloc.Allocate("overflow")
	require.ErrorIs(t, err, apperrors.ErrPoolExhausted)
	require.ErrorIs(t, err, apperrors.ErrConflict)
	require.Equal(t, apperrors.ReasonPoolExhausted, apperrors.ReasonOf(err))

	_, ok := alloc.Release("s1")
	require.True(t, ok)

	reused, err := alloc.Allocate("overflow")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("100.64.0.4"), reused.ClientAddr, "freed pair is reused first")
}

func TestReleaseIsIdempotent(t *testing.T) {
	alloc := newTestAllocator(t, 8)

	_, err := alloc.Allocate("s1")
	require.NoError(t, err)

	_, ok := alloc.Release("s1")
	require.True(t, ok)
	_, ok = alloc.Release("s1")
	require.False(t, ok)
	_, ok = alloc.Release("never-allocated")
	require.False(t, ok)

	stats := alloc.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, 3, stats[0].Free)
	require.Equal(t, 0, stats[0].Used)
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	alloc := newTestAllocator(t, 64,
		PoolGateway{ID: "gw-a", PartitionIndex: 0},
		PoolGateway{ID: "gw-b", PartitionIndex: 1},
	)
	// 2 gateways * 31 usable pairs.
	const workers = 80

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seen    = map[netip.Addr]string{}
		granted int
		failed  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("sess-%d", i)
			got, err := alloc.Allocate(id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)
				failed++
				return
			}
			granted++
			for _, addr := range []netip.Addr{got.ClientAddr, got.HostAddr} {
				owner, dup := seen[addr]
				assert.False(t, dup, "address %s given to %s and %s", addr, owner, id)
				seen[addr] = id
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 62, granted)
	require.Equal(t, workers-62, failed)
}

func TestConcurrentAllocateReleaseKeepsLeasesUnique(t *testing.T) {
	// 2 gateways * 7 usable pairs, so workers regularly hit exhaustion.
	alloc := newTestAllocator(t, 16,
		PoolGateway{ID: "gw-a", PartitionIndex: 0},
		PoolGateway{ID: "gw-b", PartitionIndex: 1},
	)
	const (
		workers    = 12
		iterations = 300
	)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leases = map[netip.Addr]string{}
	)
	claim := func(a Allocation) {
		mu.Lock()
		defer mu.Unlock()
		for _, addr := range []netip.Addr{a.ClientAddr, a.HostAddr} {
			owner, dup := leases[addr]
			assert.False(t, dup, "address %s leased to %s and %s", addr, owner, a.SessionID)
			leases[addr] = a.SessionID
		}
	}
	// Leases are forgotten before Release so the pair can be handed out again.
	forget := func(a Allocation) {
		mu.Lock()
		defer mu.Unlock()
		delete(leases, a.ClientAddr)
		delete(leases, a.HostAddr)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 42))
			var held []Allocation
			release := func(i int) {
				a := held[i]
				held = append(held[:i], held[i+1:]...)
				forget(a)
				_, ok := alloc.Release(a.SessionID)
				assert.True(t, ok, "release of %s", a.SessionID)
				if rng.IntN(4) == 0 {
					_, again := alloc.Release(a.SessionID)
					assert.False(t, again, "second release of %s", a.SessionID)
				}
			}

			for i := 0; i < iterations; i++ {
				if len(held) > 0 && (len(held) >= 2 || rng.IntN(2) == 0) {
					release(rng.IntN(len(held)))
					continue
				}
				got, err := alloc.Allocate(fmt.Sprintf("w%d-%d", w, i))
				if err != nil {
					assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)
					runtime.Gosched()
					continue
				}
				claim(got)
				held = append(held, got)
				if rng.IntN(3) == 0 {
					runtime.Gosched()
				}
			}
			for len(held) > 0 {
				release(0)
			}
		}(w)
	}
	wg.Wait()

	require.Empty(t, leases)
	for _, stats := range alloc.Stats() {
		require.Zero(t, stats.Used, stats.GatewayID)
		require.Equal(t, stats.Capacity, stats.Free, stats.GatewayID)
	}
}

func TestClaimRestoresAllocation(t *testing.T) {
	alloc := newTestAllocator(t, 8)

	require.NoError(t, alloc.Claim(Allocation{
		SessionID:  "restored",
		ClientAddr: netip.MustParseAddr("100.64.0.2"),
		HostAddr:   netip.MustParseAddr("100.64.0.3"),
		GatewayID:  "gw-a",
	}))

	got, ok := alloc.Lookup("restored")
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("100.64.0.2"), got.ClientAddr)

	next, err := alloc.Allocate("fresh")
	require.NoError(t, err)
	require.NotEqual(t, got.ClientAddr, next.ClientAddr)

	err = alloc.Claim(Allocation{
		SessionID:  "other",
		ClientAddr: netip.MustParseAddr("100.64.0.2"),
		HostAddr:   netip.MustParseAddr("100.64.0.3"),
		GatewayID:  "gw-a",
	})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	err = alloc.Claim(Allocation{
		SessionID:  "bad",
		ClientAddr: netip.MustParseAddr("100.64.0.0"),
		HostAddr:   netip.MustParseAddr("100.64.0.1"),
		GatewayID:  "gw-a",
	})
	require.Error(t, err)
}

func TestNewIPAllocatorValidation(t *testing.T) {
	_, err := NewIPAllocator("100.64.0.0/16", 100, []PoolGateway{{ID: "gw"}})
	require.Error(t, err, "block size must be a power of two")

	_, err = NewIPAllocator("100.64.0.0/24", 256, []PoolGateway{{ID: "gw", PartitionIndex: 1}})
	require.Error(t, err, "partition must fit in the pool")

	_, err = NewIPAllocator("fd00::/64", 256, []PoolGateway{{ID: "gw"}})
	require.Error(t, err)

	_, err = NewIPAllocator("100.64.0.0/16", 256, nil)
	require.Error(t, err)

	_, err = NewIPAllocator("100.64.0.0/16", 256, []PoolGateway{{ID: "a"}, {ID: "b"}})
	require.Error(t, err, "gateways may not share a partition")
}
