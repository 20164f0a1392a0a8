package services

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charlesng35/gpubroker/internal/monitoring"
	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
)

const (
	// DefaultPoolCIDR is the overlay range carved into per-gateway blocks.
	DefaultPoolCIDR = "100.64.0.0/16"
	// DefaultBlockSize is the number of addresses owned by one gateway.
	DefaultBlockSize = 256
)

// Allocation is the address pair held by one live session.
type Allocation struct {
	SessionID  string     `json:"session_id"`
	ClientAddr netip.Addr `json:"client_address"`
	HostAddr   netip.Addr `json:"host_address"`
	GatewayID  string     `json:"gateway_id"`
}

// PartitionStats describes the occupancy of one gateway block.
type PartitionStats struct {
	GatewayID string `json:"gateway_id"`
	Capacity  int    `json:"capacity"`
	Free      int    `json:"free"`
	Used      int    `json:"used"`
}

// PoolGateway is the allocator's view of a gateway: its id and the block index it owns.
type PoolGateway struct {
	ID             string
	PartitionIndex int
}

// IPAllocator hands out client/host address pairs. The pool is split into one
// block per gateway and each block is guarded by its own mutex, so allocations
// on different gateways never contend. No I/O happens under any lock.
type IPAllocator struct {
	prefix     netip.Prefix
	blockSize  int
	partitions []*addressPartition
	byGateway  map[string]*addressPartition

	sessions sync.Map // session id -> *addressPartition
	cursor   atomic.Uint32
}

type addressPartition struct {
	gatewayID string
	base      uint32

	mu     sync.Mutex
	free   []int          // LIFO stack of pair indexes
	leased map[string]int // session id -> pair index
	owners map[int]string // pair index -> session id
	pairs  int
}

// NewIPAllocator carves cidr into blockSize blocks, one per gateway, positioned by
// partition index. Pair 0 of every block is kept for the gateway itself.
func NewIPAllocator(cidr string, blockSize int, gateways []PoolGateway) (*IPAllocator, error) {
	if strings.TrimSpace(cidr) == "" {
		cidr = DefaultPoolCIDR
	}
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return nil, fmt.Errorf("ip allocator: parse cidr: %w", err)
	}
	if !prefix.Addr().Is4() {
		return nil, errors.New("ip allocator: only IPv4 pools are supported")
	}
	prefix = prefix.Masked()

	if blockSize < 4 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("ip allocator: block size %d must be a power of two >= 4", blockSize)
	}
	if len(gateways) == 0 {
		return nil, errors.New("ip allocator: at least one gateway is required")
	}

	poolSize := uint64(1) << (32 - prefix.Bits())
	base := addrToUint32(prefix.Addr())

	ordered := append([]PoolGateway(nil), gateways...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartitionIndex < ordered[j].PartitionIndex })

	alloc := &IPAllocator{
		prefix:    prefix,
		blockSize: blockSize,
		byGateway: make(map[string]*addressPartition, len(ordered)),
	}

	pairs := blockSize / 2
	for _, gw := range ordered {
		id := strings.TrimSpace(gw.ID)
		if id == "" {
			return nil, errors.New("ip allocator: gateway id is required")
		}
		if _, dup := alloc.byGateway[id]; dup {
			return nil, fmt.Errorf("ip allocator: duplicate gateway %q", id)
		}
		if gw.PartitionIndex < 0 || uint64(gw.PartitionIndex+1)*uint64(blockSize) > poolSize {
			return nil, fmt.Errorf("ip allocator: partition %d of gateway %q does not fit in %s", gw.PartitionIndex, id, prefix)
		}
		for _, existing := range alloc.partitions {
			if existing.base == base+uint32(gw.PartitionIndex*blockSize) {
				return nil, fmt.Errorf("ip allocator: gateways %q and %q share partition %d", existing.gatewayID, id, gw.PartitionIndex)
			}
		}

		part := &addressPartition{
			gatewayID: id,
			base:      base + uint32(gw.PartitionIndex*blockSize),
			leased:    make(map[string]int),
			owners:    make(map[int]string),
			pairs:     pairs,
			free:      make([]int, 0, pairs-1),
		}
		// Highest index first so pops hand out the low pairs first.
		for idx := pairs - 1; idx >= 1; idx-- {
			part.free = append(part.free, idx)
		}

		alloc.partitions = append(alloc.partitions, part)
		alloc.byGateway[id] = part
	}

	return alloc, nil
}

// Layout returns a stable description of the pool geometry.
func (a *IPAllocator) Layout() string {
	parts := make([]string, 0, len(a.partitions))
	for _, p := range a.partitions {
		parts = append(parts, fmt.Sprintf("%s@%s", p.gatewayID, uint32ToAddr(p.base)))
	}
	return fmt.Sprintf("%s/%d[%s]", a.prefix, a.blockSize, strings.Join(parts, ","))
}

// Allocate reserves an address pair for sessionID, visiting partitions round-robin.
// Calling it again for a session that already holds a pair returns that pair.
func (a *IPAllocator) Allocate(sessionID string) (Allocation, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Allocation{}, apperrors.NewBadRequest("session id is required")
	}

	if existing, ok := a.Lookup(sessionID); ok {
		return existing, nil
	}

	count := len(a.partitions)
	start := int(a.cursor.Add(1)-1) % count
	for i := 0; i < count; i++ {
		part := a.partitions[(start+i)%count]

		idx, fresh, ok := part.take(sessionID)
		if !ok {
			continue
		}
		if !fresh {
			a.sessions.LoadOrStore(sessionID, part)
			return part.allocation(sessionID, idx), nil
		}

		if prior, loaded := a.sessions.LoadOrStore(sessionID, part); loaded {
			// A concurrent call for the same session won; hand back its pair.
			part.give(sessionID)
			if existing, ok := prior.(*addressPartition).lookup(sessionID); ok {
				return existing, nil
			}
			return Allocation{}, apperrors.ErrConflict.WithMessage("concurrent allocation for session")
		}

		a.publish(part)
		return part.allocation(sessionID, idx), nil
	}

	monitoring.RecordPoolExhausted()
	return Allocation{}, apperrors.ErrPoolExhausted
}

// Release returns the session's pair to its partition. Unknown or repeated
// releases are no-ops.
func (a *IPAllocator) Release(sessionID string) (Allocation, bool) {
	value, ok := a.sessions.LoadAndDelete(strings.TrimSpace(sessionID))
	if !ok {
		return Allocation{}, false
	}
	part := value.(*addressPartition)
	released, ok := part.give(sessionID)
	a.publish(part)
	return released, ok
}

// Lookup returns the pair held by sessionID.
func (a *IPAllocator) Lookup(sessionID string) (Allocation, bool) {
	value, ok := a.sessions.Load(sessionID)
	if !ok {
		return Allocation{}, false
	}
	return value.(*addressPartition).lookup(sessionID)
}

// Claim marks a persisted allocation as held again. It is used when restoring
// live sessions after a restart.
func (a *IPAllocator) Claim(alloc Allocation) error {
	part, ok := a.byGateway[alloc.GatewayID]
	if !ok {
		return fmt.Errorf("ip allocator: unknown gateway %q", alloc.GatewayID)
	}
	if !alloc.ClientAddr.Is4() || !alloc.HostAddr.Is4() {
		return errors.New("ip allocator: claim requires IPv4 addresses")
	}

	client := addrToUint32(alloc.ClientAddr)
	if client < part.base || client >= part.base+uint32(a.blockSize) {
		return fmt.Errorf("ip allocator: %s is outside gateway %q block", alloc.ClientAddr, alloc.GatewayID)
	}
	offset := client - part.base
	if offset%2 != 0 || addrToUint32(alloc.HostAddr) != client+1 {
		return fmt.Errorf("ip allocator: %s/%s is not an allocatable pair", alloc.ClientAddr, alloc.HostAddr)
	}
	idx := int(offset / 2)
	if idx == 0 {
		return fmt.Errorf("ip allocator: %s is reserved for gateway %q", alloc.ClientAddr, alloc.GatewayID)
	}

	if err := part.claim(alloc.SessionID, idx); err != nil {
		return err
	}
	a.sessions.Store(alloc.SessionID, part)
	a.publish(part)
	return nil
}

// GatewayAddress returns the overlay address reserved for a gateway.
func (a *IPAllocator) GatewayAddress(gatewayID string) (netip.Addr, bool) {
	part, ok := a.byGateway[gatewayID]
	if !ok {
		return netip.Addr{}, false
	}
	return uint32ToAddr(part.base), true
}

// Stats reports occupancy per partition and refreshes the pool gauges.
func (a *IPAllocator) Stats() []PartitionStats {
	stats := make([]PartitionStats, 0, len(a.partitions))
	for _, part := range a.partitions {
		stats = append(stats, a.publish(part))
	}
	return stats
}

func (a *IPAllocator) publish(part *addressPartition) PartitionStats {
	part.mu.Lock()
	stat := PartitionStats{
		GatewayID: part.gatewayID,
		Capacity:  part.pairs - 1,
		Free:      len(part.free),
		Used:      len(part.leased),
	}
	part.mu.Unlock()

	monitoring.SetPoolFreePairs(stat.GatewayID, stat.Free)
	return stat
}

// take pops a free pair for sessionID. fresh is false when the session already
// held a pair in this partition.
func (p *addressPartition) take(sessionID string) (idx int, fresh bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, held := p.leased[sessionID]; held {
		return idx, false, true
	}
	if len(p.free) == 0 {
		return 0, false, false
	}
	idx = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.leased[sessionID] = idx
	p.owners[idx] = sessionID
	return idx, true, true
}

func (p *addressPartition) give(sessionID string) (Allocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.leased[sessionID]
	if !ok {
		return Allocation{}, false
	}
	delete(p.leased, sessionID)
	delete(p.owners, idx)
	p.free = append(p.free, idx)
	return p.allocation(sessionID, idx), true
}

func (p *addressPartition) claim(sessionID string, idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if owner, taken := p.owners[idx]; taken {
		if owner == sessionID {
			return nil
		}
		return apperrors.ErrConflict.WithMessage(fmt.Sprintf("address pair %d already held by session %s", idx, owner))
	}
	if _, holds := p.leased[sessionID]; holds {
		return apperrors.ErrConflict.WithMessage("session already holds a different pair")
	}

	for i, candidate := range p.free {
		if candidate == idx {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	p.leased[sessionID] = idx
	p.owners[idx] = sessionID
	return nil
}

func (p *addressPartition) lookup(sessionID string) (Allocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.leased[sessionID]
	if !ok {
		return Allocation{}, false
	}
	return p.allocation(sessionID, idx), true
}

func (p *addressPartition) allocation(sessionID string, idx int) Allocation {
	client := p.base + uint32(idx*2)
	return Allocation{
		SessionID:  sessionID,
		ClientAddr: uint32ToAddr(client),
		HostAddr:   uint32ToAddr(client + 1),
		GatewayID:  p.gatewayID,
	}
}

func addrToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
