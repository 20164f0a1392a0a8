package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/internal/monitoring"
)

// Audit event types.
const (
	AuditSessionCreated            = "session_created"
	AuditSessionActivated          = "session_activated"
	AuditSessionFailed             = "session_failed"
	AuditSessionTerminated         = "session_terminated"
	AuditSessionExpired            = "session_expired"
	AuditSessionTransitionRejected = "session_transition_rejected"
	AuditSessionAnswerIgnored      = "session_answer_ignored"
	AuditTunnelCreated             = "tunnel_created"
	AuditTunnelDestroyed           = "tunnel_destroyed"
	AuditTunnelExpired             = "tunnel_expired"
	AuditHostRegistered            = "host_registered"
	AuditHostStatusChanged         = "host_status_changed"
	AuditOrganizationCreated       = "organization_created"
	AuditMemberAdded               = "organization_member_added"
	AuditChainVerified             = "audit_chain_verified"
)

// Audit outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
	OutcomeIgnored  = "ignored"
	OutcomeExpired  = "expired"
)

// Audit resource types.
const (
	ResourceSession      = "session"
	ResourceTunnel       = "tunnel"
	ResourceHost         = "host"
	ResourceOrganization = "organization"
	ResourceAudit        = "audit"
)

const (
	defaultAuditBatchSize = 500
	defaultAuditPageSize  = 50
	maxAuditPageSize      = 500
)

// AuditEvent is the caller-supplied part of an audit entry. Sequence, timestamp
// and hashes are assigned by the chain.
type AuditEvent struct {
	EventType    string
	Actor        auditctx.Actor
	ResourceType string
	ResourceID   string
	SessionID    string
	Outcome      string
	Context      map[string]any
}

// ChainRange bounds a verification pass. Zero values mean "from genesis" and "to head".
type ChainRange struct {
	FromSeq uint64
	ToSeq   uint64
}

// ChainVerification is the result of VerifyChain.
type ChainVerification struct {
	Valid    bool    `json:"valid"`
	BrokenAt *uint64 `json:"broken_at,omitempty"`
	Checked  int     `json:"checked"`
	HeadSeq  uint64  `json:"head_seq"`
}

// AuditQuery filters audit entries. Results are ordered by ascending sequence and
// resume after AfterSeq.
type AuditQuery struct {
	ActorType    string
	ActorID      string
	ResourceType string
	ResourceID   string
	SessionID    string
	EventType    string
	Outcome      string
	Since        *time.Time
	Until        *time.Time
	AfterSeq     uint64
	PageSize     int
}

// AuditPage is one page of a query plus the cursor for the next page.
type AuditPage struct {
	Entries      []models.AuditEntry `json:"entries"`
	NextAfterSeq *uint64             `json:"next_after_seq,omitempty"`
}

// AuditService appends to and verifies the hash-chained audit ledger. The chain
// mutex serialises appends so seq and prevHash are assigned without gaps.
type AuditService struct {
	db        *gorm.DB
	now       func() time.Time
	batchSize int

	mu       sync.Mutex
	headSeq  uint64
	headHash string
	loaded   bool
}

// AuditOption customises the audit service.
type AuditOption func(*AuditService)

// WithAuditClock overrides the clock used for entry timestamps.
func WithAuditClock(clock func() time.Time) AuditOption {
	return func(s *AuditService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithAuditBatchSize sets how many entries VerifyChain loads per query.
func WithAuditBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// NewAuditService constructs an AuditService using the provided database handle.
func NewAuditService(db *gorm.DB, opts ...AuditOption) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}
	svc := &AuditService{
		db:        db,
		now:       time.Now,
		batchSize: defaultAuditBatchSize,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Append records a standalone audit entry.
func (s *AuditService) Append(ctx context.Context, event AuditEvent) (*models.AuditEntry, error) {
	return s.Record(ctx, event, nil)
}

// Record runs fn and appends event inside one transaction while holding the
// chain lock. When fn fails nothing is written and the chain head is unchanged.
// fn must only use the supplied tx.
func (s *AuditService) Record(ctx context.Context, event AuditEvent, fn func(tx *gorm.DB) error) (*models.AuditEntry, error) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(event.EventType) == "" {
		return nil, errors.New("audit service: event type is required")
	}
	if strings.TrimSpace(event.Outcome) == "" {
		return nil, errors.New("audit service: outcome is required")
	}

	rawContext, err := encodeAuditContext(event.Context)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadHeadLocked(ctx); err != nil {
		return nil, err
	}

	actor := event.Actor
	if actor.Type == "" {
		actor = auditctx.System
	}

	entry := models.AuditEntry{
		Seq:          s.headSeq + 1,
		Timestamp:    chainTime(s.now()),
		EventType:    strings.TrimSpace(event.EventType),
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		ResourceType: strings.TrimSpace(event.ResourceType),
		ResourceID:   strings.TrimSpace(event.ResourceID),
		Outcome:      strings.TrimSpace(event.Outcome),
		Context:      rawContext,
		PrevHash:     s.headHash,
	}
	if id := strings.TrimSpace(event.SessionID); id != "" {
		entry.SessionID = &id
	}

	entry.Hash, err = computeEntryHash(&entry)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if fn != nil {
			if err := fn(tx); err != nil {
				return err
			}
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("audit service: append seq %d: %w", entry.Seq, err)
		}
		return nil
	})
	if err != nil {
		// The commit outcome is unknown on driver errors; reload the head next time.
		s.loaded = false
		return nil, err
	}

	s.headSeq = entry.Seq
	s.headHash = entry.Hash
	monitoring.RecordAuditAppend(entry.EventType)

	return &entry, nil
}

func (s *AuditService) loadHeadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}

	var last models.AuditEntry
	err := s.db.WithContext(ctx).Order("seq DESC").Limit(1).Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		s.headSeq = 0
		s.headHash = GenesisHash
	case err != nil:
		return fmt.Errorf("audit service: load chain head: %w", err)
	default:
		s.headSeq = last.Seq
		s.headHash = last.Hash
	}
	s.loaded = true
	return nil
}

// Head returns the sequence and hash of the latest entry.
func (s *AuditService) Head(ctx context.Context) (uint64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadHeadLocked(ensureContext(ctx)); err != nil {
		return 0, "", err
	}
	return s.headSeq, s.headHash, nil
}

// VerifyChain recomputes hashes and linkage over the requested range in batches.
// A missing sequence number is reported as a break at that number.
func (s *AuditService) VerifyChain(ctx context.Context, rng ChainRange) (ChainVerification, error) {
	ctx = ensureContext(ctx)

	from := rng.FromSeq
	if from == 0 {
		from = 1
	}

	result := ChainVerification{Valid: true}
	broken := func(seq uint64) (ChainVerification, error) {
		result.Valid = false
		result.BrokenAt = &seq
		monitoring.RecordAuditVerification(false, seq, result.Checked)
		return result, nil
	}

	expectedPrev := GenesisHash
	if from > 1 {
		var anchor models.AuditEntry
		err := s.db.WithContext(ctx).Take(&anchor, "seq = ?", from-1).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return broken(from - 1)
		}
		if err != nil {
			return result, fmt.Errorf("audit service: load anchor: %w", err)
		}
		expectedPrev = anchor.Hash
	}

	expectedSeq := from
	for {
		query := s.db.WithContext(ctx).Where("seq >= ?", expectedSeq)
		if rng.ToSeq > 0 {
			query = query.Where("seq <= ?", rng.ToSeq)
		}

		var batch []models.AuditEntry
		if err := query.Order("seq ASC").Limit(s.batchSize).Find(&batch).Error; err != nil {
			return result, fmt.Errorf("audit service: load batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			entry := &batch[i]
			if entry.Seq != expectedSeq {
				return broken(expectedSeq)
			}
			if entry.PrevHash != expectedPrev {
				return broken(entry.Seq)
			}
			hash, err := computeEntryHash(entry)
			if err != nil || hash != entry.Hash {
				return broken(entry.Seq)
			}
			expectedPrev = entry.Hash
			expectedSeq++
			result.Checked++
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	result.HeadSeq = expectedSeq - 1
	monitoring.RecordAuditVerification(true, 0, result.Checked)
	return result, nil
}

// Query lazily walks matching entries in sequence order, fetching PageSize rows
// per round trip. Iteration stops at the first error, which is yielded once.
func (s *AuditService) Query(ctx context.Context, q AuditQuery) iter.Seq2[models.AuditEntry, error] {
	ctx = ensureContext(ctx)
	size := normaliseAuditPageSize(q.PageSize)

	return func(yield func(models.AuditEntry, error) bool) {
		cursor := q.AfterSeq
		for {
			batch, err := s.fetch(ctx, q, cursor, size)
			if err != nil {
				yield(models.AuditEntry{}, err)
				return
			}
			for _, entry := range batch {
				if !yield(entry, nil) {
					return
				}
				cursor = entry.Seq
			}
			if len(batch) < size {
				return
			}
		}
	}
}

// Page returns a single page of Query results with the cursor for the next call.
func (s *AuditService) Page(ctx context.Context, q AuditQuery) (AuditPage, error) {
	ctx = ensureContext(ctx)
	size := normaliseAuditPageSize(q.PageSize)

	batch, err := s.fetch(ctx, q, q.AfterSeq, size+1)
	if err != nil {
		return AuditPage{}, err
	}

	page := AuditPage{Entries: batch}
	if len(batch) > size {
		page.Entries = batch[:size]
		next := page.Entries[size-1].Seq
		page.NextAfterSeq = &next
	}
	if page.Entries == nil {
		page.Entries = []models.AuditEntry{}
	}
	return page, nil
}

func (s *AuditService) fetch(ctx context.Context, q AuditQuery, afterSeq uint64, limit int) ([]models.AuditEntry, error) {
	query := s.db.WithContext(ctx).Model(&models.AuditEntry{}).Where("seq > ?", afterSeq)
	query = applyAuditFilters(query, q)

	var entries []models.AuditEntry
	if err := query.Order("seq ASC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit service: query entries: %w", err)
	}
	return entries, nil
}

func applyAuditFilters(query *gorm.DB, q AuditQuery) *gorm.DB {
	if q.ActorType != "" {
		query = query.Where("actor_type = ?", q.ActorType)
	}
	if q.ActorID != "" {
		query = query.Where("actor_id = ?", q.ActorID)
	}
	if q.ResourceType != "" {
		query = query.Where("resource_type = ?", q.ResourceType)
	}
	if q.ResourceID != "" {
		query = query.Where("resource_id = ?", q.ResourceID)
	}
	if q.SessionID != "" {
		query = query.Where("session_id = ?", q.SessionID)
	}
	if q.EventType != "" {
		query = query.Where("event_type = ?", q.EventType)
	}
	if q.Outcome != "" {
		query = query.Where("outcome = ?", q.Outcome)
	}
	if q.Since != nil {
		query = query.Where("timestamp >= ?", chainTime(*q.Since))
	}
	if q.Until != nil {
		query = query.Where("timestamp <= ?", chainTime(*q.Until))
	}
	return query
}

func normaliseAuditPageSize(size int) int {
	if size <= 0 {
		return defaultAuditPageSize
	}
	if size > maxAuditPageSize {
		return maxAuditPageSize
	}
	return size
}
