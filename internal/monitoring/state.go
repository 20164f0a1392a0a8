package monitoring

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type statStore struct {
	authSuccess atomic.Uint64
	authFailure atomic.Uint64
	authError   atomic.Uint64

	activeSessions       atomic.Int64
	sessionTotalDuration atomic.Uint64 // nanoseconds
	sessionCount         atomic.Uint64
	sessionLastEndedAt   atomic.Int64
	establishedDirect    atomic.Uint64
	establishedRelay     atomic.Uint64
	rejectedTransitions  atomic.Uint64
	failures             sync.Map // reason -> *atomic.Uint64

	poolFree      sync.Map // gateway -> *atomic.Int64
	poolExhausted atomic.Uint64

	activeTunnels       atomic.Int64
	validationsAccepted atomic.Uint64
	validationsRejected atomic.Uint64

	auditAppends      atomic.Uint64
	lastVerification  atomic.Value // *ChainVerificationRecord
	connections       sync.Map     // role -> *atomic.Int64
	signalingFailures atomic.Uint64
	lastFailure       atomic.Value // *FailureRecord

	maintenance sync.Map // string -> *maintenanceStats
}

func newStatStore() *statStore {
	store := &statStore{}
	store.lastFailure.Store((*FailureRecord)(nil))
	store.lastVerification.Store((*ChainVerificationRecord)(nil))
	return store
}

func (s *statStore) summary() Summary {
	lastFailure, _ := s.lastFailure.Load().(*FailureRecord)
	lastVerification, _ := s.lastVerification.Load().(*ChainVerificationRecord)

	count := s.sessionCount.Load()
	var avgSeconds float64
	if count > 0 {
		avgSeconds = float64(s.sessionTotalDuration.Load()) / float64(count) / float64(time.Second)
	}

	return Summary{
		GeneratedAt: time.Now(),
		Auth: AuthSummary{
			Success: s.authSuccess.Load(),
			Failure: s.authFailure.Load(),
			Error:   s.authError.Load(),
		},
		Sessions: SessionSummary{
			Active:                 s.activeSessions.Load(),
			Completed:              count,
			AverageDurationSeconds: avgSeconds,
			LastEndedAt:            time.Unix(0, s.sessionLastEndedAt.Load()),
			EstablishedDirect:      s.establishedDirect.Load(),
			EstablishedRelay:       s.establishedRelay.Load(),
			RejectedTransitions:    s.rejectedTransitions.Load(),
			FailuresByReason:       loadCounters(&s.failures),
		},
		Pool: PoolSummary{
			FreePairs: loadGauges(&s.poolFree),
			Exhausted: s.poolExhausted.Load(),
		},
		Tunnels: TunnelSummary{
			Active:   s.activeTunnels.Load(),
			Accepted: s.validationsAccepted.Load(),
			Rejected: s.validationsRejected.Load(),
		},
		Audit: AuditSummary{
			Appends:          s.auditAppends.Load(),
			LastVerification: lastVerification,
		},
		Signaling: SignalingSummary{
			Connections: loadGauges(&s.connections),
			Failures:    s.signalingFailures.Load(),
			LastFailure: lastFailure,
		},
		Maintenance: MaintenanceSummary{
			Jobs: s.cloneMaintenance(),
		},
	}
}

func (s *statStore) recordAuth(result string) {
	switch result {
	case "success":
		s.authSuccess.Add(1)
	case "failure":
		s.authFailure.Add(1)
	default:
		s.authError.Add(1)
	}
}

func (s *statStore) adjustActiveSessions(delta int64) int64 {
	return s.activeSessions.Add(delta)
}

func (s *statStore) recordEstablished(mode string) {
	switch mode {
	case "direct":
		s.establishedDirect.Add(1)
	default:
		s.establishedRelay.Add(1)
	}
}

func (s *statStore) recordFailure(reason string) {
	counter, _ := s.failures.LoadOrStore(reason, &atomic.Uint64{})
	counter.(*atomic.Uint64).Add(1)
}

func (s *statStore) recordSessionDuration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.sessionTotalDuration.Add(uint64(d))
	s.sessionCount.Add(1)
	s.sessionLastEndedAt.Store(time.Now().UnixNano())
}

func (s *statStore) setPoolFree(gateway string, free int64) {
	gauge, _ := s.poolFree.LoadOrStore(gateway, &atomic.Int64{})
	gauge.(*atomic.Int64).Store(free)
}

func (s *statStore) adjustConnections(role string, delta int64) {
	gauge, _ := s.connections.LoadOrStore(role, &atomic.Int64{})
	if gauge.(*atomic.Int64).Add(delta) < 0 {
		gauge.(*atomic.Int64).Store(0)
	}
}

func (s *statStore) recordSignalingFailure(record FailureRecord) {
	s.signalingFailures.Add(1)
	cloned := record
	s.lastFailure.Store(&cloned)
}

func (s *statStore) recordVerification(valid bool, brokenAt uint64, checked int) {
	record := &ChainVerificationRecord{
		Valid:      valid,
		Checked:    checked,
		VerifiedAt: time.Now(),
	}
	if !valid {
		record.BrokenAt = brokenAt
	}
	s.lastVerification.Store(record)
}

func (s *statStore) maintenanceEntry(job string) *maintenanceStats {
	value, ok := s.maintenance.Load(job)
	if ok {
		return value.(*maintenanceStats)
	}
	actual, _ := s.maintenance.LoadOrStore(job, &maintenanceStats{})
	return actual.(*maintenanceStats)
}

func (s *statStore) cloneMaintenance() []MaintenanceJobSummary {
	summaries := []MaintenanceJobSummary{}
	s.maintenance.Range(func(key, value any) bool {
		summaries = append(summaries, value.(*maintenanceStats).snapshot(key.(string)))
		return true
	})
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Job < summaries[j].Job })
	return summaries
}

func loadCounters(m *sync.Map) map[string]uint64 {
	out := map[string]uint64{}
	m.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return out
}

func loadGauges(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}

type maintenanceStats struct {
	lastStatus           atomic.Value // string
	lastError            atomic.Value // string
	lastRun              atomic.Int64 // unix nano
	lastDuration         atomic.Int64 // nanoseconds
	consecutiveFailures  atomic.Uint64
	totalRuns            atomic.Uint64
	lastSuccessfulRun    atomic.Int64
	consecutiveSuccesses atomic.Uint64
}

func (m *maintenanceStats) snapshot(job string) MaintenanceJobSummary {
	status, _ := m.lastStatus.Load().(string)
	errMsg, _ := m.lastError.Load().(string)

	return MaintenanceJobSummary{
		Job:                 job,
		LastStatus:          status,
		LastRunAt:           time.Unix(0, m.lastRun.Load()),
		LastDuration:        time.Duration(m.lastDuration.Load()),
		LastError:           errMsg,
		ConsecutiveFailures: m.consecutiveFailures.Load(),
		ConsecutiveSuccess:  m.consecutiveSuccesses.Load(),
		LastSuccessAt:       time.Unix(0, m.lastSuccessfulRun.Load()),
		TotalRuns:           m.totalRuns.Load(),
	}
}

func (m *maintenanceStats) record(result, message string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	now := time.Now()
	m.lastStatus.Store(result)
	m.lastError.Store(message)
	m.lastRun.Store(now.UnixNano())
	m.lastDuration.Store(int64(duration))
	m.totalRuns.Add(1)

	switch result {
	case "success":
		m.consecutiveFailures.Store(0)
		m.consecutiveSuccesses.Add(1)
		m.lastSuccessfulRun.Store(now.UnixNano())
	default:
		m.consecutiveFailures.Add(1)
		m.consecutiveSuccesses.Store(0)
	}
}
