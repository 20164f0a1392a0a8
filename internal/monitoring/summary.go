package monitoring

import "time"

// Summary surfaces aggregated broker statistics for operators.
type Summary struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Auth        AuthSummary        `json:"auth"`
	Sessions    SessionSummary     `json:"sessions"`
	Pool        PoolSummary        `json:"pool"`
	Tunnels     TunnelSummary      `json:"tunnels"`
	Audit       AuditSummary       `json:"audit"`
	Signaling   SignalingSummary   `json:"signaling"`
	Maintenance MaintenanceSummary `json:"maintenance"`
}

type AuthSummary struct {
	Success uint64 `json:"success"`
	Failure uint64 `json:"failure"`
	Error   uint64 `json:"error"`
}

type SessionSummary struct {
	Active                 int64             `json:"active"`
	Completed              uint64            `json:"completed"`
	AverageDurationSeconds float64           `json:"average_duration_seconds"`
	LastEndedAt            time.Time         `json:"last_ended_at"`
	EstablishedDirect      uint64            `json:"established_direct"`
	EstablishedRelay       uint64            `json:"established_relay"`
	RejectedTransitions    uint64            `json:"rejected_transitions"`
	FailuresByReason       map[string]uint64 `json:"failures_by_reason"`
}

type PoolSummary struct {
	FreePairs map[string]int64 `json:"free_pairs"`
	Exhausted uint64           `json:"exhausted"`
}

type TunnelSummary struct {
	Active   int64  `json:"active"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

type ChainVerificationRecord struct {
	Valid      bool      `json:"valid"`
	BrokenAt   uint64    `json:"broken_at,omitempty"`
	Checked    int       `json:"checked"`
	VerifiedAt time.Time `json:"verified_at"`
}

type AuditSummary struct {
	Appends          uint64                   `json:"appends"`
	LastVerification *ChainVerificationRecord `json:"last_verification,omitempty"`
}

type FailureRecord struct {
	Role     string    `json:"role"`
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	Occurred time.Time `json:"occurred_at"`
}

type SignalingSummary struct {
	Connections map[string]int64 `json:"connections"`
	Failures    uint64           `json:"failures"`
	LastFailure *FailureRecord   `json:"last_failure,omitempty"`
}

type MaintenanceSummary struct {
	Jobs []MaintenanceJobSummary `json:"jobs"`
}

type MaintenanceJobSummary struct {
	Job                 string        `json:"job"`
	LastStatus          string        `json:"last_status"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastDuration        time.Duration `json:"last_duration"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures uint64        `json:"consecutive_failures"`
	ConsecutiveSuccess  uint64        `json:"consecutive_success"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	TotalRuns           uint64        `json:"total_runs"`
}

// Snapshot returns a point-in-time summary from the process-wide module.
func Snapshot() Summary {
	return CurrentModule().Summary()
}

func emptySummary() Summary {
	return Summary{GeneratedAt: time.Now()}
}
