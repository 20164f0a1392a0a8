package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesng35/gpubroker/internal/monitoring"
)

// AuditChain is down once a periodic verification has found a broken hash chain.
func AuditChain() monitoring.Check {
	return monitoring.NewCheck("audit_chain", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		last := monitoring.Snapshot().Audit.LastVerification
		switch {
		case last == nil:
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "not verified yet",
				Duration: time.Since(start),
			}
		case !last.Valid:
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDown,
				Details:  fmt.Sprintf("chain broken at seq %d", last.BrokenAt),
				Duration: time.Since(start),
			}
		default:
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  fmt.Sprintf("%d entries verified", last.Checked),
				Duration: time.Since(start),
			}
		}
	})
}
