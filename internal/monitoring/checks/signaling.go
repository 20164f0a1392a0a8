package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/gpubroker/internal/monitoring"
)

// PeerCounter exposes the connected peer counts of the signaling hub.
type PeerCounter interface {
	ConnectedPeers(role string) int
}

// Signaling reports degraded when no relay gateway is connected, since every
// session that cannot go direct would then fail with relay_unavailable.
func Signaling(counter PeerCounter) monitoring.Check {
	return monitoring.NewCheck("signaling", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if counter == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "signaling hub unavailable",
				Duration: time.Since(start),
			}
		}

		status := monitoring.StatusUp
		var details []string

		gateways := counter.ConnectedPeers("gateway")
		if gateways == 0 {
			status = monitoring.StatusDegraded
			details = append(details, "no relay gateway connected")
		}
		details = append(details, fmt.Sprintf("hosts=%d clients=%d gateways=%d",
			counter.ConnectedPeers("host"), counter.ConnectedPeers("client"), gateways))

		return monitoring.ProbeResult{
			Status:   status,
			Details:  strings.Join(details, "; "),
			Duration: time.Since(start),
		}
	})
}
