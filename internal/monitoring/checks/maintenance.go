package checks

import (
	"context"
	"strings"
	"time"

	"github.com/charlesng35/gpubroker/internal/monitoring"
)

// Maintenance is down when a sweep job keeps failing and degraded when one has
// not completed within maxAge. A zero maxAge disables the staleness check.
func Maintenance(maxAge time.Duration) monitoring.Check {
	return monitoring.NewCheck("maintenance", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		jobs := monitoring.Snapshot().Maintenance.Jobs
		if len(jobs) == 0 {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "no sweep jobs registered", Duration: time.Since(start)}
		}

		status := monitoring.StatusUp
		var notes []string
		for _, job := range jobs {
			switch {
			case job.TotalRuns == 0:
				notes = append(notes, job.Job+": pending first run")
			case job.ConsecutiveFailures > 0:
				status = monitoring.WorstStatus(status, monitoring.StatusDown)
				notes = append(notes, job.Job+": failing")
			case maxAge > 0 && start.Sub(job.LastRunAt) > maxAge:
				status = monitoring.WorstStatus(status, monitoring.StatusDegraded)
				notes = append(notes, job.Job+": last run "+job.LastRunAt.UTC().Format(time.RFC3339))
			}
		}

		return monitoring.ProbeResult{Status: status, Details: strings.Join(notes, "; "), Duration: time.Since(start)}
	})
}
