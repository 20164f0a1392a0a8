package monitoring

import (
	"strings"
	"time"
)

// RecordAuthAttempt increments the auth attempt counter for a principal kind (user, agent, gateway).
func RecordAuthAttempt(principal, result string) {
	module := CurrentModule()
	if module == nil {
		return
	}
	kind := normalizeLabel(principal)
	label := normalizeLabel(result)
	module.metrics.authAttempts.WithLabelValues(kind, label).Inc()
	module.stats.recordAuth(label)
}

// ObserveAPILatency captures the HTTP request latency for the supplied route.
func ObserveAPILatency(method, path, status string, duration time.Duration) {
	module := CurrentModule()
	if module == nil {
		return
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "UNKNOWN"
	}
	path = sanitizePath(path)
	if path == "" {
		path = "unknown"
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "unknown"
	}
	observeDuration(module.metrics.apiLatency.WithLabelValues(method, path, status), duration)
}

// RecordSessionTransition counts a session state change. Rejected transitions use result "rejected".
func RecordSessionTransition(from, to, result string) {
	module := CurrentModule()
	if module == nil {
		return
	}
	from = normalizeLabel(from)
	to = normalizeLabel(to)
	result = normalizeLabel(result)
	module.metrics.sessionTransitions.WithLabelValues(from, to, result).Inc()
	if result == "rejected" {
		module.stats.rejectedTransitions.Add(1)
	}
}

// AdjustActiveSessions modifies the live session gauge by delta.
func AdjustActiveSessions(delta int64) {
	module := CurrentModule()
	if module == nil || delta == 0 {
		return
	}
	module.metrics.activeSessions.Add(float64(delta))
	if module.stats.adjustActiveSessions(delta) < 0 {
		module.stats.activeSessions.Store(0)
		module.metrics.activeSessions.Set(0)
	}
}

// RecordSessionEstablished observes the time a session took to become ACTIVE.
func RecordSessionEstablished(connectionType string, latency time.Duration) {
	module := CurrentModule()
	if module == nil {
		return
	}
	mode := normalizeLabel(connectionType)
	observeDuration(module.metrics.sessionEstablishment.WithLabelValues(mode), latency)
	module.stats.recordEstablished(mode)
}

// RecordSessionFailed tracks a terminal failure by its human readable reason.
func RecordSessionFailed(reason string) {
	module := CurrentModule()
	if module == nil {
		return
	}
	module.stats.recordFailure(normalizeLabel(reason))
}

// RecordSessionClosed records an observed active session duration.
func RecordSessionClosed(duration time.Duration) {
	module := CurrentModule()
	if module == nil {
		return
	}
	observeDuration(module.metrics.sessionDuration, duration)
	module.stats.recordSessionDuration(duration)
}

// SetPoolFreePairs publishes the free pair count of one gateway partition.
func SetPoolFreePairs(gatewayID string, free int) {
	module := CurrentModule()
	if module == nil {
		return
	}
	id := strings.TrimSpace(gatewayID)
	if id == "" {
		id = "unknown"
	}
	module.metrics.poolFreePairs.WithLabelValues(id).Set(float64(free))
	module.stats.setPoolFree(id, int64(free))
}

// RecordPoolExhausted counts an allocation rejected for lack of free pairs.
func RecordPoolExhausted() {
	module := CurrentModule()
	if module == nil {
		return
	}
	module.metrics.poolExhausted.Inc()
	module.stats.poolExhausted.Add(1)
}

// SetActiveTunnels publishes the size of the tunnel active set.
func SetActiveTunnels(count int) {
	module := CurrentModule()
	if module == nil {
		return
	}
	module.metrics.activeTunnels.Set(float64(count))
	module.stats.activeTunnels.Store(int64(count))
}

// RecordTunnelValidation counts relay validation outcomes (valid, revoked, expired, ...).
func RecordTunnelValidation(result string) {
	module := CurrentModule()
	if module == nil {
		return
	}
	label := normalizeLabel(result)
	module.metrics.tunnelValidations.WithLabelValues(label).Inc()
	if label == "valid" {
		module.stats.validationsAccepted.Add(1)
	} else {
		module.stats.validationsRejected.Add(1)
	}
}

// RecordAuditAppend counts an entry appended to the audit chain.
func RecordAuditAppend(eventType string) {
	module := CurrentModule()
	if module == nil {
		return
	}
	module.metrics.auditAppends.WithLabelValues(normalizeLabel(eventType)).Inc()
	module.stats.auditAppends.Add(1)
}

// RecordAuditVerification stores the outcome of a chain verification.
func RecordAuditVerification(valid bool, brokenAt uint64, checked int) {
	module := CurrentModule()
	if module == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "broken"
	}
	module.metrics.auditVerifications.WithLabelValues(result).Inc()
	module.stats.recordVerification(valid, brokenAt, checked)
}

// RecordSignalingConnection adjusts the websocket connection gauge of a peer role.
func RecordSignalingConnection(role string, delta int64) {
	module := CurrentModule()
	if module == nil || delta == 0 {
		return
	}
	role = normalizeLabel(role)
	module.metrics.signalingConnections.WithLabelValues(role).Add(float64(delta))
	module.stats.adjustConnections(role, delta)
}

// RecordSignalingMessage counts an inbound or outbound signaling message.
func RecordSignalingMessage(direction, messageType string) {
	module := CurrentModule()
	if module == nil {
		return
	}
	module.metrics.signalingMessages.WithLabelValues(normalizeLabel(direction), normalizeLabel(messageType)).Inc()
}

// RecordSignalingFailure snapshots a signaling delivery failure.
func RecordSignalingFailure(role, failureType, message string) {
	module := CurrentModule()
	if module == nil {
		return
	}
	role = normalizeLabel(role)
	failureType = normalizeLabel(failureType)
	module.metrics.signalingFailures.WithLabelValues(role, failureType).Inc()
	module.stats.recordSignalingFailure(FailureRecord{
		Role:     role,
		Type:     failureType,
		Message:  strings.TrimSpace(message),
		Occurred: time.Now(),
	})
}

// RecordMaintenanceRun records the completion of a maintenance job.
func RecordMaintenanceRun(job, result, message string, duration time.Duration) {
	module := CurrentModule()
	if module == nil {
		return
	}
	jobID := normalizeLabel(job)
	result = normalizeLabel(result)
	module.metrics.maintenanceRuns.WithLabelValues(jobID, result).Inc()
	observeDuration(module.metrics.maintenanceDuration.WithLabelValues(jobID), duration)
	if result == "success" {
		module.metrics.maintenanceLastRun.WithLabelValues(jobID).Set(float64(time.Now().Unix()))
	}
	module.stats.maintenanceEntry(jobID).record(result, strings.TrimSpace(message), duration)
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}

func sanitizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "/" {
		return "root"
	}
	path = strings.Trim(path, "/")
	return strings.ReplaceAll(path, " ", "_")
}
