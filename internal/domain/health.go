package domain

import "time"

// HealthStatus summarises the state of a dependency or of the whole system.
type HealthStatus string

const (
	// HealthStatusOK indicates the component is fully operational.
	HealthStatusOK HealthStatus = "ok"
	// HealthStatusDegraded indicates partial availability.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusError indicates the component is unavailable.
	HealthStatusError HealthStatus = "error"
)

// SystemHealthCheck captures one dependency probe result.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes for readiness reporting.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}
