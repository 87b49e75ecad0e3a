package mesh

// AgentHealth represents the health state of a registered agent.
type AgentHealth string

const (
	// HealthHealthy indicates the agent answered its last probe normally.
	HealthHealthy AgentHealth = "healthy"
	// HealthDegraded indicates the agent is reachable but answered a probe
	// with an unexpected status.
	HealthDegraded AgentHealth = "degraded"
	// HealthUnhealthy indicates the agent could not be reached.
	HealthUnhealthy AgentHealth = "unhealthy"
	// HealthUnknown indicates no probe result is available yet.
	HealthUnknown AgentHealth = "unknown"
)

func (h AgentHealth) String() string { return string(h) }

// Valid reports whether h is one of the defined health states.
func (h AgentHealth) Valid() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthUnhealthy, HealthUnknown:
		return true
	}
	return false
}
