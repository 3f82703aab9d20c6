package core

import "time"

// AgentState is the lifecycle state of a registered agent.
type AgentState string

const (
	StateInitializing AgentState = "INITIALIZING"
	StateActive       AgentState = "ACTIVE"
	StateBusy         AgentState = "BUSY"
	StateIdle         AgentState = "IDLE"
	StateDegraded     AgentState = "DEGRADED"
	StateSuspended    AgentState = "SUSPENDED"
	StateFrozen       AgentState = "FROZEN"
	StateIsolated     AgentState = "ISOLATED"
	StateDeactivated  AgentState = "DEACTIVATED"
	StateDeleted      AgentState = "DELETED"
)

// Terminal reports whether the state admits no further transitions.
func (s AgentState) Terminal() bool {
	return s == StateDeleted
}

// Schedulable reports whether an agent in this state may receive tasks.
func (s AgentState) Schedulable() bool {
	return s == StateActive || s == StateIdle
}

// AgentInfo is the authoritative record for one agent.
// The registry owns the record; every method that hands one out returns
// a copy so callers only ever hold read-only snapshots.
type AgentInfo struct {
	ID                  string                 `json:"id"`
	Type                string                 `json:"type"`
	Capabilities        []string               `json:"capabilities"`
	State               AgentState             `json:"state"`
	HealthScore         float64                `json:"health_score"`
	Load                int                    `json:"load"`
	LastHeartbeat       time.Time              `json:"last_heartbeat"`
	Config              map[string]interface{} `json:"config,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	FailureCount        int                    `json:"failure_count"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	RegisteredAt        time.Time              `json:"registered_at"`
}

// Clone returns a deep-enough copy for snapshot semantics.
// Capability slices are copied; config and metadata maps are shallow-copied
// since callers treat them as opaque read-only values.
func (a *AgentInfo) Clone() *AgentInfo {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Config != nil {
		cp.Config = make(map[string]interface{}, len(a.Config))
		for k, v := range a.Config {
			cp.Config[k] = v
		}
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// HasCapability reports whether the agent advertises the capability.
func (a *AgentInfo) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HeartbeatMetrics are the load signals an agent reports on each heartbeat.
// All ratios are in [0,1]; ResponseTimeMS is an absolute latency sample.
type HeartbeatMetrics struct {
	CPUUsage       float64 `json:"cpu_usage"`
	MemoryUsage    float64 `json:"memory_usage"`
	ErrorRate      float64 `json:"error_rate"`
	ResponseTimeMS float64 `json:"response_time_ms"`
}

// AgentReport is the periodic self-report an agent sends through the manager.
type AgentReport struct {
	AgentID string                 `json:"agent_id"`
	Metrics map[string]float64     `json:"metrics"`
	Issues  []string               `json:"issues,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
