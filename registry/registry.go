// Package registry holds the authoritative record of every agent known
// to the control plane: identity, capabilities, lifecycle state, health
// and load. Other components only ever see snapshots.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ymera-io/ymera/core"
	"github.com/ymera-io/ymera/eventbus"
)

// allowedTransitions is the lifecycle table. A transition is legal when
// the destination appears in the source's set. Same-state transitions
// are a no-op and always allowed.
var allowedTransitions = map[core.AgentState][]core.AgentState{
	core.StateInitializing: {core.StateActive, core.StateDeactivated},
	core.StateActive:       {core.StateBusy, core.StateIdle, core.StateDegraded, core.StateSuspended, core.StateFrozen, core.StateIsolated, core.StateDeactivated},
	core.StateIdle:         {core.StateActive, core.StateBusy, core.StateDegraded, core.StateSuspended, core.StateFrozen, core.StateIsolated, core.StateDeactivated},
	core.StateBusy:         {core.StateActive, core.StateIdle, core.StateDegraded, core.StateSuspended, core.StateFrozen, core.StateIsolated, core.StateDeactivated},
	core.StateDegraded:     {core.StateActive, core.StateIsolated, core.StateDeactivated},
	core.StateSuspended:    {core.StateActive, core.StateDeactivated},
	core.StateFrozen:       {core.StateActive, core.StateDeactivated},
	core.StateIsolated:     {core.StateActive, core.StateDeactivated},
	core.StateDeactivated:  {core.StateDeleted},
	core.StateDeleted:      {},
}

// Mirror receives best-effort copies of registry state for external
// observation. Failures are logged, never propagated.
type Mirror interface {
	Upsert(ctx context.Context, agent *core.AgentInfo) error
	Remove(ctx context.Context, agentID string, capabilities []string) error
}

// Config configures the agent registry.
type Config struct {
	// MaxConsecutiveFailures transitions an agent to DEGRADED once
	// reached. Default: 5.
	MaxConsecutiveFailures int

	// HeartbeatTimeout is the staleness bound for the sweeper: an
	// agent whose last heartbeat is strictly older is ISOLATED.
	// Default: 90s.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often the sweeper runs. Default: 15s.
	SweepInterval time.Duration

	// HealthAlpha is the EWMA coefficient for heartbeat health samples.
	// Default: 0.3.
	HealthAlpha float64

	Logger core.Logger
	Clock  core.Clock
	Bus    *eventbus.Bus
	Audit  core.DurableLog
	Mirror Mirror
}

// AgentRegistry is the authoritative agent map plus the derived
// capability index. A single RWMutex guards both so they change
// atomically together.
type AgentRegistry struct {
	config Config
	logger core.Logger
	clock  core.Clock

	mu       sync.RWMutex
	agents   map[string]*core.AgentInfo
	capIndex map[string]map[string]struct{}
}

// New creates an agent registry, applying defaults for unset values.
func New(config *Config) *AgentRegistry {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.HealthAlpha <= 0 || cfg.HealthAlpha > 1 {
		cfg.HealthAlpha = 0.3
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock{}
	}
	if cfg.Audit == nil {
		cfg.Audit = &core.NoOpDurableLog{}
	}

	return &AgentRegistry{
		config:   cfg,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		agents:   make(map[string]*core.AgentInfo),
		capIndex: make(map[string]map[string]struct{}),
	}
}

// Register creates an agent record in INITIALIZING and indexes its
// capabilities. Registration is idempotent by agent ID: re-registering
// an existing agent fails with ErrAlreadyExists unless the existing
// record is DELETED, in which case the id is reusable.
func (r *AgentRegistry) Register(ctx context.Context, agentID, agentType string, capabilities []string, config, metadata map[string]interface{}) (*core.AgentInfo, error) {
	if agentID == "" {
		return nil, fmt.Errorf("registry.Register: agent id is required: %w", core.ErrInvalidRequest)
	}
	if len(capabilities) == 0 {
		return nil, fmt.Errorf("registry.Register [%s]: capabilities cannot be empty: %w", agentID, core.ErrInvalidRequest)
	}

	now := r.clock.Now()
	agent := &core.AgentInfo{
		ID:            agentID,
		Type:          agentType,
		Capabilities:  append([]string(nil), capabilities...),
		State:         core.StateInitializing,
		HealthScore:   1.0,
		LastHeartbeat: now,
		Config:        config,
		Metadata:      metadata,
		RegisteredAt:  now,
	}

	r.mu.Lock()
	if existing, ok := r.agents[agentID]; ok && existing.State != core.StateDeleted {
		snapshot := existing.Clone()
		r.mu.Unlock()
		// Identical re-registration is idempotent: hand back the record.
		if snapshot.State == core.StateInitializing {
			return snapshot, nil
		}
		return nil, fmt.Errorf("registry.Register [%s]: %w", agentID, core.ErrAlreadyExists)
	}
	r.agents[agentID] = agent
	for _, capability := range agent.Capabilities {
		if r.capIndex[capability] == nil {
			r.capIndex[capability] = make(map[string]struct{})
		}
		r.capIndex[capability][agentID] = struct{}{}
	}
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.logger.Info("Agent registered", map[string]interface{}{
		"operation":          "agent_register",
		"agent_id":           agentID,
		"agent_type":         agentType,
		"capabilities_count": len(capabilities),
	})

	r.audit(ctx, "agent.registered", "", agentID, map[string]interface{}{
		"type":         agentType,
		"capabilities": capabilities,
	})
	r.publishState(agentID, "", core.StateInitializing, "registered")
	r.mirror(ctx, snapshot)

	return snapshot, nil
}

// Get returns a snapshot of the agent, or ErrAgentNotFound.
func (r *AgentRegistry) Get(agentID string) (*core.AgentInfo, error) {
	r.mu.RLock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("registry.Get [%s]: %w", agentID, core.ErrAgentNotFound)
	}
	snapshot := agent.Clone()
	r.mu.RUnlock()
	return snapshot, nil
}

// List returns snapshots of every non-deleted agent, ordered by id.
func (r *AgentRegistry) List() []*core.AgentInfo {
	r.mu.RLock()
	agents := make([]*core.AgentInfo, 0, len(r.agents))
	for _, agent := range r.agents {
		if agent.State == core.StateDeleted {
			continue
		}
		agents = append(agents, agent.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Transition moves an agent to a new state after validating against the
// lifecycle table. A same-state transition is a no-op, not an error.
// The DELETED destination is refused here with ErrApprovalRequired; the
// approval-gated path goes through Delete.
func (r *AgentRegistry) Transition(ctx context.Context, agentID string, to core.AgentState, reason, actor string) (core.AgentState, error) {
	if to == core.StateDeleted {
		return "", fmt.Errorf("registry.Transition [%s]: deletion is approval-gated: %w", agentID, core.ErrApprovalRequired)
	}

	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("registry.Transition [%s]: %w", agentID, core.ErrAgentNotFound)
	}

	from := agent.State
	if from == to {
		r.mu.Unlock()
		return to, nil
	}
	if !transitionAllowed(from, to) {
		r.mu.Unlock()
		return "", &core.PlaneError{
			Op: "registry.Transition", Kind: "agent", ID: agentID,
			Message: fmt.Sprintf("cannot move %s -> %s", from, to),
			Err:     core.ErrInvalidTransition,
		}
	}

	agent.State = to
	if to == core.StateActive {
		agent.ConsecutiveFailures = 0
	}
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.logger.Info("Agent state changed", map[string]interface{}{
		"operation": "agent_transition",
		"agent_id":  agentID,
		"from":      string(from),
		"to":        string(to),
		"reason":    reason,
		"actor":     actor,
	})

	r.audit(ctx, "agent.state_changed", actor, agentID, map[string]interface{}{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	r.publishState(agentID, from, to, reason)
	r.mirror(ctx, snapshot)

	return to, nil
}

// Delete is the approval-gated terminal transition. Callers (the agent
// manager) must have verified the two-party approval before calling.
// The agent must be DEACTIVATED; its record stays in the map as DELETED
// so the id remains auditable, but it leaves every capability index.
func (r *AgentRegistry) Delete(ctx context.Context, agentID, reason, actor string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry.Delete [%s]: %w", agentID, core.ErrAgentNotFound)
	}
	from := agent.State
	if from != core.StateDeactivated {
		r.mu.Unlock()
		return &core.PlaneError{
			Op: "registry.Delete", Kind: "agent", ID: agentID,
			Message: fmt.Sprintf("cannot delete agent in state %s", from),
			Err:     core.ErrInvalidTransition,
		}
	}

	agent.State = core.StateDeleted
	capabilities := append([]string(nil), agent.Capabilities...)
	for _, capability := range capabilities {
		delete(r.capIndex[capability], agentID)
		if len(r.capIndex[capability]) == 0 {
			delete(r.capIndex, capability)
		}
	}
	r.mu.Unlock()

	r.logger.Info("Agent deleted", map[string]interface{}{
		"operation": "agent_delete",
		"agent_id":  agentID,
		"reason":    reason,
		"actor":     actor,
	})

	r.audit(ctx, "agent.deleted", actor, agentID, map[string]interface{}{"reason": reason})
	r.publishState(agentID, from, core.StateDeleted, reason)

	if r.config.Mirror != nil {
		if err := r.config.Mirror.Remove(ctx, agentID, capabilities); err != nil {
			r.logger.Warn("Mirror remove failed", map[string]interface{}{
				"operation": "mirror_remove",
				"agent_id":  agentID,
				"error":     err.Error(),
			})
		}
	}

	return nil
}

// Heartbeat records liveness and folds the reported metrics into the
// agent's health score with an EWMA:
//
//	health' = (1-alpha)*health + alpha*sample
//
// where sample = 1 - mean(cpu, memory, error_rate, min(rt_ms/1000, 1)),
// each input clamped to [0,1].
func (r *AgentRegistry) Heartbeat(ctx context.Context, agentID string, metrics core.HeartbeatMetrics) error {
	now := r.clock.Now()

	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry.Heartbeat [%s]: %w", agentID, core.ErrAgentNotFound)
	}

	// last_heartbeat_at advances monotonically.
	if now.After(agent.LastHeartbeat) {
		agent.LastHeartbeat = now
	}

	sample := healthSample(metrics)
	alpha := r.config.HealthAlpha
	agent.HealthScore = (1-alpha)*agent.HealthScore + alpha*sample
	if agent.HealthScore < 0 {
		agent.HealthScore = 0
	}
	if agent.HealthScore > 1 {
		agent.HealthScore = 1
	}
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.logger.Debug("Heartbeat received", map[string]interface{}{
		"operation":    "agent_heartbeat",
		"agent_id":     agentID,
		"health_score": snapshot.HealthScore,
	})

	if r.config.Bus != nil {
		r.config.Bus.Publish(eventbus.TopicAgentPresence, map[string]interface{}{
			"agent_id":     agentID,
			"health_score": snapshot.HealthScore,
			"load":         snapshot.Load,
		})
	}
	r.mirror(ctx, snapshot)

	return nil
}

// healthSample converts heartbeat metrics into one [0,1] health sample.
func healthSample(m core.HeartbeatMetrics) float64 {
	responseTime := m.ResponseTimeMS / 1000
	pressure := (clamp01(m.CPUUsage) + clamp01(m.MemoryUsage) + clamp01(m.ErrorRate) + clamp01(responseTime)) / 4
	return 1 - pressure
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// IncrementLoad atomically bumps the agent's in-flight task count.
func (r *AgentRegistry) IncrementLoad(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("registry.IncrementLoad [%s]: %w", agentID, core.ErrAgentNotFound)
	}
	agent.Load++
	return nil
}

// DecrementLoad atomically drops the in-flight task count. Underflow
// clamps at zero and is logged as an invariant violation.
func (r *AgentRegistry) DecrementLoad(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("registry.DecrementLoad [%s]: %w", agentID, core.ErrAgentNotFound)
	}
	if agent.Load == 0 {
		r.logger.Error("Load underflow clamped", map[string]interface{}{
			"operation": "load_underflow",
			"agent_id":  agentID,
		})
		return nil
	}
	agent.Load--
	return nil
}

// RecordFailure increments both failure counters. Reaching the
// consecutive-failure limit moves a schedulable agent to DEGRADED.
func (r *AgentRegistry) RecordFailure(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry.RecordFailure [%s]: %w", agentID, core.ErrAgentNotFound)
	}

	agent.FailureCount++
	agent.ConsecutiveFailures++
	degraded := agent.ConsecutiveFailures >= r.config.MaxConsecutiveFailures &&
		transitionAllowed(agent.State, core.StateDegraded)
	r.mu.Unlock()

	if degraded {
		_, err := r.Transition(ctx, agentID, core.StateDegraded, "max consecutive failures reached", "registry")
		return err
	}
	return nil
}

// RecordSuccess resets the consecutive failure counter. An agent that
// was DEGRADED by failures returns to ACTIVE, so a recovered dependency
// re-enters discovery without operator intervention.
func (r *AgentRegistry) RecordSuccess(ctx context.Context, agentID string) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	agent.ConsecutiveFailures = 0
	recovered := agent.State == core.StateDegraded
	r.mu.Unlock()

	if recovered {
		if _, err := r.Transition(ctx, agentID, core.StateActive, "successful execution after degradation", "registry"); err != nil {
			r.logger.Warn("Recovery transition failed", map[string]interface{}{
				"operation": "record_success",
				"agent_id":  agentID,
				"error":     err.Error(),
			})
		}
	}
}

// FindByCapability returns snapshots of agents advertising the
// capability with health >= minHealth, excluding the given states.
// Results are ordered by id for deterministic iteration.
func (r *AgentRegistry) FindByCapability(capability string, minHealth float64, excludeStates ...core.AgentState) []*core.AgentInfo {
	excluded := make(map[core.AgentState]struct{}, len(excludeStates))
	for _, s := range excludeStates {
		excluded[s] = struct{}{}
	}

	r.mu.RLock()
	ids := r.capIndex[capability]
	matches := make([]*core.AgentInfo, 0, len(ids))
	for id := range ids {
		agent := r.agents[id]
		if agent == nil || agent.HealthScore < minHealth {
			continue
		}
		if _, skip := excluded[agent.State]; skip {
			continue
		}
		matches = append(matches, agent.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches
}

// CapabilityAgentCount returns the index cardinality for one capability.
func (r *AgentRegistry) CapabilityAgentCount(capability string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.capIndex[capability])
}

// Sweep isolates every schedulable-or-busy agent whose last heartbeat
// is strictly older than the heartbeat timeout. It returns the ids it
// isolated.
func (r *AgentRegistry) Sweep(ctx context.Context) []string {
	cutoff := r.clock.Now().Add(-r.config.HeartbeatTimeout)

	r.mu.RLock()
	var stale []string
	for id, agent := range r.agents {
		switch agent.State {
		case core.StateActive, core.StateIdle, core.StateBusy:
			if agent.LastHeartbeat.Before(cutoff) {
				stale = append(stale, id)
			}
		}
	}
	r.mu.RUnlock()

	sort.Strings(stale)
	for _, id := range stale {
		if _, err := r.Transition(ctx, id, core.StateIsolated, "heartbeat timeout", "sweeper"); err != nil {
			r.logger.Warn("Sweep transition failed", map[string]interface{}{
				"operation": "sweep",
				"agent_id":  id,
				"error":     err.Error(),
			})
		}
	}
	return stale
}

// RunSweeper runs Sweep on the configured interval until ctx ends.
// The interval is timed through the registry clock so tests drive it
// deterministically.
func (r *AgentRegistry) RunSweeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.config.SweepInterval):
			r.Sweep(ctx)
		}
	}
}

func transitionAllowed(from, to core.AgentState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (r *AgentRegistry) audit(ctx context.Context, eventType, actor, target string, details map[string]interface{}) {
	body := map[string]interface{}{
		"event_type": eventType,
		"actor":      actor,
		"target":     target,
		"details":    details,
		"ts":         r.clock.Now().UTC(),
	}
	if err := r.config.Audit.Append(ctx, eventType, body); err != nil {
		r.logger.Warn("Audit append failed", map[string]interface{}{
			"operation":  "audit_append",
			"event_type": eventType,
			"error":      err.Error(),
		})
	}
}

func (r *AgentRegistry) publishState(agentID string, from, to core.AgentState, reason string) {
	if r.config.Bus == nil {
		return
	}
	r.config.Bus.Publish(eventbus.TopicAgentStateChanged, map[string]interface{}{
		"agent_id": agentID,
		"from":     string(from),
		"to":       string(to),
		"reason":   reason,
	})
}

func (r *AgentRegistry) mirror(ctx context.Context, agent *core.AgentInfo) {
	if r.config.Mirror == nil {
		return
	}
	if err := r.config.Mirror.Upsert(ctx, agent); err != nil {
		r.logger.Warn("Mirror upsert failed", map[string]interface{}{
			"operation": "mirror_upsert",
			"agent_id":  agent.ID,
			"error":     err.Error(),
		})
	}
}
