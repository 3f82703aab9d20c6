// Package manager is the front door for agent-originated and
// admin-originated traffic: lifecycle commands, periodic self-reports
// with threat detection, two-party approval for destructive actions,
// and directed task assignment.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ymera-io/ymera/core"
	"github.com/ymera-io/ymera/eventbus"
	"github.com/ymera-io/ymera/knowledge"
	"github.com/ymera-io/ymera/orchestration"
	"github.com/ymera-io/ymera/registry"
)

// Config configures the agent manager.
type Config struct {
	// ApprovalTTL bounds how long a pending approval stays valid.
	// Default: 15m.
	ApprovalTTL time.Duration

	// Rules is the threat rule set. Nil uses DefaultThreatRules.
	Rules []ThreatRule

	// DisableAutoIsolate keeps agents in place on critical threats.
	// The default isolates them.
	DisableAutoIsolate bool

	Logger core.Logger
	Clock  core.Clock
	Audit  core.DurableLog
	Bus    *eventbus.Bus
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		ApprovalTTL: 15 * time.Minute,
		Rules:       DefaultThreatRules(),
	}
}

// ReportOutcome is the manager's response to one agent self-report.
type ReportOutcome struct {
	Threats    []Threat `json:"threats,omitempty"`
	Directives []string `json:"directives"`
}

// AgentManager coordinates the registry, the orchestrator, and the
// knowledge store on behalf of agents and administrators.
type AgentManager struct {
	config    Config
	registry  *registry.AgentRegistry
	orch      *orchestration.Orchestrator
	knowledge *knowledge.Store

	logger   core.Logger
	clock    core.Clock
	auditLog core.DurableLog
	bus      *eventbus.Bus

	mu        sync.Mutex
	approvals map[string]*Approval
}

// New creates an agent manager. The knowledge store is optional;
// without one, report outcomes are not published for learning.
func New(reg *registry.AgentRegistry, orch *orchestration.Orchestrator, store *knowledge.Store, config *Config) *AgentManager {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 15 * time.Minute
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultThreatRules()
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

	return &AgentManager{
		config:    cfg,
		registry:  reg,
		orch:      orch,
		knowledge: store,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		auditLog:  cfg.Audit,
		bus:       cfg.Bus,
		approvals: make(map[string]*Approval),
	}
}

// RegisterAgent creates the agent record in the registry.
func (m *AgentManager) RegisterAgent(ctx context.Context, agentID, agentType string, capabilities []string, config, metadata map[string]interface{}) (*core.AgentInfo, error) {
	return m.registry.Register(ctx, agentID, agentType, capabilities, config, metadata)
}

// Activate moves an agent to ACTIVE.
func (m *AgentManager) Activate(ctx context.Context, agentID, reason, actor string) (core.AgentState, error) {
	return m.registry.Transition(ctx, agentID, core.StateActive, reason, actor)
}

// Deactivate moves an agent to DEACTIVATED, removing it from scheduling.
func (m *AgentManager) Deactivate(ctx context.Context, agentID, reason, actor string) (core.AgentState, error) {
	return m.registry.Transition(ctx, agentID, core.StateDeactivated, reason, actor)
}

// Suspend moves an agent to SUSPENDED.
func (m *AgentManager) Suspend(ctx context.Context, agentID, reason, actor string) (core.AgentState, error) {
	return m.registry.Transition(ctx, agentID, core.StateSuspended, reason, actor)
}

// Freeze moves an agent to FROZEN.
func (m *AgentManager) Freeze(ctx context.Context, agentID, reason, actor string) (core.AgentState, error) {
	return m.registry.Transition(ctx, agentID, core.StateFrozen, reason, actor)
}

// Isolate moves an agent to ISOLATED.
func (m *AgentManager) Isolate(ctx context.Context, agentID, reason, actor string) (core.AgentState, error) {
	return m.registry.Transition(ctx, agentID, core.StateIsolated, reason, actor)
}

// DeleteAgent is the single-call deletion entry point. Without a valid
// pending approval matching the token it fails with ErrApprovalRequired;
// callers then go through RequestDelete and Approve.
func (m *AgentManager) DeleteAgent(ctx context.Context, agentID, reason, actor, approvalToken string) error {
	if approvalToken == "" {
		return fmt.Errorf("manager.DeleteAgent [%s]: two-party approval needed: %w", agentID, core.ErrApprovalRequired)
	}

	hash := hashToken(approvalToken)
	m.mu.Lock()
	var match *Approval
	for _, approval := range m.approvals {
		if approval.Action == actionDeleteAgent && approval.TargetID == agentID && approval.tokenHash == hash {
			match = approval
			break
		}
	}
	m.mu.Unlock()
	if match == nil {
		return fmt.Errorf("manager.DeleteAgent [%s]: no matching approval: %w", agentID, core.ErrApprovalRequired)
	}
	return m.Approve(ctx, match.ApprovalID, actor, approvalToken)
}

// ReceiveReport ingests one agent self-report: it folds the metrics
// into the registry health score, runs threat detection, publishes the
// outcome to the knowledge store for learning, and isolates the agent
// when a critical threat fires.
func (m *AgentManager) ReceiveReport(ctx context.Context, report *core.AgentReport) (*ReportOutcome, error) {
	if report == nil || report.AgentID == "" {
		return nil, fmt.Errorf("manager.ReceiveReport: agent_id is required: %w", core.ErrInvalidRequest)
	}

	// Report metrics use percentages; the heartbeat path wants ratios.
	hb := core.HeartbeatMetrics{
		CPUUsage:       report.Metrics["cpu_usage"] / 100,
		MemoryUsage:    report.Metrics["memory_usage"] / 100,
		ErrorRate:      report.Metrics["error_rate"],
		ResponseTimeMS: report.Metrics["response_time_ms"],
	}
	if err := m.registry.Heartbeat(ctx, report.AgentID, hb); err != nil {
		return nil, err
	}

	threats := evaluate(m.config.Rules, report.Metrics)
	outcome := &ReportOutcome{Threats: threats}

	severity := maxSeverity(threats)
	switch severity {
	case SeverityCritical:
		outcome.Directives = append(outcome.Directives, "isolate")
	case SeverityHigh:
		outcome.Directives = append(outcome.Directives, "throttle")
	default:
		outcome.Directives = append(outcome.Directives, "continue")
	}

	if len(threats) > 0 {
		m.logger.Warn("Threats detected in agent report", map[string]interface{}{
			"operation": "receive_report",
			"agent_id":  report.AgentID,
			"threats":   len(threats),
			"severity":  string(severity),
		})
		m.publishThreats(ctx, report, threats)
		if m.bus != nil {
			m.bus.Publish(eventbus.TopicThreatDetected, map[string]interface{}{
				"agent_id": report.AgentID,
				"threats":  threatNames(threats),
				"severity": string(severity),
			})
		}
		m.audit(ctx, "agent.threat_detected", report.AgentID, report.AgentID, map[string]interface{}{
			"threats":  threatNames(threats),
			"severity": string(severity),
		})
	}

	if severity == SeverityCritical && !m.config.DisableAutoIsolate {
		if _, err := m.registry.Transition(ctx, report.AgentID, core.StateIsolated,
			"critical threat: "+strings.Join(threatNames(threats), ", "), "manager"); err != nil {
			m.logger.Error("Auto-isolation failed", map[string]interface{}{
				"operation": "receive_report",
				"agent_id":  report.AgentID,
				"error":     err.Error(),
			})
		}
	}

	return outcome, nil
}

// publishThreats stores the detection outcome as a knowledge entry so
// other components can learn from it.
func (m *AgentManager) publishThreats(ctx context.Context, report *core.AgentReport, threats []Threat) {
	if m.knowledge == nil {
		return
	}
	lines := make([]string, 0, len(threats))
	for _, t := range threats {
		lines = append(lines, fmt.Sprintf("%s (%s): %s", t.Rule, t.Severity, t.Description))
	}
	content := fmt.Sprintf("agent %s: %s", report.AgentID, strings.Join(lines, "; "))
	metadata := map[string]interface{}{
		"severity": string(maxSeverity(threats)),
	}
	if _, err := m.knowledge.StoreEntry(ctx, content, "threat", report.AgentID, threatNames(threats), metadata); err != nil {
		m.logger.Warn("Threat knowledge publish failed", map[string]interface{}{
			"operation": "receive_report",
			"agent_id":  report.AgentID,
			"error":     err.Error(),
		})
	}
}

// AssignTask submits an admin-directed task pinned to one agent. It
// bypasses discovery but travels the normal orchestrator path, so the
// agent's breaker, load accounting, and retry policy still apply.
func (m *AgentManager) AssignTask(ctx context.Context, agentID, taskType string, payload map[string]interface{}, priority core.TaskPriority, deadline time.Time) (string, error) {
	agent, err := m.registry.Get(agentID)
	if err != nil {
		return "", err
	}
	if !agent.State.Schedulable() {
		return "", fmt.Errorf("manager.AssignTask [%s]: agent in state %s: %w",
			agentID, agent.State, core.ErrNoAgentAvailable)
	}

	req := &core.TaskRequest{
		TaskType:      taskType,
		Capability:    taskType,
		Payload:       payload,
		Priority:      priority,
		TargetAgentID: agentID,
		RequesterID:   "manager",
	}
	if !deadline.IsZero() {
		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			return "", fmt.Errorf("manager.AssignTask [%s]: deadline already passed: %w", agentID, core.ErrInvalidRequest)
		}
		req.Timeout = remaining
	}
	return m.orch.Submit(ctx, req)
}

// TaskResult blocks until an assigned task reaches a terminal status
// or ctx expires.
func (m *AgentManager) TaskResult(ctx context.Context, taskID string) (*core.TaskResult, error) {
	return m.orch.Wait(ctx, taskID)
}

// Agent returns a snapshot of one agent record.
func (m *AgentManager) Agent(agentID string) (*core.AgentInfo, error) {
	return m.registry.Get(agentID)
}

// Agents returns snapshots of every non-deleted agent, ordered by id.
func (m *AgentManager) Agents() []*core.AgentInfo {
	return m.registry.List()
}

func threatNames(threats []Threat) []string {
	names := make([]string, 0, len(threats))
	for _, t := range threats {
		names = append(names, t.Rule)
	}
	return names
}

func (m *AgentManager) audit(ctx context.Context, eventType, actor, target string, details map[string]interface{}) {
	body := map[string]interface{}{
		"actor":  actor,
		"target": target,
	}
	for k, v := range details {
		body[k] = v
	}
	if err := m.auditLog.Append(ctx, eventType, body); err != nil {
		m.logger.Warn("Audit append failed", map[string]interface{}{
			"operation": "audit",
			"event":     eventType,
			"error":     err.Error(),
		})
	}
}
