package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymera-io/ymera/core"
	"github.com/ymera-io/ymera/knowledge"
	"github.com/ymera-io/ymera/orchestration"
	"github.com/ymera-io/ymera/registry"
)

type testManager struct {
	registry *registry.AgentRegistry
	adapter  *orchestration.InProcessAdapter
	store    *knowledge.Store
	manager  *AgentManager
}

func newTestManager(t *testing.T, config *Config) *testManager {
	t.Helper()
	reg := registry.New(nil)
	disc := registry.NewDiscovery(reg, nil)
	adapter := orchestration.NewInProcessAdapter()
	orch := orchestration.New(reg, disc, adapter, &orchestration.Config{WorkerCount: 2})
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Stop(ctx)
	})

	store := knowledge.NewStore(nil)
	return &testManager{
		registry: reg,
		adapter:  adapter,
		store:    store,
		manager:  New(reg, orch, store, config),
	}
}

func (tm *testManager) activateAgent(t *testing.T, id string, caps ...string) {
	t.Helper()
	if len(caps) == 0 {
		caps = []string{"analyze"}
	}
	ctx := context.Background()
	_, err := tm.manager.RegisterAgent(ctx, id, "worker", caps, nil, nil)
	require.NoError(t, err)
	_, err = tm.manager.Activate(ctx, id, "test", "test")
	require.NoError(t, err)
}

func TestLifecycleDelegation(t *testing.T) {
	tm := newTestManager(t, nil)
	ctx := context.Background()
	tm.activateAgent(t, "a1")

	state, err := tm.manager.Suspend(ctx, "a1", "maintenance", "admin1")
	require.NoError(t, err)
	assert.Equal(t, core.StateSuspended, state)

	state, err = tm.manager.Activate(ctx, "a1", "done", "admin1")
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, state)

	state, err = tm.manager.Freeze(ctx, "a1", "incident", "admin1")
	require.NoError(t, err)
	assert.Equal(t, core.StateFrozen, state)

	// FROZEN cannot go straight to SUSPENDED.
	_, err = tm.manager.Suspend(ctx, "a1", "x", "admin1")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = tm.manager.Isolate(ctx, "missing", "x", "admin1")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestApprovalGatedDelete(t *testing.T) {
	tm := newTestManager(t, nil)
	ctx := context.Background()
	tm.activateAgent(t, "A1", "summarize")

	// Deletion without a token is refused outright.
	err := tm.manager.DeleteAgent(ctx, "A1", "decommission", "admin1", "")
	assert.ErrorIs(t, err, core.ErrApprovalRequired)

	ticket, err := tm.manager.RequestDelete(ctx, "A1", "decommission", "admin1")
	require.NoError(t, err)
	require.NotEmpty(t, ticket.Token)

	// Wrong token leaves the record pending.
	err = tm.manager.Approve(ctx, ticket.ApprovalID, "admin2", "wrong-token")
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
	assert.Len(t, tm.manager.PendingApprovals(), 1)

	// The requester cannot approve their own request.
	err = tm.manager.Approve(ctx, ticket.ApprovalID, "admin1", ticket.Token)
	assert.ErrorIs(t, err, core.ErrInvalidRequest)

	require.NoError(t, tm.manager.Approve(ctx, ticket.ApprovalID, "admin2", ticket.Token))

	agent, err := tm.registry.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, core.StateDeleted, agent.State)
	assert.Empty(t, tm.registry.FindByCapability("summarize", 0))
	assert.Empty(t, tm.manager.PendingApprovals())

	// The consumed approval cannot run twice.
	err = tm.manager.Approve(ctx, ticket.ApprovalID, "admin2", ticket.Token)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDeleteAgentWithTokenMatchesPending(t *testing.T) {
	tm := newTestManager(t, nil)
	ctx := context.Background()
	tm.activateAgent(t, "A1")

	ticket, err := tm.manager.RequestDelete(ctx, "A1", "decommission", "admin1")
	require.NoError(t, err)

	require.NoError(t, tm.manager.DeleteAgent(ctx, "A1", "decommission", "admin2", ticket.Token))

	agent, err := tm.registry.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, core.StateDeleted, agent.State)
}

func TestApprovalExpires(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(1_700_000_000, 0))
	tm := newTestManager(t, &Config{Logger: &core.NoOpLogger{}, Clock: clock, ApprovalTTL: time.Minute})
	ctx := context.Background()
	tm.activateAgent(t, "A1")

	ticket, err := tm.manager.RequestDelete(ctx, "A1", "decommission", "admin1")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	err = tm.manager.Approve(ctx, ticket.ApprovalID, "admin2", ticket.Token)
	assert.ErrorIs(t, err, core.ErrApprovalRequired)
	assert.Empty(t, tm.manager.PendingApprovals())
}

func TestRequestDeleteValidation(t *testing.T) {
	tm := newTestManager(t, nil)
	ctx := context.Background()

	_, err := tm.manager.RequestDelete(ctx, "", "reason", "admin1")
	assert.ErrorIs(t, err, core.ErrInvalidRequest)

	_, err = tm.manager.RequestDelete(ctx, "missing", "reason", "admin1")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestReceiveReportUpdatesHealth(t *testing.T) {
	tm := newTestManager(t, nil)
	ctx := context.Background()
	tm.activateAgent(t, "a1")

	outcome, err := tm.manager.ReceiveReport(ctx, &core.AgentReport{
		AgentID: "a1",
		Metrics: map[string]float64{"cpu_usage": 40, "memory_usage": 30},
	})
	require.NoError(t, err)
	assert.Empty(t, outcome.Threats)
	assert.Equal(t, []string{"continue"}, outcome.Directives)

	agent, err := tm.registry.Get("a1")
	require.NoError(t, err)
	assert.Less(t, agent.HealthScore, 1.0)
	assert.Greater(t, agent.HealthScore, 0.9)

	_, err = tm.manager.ReceiveReport(ctx, &core.AgentReport{AgentID: "missing"})
	assert.ErrorIs(t, err, core.ErrAgentNotFound)

	_, err = tm.manager.ReceiveReport(ctx, nil)
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestReceiveReportCriticalThreatIsolates(t *testing.T) {
	tm := newTestManager(t, nil)
	ctx := context.Background()
	tm.activateAgent(t, "a1")

	outcome, err := tm.manager.ReceiveReport(ctx, &core.AgentReport{
		AgentID: "a1",
		Metrics: map[string]float64{"failed_auth_attempts": 12},
	})
	require.NoError(t, err)
	require.Len(t, outcome.Threats, 1)
	assert.Equal(t, "auth_probing", outcome.Threats[0].Rule)
	assert.Equal(t, SeverityCritical, outcome.Threats[0].Severity)
	assert.Equal(t, []string{"isolate"}, outcome.Directives)

	agent, err := tm.registry.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, core.StateIsolated, agent.State)

	// The outcome lands in the knowledge store for learning.
	entries := tm.store.Query(core.KnowledgeQuery{Category: "threat"})
	require.Len(t, entries, 1)
	assert.Equal(t, "a1", entries[0].SourceAgentID)
	assert.Contains(t, entries[0].Content, "auth_probing")
}

func TestReceiveReportHighThreatThrottles(t *testing.T) {
	tm := newTestManager(t, nil)
	ctx := context.Background()
	tm.activateAgent(t, "a1")

	outcome, err := tm.manager.ReceiveReport(ctx, &core.AgentReport{
		AgentID: "a1",
		Metrics: map[string]float64{"operations_per_minute": 1500, "api_requests_per_minute": 600},
	})
	require.NoError(t, err)
	assert.Len(t, outcome.Threats, 2)
	assert.Equal(t, []string{"throttle"}, outcome.Directives)

	// High severity does not isolate.
	agent, err := tm.registry.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, agent.State)
}

func TestReceiveReportResourceExhaustionNeedsBoth(t *testing.T) {
	tm := newTestManager(t, nil)
	ctx := context.Background()
	tm.activateAgent(t, "a1")

	outcome, err := tm.manager.ReceiveReport(ctx, &core.AgentReport{
		AgentID: "a1",
		Metrics: map[string]float64{"cpu_usage": 95, "memory_usage": 50},
	})
	require.NoError(t, err)
	assert.Empty(t, outcome.Threats)

	outcome, err = tm.manager.ReceiveReport(ctx, &core.AgentReport{
		AgentID: "a1",
		Metrics: map[string]float64{"cpu_usage": 95, "memory_usage": 95},
	})
	require.NoError(t, err)
	require.Len(t, outcome.Threats, 1)
	assert.Equal(t, "resource_exhaustion", outcome.Threats[0].Rule)
}

func TestAutoIsolateDisabled(t *testing.T) {
	tm := newTestManager(t, &Config{DisableAutoIsolate: true})
	ctx := context.Background()
	tm.activateAgent(t, "a1")

	outcome, err := tm.manager.ReceiveReport(ctx, &core.AgentReport{
		AgentID: "a1",
		Metrics: map[string]float64{"outbound_data_mb": 500},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"isolate"}, outcome.Directives, "directive still issued")

	agent, err := tm.registry.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, agent.State)
}

func TestAssignTaskRunsOnPinnedAgent(t *testing.T) {
	tm := newTestManager(t, nil)
	ctx := context.Background()
	tm.activateAgent(t, "preferred", "analyze")
	tm.activateAgent(t, "other", "analyze")

	var served string
	tm.adapter.Register("analyze", func(ctx context.Context, agentID string, payload map[string]interface{}) (map[string]interface{}, error) {
		served = agentID
		return map[string]interface{}{"ok": true}, nil
	})

	taskID, err := tm.manager.AssignTask(ctx, "preferred", "analyze", map[string]interface{}{"doc": "x"}, core.PriorityHigh, time.Time{})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := tm.manager.TaskResult(waitCtx, taskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "preferred", result.AgentID)
	assert.Equal(t, "preferred", served)
}

func TestAssignTaskRejectsUnschedulableAgent(t *testing.T) {
	tm := newTestManager(t, nil)
	ctx := context.Background()
	tm.activateAgent(t, "a1")
	_, err := tm.manager.Suspend(ctx, "a1", "maintenance", "admin1")
	require.NoError(t, err)

	_, err = tm.manager.AssignTask(ctx, "a1", "analyze", nil, core.PriorityNormal, time.Time{})
	assert.ErrorIs(t, err, core.ErrNoAgentAvailable)

	_, err = tm.manager.AssignTask(ctx, "missing", "analyze", nil, core.PriorityNormal, time.Time{})
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestAssignTaskDeadline(t *testing.T) {
	tm := newTestManager(t, nil)
	ctx := context.Background()
	tm.activateAgent(t, "a1")

	_, err := tm.manager.AssignTask(ctx, "a1", "analyze", nil, core.PriorityNormal, time.Now().Add(-time.Minute))
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}
