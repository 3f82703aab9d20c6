package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymera-io/ymera/core"
)

func newTestRegistry(t *testing.T) (*AgentRegistry, *core.FakeClock) {
	t.Helper()
	clock := core.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(&Config{
		Clock:            clock,
		HeartbeatTimeout: 90 * time.Second,
	}), clock
}

func registerActive(t *testing.T, r *AgentRegistry, id string, capabilities ...string) {
	t.Helper()
	if len(capabilities) == 0 {
		capabilities = []string{"summarize"}
	}
	_, err := r.Register(context.Background(), id, "worker", capabilities, nil, nil)
	require.NoError(t, err)
	_, err = r.Transition(context.Background(), id, core.StateActive, "ready", "test")
	require.NoError(t, err)
}

func TestRegisterIsIdempotentByID(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, "a1", "worker", []string{"summarize", "translate"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StateInitializing, first.State)
	assert.Equal(t, 1.0, first.HealthScore)

	// Registering again while still INITIALIZING returns the same snapshot.
	second, err := r.Register(ctx, "a1", "worker", []string{"summarize", "translate"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.State, second.State)

	// One capability index entry per capability, not two.
	assert.Equal(t, 1, r.CapabilityAgentCount("summarize"))
	assert.Equal(t, 1, r.CapabilityAgentCount("translate"))
}

func TestRegisterConflictsOnceActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerActive(t, r, "a1")

	_, err := r.Register(context.Background(), "a1", "worker", []string{"summarize"}, nil, nil)
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
}

func TestRegisterRequiresCapabilities(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(context.Background(), "a1", "worker", nil, nil, nil)
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestRegisterOverDeletedAgentIsAllowed(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	registerActive(t, r, "a1")

	_, err := r.Transition(ctx, "a1", core.StateDeactivated, "retiring", "admin1")
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "a1", "approved", "admin2"))

	_, err = r.Register(ctx, "a1", "worker", []string{"summarize"}, nil, nil)
	assert.NoError(t, err)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to core.AgentState
		ok       bool
	}{
		{core.StateInitializing, core.StateActive, true},
		{core.StateInitializing, core.StateDeactivated, true},
		{core.StateInitializing, core.StateSuspended, false},
		{core.StateActive, core.StateDegraded, true},
		{core.StateActive, core.StateSuspended, true},
		{core.StateActive, core.StateFrozen, true},
		{core.StateActive, core.StateIsolated, true},
		{core.StateDegraded, core.StateActive, true},
		{core.StateDegraded, core.StateSuspended, false},
		{core.StateSuspended, core.StateActive, true},
		{core.StateSuspended, core.StateFrozen, false},
		{core.StateFrozen, core.StateActive, true},
		{core.StateIsolated, core.StateActive, true},
		{core.StateIsolated, core.StateFrozen, false},
		{core.StateDeactivated, core.StateActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, transitionAllowed(tt.from, tt.to))
		})
	}
}

func TestTransitionSameStateIsNoOp(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerActive(t, r, "a1")

	state, err := r.Transition(context.Background(), "a1", core.StateActive, "redundant", "test")
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, state)
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Register(ctx, "a1", "worker", []string{"summarize"}, nil, nil)
	require.NoError(t, err)

	_, err = r.Transition(ctx, "a1", core.StateSuspended, "nope", "test")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestTransitionToDeletedRequiresApproval(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerActive(t, r, "a1")

	_, err := r.Transition(context.Background(), "a1", core.StateDeleted, "direct", "admin1")
	assert.ErrorIs(t, err, core.ErrApprovalRequired)
}

func TestDeleteRemovesFromEveryCapabilityIndex(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	registerActive(t, r, "a1", "summarize", "translate")

	_, err := r.Transition(ctx, "a1", core.StateDeactivated, "retiring", "admin1")
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "a1", "approved", "admin2"))

	assert.Zero(t, r.CapabilityAgentCount("summarize"))
	assert.Zero(t, r.CapabilityAgentCount("translate"))

	snapshot, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, core.StateDeleted, snapshot.State)
}

func TestDeleteRequiresDeactivatedSource(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerActive(t, r, "a1")

	err := r.Delete(context.Background(), "a1", "reason", "admin2")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestHeartbeatAdvancesMonotonicallyAndUpdatesHealth(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	registerActive(t, r, "a1")

	clock.Advance(10 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "a1", core.HeartbeatMetrics{
		CPUUsage: 0.4, MemoryUsage: 0.4, ErrorRate: 0, ResponseTimeMS: 0,
	}))

	agent, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), agent.LastHeartbeat)

	// sample = 1 - (0.4+0.4+0+0)/4 = 0.8; health = 0.7*1.0 + 0.3*0.8 = 0.94
	assert.InDelta(t, 0.94, agent.HealthScore, 1e-9)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Heartbeat(context.Background(), "ghost", core.HeartbeatMetrics{})
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestLoadCounters(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerActive(t, r, "a1")

	require.NoError(t, r.IncrementLoad("a1"))
	require.NoError(t, r.IncrementLoad("a1"))
	agent, _ := r.Get("a1")
	assert.Equal(t, 2, agent.Load)

	require.NoError(t, r.DecrementLoad("a1"))
	require.NoError(t, r.DecrementLoad("a1"))

	// Underflow clamps at zero.
	require.NoError(t, r.DecrementLoad("a1"))
	agent, _ = r.Get("a1")
	assert.Equal(t, 0, agent.Load)
}

func TestRecordFailureDegradesAfterLimit(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	registerActive(t, r, "a1")

	for i := 0; i < 4; i++ {
		require.NoError(t, r.RecordFailure(ctx, "a1"))
	}
	agent, _ := r.Get("a1")
	assert.Equal(t, core.StateActive, agent.State)

	require.NoError(t, r.RecordFailure(ctx, "a1"))
	agent, _ = r.Get("a1")
	assert.Equal(t, core.StateDegraded, agent.State)
	assert.Equal(t, 5, agent.FailureCount)
}

func TestRecordSuccessResetsConsecutiveFailures(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	registerActive(t, r, "a1")

	for i := 0; i < 4; i++ {
		require.NoError(t, r.RecordFailure(ctx, "a1"))
	}
	r.RecordSuccess(ctx, "a1")
	require.NoError(t, r.RecordFailure(ctx, "a1"))

	agent, _ := r.Get("a1")
	assert.Equal(t, core.StateActive, agent.State)
	assert.Equal(t, 5, agent.FailureCount)
	assert.Equal(t, 1, agent.ConsecutiveFailures)
}

func TestRecordSuccessRestoresDegradedAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	registerActive(t, r, "a1")

	for i := 0; i < 5; i++ {
		require.NoError(t, r.RecordFailure(ctx, "a1"))
	}
	agent, _ := r.Get("a1")
	require.Equal(t, core.StateDegraded, agent.State)

	r.RecordSuccess(ctx, "a1")
	agent, _ = r.Get("a1")
	assert.Equal(t, core.StateActive, agent.State)
	assert.Equal(t, 0, agent.ConsecutiveFailures)

	// Suspended agents are operator business; success does not touch them.
	_, err := r.Transition(ctx, "a1", core.StateSuspended, "audit", "admin")
	require.NoError(t, err)
	r.RecordSuccess(ctx, "a1")
	agent, _ = r.Get("a1")
	assert.Equal(t, core.StateSuspended, agent.State)
}

func TestSweepIsolatesOnlyStrictlyStaleAgents(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	registerActive(t, r, "exact")
	registerActive(t, r, "stale")
	registerActive(t, r, "fresh")

	// Set distinct heartbeat ages, then advance exactly to the boundary.
	clock.Advance(90 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "fresh", core.HeartbeatMetrics{}))

	// "exact" and "stale" last beat 90s ago: skew == timeout is not isolated.
	isolated := r.Sweep(ctx)
	assert.Empty(t, isolated)

	// One more second pushes them past the timeout.
	clock.Advance(time.Second)
	isolated = r.Sweep(ctx)
	assert.Equal(t, []string{"exact", "stale"}, isolated)

	agent, _ := r.Get("fresh")
	assert.Equal(t, core.StateActive, agent.State)
	agent, _ = r.Get("stale")
	assert.Equal(t, core.StateIsolated, agent.State)
}

func TestRunSweeperUsesInjectedClock(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerActive(t, r, "stale")

	go r.RunSweeper(ctx)

	// Age the heartbeat past the timeout, then drive sweep intervals.
	// No wall-clock waiting: the loop times itself through the fake.
	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		clock.Advance(15 * time.Second)
		agent, err := r.Get("stale")
		return err == nil && agent.State == core.StateIsolated
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFindByCapabilityFilters(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	registerActive(t, r, "healthy")
	registerActive(t, r, "suspended")
	_, err := r.Transition(ctx, "suspended", core.StateSuspended, "test", "test")
	require.NoError(t, err)

	matches := r.FindByCapability("summarize", 0.5, core.StateSuspended)
	require.Len(t, matches, 1)
	assert.Equal(t, "healthy", matches[0].ID)
}
