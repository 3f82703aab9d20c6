package ymera

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymera-io/ymera/core"
	"github.com/ymera-io/ymera/eventbus"
	"github.com/ymera-io/ymera/orchestration"
)

func newTestPlane(t *testing.T) (*ControlPlane, *orchestration.InProcessAdapter) {
	t.Helper()
	adapter := orchestration.NewInProcessAdapter()
	plane := New(adapter, &Config{
		Orchestrator: &orchestration.Config{WorkerCount: 4},
	})
	require.NoError(t, plane.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		plane.Stop(ctx)
	})
	return plane, adapter
}

func activate(t *testing.T, plane *ControlPlane, id string, caps ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := plane.RegisterAgent(ctx, id, "worker", caps, nil, nil)
	require.NoError(t, err)
	_, err = plane.TransitionAgent(ctx, id, "activate", "test", "test", "")
	require.NoError(t, err)
}

func TestEndToEndTask(t *testing.T) {
	plane, adapter := newTestPlane(t)
	ctx := context.Background()
	activate(t, plane, "A1", "summarize")

	adapter.Register("summarize", func(ctx context.Context, agentID string, payload map[string]interface{}) (map[string]interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		return map[string]interface{}{"summary": "hi"}, nil
	})

	taskID, err := plane.SubmitTask(ctx, &core.TaskRequest{
		Capability: "summarize",
		Payload:    map[string]interface{}{"text": "hello"},
		Priority:   core.PriorityNormal,
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := plane.WaitTask(waitCtx, taskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "A1", result.AgentID)
	assert.Equal(t, 0, result.Retries)
	assert.Equal(t, map[string]interface{}{"summary": "hi"}, result.Result)

	assert.Equal(t, result, plane.TaskResult(taskID))

	agent, err := plane.Registry().Get("A1")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.Load)
}

func TestEndToEndKnowledgeFanOut(t *testing.T) {
	plane, _ := newTestPlane(t)
	ctx := context.Background()

	var mu sync.Mutex
	delivered := map[string][]string{}
	require.NoError(t, plane.Bus().Subscribe(eventbus.TopicKnowledgeDelivery, "collector", func(event eventbus.Event) {
		mu.Lock()
		defer mu.Unlock()
		agent := event.Payload["agent_id"].(string)
		delivered[agent] = append(delivered[agent], event.Payload["entry_id"].(string))
	}))

	_, err := plane.Subscribe(ctx, "S1", []string{"bugfix"}, []string{"python"}, nil)
	require.NoError(t, err)
	_, err = plane.Subscribe(ctx, "S2", []string{"bugfix"}, nil, nil)
	require.NoError(t, err)

	pythonEntry, err := plane.StoreKnowledge(ctx, "X", "bugfix", "a1", []string{"python", "async"}, nil)
	require.NoError(t, err)
	rustEntry, err := plane.StoreKnowledge(ctx, "Y", "bugfix", "a1", []string{"rust"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered["S1"])+len(delivered["S2"]) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{pythonEntry}, delivered["S1"])
	assert.Equal(t, []string{pythonEntry, rustEntry}, delivered["S2"])
}

func TestEndToEndApprovalGatedDelete(t *testing.T) {
	plane, _ := newTestPlane(t)
	ctx := context.Background()
	activate(t, plane, "A1", "summarize")

	_, err := plane.TransitionAgent(ctx, "A1", "delete", "decommission", "admin1", "")
	assert.ErrorIs(t, err, core.ErrApprovalRequired)

	ticket, err := plane.RequestDelete(ctx, "A1", "decommission", "admin1")
	require.NoError(t, err)

	state, err := plane.TransitionAgent(ctx, "A1", "delete", "decommission", "admin2", ticket.Token)
	require.NoError(t, err)
	assert.Equal(t, core.StateDeleted, state)
	assert.Empty(t, plane.Registry().FindByCapability("summarize", 0))
}

func TestEndToEndWorkflow(t *testing.T) {
	plane, adapter := newTestPlane(t)
	ctx := context.Background()
	activate(t, plane, "A1", "step")

	adapter.Register("step", func(ctx context.Context, agentID string, payload map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"done": true}, nil
	})

	def := &orchestration.WorkflowDefinition{
		ID:   "pipeline",
		Name: "pipeline",
		Steps: []orchestration.WorkflowStep{
			{ID: "first", Capability: "step"},
			{ID: "second", Capability: "step", Dependencies: []string{"first"}},
		},
	}
	executionID, err := plane.ExecuteWorkflow(ctx, def, map[string]interface{}{"env": "test"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exec, err := plane.Engine().Wait(waitCtx, executionID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.WorkflowCompleted, exec.Status)

	snapshot, err := plane.WorkflowExecution(executionID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.WorkflowCompleted, snapshot.Status)
}

func TestTransitionAgentRejectsUnknownAction(t *testing.T) {
	plane, _ := newTestPlane(t)
	activate(t, plane, "A1", "x")

	_, err := plane.TransitionAgent(context.Background(), "A1", "explode", "r", "a", "")
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestDoubleStart(t *testing.T) {
	plane, _ := newTestPlane(t)
	assert.ErrorIs(t, plane.Start(context.Background()), core.ErrAlreadyStarted)
}

func TestCancelTaskThroughFacade(t *testing.T) {
	adapter := orchestration.NewInProcessAdapter()
	plane := New(adapter, nil) // not started: task stays queued
	ctx := context.Background()

	_, err := plane.RegisterAgent(ctx, "A1", "worker", []string{"x"}, nil, nil)
	require.NoError(t, err)

	taskID, err := plane.SubmitTask(ctx, &core.TaskRequest{Capability: "x"})
	require.NoError(t, err)

	assert.True(t, plane.CancelTask(taskID))
	assert.False(t, plane.CancelTask(taskID))
	result := plane.TaskResult(taskID)
	require.NotNil(t, result)
	assert.Equal(t, core.TaskCancelled, result.Status)
}
