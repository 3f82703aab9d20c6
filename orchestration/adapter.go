package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/ymera-io/ymera/core"
)

// HandlerFunc executes one capability invocation for an in-process agent.
type HandlerFunc func(ctx context.Context, agentID string, payload map[string]interface{}) (map[string]interface{}, error)

// InProcessAdapter implements core.AgentAdapter with handlers running
// in this process. Handlers register per (agent, capability); a
// capability-wide handler serves any agent that has no specific one.
type InProcessAdapter struct {
	mu       sync.RWMutex
	byAgent  map[string]HandlerFunc // key agentID + "/" + capability
	byCap    map[string]HandlerFunc
}

// NewInProcessAdapter creates an empty adapter.
func NewInProcessAdapter() *InProcessAdapter {
	return &InProcessAdapter{
		byAgent: make(map[string]HandlerFunc),
		byCap:   make(map[string]HandlerFunc),
	}
}

// Register installs a handler for a capability across all agents.
func (a *InProcessAdapter) Register(capability string, fn HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byCap[capability] = fn
}

// RegisterAgent installs a handler for one agent and capability,
// shadowing any capability-wide handler.
func (a *InProcessAdapter) RegisterAgent(agentID, capability string, fn HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byAgent[agentID+"/"+capability] = fn
}

// Invoke dispatches to the registered handler, honoring ctx.
func (a *InProcessAdapter) Invoke(ctx context.Context, agentID, capability string, payload map[string]interface{}) (map[string]interface{}, error) {
	a.mu.RLock()
	fn, ok := a.byAgent[agentID+"/"+capability]
	if !ok {
		fn, ok = a.byCap[capability]
	}
	a.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no handler for agent %s capability %s: %w",
			agentID, capability, core.ErrDependencyFailure)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(ctx, agentID, payload)
}
