// Package ymera wires the agent control plane: registry, discovery,
// task orchestration, workflow engine, agent manager, knowledge store,
// and the in-process event bus, behind one programmatic façade.
package ymera

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ymera-io/ymera/core"
	"github.com/ymera-io/ymera/eventbus"
	"github.com/ymera-io/ymera/knowledge"
	"github.com/ymera-io/ymera/manager"
	"github.com/ymera-io/ymera/orchestration"
	"github.com/ymera-io/ymera/registry"
)

// Config configures a ControlPlane. Component configs may be nil; each
// component then uses its own defaults. Logger, Clock, Audit, and
// Telemetry set here propagate into component configs that leave them
// unset.
type Config struct {
	Registry     *registry.Config
	Orchestrator *orchestration.Config
	Engine       *orchestration.EngineConfig
	Manager      *manager.Config
	Knowledge    *knowledge.Config
	Bus          *eventbus.Config

	// Redis enables the registry presence mirror and knowledge entry
	// persistence. Nil keeps the plane fully in-memory.
	Redis *redis.Client

	// Namespace prefixes every Redis key. Default: "ymera".
	Namespace string

	// MirrorTTL bounds mirrored agent snapshots. Default: 5m.
	MirrorTTL time.Duration

	Logger    core.Logger
	Clock     core.Clock
	Audit     core.DurableLog
	Telemetry core.Telemetry
}

// ControlPlane is the assembled control plane. Construct with New,
// then Start before submitting work.
type ControlPlane struct {
	bus       *eventbus.Bus
	registry  *registry.AgentRegistry
	discovery *registry.Discovery
	orch      *orchestration.Orchestrator
	engine    *orchestration.Engine
	knowledge *knowledge.Store
	manager   *manager.AgentManager

	logger core.Logger

	running     atomic.Bool
	stopSweeper context.CancelFunc
}

// New assembles a control plane around the given agent adapter.
func New(adapter core.AgentAdapter, config *Config) *ControlPlane {
	cfg := Config{}
	if config != nil {
		cfg = *config
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
	if cfg.Namespace == "" {
		cfg.Namespace = "ymera"
	}
	if cfg.MirrorTTL <= 0 {
		cfg.MirrorTTL = 5 * time.Minute
	}

	busCfg := eventbus.Config{}
	if cfg.Bus != nil {
		busCfg = *cfg.Bus
	}
	if busCfg.Logger == nil {
		busCfg.Logger = cfg.Logger
	}
	if busCfg.Clock == nil {
		busCfg.Clock = cfg.Clock
	}
	bus := eventbus.New(&busCfg)

	regCfg := registry.Config{}
	if cfg.Registry != nil {
		regCfg = *cfg.Registry
	}
	if regCfg.Logger == nil {
		regCfg.Logger = cfg.Logger
	}
	if regCfg.Clock == nil {
		regCfg.Clock = cfg.Clock
	}
	if regCfg.Audit == nil {
		regCfg.Audit = cfg.Audit
	}
	if regCfg.Bus == nil {
		regCfg.Bus = bus
	}
	if regCfg.Mirror == nil && cfg.Redis != nil {
		regCfg.Mirror = registry.NewRedisMirror(cfg.Redis, cfg.Namespace, cfg.MirrorTTL, cfg.Logger)
	}
	reg := registry.New(&regCfg)
	disc := registry.NewDiscovery(reg, nil)

	orchCfg := orchestration.Config{}
	if cfg.Orchestrator != nil {
		orchCfg = *cfg.Orchestrator
	}
	if orchCfg.Logger == nil {
		orchCfg.Logger = cfg.Logger
	}
	if orchCfg.Clock == nil {
		orchCfg.Clock = cfg.Clock
	}
	if orchCfg.Audit == nil {
		orchCfg.Audit = cfg.Audit
	}
	if orchCfg.Bus == nil {
		orchCfg.Bus = bus
	}
	if orchCfg.Telemetry == nil {
		orchCfg.Telemetry = cfg.Telemetry
	}
	orch := orchestration.New(reg, disc, adapter, &orchCfg)

	engCfg := orchestration.EngineConfig{}
	if cfg.Engine != nil {
		engCfg = *cfg.Engine
	}
	if engCfg.Logger == nil {
		engCfg.Logger = cfg.Logger
	}
	if engCfg.Clock == nil {
		engCfg.Clock = cfg.Clock
	}
	if engCfg.Audit == nil {
		engCfg.Audit = cfg.Audit
	}
	if engCfg.Bus == nil {
		engCfg.Bus = bus
	}
	engine := orchestration.NewEngine(orch, &engCfg)

	knowCfg := knowledge.Config{}
	if cfg.Knowledge != nil {
		knowCfg = *cfg.Knowledge
	}
	if knowCfg.Logger == nil {
		knowCfg.Logger = cfg.Logger
	}
	if knowCfg.Clock == nil {
		knowCfg.Clock = cfg.Clock
	}
	if knowCfg.Audit == nil {
		knowCfg.Audit = cfg.Audit
	}
	if knowCfg.Bus == nil {
		knowCfg.Bus = bus
	}
	if knowCfg.Persistence == nil && cfg.Redis != nil {
		knowCfg.Persistence = knowledge.NewRedisPersistence(cfg.Redis, cfg.Namespace, 0, cfg.Logger)
	}
	store := knowledge.NewStore(&knowCfg)

	mgrCfg := manager.Config{}
	if cfg.Manager != nil {
		mgrCfg = *cfg.Manager
	}
	if mgrCfg.Logger == nil {
		mgrCfg.Logger = cfg.Logger
	}
	if mgrCfg.Clock == nil {
		mgrCfg.Clock = cfg.Clock
	}
	if mgrCfg.Audit == nil {
		mgrCfg.Audit = cfg.Audit
	}
	if mgrCfg.Bus == nil {
		mgrCfg.Bus = bus
	}
	mgr := manager.New(reg, orch, store, &mgrCfg)

	return &ControlPlane{
		bus:       bus,
		registry:  reg,
		discovery: disc,
		orch:      orch,
		engine:    engine,
		knowledge: store,
		manager:   mgr,
		logger:    cfg.Logger,
	}
}

// Start launches the orchestrator workers and the registry sweeper.
func (p *ControlPlane) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return fmt.Errorf("control plane: %w", core.ErrAlreadyStarted)
	}
	if err := p.orch.Start(ctx); err != nil {
		p.running.Store(false)
		return err
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	p.stopSweeper = cancel
	go p.registry.RunSweeper(sweepCtx)

	p.logger.Info("Control plane started", map[string]interface{}{
		"operation": "plane_start",
	})
	return nil
}

// Stop drains the orchestrator, stops the sweeper, and closes the bus.
func (p *ControlPlane) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}
	if p.stopSweeper != nil {
		p.stopSweeper()
	}
	err := p.orch.Stop(ctx)
	p.bus.Close()
	p.running.Store(false)

	p.logger.Info("Control plane stopped", map[string]interface{}{
		"operation": "plane_stop",
	})
	return err
}

// RegisterAgent creates an agent record in INITIALIZING.
func (p *ControlPlane) RegisterAgent(ctx context.Context, agentID, agentType string, capabilities []string, config, metadata map[string]interface{}) (*core.AgentInfo, error) {
	return p.manager.RegisterAgent(ctx, agentID, agentType, capabilities, config, metadata)
}

// TransitionAgent applies a lifecycle action by name. The "delete"
// action is approval-gated: it requires a token issued by RequestDelete.
func (p *ControlPlane) TransitionAgent(ctx context.Context, agentID, action, reason, actor, approvalToken string) (core.AgentState, error) {
	switch action {
	case "activate":
		return p.manager.Activate(ctx, agentID, reason, actor)
	case "deactivate":
		return p.manager.Deactivate(ctx, agentID, reason, actor)
	case "suspend":
		return p.manager.Suspend(ctx, agentID, reason, actor)
	case "freeze":
		return p.manager.Freeze(ctx, agentID, reason, actor)
	case "isolate":
		return p.manager.Isolate(ctx, agentID, reason, actor)
	case "delete":
		if err := p.manager.DeleteAgent(ctx, agentID, reason, actor, approvalToken); err != nil {
			return "", err
		}
		return core.StateDeleted, nil
	default:
		return "", fmt.Errorf("transition action %q: %w", action, core.ErrInvalidRequest)
	}
}

// RequestDelete opens a two-party approval for deleting an agent.
func (p *ControlPlane) RequestDelete(ctx context.Context, agentID, reason, requestedBy string) (*manager.ApprovalTicket, error) {
	return p.manager.RequestDelete(ctx, agentID, reason, requestedBy)
}

// Approve executes a pending approval.
func (p *ControlPlane) Approve(ctx context.Context, approvalID, approvedBy, token string) error {
	return p.manager.Approve(ctx, approvalID, approvedBy, token)
}

// ReceiveReport ingests one agent self-report.
func (p *ControlPlane) ReceiveReport(ctx context.Context, report *core.AgentReport) (*manager.ReportOutcome, error) {
	return p.manager.ReceiveReport(ctx, report)
}

// SubmitTask enqueues one task and returns its id.
func (p *ControlPlane) SubmitTask(ctx context.Context, req *core.TaskRequest) (string, error) {
	return p.orch.Submit(ctx, req)
}

// CancelTask cancels a task, reporting whether anything changed.
func (p *ControlPlane) CancelTask(taskID string) bool {
	return p.orch.Cancel(taskID)
}

// TaskResult returns the terminal result, or nil while the task is
// live or unknown.
func (p *ControlPlane) TaskResult(taskID string) *core.TaskResult {
	return p.orch.Result(taskID)
}

// WaitTask blocks until the task finishes or ctx expires.
func (p *ControlPlane) WaitTask(ctx context.Context, taskID string) (*core.TaskResult, error) {
	return p.orch.Wait(ctx, taskID)
}

// ExecuteWorkflow starts a workflow execution and returns its id.
func (p *ControlPlane) ExecuteWorkflow(ctx context.Context, def *orchestration.WorkflowDefinition, initial map[string]interface{}) (string, error) {
	return p.engine.Execute(ctx, def, initial)
}

// CancelWorkflow cancels an execution, reporting whether anything
// changed.
func (p *ControlPlane) CancelWorkflow(executionID string) bool {
	return p.engine.Cancel(executionID)
}

// WorkflowExecution returns a snapshot of one execution.
func (p *ControlPlane) WorkflowExecution(executionID string) (*orchestration.WorkflowExecution, error) {
	return p.engine.Execution(executionID)
}

// StoreKnowledge appends one knowledge entry.
func (p *ControlPlane) StoreKnowledge(ctx context.Context, content, category, sourceAgentID string, tags []string, metadata map[string]interface{}) (string, error) {
	return p.knowledge.StoreEntry(ctx, content, category, sourceAgentID, tags, metadata)
}

// Subscribe registers a knowledge subscription.
func (p *ControlPlane) Subscribe(ctx context.Context, agentID string, categories, tags []string, filters map[string]interface{}) (string, error) {
	return p.knowledge.Subscribe(ctx, agentID, categories, tags, filters)
}

// Bus exposes the event bus for external subscribers.
func (p *ControlPlane) Bus() *eventbus.Bus { return p.bus }

// Registry exposes the agent registry.
func (p *ControlPlane) Registry() *registry.AgentRegistry { return p.registry }

// Orchestrator exposes the task orchestrator.
func (p *ControlPlane) Orchestrator() *orchestration.Orchestrator { return p.orch }

// Engine exposes the workflow engine.
func (p *ControlPlane) Engine() *orchestration.Engine { return p.engine }

// Knowledge exposes the knowledge store.
func (p *ControlPlane) Knowledge() *knowledge.Store { return p.knowledge }

// Manager exposes the agent manager.
func (p *ControlPlane) Manager() *manager.AgentManager { return p.manager }
