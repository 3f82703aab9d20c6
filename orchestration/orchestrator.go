package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ymera-io/ymera/core"
	"github.com/ymera-io/ymera/eventbus"
	"github.com/ymera-io/ymera/registry"
	"github.com/ymera-io/ymera/resilience"
)

// Config configures the task orchestrator.
type Config struct {
	// WorkerCount is the number of concurrent task workers.
	// Default: 10.
	WorkerCount int

	// QueueCapacity bounds the priority queue. Default: 1000.
	QueueCapacity int

	// MaxConcurrentTasks bounds tasks admitted but not yet terminal.
	// Default: 1000.
	MaxConcurrentTasks int

	// BlockOnSaturation makes Submit wait for capacity instead of
	// failing with ErrSaturated.
	BlockOnSaturation bool

	// DefaultTimeout applies to requests without one. Default: 30s.
	DefaultTimeout time.Duration

	// MinHealth is the discovery health floor. Default: 0.6.
	MinHealth float64

	// Strategy selects agents during routing. Default: LEAST_LOADED.
	Strategy registry.Strategy

	// BreakerDefaults seed per-agent circuit breakers.
	BreakerDefaults *resilience.Config

	Logger    core.Logger
	Clock     core.Clock
	Bus       *eventbus.Bus
	Audit     core.DurableLog
	Telemetry core.Telemetry
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		WorkerCount:        10,
		QueueCapacity:      1000,
		MaxConcurrentTasks: 1000,
		DefaultTimeout:     30 * time.Second,
		MinHealth:          0.6,
		Strategy:           registry.StrategyLeastLoaded,
	}
}

// taskContext is the orchestrator's mutable record for one task.
// All fields are guarded by the orchestrator mutex.
type taskContext struct {
	request      *core.TaskRequest
	status       core.TaskStatus
	agentID      string
	retryCount   int
	startedAt    time.Time
	lastRetryAt  time.Time
	errorHistory []string

	// Agents gated by an open breaker during this task. Routing never
	// picks them again for this task.
	excluded       map[string]struct{}
	sawCircuitOpen bool

	cancelled  bool
	cancelExec context.CancelFunc

	result    *core.TaskResult
	callbacks []func(*core.TaskResult)
	done      chan struct{}
}

// Orchestrator routes tasks to agents through discovery, per-agent
// circuit breakers, and a bounded retry policy. A fixed worker pool
// drains a single priority queue.
type Orchestrator struct {
	config    Config
	registry  *registry.AgentRegistry
	discovery *registry.Discovery
	adapter   core.AgentAdapter
	breakers  *resilience.Registry
	queue     *PriorityQueue

	logger    core.Logger
	clock     core.Clock
	bus       *eventbus.Bus
	audit     core.DurableLog
	telemetry core.Telemetry

	mu    sync.Mutex
	tasks map[string]*taskContext

	sem chan struct{}

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	retryWG sync.WaitGroup
}

// New creates an orchestrator. A nil config uses defaults.
func New(reg *registry.AgentRegistry, disc *registry.Discovery, adapter core.AgentAdapter, config *Config) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 10
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = 1000
	}
	if config.MaxConcurrentTasks <= 0 {
		config.MaxConcurrentTasks = 1000
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.MinHealth <= 0 {
		config.MinHealth = 0.6
	}
	if config.Strategy == "" {
		config.Strategy = registry.StrategyLeastLoaded
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Clock == nil {
		config.Clock = core.SystemClock{}
	}
	if config.Audit == nil {
		config.Audit = &core.NoOpDurableLog{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}

	breakerDefaults := config.BreakerDefaults
	if breakerDefaults == nil {
		breakerDefaults = resilience.DefaultConfig()
		breakerDefaults.Logger = config.Logger
		breakerDefaults.Clock = config.Clock
		breakerDefaults.Metrics = nil
	}
	if breakerDefaults.Metrics == nil {
		breakerDefaults.Metrics = &resilience.TelemetryMetrics{Telemetry: config.Telemetry}
	}

	return &Orchestrator{
		config:    *config,
		registry:  reg,
		discovery: disc,
		adapter:   adapter,
		breakers:  resilience.NewRegistry(breakerDefaults),
		queue:     NewPriorityQueue(config.QueueCapacity),
		logger:    config.Logger,
		clock:     config.Clock,
		bus:       config.Bus,
		audit:     config.Audit,
		telemetry: config.Telemetry,
		tasks:     make(map[string]*taskContext),
		sem:       make(chan struct{}, config.MaxConcurrentTasks),
	}
}

// Breakers exposes the per-agent breaker registry for inspection.
func (o *Orchestrator) Breakers() *resilience.Registry {
	return o.breakers
}

// QueueDepth reports the number of queued tasks.
func (o *Orchestrator) QueueDepth() int {
	return o.queue.Len()
}

// Start launches the worker pool. It returns immediately; workers run
// until Stop or ctx cancellation.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.running.Swap(true) {
		return fmt.Errorf("orchestrator: %w", core.ErrAlreadyStarted)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.logger.Info("Starting orchestrator", map[string]interface{}{
		"operation":    "orchestrator_start",
		"worker_count": o.config.WorkerCount,
		"queue_cap":    o.config.QueueCapacity,
	})

	for i := 0; i < o.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		o.wg.Add(1)
		go o.runWorker(workerCtx, workerID)
	}
	return nil
}

// Stop drains the pool. In-flight tasks finish; queued tasks are left
// unprocessed.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.running.Load() {
		return nil
	}
	o.cancel()
	o.queue.Close()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.retryWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.running.Store(false)
		o.logger.Info("Orchestrator stopped", map[string]interface{}{
			"operation": "orchestrator_stop",
		})
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator stop: %w", ctx.Err())
	}
}

// Submit validates and enqueues one task, returning its id. When the
// orchestrator is saturated Submit blocks or fails with ErrSaturated
// depending on configuration; a full queue fails with ErrQueueFull.
func (o *Orchestrator) Submit(ctx context.Context, req *core.TaskRequest) (string, error) {
	if req != nil && req.Priority == 0 {
		req.Priority = core.PriorityNormal
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	if req.Timeout <= 0 {
		req.Timeout = o.config.DefaultTimeout
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = o.clock.Now()
	}

	if o.config.BlockOnSaturation {
		select {
		case o.sem <- struct{}{}:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	} else {
		select {
		case o.sem <- struct{}{}:
		default:
			return "", fmt.Errorf("submit %s: %d tasks in flight: %w",
				req.TaskID, o.config.MaxConcurrentTasks, core.ErrSaturated)
		}
	}

	tc := &taskContext{
		request:  req,
		status:   core.TaskPending,
		excluded: make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	o.mu.Lock()
	if _, exists := o.tasks[req.TaskID]; exists {
		o.mu.Unlock()
		<-o.sem
		return "", fmt.Errorf("submit %s: %w", req.TaskID, core.ErrAlreadyExists)
	}
	o.tasks[req.TaskID] = tc
	o.mu.Unlock()

	if err := o.queue.Push(req.TaskID, req.Priority); err != nil {
		o.mu.Lock()
		delete(o.tasks, req.TaskID)
		o.mu.Unlock()
		<-o.sem
		return "", err
	}

	o.mu.Lock()
	if !tc.status.Terminal() {
		tc.status = core.TaskQueued
	}
	o.mu.Unlock()

	o.logger.Debug("Task submitted", map[string]interface{}{
		"operation":  "task_submit",
		"task_id":    req.TaskID,
		"capability": req.Capability,
		"priority":   req.Priority.String(),
	})
	return req.TaskID, nil
}

// SubmitBatch submits requests in order, stopping at the first error.
// The ids of successfully submitted tasks are always returned.
func (o *Orchestrator) SubmitBatch(ctx context.Context, reqs []*core.TaskRequest) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id, err := o.Submit(ctx, req)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cancel terminates a task. Queued tasks move to CANCELLED without ever
// reaching an agent; executing tasks have their adapter call cancelled
// and finish as CANCELLED. Returns false for unknown or already
// terminal tasks. Cancellation is idempotent and terminal; a cancelled
// task is never retried.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.mu.Lock()
	tc, ok := o.tasks[taskID]
	if !ok || tc.status.Terminal() {
		o.mu.Unlock()
		return false
	}
	tc.cancelled = true

	if tc.status == core.TaskExecuting {
		cancel := tc.cancelExec
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	}

	// PENDING, QUEUED, ROUTING, RETRYING: the worker never ran or is
	// between attempts. Pull it from the queue and finish here; a
	// ROUTING worker observes the flag and stands down.
	o.queue.Remove(taskID)
	o.finalizeLocked(tc, core.TaskCancelled, nil,
		fmt.Errorf("cancelled before execution: %w", core.ErrTaskCancelled))
	o.mu.Unlock()
	return true
}

// Status reports a task's current status.
func (o *Orchestrator) Status(taskID string) (core.TaskStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tc, ok := o.tasks[taskID]
	if !ok {
		return "", fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	return tc.status, nil
}

// Result returns the terminal result, or nil while the task is live.
func (o *Orchestrator) Result(taskID string) *core.TaskResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	tc, ok := o.tasks[taskID]
	if !ok {
		return nil
	}
	return tc.result
}

// ErrorHistory returns the accumulated attempt errors for a task.
func (o *Orchestrator) ErrorHistory(taskID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	tc, ok := o.tasks[taskID]
	if !ok {
		return nil
	}
	out := make([]string, len(tc.errorHistory))
	copy(out, tc.errorHistory)
	return out
}

// Subscribe registers a callback invoked once with the terminal result.
// A task already terminal fires the callback immediately.
func (o *Orchestrator) Subscribe(taskID string, fn func(*core.TaskResult)) error {
	if fn == nil {
		return fmt.Errorf("subscribe %s: nil callback: %w", taskID, core.ErrInvalidRequest)
	}
	o.mu.Lock()
	tc, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", taskID, core.ErrNotFound)
	}
	if tc.result != nil {
		result := tc.result
		o.mu.Unlock()
		fn(result)
		return nil
	}
	tc.callbacks = append(tc.callbacks, fn)
	o.mu.Unlock()
	return nil
}

// Wait blocks until the task reaches a terminal status or ctx expires.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (*core.TaskResult, error) {
	o.mu.Lock()
	tc, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wait %s: %w", taskID, core.ErrNotFound)
	}

	select {
	case <-tc.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return tc.result, nil
}

// runWorker is the main loop for one worker goroutine.
func (o *Orchestrator) runWorker(ctx context.Context, workerID string) {
	defer o.wg.Done()

	for {
		taskID, err := o.queue.Pop(ctx)
		if err != nil {
			return
		}
		o.runTask(ctx, workerID, taskID)
	}
}

// runTask drives one task through routing, execution, and failure
// handling. Panics inside the pipeline fail the task, never the worker.
func (o *Orchestrator) runTask(ctx context.Context, workerID, taskID string) {
	o.mu.Lock()
	tc, ok := o.tasks[taskID]
	if !ok || tc.status.Terminal() {
		o.mu.Unlock()
		return
	}
	if tc.cancelled {
		o.finalizeLocked(tc, core.TaskCancelled, nil,
			fmt.Errorf("cancelled before execution: %w", core.ErrTaskCancelled))
		o.mu.Unlock()
		return
	}
	tc.status = core.TaskRouting
	o.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Task pipeline panicked", map[string]interface{}{
				"operation": "task_execute",
				"worker_id": workerID,
				"task_id":   taskID,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			o.mu.Lock()
			o.finalizeLocked(tc, core.TaskFailed, nil,
				fmt.Errorf("task pipeline panic: %v: %w", r, core.ErrInternal))
			o.mu.Unlock()
		}
	}()

	req := tc.request
	for {
		o.mu.Lock()
		if tc.cancelled {
			o.finalizeLocked(tc, core.TaskCancelled, nil,
				fmt.Errorf("cancelled during routing: %w", core.ErrTaskCancelled))
			o.mu.Unlock()
			return
		}
		exclude := make(map[string]struct{}, len(tc.excluded))
		for id := range tc.excluded {
			exclude[id] = struct{}{}
		}
		o.mu.Unlock()

		var agent *core.AgentInfo
		var err error
		if req.TargetAgentID != "" {
			agent, err = o.targetAgent(req.TargetAgentID, exclude)
		} else {
			agent, err = o.discovery.Discover(req.Capability, o.config.Strategy, o.config.MinHealth, exclude)
			if err != nil && errors.Is(err, core.ErrNoAgentAvailable) {
				// Failure-degraded agents are still routed, behind
				// their breaker, so gating and recovery stay with the
				// breaker state machine rather than the registry.
				if fallback := o.discovery.DegradedFallback(req.Capability, exclude); fallback != nil {
					agent, err = fallback, nil
				}
			}
		}
		if err != nil {
			if tc.sawCircuitOpen && errors.Is(err, core.ErrNoAgentAvailable) {
				// Every remaining candidate sits behind an open
				// breaker. Gated tasks fail without retries.
				o.failTask(tc, fmt.Errorf("all agents for %s gated: %w",
					req.Capability, core.ErrCircuitBreakerOpen))
				return
			}
			o.handleFailure(ctx, tc,
				fmt.Errorf("no agent available for %s: %w", req.Capability, err), false)
			return
		}

		result, execErr := o.invokeAgent(ctx, tc, agent.ID)
		if execErr == nil {
			o.completeTask(tc, agent.ID, result)
			return
		}

		if errors.Is(execErr, core.ErrCircuitBreakerOpen) {
			o.mu.Lock()
			tc.excluded[agent.ID] = struct{}{}
			tc.sawCircuitOpen = true
			tc.errorHistory = append(tc.errorHistory, execErr.Error())
			o.mu.Unlock()
			o.logger.Warn("Agent gated by open breaker, rerouting", map[string]interface{}{
				"operation": "task_execute",
				"task_id":   taskID,
				"agent_id":  agent.ID,
			})
			continue
		}

		o.mu.Lock()
		cancelled := tc.cancelled
		if cancelled {
			o.finalizeLocked(tc, core.TaskCancelled, nil,
				fmt.Errorf("cancelled during execution: %w", core.ErrTaskCancelled))
		}
		o.mu.Unlock()
		if cancelled {
			return
		}

		timedOut := errors.Is(execErr, context.DeadlineExceeded) || errors.Is(execErr, core.ErrTimeout)
		if timedOut {
			execErr = fmt.Errorf("agent %s exceeded %s: %w", agent.ID, req.Timeout, core.ErrTimeout)
		}
		if recordErr := o.registry.RecordFailure(ctx, agent.ID); recordErr != nil {
			o.logger.Warn("Failed to record agent failure", map[string]interface{}{
				"operation": "task_execute",
				"agent_id":  agent.ID,
				"error":     recordErr.Error(),
			})
		}
		o.handleFailure(ctx, tc, execErr, timedOut)
		return
	}
}

// targetAgent resolves a pinned agent for directed assignment. The
// agent must exist, be schedulable, and not sit behind an open breaker.
func (o *Orchestrator) targetAgent(agentID string, exclude map[string]struct{}) (*core.AgentInfo, error) {
	if _, gated := exclude[agentID]; gated {
		return nil, fmt.Errorf("target agent %s: %w", agentID, core.ErrNoAgentAvailable)
	}
	agent, err := o.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	if !agent.State.Schedulable() {
		return nil, fmt.Errorf("target agent %s in state %s: %w",
			agentID, agent.State, core.ErrNoAgentAvailable)
	}
	return agent, nil
}

// invokeAgent performs one execution attempt against one agent. Load
// accounting brackets the call; the per-agent breaker gates it.
func (o *Orchestrator) invokeAgent(ctx context.Context, tc *taskContext, agentID string) (map[string]interface{}, error) {
	req := tc.request

	ctx, span := o.telemetry.StartSpan(ctx, "task.execute")
	span.SetAttribute("task_id", req.TaskID)
	span.SetAttribute("agent_id", agentID)
	span.SetAttribute("capability", req.Capability)
	defer span.End()

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	o.mu.Lock()
	tc.status = core.TaskExecuting
	tc.agentID = agentID
	tc.startedAt = o.clock.Now()
	tc.cancelExec = cancelExec
	o.mu.Unlock()

	if err := o.registry.IncrementLoad(agentID); err != nil {
		return nil, fmt.Errorf("increment load: %w", err)
	}
	defer func() {
		if err := o.registry.DecrementLoad(agentID); err != nil {
			o.logger.Warn("Failed to decrement load", map[string]interface{}{
				"operation": "task_execute",
				"agent_id":  agentID,
				"error":     err.Error(),
			})
		}
	}()

	callCtx, cancelTimeout := context.WithTimeout(execCtx, req.Timeout)
	defer cancelTimeout()

	breaker := o.breakers.GetOrCreate("agent:"+agentID, nil)

	var result map[string]interface{}
	err := breaker.Call(callCtx, func() error {
		var invokeErr error
		result, invokeErr = o.adapter.Invoke(callCtx, agentID, req.Capability, req.Payload)
		if invokeErr == nil && callCtx.Err() != nil {
			invokeErr = callCtx.Err()
		}
		return invokeErr
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	o.registry.RecordSuccess(ctx, agentID)
	return result, nil
}

// completeTask publishes a COMPLETED result.
func (o *Orchestrator) completeTask(tc *taskContext, agentID string, result map[string]interface{}) {
	o.mu.Lock()
	if tc.status.Terminal() {
		o.mu.Unlock()
		return
	}
	tc.result = &core.TaskResult{
		TaskID:          tc.request.TaskID,
		Status:          core.TaskCompleted,
		Result:          result,
		AgentID:         agentID,
		ExecutionTimeMS: o.clock.Now().Sub(tc.startedAt).Milliseconds(),
		Retries:         tc.retryCount,
	}
	tc.status = core.TaskCompleted
	o.finishLocked(tc)
	o.mu.Unlock()
}

// handleFailure applies the retry policy to one failed attempt.
// Recoverable failures retry with exponential backoff up to
// max_retries; terminal kinds fail immediately.
func (o *Orchestrator) handleFailure(ctx context.Context, tc *taskContext, attemptErr error, timedOut bool) {
	req := tc.request

	o.mu.Lock()
	tc.errorHistory = append(tc.errorHistory, attemptErr.Error())
	if tc.cancelled {
		o.finalizeLocked(tc, core.TaskCancelled, nil, attemptErr)
		o.mu.Unlock()
		return
	}
	if core.IsTerminalTaskError(attemptErr) || tc.retryCount >= req.MaxRetries {
		status := core.TaskFailed
		if timedOut {
			status = core.TaskTimeout
		}
		o.finalizeLocked(tc, status, nil, attemptErr)
		o.mu.Unlock()
		return
	}

	delay := req.RetryBaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	delay <<= uint(tc.retryCount)
	tc.retryCount++
	tc.status = core.TaskRetrying
	tc.lastRetryAt = o.clock.Now()
	attempt := tc.retryCount
	o.mu.Unlock()

	o.logger.Info("Retrying task", map[string]interface{}{
		"operation": "task_retry",
		"task_id":   req.TaskID,
		"attempt":   attempt,
		"delay_ms":  delay.Milliseconds(),
		"error":     attemptErr.Error(),
	})

	o.retryWG.Add(1)
	go func() {
		defer o.retryWG.Done()
		select {
		case <-o.clock.After(delay):
		case <-ctx.Done():
			return
		}
		if err := o.queue.Push(req.TaskID, req.Priority); err != nil {
			o.mu.Lock()
			o.finalizeLocked(tc, core.TaskFailed, nil,
				fmt.Errorf("re-enqueue after retry: %w", err))
			o.mu.Unlock()
		}
	}()
}

// failTask terminates a task as FAILED with the given error.
func (o *Orchestrator) failTask(tc *taskContext, err error) {
	o.mu.Lock()
	tc.errorHistory = append(tc.errorHistory, err.Error())
	o.finalizeLocked(tc, core.TaskFailed, nil, err)
	o.mu.Unlock()
}

// finalizeLocked publishes a terminal result. Callers hold o.mu.
// A no-op when the task is already terminal.
func (o *Orchestrator) finalizeLocked(tc *taskContext, status core.TaskStatus, result map[string]interface{}, err error) {
	if tc.status.Terminal() {
		return
	}
	var execMS int64
	if !tc.startedAt.IsZero() {
		execMS = o.clock.Now().Sub(tc.startedAt).Milliseconds()
	}
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	tc.result = &core.TaskResult{
		TaskID:          tc.request.TaskID,
		Status:          status,
		Result:          result,
		Error:           errText,
		AgentID:         tc.agentID,
		ExecutionTimeMS: execMS,
		Retries:         tc.retryCount,
	}
	tc.status = status
	o.finishLocked(tc)
}

// finishLocked releases capacity and notifies listeners. Callers hold
// o.mu; callbacks and bus publishes run on a fresh goroutine so no
// listener executes under the lock.
func (o *Orchestrator) finishLocked(tc *taskContext) {
	result := tc.result
	callbacks := tc.callbacks
	tc.callbacks = nil
	close(tc.done)
	<-o.sem

	go func() {
		for _, fn := range callbacks {
			o.safeCallback(fn, result)
		}

		payload := map[string]interface{}{
			"task_id":  result.TaskID,
			"status":   string(result.Status),
			"agent_id": result.AgentID,
			"retries":  result.Retries,
		}
		if result.Error != "" {
			payload["error"] = result.Error
		}
		o.telemetry.RecordMetric("orchestrator.task_finished", 1, map[string]string{
			"status":     string(result.Status),
			"capability": tc.request.Capability,
		})
		if o.bus != nil {
			topic := eventbus.TopicTaskFailed
			if result.Status == core.TaskCompleted {
				topic = eventbus.TopicTaskCompleted
			}
			o.bus.Publish(topic, payload)
		}
		if err := o.audit.Append(context.Background(), "task."+string(result.Status), payload); err != nil {
			o.logger.Warn("Audit append failed", map[string]interface{}{
				"operation": "task_finish",
				"task_id":   result.TaskID,
				"error":     err.Error(),
			})
		}
	}()
}

func (o *Orchestrator) safeCallback(fn func(*core.TaskResult), result *core.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Result callback panicked", map[string]interface{}{
				"operation": "task_finish",
				"task_id":   result.TaskID,
				"panic":     fmt.Sprintf("%v", r),
			})
		}
	}()
	fn(result)
}
