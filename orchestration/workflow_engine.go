package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ymera-io/ymera/core"
	"github.com/ymera-io/ymera/eventbus"
)

// WorkflowStatus is the lifecycle status of one workflow execution.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
	WorkflowPaused    WorkflowStatus = "PAUSED"
)

// Terminal reports whether the status admits no further mutation.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle status of one step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepReady     StepStatus = "READY"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// StepExecution is the per-step record within one execution.
type StepExecution struct {
	StepID      string                 `json:"step_id"`
	Status      StepStatus             `json:"status"`
	TaskID      string                 `json:"task_id,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at,omitempty"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
}

// WorkflowExecution is a snapshot of one running or finished workflow.
type WorkflowExecution struct {
	ExecutionID string                    `json:"execution_id"`
	WorkflowID  string                    `json:"workflow_id"`
	Status      WorkflowStatus            `json:"status"`
	Steps       map[string]*StepExecution `json:"steps"`
	Context     map[string]interface{}    `json:"context"`
	Error       string                    `json:"error,omitempty"`
	StartedAt   time.Time                 `json:"started_at"`
	CompletedAt time.Time                 `json:"completed_at,omitempty"`
}

// execState is the engine's mutable record for one execution.
// Guarded by the engine mutex.
type execState struct {
	def       *WorkflowDefinition
	exec      *WorkflowExecution
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// EngineConfig configures the workflow engine.
type EngineConfig struct {
	// DefaultTimeout bounds executions without one. Default: 10m.
	DefaultTimeout time.Duration

	// StepRetryBaseDelay seeds the orchestrator backoff for step
	// retries. Default: 1s.
	StepRetryBaseDelay time.Duration

	Logger core.Logger
	Clock  core.Clock
	Bus    *eventbus.Bus
	Audit  core.DurableLog
}

// Engine executes workflow DAGs by fanning ready steps out to the task
// orchestrator and folding results back into a shared context.
type Engine struct {
	orch   *Orchestrator
	config EngineConfig
	logger core.Logger
	clock  core.Clock

	mu         sync.Mutex
	executions map[string]*execState
}

// NewEngine creates a workflow engine on top of an orchestrator.
func NewEngine(orch *Orchestrator, config *EngineConfig) *Engine {
	if config == nil {
		config = &EngineConfig{}
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 10 * time.Minute
	}
	if config.StepRetryBaseDelay <= 0 {
		config.StepRetryBaseDelay = time.Second
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
	return &Engine{
		orch:       orch,
		config:     *config,
		logger:     config.Logger,
		clock:      config.Clock,
		executions: make(map[string]*execState),
	}
}

// Execute validates the definition and starts a driver goroutine.
// It returns the execution id immediately.
func (e *Engine) Execute(ctx context.Context, def *WorkflowDefinition, initial map[string]interface{}) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	if def.OnFailure == "" {
		def.OnFailure = WorkflowFail
	}
	if def.Priority == 0 {
		def.Priority = core.PriorityNormal
	}

	executionID := uuid.New().String()
	exec := &WorkflowExecution{
		ExecutionID: executionID,
		WorkflowID:  def.ID,
		Status:      WorkflowRunning,
		Steps:       make(map[string]*StepExecution, len(def.Steps)),
		Context:     make(map[string]interface{}, len(initial)),
		StartedAt:   e.clock.Now(),
	}
	for k, v := range initial {
		exec.Context[k] = v
	}
	for _, step := range def.Steps {
		exec.Steps[step.ID] = &StepExecution{StepID: step.ID, Status: StepPending}
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	st := &execState{
		def:    def,
		exec:   exec,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	e.executions[executionID] = st
	e.mu.Unlock()

	e.logger.Info("Workflow execution started", map[string]interface{}{
		"operation":    "workflow_execute",
		"execution_id": executionID,
		"workflow_id":  def.ID,
		"steps":        len(def.Steps),
	})

	go e.run(runCtx, st)
	return executionID, nil
}

// Cancel terminates a live execution and every non-terminal step task.
// Cancellation never rolls completed steps back.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	st, ok := e.executions[executionID]
	if !ok || st.exec.Status.Terminal() {
		e.mu.Unlock()
		return false
	}
	st.cancelled = true
	var inflight []string
	for _, se := range st.exec.Steps {
		if se.Status == StepRunning && se.TaskID != "" {
			inflight = append(inflight, se.TaskID)
		}
	}
	cancel := st.cancel
	e.mu.Unlock()

	for _, taskID := range inflight {
		e.orch.Cancel(taskID)
	}
	cancel()
	return true
}

// Execution returns a deep snapshot of one execution.
func (e *Engine) Execution(executionID string) (*WorkflowExecution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("workflow execution %s: %w", executionID, core.ErrNotFound)
	}
	return snapshotExecution(st.exec), nil
}

// Wait blocks until the execution finishes or ctx expires.
func (e *Engine) Wait(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	e.mu.Lock()
	st, ok := e.executions[executionID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("workflow execution %s: %w", executionID, core.ErrNotFound)
	}

	select {
	case <-st.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.Execution(executionID)
}

// stepOutcome carries one finished step back to the driver.
type stepOutcome struct {
	stepID string
	result *core.TaskResult
	err    error
}

// run drives one execution to a terminal status.
func (e *Engine) run(ctx context.Context, st *execState) {
	defer st.cancel()

	def := st.def
	completed := make(map[string]struct{})
	failed := make(map[string]struct{})
	skipped := make(map[string]struct{})

	// completionOrder feeds reverse-order rollback.
	var completionOrder []string
	var firstFailure string
	abort := false

	settled := func() int { return len(completed) + len(failed) + len(skipped) }

	for settled() < len(def.Steps) && !abort {
		if ctx.Err() != nil {
			break
		}

		// READY: pending steps whose every dependency completed or
		// was skipped.
		var ready []*WorkflowStep
		e.mu.Lock()
		for i := range def.Steps {
			step := &def.Steps[i]
			se := st.exec.Steps[step.ID]
			if se.Status != StepPending {
				continue
			}
			ok := true
			for _, dep := range step.Dependencies {
				if _, c := completed[dep]; c {
					continue
				}
				if _, s := skipped[dep]; s {
					continue
				}
				ok = false
				break
			}
			if ok {
				ready = append(ready, step)
			}
		}

		// Condition gates run against the current context.
		var runnable []*WorkflowStep
		skippedThisRound := 0
		for _, step := range ready {
			if !evalCondition(step.Condition, st.exec.Context) {
				st.exec.Steps[step.ID].Status = StepSkipped
				skipped[step.ID] = struct{}{}
				skippedThisRound++
				continue
			}
			st.exec.Steps[step.ID].Status = StepReady
			runnable = append(runnable, step)
		}
		e.mu.Unlock()

		if len(runnable) == 0 {
			if skippedThisRound > 0 {
				continue
			}
			e.finish(st, WorkflowFailed, "deadlock: unmet dependencies", completionOrder)
			return
		}

		outcomes := make(chan stepOutcome, len(runnable))
		var wg sync.WaitGroup
		for _, step := range runnable {
			taskID, err := e.submitStep(ctx, st, step)
			if err != nil {
				outcomes <- stepOutcome{stepID: step.ID, err: err}
				continue
			}
			wg.Add(1)
			go func(stepID, taskID string) {
				defer wg.Done()
				result, err := e.orch.Wait(ctx, taskID)
				outcomes <- stepOutcome{stepID: stepID, result: result, err: err}
			}(step.ID, taskID)
		}
		wg.Wait()
		close(outcomes)

		for outcome := range outcomes {
			if ctx.Err() != nil {
				break
			}
			step := def.step(outcome.stepID)
			e.mu.Lock()
			se := st.exec.Steps[outcome.stepID]
			se.CompletedAt = e.clock.Now()

			if outcome.err == nil && outcome.result != nil && outcome.result.Status == core.TaskCompleted {
				se.Status = StepCompleted
				se.Result = outcome.result.Result
				st.exec.Context[fmt.Sprintf("step_%s_result", outcome.stepID)] = outcome.result.Result
				completed[outcome.stepID] = struct{}{}
				completionOrder = append(completionOrder, outcome.stepID)
				e.mu.Unlock()
				continue
			}

			se.Status = StepFailed
			if outcome.err != nil {
				se.Error = outcome.err.Error()
			} else if outcome.result != nil {
				se.Error = outcome.result.Error
			}
			failed[outcome.stepID] = struct{}{}
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("step %s failed: %s", outcome.stepID, se.Error)
			}

			if step != nil && step.OnFailure == StepSkip {
				e.skipDependentsLocked(st, outcome.stepID, skipped)
			} else {
				abort = true
			}
			e.mu.Unlock()
		}
	}

	// Sort out why the loop ended.
	e.mu.Lock()
	cancelled := st.cancelled
	e.mu.Unlock()

	if cancelled {
		e.cancelInflight(st)
		e.finish(st, WorkflowCancelled, "workflow cancelled", completionOrder)
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.cancelInflight(st)
		e.finish(st, WorkflowFailed, fmt.Sprintf("workflow timed out: %s", core.ErrTimeout), completionOrder)
		return
	}
	if ctx.Err() != nil {
		e.cancelInflight(st)
		e.finish(st, WorkflowCancelled, "workflow context cancelled", completionOrder)
		return
	}

	if len(failed) == 0 {
		e.finish(st, WorkflowCompleted, "", completionOrder)
		return
	}

	switch def.OnFailure {
	case WorkflowContinue:
		e.finish(st, WorkflowCompleted, "", completionOrder)
	case WorkflowRollback:
		e.rollback(st, completionOrder)
		e.finish(st, WorkflowFailed, firstFailure, completionOrder)
	default:
		e.finish(st, WorkflowFailed, firstFailure, completionOrder)
	}
}

// submitStep sends one step to the orchestrator with the step payload
// merged over a snapshot of the shared context.
func (e *Engine) submitStep(ctx context.Context, st *execState, step *WorkflowStep) (string, error) {
	e.mu.Lock()
	payload := make(map[string]interface{}, len(st.exec.Context)+len(step.Payload))
	for k, v := range st.exec.Context {
		payload[k] = v
	}
	for k, v := range step.Payload {
		payload[k] = v
	}
	e.mu.Unlock()

	req := &core.TaskRequest{
		TaskType:       "workflow_step",
		Capability:     step.Capability,
		Payload:        payload,
		Priority:       st.def.Priority,
		Timeout:        step.Timeout,
		MaxRetries:     step.RetryCount,
		RetryBaseDelay: e.config.StepRetryBaseDelay,
		RequesterID:    st.exec.ExecutionID,
		ParentTaskID:   st.exec.ExecutionID,
	}
	taskID, err := e.orch.Submit(ctx, req)
	if err != nil {
		return "", fmt.Errorf("submit step %s: %w", step.ID, err)
	}

	e.mu.Lock()
	se := st.exec.Steps[step.ID]
	se.Status = StepRunning
	se.TaskID = taskID
	se.StartedAt = e.clock.Now()
	e.mu.Unlock()
	return taskID, nil
}

// skipDependentsLocked marks every transitive dependent of stepID as
// SKIPPED. Caller holds e.mu.
func (e *Engine) skipDependentsLocked(st *execState, stepID string, skipped map[string]struct{}) {
	queue := []string{stepID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for i := range st.def.Steps {
			step := &st.def.Steps[i]
			se := st.exec.Steps[step.ID]
			if se.Status != StepPending {
				continue
			}
			for _, dep := range step.Dependencies {
				if dep != current {
					continue
				}
				se.Status = StepSkipped
				skipped[step.ID] = struct{}{}
				queue = append(queue, step.ID)
				break
			}
		}
	}
}

// cancelInflight cancels orchestrator tasks for steps still running.
func (e *Engine) cancelInflight(st *execState) {
	e.mu.Lock()
	var inflight []string
	for _, se := range st.exec.Steps {
		if se.Status == StepRunning && se.TaskID != "" {
			inflight = append(inflight, se.TaskID)
		}
	}
	e.mu.Unlock()
	for _, taskID := range inflight {
		e.orch.Cancel(taskID)
	}
}

// rollback invokes compensating capabilities for completed steps in
// reverse completion order. Compensation failures are logged only.
func (e *Engine) rollback(st *execState, completionOrder []string) {
	for i := len(completionOrder) - 1; i >= 0; i-- {
		stepID := completionOrder[i]
		step := st.def.step(stepID)
		if step == nil || step.Compensate == "" {
			continue
		}

		e.mu.Lock()
		payload := make(map[string]interface{}, len(st.exec.Context)+len(step.Payload))
		for k, v := range st.exec.Context {
			payload[k] = v
		}
		for k, v := range step.Payload {
			payload[k] = v
		}
		e.mu.Unlock()

		req := &core.TaskRequest{
			TaskType:    "workflow_compensation",
			Capability:  step.Compensate,
			Payload:     payload,
			Priority:    st.def.Priority,
			Timeout:     step.Timeout,
			RequesterID: st.exec.ExecutionID,
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.config.DefaultTimeout)
		taskID, err := e.orch.Submit(ctx, req)
		if err == nil {
			_, err = e.orch.Wait(ctx, taskID)
		}
		cancel()
		if err != nil {
			e.logger.Warn("Compensation failed", map[string]interface{}{
				"operation":    "workflow_rollback",
				"execution_id": st.exec.ExecutionID,
				"step_id":      stepID,
				"capability":   step.Compensate,
				"error":        err.Error(),
			})
		}
	}
}

// finish records the terminal status and notifies listeners.
func (e *Engine) finish(st *execState, status WorkflowStatus, errText string, completionOrder []string) {
	e.mu.Lock()
	if st.exec.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	st.exec.Status = status
	st.exec.Error = errText
	st.exec.CompletedAt = e.clock.Now()
	executionID := st.exec.ExecutionID
	workflowID := st.exec.WorkflowID
	close(st.done)
	e.mu.Unlock()

	e.logger.Info("Workflow execution finished", map[string]interface{}{
		"operation":    "workflow_execute",
		"execution_id": executionID,
		"workflow_id":  workflowID,
		"status":       string(status),
		"completed":    len(completionOrder),
		"error":        errText,
	})

	payload := map[string]interface{}{
		"execution_id": executionID,
		"workflow_id":  workflowID,
		"status":       string(status),
	}
	if errText != "" {
		payload["error"] = errText
	}
	if e.config.Bus != nil {
		topic := eventbus.TopicWorkflowFailed
		if status == WorkflowCompleted {
			topic = eventbus.TopicWorkflowCompleted
		}
		e.config.Bus.Publish(topic, payload)
	}
	if err := e.config.Audit.Append(context.Background(), "workflow."+string(status), payload); err != nil {
		e.logger.Warn("Audit append failed", map[string]interface{}{
			"operation":    "workflow_execute",
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
}

// snapshotExecution deep-copies an execution record.
func snapshotExecution(exec *WorkflowExecution) *WorkflowExecution {
	out := &WorkflowExecution{
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		Status:      exec.Status,
		Error:       exec.Error,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		Steps:       make(map[string]*StepExecution, len(exec.Steps)),
		Context:     make(map[string]interface{}, len(exec.Context)),
	}
	for id, se := range exec.Steps {
		copied := *se
		out.Steps[id] = &copied
	}
	for k, v := range exec.Context {
		out.Context[k] = v
	}
	return out
}
