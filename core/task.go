package core

import "time"

// TaskPriority orders tasks in the orchestrator queue.
// Higher values run first.
type TaskPriority int

const (
	PriorityLow       TaskPriority = 1
	PriorityNormal    TaskPriority = 2
	PriorityHigh      TaskPriority = 3
	PriorityCritical  TaskPriority = 4
	PriorityEmergency TaskPriority = 5
)

// String returns the string representation of the priority.
func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// TaskStatus is the lifecycle status of a submitted task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskQueued    TaskStatus = "QUEUED"
	TaskRouting   TaskStatus = "ROUTING"
	TaskExecuting TaskStatus = "EXECUTING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskTimeout   TaskStatus = "TIMEOUT"
	TaskRetrying  TaskStatus = "RETRYING"
)

// Terminal reports whether the status admits no further mutation.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	}
	return false
}

// TaskRequest describes one unit of work to dispatch to one agent.
type TaskRequest struct {
	TaskID         string                 `json:"task_id"`
	TaskType       string                 `json:"task_type"`
	Capability     string                 `json:"capability"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Priority       TaskPriority           `json:"priority"`

	// TargetAgentID pins the task to one agent, bypassing discovery.
	// Used for admin-directed assignment; empty means discover.
	TargetAgentID string `json:"target_agent_id,omitempty"`
	Timeout        time.Duration          `json:"timeout"`
	MaxRetries     int                    `json:"max_retries"`
	RetryBaseDelay time.Duration          `json:"retry_base_delay"`
	RequesterID    string                 `json:"requester_id,omitempty"`
	ParentTaskID   string                 `json:"parent_task_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Validate checks the request for structural problems.
// It returns ErrInvalidRequest wrapped with detail on the first violation.
func (r *TaskRequest) Validate() error {
	if r == nil {
		return NewPlaneError("task.Validate", "task", ErrInvalidRequest)
	}
	if r.Capability == "" {
		return &PlaneError{Op: "task.Validate", Kind: "task", ID: r.TaskID,
			Message: "capability is required", Err: ErrInvalidRequest}
	}
	if r.Priority < PriorityLow || r.Priority > PriorityEmergency {
		return &PlaneError{Op: "task.Validate", Kind: "task", ID: r.TaskID,
			Message: "priority out of range", Err: ErrInvalidRequest}
	}
	if r.MaxRetries < 0 {
		return &PlaneError{Op: "task.Validate", Kind: "task", ID: r.TaskID,
			Message: "max_retries must be >= 0", Err: ErrInvalidRequest}
	}
	return nil
}

// TaskResult is the outcome of one task, terminal once published.
type TaskResult struct {
	TaskID          string                 `json:"task_id"`
	Status          TaskStatus             `json:"status"`
	Result          map[string]interface{} `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	AgentID         string                 `json:"agent_id,omitempty"`
	ExecutionTimeMS int64                  `json:"execution_time_ms"`
	Retries         int                    `json:"retries"`
}
