package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Request and lookup errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")

	// Agent lifecycle errors
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrApprovalRequired  = errors.New("approval required")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrNoAgentAvailable  = errors.New("no agent available")

	// Capacity errors
	ErrQueueFull = errors.New("queue full")
	ErrSaturated = errors.New("max concurrent tasks reached")

	// Execution errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrTimeout            = errors.New("operation timeout")
	ErrDependencyFailure  = errors.New("dependency failure")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrTaskCancelled      = errors.New("task cancelled")

	// Workflow errors
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotRunning     = errors.New("not running")

	// Internal invariant violations
	ErrInternal = errors.New("internal error")
)

// PlaneError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type PlaneError struct {
	Op      string // Operation that failed (e.g., "registry.Register")
	Kind    string // Error kind (e.g., "agent", "task", "workflow")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *PlaneError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *PlaneError) Unwrap() error {
	return e.Err
}

// NewPlaneError creates a new PlaneError.
func NewPlaneError(op, kind string, err error) *PlaneError {
	return &PlaneError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are transient availability or dependency issues;
// the orchestrator retry policy only consumes attempts on these.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDependencyFailure) ||
		errors.Is(err, ErrTimeout)
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAgentNotFound)
}

// IsCapacityError checks if an error is due to a bounded resource being full.
func IsCapacityError(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrSaturated)
}

// IsTerminalTaskError checks if an error must never be retried.
func IsTerminalTaskError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrTaskCancelled) ||
		errors.Is(err, ErrCircuitBreakerOpen)
}
