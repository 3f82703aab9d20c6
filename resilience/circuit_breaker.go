// Package resilience provides the circuit breaker that gates every
// outbound agent call, plus a retry helper with exponential backoff.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ymera-io/ymera/core"
)

// State represents the state of the circuit breaker.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen blocks all requests until the open timeout elapses.
	StateOpen
	// StateHalfOpen allows probe requests to test recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit breaker observations.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation.
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string)                      {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// TelemetryMetrics forwards breaker observations to a core.Telemetry.
type TelemetryMetrics struct {
	Telemetry core.Telemetry
}

func (t *TelemetryMetrics) RecordSuccess(name string) {
	t.Telemetry.RecordMetric("circuit_breaker.success", 1, map[string]string{"breaker": name})
}

func (t *TelemetryMetrics) RecordFailure(name string) {
	t.Telemetry.RecordMetric("circuit_breaker.failure", 1, map[string]string{"breaker": name})
}

func (t *TelemetryMetrics) RecordStateChange(name string, from, to string) {
	t.Telemetry.RecordMetric("circuit_breaker.state_change", 1, map[string]string{
		"breaker": name, "from": from, "to": to,
	})
}

func (t *TelemetryMetrics) RecordRejection(name string) {
	t.Telemetry.RecordMetric("circuit_breaker.rejection", 1, map[string]string{"breaker": name})
}

// ErrorClassifier determines which errors count toward breaker thresholds.
// Errors it rejects bypass accounting entirely and propagate to the caller.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure failures, not caller errors.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	// Malformed input - caller error, not a dependency failure
	if errors.Is(err, core.ErrInvalidRequest) {
		return false
	}

	// Lookup misses - caller error
	if core.IsNotFound(err) {
		return false
	}

	// Client gave up - not the dependency's fault
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrTaskCancelled) {
		return false
	}

	// Everything else (timeouts, connection failures, adapter errors) counts
	return true
}

// Config holds configuration for one circuit breaker.
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// FailureThreshold is the consecutive failure count that opens the
	// breaker from CLOSED. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the consecutive success count that closes the
	// breaker from HALF_OPEN. Default: 2.
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays OPEN before allowing a
	// probe (HALF_OPEN). Default: 30s.
	OpenTimeout time.Duration

	// WindowSize is the number of recent call outcomes retained for the
	// failure-rate trip condition. Default: 20.
	WindowSize int

	// MinThroughput is the minimum number of outcomes in the window
	// before the failure-rate condition applies. Default: 10.
	MinThroughput int

	// ErrorClassifier decides which errors count as failures.
	ErrorClassifier ErrorClassifier

	// Logger for breaker events.
	Logger core.Logger

	// Metrics collector for monitoring.
	Metrics MetricsCollector

	// Clock for determinism in tests.
	Clock core.Clock
}

// DefaultConfig returns a production-ready default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:             "default",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		WindowSize:       20,
		MinThroughput:    10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
		Clock:            core.SystemClock{},
	}
}

// Breaker is a per-dependency failure gate.
//
// All counters live behind a single mutex. The lock is never held across
// the wrapped call itself, only around the allow/record bookkeeping.
type Breaker struct {
	config Config

	mu             sync.Mutex
	state          State
	failureCount   int // consecutive failures while CLOSED
	successCount   int // consecutive successes while HALF_OPEN
	lastFailure    time.Time
	stateChangedAt time.Time

	// Rolling window of recent outcomes, true = failure.
	window      []bool
	windowIdx   int
	windowCount int

	rejections uint64
}

// Snapshot is a point-in-time view of breaker counters.
type Snapshot struct {
	Name         string
	State        State
	FailureCount int
	SuccessCount int
	LastFailure  time.Time
	Rejections   uint64
}

// New creates a circuit breaker, applying defaults for unset values.
func New(config *Config) *Breaker {
	cfg := *DefaultConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.MinThroughput <= 0 {
		cfg.MinThroughput = 10
	}
	if cfg.ErrorClassifier == nil {
		cfg.ErrorClassifier = DefaultErrorClassifier
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &noopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock{}
	}

	return &Breaker{
		config:         cfg,
		state:          StateClosed,
		stateChangedAt: cfg.Clock.Now(),
		window:         make([]bool, cfg.WindowSize),
	}
}

// Call runs fn under breaker protection. When the breaker is OPEN and the
// open timeout has not elapsed, fn is never invoked and the error wraps
// core.ErrCircuitBreakerOpen. Context cancellation is checked before the
// call; fn is responsible for honoring ctx during execution.
func (b *Breaker) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !b.allow() {
		b.config.Metrics.RecordRejection(b.config.Name)
		return fmt.Errorf("circuit breaker %q is open: %w", b.config.Name, core.ErrCircuitBreakerOpen)
	}

	err := fn()
	b.record(err)
	return err
}

// State returns the current state, applying the OPEN -> HALF_OPEN
// timeout transition if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Snapshot returns current counters for observability.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:         b.config.Name,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		LastFailure:  b.lastFailure,
		Rejections:   b.rejections,
	}
}

// allow decides whether a call may proceed, moving OPEN to HALF_OPEN
// when the open timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	if b.state == StateOpen {
		b.rejections++
		return false
	}
	return true
}

// maybeHalfOpen transitions OPEN -> HALF_OPEN once the timeout elapses.
// Caller must hold b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.config.Clock.Now().Sub(b.lastFailure) >= b.config.OpenTimeout {
		b.transition(StateHalfOpen)
		b.successCount = 0
	}
}

// record applies one call outcome to the state machine.
func (b *Breaker) record(err error) {
	failed := err != nil && b.config.ErrorClassifier(err)
	if err != nil && !failed {
		// Excluded failure kind: propagates without accounting.
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if failed {
		b.config.Metrics.RecordFailure(b.config.Name)
		b.lastFailure = b.config.Clock.Now()

		switch b.state {
		case StateClosed:
			b.failureCount++
			b.observe(true)
			if b.failureCount >= b.config.FailureThreshold || b.windowTripped() {
				b.transition(StateOpen)
			}
		case StateHalfOpen:
			// A single probe failure reopens immediately.
			b.transition(StateOpen)
			b.successCount = 0
		}
		return
	}

	b.config.Metrics.RecordSuccess(b.config.Name)

	switch b.state {
	case StateClosed:
		b.failureCount = 0
		b.observe(false)
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transition(StateClosed)
			b.reset()
		}
	}
}

// observe records one outcome in the rolling window. Caller holds b.mu.
func (b *Breaker) observe(failure bool) {
	b.window[b.windowIdx] = failure
	b.windowIdx = (b.windowIdx + 1) % len(b.window)
	if b.windowCount < len(b.window) {
		b.windowCount++
	}
}

// windowTripped reports whether the rolling failure rate exceeds 0.5
// with at least MinThroughput outcomes. Caller holds b.mu.
func (b *Breaker) windowTripped() bool {
	if b.windowCount < b.config.MinThroughput {
		return false
	}
	failures := 0
	for i := 0; i < b.windowCount; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures)/float64(b.windowCount) > 0.5
}

// reset clears counters after recovery. Caller holds b.mu.
func (b *Breaker) reset() {
	b.failureCount = 0
	b.successCount = 0
	b.windowIdx = 0
	b.windowCount = 0
}

// transition moves to a new state with logging and metrics.
// Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.stateChangedAt = b.config.Clock.Now()

	b.config.Metrics.RecordStateChange(b.config.Name, from.String(), to.String())
	b.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      b.config.Name,
		"from":      from.String(),
		"to":        to.String(),
	})
}
