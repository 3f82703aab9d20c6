// Package eventbus provides the in-process typed pub/sub glue that binds
// the control plane components together.
//
// Each subscriber owns a dedicated goroutine draining a bounded inbox, so
// delivery is FIFO per (topic, subscriber) and a slow consumer never blocks
// publishers or other subscribers.
package eventbus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ymera-io/ymera/core"
)

// Well-known topics published by the control plane.
const (
	TopicAgentStateChanged = "agent.state_changed"
	TopicAgentPresence     = "agent.presence.update"
	TopicTaskCompleted     = "task.completed"
	TopicTaskFailed        = "task.failed"
	TopicWorkflowCompleted = "workflow.completed"
	TopicWorkflowFailed    = "workflow.failed"
	TopicKnowledgeNew      = "knowledge.new"
	TopicKnowledgeDelivery = "knowledge.delivery"
	TopicThreatDetected    = "agent.threat_detected"
)

// Event is one message on a topic.
type Event struct {
	Topic     string                 `json:"topic"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler consumes events for one subscriber. Handlers run on the
// subscriber's own goroutine; they may block without affecting others.
type Handler func(event Event)

// Config configures the bus.
type Config struct {
	// InboxSize bounds each subscriber's inbox. When full, new events for
	// that subscriber are dropped and counted. Default: 256.
	InboxSize int

	// Logger is optional.
	Logger core.Logger

	// Clock is optional; defaults to the system clock.
	Clock core.Clock
}

// Bus is an in-process pub/sub broker.
type Bus struct {
	config Config
	logger core.Logger
	clock  core.Clock

	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	closed      bool
	wg          sync.WaitGroup
}

type subscriber struct {
	name    string
	topic   string
	inbox   chan Event
	dropped atomic.Uint64
}

// New creates a bus, applying defaults for unset config values.
func New(config *Config) *Bus {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock{}
	}

	return &Bus{
		config:      cfg,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		subscribers: make(map[string][]*subscriber),
	}
}

// Subscribe registers a named handler on a topic and starts its delivery
// goroutine. Subscriber names must be unique per topic.
func (b *Bus) Subscribe(topic, name string, handler Handler) error {
	if topic == "" || name == "" {
		return fmt.Errorf("eventbus.Subscribe: topic and name are required: %w", core.ErrInvalidRequest)
	}
	if handler == nil {
		return fmt.Errorf("eventbus.Subscribe: handler cannot be nil: %w", core.ErrInvalidRequest)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("eventbus.Subscribe: %w", core.ErrNotRunning)
	}
	for _, existing := range b.subscribers[topic] {
		if existing.name == name {
			return fmt.Errorf("eventbus.Subscribe: subscriber %q on %q: %w", name, topic, core.ErrAlreadyExists)
		}
	}

	sub := &subscriber{
		name:  name,
		topic: topic,
		inbox: make(chan Event, b.config.InboxSize),
	}
	b.subscribers[topic] = append(b.subscribers[topic], sub)

	b.wg.Add(1)
	go b.deliver(sub, handler)

	b.logger.Debug("Subscriber registered", map[string]interface{}{
		"operation":  "eventbus_subscribe",
		"topic":      topic,
		"subscriber": name,
	})

	return nil
}

// Unsubscribe removes a named subscriber and closes its inbox.
// Unknown subscribers are a no-op.
func (b *Bus) Unsubscribe(topic, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]
	for i, sub := range subs {
		if sub.name == name {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			close(sub.inbox)
			return
		}
	}
}

// Publish posts an event to every subscriber of the topic. Delivery is
// fire-and-forget: a full inbox drops the event for that subscriber only.
func (b *Bus) Publish(topic string, payload map[string]interface{}) {
	event := Event{
		Topic:     topic,
		Payload:   payload,
		Timestamp: b.clock.Now(),
	}

	// The read lock is held across the sends so Close and Unsubscribe,
	// which close inboxes under the write lock, cannot race a send on a
	// closed channel. Sends never block: a full inbox drops instead.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subscribers[topic] {
		select {
		case sub.inbox <- event:
		default:
			dropped := sub.dropped.Add(1)
			b.logger.Warn("Subscriber inbox full, event dropped", map[string]interface{}{
				"operation":     "eventbus_drop",
				"topic":         topic,
				"subscriber":    sub.name,
				"dropped_total": dropped,
			})
		}
	}
}

// Close stops the bus. Events already in subscriber inboxes are delivered
// before their goroutines exit; Close blocks until all have drained.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.inbox)
		}
	}
	b.subscribers = make(map[string][]*subscriber)
	b.mu.Unlock()

	b.wg.Wait()
}

// deliver drains one subscriber's inbox until it closes.
func (b *Bus) deliver(sub *subscriber, handler Handler) {
	defer b.wg.Done()

	for event := range sub.inbox {
		b.invoke(sub, handler, event)
	}
}

// invoke runs the handler with panic recovery so one bad subscriber
// cannot take down the bus.
func (b *Bus) invoke(sub *subscriber, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber handler panicked", map[string]interface{}{
				"operation":  "eventbus_handler_panic",
				"topic":      sub.topic,
				"subscriber": sub.name,
				"panic":      fmt.Sprintf("%v", r),
				"stack":      string(debug.Stack()),
			})
		}
	}()

	handler(event)
}
