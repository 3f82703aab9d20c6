// Package controlq carries admin commands from the CLI to a running
// daemon over a Redis list. Commands are enqueued with LPUSH and
// consumed with BRPOP so the daemon blocks cheaply while idle.
package controlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/ymera-io/ymera/core"
)

// Command is one admin instruction for the daemon.
type Command struct {
	CommandID string                 `json:"command_id"`
	Verb      string                 `json:"verb"`
	Target    string                 `json:"target"`
	Actor     string                 `json:"actor,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	IssuedAt  time.Time              `json:"issued_at"`
}

// Verbs understood by the daemon.
const (
	VerbSuspendAgent   = "agent.suspend"
	VerbActivateAgent  = "agent.activate"
	VerbIsolateAgent   = "agent.isolate"
	VerbCancelTask     = "task.cancel"
	VerbCancelWorkflow = "workflow.cancel"
)

// Handler processes one consumed command.
type Handler func(ctx context.Context, cmd *Command) error

// Queue is a Redis-list command channel between ymeractl and ymerad.
type Queue struct {
	client *redis.Client
	key    string
	logger core.Logger
}

// New creates a queue on "<namespace>:control".
func New(client *redis.Client, namespace string, logger core.Logger) *Queue {
	if namespace == "" {
		namespace = "ymera"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Queue{
		client: client,
		key:    namespace + ":control",
		logger: logger,
	}
}

// Enqueue pushes one command, assigning id and timestamp when unset.
func (q *Queue) Enqueue(ctx context.Context, cmd *Command) error {
	if cmd == nil || cmd.Verb == "" {
		return fmt.Errorf("controlq.Enqueue: verb is required: %w", core.ErrInvalidRequest)
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.New().String()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("controlq.Enqueue: marshal: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("controlq.Enqueue: %w", err)
	}
	return nil
}

// Depth reports the number of pending commands.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("controlq.Depth: %w", err)
	}
	return n, nil
}

// Run consumes commands until ctx ends. Malformed payloads and handler
// errors are logged and skipped; the loop never dies on one bad
// command.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		values, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("Control queue poll failed", map[string]interface{}{
				"operation": "control_poll",
				"error":     err.Error(),
			})
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(values) < 2 {
			continue
		}

		var cmd Command
		if err := json.Unmarshal([]byte(values[1]), &cmd); err != nil {
			q.logger.Warn("Dropping malformed control command", map[string]interface{}{
				"operation": "control_consume",
				"error":     err.Error(),
			})
			continue
		}

		q.logger.Info("Control command received", map[string]interface{}{
			"operation":  "control_consume",
			"command_id": cmd.CommandID,
			"verb":       cmd.Verb,
			"target":     cmd.Target,
		})
		if err := handler(ctx, &cmd); err != nil {
			q.logger.Warn("Control command failed", map[string]interface{}{
				"operation":  "control_consume",
				"command_id": cmd.CommandID,
				"verb":       cmd.Verb,
				"error":      err.Error(),
			})
		}
	}
}
