// Command ymerad runs a YMERA control plane daemon: it starts the
// orchestrator and sweeper, consumes admin commands from the Redis
// control queue, and mirrors task and workflow outcomes to Redis so
// ymeractl can inspect them out of process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/ymera-io/ymera"
	"github.com/ymera-io/ymera/core"
	"github.com/ymera-io/ymera/eventbus"
	"github.com/ymera-io/ymera/internal/controlq"
	"github.com/ymera-io/ymera/orchestration"
	"github.com/ymera-io/ymera/resilience"
	"github.com/ymera-io/ymera/telemetry"
)

const resultTTL = 24 * time.Hour

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "ymerad",
		Short:        "YMERA agent control plane daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := core.NewProductionLogger(cfg.Logging, "ymerad")

	var client *redis.Client
	if cfg.RedisURL != "" {
		client, err = core.ConnectRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer client.Close()
	}

	var tel core.Telemetry
	if cfg.Telemetry {
		provider, err := telemetry.NewProvider("ymerad")
		if err != nil {
			return err
		}
		defer provider.Shutdown(context.Background())
		tel = provider
	}

	adapter := orchestration.NewInProcessAdapter()
	plane := ymera.New(adapter, &ymera.Config{
		Registry:     cfg.registryConfig(),
		Orchestrator: cfg.orchestratorConfig(),
		Redis:        client,
		Namespace:    cfg.Namespace,
		Logger:       logger,
		Telemetry:    tel,
	})

	if err := plane.Start(ctx); err != nil {
		return err
	}

	if client != nil {
		mirrorOutcomes(plane, client, cfg.Namespace, logger)
		queue := controlq.New(client, cfg.Namespace, logger)
		go queue.Run(ctx, controlHandler(plane))
	}

	logger.Info("Daemon running", map[string]interface{}{
		"operation": "daemon_start",
		"namespace": cfg.Namespace,
	})

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return plane.Stop(stopCtx)
}

// controlHandler maps control queue verbs onto plane operations.
func controlHandler(plane *ymera.ControlPlane) controlq.Handler {
	return func(ctx context.Context, cmd *controlq.Command) error {
		actor := cmd.Actor
		if actor == "" {
			actor = "ymeractl"
		}
		switch cmd.Verb {
		case controlq.VerbSuspendAgent:
			_, err := plane.TransitionAgent(ctx, cmd.Target, "suspend", cmd.Reason, actor, "")
			return err
		case controlq.VerbActivateAgent:
			_, err := plane.TransitionAgent(ctx, cmd.Target, "activate", cmd.Reason, actor, "")
			return err
		case controlq.VerbIsolateAgent:
			_, err := plane.TransitionAgent(ctx, cmd.Target, "isolate", cmd.Reason, actor, "")
			return err
		case controlq.VerbCancelTask:
			plane.CancelTask(cmd.Target)
			return nil
		case controlq.VerbCancelWorkflow:
			plane.CancelWorkflow(cmd.Target)
			return nil
		default:
			return fmt.Errorf("control verb %q: %w", cmd.Verb, core.ErrInvalidRequest)
		}
	}
}

// mirrorOutcomes copies terminal task and workflow records into Redis
// so the CLI can list and inspect them without an API on the daemon.
func mirrorOutcomes(plane *ymera.ControlPlane, client *redis.Client, namespace string, logger core.Logger) {
	// Each handler runs on its own bus goroutine, so a retried write only
	// delays that subscriber's backlog, never a publisher.
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
	writeRecord := func(kind, id string, payload map[string]interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		key := fmt.Sprintf("%s:%s:%s", namespace, kind, id)
		err = resilience.Retry(ctx, retryCfg, func() error {
			pipe := client.TxPipeline()
			pipe.Set(ctx, key, data, resultTTL)
			pipe.LPush(ctx, fmt.Sprintf("%s:%s:recent", namespace, kind), id)
			pipe.LTrim(ctx, fmt.Sprintf("%s:%s:recent", namespace, kind), 0, 999)
			_, execErr := pipe.Exec(ctx)
			return execErr
		})
		if err != nil {
			logger.Warn("Outcome mirror failed", map[string]interface{}{
				"operation": "outcome_mirror",
				"key":       key,
				"error":     err.Error(),
			})
		}
	}

	taskHandler := func(event eventbus.Event) {
		id, _ := event.Payload["task_id"].(string)
		if id == "" {
			return
		}
		writeRecord("tasks", id, event.Payload)
	}
	workflowHandler := func(event eventbus.Event) {
		id, _ := event.Payload["execution_id"].(string)
		if id == "" {
			return
		}
		writeRecord("workflows", id, event.Payload)
	}

	bus := plane.Bus()
	bus.Subscribe(eventbus.TopicTaskCompleted, "outcome-mirror", taskHandler)
	bus.Subscribe(eventbus.TopicTaskFailed, "outcome-mirror", taskHandler)
	bus.Subscribe(eventbus.TopicWorkflowCompleted, "outcome-mirror", workflowHandler)
	bus.Subscribe(eventbus.TopicWorkflowFailed, "outcome-mirror", workflowHandler)
}
