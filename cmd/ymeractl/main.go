// Command ymeractl inspects and steers a running ymerad through Redis:
// reads the registry presence mirror and outcome records, and enqueues
// admin commands on the control queue.
//
// Exit codes: 0 success, 1 operational failure, 2 input error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/ymera-io/ymera/core"
	"github.com/ymera-io/ymera/internal/controlq"
	"github.com/ymera-io/ymera/registry"
)

type cli struct {
	redisURL  string
	namespace string
	actor     string
	reason    string

	client *redis.Client
	mirror *registry.RedisMirror
	queue  *controlq.Queue
}

func main() {
	c := &cli{}
	root := c.rootCommand()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, core.ErrInvalidRequest) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ymeractl",
		Short:         "Inspect and steer a running YMERA control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.connect(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.client != nil {
				c.client.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.redisURL, "redis", envOr("YMERA_REDIS_URL", "redis://localhost:6379"), "Redis URL of the control plane")
	root.PersistentFlags().StringVar(&c.namespace, "namespace", envOr("YMERA_NAMESPACE", "ymera"), "key namespace")
	root.PersistentFlags().StringVar(&c.actor, "actor", "ymeractl", "actor recorded on state changes")
	root.PersistentFlags().StringVar(&c.reason, "reason", "", "reason recorded on state changes")

	root.AddCommand(c.agentCommand(), c.taskCommand(), c.workflowCommand())
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *cli) connect(ctx context.Context) error {
	client, err := core.ConnectRedis(ctx, c.redisURL, &core.NoOpLogger{})
	if err != nil {
		return err
	}
	c.client = client
	c.mirror = registry.NewRedisMirror(client, c.namespace, 5*time.Minute, &core.NoOpLogger{})
	c.queue = controlq.New(client, c.namespace, &core.NoOpLogger{})
	return nil
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("expected %s: %w", usage, core.ErrInvalidRequest)
		}
		return nil
	}
}

func (c *cli) agentCommand() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Agent registry operations"}

	agent.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List mirrored agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := c.mirror.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%-24s %-12s %-8s %6s  %s\n", "ID", "STATE", "HEALTH", "LOAD", "CAPABILITIES")
			for _, a := range agents {
				fmt.Printf("%-24s %-12s %-8.2f %6d  %v\n", a.ID, a.State, a.HealthScore, a.Load, a.Capabilities)
			}
			return nil
		},
	})

	agent.AddCommand(&cobra.Command{
		Use:   "inspect <agent-id>",
		Short: "Print one mirrored agent record as JSON",
		Args:  exactArgs(1, "one agent id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.mirror.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(a)
		},
	})

	agent.AddCommand(c.transitionCommand("suspend", controlq.VerbSuspendAgent))
	agent.AddCommand(c.transitionCommand("activate", controlq.VerbActivateAgent))
	agent.AddCommand(c.transitionCommand("isolate", controlq.VerbIsolateAgent))
	return agent
}

func (c *cli) transitionCommand(name, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <agent-id>",
		Short: fmt.Sprintf("Ask the daemon to %s an agent", name),
		Args:  exactArgs(1, "one agent id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := c.queue.Enqueue(cmd.Context(), &controlq.Command{
				Verb:   verb,
				Target: args[0],
				Actor:  c.actor,
				Reason: c.reason,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s queued for %s\n", verb, args[0])
			return nil
		},
	}
}

func (c *cli) taskCommand() *cobra.Command {
	return c.outcomeCommand("task", "tasks", controlq.VerbCancelTask)
}

func (c *cli) workflowCommand() *cobra.Command {
	return c.outcomeCommand("workflow", "workflows", controlq.VerbCancelWorkflow)
}

// outcomeCommand builds the shared list/inspect/cancel verbs over the
// daemon's mirrored outcome records.
func (c *cli) outcomeCommand(noun, kind, cancelVerb string) *cobra.Command {
	root := &cobra.Command{Use: noun, Short: fmt.Sprintf("%s operations", noun)}

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List recent %s outcomes", noun),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ids, err := c.client.LRange(ctx, fmt.Sprintf("%s:%s:recent", c.namespace, kind), 0, 49).Result()
			if err != nil {
				return fmt.Errorf("list %s: %w", kind, err)
			}
			for _, id := range ids {
				record, err := c.loadRecord(ctx, kind, id)
				if err != nil {
					continue
				}
				status, _ := record["status"].(string)
				fmt.Printf("%-40s %s\n", id, status)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "inspect <id>",
		Short: fmt.Sprintf("Print one %s outcome as JSON", noun),
		Args:  exactArgs(1, "one id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := c.loadRecord(cmd.Context(), kind, args[0])
			if err != nil {
				return err
			}
			return printJSON(record)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: fmt.Sprintf("Ask the daemon to cancel a %s", noun),
		Args:  exactArgs(1, "one id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := c.queue.Enqueue(cmd.Context(), &controlq.Command{
				Verb:   cancelVerb,
				Target: args[0],
				Actor:  c.actor,
				Reason: c.reason,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s queued for %s\n", cancelVerb, args[0])
			return nil
		},
	})
	return root
}

func (c *cli) loadRecord(ctx context.Context, kind, id string) (map[string]interface{}, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("%s:%s:%s", c.namespace, kind, id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	var record map[string]interface{}
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return record, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
