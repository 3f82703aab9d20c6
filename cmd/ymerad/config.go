package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ymera-io/ymera/core"
	"github.com/ymera-io/ymera/orchestration"
	"github.com/ymera-io/ymera/registry"
)

// daemonConfig is the YAML shape of the ymerad config file. Durations
// are given in seconds. Environment variables YMERA_REDIS_URL and
// YMERA_NAMESPACE override the file.
type daemonConfig struct {
	RedisURL  string             `yaml:"redis_url"`
	Namespace string             `yaml:"namespace"`
	Logging   core.LoggingConfig `yaml:"logging"`
	Telemetry bool               `yaml:"telemetry"`

	Orchestrator struct {
		WorkerCount           int     `yaml:"worker_count"`
		QueueCapacity         int     `yaml:"queue_capacity"`
		MaxConcurrentTasks    int     `yaml:"max_concurrent_tasks"`
		DefaultTimeoutSeconds float64 `yaml:"default_timeout_seconds"`
		MinHealth             float64 `yaml:"min_health"`
		Strategy              string  `yaml:"strategy"`
	} `yaml:"orchestrator"`

	Registry struct {
		HeartbeatTimeoutSeconds float64 `yaml:"heartbeat_timeout_seconds"`
		SweepIntervalSeconds    float64 `yaml:"sweep_interval_seconds"`
	} `yaml:"registry"`
}

func loadConfig(path string) (*daemonConfig, error) {
	cfg := &daemonConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("YMERA_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("YMERA_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "ymera"
	}
	return cfg, nil
}

func (c *daemonConfig) orchestratorConfig() *orchestration.Config {
	out := orchestration.DefaultConfig()
	if c.Orchestrator.WorkerCount > 0 {
		out.WorkerCount = c.Orchestrator.WorkerCount
	}
	if c.Orchestrator.QueueCapacity > 0 {
		out.QueueCapacity = c.Orchestrator.QueueCapacity
	}
	if c.Orchestrator.MaxConcurrentTasks > 0 {
		out.MaxConcurrentTasks = c.Orchestrator.MaxConcurrentTasks
	}
	if c.Orchestrator.DefaultTimeoutSeconds > 0 {
		out.DefaultTimeout = time.Duration(c.Orchestrator.DefaultTimeoutSeconds * float64(time.Second))
	}
	if c.Orchestrator.MinHealth > 0 {
		out.MinHealth = c.Orchestrator.MinHealth
	}
	if c.Orchestrator.Strategy != "" {
		out.Strategy = registry.Strategy(c.Orchestrator.Strategy)
	}
	return out
}

func (c *daemonConfig) registryConfig() *registry.Config {
	out := &registry.Config{}
	if c.Registry.HeartbeatTimeoutSeconds > 0 {
		out.HeartbeatTimeout = time.Duration(c.Registry.HeartbeatTimeoutSeconds * float64(time.Second))
	}
	if c.Registry.SweepIntervalSeconds > 0 {
		out.SweepInterval = time.Duration(c.Registry.SweepIntervalSeconds * float64(time.Second))
	}
	return out
}
