package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ymera-io/ymera/core"
)

// RedisMirror publishes agent snapshots and capability sets to Redis so
// operators and the CLI can observe the plane without touching the
// in-memory registry. The registry remains authoritative; mirror writes
// are best-effort.
//
// Key layout:
//
//	<namespace>:agents:<id>           JSON agent snapshot (TTL)
//	<namespace>:capabilities:<name>   set of agent ids (TTL)
type RedisMirror struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    core.Logger
}

// NewRedisMirror creates a mirror over an already connected client.
func NewRedisMirror(client *redis.Client, namespace string, ttl time.Duration, logger core.Logger) *RedisMirror {
	if namespace == "" {
		namespace = "ymera"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisMirror{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		logger:    logger,
	}
}

// AgentKey returns the Redis key for one agent snapshot.
func (m *RedisMirror) AgentKey(agentID string) string {
	return fmt.Sprintf("%s:agents:%s", m.namespace, agentID)
}

// CapabilityKey returns the Redis key for one capability set.
func (m *RedisMirror) CapabilityKey(capability string) string {
	return fmt.Sprintf("%s:capabilities:%s", m.namespace, capability)
}

// Upsert writes the snapshot and refreshes capability membership
// atomically with a transaction pipeline.
func (m *RedisMirror) Upsert(ctx context.Context, agent *core.AgentInfo) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("mirror: marshal agent %s: %w", agent.ID, err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.AgentKey(agent.ID), data, m.ttl)
	for _, capability := range agent.Capabilities {
		key := m.CapabilityKey(capability)
		pipe.SAdd(ctx, key, agent.ID)
		pipe.Expire(ctx, key, m.ttl*2)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror: upsert agent %s: %w", agent.ID, err)
	}
	return nil
}

// Remove deletes the snapshot and capability memberships.
func (m *RedisMirror) Remove(ctx context.Context, agentID string, capabilities []string) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.AgentKey(agentID))
	for _, capability := range capabilities {
		pipe.SRem(ctx, m.CapabilityKey(capability), agentID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror: remove agent %s: %w", agentID, err)
	}
	return nil
}

// Load reads one mirrored snapshot back; used by the CLI, never by the
// control plane itself.
func (m *RedisMirror) Load(ctx context.Context, agentID string) (*core.AgentInfo, error) {
	data, err := m.client.Get(ctx, m.AgentKey(agentID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("mirror: agent %s: %w", agentID, core.ErrAgentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: load agent %s: %w", agentID, err)
	}

	var agent core.AgentInfo
	if err := json.Unmarshal([]byte(data), &agent); err != nil {
		return nil, fmt.Errorf("mirror: unmarshal agent %s: %w", agentID, err)
	}
	return &agent, nil
}

// LoadAll scans the mirrored agent keys; used by the CLI list command.
func (m *RedisMirror) LoadAll(ctx context.Context) ([]*core.AgentInfo, error) {
	pattern := fmt.Sprintf("%s:agents:*", m.namespace)

	var agents []*core.AgentInfo
	iter := m.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		data, err := m.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue // key may have expired between scan and get
		}
		var agent core.AgentInfo
		if err := json.Unmarshal([]byte(data), &agent); err != nil {
			m.logger.Warn("Skipping unreadable mirror entry", map[string]interface{}{
				"operation": "mirror_load_all",
				"key":       iter.Val(),
				"error":     err.Error(),
			})
			continue
		}
		agents = append(agents, &agent)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("mirror: scan agents: %w", err)
	}
	return agents, nil
}
