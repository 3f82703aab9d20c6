package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ymera-io/ymera/core"
)

// RedisPersistence writes entry snapshots to Redis so operators can
// inspect the knowledge base out of process. The in-memory store stays
// authoritative.
type RedisPersistence struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    core.Logger
}

// NewRedisPersistence creates a persistence hook. A zero ttl keeps
// entries until Redis evicts them.
func NewRedisPersistence(client *redis.Client, namespace string, ttl time.Duration, logger core.Logger) *RedisPersistence {
	if namespace == "" {
		namespace = "ymera"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisPersistence{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		logger:    logger,
	}
}

// EntryKey returns the Redis key for one entry.
func (p *RedisPersistence) EntryKey(entryID string) string {
	return fmt.Sprintf("%s:knowledge:%s", p.namespace, entryID)
}

func (p *RedisPersistence) categoryKey(category string) string {
	return fmt.Sprintf("%s:knowledge_categories:%s", p.namespace, category)
}

// SaveEntry writes the snapshot and category membership atomically.
func (p *RedisPersistence) SaveEntry(ctx context.Context, entry *core.KnowledgeEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("knowledge persistence: marshal %s: %w", entry.EntryID, err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.EntryKey(entry.EntryID), data, p.ttl)
	pipe.SAdd(ctx, p.categoryKey(entry.Category), entry.EntryID)
	if p.ttl > 0 {
		pipe.Expire(ctx, p.categoryKey(entry.Category), p.ttl*2)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("knowledge persistence: save %s: %w", entry.EntryID, err)
	}
	return nil
}

// LoadEntry reads one snapshot back; used by the CLI.
func (p *RedisPersistence) LoadEntry(ctx context.Context, entryID string) (*core.KnowledgeEntry, error) {
	data, err := p.client.Get(ctx, p.EntryKey(entryID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("knowledge entry %s: %w", entryID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge persistence: load %s: %w", entryID, err)
	}

	var entry core.KnowledgeEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("knowledge persistence: unmarshal %s: %w", entryID, err)
	}
	return &entry, nil
}

// LoadCategory reads every stored entry of one category.
func (p *RedisPersistence) LoadCategory(ctx context.Context, category string) ([]*core.KnowledgeEntry, error) {
	ids, err := p.client.SMembers(ctx, p.categoryKey(category)).Result()
	if err != nil {
		return nil, fmt.Errorf("knowledge persistence: category %s: %w", category, err)
	}

	entries := make([]*core.KnowledgeEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := p.LoadEntry(ctx, id)
		if err != nil {
			// Entry may have expired after the set was read.
			p.logger.Debug("Skipping unreadable knowledge entry", map[string]interface{}{
				"operation": "knowledge_load",
				"entry_id":  id,
			})
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
