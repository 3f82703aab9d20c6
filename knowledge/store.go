// Package knowledge implements the append-only knowledge store and the
// subscription-based flow manager that fans new entries out to agents.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ymera-io/ymera/core"
	"github.com/ymera-io/ymera/eventbus"
)

// Persistence receives entry snapshots for durable storage. The store
// never reads back; persistence failure is logged, not propagated.
type Persistence interface {
	SaveEntry(ctx context.Context, entry *core.KnowledgeEntry) error
}

// Config configures the knowledge store.
type Config struct {
	Logger      core.Logger
	Clock       core.Clock
	Bus         *eventbus.Bus
	Audit       core.DurableLog
	Persistence Persistence
}

// Store is the in-memory knowledge base. Entries are append-only:
// updates create new versions, duplicates collapse by content hash.
type Store struct {
	logger      core.Logger
	clock       core.Clock
	bus         *eventbus.Bus
	audit       core.DurableLog
	persistence Persistence

	mu         sync.RWMutex
	entries    map[string]*core.KnowledgeEntry
	byHash     map[string]string   // content hash -> entry id
	byCategory map[string][]string // category -> entry ids in insert order

	subscriptions map[string]*core.KnowledgeSubscription

	// subIndex maps category -> matching subscriptions. Rebuilt as a
	// fresh copy on every subscription change so readers iterate a
	// snapshot without holding the lock.
	subIndex map[string][]*core.KnowledgeSubscription
}

// NewStore creates an empty knowledge store.
func NewStore(config *Config) *Store {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock{}
	}
	if cfg.Audit == nil {
		cfg.Audit = &core.NoOpDurableLog{}
	}
	return &Store{
		logger:        cfg.Logger,
		clock:         cfg.Clock,
		bus:           cfg.Bus,
		audit:         cfg.Audit,
		persistence:   cfg.Persistence,
		entries:       make(map[string]*core.KnowledgeEntry),
		byHash:        make(map[string]string),
		byCategory:    make(map[string][]string),
		subscriptions: make(map[string]*core.KnowledgeSubscription),
		subIndex:      make(map[string][]*core.KnowledgeSubscription),
	}
}

// ContentHash fingerprints canonicalised content: whitespace collapsed,
// case preserved.
func ContentHash(content string) string {
	canonical := strings.Join(strings.Fields(content), " ")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// StoreEntry appends one entry, collapsing duplicates by content hash.
// A duplicate increments the existing entry's usage count and returns
// its id without a new notification.
func (s *Store) StoreEntry(ctx context.Context, content, category, sourceAgentID string, tags []string, metadata map[string]interface{}) (string, error) {
	if content == "" || category == "" {
		return "", fmt.Errorf("knowledge.StoreEntry: content and category are required: %w", core.ErrInvalidRequest)
	}

	hash := ContentHash(content)

	s.mu.Lock()
	if existingID, ok := s.byHash[hash]; ok {
		existing := s.entries[existingID]
		existing.UsageCount++
		count := existing.UsageCount
		s.mu.Unlock()
		s.logger.Debug("Duplicate knowledge entry collapsed", map[string]interface{}{
			"operation":   "knowledge_store",
			"entry_id":    existingID,
			"usage_count": count,
		})
		s.persist(ctx, existing)
		return existingID, nil
	}

	entry := &core.KnowledgeEntry{
		EntryID:       uuid.New().String(),
		Category:      category,
		Content:       content,
		ContentHash:   hash,
		Tags:          append([]string(nil), tags...),
		SourceAgentID: sourceAgentID,
		Confidence:    1.0,
		Metadata:      copyMap(metadata),
		Version:       1,
		UsageCount:    1,
		CreatedAt:     s.clock.Now(),
	}
	s.entries[entry.EntryID] = entry
	s.byHash[hash] = entry.EntryID
	s.byCategory[category] = append(s.byCategory[category], entry.EntryID)
	snapshot := cloneEntry(entry)
	s.mu.Unlock()

	s.logger.Info("Knowledge entry stored", map[string]interface{}{
		"operation": "knowledge_store",
		"entry_id":  entry.EntryID,
		"category":  category,
		"source":    sourceAgentID,
	})
	s.persist(ctx, snapshot)
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicKnowledgeNew, map[string]interface{}{
			"entry_id": snapshot.EntryID,
			"category": snapshot.Category,
			"source":   snapshot.SourceAgentID,
		})
	}
	s.NotifySubscribers(ctx, category, snapshot)
	return entry.EntryID, nil
}

// UpdateEntry appends a new version linked to its predecessor. The old
// version stays readable.
func (s *Store) UpdateEntry(ctx context.Context, entryID, content string, tags []string, metadata map[string]interface{}) (string, error) {
	if content == "" {
		return "", fmt.Errorf("knowledge.UpdateEntry: content is required: %w", core.ErrInvalidRequest)
	}

	s.mu.Lock()
	parent, ok := s.entries[entryID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("knowledge entry %s: %w", entryID, core.ErrNotFound)
	}

	if tags == nil {
		tags = parent.Tags
	}
	if metadata == nil {
		metadata = parent.Metadata
	}
	hash := ContentHash(content)
	entry := &core.KnowledgeEntry{
		EntryID:       uuid.New().String(),
		Category:      parent.Category,
		Content:       content,
		ContentHash:   hash,
		Tags:          append([]string(nil), tags...),
		SourceAgentID: parent.SourceAgentID,
		Confidence:    parent.Confidence,
		Metadata:      copyMap(metadata),
		Version:       parent.Version + 1,
		ParentEntryID: parent.EntryID,
		UsageCount:    1,
		CreatedAt:     s.clock.Now(),
	}
	s.entries[entry.EntryID] = entry
	s.byHash[hash] = entry.EntryID
	s.byCategory[entry.Category] = append(s.byCategory[entry.Category], entry.EntryID)
	snapshot := cloneEntry(entry)
	s.mu.Unlock()

	s.logger.Info("Knowledge entry updated", map[string]interface{}{
		"operation": "knowledge_update",
		"entry_id":  entry.EntryID,
		"parent_id": entryID,
		"version":   entry.Version,
	})
	s.persist(ctx, snapshot)
	s.NotifySubscribers(ctx, snapshot.Category, snapshot)
	return entry.EntryID, nil
}

// Get returns a snapshot of one entry.
func (s *Store) Get(entryID string) (*core.KnowledgeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return nil, fmt.Errorf("knowledge entry %s: %w", entryID, core.ErrNotFound)
	}
	return cloneEntry(entry), nil
}

// Query returns entries matching the query, newest first. Free text
// matches when every whitespace token appears in the content,
// case-insensitive.
func (s *Store) Query(q core.KnowledgeQuery) []*core.KnowledgeEntry {
	tokens := strings.Fields(strings.ToLower(q.Text))

	s.mu.RLock()
	candidates := make([]*core.KnowledgeEntry, 0)
	if q.Category != "" {
		for _, id := range s.byCategory[q.Category] {
			candidates = append(candidates, s.entries[id])
		}
	} else {
		for _, entry := range s.entries {
			candidates = append(candidates, entry)
		}
	}

	var matched []*core.KnowledgeEntry
	for _, entry := range candidates {
		ok := true
		for _, tag := range q.Tags {
			if !entry.HasTag(tag) {
				ok = false
				break
			}
		}
		if ok && len(tokens) > 0 {
			content := strings.ToLower(entry.Content)
			for _, token := range tokens {
				if !strings.Contains(content, token) {
					ok = false
					break
				}
			}
		}
		if ok {
			matched = append(matched, cloneEntry(entry))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].EntryID < matched[j].EntryID
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

// Subscribe registers interest in categories, returning the
// subscription id.
func (s *Store) Subscribe(ctx context.Context, agentID string, categories, tags []string, filters map[string]interface{}) (string, error) {
	if agentID == "" || len(categories) == 0 {
		return "", fmt.Errorf("knowledge.Subscribe: agent_id and categories are required: %w", core.ErrInvalidRequest)
	}

	sub := &core.KnowledgeSubscription{
		SubscriptionID: uuid.New().String(),
		AgentID:        agentID,
		Categories:     append([]string(nil), categories...),
		Tags:           append([]string(nil), tags...),
		Filters:        copyMap(filters),
		Active:         true,
		CreatedAt:      s.clock.Now(),
	}

	s.mu.Lock()
	s.subscriptions[sub.SubscriptionID] = sub
	s.rebuildSubIndexLocked()
	s.mu.Unlock()

	s.logger.Info("Knowledge subscription created", map[string]interface{}{
		"operation":       "knowledge_subscribe",
		"subscription_id": sub.SubscriptionID,
		"agent_id":        agentID,
		"categories":      categories,
	})
	return sub.SubscriptionID, nil
}

// Unsubscribe deactivates a subscription, reporting whether it was
// still active.
func (s *Store) Unsubscribe(subscriptionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok || !sub.Active {
		return false
	}
	sub.Active = false
	s.rebuildSubIndexLocked()
	return true
}

// Subscriptions returns snapshots of all subscriptions for an agent.
func (s *Store) Subscriptions(agentID string) []*core.KnowledgeSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.KnowledgeSubscription
	for _, sub := range s.subscriptions {
		if sub.AgentID == agentID {
			copied := *sub
			out = append(out, &copied)
		}
	}
	return out
}

// NotifySubscribers delivers an entry to every matching subscriber in
// the entry's category. Delivery is fire-and-forget per subscriber.
func (s *Store) NotifySubscribers(ctx context.Context, category string, entry *core.KnowledgeEntry) int {
	s.mu.RLock()
	subs := s.subIndex[category]
	s.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if !sub.Matches(entry) {
			continue
		}
		s.deliver(sub.SubscriptionID, sub.AgentID, entry, "notify")
		delivered++
	}
	return delivered
}

// Broadcast delivers an entry to the union of subscribers across the
// given categories, minus excluded agent ids.
func (s *Store) Broadcast(ctx context.Context, entryID string, categories []string, exclude []string) (int, error) {
	entry, err := s.Get(entryID)
	if err != nil {
		return 0, err
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	s.mu.RLock()
	seen := make(map[string]struct{})
	var targets []*core.KnowledgeSubscription
	for _, category := range categories {
		for _, sub := range s.subIndex[category] {
			if _, dup := seen[sub.SubscriptionID]; dup {
				continue
			}
			seen[sub.SubscriptionID] = struct{}{}
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if _, skip := excluded[sub.AgentID]; skip {
			continue
		}
		if !sub.Active {
			continue
		}
		s.deliver(sub.SubscriptionID, sub.AgentID, entry, "broadcast")
		delivered++
	}
	return delivered, nil
}

// RequestFlow queries the store and emits one delivery event per
// target agent carrying the result bundle.
func (s *Store) RequestFlow(ctx context.Context, source string, targets []string, query core.KnowledgeQuery) (int, error) {
	if len(targets) == 0 {
		return 0, fmt.Errorf("knowledge.RequestFlow: targets are required: %w", core.ErrInvalidRequest)
	}

	entries := s.Query(query)
	bundle := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		bundle = append(bundle, map[string]interface{}{
			"entry_id": entry.EntryID,
			"category": entry.Category,
			"content":  entry.Content,
			"tags":     entry.Tags,
		})
	}

	for _, target := range targets {
		if s.bus != nil {
			s.bus.Publish(eventbus.TopicKnowledgeDelivery, map[string]interface{}{
				"kind":     "flow",
				"source":   source,
				"agent_id": target,
				"entries":  bundle,
				"count":    len(bundle),
			})
		}
	}

	s.logger.Info("Knowledge flow dispatched", map[string]interface{}{
		"operation": "knowledge_flow",
		"source":    source,
		"targets":   len(targets),
		"entries":   len(bundle),
	})
	return len(entries), nil
}

// deliver emits one delivery event for one subscriber.
func (s *Store) deliver(subscriptionID, agentID string, entry *core.KnowledgeEntry, kind string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.TopicKnowledgeDelivery, map[string]interface{}{
		"kind":            kind,
		"subscription_id": subscriptionID,
		"agent_id":        agentID,
		"entry_id":        entry.EntryID,
		"category":        entry.Category,
		"entry":           entry,
	})
}

// persist hands the snapshot to the persistence hook, logging failures.
func (s *Store) persist(ctx context.Context, entry *core.KnowledgeEntry) {
	if s.persistence == nil {
		return
	}
	if err := s.persistence.SaveEntry(ctx, entry); err != nil {
		s.logger.Warn("Knowledge persistence failed", map[string]interface{}{
			"operation": "knowledge_persist",
			"entry_id":  entry.EntryID,
			"error":     err.Error(),
		})
	}
}

// rebuildSubIndexLocked recomputes the category index as fresh slices.
// Caller holds s.mu.
func (s *Store) rebuildSubIndexLocked() {
	index := make(map[string][]*core.KnowledgeSubscription)
	for _, sub := range s.subscriptions {
		if !sub.Active {
			continue
		}
		for _, category := range sub.Categories {
			index[category] = append(index[category], sub)
		}
	}
	s.subIndex = index
}

func cloneEntry(entry *core.KnowledgeEntry) *core.KnowledgeEntry {
	copied := *entry
	copied.Tags = append([]string(nil), entry.Tags...)
	copied.Metadata = copyMap(entry.Metadata)
	return &copied
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
