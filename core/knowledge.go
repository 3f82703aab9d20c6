package core

import "time"

// KnowledgeEntry is one append-only record in the knowledge store.
// Updates never mutate an entry; they create a new version whose
// ParentEntryID links back to the predecessor.
type KnowledgeEntry struct {
	EntryID       string                 `json:"entry_id"`
	Category      string                 `json:"category"`
	Content       string                 `json:"content"`
	ContentHash   string                 `json:"content_hash"`
	Tags          []string               `json:"tags,omitempty"`
	SourceAgentID string                 `json:"source_agent_id"`
	Confidence    float64                `json:"confidence"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Version       int                    `json:"version"`
	ParentEntryID string                 `json:"parent_entry_id,omitempty"`
	UsageCount    int                    `json:"usage_count"`
	CreatedAt     time.Time              `json:"created_at"`
}

// HasTag reports whether the entry carries the tag.
func (e *KnowledgeEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// KnowledgeSubscription declares an agent's interest in a subset of entries.
// An inactive subscription never receives deliveries.
type KnowledgeSubscription struct {
	SubscriptionID string                 `json:"subscription_id"`
	AgentID        string                 `json:"agent_id"`
	Categories     []string               `json:"categories"`
	Tags           []string               `json:"tags,omitempty"`
	Filters        map[string]interface{} `json:"filters,omitempty"`
	Active         bool                   `json:"active"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Matches reports whether an entry satisfies the subscription:
// every subscription tag must appear in the entry tags, and every filter
// key must equal the entry metadata value at the same key.
func (s *KnowledgeSubscription) Matches(entry *KnowledgeEntry) bool {
	if !s.Active {
		return false
	}
	for _, tag := range s.Tags {
		if !entry.HasTag(tag) {
			return false
		}
	}
	for key, want := range s.Filters {
		got, ok := entry.Metadata[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// KnowledgeQuery selects entries by category, tag, or free-text tokens.
// Empty fields match everything.
type KnowledgeQuery struct {
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Text     string   `json:"text,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}
