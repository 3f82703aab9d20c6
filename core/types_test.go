package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgentStatePredicates(t *testing.T) {
	assert.True(t, StateDeleted.Terminal())
	assert.False(t, StateDeactivated.Terminal())

	assert.True(t, StateActive.Schedulable())
	assert.True(t, StateIdle.Schedulable())
	assert.False(t, StateBusy.Schedulable())
	assert.False(t, StateIsolated.Schedulable())
}

func TestAgentInfoClone(t *testing.T) {
	original := &AgentInfo{
		ID:           "a1",
		Capabilities: []string{"summarize"},
		Metadata:     map[string]interface{}{"zone": "us-east"},
		State:        StateActive,
	}

	snapshot := original.Clone()
	snapshot.Capabilities[0] = "translate"
	snapshot.Metadata["zone"] = "eu-west"
	snapshot.State = StateFrozen

	assert.Equal(t, "summarize", original.Capabilities[0])
	assert.Equal(t, "us-east", original.Metadata["zone"])
	assert.Equal(t, StateActive, original.State)
}

func TestTaskRequestValidate(t *testing.T) {
	valid := &TaskRequest{
		Capability: "summarize",
		Priority:   PriorityNormal,
		Timeout:    time.Second,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name string
		req  *TaskRequest
	}{
		{"nil request", nil},
		{"missing capability", &TaskRequest{Priority: PriorityNormal}},
		{"priority too low", &TaskRequest{Capability: "x", Priority: 0}},
		{"priority too high", &TaskRequest{Capability: "x", Priority: 6}},
		{"negative retries", &TaskRequest{Capability: "x", Priority: PriorityLow, MaxRetries: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			assert.True(t, errors.Is(err, ErrInvalidRequest), "expected ErrInvalidRequest, got %v", err)
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	nonTerminal := []TaskStatus{TaskPending, TaskQueued, TaskRouting, TaskExecuting, TaskRetrying}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestSubscriptionMatches(t *testing.T) {
	entry := &KnowledgeEntry{
		Category: "bugfix",
		Tags:     []string{"python", "async"},
		Metadata: map[string]interface{}{"severity": "high"},
	}

	tests := []struct {
		name string
		sub  KnowledgeSubscription
		want bool
	}{
		{
			name: "tags subset matches",
			sub:  KnowledgeSubscription{Active: true, Tags: []string{"python"}},
			want: true,
		},
		{
			name: "no tags matches everything",
			sub:  KnowledgeSubscription{Active: true},
			want: true,
		},
		{
			name: "missing tag rejects",
			sub:  KnowledgeSubscription{Active: true, Tags: []string{"rust"}},
			want: false,
		},
		{
			name: "filter equality matches",
			sub:  KnowledgeSubscription{Active: true, Filters: map[string]interface{}{"severity": "high"}},
			want: true,
		},
		{
			name: "filter mismatch rejects",
			sub:  KnowledgeSubscription{Active: true, Filters: map[string]interface{}{"severity": "low"}},
			want: false,
		},
		{
			name: "inactive never matches",
			sub:  KnowledgeSubscription{Active: false, Tags: []string{"python"}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(entry))
		})
	}
}
