package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymera-io/ymera/core"
)

func newTestMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisMirror(client, "ymera", 5*time.Minute, &core.NoOpLogger{}), mr
}

func TestMirrorUpsertAndLoad(t *testing.T) {
	m, mr := newTestMirror(t)
	ctx := context.Background()

	agent := &core.AgentInfo{
		ID:           "analyzer-1",
		Type:         "analyzer",
		Capabilities: []string{"summarize", "classify"},
		State:        core.StateActive,
		HealthScore:  0.92,
	}
	require.NoError(t, m.Upsert(ctx, agent))

	loaded, err := m.Load(ctx, "analyzer-1")
	require.NoError(t, err)
	assert.Equal(t, "analyzer-1", loaded.ID)
	assert.Equal(t, core.StateActive, loaded.State)
	assert.InDelta(t, 0.92, loaded.HealthScore, 1e-9)

	// Membership sets carry the id under both capabilities.
	for _, capability := range []string{"summarize", "classify"} {
		member, err := mr.SIsMember("ymera:capabilities:"+capability, "analyzer-1")
		require.NoError(t, err)
		assert.True(t, member)
	}

	ttl := mr.TTL("ymera:agents:analyzer-1")
	assert.Equal(t, 5*time.Minute, ttl)
}

func TestMirrorRemove(t *testing.T) {
	m, mr := newTestMirror(t)
	ctx := context.Background()

	agent := &core.AgentInfo{
		ID:           "analyzer-1",
		Capabilities: []string{"summarize"},
		State:        core.StateActive,
	}
	require.NoError(t, m.Upsert(ctx, agent))
	require.NoError(t, m.Remove(ctx, "analyzer-1", []string{"summarize"}))

	_, err := m.Load(ctx, "analyzer-1")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)

	// Removing the last member drops the capability set entirely.
	assert.False(t, mr.Exists("ymera:capabilities:summarize"))
}

func TestMirrorLoadAll(t *testing.T) {
	m, _ := newTestMirror(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, m.Upsert(ctx, &core.AgentInfo{
			ID:           id,
			Capabilities: []string{"summarize"},
			State:        core.StateActive,
		}))
	}

	agents, err := m.LoadAll(ctx)
	require.NoError(t, err)

	ids := make(map[string]bool, len(agents))
	for _, a := range agents {
		ids[a.ID] = true
	}
	assert.Equal(t, map[string]bool{"a1": true, "a2": true, "a3": true}, ids)
}

func TestMirrorExpiry(t *testing.T) {
	m, mr := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, &core.AgentInfo{
		ID:           "ephemeral",
		Capabilities: []string{"summarize"},
		State:        core.StateActive,
	}))

	mr.FastForward(6 * time.Minute)

	_, err := m.Load(ctx, "ephemeral")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}
