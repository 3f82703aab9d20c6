package registry

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymera-io/ymera/core"
)

func TestDiscoverRequiresCandidate(t *testing.T) {
	r, _ := newTestRegistry(t)
	d := NewDiscovery(r, rand.New(rand.NewSource(1)))

	_, err := d.Discover("summarize", StrategyLeastLoaded, 0.6, nil)
	assert.ErrorIs(t, err, core.ErrNoAgentAvailable)
}

func TestDiscoverFiltersByHealthAndState(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	d := NewDiscovery(r, rand.New(rand.NewSource(1)))

	registerActive(t, r, "weak")
	registerActive(t, r, "isolated")
	registerActive(t, r, "good")

	// Drive "weak" below the health floor with bad heartbeats.
	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		require.NoError(t, r.Heartbeat(ctx, "weak", core.HeartbeatMetrics{
			CPUUsage: 1, MemoryUsage: 1, ErrorRate: 1, ResponseTimeMS: 5000,
		}))
	}
	_, err := r.Transition(ctx, "isolated", core.StateIsolated, "test", "test")
	require.NoError(t, err)

	agent, err := d.Discover("summarize", StrategyLeastLoaded, 0.6, nil)
	require.NoError(t, err)
	assert.Equal(t, "good", agent.ID)
}

func TestDiscoverHonorsExclusion(t *testing.T) {
	r, _ := newTestRegistry(t)
	d := NewDiscovery(r, rand.New(rand.NewSource(1)))

	registerActive(t, r, "a1")
	registerActive(t, r, "a2")

	agent, err := d.Discover("summarize", StrategyLeastLoaded, 0.6, map[string]struct{}{"a1": {}})
	require.NoError(t, err)
	assert.Equal(t, "a2", agent.ID)

	_, err = d.Discover("summarize", StrategyLeastLoaded, 0.6, map[string]struct{}{"a1": {}, "a2": {}})
	assert.ErrorIs(t, err, core.ErrNoAgentAvailable)
}

func TestDegradedFallbackOffersGatedAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	d := NewDiscovery(r, rand.New(rand.NewSource(1)))

	registerActive(t, r, "a1")
	assert.Nil(t, d.DegradedFallback("summarize", nil), "healthy agents are discovery's job")

	for i := 0; i < 5; i++ {
		require.NoError(t, r.RecordFailure(ctx, "a1"))
	}
	_, err := d.Discover("summarize", StrategyLeastLoaded, 0.6, nil)
	require.ErrorIs(t, err, core.ErrNoAgentAvailable)

	fallback := d.DegradedFallback("summarize", nil)
	require.NotNil(t, fallback)
	assert.Equal(t, "a1", fallback.ID)

	assert.Nil(t, d.DegradedFallback("summarize", map[string]struct{}{"a1": {}}))

	// Only failure-degraded agents qualify; other states stay unroutable.
	_, err = r.Transition(ctx, "a1", core.StateIsolated, "threat", "admin")
	require.NoError(t, err)
	assert.Nil(t, d.DegradedFallback("summarize", nil))
}

func TestLeastLoadedTieBreaks(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	d := NewDiscovery(r, rand.New(rand.NewSource(1)))

	registerActive(t, r, "loaded")
	require.NoError(t, r.IncrementLoad("loaded"))

	registerActive(t, r, "unhealthy")
	clock.Advance(time.Second)
	// One rough heartbeat dents the health score below the others.
	require.NoError(t, r.Heartbeat(ctx, "unhealthy", core.HeartbeatMetrics{
		CPUUsage: 1, MemoryUsage: 1, ErrorRate: 1, ResponseTimeMS: 1000,
	}))

	clock.Advance(time.Second)
	registerActive(t, r, "healthy")

	// Equal load: the healthier agent wins even though it registered last.
	agent, err := d.Discover("summarize", StrategyLeastLoaded, 0.0, nil)
	require.NoError(t, err)
	assert.Equal(t, "healthy", agent.ID)

	// Lower load beats better health.
	exclude := map[string]struct{}{"healthy": {}}
	agent, err = d.Discover("summarize", StrategyLeastLoaded, 0.0, exclude)
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", agent.ID)
}

func TestLeastLoadedRegistrationOrderBreaksFullTies(t *testing.T) {
	r, clock := newTestRegistry(t)
	d := NewDiscovery(r, rand.New(rand.NewSource(1)))

	registerActive(t, r, "zz-early")
	clock.Advance(time.Second)
	registerActive(t, r, "aa-late")

	agent, err := d.Discover("summarize", StrategyLeastLoaded, 0.0, nil)
	require.NoError(t, err)
	assert.Equal(t, "zz-early", agent.ID, "registration time outranks the id tie-break")
}

func TestRoundRobinRotatesPerCapability(t *testing.T) {
	r, _ := newTestRegistry(t)
	d := NewDiscovery(r, rand.New(rand.NewSource(1)))

	registerActive(t, r, "a1")
	registerActive(t, r, "a2")
	registerActive(t, r, "a3")

	var picks []string
	for i := 0; i < 6; i++ {
		agent, err := d.Discover("summarize", StrategyRoundRobin, 0.0, nil)
		require.NoError(t, err)
		picks = append(picks, agent.ID)
	}

	assert.Equal(t, []string{"a1", "a2", "a3", "a1", "a2", "a3"}, picks)
}

func TestRandomIsUniformEnough(t *testing.T) {
	r, _ := newTestRegistry(t)
	d := NewDiscovery(r, rand.New(rand.NewSource(42)))

	registerActive(t, r, "a1")
	registerActive(t, r, "a2")

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		agent, err := d.Discover("summarize", StrategyRandom, 0.0, nil)
		require.NoError(t, err)
		counts[agent.ID]++
	}

	assert.Greater(t, counts["a1"], 50)
	assert.Greater(t, counts["a2"], 50)
}

func TestWeightedHealthPrefersHealthier(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	d := NewDiscovery(r, rand.New(rand.NewSource(7)))

	registerActive(t, r, "strong")
	registerActive(t, r, "frail")
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		require.NoError(t, r.Heartbeat(ctx, "frail", core.HeartbeatMetrics{
			CPUUsage: 1, MemoryUsage: 1, ErrorRate: 1, ResponseTimeMS: 2000,
		}))
	}

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		agent, err := d.Discover("summarize", StrategyWeightedHealth, 0.0, nil)
		require.NoError(t, err)
		counts[agent.ID]++
	}

	assert.Greater(t, counts["strong"], counts["frail"]*3,
		"health^2 weighting should heavily favor the healthy agent, got %v", counts)
}

func TestDiscoverUnknownStrategy(t *testing.T) {
	r, _ := newTestRegistry(t)
	d := NewDiscovery(r, rand.New(rand.NewSource(1)))
	registerActive(t, r, "a1")

	_, err := d.Discover("summarize", Strategy("FANCIEST"), 0.0, nil)
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}
