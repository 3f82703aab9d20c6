package registry

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/ymera-io/ymera/core"
)

// Strategy names a candidate selection policy.
type Strategy string

const (
	StrategyLeastLoaded    Strategy = "LEAST_LOADED"
	StrategyRoundRobin     Strategy = "ROUND_ROBIN"
	StrategyRandom         Strategy = "RANDOM"
	StrategyWeightedHealth Strategy = "WEIGHTED_HEALTH"
)

// Discovery selects one agent for a capability using a named strategy.
// Candidates are always schedulable (ACTIVE or IDLE) agents meeting a
// minimum health score.
type Discovery struct {
	registry *AgentRegistry

	// Per-capability rotation counters for ROUND_ROBIN.
	mu       sync.Mutex
	rotation map[string]int
	rng      *rand.Rand
}

// NewDiscovery creates a discovery selector over the registry. The rng
// may be nil, in which case a time-seeded source is used; tests inject
// a fixed seed for determinism.
func NewDiscovery(registry *AgentRegistry, rng *rand.Rand) *Discovery {
	if rng == nil {
		rng = rand.New(rand.NewSource(registry.clock.Now().UnixNano()))
	}
	return &Discovery{
		registry: registry,
		rotation: make(map[string]int),
		rng:      rng,
	}
}

// Discover returns a snapshot of the selected agent, or
// ErrNoAgentAvailable when no candidate qualifies. Agents whose id
// appears in exclude are never selected.
func (d *Discovery) Discover(capability string, strategy Strategy, minHealth float64, exclude map[string]struct{}) (*core.AgentInfo, error) {
	candidates := d.candidates(capability, minHealth, exclude)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("discovery [%s]: %w", capability, core.ErrNoAgentAvailable)
	}

	switch strategy {
	case StrategyRoundRobin:
		return d.pickRoundRobin(capability, candidates), nil
	case StrategyRandom:
		return d.pickRandom(candidates), nil
	case StrategyWeightedHealth:
		return d.pickWeightedHealth(candidates), nil
	case StrategyLeastLoaded, "":
		return pickLeastLoaded(candidates), nil
	default:
		return nil, fmt.Errorf("discovery: unknown strategy %q: %w", strategy, core.ErrInvalidRequest)
	}
}

// DegradedFallback returns a DEGRADED agent advertising the capability,
// or nil. Failure-degraded agents stay routable behind their circuit
// breaker: an OPEN breaker rejects the call outright, and a HALF_OPEN
// trial that succeeds restores the agent to ACTIVE. The breaker, not
// discovery, decides whether the call proceeds.
func (d *Discovery) DegradedFallback(capability string, exclude map[string]struct{}) *core.AgentInfo {
	all := d.registry.FindByCapability(capability, 0)
	candidates := all[:0]
	for _, agent := range all {
		if agent.State != core.StateDegraded {
			continue
		}
		if _, skip := exclude[agent.ID]; skip {
			continue
		}
		candidates = append(candidates, agent)
	}
	if len(candidates) == 0 {
		return nil
	}
	return pickLeastLoaded(candidates)
}

// candidates filters the capability index down to selectable snapshots.
func (d *Discovery) candidates(capability string, minHealth float64, exclude map[string]struct{}) []*core.AgentInfo {
	all := d.registry.FindByCapability(capability, minHealth)
	selected := all[:0]
	for _, agent := range all {
		if !agent.State.Schedulable() {
			continue
		}
		if _, skip := exclude[agent.ID]; skip {
			continue
		}
		selected = append(selected, agent)
	}
	return selected
}

// pickLeastLoaded selects the lowest load, breaking ties by highest
// health score, then earliest registration.
func pickLeastLoaded(candidates []*core.AgentInfo) *core.AgentInfo {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		if a.HealthScore != b.HealthScore {
			return a.HealthScore > b.HealthScore
		}
		if !a.RegisteredAt.Equal(b.RegisteredAt) {
			return a.RegisteredAt.Before(b.RegisteredAt)
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// pickRoundRobin rotates through candidates per capability.
func (d *Discovery) pickRoundRobin(capability string, candidates []*core.AgentInfo) *core.AgentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.rotation[capability] % len(candidates)
	d.rotation[capability]++
	return candidates[idx]
}

// pickRandom selects uniformly.
func (d *Discovery) pickRandom(candidates []*core.AgentInfo) *core.AgentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return candidates[d.rng.Intn(len(candidates))]
}

// pickWeightedHealth selects proportional to health_score squared, so
// healthier agents win more often without starving the rest.
func (d *Discovery) pickWeightedHealth(candidates []*core.AgentInfo) *core.AgentInfo {
	total := 0.0
	weights := make([]float64, len(candidates))
	for i, agent := range candidates {
		w := agent.HealthScore * agent.HealthScore
		weights[i] = w
		total += w
	}
	if total == 0 {
		return pickLeastLoaded(candidates)
	}

	d.mu.Lock()
	roll := d.rng.Float64() * total
	d.mu.Unlock()

	for i, w := range weights {
		roll -= w
		if roll <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
