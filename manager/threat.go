package manager

import "fmt"

// ThreatSeverity ranks a detected threat. Critical threats isolate the
// agent automatically unless auto-isolation is disabled.
type ThreatSeverity string

const (
	SeverityLow      ThreatSeverity = "LOW"
	SeverityMedium   ThreatSeverity = "MEDIUM"
	SeverityHigh     ThreatSeverity = "HIGH"
	SeverityCritical ThreatSeverity = "CRITICAL"
)

// Threat is one rule match against a report's metrics.
type Threat struct {
	Rule        string         `json:"rule"`
	Severity    ThreatSeverity `json:"severity"`
	Description string         `json:"description"`
}

// ThreatRule matches a condition over the raw report metrics. Metrics
// absent from the report never match.
type ThreatRule struct {
	Name     string
	Severity ThreatSeverity
	Match    func(metrics map[string]float64) (bool, string)
}

func exceeds(metrics map[string]float64, key string, limit float64) (bool, float64) {
	v, ok := metrics[key]
	return ok && v > limit, v
}

// DefaultThreatRules returns the built-in rule set.
func DefaultThreatRules() []ThreatRule {
	return []ThreatRule{
		{
			Name:     "operation_flood",
			Severity: SeverityHigh,
			Match: func(m map[string]float64) (bool, string) {
				hit, v := exceeds(m, "operations_per_minute", 1000)
				return hit, fmt.Sprintf("operations_per_minute %.0f over limit 1000", v)
			},
		},
		{
			Name:     "auth_probing",
			Severity: SeverityCritical,
			Match: func(m map[string]float64) (bool, string) {
				hit, v := exceeds(m, "failed_auth_attempts", 5)
				return hit, fmt.Sprintf("failed_auth_attempts %.0f over limit 5", v)
			},
		},
		{
			Name:     "data_exfiltration",
			Severity: SeverityCritical,
			Match: func(m map[string]float64) (bool, string) {
				hit, v := exceeds(m, "outbound_data_mb", 100)
				return hit, fmt.Sprintf("outbound_data_mb %.1f over limit 100", v)
			},
		},
		{
			Name:     "resource_exhaustion",
			Severity: SeverityHigh,
			Match: func(m map[string]float64) (bool, string) {
				cpuHit, cpu := exceeds(m, "cpu_usage", 90)
				memHit, mem := exceeds(m, "memory_usage", 90)
				return cpuHit && memHit, fmt.Sprintf("cpu_usage %.1f and memory_usage %.1f both over 90", cpu, mem)
			},
		},
		{
			Name:     "api_flood",
			Severity: SeverityHigh,
			Match: func(m map[string]float64) (bool, string) {
				hit, v := exceeds(m, "api_requests_per_minute", 500)
				return hit, fmt.Sprintf("api_requests_per_minute %.0f over limit 500", v)
			},
		},
	}
}

// evaluate runs every rule against the metrics and collects matches.
func evaluate(rules []ThreatRule, metrics map[string]float64) []Threat {
	var threats []Threat
	for _, rule := range rules {
		hit, desc := rule.Match(metrics)
		if !hit {
			continue
		}
		threats = append(threats, Threat{
			Rule:        rule.Name,
			Severity:    rule.Severity,
			Description: desc,
		})
	}
	return threats
}

// maxSeverity returns the highest severity among the threats.
func maxSeverity(threats []Threat) ThreatSeverity {
	rank := map[ThreatSeverity]int{
		SeverityLow:      1,
		SeverityMedium:   2,
		SeverityHigh:     3,
		SeverityCritical: 4,
	}
	top := ThreatSeverity("")
	best := 0
	for _, t := range threats {
		if rank[t.Severity] > best {
			best = rank[t.Severity]
			top = t.Severity
		}
	}
	return top
}
