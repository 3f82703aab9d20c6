package orchestration

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ymera-io/ymera/core"
)

// StepFailurePolicy decides what a step failure does to the workflow.
type StepFailurePolicy string

const (
	StepFail  StepFailurePolicy = "FAIL"
	StepSkip  StepFailurePolicy = "SKIP"
	StepRetry StepFailurePolicy = "RETRY"
)

// WorkflowFailurePolicy decides the terminal status when steps failed.
type WorkflowFailurePolicy string

const (
	WorkflowFail     WorkflowFailurePolicy = "FAIL"
	WorkflowContinue WorkflowFailurePolicy = "CONTINUE"
	WorkflowRollback WorkflowFailurePolicy = "ROLLBACK"
)

// WorkflowStep is one node of a workflow DAG.
type WorkflowStep struct {
	ID           string                 `yaml:"id" json:"id"`
	Capability   string                 `yaml:"capability" json:"capability"`
	Payload      map[string]interface{} `yaml:"payload,omitempty" json:"payload,omitempty"`
	Dependencies []string               `yaml:"depends_on,omitempty" json:"dependencies,omitempty"`
	Timeout      time.Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RetryCount   int                    `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`
	OnFailure    StepFailurePolicy      `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	// Condition gates the step against the shared context. A false
	// condition marks the step SKIPPED.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Compensate names the capability invoked during ROLLBACK to undo
	// this step's effect.
	Compensate string `yaml:"compensate,omitempty" json:"compensate,omitempty"`
}

// WorkflowDefinition is a validated DAG of steps.
type WorkflowDefinition struct {
	ID        string                `yaml:"id" json:"id"`
	Name      string                `yaml:"name,omitempty" json:"name,omitempty"`
	Steps     []WorkflowStep        `yaml:"steps" json:"steps"`
	Priority  core.TaskPriority     `yaml:"priority,omitempty" json:"priority,omitempty"`
	Timeout   time.Duration         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	OnFailure WorkflowFailurePolicy `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// Validate rejects empty, duplicated, dangling, or cyclic step graphs,
// and malformed step conditions, with core.ErrInvalidDefinition.
func (d *WorkflowDefinition) Validate() error {
	if d == nil || len(d.Steps) == 0 {
		return fmt.Errorf("workflow has no steps: %w", core.ErrInvalidDefinition)
	}

	steps := make(map[string]*WorkflowStep, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("workflow %s: step %d has no id: %w", d.ID, i, core.ErrInvalidDefinition)
		}
		if step.Capability == "" {
			return fmt.Errorf("workflow %s: step %s has no capability: %w", d.ID, step.ID, core.ErrInvalidDefinition)
		}
		if _, dup := steps[step.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate step id %s: %w", d.ID, step.ID, core.ErrInvalidDefinition)
		}
		if _, err := parseCondition(step.Condition); err != nil {
			return fmt.Errorf("workflow %s: step %s: %v: %w", d.ID, step.ID, err, core.ErrInvalidDefinition)
		}
		steps[step.ID] = step
	}

	for _, step := range d.Steps {
		for _, dep := range step.Dependencies {
			if _, ok := steps[dep]; !ok {
				return fmt.Errorf("workflow %s: step %s depends on unknown step %s: %w",
					d.ID, step.ID, dep, core.ErrInvalidDefinition)
			}
		}
	}

	// Cycle check with DFS over the dependency edges.
	visited := make(map[string]bool, len(steps))
	inStack := make(map[string]bool, len(steps))
	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		inStack[id] = true
		for _, dep := range steps[id].Dependencies {
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if inStack[dep] {
				return true
			}
		}
		inStack[id] = false
		return false
	}
	for id := range steps {
		if !visited[id] && visit(id) {
			return fmt.Errorf("workflow %s: circular step dependencies: %w", d.ID, core.ErrInvalidDefinition)
		}
	}
	return nil
}

// step returns the step with the given id, nil when absent.
func (d *WorkflowDefinition) step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// UnmarshalYAML accepts timeouts as numeric timeout_seconds.
func (s *WorkflowStep) UnmarshalYAML(node *yaml.Node) error {
	type rawStep struct {
		ID             string                 `yaml:"id"`
		Capability     string                 `yaml:"capability"`
		Payload        map[string]interface{} `yaml:"payload"`
		Dependencies   []string               `yaml:"depends_on"`
		TimeoutSeconds float64                `yaml:"timeout_seconds"`
		RetryCount     int                    `yaml:"retry_count"`
		OnFailure      StepFailurePolicy      `yaml:"on_failure"`
		Condition      string                 `yaml:"condition"`
		Compensate     string                 `yaml:"compensate"`
	}
	var raw rawStep
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*s = WorkflowStep{
		ID:           raw.ID,
		Capability:   raw.Capability,
		Payload:      raw.Payload,
		Dependencies: raw.Dependencies,
		Timeout:      time.Duration(raw.TimeoutSeconds * float64(time.Second)),
		RetryCount:   raw.RetryCount,
		OnFailure:    raw.OnFailure,
		Condition:    raw.Condition,
		Compensate:   raw.Compensate,
	}
	return nil
}

// UnmarshalYAML accepts the workflow timeout as numeric timeout_seconds.
func (d *WorkflowDefinition) UnmarshalYAML(node *yaml.Node) error {
	type rawDef struct {
		ID             string                `yaml:"id"`
		Name           string                `yaml:"name"`
		Steps          []WorkflowStep        `yaml:"steps"`
		Priority       int                   `yaml:"priority"`
		TimeoutSeconds float64               `yaml:"timeout_seconds"`
		OnFailure      WorkflowFailurePolicy `yaml:"on_failure"`
	}
	var raw rawDef
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*d = WorkflowDefinition{
		ID:        raw.ID,
		Name:      raw.Name,
		Steps:     raw.Steps,
		Priority:  core.TaskPriority(raw.Priority),
		Timeout:   time.Duration(raw.TimeoutSeconds * float64(time.Second)),
		OnFailure: raw.OnFailure,
	}
	return nil
}

// ParseWorkflowYAML decodes and validates a YAML workflow definition.
func ParseWorkflowYAML(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %v: %w", err, core.ErrInvalidDefinition)
	}
	if def.OnFailure == "" {
		def.OnFailure = WorkflowFail
	}
	if def.Priority == 0 {
		def.Priority = core.PriorityNormal
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// stepCondition is one parsed condition: "key" (present and truthy) or
// "key OP literal" with OP in ==, !=, >, <, >=, <=. Equality compares
// the string form of the value; the relational operators are numeric.
type stepCondition struct {
	key     string
	op      string
	literal string
	number  float64
}

// conditionOps is ordered so two-character operators match before their
// one-character prefixes.
var conditionOps = []string{"==", "!=", ">=", "<=", ">", "<"}

func parseCondition(raw string) (*stepCondition, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	for _, op := range conditionOps {
		idx := strings.Index(raw, op)
		if idx < 0 {
			continue
		}
		cond := &stepCondition{
			key:     strings.TrimSpace(raw[:idx]),
			op:      op,
			literal: trimLiteral(raw[idx+len(op):]),
		}
		if cond.key == "" {
			return nil, fmt.Errorf("condition %q has no key", raw)
		}
		if strings.ContainsAny(cond.key, "=<>!") {
			return nil, fmt.Errorf("condition %q has a malformed key", raw)
		}
		switch op {
		case ">", "<", ">=", "<=":
			n, err := strconv.ParseFloat(cond.literal, 64)
			if err != nil {
				return nil, fmt.Errorf("condition %q compares against non-numeric literal %q", raw, cond.literal)
			}
			cond.number = n
		}
		return cond, nil
	}

	if strings.ContainsAny(raw, "=<>! \t") {
		return nil, fmt.Errorf("condition %q is not a key or key-operator-literal form", raw)
	}
	return &stepCondition{key: raw}, nil
}

// evalCondition evaluates a step condition against the shared context.
// Definitions are validated up front, so an unparseable condition here
// only gates the step closed.
func evalCondition(condition string, context map[string]interface{}) bool {
	cond, err := parseCondition(condition)
	if err != nil {
		return false
	}
	if cond == nil {
		return true
	}

	value, ok := context[cond.key]
	switch cond.op {
	case "==":
		return ok && fmt.Sprintf("%v", value) == cond.literal
	case "!=":
		return !ok || fmt.Sprintf("%v", value) != cond.literal
	case ">", "<", ">=", "<=":
		n, numeric := toFloat(value)
		if !ok || !numeric {
			return false
		}
		switch cond.op {
		case ">":
			return n > cond.number
		case "<":
			return n < cond.number
		case ">=":
			return n >= cond.number
		default:
			return n <= cond.number
		}
	}

	// Presence form.
	if !ok || value == nil {
		return false
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != "" && v != "false"
	default:
		return true
	}
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func trimLiteral(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return s
}
