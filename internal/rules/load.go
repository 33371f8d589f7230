package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/qmlh/crewd/pkg/models"
)

// ruleFile is the on-disk YAML shape for declarative rule bundles.
type ruleFile struct {
	Rules      []models.Rule      `yaml:"rules"`
	PolicySets []models.PolicySet `yaml:"policy_sets"`
}

// LoadFile registers every rule and policy set in a YAML bundle. The file is
// applied atomically in the sense that a single invalid rule fails the whole
// load before anything registers.
func (e *Engine) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return e.LoadBytes(data)
}

// LoadBytes is LoadFile over in-memory YAML.
func (e *Engine) LoadBytes(data []byte) (int, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse rule bundle: %w", err)
	}
	for i, r := range f.Rules {
		if err := validateRule(r); err != nil {
			return 0, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
	}
	n := 0
	for _, r := range f.Rules {
		if _, err := e.AddRule(r); err != nil {
			return n, err
		}
		n++
	}
	for _, p := range f.PolicySets {
		if _, err := e.AddPolicySet(p); err != nil {
			return n, err
		}
	}
	e.log.Info("rule bundle loaded", "rules", len(f.Rules), "policy_sets", len(f.PolicySets))
	return n, nil
}

// DefaultRules are the rules installed on a fresh home: workload protection
// on assignment, escalation of critical tasks, and a resource request cap.
func DefaultRules() []models.Rule {
	return []models.Rule{
		{
			ID:   "default-workload-guard",
			Name: "block assignment to overloaded agents",
			Type: models.RuleTaskAssignment,
			Conditions: []models.Condition{
				{Field: "agent.workload", Operator: models.OpGte, Value: 90},
			},
			Actions:  []models.Action{{Type: models.ActionBlock, Params: map[string]any{"reason": "agent workload at or above 90"}}},
			Priority: 100,
			Enabled:  true,
		},
		{
			ID:   "default-critical-escalation",
			Name: "escalate critical task assignments",
			Type: models.RuleTaskAssignment,
			Conditions: []models.Condition{
				{Field: "task.priority", Operator: models.OpEq, Value: models.PriorityCritical},
			},
			Actions:  []models.Action{{Type: models.ActionEscalate}, {Type: models.ActionLog}},
			Priority: 50,
			Enabled:  true,
		},
		{
			ID:   "default-resource-cap",
			Name: "cap single resource requests",
			Type: models.RuleResourceAccess,
			Conditions: []models.Condition{
				{Field: "resource.requested", Operator: models.OpGt, Value: 10},
			},
			Actions:  []models.Action{{Type: models.ActionBlock, Params: map[string]any{"reason": "requested more than 10 units"}}},
			Priority: 100,
			Enabled:  true,
		},
	}
}

// LoadDefaults registers the default rules, skipping ids already present.
func (e *Engine) LoadDefaults() {
	for _, r := range DefaultRules() {
		if _, err := e.Rule(r.ID); err == nil {
			continue
		}
		if _, err := e.AddRule(r); err != nil {
			e.log.Warn("default rule rejected", "rule", r.Name, "err", err)
		}
	}
}
