package rules

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/qmlh/crewd/internal/clock"
	"github.com/qmlh/crewd/internal/errs"
	"github.com/qmlh/crewd/internal/events"
	"github.com/qmlh/crewd/pkg/models"
)

var t0 = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New(Options{Clock: clock.NewFake(t0), HistorySize: 8})
}

func blockRule(name, ruleType string, priority int, conds ...models.Condition) models.Rule {
	return models.Rule{
		Name:       name,
		Type:       ruleType,
		Conditions: conds,
		Actions:    []models.Action{{Type: models.ActionBlock}},
		Priority:   priority,
		Enabled:    true,
	}
}

func TestAddRuleValidatesAgainstSchema(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	cases := []struct {
		name string
		rule models.Rule
	}{
		{"unknown field", blockRule("r", models.RuleAgentAction, 0,
			models.Condition{Field: "agent.mood", Operator: models.OpEq, Value: "x"})},
		{"numeric op on string field", blockRule("r", models.RuleAgentAction, 0,
			models.Condition{Field: "agent.status", Operator: models.OpGt, Value: 3})},
		{"numeric op with string value", blockRule("r", models.RuleAgentAction, 0,
			models.Condition{Field: "agent.workload", Operator: models.OpGt, Value: "high"})},
		{"contains on number field", blockRule("r", models.RuleAgentAction, 0,
			models.Condition{Field: "agent.workload", Operator: models.OpContains, Value: 1})},
		{"in without list value", blockRule("r", models.RuleAgentAction, 0,
			models.Condition{Field: "agent.status", Operator: models.OpIn, Value: "idle"})},
		{"unknown operator", blockRule("r", models.RuleAgentAction, 0,
			models.Condition{Field: "agent.status", Operator: "matches", Value: "x"})},
		{"unknown logical", blockRule("r", models.RuleAgentAction, 0,
			models.Condition{Field: "agent.status", Operator: models.OpEq, Value: "idle", Logical: "xor"},
			models.Condition{Field: "action", Operator: models.OpEq, Value: "write"})},
		{"unknown rule type", blockRule("r", "mystery", 0,
			models.Condition{Field: "action", Operator: models.OpEq, Value: "write"})},
		{"no conditions", models.Rule{Name: "r", Type: models.RuleAgentAction, Actions: []models.Action{{Type: models.ActionBlock}}}},
		{"unknown action", models.Rule{Name: "r", Type: models.RuleAgentAction,
			Conditions: []models.Condition{{Field: "action", Operator: models.OpEq, Value: "write"}},
			Actions:    []models.Action{{Type: "explode"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.AddRule(tc.rule); !errs.IsValidation(err) {
				t.Fatalf("AddRule = %v, want ValidationError", err)
			}
		})
	}
}

func TestEvaluatePriorityOrderAndMatching(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.AddRule(blockRule("low", models.RuleAgentAction, 1,
		models.Condition{Field: "action", Operator: models.OpEq, Value: "delete"})); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if _, err := e.AddRule(blockRule("high", models.RuleAgentAction, 10,
		models.Condition{Field: "action", Operator: models.OpEq, Value: "delete"})); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	c := NewContext().WithAgent(models.Agent{ID: "a1", Status: models.AgentIdle}).WithAction("delete")
	results := e.EvaluateRules(ctx, models.RuleAgentAction, c)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].RuleName != "high" || results[1].RuleName != "low" {
		t.Fatalf("order = %s, %s; want high first", results[0].RuleName, results[1].RuleName)
	}
	for _, r := range results {
		if !r.Matched {
			t.Fatalf("rule %s did not match", r.RuleName)
		}
	}
}

func TestConditionChainingAndOr(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	// (status == working AND workload > 50) matches only the busy worker.
	if _, err := e.AddRule(blockRule("busy", models.RuleAgentAction, 0,
		models.Condition{Field: "agent.status", Operator: models.OpEq, Value: models.AgentWorking},
		models.Condition{Field: "agent.workload", Operator: models.OpGt, Value: 50})); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	busy := NewContext().WithAgent(models.Agent{ID: "a", Status: models.AgentWorking, Workload: 80}).WithAction("x")
	idle := NewContext().WithAgent(models.Agent{ID: "a", Status: models.AgentIdle, Workload: 80}).WithAction("x")
	if got := e.EvaluateRules(ctx, models.RuleAgentAction, busy); !got[0].Matched {
		t.Fatal("AND chain should match busy worker")
	}
	if got := e.EvaluateRules(ctx, models.RuleAgentAction, idle); got[0].Matched {
		t.Fatal("AND chain matched idle agent")
	}

	// (status == error OR workload > 50) matches either side.
	if _, err := e.AddRule(blockRule("either", models.RuleCollaboration, 0,
		models.Condition{Field: "agent.status", Operator: models.OpEq, Value: models.AgentError, Logical: models.LogicalOr},
		models.Condition{Field: "agent.workload", Operator: models.OpGt, Value: 50})); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	loaded := NewContext().WithAgent(models.Agent{ID: "a", Status: models.AgentIdle, Workload: 80})
	if got := e.EvaluateRules(ctx, models.RuleCollaboration, loaded); !got[0].Matched {
		t.Fatal("OR chain should match on workload alone")
	}
	calm := NewContext().WithAgent(models.Agent{ID: "a", Status: models.AgentIdle, Workload: 10})
	if got := e.EvaluateRules(ctx, models.RuleCollaboration, calm); got[0].Matched {
		t.Fatal("OR chain matched with neither side true")
	}
}

func TestMissingFieldSemantics(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddRule(blockRule("eq-missing", models.RuleAgentAction, 2,
		models.Condition{Field: "target.path", Operator: models.OpEq, Value: "/etc"}))
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	_, err = e.AddRule(blockRule("ne-missing", models.RuleAgentAction, 1,
		models.Condition{Field: "target.path", Operator: models.OpNe, Value: "/etc"}))
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	// Context without target.path: eq fails, ne passes vacuously.
	c := NewContext().WithAgent(models.Agent{ID: "a"}).WithAction("read")
	results := e.EvaluateRules(ctx, models.RuleAgentAction, c)
	if results[0].Matched {
		t.Fatal("eq on missing field matched")
	}
	if !results[1].Matched {
		t.Fatal("ne on missing field should match")
	}
}

func TestContainsAndInOperators(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddRule(blockRule("capable", models.RuleTaskAssignment, 0,
		models.Condition{Field: "agent.capabilities", Operator: models.OpContains, Value: "deploy"}))
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	_, err = e.AddRule(blockRule("prio", models.RuleCollaboration, 0,
		models.Condition{Field: "task.priority", Operator: models.OpIn, Value: []any{"high", "critical"}}))
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	c := NewContext().
		WithAgent(models.Agent{ID: "a", Capabilities: []string{"build", "deploy"}}).
		WithTask(models.Task{ID: "t", Priority: models.PriorityHigh})
	if got := e.EvaluateRules(ctx, models.RuleTaskAssignment, c); !got[0].Matched {
		t.Fatal("contains should match capability list")
	}
	if got := e.EvaluateRules(ctx, models.RuleCollaboration, c); !got[0].Matched {
		t.Fatal("in should match priority list")
	}
}

func TestValidateTaskAssignmentBlocksWithReasons(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()
	e.LoadDefaults()

	overloaded := models.Agent{ID: "a1", Status: models.AgentWorking, Workload: 95}
	res := e.ValidateTaskAssignment(ctx, overloaded, models.Task{ID: "t1", Priority: models.PriorityMedium})
	if res.Allowed {
		t.Fatal("assignment to overloaded agent allowed")
	}
	if len(res.Reasons) != 1 || res.Reasons[0] != "block assignment to overloaded agents" {
		t.Fatalf("reasons = %v", res.Reasons)
	}

	fresh := models.Agent{ID: "a2", Status: models.AgentIdle, Workload: 10}
	if res := e.ValidateTaskAssignment(ctx, fresh, models.Task{ID: "t1"}); !res.Allowed {
		t.Fatalf("assignment to fresh agent blocked: %v", res.Reasons)
	}
}

func TestValidateResourceAccessCap(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()
	e.LoadDefaults()

	a := models.Agent{ID: "a1", Status: models.AgentIdle}
	if res := e.ValidateResourceAccess(ctx, a, "gpu", 0, 11); res.Allowed {
		t.Fatal("oversized request allowed")
	}
	if res := e.ValidateResourceAccess(ctx, a, "gpu", 0, 2); !res.Allowed {
		t.Fatalf("small request blocked: %v", res.Reasons)
	}
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	r, err := e.AddRule(blockRule("r", models.RuleAgentAction, 0,
		models.Condition{Field: "action", Operator: models.OpEq, Value: "write"}))
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := e.SetRuleEnabled(r.ID, false); err != nil {
		t.Fatalf("SetRuleEnabled: %v", err)
	}

	c := NewContext().WithAgent(models.Agent{ID: "a"}).WithAction("write")
	if got := e.EvaluateRules(ctx, models.RuleAgentAction, c); len(got) != 0 {
		t.Fatalf("disabled rule evaluated: %+v", got)
	}
	res := e.ValidateAgentAction(ctx, models.Agent{ID: "a"}, "write", "/f")
	if !res.Allowed {
		t.Fatal("disabled rule still blocks")
	}
}

func TestExecuteActionsEmitsEvents(t *testing.T) {
	t.Parallel()
	hub := events.NewHub()
	e := New(Options{Clock: clock.NewFake(t0), Hub: hub})
	ctx := context.Background()

	sub := hub.Subscribe(16)
	defer sub.Close()

	r := models.Rule{
		Name: "notify on review",
		Type: models.RuleAgentAction,
		Conditions: []models.Condition{
			{Field: "action", Operator: models.OpEq, Value: "review"},
		},
		Actions:  []models.Action{{Type: models.ActionNotify, Params: map[string]any{"channel": "reviews"}}},
		Enabled:  true,
		Priority: 1,
	}
	if _, err := e.AddRule(r); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	c := NewContext().WithAgent(models.Agent{ID: "a"}).WithAction("review")
	e.ExecuteActions(ctx, e.EvaluateRules(ctx, models.RuleAgentAction, c))

	var sawAction bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C:
			if ev.Type == events.TypeActionExecuted {
				sawAction = true
				if ev.Data["action"] != models.ActionNotify {
					t.Fatalf("action event data = %v", ev.Data)
				}
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if !sawAction {
		t.Fatal("no action_executed event")
	}
}

func TestPolicySetCRUD(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	r, err := e.AddRule(blockRule("r", models.RuleAgentAction, 0,
		models.Condition{Field: "action", Operator: models.OpEq, Value: "write"}))
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	if _, err := e.AddPolicySet(models.PolicySet{Name: "p", RuleIDs: []string{"ghost"}}); !errs.IsValidation(err) {
		t.Fatalf("policy with unknown rule = %v, want ValidationError", err)
	}
	p, err := e.AddPolicySet(models.PolicySet{Name: "p", RuleIDs: []string{r.ID}, Enabled: true})
	if err != nil {
		t.Fatalf("AddPolicySet: %v", err)
	}

	// Removing the rule drops it from the set.
	if err := e.RemoveRule(r.ID); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	sets := e.PolicySets()
	if len(sets) != 1 || len(sets[0].RuleIDs) != 0 {
		t.Fatalf("policy sets after rule removal = %+v", sets)
	}
	if err := e.RemovePolicySet(p.ID); err != nil {
		t.Fatalf("RemovePolicySet: %v", err)
	}
	if err := e.RemovePolicySet(p.ID); !errs.IsNotFound(err) {
		t.Fatalf("double remove = %v, want NotFoundError", err)
	}
}

func TestHistoryRingIsBounded(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t) // history size 8
	ctx := context.Background()

	if _, err := e.AddRule(blockRule("r", models.RuleAgentAction, 0,
		models.Condition{Field: "action", Operator: models.OpEq, Value: "write"})); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	for i := 0; i < 20; i++ {
		c := NewContext().WithAgent(models.Agent{ID: fmt.Sprintf("a%d", i)}).WithAction("write")
		e.EvaluateRules(ctx, models.RuleAgentAction, c)
	}

	hist := e.History(0)
	if len(hist) != 8 {
		t.Fatalf("history length = %d, want 8", len(hist))
	}
	if got := e.History(3); len(got) != 3 {
		t.Fatalf("History(3) = %d entries", len(got))
	}
}

func TestLoadBytesYAML(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	bundle := `
rules:
  - id: yaml-block-env
    name: block env edits
    type: agent_action
    priority: 10
    enabled: true
    conditions:
      - field: target.path
        operator: contains
        value: ".env"
    actions:
      - type: block
policy_sets:
  - id: baseline
    name: baseline
    rule_ids: [yaml-block-env]
    enabled: true
`
	n, err := e.LoadBytes([]byte(bundle))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if n != 1 {
		t.Fatalf("loaded %d rules, want 1", n)
	}

	res := e.ValidateAgentAction(context.Background(), models.Agent{ID: "a"}, "write", "/app/.env")
	if res.Allowed {
		t.Fatal("yaml rule did not block")
	}

	if _, err := e.LoadBytes([]byte("rules:\n  - name: bad\n    type: agent_action\n")); err == nil {
		t.Fatal("invalid bundle loaded without error")
	}
}

func TestUpdateRulePreservesCreatedAt(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	e := New(Options{Clock: clk})

	r, err := e.AddRule(blockRule("r", models.RuleAgentAction, 0,
		models.Condition{Field: "action", Operator: models.OpEq, Value: "write"}))
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	clk.Advance(time.Minute)

	r.Priority = 5
	updated, err := e.UpdateRule(r)
	if err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if !updated.CreatedAt.Equal(t0) {
		t.Fatalf("CreatedAt = %v, want %v", updated.CreatedAt, t0)
	}
	if !updated.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("UpdatedAt = %v", updated.UpdatedAt)
	}
}
