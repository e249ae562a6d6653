package rules

import (
	"context"
	"fmt"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "test-rule-001",
		Name:       "Test Rule",
		Expression: "velocity > 5.0",
		Weight:     4,
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	tests := []struct {
		name       string
		expression string
	}{
		{"syntax error", "this is not valid CEL !!!"},
		{"unknown variable", "amount > 100.0"},
		{"string result", "node_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &domain.RuleConfig{ID: "invalid-rule", Expression: tt.expression, Enabled: true}
			if err := engine.LoadRule(rule); err == nil {
				t.Error("expected error for invalid expression")
			}
			if err := engine.ValidateRule(rule); err == nil {
				t.Error("expected ValidateRule to reject expression")
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("invalid rules must not be loaded, got %d", engine.RulesCount())
	}
}

func TestEvaluateNodes(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:         "busy",
		Expression: "total_degree >= 10",
		Weight:     5,
		Factor:     "busy_account",
		Enabled:    true,
	})
	engine.LoadRule(&domain.RuleConfig{
		ID:         "cycle-member",
		Expression: `"cycle_length_3" in patterns`,
		Weight:     3,
		Enabled:    true,
	})

	nodes := []domain.NodeFeatures{
		{NodeID: "A", TotalDegree: 12},
		{NodeID: "B", TotalDegree: 2, Patterns: []string{"cycle_length_3"}},
		{NodeID: "C", TotalDegree: 1},
	}

	results, err := engine.EvaluateNodes(context.Background(), nodes)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}

	// Ordered by node, then rule ID.
	expected := []struct {
		node    string
		rule    string
		matched bool
	}{
		{"A", "busy", true},
		{"A", "cycle-member", false},
		{"B", "busy", false},
		{"B", "cycle-member", true},
		{"C", "busy", false},
		{"C", "cycle-member", false},
	}
	for i, want := range expected {
		got := results[i]
		if got.NodeID != want.node || got.RuleID != want.rule || got.Matched != want.matched {
			t.Errorf("result %d: expected %+v, got %+v", i, want, got)
		}
	}

	if results[0].Factor != "busy_account" {
		t.Errorf("expected explicit factor, got %q", results[0].Factor)
	}
	if results[3].Factor != "cycle-member" {
		t.Errorf("expected factor to default to rule ID, got %q", results[3].Factor)
	}
}

func TestNumericRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:         "flow",
		Expression: "flow_through > 0.8 ? 1.0 : 0.0",
		Weight:     2,
		Enabled:    true,
	})

	results, _ := engine.EvaluateNodes(context.Background(), []domain.NodeFeatures{
		{NodeID: "pass", FlowThrough: 0.95},
		{NodeID: "sink", FlowThrough: 0.1},
	})
	if !results[0].Matched || results[1].Matched {
		t.Errorf("unexpected matches: %+v", results)
	}
}

func TestParallelExecution(t *testing.T) {
	engine, _ := NewEngine(3)
	defer engine.Close()

	for i := 0; i < 10; i++ {
		engine.LoadRule(&domain.RuleConfig{
			ID:         fmt.Sprintf("rule-%02d", i),
			Expression: "in_degree > 0",
			Weight:     1,
			Enabled:    true,
		})
	}

	nodes := make([]domain.NodeFeatures, 200)
	for i := range nodes {
		nodes[i] = domain.NodeFeatures{NodeID: fmt.Sprintf("N%03d", i), InDegree: 1}
	}

	results, err := engine.EvaluateNodes(context.Background(), nodes)
	if err != nil {
		t.Fatalf("parallel evaluation failed: %v", err)
	}
	if len(results) != 2000 {
		t.Fatalf("expected 2000 results, got %d", len(results))
	}
	for i, r := range results {
		if !r.Matched {
			t.Fatalf("result %d: expected match", i)
		}
		if r.NodeID != nodes[i/10].NodeID {
			t.Fatalf("result %d: expected node %s, got %s", i, nodes[i/10].NodeID, r.NodeID)
		}
	}
}

func TestEvaluateNodesCancelled(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()
	engine.LoadRule(&domain.RuleConfig{ID: "r", Expression: "true", Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.EvaluateNodes(ctx, []domain.NodeFeatures{{NodeID: "A"}}); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{ID: "old", Expression: "true", Enabled: true})

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "b", Expression: "velocity > 1.0", Enabled: true},
		{ID: "a", Expression: "in_degree > 1", Enabled: true},
		{ID: "off", Expression: "true", Enabled: false},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	loaded := engine.GetLoadedRules()
	if len(loaded) != 2 || loaded[0].ID != "a" || loaded[1].ID != "b" {
		t.Errorf("unexpected loaded rules: %+v", loaded)
	}

	if err := engine.ReloadRules([]*domain.RuleConfig{{ID: "bad", Expression: "nope(", Enabled: true}}); err == nil {
		t.Error("expected reload to fail on invalid rule")
	}
	if engine.RulesCount() != 2 {
		t.Errorf("failed reload must keep previous rules, got %d", engine.RulesCount())
	}
}

func TestBuiltinRulesCompile(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	if err := engine.LoadRules(BuiltinRules()); err != nil {
		t.Fatalf("builtin rules failed to compile: %v", err)
	}
	if engine.RulesCount() != len(BuiltinRules()) {
		t.Errorf("expected %d rules, got %d", len(BuiltinRules()), engine.RulesCount())
	}
}
