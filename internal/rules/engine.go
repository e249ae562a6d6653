// Package rules provides the CEL-Go based custom scoring rules evaluated
// against per-account graph features.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Create CEL environment with node feature variables
	env, err := cel.NewEnv(
		cel.Variable("node_id", cel.StringType),
		cel.Variable("in_degree", cel.IntType),
		cel.Variable("out_degree", cel.IntType),
		cel.Variable("total_degree", cel.IntType),
		cel.Variable("velocity", cel.DoubleType),
		cel.Variable("flow_through", cel.DoubleType),
		cel.Variable("unique_counterparties", cel.IntType),
		cel.Variable("active_days", cel.DoubleType),
		cel.Variable("total_in", cel.DoubleType),
		cel.Variable("total_out", cel.DoubleType),
		cel.Variable("structural", cel.DoubleType),
		cel.Variable("patterns", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvaluateNodes evaluates every loaded rule against every node in parallel.
// Results are ordered by node then rule ID. A rule that fails to evaluate
// yields a non-matching result carrying the error text.
func (e *Engine) EvaluateNodes(ctx context.Context, nodes []domain.NodeFeatures) ([]domain.RuleResult, error) {
	rules := e.sortedRules()
	if len(rules) == 0 || len(nodes) == 0 {
		return nil, nil
	}

	results := make([]domain.RuleResult, len(nodes)*len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i := range nodes {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			activation := activationFor(&nodes[idx])
			for j, rule := range rules {
				results[idx*len(rules)+j] = e.evaluateRule(rule, activation, nodes[idx].NodeID)
			}
		}(i)
	}

	wg.Wait()

	return results, nil
}

func (e *Engine) sortedRules() []*CompiledRule {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })
	return rules
}

func activationFor(f *domain.NodeFeatures) map[string]any {
	patterns := f.Patterns
	if patterns == nil {
		patterns = []string{}
	}
	return map[string]any{
		"node_id":               f.NodeID,
		"in_degree":             int64(f.InDegree),
		"out_degree":            int64(f.OutDegree),
		"total_degree":          int64(f.TotalDegree),
		"velocity":              f.Velocity,
		"flow_through":          f.FlowThrough,
		"unique_counterparties": int64(f.UniqueCounterparties),
		"active_days":           f.ActiveDays,
		"total_in":              f.TotalIn,
		"total_out":             f.TotalOut,
		"structural":            f.Structural,
		"patterns":              patterns,
	}
}

// evaluateRule evaluates a single rule for one node.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any, nodeID string) domain.RuleResult {
	start := time.Now()

	factor := rule.Config.Factor
	if factor == "" {
		factor = rule.Config.ID
	}
	result := domain.RuleResult{
		RuleID: rule.Config.ID,
		NodeID: nodeID,
		Weight: rule.Config.Weight,
		Factor: factor,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	result.Matched = toScore(out) > 0
	result.ProcessMs = time.Since(start).Milliseconds()

	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations, sorted by ID.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	rules := e.sortedRules()
	out := make([]*domain.RuleConfig, 0, len(rules))
	for _, compiled := range rules {
		out = append(out, compiled.Config)
	}
	return out
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
