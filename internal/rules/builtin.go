package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// BuiltinRules returns a starter rule set. Tenants normally configure rules
// via POST /rules; the CLI loads these with --builtin-rules.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "pass-through",
			Name:        "Pass-through account",
			Description: "Near-balanced inflow and outflow across several counterparties",
			Version:     "1.0.0",
			Expression:  "flow_through >= 0.9 && total_degree >= 4 && unique_counterparties >= 3",
			Weight:      6,
			Factor:      "pass_through",
			Enabled:     true,
		},
		{
			ID:          "structured-hub",
			Name:        "Structured hub",
			Description: "Fan hub that also sits on a cycle or shell chain",
			Version:     "1.0.0",
			Expression:  `("fan_in" in patterns || "fan_out" in patterns) && size(patterns) >= 2`,
			Weight:      5,
			Factor:      "structured_hub",
			Enabled:     true,
		},
	}
}
