package domain

// GlobalTenantID owns rules that apply to all tenants.
const GlobalTenantID = "*"

// RuleConfig defines a custom scoring rule evaluated against account features.
// A matching rule adds Weight to the account's behavioral score.
type RuleConfig struct {
	ID          string `json:"id" validate:"required"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression over node features, must yield a bool
	Expression string `json:"expression" validate:"required"`

	// Points added to the behavioral score on match
	Weight float64 `json:"weight" validate:"gte=0,lte=35"`

	// Risk factor tag recorded on match; defaults to the rule ID
	Factor string `json:"factor,omitempty"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleResult is the output of evaluating one rule for one account.
type RuleResult struct {
	RuleID    string  `json:"ruleId"`
	NodeID    string  `json:"nodeId"`
	Matched   bool    `json:"matched"`
	Weight    float64 `json:"weight"`
	Factor    string  `json:"factor"`
	Error     string  `json:"error,omitempty"`
	ProcessMs int64   `json:"processMs"`
}

// NodeFeatures is the per-account input to custom scoring rules.
type NodeFeatures struct {
	NodeID               string
	InDegree             int
	OutDegree            int
	TotalDegree          int
	Velocity             float64
	FlowThrough          float64
	UniqueCounterparties int
	ActiveDays           float64
	TotalIn              float64
	TotalOut             float64
	Structural           float64
	Patterns             []string
}
