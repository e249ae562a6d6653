package domain

import (
	"fmt"
	"time"
)

// PatternType is the closed vocabulary of structural pattern tags.
type PatternType string

const (
	PatternCycle3     PatternType = "cycle_length_3"
	PatternCycle4     PatternType = "cycle_length_4"
	PatternCycle5     PatternType = "cycle_length_5"
	PatternFanIn      PatternType = "fan_in"
	PatternFanOut     PatternType = "fan_out"
	PatternShellChain PatternType = "shell_chain"
)

// CyclePattern returns the tag for a cycle of the given length.
func CyclePattern(length int) PatternType {
	switch length {
	case 3:
		return PatternCycle3
	case 4:
		return PatternCycle4
	case 5:
		return PatternCycle5
	default:
		return PatternType(fmt.Sprintf("cycle_length_%d", length))
	}
}

// InstanceKind identifies which detector produced a PatternInstance.
type InstanceKind string

const (
	KindCycle  InstanceKind = "cycle"
	KindFanIn  InstanceKind = "fan_in"
	KindFanOut InstanceKind = "fan_out"
	KindShell  InstanceKind = "shell_chain"
)

// PatternInstance is one concrete detected grouping.
// For fan instances Members holds the spokes and Hub the center.
type PatternInstance struct {
	Kind    InstanceKind
	Members []string
	Hub     string
	Length  int
}

// Pattern returns the tag rings built from this instance carry.
func (p PatternInstance) Pattern() PatternType {
	switch p.Kind {
	case KindCycle:
		return CyclePattern(p.Length)
	case KindFanIn:
		return PatternFanIn
	case KindFanOut:
		return PatternFanOut
	default:
		return PatternShellChain
	}
}

// NodeData is the per-account view returned to callers.
type NodeData struct {
	ID                   string     `json:"id"`
	InDegree             int        `json:"in_degree"`
	OutDegree            int        `json:"out_degree"`
	TotalDegree          int        `json:"total_degree"`
	FirstSeen            time.Time  `json:"first_seen"`
	LastSeen             time.Time  `json:"last_seen"`
	ActiveDays           float64    `json:"active_days"`
	Velocity             float64    `json:"velocity"`
	UniqueCounterparties int        `json:"unique_counterparties"`
	FlowThrough          float64    `json:"flow_through"`
	TotalIn              float64    `json:"total_in"`
	TotalOut             float64    `json:"total_out"`
	InboundTxs           []TxSample `json:"inbound_transactions"`
	OutboundTxs          []TxSample `json:"outbound_transactions"`
}

// EdgeData is a directed transfer kept for rendering.
type EdgeData struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	TxID      string    `json:"tx_id,omitempty"`
}

// SuspicionScore holds the sub-scores and tags for one account.
type SuspicionScore struct {
	Structural  float64       `json:"structural"`
	Behavioral  float64       `json:"behavioral"`
	Network     float64       `json:"network"`
	Total       float64       `json:"total"`
	Patterns    []PatternType `json:"patterns"`
	RiskFactors []string      `json:"risk_factors"`
}

// HasPattern reports whether the score carries the given tag.
func (s *SuspicionScore) HasPattern(p PatternType) bool {
	for _, existing := range s.Patterns {
		if existing == p {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *SuspicionScore) Clone() *SuspicionScore {
	c := *s
	c.Patterns = append([]PatternType(nil), s.Patterns...)
	c.RiskFactors = append([]string(nil), s.RiskFactors...)
	return &c
}

// Ring is a deduplicated, single-pattern group of coordinated accounts.
type Ring struct {
	ID           string        `json:"id"`
	Members      []string      `json:"members"`
	RiskScore    float64       `json:"risk_score"`
	Patterns     []PatternType `json:"patterns"`
	AvgSuspicion float64       `json:"avg_suspicion"`
	Hub          string        `json:"hub,omitempty"`
	MemberCount  int           `json:"member_count"`
}

// SuspiciousNode pairs an account with its final score.
type SuspiciousNode struct {
	ID    string          `json:"id"`
	Score *SuspicionScore `json:"score"`
}

// TypeFraudStats is the fraud breakdown for one transaction type.
type TypeFraudStats struct {
	Total int     `json:"total"`
	Fraud int     `json:"fraud"`
	Rate  float64 `json:"rate"`
}

// GroundTruthMetrics compares flagged accounts against fraud labels.
type GroundTruthMetrics struct {
	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalseNegatives int `json:"false_negatives"`

	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Accuracy  float64 `json:"accuracy"`

	LabeledTransactions int                       `json:"labeled_transactions"`
	FraudTransactions   int                       `json:"fraud_transactions"`
	FlaggedTransactions int                       `json:"flagged_transactions"`
	FraudByType         map[string]TypeFraudStats `json:"fraud_by_type"`

	FraudNodes     int     `json:"fraud_nodes"`
	LegitNodes     int     `json:"legit_nodes"`
	MeanScoreFraud float64 `json:"mean_score_fraud"`
	MeanScoreLegit float64 `json:"mean_score_legit"`
}

// ResultMetadata summarizes a run.
type ResultMetadata struct {
	TotalTransactions int       `json:"total_transactions"`
	TotalVolume       float64   `json:"total_volume"`
	ProcessedAt       time.Time `json:"processed_at"`
	NodeCount         int       `json:"node_count"`
	EdgeCount         int       `json:"edge_count"`
	EdgesTruncated    bool      `json:"edges_truncated"`
	CyclesFound       int       `json:"cycles_found"`
	FanHubsFound      int       `json:"fan_hubs_found"`
	ShellChainsFound  int       `json:"shell_chains_found"`
	DurationMs        int64     `json:"duration_ms"`
}

// GraphAnalysisResult is the single output structure of the core.
type GraphAnalysisResult struct {
	Nodes           map[string]NodeData `json:"nodes"`
	Edges           []EdgeData          `json:"edges"`
	Rings           []Ring              `json:"rings"`
	SuspiciousNodes []SuspiciousNode    `json:"suspicious_nodes"`
	Metadata        ResultMetadata      `json:"metadata"`
	GroundTruth     *GroundTruthMetrics `json:"ground_truth,omitempty"`
}

// ProgressStatus is the coarse state reported to progress listeners.
type ProgressStatus string

const (
	ProgressUploading  ProgressStatus = "uploading"
	ProgressProcessing ProgressStatus = "processing"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
)

// Progress is emitted at chunk boundaries and pipeline milestones.
type Progress struct {
	Status          ProgressStatus `json:"status"`
	Percent         int            `json:"percent"`
	Message         string         `json:"message"`
	ChunksProcessed int            `json:"chunksProcessed,omitempty"`
	TotalChunks     int            `json:"totalChunks,omitempty"`
}

// ProgressFunc receives progress updates. It must not block for long.
type ProgressFunc func(Progress)

// Analysis status constants for persisted records.
const (
	AnalysisPending   = "PENDING"
	AnalysisCompleted = "COMPLETED"
	AnalysisFailed    = "FAILED"
)

// AnalysisRecord is a finished (or failed) analysis as stored by the service.
type AnalysisRecord struct {
	ID          string               `json:"id"`
	TenantID    string               `json:"tenantId"`
	Status      string               `json:"status"`
	Fingerprint string               `json:"fingerprint"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	Result      *GraphAnalysisResult `json:"result,omitempty"`
}

// AnalysisSummary is the list view of an AnalysisRecord.
type AnalysisSummary struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenantId"`
	Status            string    `json:"status"`
	TotalTransactions int       `json:"totalTransactions"`
	RingCount         int       `json:"ringCount"`
	SuspiciousCount   int       `json:"suspiciousCount"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Summary derives the list view.
func (a *AnalysisRecord) Summary() *AnalysisSummary {
	s := &AnalysisSummary{
		ID:        a.ID,
		TenantID:  a.TenantID,
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
	}
	if a.Result != nil {
		s.TotalTransactions = a.Result.Metadata.TotalTransactions
		s.RingCount = len(a.Result.Rings)
		s.SuspiciousCount = len(a.Result.SuspiciousNodes)
	}
	return s
}
