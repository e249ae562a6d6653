// Package assemble packages graph, detection, scoring and ring output into
// the single analysis result.
package assemble

import (
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// Input contains all data needed to build a result.
type Input struct {
	Store       *graph.Store
	Detections  *detect.Detections
	Scores      map[string]*domain.SuspicionScore
	Rings       []domain.Ring
	GroundTruth *domain.GroundTruthMetrics
	StartTime   time.Time
}

// Assemble builds the GraphAnalysisResult. Suspicious nodes are ordered by
// total score descending, then by ID.
func Assemble(in *Input) *domain.GraphAnalysisResult {
	s := in.Store

	nodes := make(map[string]domain.NodeData, s.NodeCount())
	for _, id := range s.NodeIDs() {
		if n, ok := s.Node(id); ok {
			nodes[id] = n
		}
	}

	edges, truncated := s.Edges()
	edgesCopy := make([]domain.EdgeData, len(edges))
	copy(edgesCopy, edges)

	suspicious := make([]domain.SuspiciousNode, 0, len(in.Scores))
	for id, sc := range in.Scores {
		suspicious = append(suspicious, domain.SuspiciousNode{ID: id, Score: sc})
	}
	sort.Slice(suspicious, func(i, j int) bool {
		if suspicious[i].Score.Total != suspicious[j].Score.Total {
			return suspicious[i].Score.Total > suspicious[j].Score.Total
		}
		return suspicious[i].ID < suspicious[j].ID
	})

	rings := in.Rings
	if rings == nil {
		rings = []domain.Ring{}
	}

	volume, _ := s.TotalVolume().Float64()
	meta := domain.ResultMetadata{
		TotalTransactions: s.TransactionCount(),
		TotalVolume:       volume,
		ProcessedAt:       time.Now().UTC(),
		NodeCount:         s.NodeCount(),
		EdgeCount:         len(edgesCopy),
		EdgesTruncated:    truncated,
	}
	if d := in.Detections; d != nil {
		meta.CyclesFound = len(d.Cycles.Instances)
		meta.FanHubsFound = len(d.FanIn.Instances) + len(d.FanOut.Instances)
		meta.ShellChainsFound = len(d.Shells.Instances)
	}
	if !in.StartTime.IsZero() {
		meta.DurationMs = time.Since(in.StartTime).Milliseconds()
	}

	return &domain.GraphAnalysisResult{
		Nodes:           nodes,
		Edges:           edgesCopy,
		Rings:           rings,
		SuspiciousNodes: suspicious,
		Metadata:        meta,
		GroundTruth:     in.GroundTruth,
	}
}

// RingsAbove returns the rings whose risk is at least minRisk, keeping order.
func RingsAbove(rings []domain.Ring, minRisk float64) []domain.Ring {
	out := make([]domain.Ring, 0, len(rings))
	for _, r := range rings {
		if r.RiskScore >= minRisk {
			out = append(out, r)
		}
	}
	return out
}

// TopSuspicious returns at most n suspicious nodes from an assembled result.
func TopSuspicious(res *domain.GraphAnalysisResult, n int) []domain.SuspiciousNode {
	if n <= 0 || n >= len(res.SuspiciousNodes) {
		return res.SuspiciousNodes
	}
	return res.SuspiciousNodes[:n]
}

// Reasons collects the distinct risk factors and pattern tags of a node,
// pattern tags first.
func Reasons(sc *domain.SuspicionScore) []string {
	reasons := make([]string, 0, len(sc.Patterns)+len(sc.RiskFactors))
	seen := make(map[string]bool)
	for _, p := range sc.Patterns {
		if !seen[string(p)] {
			seen[string(p)] = true
			reasons = append(reasons, string(p))
		}
	}
	for _, f := range sc.RiskFactors {
		if !seen[f] {
			seen[f] = true
			reasons = append(reasons, f)
		}
	}
	return reasons
}
