// Package scoring computes per-account suspicion scores from detector
// output and behavioral accumulators.
package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"gonum.org/v1/gonum/stat"
)

// Structural weights.
const (
	weightFanIn  = 30
	weightFanOut = 30
	weightShell  = 25
)

// Behavioral weights.
const (
	weightVelocity   = 10
	weightMismatch   = 8
	weightDrain      = 12
	weightZeroDest   = 8
	weightHighRisk   = 6
	weightOutlier    = 6
	weightRound      = 5
	weightBurst      = 8
	weightSingleton  = 4
	weightClustering = 6
)

// Risk factor tags.
const (
	FactorHighVelocity    = "high_velocity"
	FactorBalanceMismatch = "balance_mismatch"
	FactorAccountDrain    = "account_drain"
	FactorZeroDest        = "zero_balance_destination"
	FactorHighRiskTypes   = "high_risk_tx_types"
	FactorAmountOutlier   = "amount_outlier"
	FactorRoundAmounts    = "round_amounts"
	FactorTemporalBurst   = "temporal_burst"
	FactorSingleton       = "singleton_account"
	FactorAmountCluster   = "amount_clustering"
)

// Source is the read-only graph surface the scorer needs.
type Source interface {
	graph.View
	Node(id string) (domain.NodeData, bool)
	Amounts(id string) *graph.AmountStats
	Balances(id string) *graph.BalanceStats
}

// RuleEvaluator runs custom rules over node features.
type RuleEvaluator interface {
	EvaluateNodes(ctx context.Context, nodes []domain.NodeFeatures) ([]domain.RuleResult, error)
}

// Config holds scorer caps and behavioral thresholds.
type Config struct {
	StructuralCap     float64
	BehavioralCap     float64
	NetworkCap        float64
	VelocityThreshold float64
	BurstWindow       time.Duration
	BurstCount        int
	ClusterMinSize    int
	OutlierZ          float64
}

// ConfigFrom derives scorer settings from the analysis configuration.
func ConfigFrom(cfg domain.AnalysisConfig) Config {
	return Config{
		StructuralCap:     cfg.StructuralCap,
		BehavioralCap:     cfg.BehavioralCap,
		NetworkCap:        cfg.NetworkCap,
		VelocityThreshold: cfg.VelocityThreshold,
		BurstWindow:       cfg.BurstWindow,
		BurstCount:        cfg.BurstCount,
		ClusterMinSize:    cfg.ClusterMinSize,
		OutlierZ:          cfg.OutlierZ,
	}
}

// Scorer turns detections into suspicion scores.
type Scorer struct {
	cfg   Config
	rules RuleEvaluator
}

// New creates a scorer. rules may be nil.
func New(cfg Config, rules RuleEvaluator) *Scorer {
	return &Scorer{cfg: cfg, rules: rules}
}

// Score returns a fresh score map containing every account whose total is
// positive or that carries a pattern tag. It does not mutate src or det, so
// calling it twice with the same inputs yields equal maps.
func (s *Scorer) Score(ctx context.Context, src Source, det *detect.Detections) (map[string]*domain.SuspicionScore, error) {
	ids := src.NodeIDs()
	cycleLengths := cycleMembership(det)
	velocityLimit := s.velocityThreshold(src, ids)

	scores := make(map[string]*domain.SuspicionScore, len(ids))
	for i, id := range ids {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		sc := &domain.SuspicionScore{Patterns: []domain.PatternType{}, RiskFactors: []string{}}
		s.structural(sc, id, det, cycleLengths[id])
		s.behavioral(sc, src, id, velocityLimit)
		scores[id] = sc
	}

	if s.rules != nil {
		if err := s.applyRules(ctx, src, ids, scores); err != nil {
			return nil, fmt.Errorf("rule evaluation failed: %w", err)
		}
	}

	for id, sc := range scores {
		sc.Total = Total(sc)
		if sc.Total <= 0 && len(sc.Patterns) == 0 {
			delete(scores, id)
		}
	}
	return scores, nil
}

// Total recomputes a score's total from its sub-scores.
func Total(sc *domain.SuspicionScore) float64 {
	return math.Min(100, sc.Structural+sc.Behavioral+sc.Network)
}

// CycleWeight is the structural points for membership in a cycle of length n.
// Shorter cycles score higher: 3→40, 4→35, 5→30.
func CycleWeight(n int) float64 {
	return math.Max(10, float64(55-5*n))
}

func cycleMembership(det *detect.Detections) map[string][]int {
	out := make(map[string][]int)
	for _, inst := range det.Cycles.Instances {
		for _, m := range inst.Members {
			if !containsInt(out[m], inst.Length) {
				out[m] = append(out[m], inst.Length)
			}
		}
	}
	for _, lengths := range out {
		sort.Ints(lengths)
	}
	return out
}

func (s *Scorer) structural(sc *domain.SuspicionScore, id string, det *detect.Detections, lengths []int) {
	points := 0.0
	for _, n := range lengths {
		points += CycleWeight(n)
		sc.Patterns = append(sc.Patterns, domain.CyclePattern(n))
	}
	if det.FanIn.Flagged[id] {
		points += weightFanIn
		sc.Patterns = append(sc.Patterns, domain.PatternFanIn)
	}
	if det.FanOut.Flagged[id] {
		points += weightFanOut
		sc.Patterns = append(sc.Patterns, domain.PatternFanOut)
	}
	if det.Shells.Flagged[id] {
		points += weightShell
		sc.Patterns = append(sc.Patterns, domain.PatternShellChain)
	}
	sc.Structural = math.Min(s.cfg.StructuralCap, points)
}

func (s *Scorer) behavioral(sc *domain.SuspicionScore, src Source, id string, velocityLimit float64) {
	node, _ := src.Node(id)
	points := 0.0
	hit := func(weight float64, factor string) {
		points += weight
		sc.RiskFactors = append(sc.RiskFactors, factor)
	}

	if node.Velocity >= velocityLimit {
		hit(weightVelocity, FactorHighVelocity)
	}

	if bal := src.Balances(id); bal != nil {
		if bal.Checked > 0 && 2*bal.Mismatch >= bal.Checked && bal.Mismatch > 0 {
			hit(weightMismatch, FactorBalanceMismatch)
		}
		if bal.Drain > 0 {
			hit(weightDrain, FactorAccountDrain)
		}
		if bal.ZeroDest > 0 {
			hit(weightZeroDest, FactorZeroDest)
		}
		if bal.Typed >= 2 && float64(bal.HighRisk) >= 0.75*float64(bal.Typed) {
			hit(weightHighRisk, FactorHighRiskTypes)
		}
	}

	if amt := src.Amounts(id); amt != nil {
		if z, ok := amt.MaxZ(3); ok && z >= s.cfg.OutlierZ {
			hit(weightOutlier, FactorAmountOutlier)
		}
		if amt.Round >= 2 && 2*amt.Round >= amt.Count {
			hit(weightRound, FactorRoundAmounts)
		}
		if s.cfg.ClusterMinSize > 0 && amt.LargestCluster() >= s.cfg.ClusterMinSize {
			hit(weightClustering, FactorAmountCluster)
		}
	}

	if s.burst(src, id) {
		hit(weightBurst, FactorTemporalBurst)
	}

	if node.TotalDegree <= 2 {
		hit(weightSingleton, FactorSingleton)
	}

	sc.Behavioral = math.Min(s.cfg.BehavioralCap, points)
}

// velocityThreshold is the larger of the absolute floor and the population
// mean plus two standard deviations.
func (s *Scorer) velocityThreshold(src Source, ids []string) float64 {
	limit := s.cfg.VelocityThreshold
	if len(ids) < 2 {
		return limit
	}
	velocities := make([]float64, 0, len(ids))
	for _, id := range ids {
		n, _ := src.Node(id)
		velocities = append(velocities, n.Velocity)
	}
	mean, std := stat.MeanStdDev(velocities, nil)
	if math.IsNaN(mean) || math.IsNaN(std) {
		return limit
	}
	return math.Max(limit, mean+2*std)
}

// burst reports whether BurstCount or more of the node's transactions fall
// inside one BurstWindow.
func (s *Scorer) burst(src Source, id string) bool {
	if s.cfg.BurstCount <= 1 {
		return false
	}
	in, out := src.InboundRefs(id), src.OutboundRefs(id)
	if len(in)+len(out) < s.cfg.BurstCount {
		return false
	}
	times := make([]time.Time, 0, len(in)+len(out))
	for _, r := range in {
		times = append(times, r.At)
	}
	for _, r := range out {
		times = append(times, r.At)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	span := s.cfg.BurstCount - 1
	for i := span; i < len(times); i++ {
		if times[i].Sub(times[i-span]) <= s.cfg.BurstWindow {
			return true
		}
	}
	return false
}

func (s *Scorer) applyRules(ctx context.Context, src Source, ids []string, scores map[string]*domain.SuspicionScore) error {
	features := make([]domain.NodeFeatures, 0, len(ids))
	for _, id := range ids {
		n, _ := src.Node(id)
		sc := scores[id]
		patterns := make([]string, len(sc.Patterns))
		for i, p := range sc.Patterns {
			patterns[i] = string(p)
		}
		features = append(features, domain.NodeFeatures{
			NodeID:               id,
			InDegree:             n.InDegree,
			OutDegree:            n.OutDegree,
			TotalDegree:          n.TotalDegree,
			Velocity:             n.Velocity,
			FlowThrough:          n.FlowThrough,
			UniqueCounterparties: n.UniqueCounterparties,
			ActiveDays:           n.ActiveDays,
			TotalIn:              n.TotalIn,
			TotalOut:             n.TotalOut,
			Structural:           sc.Structural,
			Patterns:             patterns,
		})
	}

	results, err := s.rules.EvaluateNodes(ctx, features)
	if err != nil {
		return err
	}
	for _, r := range results {
		if !r.Matched {
			continue
		}
		sc, ok := scores[r.NodeID]
		if !ok {
			continue
		}
		sc.Behavioral = math.Min(s.cfg.BehavioralCap, sc.Behavioral+r.Weight)
		sc.RiskFactors = append(sc.RiskFactors, r.Factor)
	}
	return nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
