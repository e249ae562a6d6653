package graph

import (
	"math"

	"github.com/shopspring/decimal"
)

// AmountStats accumulates per-node amount statistics in constant space
// per distinct amount bucket.
type AmountStats struct {
	Count int
	Mean  float64
	M2    float64
	Max   float64

	// Round counts amounts that are exact multiples of the round unit.
	Round int

	// Buckets counts amounts by log-scale bucket index.
	Buckets map[int]int
}

// add folds one amount into the running statistics (Welford).
func (a *AmountStats) add(amount float64, roundUnit decimal.Decimal, bucketBase float64) {
	a.Count++
	delta := amount - a.Mean
	a.Mean += delta / float64(a.Count)
	a.M2 += delta * (amount - a.Mean)
	if a.Count == 1 || amount > a.Max {
		a.Max = amount
	}

	if amount <= 0 {
		return
	}
	if !roundUnit.IsZero() && decimal.NewFromFloat(amount).Mod(roundUnit).IsZero() {
		a.Round++
	}
	if a.Buckets == nil {
		a.Buckets = make(map[int]int)
	}
	a.Buckets[bucketIndex(amount, bucketBase)]++
}

// StdDev returns the population standard deviation, or 0 below two samples.
func (a *AmountStats) StdDev() float64 {
	if a.Count < 2 {
		return 0
	}
	return math.Sqrt(a.M2 / float64(a.Count))
}

// MaxZ returns the z-score of the largest amount. ok is false when the
// sample is too small or has no spread.
func (a *AmountStats) MaxZ(minSamples int) (z float64, ok bool) {
	if a.Count < minSamples {
		return 0, false
	}
	sd := a.StdDev()
	if sd == 0 || math.IsNaN(sd) {
		return 0, false
	}
	return (a.Max - a.Mean) / sd, true
}

// LargestCluster returns the size of the densest pair of adjacent buckets.
func (a *AmountStats) LargestCluster() int {
	best := 0
	for idx, n := range a.Buckets {
		if c := n + a.Buckets[idx+1]; c > best {
			best = c
		}
	}
	return best
}

func bucketIndex(amount, base float64) int {
	return int(math.Floor(math.Log(amount) / math.Log(base)))
}

// BalanceStats counts balance-field anomalies attributed to a node.
type BalanceStats struct {
	// Checked is the number of transfers where the node's balances were present.
	Checked  int
	Mismatch int
	Drain    int
	ZeroDest int

	// Typed is the number of transfers carrying a type; HighRisk those of a high-risk type.
	Typed    int
	HighRisk int
}

// TypeCounts tallies labelled transactions of one type.
type TypeCounts struct {
	Total int
	Fraud int
}

// LabelStats collects the ground-truth labels seen during ingestion.
type LabelStats struct {
	Labeled    int
	Fraud      int
	Flagged    int
	ByType     map[string]*TypeCounts
	FraudNodes map[string]bool
}

// Seen reports whether any transaction carried a fraud label.
func (l *LabelStats) Seen() bool {
	return l.Labeled > 0
}
