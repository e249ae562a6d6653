// Package groundtruth measures flagged accounts against fraud labels.
package groundtruth

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"gonum.org/v1/gonum/stat"
)

// Evaluate builds the node-level confusion matrix. An account is predicted
// positive when its final total is above zero and actually positive when it
// sent or received a fraud-labelled transaction. It returns nil when no
// ingested transaction carried a label.
func Evaluate(ids []string, labels *graph.LabelStats, scores map[string]*domain.SuspicionScore) *domain.GroundTruthMetrics {
	if labels == nil || !labels.Seen() {
		return nil
	}

	m := &domain.GroundTruthMetrics{
		LabeledTransactions: labels.Labeled,
		FraudTransactions:   labels.Fraud,
		FlaggedTransactions: labels.Flagged,
		FraudByType:         make(map[string]domain.TypeFraudStats, len(labels.ByType)),
	}

	var fraudScores, legitScores []float64
	for _, id := range ids {
		score := 0.0
		if sc, ok := scores[id]; ok {
			score = sc.Total
		}
		predicted := score > 0
		actual := labels.FraudNodes[id]

		switch {
		case predicted && actual:
			m.TruePositives++
		case predicted && !actual:
			m.FalsePositives++
		case !predicted && actual:
			m.FalseNegatives++
		default:
			m.TrueNegatives++
		}

		if actual {
			fraudScores = append(fraudScores, score)
		} else {
			legitScores = append(legitScores, score)
		}
	}

	m.FraudNodes = len(fraudScores)
	m.LegitNodes = len(legitScores)
	if len(fraudScores) > 0 {
		m.MeanScoreFraud = stat.Mean(fraudScores, nil)
	}
	if len(legitScores) > 0 {
		m.MeanScoreLegit = stat.Mean(legitScores, nil)
	}

	m.Precision = ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	m.Recall = ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.Accuracy = ratio(m.TruePositives+m.TrueNegatives, len(ids))

	for typ, tc := range labels.ByType {
		m.FraudByType[typ] = domain.TypeFraudStats{
			Total: tc.Total,
			Fraud: tc.Fraud,
			Rate:  ratio(tc.Fraud, tc.Total),
		}
	}
	return m
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
