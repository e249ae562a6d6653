package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/assemble"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
)

type report struct {
	Source   string
	Ingest   ingest.Stats
	Result   *domain.GraphAnalysisResult
	Duration time.Duration
	Top      int
	MinRisk  float64
}

func printReport(w io.Writer, r report) {
	res := r.Result
	md := res.Metadata

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                   KESTREL ANALYSIS REPORT                     ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════╝")

	fmt.Fprintf(w, "\n📊 DATASET\n")
	fmt.Fprintf(w, "   Source:           %s (%s)\n", r.Source, r.Ingest.Format)
	fmt.Fprintf(w, "   Rows Read:        %d\n", r.Ingest.Rows)
	fmt.Fprintf(w, "   Rows Skipped:     %d\n", r.Ingest.Skipped)
	fmt.Fprintf(w, "   Transactions:     %d\n", md.TotalTransactions)
	fmt.Fprintf(w, "   Total Volume:     %.2f\n", md.TotalVolume)
	fmt.Fprintf(w, "   Accounts:         %d\n", md.NodeCount)
	fmt.Fprintf(w, "   Edges Kept:       %d", md.EdgeCount)
	if md.EdgesTruncated {
		fmt.Fprint(w, " (truncated)")
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\n🔗 PATTERNS\n")
	fmt.Fprintf(w, "   Cycles:           %d\n", md.CyclesFound)
	fmt.Fprintf(w, "   Fan Hubs:         %d\n", md.FanHubsFound)
	fmt.Fprintf(w, "   Shell Chains:     %d\n", md.ShellChainsFound)
	fmt.Fprintf(w, "   Rings:            %d\n", len(res.Rings))
	fmt.Fprintf(w, "   Suspicious Accts: %d\n", len(res.SuspiciousNodes))

	rings := assemble.RingsAbove(res.Rings, r.MinRisk)
	if len(rings) > 0 {
		fmt.Fprintf(w, "\n🚨 TOP RINGS\n")
		for i, ring := range rings {
			if r.Top > 0 && i >= r.Top {
				fmt.Fprintf(w, "   ... %d more\n", len(rings)-i)
				break
			}
			fmt.Fprintf(w, "   %-10s %-15s risk %5.1f  members %3d  %s\n",
				ring.ID, ring.Patterns[0], ring.RiskScore, ring.MemberCount, memberPreview(ring.Members, 5))
		}
	}

	if top := assemble.TopSuspicious(res, r.Top); len(top) > 0 {
		fmt.Fprintf(w, "\n🔍 TOP ACCOUNTS\n")
		for _, sn := range top {
			fmt.Fprintf(w, "   %-14s score %5.1f  [%s]\n",
				sn.ID, sn.Score.Total, strings.Join(assemble.Reasons(sn.Score), ", "))
		}
	}

	if gt := res.GroundTruth; gt != nil {
		printGroundTruth(w, gt)
	}

	fmt.Fprintf(w, "\n⏱️  PERFORMANCE\n")
	fmt.Fprintf(w, "   Total Duration:   %v\n", r.Duration.Round(time.Millisecond))
	if secs := r.Duration.Seconds(); secs > 0 && md.TotalTransactions > 0 {
		fmt.Fprintf(w, "   Throughput:       %.0f tx/sec\n", float64(md.TotalTransactions)/secs)
	}
	fmt.Fprintln(w)
}

func printGroundTruth(w io.Writer, gt *domain.GroundTruthMetrics) {
	fmt.Fprintf(w, "\n📈 CONFUSION MATRIX (accounts)\n")
	fmt.Fprintln(w, "                        Predicted")
	fmt.Fprintln(w, "                    FLAG        CLEAR")
	fmt.Fprintln(w, "              ┌──────────┬──────────┐")
	fmt.Fprintf(w, "   Actual  F  │ %8d │ %8d │  (TP, FN)\n", gt.TruePositives, gt.FalseNegatives)
	fmt.Fprintln(w, "              ├──────────┼──────────┤")
	fmt.Fprintf(w, "          NF  │ %8d │ %8d │  (FP, TN)\n", gt.FalsePositives, gt.TrueNegatives)
	fmt.Fprintln(w, "              └──────────┴──────────┘")

	fmt.Fprintf(w, "\n🎯 DETECTION METRICS\n")
	fmt.Fprintf(w, "   Precision:  %.4f  (of flagged accounts, how many were fraud)\n", gt.Precision)
	fmt.Fprintf(w, "   Recall:     %.4f  (of fraud accounts, how many were flagged)\n", gt.Recall)
	fmt.Fprintf(w, "   F1-Score:   %.4f\n", gt.F1)
	fmt.Fprintf(w, "   Accuracy:   %.4f\n", gt.Accuracy)
	fmt.Fprintf(w, "   Mean Score: fraud %.1f vs legit %.1f\n", gt.MeanScoreFraud, gt.MeanScoreLegit)

	fmt.Fprintf(w, "\n🏷️  LABELS\n")
	fmt.Fprintf(w, "   Labelled Txs:     %d\n", gt.LabeledTransactions)
	fmt.Fprintf(w, "   Fraud Txs:        %d\n", gt.FraudTransactions)
	fmt.Fprintf(w, "   Flagged Txs:      %d\n", gt.FlaggedTransactions)
	for _, typ := range sortedTypes(gt.FraudByType) {
		s := gt.FraudByType[typ]
		fmt.Fprintf(w, "   %-16s  %d / %d fraud (%.2f%%)\n", typ+":", s.Fraud, s.Total, s.Rate*100)
	}
}

func memberPreview(members []string, n int) string {
	if len(members) <= n {
		return strings.Join(members, " ")
	}
	return strings.Join(members[:n], " ") + fmt.Sprintf(" +%d", len(members)-n)
}

func sortedTypes(m map[string]domain.TypeFraudStats) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
