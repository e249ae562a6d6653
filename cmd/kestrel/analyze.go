package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var (
	analyzeCSV          string
	analyzeLimit        int
	analyzeChunk        int
	analyzeJSON         bool
	analyzeBuiltinRules bool
	analyzeTop          int
	analyzeMinRisk      float64
	analyzeQuiet        bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a CSV file in-process and print a report",
	Long: `Stream a transaction CSV through the analysis core without a server.

PaySim columns (step,type,amount,nameOrig,...,isFraud) and generic
sender,receiver,amount,timestamp columns are detected from the header.
Labelled datasets get a ground-truth confusion matrix.

Examples:
  kestrel analyze --csv paysim.csv --limit 200000
  kestrel analyze --csv transfers.csv --json > result.json
  kestrel analyze --csv paysim.csv --builtin-rules --top 20`,
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeCSV, "csv", "", "path to the transaction CSV (required)")
	f.IntVar(&analyzeLimit, "limit", 0, "stop after this many transactions (0 = all)")
	f.IntVar(&analyzeChunk, "chunk", 0, "transactions per ingest chunk (default from config)")
	f.BoolVar(&analyzeJSON, "json", false, "print the full result as JSON")
	f.BoolVar(&analyzeBuiltinRules, "builtin-rules", false, "apply the builtin custom scoring rules")
	f.IntVar(&analyzeTop, "top", 10, "rings and accounts to list in the report")
	f.Float64Var(&analyzeMinRisk, "min-risk", 0, "only list rings at or above this risk score")
	f.BoolVarP(&analyzeQuiet, "quiet", "q", false, "suppress progress output")
	_ = analyzeCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if analyzeChunk > 0 {
		cfg.Analysis.ChunkSize = analyzeChunk
	}

	// logs go to stderr so --json output stays clean
	logCfg := cfg.Logging
	if logCfg.Level == "" || logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	logger := newLogger(logCfg, os.Stderr)

	f, err := os.Open(analyzeCSV)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if analyzeBuiltinRules {
		engine, err := rules.NewEngine(0)
		if err != nil {
			return err
		}
		defer engine.Close()
		if err := engine.LoadRules(rules.BuiltinRules()); err != nil {
			return err
		}
		opts = append(opts, pipeline.WithRules(engine))
	}
	if !analyzeQuiet && !analyzeJSON {
		opts = append(opts, pipeline.WithProgress(progressPrinter(os.Stderr)))
	}

	start := time.Now()
	analyzer := pipeline.New(cfg.Analysis, opts...)

	stats, err := ingest.Stream(ctx, f, ingest.Options{
		Limit:     analyzeLimit,
		ChunkSize: cfg.Analysis.ChunkSize,
	}, func(chunk []domain.Transaction) error {
		return analyzer.IngestChunk(ctx, chunk)
	})
	if err != nil {
		if errors.Is(err, ingest.ErrUnknownFormat) {
			return fmt.Errorf("%s: %w", analyzeCSV, err)
		}
		return err
	}

	result, err := analyzer.Finish(ctx)
	if err != nil {
		return err
	}

	if analyzeJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	printReport(os.Stdout, report{
		Source:   analyzeCSV,
		Ingest:   stats,
		Result:   result,
		Duration: time.Since(start),
		Top:      analyzeTop,
		MinRisk:  analyzeMinRisk,
	})
	return nil
}

// progressPrinter renders progress on a single terminal line.
func progressPrinter(w io.Writer) domain.ProgressFunc {
	return func(p domain.Progress) {
		switch p.Status {
		case domain.ProgressCompleted, domain.ProgressFailed:
			fmt.Fprintf(w, "\r%-72s\n", fmt.Sprintf("[%s] %s", p.Status, p.Message))
		default:
			fmt.Fprintf(w, "\r%-72s", fmt.Sprintf("[%3d%%] %s", p.Percent, p.Message))
		}
	}
}
