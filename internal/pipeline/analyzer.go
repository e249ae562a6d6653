// Package pipeline runs one forensic graph analysis end to end:
// ingestion, finalization, detection, scoring, ring formation, ground-truth
// evaluation and result assembly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/assemble"
	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/groundtruth"
	"github.com/opensource-finance/kestrel/internal/ring"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoTransactions is returned when Finish is called with nothing ingested.
	ErrNoTransactions = errors.New("no transactions to analyze")

	// ErrAnalyzerUsed is returned when an Analyzer is used after Finish.
	ErrAnalyzerUsed = errors.New("analyzer already finished")
)

var tracer = otel.Tracer("kestrel-pipeline")

// Progress milestones, in percent.
const (
	percentIngestEnd = 50
	percentGraph     = 55
	percentMetrics   = 60
	percentPatterns  = 80
	percentScored    = 90
	percentRings     = 95
)

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRules adds custom rule contributions to scoring.
func WithRules(r scoring.RuleEvaluator) Option {
	return func(a *Analyzer) { a.rules = r }
}

// WithProgress registers a progress callback.
func WithProgress(fn domain.ProgressFunc) Option {
	return func(a *Analyzer) { a.progress = fn }
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// WithTotalChunks lets chunk progress report a denominator.
func WithTotalChunks(n int) Option {
	return func(a *Analyzer) { a.totalChunks = n }
}

// Analyzer is a single-use analysis run. Chunks are ingested sequentially
// with IngestChunk; Finish runs the rest of the pipeline exactly once.
type Analyzer struct {
	cfg      domain.AnalysisConfig
	store    *graph.Store
	rules    scoring.RuleEvaluator
	progress domain.ProgressFunc
	logger   *slog.Logger

	totalChunks int
	chunks      int
	started     time.Time
	done        bool
}

// New creates an Analyzer for one run.
func New(cfg domain.AnalysisConfig, opts ...Option) *Analyzer {
	a := &Analyzer{
		cfg:     cfg,
		store:   graph.NewStore(graph.OptionsFrom(cfg)),
		logger:  slog.Default(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IngestChunk adds one chunk of transactions to the graph.
func (a *Analyzer) IngestChunk(ctx context.Context, chunk []domain.Transaction) error {
	if a.done {
		return ErrAnalyzerUsed
	}
	if err := ctx.Err(); err != nil {
		return a.fail(err)
	}
	if err := a.store.Ingest(chunk); err != nil {
		return a.fail(fmt.Errorf("ingest chunk %d: %w", a.chunks+1, err))
	}
	a.chunks++

	every := a.cfg.ProgressEvery
	if every <= 0 {
		every = 1
	}
	if a.chunks%every == 0 || a.chunks == a.totalChunks {
		percent := 0
		if a.totalChunks > 0 {
			percent = a.chunks * percentIngestEnd / a.totalChunks
		}
		a.emit(domain.Progress{
			Status:          domain.ProgressProcessing,
			Percent:         percent,
			Message:         fmt.Sprintf("Ingested %d transactions", a.store.TransactionCount()),
			ChunksProcessed: a.chunks,
			TotalChunks:     a.totalChunks,
		})
	}
	return nil
}

// Finish runs finalization, detection, scoring, ring formation and
// ground-truth evaluation, and assembles the result.
func (a *Analyzer) Finish(ctx context.Context) (*domain.GraphAnalysisResult, error) {
	if a.done {
		return nil, ErrAnalyzerUsed
	}
	a.done = true

	ctx, span := tracer.Start(ctx, "analysis.finish", trace.WithAttributes(
		attribute.Int("transactions", a.store.TransactionCount()),
		attribute.Int("chunks", a.chunks),
	))
	defer span.End()

	if a.store.TransactionCount() == 0 {
		return nil, a.fail(ErrNoTransactions)
	}
	a.emit(domain.Progress{
		Status:  domain.ProgressProcessing,
		Percent: percentGraph,
		Message: fmt.Sprintf("Graph built: %d accounts", a.store.NodeCount()),
	})

	if err := a.stage(ctx, "finalize", func(context.Context) error { return a.store.Finalize() }); err != nil {
		return nil, a.fail(err)
	}
	a.emit(domain.Progress{Status: domain.ProgressProcessing, Percent: percentMetrics, Message: "Metrics finalized"})

	var det *detect.Detections
	err := a.stage(ctx, "detect", func(ctx context.Context) error {
		var err error
		det, err = detect.Run(ctx, a.store, detect.ConfigFrom(a.cfg))
		return err
	})
	if err != nil {
		return nil, a.fail(err)
	}
	a.emit(domain.Progress{
		Status:  domain.ProgressProcessing,
		Percent: percentPatterns,
		Message: fmt.Sprintf("Patterns detected: %d cycles, %d fan hubs, %d shell chains",
			len(det.Cycles.Instances), len(det.FanIn.Instances)+len(det.FanOut.Instances), len(det.Shells.Instances)),
	})

	var scores map[string]*domain.SuspicionScore
	err = a.stage(ctx, "score", func(ctx context.Context) error {
		var err error
		scores, err = scoring.New(scoring.ConfigFrom(a.cfg), a.rules).Score(ctx, a.store, det)
		return err
	})
	if err != nil {
		return nil, a.fail(err)
	}
	a.emit(domain.Progress{Status: domain.ProgressProcessing, Percent: percentScored, Message: fmt.Sprintf("Scored %d accounts", len(scores))})

	var rings []domain.Ring
	err = a.stage(ctx, "rings", func(context.Context) error {
		var err error
		rings, err = ring.Form(det, scores, ring.ConfigFrom(a.cfg))
		return err
	})
	if err != nil {
		return nil, a.fail(err)
	}
	a.emit(domain.Progress{Status: domain.ProgressProcessing, Percent: percentRings, Message: fmt.Sprintf("Formed %d rings", len(rings))})

	gt := groundtruth.Evaluate(a.store.NodeIDs(), a.store.Labels(), scores)

	result := assemble.Assemble(&assemble.Input{
		Store:       a.store,
		Detections:  det,
		Scores:      scores,
		Rings:       rings,
		GroundTruth: gt,
		StartTime:   a.started,
	})

	span.SetAttributes(
		attribute.Int("rings", len(result.Rings)),
		attribute.Int("suspicious", len(result.SuspiciousNodes)),
	)
	a.logger.Info("analysis complete",
		"transactions", result.Metadata.TotalTransactions,
		"accounts", result.Metadata.NodeCount,
		"rings", len(result.Rings),
		"suspicious", len(result.SuspiciousNodes),
		"duration_ms", result.Metadata.DurationMs,
	)
	a.emit(domain.Progress{Status: domain.ProgressCompleted, Percent: 100, Message: "Analysis complete"})

	return result, nil
}

// Run ingests txs in chunks of chunkSize and finishes the analysis.
func Run(ctx context.Context, cfg domain.AnalysisConfig, txs []domain.Transaction, opts ...Option) (*domain.GraphAnalysisResult, error) {
	size := cfg.ChunkSize
	if size <= 0 {
		size = 2000
	}
	total := (len(txs) + size - 1) / size
	a := New(cfg, append([]Option{WithTotalChunks(total)}, opts...)...)

	a.emit(domain.Progress{
		Status:      domain.ProgressUploading,
		Message:     fmt.Sprintf("Received %d transactions", len(txs)),
		TotalChunks: total,
	})

	for start := 0; start < len(txs); start += size {
		end := min(start+size, len(txs))
		if err := a.IngestChunk(ctx, txs[start:end]); err != nil {
			return nil, err
		}
	}
	return a.Finish(ctx)
}

// stage runs fn in its own span after checking for cancellation.
func (a *Analyzer) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "analysis."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	a.logger.Debug("pipeline stage", "stage", name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
	return err
}

func (a *Analyzer) fail(err error) error {
	a.done = true
	a.emit(domain.Progress{Status: domain.ProgressFailed, Message: err.Error()})
	a.logger.Warn("analysis failed", "error", err)
	return err
}

func (a *Analyzer) emit(p domain.Progress) {
	if a.progress != nil {
		a.progress(p)
	}
}
