// Package detect finds structural fraud patterns in a finalized account graph.
package detect

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"golang.org/x/sync/errgroup"
)

// ctxCheckEvery is how many start nodes a detector processes between
// context checks.
const ctxCheckEvery = 256

// Config holds the detector bounds.
type Config struct {
	CycleMinLength int
	CycleMaxLength int
	CycleMaxDepth  int
	CycleBudget    int

	FanThreshold int
	FanWindow    time.Duration

	ShellMinDegree int
	ShellMaxDegree int
	ShellMinLength int
	ShellMaxDepth  int
	ShellBudget    int
}

// ConfigFrom derives detector bounds from the analysis configuration.
func ConfigFrom(cfg domain.AnalysisConfig) Config {
	return Config{
		CycleMinLength: cfg.CycleMinLength,
		CycleMaxLength: cfg.CycleMaxLength,
		CycleMaxDepth:  cfg.CycleMaxDepth,
		CycleBudget:    cfg.CycleBudget,
		FanThreshold:   cfg.FanThreshold,
		FanWindow:      time.Duration(cfg.FanWindowHours) * time.Hour,
		ShellMinDegree: cfg.ShellMinDegree,
		ShellMaxDegree: cfg.ShellMaxDegree,
		ShellMinLength: cfg.ShellMinLength,
		ShellMaxDepth:  cfg.ShellMaxDepth,
		ShellBudget:    cfg.ShellBudget,
	}
}

// Result is the output of one detector: the flagged accounts and the
// distinct pattern instances, in discovery order.
type Result struct {
	Flagged   map[string]bool
	Instances []domain.PatternInstance
}

func newResult() Result {
	return Result{Flagged: make(map[string]bool)}
}

func (r *Result) add(inst domain.PatternInstance) {
	r.Instances = append(r.Instances, inst)
	if inst.Hub != "" {
		r.Flagged[inst.Hub] = true
		return
	}
	for _, m := range inst.Members {
		r.Flagged[m] = true
	}
}

// Detections bundles the output of all detectors for one run.
type Detections struct {
	Cycles Result
	FanIn  Result
	FanOut Result
	Shells Result
}

// Run executes the cycle, fan and shell detectors concurrently against a
// read-only view. The view must not be mutated while Run is in progress.
func Run(ctx context.Context, view graph.View, cfg Config) (*Detections, error) {
	var d Detections
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r, err := Cycles(gctx, view, cfg)
		d.Cycles = r
		return err
	})
	g.Go(func() error {
		in, out, err := Fans(gctx, view, cfg)
		d.FanIn, d.FanOut = in, out
		return err
	})
	g.Go(func() error {
		r, err := ShellChains(gctx, view, cfg)
		d.Shells = r
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Signature is the canonical, order-independent key of a member set.
func Signature(members []string) string {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x1f")
}

func contains(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

func extend(path []string, id string) []string {
	next := make([]string, len(path)+1)
	copy(next, path)
	next[len(path)] = id
	return next
}
