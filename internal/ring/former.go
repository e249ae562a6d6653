// Package ring groups detected pattern instances into deduplicated,
// single-pattern rings and applies ring-membership network scores.
package ring

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"gonum.org/v1/gonum/stat"
)

// ErrMixedPatterns means a ring was built with other than exactly one
// pattern tag. It indicates a deduplication bug and must fail the run.
var ErrMixedPatterns = errors.New("ring does not carry exactly one pattern")

// Network score floors applied to suspicious ring members.
const (
	networkCycle = 20
	networkFan   = 15
	networkShell = 15
)

// fanBonus is the fixed coordination bonus of fan rings; shellBonus that of shell rings.
const (
	fanBonus   = 10
	shellBonus = 10
)

// Config holds ring formation settings.
type Config struct {
	MinSpokes  int
	NetworkCap float64
}

// ConfigFrom derives ring settings from the analysis configuration.
func ConfigFrom(cfg domain.AnalysisConfig) Config {
	return Config{MinSpokes: cfg.MinSpokes, NetworkCap: cfg.NetworkCap}
}

// LengthBonus is the cycle ring bonus: 3→15, 4→10, 5→5, longer 0.
func LengthBonus(length int) float64 {
	return math.Max(0, float64(30-5*length))
}

type candidate struct {
	key  string
	ring domain.Ring
}

// Former builds rings from detections. It raises the network sub-score of
// suspicious members in scores as rings are created, so instances are
// processed in a fixed order: cycles, fan-in, fan-out, shell chains.
type Former struct {
	cfg    Config
	scores map[string]*domain.SuspicionScore
	seen   map[string]struct{}
	out    []candidate
}

// Form creates the ring list, sorted by risk descending with ties broken by
// canonical key, and numbered RING_001 onward.
func Form(det *detect.Detections, scores map[string]*domain.SuspicionScore, cfg Config) ([]domain.Ring, error) {
	f := &Former{cfg: cfg, scores: scores, seen: make(map[string]struct{})}

	for _, inst := range det.Cycles.Instances {
		f.cycle(inst)
	}
	for _, inst := range det.FanIn.Instances {
		f.fan(inst)
	}
	for _, inst := range det.FanOut.Instances {
		f.fan(inst)
	}
	for _, inst := range det.Shells.Instances {
		f.shell(inst)
	}

	sort.SliceStable(f.out, func(i, j int) bool {
		if f.out[i].ring.RiskScore != f.out[j].ring.RiskScore {
			return f.out[i].ring.RiskScore > f.out[j].ring.RiskScore
		}
		return f.out[i].key < f.out[j].key
	})

	rings := make([]domain.Ring, 0, len(f.out))
	for i, c := range f.out {
		r := c.ring
		if len(r.Patterns) != 1 {
			return nil, fmt.Errorf("%w: %s has %d", ErrMixedPatterns, c.key, len(r.Patterns))
		}
		r.ID = fmt.Sprintf("RING_%03d", i+1)
		rings = append(rings, r)
	}
	return rings, nil
}

func (f *Former) suspicious(id string) bool {
	sc, ok := f.scores[id]
	return ok && sc.Total > 0
}

func (f *Former) total(id string) float64 {
	if sc, ok := f.scores[id]; ok {
		return sc.Total
	}
	return 0
}

func (f *Former) suspiciousOf(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if f.suspicious(id) {
			out = append(out, id)
		}
	}
	return out
}

func (f *Former) mean(ids []string) float64 {
	if len(ids) == 0 {
		return 0
	}
	totals := make([]float64, len(ids))
	for i, id := range ids {
		totals[i] = f.total(id)
	}
	return stat.Mean(totals, nil)
}

// claim registers a canonical key and reports whether it was new.
func (f *Former) claim(pattern domain.PatternType, members []string) (string, bool) {
	key := string(pattern) + ":" + detect.Signature(members)
	if _, dup := f.seen[key]; dup {
		return key, false
	}
	f.seen[key] = struct{}{}
	return key, true
}

func (f *Former) cycle(inst domain.PatternInstance) {
	members := f.suspiciousOf(inst.Members)
	if len(members) == 0 {
		return
	}
	pattern := inst.Pattern()
	key, ok := f.claim(pattern, members)
	if !ok {
		return
	}

	avg := f.mean(members)
	risk := avg*0.6 + math.Log(float64(len(members)+1))*10 + LengthBonus(inst.Length)
	f.emit(key, domain.Ring{
		Members:      members,
		RiskScore:    clamp(risk),
		Patterns:     []domain.PatternType{pattern},
		AvgSuspicion: avg,
	}, members, networkCycle)
}

func (f *Former) fan(inst domain.PatternInstance) {
	if !f.suspicious(inst.Hub) || len(inst.Members) < f.cfg.MinSpokes {
		return
	}
	spokes := f.suspiciousOf(inst.Members)
	members := append([]string{inst.Hub}, spokes...)
	pattern := inst.Pattern()
	key, ok := f.claim(pattern, members)
	if !ok {
		return
	}

	hub := f.total(inst.Hub)
	risk := hub*0.7 + math.Log(float64(len(inst.Members)+1))*10 + fanBonus
	f.emit(key, domain.Ring{
		Members:      members,
		RiskScore:    clamp(risk),
		Patterns:     []domain.PatternType{pattern},
		AvgSuspicion: f.mean(members),
		Hub:          inst.Hub,
	}, members, networkFan)
}

func (f *Former) shell(inst domain.PatternInstance) {
	flagged := f.suspiciousOf(inst.Members)
	if len(flagged) == 0 {
		return
	}
	members := append([]string(nil), inst.Members...)
	key, ok := f.claim(domain.PatternShellChain, members)
	if !ok {
		return
	}

	avg := f.mean(flagged)
	risk := avg*0.5 + math.Log(float64(len(members)+1))*7 + shellBonus
	f.emit(key, domain.Ring{
		Members:      members,
		RiskScore:    clamp(risk),
		Patterns:     []domain.PatternType{domain.PatternShellChain},
		AvgSuspicion: avg,
	}, flagged, networkShell)
}

// emit records the ring and raises each suspicious member's network score
// to at least floor. Scores are never lowered.
func (f *Former) emit(key string, r domain.Ring, suspicious []string, floor float64) {
	r.MemberCount = len(r.Members)
	f.out = append(f.out, candidate{key: key, ring: r})

	for _, id := range suspicious {
		sc, ok := f.scores[id]
		if !ok || sc.Total <= 0 {
			continue
		}
		raised := math.Min(f.cfg.NetworkCap, math.Max(sc.Network, floor))
		if raised > sc.Network {
			sc.Network = raised
			sc.Total = scoring.Total(sc)
		}
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
