package detect

import (
	"context"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// Fans flags fan-in and fan-out hubs. For each direction the all-time
// distinct peer set is used when the trailing-window set is at least half
// its size, otherwise the window set; a hub needs FanThreshold peers.
func Fans(ctx context.Context, view graph.View, cfg Config) (fanIn, fanOut Result, err error) {
	fanIn, fanOut = newResult(), newResult()

	var cutoff time.Time
	windowed := cfg.FanWindow > 0 && !view.LatestTimestamp().IsZero()
	if windowed {
		cutoff = view.LatestTimestamp().Add(-cfg.FanWindow)
	}

	for i, id := range view.NodeIDs() {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fanIn, fanOut, err
			}
		}

		if peers := fanPeers(view.Predecessors(id), view.InboundRefs(id), windowed, cutoff); len(peers) >= cfg.FanThreshold {
			fanIn.add(domain.PatternInstance{Kind: domain.KindFanIn, Hub: id, Members: peers})
		}
		if peers := fanPeers(view.Successors(id), view.OutboundRefs(id), windowed, cutoff); len(peers) >= cfg.FanThreshold {
			fanOut.add(domain.PatternInstance{Kind: domain.KindFanOut, Hub: id, Members: peers})
		}
	}
	return fanIn, fanOut, nil
}

// fanPeers picks between the all-time peer list (sorted, distinct) and the
// peers seen at or after cutoff.
func fanPeers(all []string, refs []domain.PeerRef, windowed bool, cutoff time.Time) []string {
	if !windowed || len(all) == 0 {
		return all
	}

	recent := make(map[string]struct{})
	for _, r := range refs {
		if !r.At.Before(cutoff) {
			recent[r.Peer] = struct{}{}
		}
	}
	if 2*len(recent) >= len(all) {
		return all
	}

	out := make([]string, 0, len(recent))
	for p := range recent {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
