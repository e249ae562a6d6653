package detect

import (
	"context"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// ShellChains finds chains of ShellMinLength or more accounts whose interior
// accounts all have total degree in [ShellMinDegree, ShellMaxDegree]. Every
// account that sends is a search start, and each qualifying path is recorded
// when first reached. A path whose last account sends back to its first is a
// loop, not a chain, and is skipped. Chains contained in a longer chain are
// dropped after the search.
func ShellChains(ctx context.Context, view graph.View, cfg Config) (Result, error) {
	res := newResult()
	seen := make(map[string]struct{})
	var found [][]string

	shellLike := func(id string) bool {
		in, out := view.Degree(id)
		d := in + out
		return d >= cfg.ShellMinDegree && d <= cfg.ShellMaxDegree
	}

	for i, start := range view.NodeIDs() {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		if _, out := view.Degree(start); out == 0 {
			continue
		}

		queue := [][]string{{start}}
		pops := 0
		for len(queue) > 0 && pops < cfg.ShellBudget {
			path := queue[0]
			queue = queue[1:]
			pops++

			if len(path) >= cfg.ShellMinLength && !closes(view, path) {
				sig := Signature(path)
				if _, dup := seen[sig]; !dup {
					seen[sig] = struct{}{}
					found = append(found, path)
				}
			}

			last := path[len(path)-1]
			if len(path) >= cfg.ShellMaxDepth || (len(path) > 1 && !shellLike(last)) {
				continue
			}
			for _, next := range view.Successors(last) {
				if !contains(path, next) {
					queue = append(queue, extend(path, next))
				}
			}
		}
	}

	for _, path := range maximal(found, cfg.ShellMinLength) {
		res.add(domain.PatternInstance{
			Kind:    domain.KindShell,
			Members: path,
			Length:  len(path),
		})
	}
	return res, nil
}

// closes reports whether the last account of path sends to the first.
func closes(view graph.View, path []string) bool {
	first, last := path[0], path[len(path)-1]
	for _, s := range view.Successors(last) {
		if s == first {
			return true
		}
	}
	return false
}

// maximal drops every path that appears as a contiguous run inside another
// path, keeping discovery order.
func maximal(paths [][]string, minLen int) [][]string {
	covered := make(map[string]struct{})
	for _, p := range paths {
		for lo := 0; lo < len(p); lo++ {
			for hi := lo + minLen; hi <= len(p); hi++ {
				if lo == 0 && hi == len(p) {
					continue
				}
				covered[pathKey(p[lo:hi])] = struct{}{}
			}
		}
	}

	out := paths[:0]
	for _, p := range paths {
		if _, ok := covered[pathKey(p)]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func pathKey(path []string) string {
	return strings.Join(path, "\x1f")
}
