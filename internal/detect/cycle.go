package detect

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

type frame struct {
	node string
	path []string
}

// Cycles finds simple directed cycles with length in
// [CycleMinLength, CycleMaxLength] by iterative DFS from every node with
// nonzero in- and out-degree. Every start searches independently and a cycle
// is reported once, from the first start that reaches it. A start whose pop
// budget runs out is truncated without error.
func Cycles(ctx context.Context, view graph.View, cfg Config) (Result, error) {
	res := newResult()
	seen := make(map[string]struct{})

	maxLen := cfg.CycleMaxLength
	if cfg.CycleMaxDepth > 0 && cfg.CycleMaxDepth < maxLen {
		maxLen = cfg.CycleMaxDepth
	}

	for i, start := range view.NodeIDs() {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		if !bidirectional(view, start) {
			continue
		}

		stack := []frame{{node: start, path: []string{start}}}
		pops := 0
		for len(stack) > 0 && pops < cfg.CycleBudget {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			pops++

			succ := view.Successors(f.node)
			// Push in reverse so ascending successors are explored first.
			for j := len(succ) - 1; j >= 0; j-- {
				next := succ[j]
				if next == start {
					if n := len(f.path); n >= cfg.CycleMinLength && n <= cfg.CycleMaxLength {
						sig := Signature(f.path)
						if _, dup := seen[sig]; !dup {
							seen[sig] = struct{}{}
							res.add(domain.PatternInstance{
								Kind:    domain.KindCycle,
								Members: append([]string(nil), f.path...),
								Length:  n,
							})
						}
					}
					continue
				}
				if len(f.path) >= maxLen || contains(f.path, next) {
					continue
				}
				if !bidirectional(view, next) {
					continue
				}
				stack = append(stack, frame{node: next, path: extend(f.path, next)})
			}
		}
	}
	return res, nil
}

func bidirectional(view graph.View, id string) bool {
	in, out := view.Degree(id)
	return in > 0 && out > 0
}
