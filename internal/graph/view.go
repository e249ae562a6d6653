package graph

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// View is the read-only graph surface the detectors traverse.
type View interface {
	// NodeIDs returns every account ID in ascending order.
	NodeIDs() []string
	Successors(id string) []string
	Predecessors(id string) []string
	InboundRefs(id string) []domain.PeerRef
	OutboundRefs(id string) []domain.PeerRef
	Degree(id string) (in, out int)
	LatestTimestamp() time.Time
}

var _ View = (*Store)(nil)

// NodeIDs returns the sorted node IDs. Valid after Finalize.
func (s *Store) NodeIDs() []string { return s.ids }

// Successors returns the sorted distinct receivers of id.
func (s *Store) Successors(id string) []string {
	if n, ok := s.nodes[id]; ok {
		return n.succ
	}
	return nil
}

// Predecessors returns the sorted distinct senders to id.
func (s *Store) Predecessors(id string) []string {
	if n, ok := s.nodes[id]; ok {
		return n.pred
	}
	return nil
}

// InboundRefs returns every (sender, time) reference for id.
func (s *Store) InboundRefs(id string) []domain.PeerRef {
	if n, ok := s.nodes[id]; ok {
		return n.inRefs
	}
	return nil
}

// OutboundRefs returns every (receiver, time) reference for id.
func (s *Store) OutboundRefs(id string) []domain.PeerRef {
	if n, ok := s.nodes[id]; ok {
		return n.outRefs
	}
	return nil
}

// Degree returns the in- and out-degree of id.
func (s *Store) Degree(id string) (in, out int) {
	if n, ok := s.nodes[id]; ok {
		return n.data.InDegree, n.data.OutDegree
	}
	return 0, 0
}

// LatestTimestamp returns the newest transaction time seen.
func (s *Store) LatestTimestamp() time.Time { return s.latest }

// Node returns a copy of the node's public data.
func (s *Store) Node(id string) (domain.NodeData, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return domain.NodeData{}, false
	}
	return n.data, true
}

// Amounts returns the node's amount statistics.
func (s *Store) Amounts(id string) *AmountStats {
	if n, ok := s.nodes[id]; ok {
		return &n.amounts
	}
	return nil
}

// Balances returns the node's balance anomaly counters.
func (s *Store) Balances(id string) *BalanceStats {
	if n, ok := s.nodes[id]; ok {
		return &n.balance
	}
	return nil
}

// Edges returns the capped edge list and whether it was truncated.
func (s *Store) Edges() ([]domain.EdgeData, bool) { return s.edges, s.edgesTruncated }

// Labels returns the ground-truth label statistics.
func (s *Store) Labels() *LabelStats { return &s.labels }

// NodeCount returns the number of accounts.
func (s *Store) NodeCount() int { return len(s.nodes) }

// TransactionCount returns the number of ingested transactions.
func (s *Store) TransactionCount() int { return s.txCount }

// Skipped returns the number of transactions dropped for missing party IDs.
func (s *Store) Skipped() int { return s.skipped }

// TotalVolume returns the exact sum of ingested amounts.
func (s *Store) TotalVolume() decimal.Decimal { return s.volume }
