// Package graph holds the account graph built from ingested transactions.
package graph

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrFinalized is returned when ingesting into a finalized store.
var ErrFinalized = errors.New("graph already finalized")

// Options bounds the memory the store may use.
type Options struct {
	EdgeCap        int
	DisplayTxCap   int
	BalanceEpsilon float64
	RoundUnit      float64
	// ClusterTolerance sets the width of amount buckets; two adjacent
	// buckets span exactly this relative difference.
	ClusterTolerance float64
}

// OptionsFrom derives store options from the analysis configuration.
func OptionsFrom(cfg domain.AnalysisConfig) Options {
	return Options{
		EdgeCap:          cfg.EdgeCap,
		DisplayTxCap:     cfg.DisplayTxCap,
		BalanceEpsilon:   cfg.BalanceEpsilon,
		RoundUnit:        cfg.RoundUnit,
		ClusterTolerance: cfg.ClusterTolerance,
	}
}

type node struct {
	data    domain.NodeData
	inRefs  []domain.PeerRef
	outRefs []domain.PeerRef
	succ    []string
	pred    []string
	amounts AmountStats
	balance BalanceStats
}

// Store owns the node table, the capped edge list and the peer references.
// It is not safe for concurrent ingestion; after Finalize it is read-only
// and may be shared between goroutines.
type Store struct {
	opts       Options
	roundUnit  decimal.Decimal
	bucketBase float64

	nodes          map[string]*node
	ids            []string
	edges          []domain.EdgeData
	edgesTruncated bool

	txCount int
	skipped int
	volume  decimal.Decimal
	latest  time.Time

	labels    LabelStats
	finalized bool
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	if opts.EdgeCap <= 0 {
		opts.EdgeCap = 10000
	}
	if opts.DisplayTxCap <= 0 {
		opts.DisplayTxCap = 50
	}
	if opts.BalanceEpsilon <= 0 {
		opts.BalanceEpsilon = 0.01
	}
	if opts.ClusterTolerance <= 0 {
		opts.ClusterTolerance = 0.05
	}
	return &Store{
		opts:       opts,
		roundUnit:  decimal.NewFromFloat(opts.RoundUnit),
		bucketBase: math.Sqrt(1 + opts.ClusterTolerance),
		nodes:      make(map[string]*node),
		volume:     decimal.Zero,
		labels: LabelStats{
			ByType:     make(map[string]*TypeCounts),
			FraudNodes: make(map[string]bool),
		},
	}
}

// Ingest adds a chunk of transactions to the graph.
// Transactions without both party IDs are skipped and counted.
func (s *Store) Ingest(chunk []domain.Transaction) error {
	if s.finalized {
		return ErrFinalized
	}
	for i := range chunk {
		s.add(&chunk[i])
	}
	return nil
}

func (s *Store) add(tx *domain.Transaction) {
	if tx.Sender == "" || tx.Receiver == "" {
		s.skipped++
		return
	}

	sender := s.touch(tx.Sender, tx.Timestamp)
	receiver := s.touch(tx.Receiver, tx.Timestamp)

	sender.data.OutDegree++
	sender.data.TotalDegree++
	sender.data.TotalOut += tx.Amount
	receiver.data.InDegree++
	receiver.data.TotalDegree++
	receiver.data.TotalIn += tx.Amount

	if len(sender.data.OutboundTxs) < s.opts.DisplayTxCap {
		sender.data.OutboundTxs = append(sender.data.OutboundTxs, domain.TxSample{
			ID: tx.ID, Counterparty: tx.Receiver, Amount: tx.Amount, Timestamp: tx.Timestamp, TxType: tx.TxType,
		})
	}
	if len(receiver.data.InboundTxs) < s.opts.DisplayTxCap {
		receiver.data.InboundTxs = append(receiver.data.InboundTxs, domain.TxSample{
			ID: tx.ID, Counterparty: tx.Sender, Amount: tx.Amount, Timestamp: tx.Timestamp, TxType: tx.TxType,
		})
	}

	sender.outRefs = append(sender.outRefs, domain.PeerRef{Peer: tx.Receiver, At: tx.Timestamp})
	receiver.inRefs = append(receiver.inRefs, domain.PeerRef{Peer: tx.Sender, At: tx.Timestamp})

	if len(s.edges) < s.opts.EdgeCap {
		s.edges = append(s.edges, domain.EdgeData{
			Source: tx.Sender, Target: tx.Receiver, Amount: tx.Amount, Timestamp: tx.Timestamp, TxID: tx.ID,
		})
	} else {
		s.edgesTruncated = true
	}

	sender.amounts.add(tx.Amount, s.roundUnit, s.bucketBase)
	receiver.amounts.add(tx.Amount, s.roundUnit, s.bucketBase)

	s.accumulateBalances(tx, sender, receiver)
	s.accumulateLabels(tx)

	s.txCount++
	s.volume = s.volume.Add(decimal.NewFromFloat(tx.Amount))
	if tx.Timestamp.After(s.latest) {
		s.latest = tx.Timestamp
	}
}

func (s *Store) touch(id string, at time.Time) *node {
	n, ok := s.nodes[id]
	if !ok {
		n = &node{data: domain.NodeData{
			ID:          id,
			FirstSeen:   at,
			LastSeen:    at,
			InboundTxs:  []domain.TxSample{},
			OutboundTxs: []domain.TxSample{},
		}}
		s.nodes[id] = n
		return n
	}
	if at.Before(n.data.FirstSeen) {
		n.data.FirstSeen = at
	}
	if at.After(n.data.LastSeen) {
		n.data.LastSeen = at
	}
	return n
}

func (s *Store) accumulateBalances(tx *domain.Transaction, sender, receiver *node) {
	eps := s.opts.BalanceEpsilon

	if tx.OldBalanceOrig != nil && tx.NewBalanceOrig != nil {
		oldBal, newBal := *tx.OldBalanceOrig, *tx.NewBalanceOrig
		sender.balance.Checked++
		if math.Abs(oldBal-tx.Amount-newBal) > eps {
			sender.balance.Mismatch++
		}
		if oldBal > 0 && newBal < 1 && tx.Amount > 0 {
			sender.balance.Drain++
		}
	}

	if tx.OldBalanceDest != nil && tx.NewBalanceDest != nil {
		oldBal, newBal := *tx.OldBalanceDest, *tx.NewBalanceDest
		receiver.balance.Checked++
		switch {
		case oldBal == 0 && newBal == 0 && tx.Amount > 0:
			receiver.balance.ZeroDest++
		case math.Abs(oldBal+tx.Amount-newBal) > eps:
			receiver.balance.Mismatch++
		}
	}

	if tx.TxType != "" {
		typ := tx.NormalizedType()
		sender.balance.Typed++
		receiver.balance.Typed++
		if domain.HighRiskTxTypes[typ] {
			sender.balance.HighRisk++
			receiver.balance.HighRisk++
		}
	}
}

func (s *Store) accumulateLabels(tx *domain.Transaction) {
	if tx.IsFlaggedFraud != nil && *tx.IsFlaggedFraud {
		s.labels.Flagged++
	}
	if !tx.HasLabel() {
		return
	}
	s.labels.Labeled++

	typ := tx.NormalizedType()
	tc, ok := s.labels.ByType[typ]
	if !ok {
		tc = &TypeCounts{}
		s.labels.ByType[typ] = tc
	}
	tc.Total++

	if tx.Fraudulent() {
		s.labels.Fraud++
		tc.Fraud++
		s.labels.FraudNodes[tx.Sender] = true
		s.labels.FraudNodes[tx.Receiver] = true
	}
}

// Finalize derives per-node metrics and the sorted adjacency lists.
// It must be called exactly once, after the last Ingest.
func (s *Store) Finalize() error {
	if s.finalized {
		return ErrFinalized
	}
	s.finalized = true

	s.ids = make([]string, 0, len(s.nodes))
	for id, n := range s.nodes {
		s.ids = append(s.ids, id)

		span := n.data.LastSeen.Sub(n.data.FirstSeen)
		n.data.ActiveDays = math.Max(1, span.Hours()/24)
		n.data.Velocity = float64(n.data.TotalDegree) / math.Max(1, span.Hours())

		n.succ = uniquePeers(n.outRefs)
		n.pred = uniquePeers(n.inRefs)
		n.data.UniqueCounterparties = unionSize(n.succ, n.pred)

		lo, hi := math.Min(n.data.TotalIn, n.data.TotalOut), math.Max(n.data.TotalIn, n.data.TotalOut)
		if hi > 0 {
			n.data.FlowThrough = lo / hi
		}
	}
	sort.Strings(s.ids)
	return nil
}

// Finalized reports whether Finalize has run.
func (s *Store) Finalized() bool { return s.finalized }

func uniquePeers(refs []domain.PeerRef) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.Peer]; ok {
			continue
		}
		seen[r.Peer] = struct{}{}
		out = append(out, r.Peer)
	}
	sort.Strings(out)
	return out
}

// unionSize counts distinct IDs across two sorted, de-duplicated lists.
func unionSize(a, b []string) int {
	i, j, n := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
		n++
	}
	return n + (len(a) - i) + (len(b) - j)
}
