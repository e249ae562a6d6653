package graphsink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func sampleResult(nodes, edges int) *domain.GraphAnalysisResult {
	res := &domain.GraphAnalysisResult{
		Nodes: map[string]domain.NodeData{},
	}
	for i := 0; i < nodes; i++ {
		id := fmt.Sprintf("ACC%03d", i)
		res.Nodes[id] = domain.NodeData{ID: id, InDegree: 1, OutDegree: 1}
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < edges; i++ {
		res.Edges = append(res.Edges, domain.EdgeData{
			Source:    fmt.Sprintf("ACC%03d", i%nodes),
			Target:    fmt.Sprintf("ACC%03d", (i+1)%nodes),
			Amount:    100,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}
	res.Rings = []domain.Ring{{
		ID:        "RING_001",
		Members:   []string{"ACC000", "ACC001", "ACC002"},
		RiskScore: 64,
		Patterns:  []domain.PatternType{domain.PatternCycle3},
	}}
	res.SuspiciousNodes = []domain.SuspiciousNode{{
		ID:    "ACC000",
		Score: &domain.SuspicionScore{Total: 64, Patterns: []domain.PatternType{domain.PatternCycle3}},
	}}
	return res
}

func TestExport(t *testing.T) {
	ctx := context.Background()

	t.Run("BatchesRows", func(t *testing.T) {
		client := NewMemoryClient()
		exp := NewExporter(client, 4, nil)

		stats, err := exp.Export(ctx, "tenant-001", "an-1", sampleResult(10, 9))
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}

		if stats.Accounts != 10 || stats.Transfers != 9 || stats.Rings != 1 {
			t.Errorf("unexpected stats: %+v", stats)
		}
		// 10 accounts -> 3 batches, 9 transfers -> 3 batches, 1 ring -> 1 batch
		if stats.Batches != 7 {
			t.Errorf("expected 7 batches, got %d", stats.Batches)
		}

		calls := client.WriteCalls()
		if len(calls) != 7 {
			t.Fatalf("expected 7 write calls, got %d", len(calls))
		}
		for _, c := range calls {
			if !strings.HasPrefix(c.Query, "UNWIND $rows") {
				t.Errorf("expected UNWIND batch, got %q", c.Query)
			}
			if c.Params["tenant"] != "tenant-001" || c.Params["analysis"] != "an-1" {
				t.Errorf("missing tenant/analysis params: %v", c.Params)
			}
		}
	})

	t.Run("SuspicionOnAccounts", func(t *testing.T) {
		client := NewMemoryClient()
		exp := NewExporter(client, 100, nil)

		if _, err := exp.Export(ctx, "tenant-001", "an-1", sampleResult(3, 0)); err != nil {
			t.Fatalf("Export failed: %v", err)
		}

		rows := client.WriteCalls()[0].Params["rows"].([]map[string]any)
		if rows[0]["id"] != "ACC000" || rows[0]["suspicion"] != 64.0 {
			t.Errorf("expected ACC000 with suspicion 64, got %v", rows[0])
		}
		if rows[1]["suspicion"] != 0.0 {
			t.Errorf("expected unscored account at 0, got %v", rows[1]["suspicion"])
		}
	})

	t.Run("RingMembers", func(t *testing.T) {
		rows := ringRows(sampleResult(3, 0).Rings)
		if rows[0]["pattern"] != "cycle_length_3" {
			t.Errorf("unexpected pattern: %v", rows[0]["pattern"])
		}
		if len(rows[0]["members"].([]string)) != 3 {
			t.Errorf("expected 3 members, got %v", rows[0]["members"])
		}
	})

	t.Run("StopsOnError", func(t *testing.T) {
		boom := errors.New("boom")
		client := NewMemoryClient().FailAfter(1, boom)
		exp := NewExporter(client, 2, nil)

		stats, err := exp.Export(ctx, "tenant-001", "an-1", sampleResult(5, 4))
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if stats.Batches != 1 {
			t.Errorf("expected 1 successful batch, got %d", stats.Batches)
		}
		if len(client.WriteCalls()) != 1 {
			t.Errorf("expected export to stop after failure")
		}
	})

	t.Run("NilResult", func(t *testing.T) {
		client := NewMemoryClient()
		stats, err := NewExporter(client, 10, nil).Export(ctx, "t", "a", nil)
		if err != nil || stats.Batches != 0 {
			t.Errorf("expected no-op, got %+v %v", stats, err)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := NewExporter(NewMemoryClient(), 10, nil).Export(cctx, "t", "a", sampleResult(3, 2))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestEnsureSchema(t *testing.T) {
	client := NewMemoryClient()
	if err := NewExporter(client, 0, nil).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	calls := client.WriteCalls()
	if len(calls) != 1 || !strings.Contains(calls[0].Query, "CONSTRAINT") {
		t.Errorf("expected a constraint statement, got %v", calls)
	}
}

func TestNewNeo4jClientRequiresURI(t *testing.T) {
	if _, err := NewNeo4jClient(context.Background(), Options{}); !errors.Is(err, ErrMissingURI) {
		t.Errorf("expected ErrMissingURI, got %v", err)
	}
}
