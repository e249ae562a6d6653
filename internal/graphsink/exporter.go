package graphsink

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	cypherConstraints = `CREATE CONSTRAINT account_key IF NOT EXISTS
FOR (a:Account) REQUIRE (a.tenant, a.id) IS UNIQUE`

	cypherAccounts = `UNWIND $rows AS row
MERGE (a:Account {tenant: $tenant, id: row.id})
SET a.in_degree = row.in_degree,
    a.out_degree = row.out_degree,
    a.velocity = row.velocity,
    a.flow_through = row.flow_through,
    a.suspicion = row.suspicion,
    a.patterns = row.patterns,
    a.analysis = $analysis`

	cypherTransfers = `UNWIND $rows AS row
MERGE (s:Account {tenant: $tenant, id: row.source})
MERGE (t:Account {tenant: $tenant, id: row.target})
MERGE (s)-[r:TRANSFER {analysis: $analysis, seq: row.seq}]->(t)
SET r.amount = row.amount,
    r.at = row.at,
    r.tx_id = row.tx_id`

	cypherRings = `UNWIND $rows AS row
MERGE (g:Ring {tenant: $tenant, analysis: $analysis, id: row.id})
SET g.pattern = row.pattern,
    g.risk_score = row.risk_score,
    g.avg_suspicion = row.avg_suspicion,
    g.hub = row.hub
WITH g, row
UNWIND row.members AS member
MERGE (a:Account {tenant: $tenant, id: member})
MERGE (a)-[:MEMBER_OF]->(g)`
)

// ExportStats counts what an export wrote.
type ExportStats struct {
	Accounts  int
	Transfers int
	Rings     int
	Batches   int
}

// Exporter writes accounts, the capped transfer list and rings with batched
// UNWIND ... MERGE statements.
type Exporter struct {
	client    Client
	batchSize int
	logger    *slog.Logger
}

// NewExporter creates an exporter. batchSize <= 0 uses 500.
func NewExporter(client Client, batchSize int, logger *slog.Logger) *Exporter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{client: client, batchSize: batchSize, logger: logger}
}

// EnsureSchema creates the account uniqueness constraint.
func (e *Exporter) EnsureSchema(ctx context.Context) error {
	if _, err := e.client.ExecuteWrite(ctx, cypherConstraints, nil); err != nil {
		return fmt.Errorf("create graph constraints: %w", err)
	}
	return nil
}

// Export writes one analysis result for a tenant.
func (e *Exporter) Export(ctx context.Context, tenantID, analysisID string, res *domain.GraphAnalysisResult) (ExportStats, error) {
	var stats ExportStats
	if res == nil {
		return stats, nil
	}
	start := time.Now()

	accounts := accountRows(res)
	n, err := e.write(ctx, cypherAccounts, tenantID, analysisID, accounts)
	stats.Batches += n
	if err != nil {
		return stats, fmt.Errorf("export accounts: %w", err)
	}
	stats.Accounts = len(accounts)

	transfers := transferRows(res.Edges)
	n, err = e.write(ctx, cypherTransfers, tenantID, analysisID, transfers)
	stats.Batches += n
	if err != nil {
		return stats, fmt.Errorf("export transfers: %w", err)
	}
	stats.Transfers = len(transfers)

	rings := ringRows(res.Rings)
	n, err = e.write(ctx, cypherRings, tenantID, analysisID, rings)
	stats.Batches += n
	if err != nil {
		return stats, fmt.Errorf("export rings: %w", err)
	}
	stats.Rings = len(rings)

	e.logger.Info("graph export complete",
		"tenant_id", tenantID,
		"analysis_id", analysisID,
		"accounts", stats.Accounts,
		"transfers", stats.Transfers,
		"rings", stats.Rings,
		"batches", stats.Batches,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stats, nil
}

func (e *Exporter) write(ctx context.Context, cypher, tenantID, analysisID string, rows []map[string]any) (int, error) {
	batches := 0
	for lo := 0; lo < len(rows); lo += e.batchSize {
		if err := ctx.Err(); err != nil {
			return batches, err
		}
		hi := min(lo+e.batchSize, len(rows))
		_, err := e.client.ExecuteWrite(ctx, cypher, map[string]any{
			"tenant":   tenantID,
			"analysis": analysisID,
			"rows":     rows[lo:hi],
		})
		if err != nil {
			return batches, err
		}
		batches++
	}
	return batches, nil
}

func accountRows(res *domain.GraphAnalysisResult) []map[string]any {
	scores := make(map[string]*domain.SuspicionScore, len(res.SuspiciousNodes))
	for i := range res.SuspiciousNodes {
		if sn := res.SuspiciousNodes[i]; sn.Score != nil {
			scores[sn.ID] = sn.Score
		}
	}

	ids := make([]string, 0, len(res.Nodes))
	for id := range res.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		n := res.Nodes[id]
		row := map[string]any{
			"id":           id,
			"in_degree":    int64(n.InDegree),
			"out_degree":   int64(n.OutDegree),
			"velocity":     n.Velocity,
			"flow_through": n.FlowThrough,
			"suspicion":    0.0,
			"patterns":     []string{},
		}
		if sc, ok := scores[id]; ok {
			row["suspicion"] = sc.Total
			patterns := make([]string, len(sc.Patterns))
			for i, p := range sc.Patterns {
				patterns[i] = string(p)
			}
			row["patterns"] = patterns
		}
		rows = append(rows, row)
	}
	return rows
}

func transferRows(edges []domain.EdgeData) []map[string]any {
	rows := make([]map[string]any, len(edges))
	for i, e := range edges {
		rows[i] = map[string]any{
			"seq":    int64(i),
			"source": e.Source,
			"target": e.Target,
			"amount": e.Amount,
			"at":     e.Timestamp.UTC().Format(time.RFC3339),
			"tx_id":  e.TxID,
		}
	}
	return rows
}

func ringRows(rings []domain.Ring) []map[string]any {
	rows := make([]map[string]any, len(rings))
	for i, r := range rings {
		pattern := ""
		if len(r.Patterns) > 0 {
			pattern = string(r.Patterns[0])
		}
		rows[i] = map[string]any{
			"id":            r.ID,
			"pattern":       pattern,
			"risk_score":    r.RiskScore,
			"avg_suspicion": r.AvgSuspicion,
			"hub":           r.Hub,
			"members":       append([]string(nil), r.Members...),
		}
	}
	return rows
}
